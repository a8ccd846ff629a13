package usecase

import (
	"context"
	"time"

	"evidenceledger/internal/domain"
)

type Clock func() time.Time

type LedgerRepository interface {
	// Append serializes writers on the single chain. build receives the current
	// tail block_hash ("" for genesis) and returns the row to insert.
	Append(ctx context.Context, build func(prevHash string) (domain.LedgerEvent, error)) (domain.LedgerEvent, error)
	Get(ctx context.Context, id int64) (*domain.LedgerEvent, error)
	List(ctx context.Context, q domain.LedgerQuery) ([]domain.LedgerEvent, error)
	// AssignAnchor sets anchor_id on the given rows where it is still null.
	AssignAnchor(ctx context.Context, anchorID int64, eventIDs []int64) error
}

type SigningKeyRepository interface {
	GetActive(ctx context.Context) (*domain.SigningKey, error)
	Get(ctx context.Context, keyID string) (*domain.SigningKey, error)
	List(ctx context.Context) ([]domain.SigningKey, error)
	// CreateActive inserts key as the active key unless an active key already
	// exists. It returns the active key and whether key was inserted.
	CreateActive(ctx context.Context, key domain.SigningKey) (domain.SigningKey, bool, error)
	// Rotate archives currentKeyID and inserts next as active in one step. It
	// fails with domain.ErrNoActiveKey when currentKeyID is no longer active.
	Rotate(ctx context.Context, currentKeyID string, next domain.SigningKey, at time.Time) error
	// Revoke marks an archived key revoked. Revoking an already revoked key
	// returns it unchanged.
	Revoke(ctx context.Context, keyID, reason string, at time.Time) (domain.SigningKey, error)
}

type KeyMaterialStore interface {
	Put(ctx context.Context, material domain.KeyMaterial) error
	Get(ctx context.Context, keyID string) (*domain.KeyMaterial, error)
	Delete(ctx context.Context, keyID string) error
}

type KeyRequestRepository interface {
	Create(ctx context.Context, req domain.KeyLifecycleRequest) error
	Get(ctx context.Context, id string) (*domain.KeyLifecycleRequest, error)
	List(ctx context.Context, filter domain.KeyRequestFilter) ([]domain.KeyLifecycleRequest, error)
	// Update stores req only if the persisted status still equals from.
	// Otherwise it returns domain.ErrInvalidTransition.
	Update(ctx context.Context, req domain.KeyLifecycleRequest, from domain.RequestStatus) error
	ListPastDeadline(ctx context.Context, now time.Time) ([]domain.KeyLifecycleRequest, error)
}

type BreakGlassRepository interface {
	// Create fails with domain.ErrBreakGlassActive while another session is open.
	Create(ctx context.Context, session domain.BreakGlassSession) error
	Get(ctx context.Context, id string) (*domain.BreakGlassSession, error)
	GetOpen(ctx context.Context) (*domain.BreakGlassSession, error)
	List(ctx context.Context, limit int) ([]domain.BreakGlassSession, error)
	Update(ctx context.Context, session domain.BreakGlassSession, from domain.BreakGlassStatus) error
}

type DeadLetterSink interface {
	Append(entry domain.DeadLetterEntry) bool
}

type DeadLetterSource interface {
	ReadAll() ([]domain.DeadLetterLine, error)
}

// ReplayKeyRepository tracks dead-letter idempotency keys. A key is reserved
// before its entry is appended, so concurrent replayers cannot both append it.
type ReplayKeyRepository interface {
	// Seen reports whether key is reserved or replayed.
	Seen(ctx context.Context, key string) (bool, error)
	// Reserve fails with domain.ErrDeadLetterReplayed when key already exists.
	Reserve(ctx context.Context, key string, at time.Time) error
	// Release drops a reservation. Replayed keys are kept.
	Release(ctx context.Context, key string) error
	// Record marks key replayed as eventID. It fails with
	// domain.ErrDeadLetterReplayed when key was already replayed.
	Record(ctx context.Context, key string, eventID int64, at time.Time) error
}

type EventAppender interface {
	Append(ctx context.Context, in AppendInput) (domain.AppendResult, error)
}

type DigestSigner interface {
	Sign(ctx context.Context, digest []byte) ([]byte, string, error)
}

// MandateClaimer hands an approved key lifecycle request to the key operation
// it authorizes. ClaimRequest succeeds at most once per request;
// ReleaseRequest returns a claim whose operation failed.
type MandateClaimer interface {
	ClaimRequest(ctx context.Context, requestID string, action domain.KeyAction, targetKeyID string) (*domain.KeyLifecycleRequest, error)
	ReleaseRequest(ctx context.Context, req domain.KeyLifecycleRequest) error
}

// PayloadValidator checks an event payload against its per-type schema. It
// runs only at the API edge; the ledger core treats payloads as opaque.
type PayloadValidator interface {
	Validate(ctx context.Context, eventType string, payload map[string]any) error
}

func nowFrom(clock Clock) time.Time {
	if clock != nil {
		return clock().UTC()
	}
	return time.Now().UTC()
}
