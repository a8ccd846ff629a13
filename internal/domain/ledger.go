package domain

import "time"

// LedgerEvent is one immutable row of the hash chain. Payload holds the
// canonical JSON bytes that were hashed.
type LedgerEvent struct {
	ID             int64
	EventType      string
	Payload        []byte
	PrevHash       string
	BlockHash      string
	CreatedAt      time.Time
	ActorID        string
	ArtifactSHA256 string
	ArtifactRef    string
	PayloadSHA256  string
	Signature      string
	KeyID          string
	AnchorID       *int64
}

// UsesLegacyHash reports whether the row predates the normative hash format.
func (e LedgerEvent) UsesLegacyHash() bool {
	return e.ActorID == ""
}

type LedgerQuery struct {
	AfterID     int64
	UpToID      int64
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
}

type AppendResult struct {
	Event           *LedgerEvent
	DeadLettered    bool
	DeadLetterError string
}

// Event types written by the ledger's own workflows.
const (
	EventKeyRequestCreated   = "key_lifecycle.request_created"
	EventKeyRequestApproved  = "key_lifecycle.request_approved"
	EventKeyRequestRejected  = "key_lifecycle.request_rejected"
	EventKeyRequestExecuted  = "key_lifecycle.request_executed"
	EventKeyRequestExpired   = "key_lifecycle.request_expired"
	EventBreakGlassActivated = "break_glass.activated"
	EventBreakGlassClosed    = "break_glass.closed"
	EventBreakGlassExpired   = "break_glass.expired"
	EventAnchorConfirmed     = "anchor.confirmed"
)
