package usecase

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/crypto"

	"go.uber.org/zap"
)

var sha256HexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

const verifyPageSize = 1000

type AppendInput struct {
	EventType      string
	Payload        any
	ActorID        string
	ArtifactSHA256 string
	ArtifactRef    string
	// Strict opts out of best-effort semantics: persistence failures are
	// returned to the caller instead of being dead-lettered.
	Strict bool
}

type LedgerMetrics interface {
	ObserveAppend(outcome string)
}

const (
	AppendOutcomeOK           = "ok"
	AppendOutcomeDeadLettered = "dead_lettered"
	AppendOutcomeFailed       = "failed"
)

// Ledger appends signed, hash-chained events.
type Ledger struct {
	Repo       LedgerRepository
	Signer     DigestSigner
	DeadLetter DeadLetterSink
	Metrics    LedgerMetrics
	Clock      Clock
	Logger     *zap.Logger
}

func NewLedger(repo LedgerRepository, signer DigestSigner, deadLetter DeadLetterSink, clock Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		Repo:       repo,
		Signer:     signer,
		DeadLetter: deadLetter,
		Clock:      clock,
		Logger:     logger,
	}
}

func (l *Ledger) Append(ctx context.Context, in AppendInput) (domain.AppendResult, error) {
	if l == nil || l.Repo == nil || l.Signer == nil {
		return domain.AppendResult{}, errors.New("ledger not configured")
	}
	in.EventType = strings.TrimSpace(in.EventType)
	if in.EventType == "" {
		return domain.AppendResult{}, fmt.Errorf("%w: event_type is required", domain.ErrInvalidArgument)
	}
	in.ArtifactSHA256 = strings.ToLower(strings.TrimSpace(in.ArtifactSHA256))
	if in.ArtifactSHA256 != "" && !sha256HexPattern.MatchString(in.ArtifactSHA256) {
		return domain.AppendResult{}, fmt.Errorf("%w: artifact_sha256 must be 64 hex characters", domain.ErrInvalidArgument)
	}
	if in.Payload == nil {
		in.Payload = map[string]any{}
	}
	canonical, err := crypto.Canonicalize(in.Payload)
	if err != nil {
		return domain.AppendResult{}, fmt.Errorf("payload: %w", err)
	}
	payloadHash := crypto.SHA256Hex(canonical)

	event, err := l.Repo.Append(ctx, func(prevHash string) (domain.LedgerEvent, error) {
		createdAt := l.now().Truncate(time.Millisecond)
		blockHash := crypto.ChainHash(in.EventType, createdAt, in.ActorID, canonical, prevHash)
		digest, err := hex.DecodeString(blockHash)
		if err != nil {
			return domain.LedgerEvent{}, err
		}
		sig, keyID, err := l.Signer.Sign(ctx, digest)
		if err != nil {
			return domain.LedgerEvent{}, err
		}
		return domain.LedgerEvent{
			EventType:      in.EventType,
			Payload:        canonical,
			PrevHash:       prevHash,
			BlockHash:      blockHash,
			CreatedAt:      createdAt,
			ActorID:        in.ActorID,
			ArtifactSHA256: in.ArtifactSHA256,
			ArtifactRef:    in.ArtifactRef,
			PayloadSHA256:  payloadHash,
			Signature:      hex.EncodeToString(sig),
			KeyID:          keyID,
		}, nil
	})
	if err == nil {
		l.observe(AppendOutcomeOK)
		l.Logger.Debug("ledger event appended",
			zap.Int64("event_id", event.ID),
			zap.String("event_type", event.EventType),
			zap.String("block_hash", event.BlockHash))
		return domain.AppendResult{Event: &event}, nil
	}

	if errors.Is(err, domain.ErrSigningKey) || errors.Is(err, domain.ErrInvalidArgument) || in.Strict {
		l.observe(AppendOutcomeFailed)
		return domain.AppendResult{}, fmt.Errorf("append %s: %w", in.EventType, err)
	}

	entry := domain.DeadLetterEntry{
		EventType:      in.EventType,
		PayloadJSON:    string(canonical),
		ActorID:        in.ActorID,
		ArtifactSHA256: in.ArtifactSHA256,
		ArtifactRef:    in.ArtifactRef,
		Error:          err.Error(),
		TsUTC:          crypto.FormatTimestamp(l.now()),
	}
	if l.DeadLetter == nil || !l.DeadLetter.Append(entry) {
		l.observe(AppendOutcomeFailed)
		l.Logger.Error("ledger append lost: dead-letter unavailable",
			zap.String("event_type", in.EventType), zap.Error(err))
		return domain.AppendResult{}, fmt.Errorf("append %s: dead-letter write failed: %w", in.EventType, err)
	}
	l.observe(AppendOutcomeDeadLettered)
	l.Logger.Warn("ledger append dead-lettered",
		zap.String("event_type", in.EventType), zap.Error(err))
	return domain.AppendResult{DeadLettered: true, DeadLetterError: err.Error()}, nil
}

func (l *Ledger) Get(ctx context.Context, id int64) (*domain.LedgerEvent, error) {
	return l.Repo.Get(ctx, id)
}

func (l *Ledger) List(ctx context.Context, q domain.LedgerQuery) ([]domain.LedgerEvent, error) {
	return l.Repo.List(ctx, q)
}

// VerifyStored pages through the whole chain in id order.
func (l *Ledger) VerifyStored(ctx context.Context) (ChainResult, error) {
	return VerifyRepositoryChain(ctx, l.Repo)
}

func VerifyRepositoryChain(ctx context.Context, repo LedgerRepository) (ChainResult, error) {
	walker := &chainWalker{}
	var after int64
	for {
		page, err := repo.List(ctx, domain.LedgerQuery{AfterID: after, Limit: verifyPageSize})
		if err != nil {
			return ChainResult{}, err
		}
		for _, event := range page {
			if v := walker.step(event); v != nil {
				return walker.result(v), nil
			}
		}
		if len(page) < verifyPageSize {
			return walker.result(nil), nil
		}
		after = page[len(page)-1].ID
	}
}

func (l *Ledger) observe(outcome string) {
	if l.Metrics != nil {
		l.Metrics.ObserveAppend(outcome)
	}
}

func (l *Ledger) now() time.Time {
	return nowFrom(l.Clock)
}
