package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/anchor"
	"evidenceledger/internal/infra/merkle"

	"go.uber.org/zap"
)

const (
	defaultAnchorPeriod         = time.Hour
	defaultAnchorLookback       = 24
	defaultAnchorRequestTimeout = 10 * time.Second
	defaultAnchorConfirmAfter   = 30 * time.Second
	defaultAnchorGrace          = 30 * time.Second
	anchorBatchLimit            = 100
)

// Outcome reasons returned by publish/confirm when no transition happened.
const (
	AnchorReasonPublishDisabled  = "publish_disabled"
	AnchorReasonConfirmDisabled  = "confirm_disabled"
	AnchorReasonNotFound         = "not_found"
	AnchorReasonEmpty            = "empty_anchor"
	AnchorReasonAlreadyConfirmed = "already_confirmed"
	AnchorReasonAlreadyPublished = "already_published"
	AnchorReasonFailed           = "anchor_failed"
	AnchorReasonNotPublished     = "not_published"
	AnchorReasonReceiptMissing   = "receipt_not_found"
	AnchorReasonReverted         = "transaction_reverted"
	AnchorReasonEventMissing     = "anchor_event_missing"
)

type AnchorMetrics interface {
	ObserveAnchor(operation, outcome string)
}

// AnchorEngine groups events by period into Merkle roots and drives their
// publication to the external registry.
type AnchorEngine struct {
	Anchors  domain.AnchorRepository
	Attempts domain.AnchorAttemptRepository
	Receipts domain.AnchorReceiptRepository
	Ledger   LedgerRepository
	Registry domain.ChainRegistry
	Events   *EventEmitter
	Metrics  AnchorMetrics
	Clock    Clock
	Logger   *zap.Logger

	PublishEnabled bool
	ConfirmEnabled bool
	RequestTimeout time.Duration
	// Period is the length of the UTC-epoch aligned windows AnchorDue creates.
	Period time.Duration
	// Lookback bounds how many periods AnchorDue backfills.
	Lookback int
	// Grace is how long after period_end a period is left open, so appends
	// stamped just before the boundary have committed before the root is taken.
	Grace time.Duration
	// ConfirmAfter is how long AnchorDue waits after publishing before it
	// fetches a receipt.
	ConfirmAfter time.Duration
}

func NewAnchorEngine(anchors domain.AnchorRepository, ledger LedgerRepository, registry domain.ChainRegistry, clock Clock, logger *zap.Logger) *AnchorEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnchorEngine{
		Anchors:        anchors,
		Ledger:         ledger,
		Registry:       registry,
		Clock:          clock,
		Logger:         logger,
		RequestTimeout: defaultAnchorRequestTimeout,
		Period:         defaultAnchorPeriod,
		Lookback:       defaultAnchorLookback,
		Grace:          defaultAnchorGrace,
		ConfirmAfter:   defaultAnchorConfirmAfter,
	}
}

// CreateAnchor returns the anchor for exactly [start, end), creating it from
// the events in that window when none exists yet.
func (e *AnchorEngine) CreateAnchor(ctx context.Context, start, end time.Time) (domain.Anchor, error) {
	a, _, err := e.createAnchor(ctx, start, end)
	return a, err
}

func (e *AnchorEngine) createAnchor(ctx context.Context, start, end time.Time) (domain.Anchor, bool, error) {
	if e == nil || e.Anchors == nil || e.Ledger == nil {
		return domain.Anchor{}, false, errors.New("anchor engine not configured")
	}
	start, end = start.UTC(), end.UTC()
	if start.IsZero() || !start.Before(end) {
		return domain.Anchor{}, false, fmt.Errorf("%w: period_start must be before period_end", domain.ErrInvalidArgument)
	}
	now := e.now()
	if end.After(now) {
		return domain.Anchor{}, false, fmt.Errorf("%w: period has not ended", domain.ErrInvalidArgument)
	}
	if end.Add(e.grace()).After(now) {
		return domain.Anchor{}, false, fmt.Errorf("%w: period ended less than %s ago", domain.ErrInvalidArgument, e.grace())
	}

	existing, err := e.Anchors.GetByPeriod(ctx, start, end)
	if err == nil {
		return *existing, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Anchor{}, false, err
	}

	events, err := periodEvents(ctx, e.Ledger, start, end)
	if err != nil {
		return domain.Anchor{}, false, err
	}
	candidate := domain.Anchor{
		PeriodStart: start,
		PeriodEnd:   end,
		Status:      domain.AnchorStatusEmpty,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ids := make([]int64, 0, len(events))
	if len(events) > 0 {
		leaves := make([]string, 0, len(events))
		for _, event := range events {
			leaves = append(leaves, event.BlockHash)
			ids = append(ids, event.ID)
		}
		root, err := merkle.Root(leaves)
		if err != nil {
			return domain.Anchor{}, false, fmt.Errorf("merkle root: %w", err)
		}
		candidate.MerkleRoot = &root
		candidate.Status = domain.AnchorStatusPending
		candidate.EventsCount = len(events)
	}

	created, inserted, err := e.Anchors.CreateForPeriod(ctx, candidate)
	if err != nil {
		return domain.Anchor{}, false, err
	}
	if !inserted {
		return created, false, nil
	}
	if len(ids) > 0 {
		if err := e.Ledger.AssignAnchor(ctx, created.ID, ids); err != nil {
			e.Logger.Warn("anchor id not assigned to events",
				zap.Int64("anchor_id", created.ID), zap.Error(err))
		}
	}
	e.observe("create", string(created.Status))
	e.Logger.Info("anchor created",
		zap.Int64("anchor_id", created.ID),
		zap.String("anchor_status", string(created.Status)),
		zap.Int("events_count", created.EventsCount),
		zap.Time("period_start", start),
		zap.Time("period_end", end))
	return created, true, nil
}

// PublishAnchor submits a pending anchor's root to the registry. The anchor
// stays pending until ConfirmAnchor sees a successful receipt.
func (e *AnchorEngine) PublishAnchor(ctx context.Context, id int64) (domain.PublishOutcome, error) {
	if !e.PublishEnabled {
		return domain.PublishOutcome{Reason: AnchorReasonPublishDisabled}, nil
	}
	a, err := e.Anchors.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PublishOutcome{Reason: AnchorReasonNotFound}, nil
	}
	if err != nil {
		return domain.PublishOutcome{}, err
	}
	if outcome, done := publishShortCircuit(*a); done {
		return outcome, nil
	}
	if e.Registry == nil {
		return domain.PublishOutcome{Reason: domain.AnchorErrorBadConfig}, &domain.ChainError{Code: domain.AnchorErrorBadConfig, Err: errors.New("no chain registry configured")}
	}

	sub, err := anchor.BuildSubmission(*a)
	if err != nil {
		e.recordAttempt(ctx, domain.AnchorAttempt{AnchorID: id, Operation: domain.AnchorOperationPublish, Status: domain.AttemptStatusFailed, ErrorCode: domain.AnchorErrorBadConfig, Detail: err.Error()})
		return domain.PublishOutcome{Reason: domain.AnchorErrorBadConfig}, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	rec, err := e.Registry.Publish(callCtx, sub)
	cancel()
	if err != nil {
		code := chainErrorCode(err)
		e.recordAttempt(ctx, domain.AnchorAttempt{AnchorID: id, Operation: domain.AnchorOperationPublish, Status: domain.AttemptStatusFailed, ErrorCode: code, Detail: err.Error()})
		e.observe(domain.AnchorOperationPublish, "error")
		e.Logger.Warn("anchor publish failed",
			zap.Int64("anchor_id", id), zap.String("error_code", code), zap.Error(err))
		return domain.PublishOutcome{Reason: code}, err
	}

	if err := e.Anchors.MarkPublished(ctx, id, rec, sub.AnchorKey, e.now()); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Another runner moved the anchor on; report what it holds now.
			if current, getErr := e.Anchors.Get(ctx, id); getErr == nil {
				outcome, _ := publishShortCircuit(*current)
				return outcome, nil
			}
		}
		e.recordAttempt(ctx, domain.AnchorAttempt{AnchorID: id, Operation: domain.AnchorOperationPublish, Status: domain.AttemptStatusFailed, ErrorCode: domain.AnchorErrorPersistence, Detail: err.Error(), TxHash: rec.TxHash})
		return domain.PublishOutcome{Reason: domain.AnchorErrorPersistence, TxHash: rec.TxHash}, err
	}
	e.recordAttempt(ctx, domain.AnchorAttempt{AnchorID: id, Operation: domain.AnchorOperationPublish, Status: domain.AttemptStatusOK, TxHash: rec.TxHash})
	e.observe(domain.AnchorOperationPublish, "ok")
	e.Logger.Info("anchor published",
		zap.Int64("anchor_id", id),
		zap.String("tx_hash", rec.TxHash),
		zap.String("chain_id", rec.ChainID))
	return domain.PublishOutcome{OK: true, TxHash: rec.TxHash}, nil
}

func publishShortCircuit(a domain.Anchor) (domain.PublishOutcome, bool) {
	switch {
	case a.Status == domain.AnchorStatusEmpty:
		return domain.PublishOutcome{Reason: AnchorReasonEmpty}, true
	case a.Status == domain.AnchorStatusConfirmed:
		return domain.PublishOutcome{OK: true, Reason: AnchorReasonAlreadyConfirmed, TxHash: a.TxHash}, true
	case a.Status == domain.AnchorStatusFailed:
		return domain.PublishOutcome{Reason: AnchorReasonFailed, TxHash: a.TxHash}, true
	case a.Published():
		return domain.PublishOutcome{OK: true, Reason: AnchorReasonAlreadyPublished, TxHash: a.TxHash}, true
	}
	return domain.PublishOutcome{}, false
}

// ConfirmAnchor fetches the receipt of a published anchor. A successful
// receipt carrying the registry event confirms it; a reverted or absent
// receipt fails it. Transport errors leave the anchor pending.
func (e *AnchorEngine) ConfirmAnchor(ctx context.Context, id int64) (domain.ConfirmOutcome, error) {
	if !e.ConfirmEnabled {
		return domain.ConfirmOutcome{Reason: AnchorReasonConfirmDisabled}, nil
	}
	a, err := e.Anchors.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ConfirmOutcome{Reason: AnchorReasonNotFound}, nil
	}
	if err != nil {
		return domain.ConfirmOutcome{}, err
	}
	if outcome, done := confirmShortCircuit(*a); done {
		return outcome, nil
	}
	if e.Registry == nil {
		return domain.ConfirmOutcome{Reason: domain.AnchorErrorBadConfig, Status: a.Status}, &domain.ChainError{Code: domain.AnchorErrorBadConfig, Err: errors.New("no chain registry configured")}
	}

	callCtx, cancel := e.withTimeout(ctx)
	receipt, err := e.Registry.Receipt(callCtx, a.TxHash)
	cancel()
	if err != nil {
		code := chainErrorCode(err)
		e.recordAttempt(ctx, domain.AnchorAttempt{AnchorID: id, Operation: domain.AnchorOperationConfirm, Status: domain.AttemptStatusFailed, ErrorCode: code, Detail: err.Error(), TxHash: a.TxHash})
		e.observe(domain.AnchorOperationConfirm, "error")
		e.Logger.Warn("anchor receipt fetch failed",
			zap.Int64("anchor_id", id), zap.String("error_code", code), zap.Error(err))
		return domain.ConfirmOutcome{Reason: code, Status: a.Status}, err
	}

	switch {
	case receipt == nil:
		return e.failAnchor(ctx, *a, AnchorReasonReceiptMissing, "")
	case !receipt.Success:
		return e.failAnchor(ctx, *a, AnchorReasonReverted, domain.AnchorErrorReverted)
	}
	logIndex, found := anchor.FindAnchorLog(*receipt, a.ContractAddress, e.Registry.EventTopic(), a.AnchorKey)
	if !found {
		return e.failAnchor(ctx, *a, AnchorReasonEventMissing, domain.AnchorErrorReverted)
	}

	now := e.now()
	if e.Receipts != nil {
		archived := anchor.ArchiveReceipt(*a, *receipt, logIndex, now)
		if err := e.Receipts.Put(ctx, archived); err != nil {
			e.recordAttempt(ctx, domain.AnchorAttempt{AnchorID: id, Operation: domain.AnchorOperationConfirm, Status: domain.AttemptStatusFailed, ErrorCode: domain.AnchorErrorPersistence, Detail: err.Error(), TxHash: a.TxHash})
			return domain.ConfirmOutcome{Reason: domain.AnchorErrorPersistence, Status: a.Status}, fmt.Errorf("archive receipt: %w", err)
		}
	}
	if err := e.Anchors.MarkConfirmed(ctx, id, receipt.BlockNumber, logIndex, now); err != nil {
		return e.transitionLost(ctx, id, err)
	}
	e.recordAttempt(ctx, domain.AnchorAttempt{AnchorID: id, Operation: domain.AnchorOperationConfirm, Status: domain.AttemptStatusOK, TxHash: a.TxHash})
	e.observe(domain.AnchorOperationConfirm, "confirmed")
	e.Logger.Info("anchor confirmed",
		zap.Int64("anchor_id", id),
		zap.String("tx_hash", a.TxHash),
		zap.Int64("block_number", receipt.BlockNumber),
		zap.Int64("log_index", logIndex))
	e.Events.emitQuiet(ctx, domain.EventAnchorConfirmed, SystemActor, map[string]any{
		"anchor_id":    id,
		"merkle_root":  derefString(a.MerkleRoot),
		"tx_hash":      a.TxHash,
		"chain_id":     a.ChainID,
		"block_number": receipt.BlockNumber,
		"log_index":    logIndex,
	})
	return domain.ConfirmOutcome{OK: true, Status: domain.AnchorStatusConfirmed}, nil
}

func confirmShortCircuit(a domain.Anchor) (domain.ConfirmOutcome, bool) {
	switch {
	case a.Status == domain.AnchorStatusConfirmed:
		return domain.ConfirmOutcome{OK: true, Reason: AnchorReasonAlreadyConfirmed, Status: a.Status}, true
	case a.Status == domain.AnchorStatusEmpty:
		return domain.ConfirmOutcome{Reason: AnchorReasonEmpty, Status: a.Status}, true
	case a.Status == domain.AnchorStatusFailed:
		return domain.ConfirmOutcome{Reason: AnchorReasonFailed, Status: a.Status}, true
	case !a.Published():
		return domain.ConfirmOutcome{Reason: AnchorReasonNotPublished, Status: a.Status}, true
	}
	return domain.ConfirmOutcome{}, false
}

func (e *AnchorEngine) failAnchor(ctx context.Context, a domain.Anchor, reason, code string) (domain.ConfirmOutcome, error) {
	if err := e.Anchors.MarkFailed(ctx, a.ID, reason, e.now()); err != nil {
		return e.transitionLost(ctx, a.ID, err)
	}
	e.recordAttempt(ctx, domain.AnchorAttempt{AnchorID: a.ID, Operation: domain.AnchorOperationConfirm, Status: domain.AttemptStatusFailed, ErrorCode: code, Detail: reason, TxHash: a.TxHash})
	e.observe(domain.AnchorOperationConfirm, "failed")
	e.Logger.Warn("anchor failed",
		zap.Int64("anchor_id", a.ID),
		zap.String("anchor_status", string(domain.AnchorStatusFailed)),
		zap.String("reason", reason))
	return domain.ConfirmOutcome{Reason: reason, Status: domain.AnchorStatusFailed}, nil
}

// transitionLost handles a concurrent runner having already moved the anchor
// to a terminal state.
func (e *AnchorEngine) transitionLost(ctx context.Context, id int64, err error) (domain.ConfirmOutcome, error) {
	if errors.Is(err, domain.ErrInvalidTransition) {
		if current, getErr := e.Anchors.Get(ctx, id); getErr == nil {
			outcome, _ := confirmShortCircuit(*current)
			return outcome, nil
		}
	}
	return domain.ConfirmOutcome{Reason: domain.AnchorErrorPersistence}, err
}

// DueReport summarises one AnchorDue run.
type DueReport struct {
	Created   int `json:"created"`
	Published int `json:"published"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
}

// AnchorDue creates anchors for every completed period since the last
// anchored one, then publishes and confirms pending anchors. Errors on one
// anchor do not stop the others.
func (e *AnchorEngine) AnchorDue(ctx context.Context) (DueReport, error) {
	var report DueReport
	var errs []error
	now := e.now()
	period := e.Period
	if period <= 0 {
		period = defaultAnchorPeriod
	}
	lookback := e.Lookback
	if lookback <= 0 {
		lookback = defaultAnchorLookback
	}

	earliest := alignDown(now, period).Add(-time.Duration(lookback) * period)
	from := earliest
	latest, err := e.Anchors.Latest(ctx)
	switch {
	case err == nil:
		if next := alignDown(latest.PeriodEnd, period); next.After(from) {
			from = next
		}
	case !errors.Is(err, domain.ErrNotFound):
		return report, err
	}
	for start := from; !start.Add(period).Add(e.grace()).After(now); start = start.Add(period) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, created, err := e.createAnchor(ctx, start, start.Add(period))
		if err != nil {
			errs = append(errs, fmt.Errorf("create anchor %s: %w", start.Format(time.RFC3339), err))
			continue
		}
		if created {
			report.Created++
		}
	}

	pending, err := e.Anchors.List(ctx, domain.AnchorStatusPending, anchorBatchLimit)
	if err != nil {
		return report, errors.Join(append(errs, err)...)
	}
	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !a.Published() {
			if !e.PublishEnabled {
				continue
			}
			outcome, err := e.PublishAnchor(ctx, a.ID)
			if err != nil {
				errs = append(errs, fmt.Errorf("publish anchor %d: %w", a.ID, err))
				continue
			}
			if outcome.OK {
				report.Published++
			}
			continue
		}
		if !e.ConfirmEnabled {
			continue
		}
		if a.PublishedAt != nil && now.Sub(*a.PublishedAt) < e.ConfirmAfter {
			continue
		}
		outcome, err := e.ConfirmAnchor(ctx, a.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("confirm anchor %d: %w", a.ID, err))
			continue
		}
		switch outcome.Status {
		case domain.AnchorStatusConfirmed:
			report.Confirmed++
		case domain.AnchorStatusFailed:
			report.Failed++
		}
	}
	if len(errs) > 0 {
		e.Logger.Warn("anchoring run finished with errors", zap.Int("errors", len(errs)))
	}
	return report, errors.Join(errs...)
}

// Proof builds the inclusion proof of an event in its anchor's root.
func (e *AnchorEngine) Proof(ctx context.Context, anchorID, eventID int64) (domain.AnchorProof, error) {
	a, err := e.Anchors.Get(ctx, anchorID)
	if err != nil {
		return domain.AnchorProof{}, err
	}
	if a.MerkleRoot == nil {
		return domain.AnchorProof{}, fmt.Errorf("%w: anchor %d has no events", domain.ErrInvalidArgument, anchorID)
	}
	event, err := e.Ledger.Get(ctx, eventID)
	if err != nil {
		return domain.AnchorProof{}, err
	}
	if event.CreatedAt.Before(a.PeriodStart) || !event.CreatedAt.Before(a.PeriodEnd) {
		return domain.AnchorProof{}, fmt.Errorf("%w: event %d is outside the anchor period", domain.ErrInvalidArgument, eventID)
	}
	leaves, err := periodLeaves(ctx, e.Ledger, a.PeriodStart, a.PeriodEnd)
	if err != nil {
		return domain.AnchorProof{}, err
	}
	path, err := merkle.Proof(leaves, event.BlockHash)
	if err != nil {
		return domain.AnchorProof{}, err
	}
	ok, err := merkle.VerifyProof(event.BlockHash, path, *a.MerkleRoot)
	if err != nil {
		return domain.AnchorProof{}, err
	}
	return domain.AnchorProof{
		AnchorID:   anchorID,
		EventID:    eventID,
		Leaf:       event.BlockHash,
		Path:       path,
		MerkleRoot: *a.MerkleRoot,
		Verified:   ok,
	}, nil
}

func (e *AnchorEngine) Get(ctx context.Context, id int64) (*domain.Anchor, error) {
	return e.Anchors.Get(ctx, id)
}

func (e *AnchorEngine) List(ctx context.Context, status domain.AnchorStatus, limit int) ([]domain.Anchor, error) {
	return e.Anchors.List(ctx, status, limit)
}

func (e *AnchorEngine) recordAttempt(ctx context.Context, attempt domain.AnchorAttempt) {
	if e.Attempts == nil {
		return
	}
	attempt.CreatedAt = e.now()
	if err := e.Attempts.Append(ctx, attempt); err != nil {
		e.Logger.Error("anchor attempt not recorded",
			zap.Int64("anchor_id", attempt.AnchorID),
			zap.String("operation", attempt.Operation),
			zap.Error(err))
	}
}

func (e *AnchorEngine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.RequestTimeout)
}

func (e *AnchorEngine) observe(operation, outcome string) {
	if e.Metrics != nil {
		e.Metrics.ObserveAnchor(operation, outcome)
	}
}

func (e *AnchorEngine) grace() time.Duration {
	if e.Grace < 0 {
		return 0
	}
	return e.Grace
}

func (e *AnchorEngine) now() time.Time {
	return nowFrom(e.Clock)
}

func periodEvents(ctx context.Context, repo LedgerRepository, start, end time.Time) ([]domain.LedgerEvent, error) {
	var out []domain.LedgerEvent
	var after int64
	for {
		page, err := repo.List(ctx, domain.LedgerQuery{
			AfterID:     after,
			CreatedFrom: start,
			CreatedTo:   end,
			Limit:       verifyPageSize,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < verifyPageSize {
			return out, nil
		}
		after = page[len(page)-1].ID
	}
}

func periodLeaves(ctx context.Context, repo LedgerRepository, start, end time.Time) ([]string, error) {
	events, err := periodEvents(ctx, repo, start, end)
	if err != nil {
		return nil, err
	}
	leaves := make([]string, 0, len(events))
	for _, event := range events {
		leaves = append(leaves, event.BlockHash)
	}
	return leaves, nil
}

// alignDown floors t to a multiple of period counted from the unix epoch.
func alignDown(t time.Time, period time.Duration) time.Time {
	ns := t.UnixNano()
	p := period.Nanoseconds()
	rem := ns % p
	if rem < 0 {
		rem += p
	}
	return time.Unix(0, ns-rem).UTC()
}

func chainErrorCode(err error) string {
	var chainErr *domain.ChainError
	if errors.As(err, &chainErr) && chainErr.Code != "" {
		return chainErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.AnchorErrorTimeout
	}
	return domain.AnchorErrorNetwork
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
