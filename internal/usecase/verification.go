package usecase

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/crypto"
	"evidenceledger/internal/infra/merkle"

	"go.uber.org/zap"
)

const (
	verificationTable    = "ledger_events"
	verificationOrdering = "id ASC"
)

type KeyLookup interface {
	Get(ctx context.Context, keyID string) (*domain.SigningKey, error)
}

type AnchorLister interface {
	List(ctx context.Context, status domain.AnchorStatus, limit int) ([]domain.Anchor, error)
}

type VerifyOptions struct {
	SkipSignatures bool
	SkipAnchors    bool
}

// Verifier certifies the stored chain, its signatures and its anchors. It is
// read-only and reports every outcome inside the bundle; only storage errors
// are returned as errors.
type Verifier struct {
	Ledger  LedgerRepository
	Keys    KeyLookup
	Anchors AnchorLister
	Tool    domain.ToolInfo
	Clock   Clock
	Logger  *zap.Logger
}

func NewVerifier(ledger LedgerRepository, keys KeyLookup, anchors AnchorLister, tool domain.ToolInfo, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{Ledger: ledger, Keys: keys, Anchors: anchors, Tool: tool, Logger: logger}
}

func (v *Verifier) Build(ctx context.Context, opts VerifyOptions) (domain.VerificationBundle, error) {
	if v == nil || v.Ledger == nil {
		return domain.VerificationBundle{}, errors.New("verifier not configured")
	}
	started := v.now()
	wallStart := time.Now()

	bundle := domain.VerificationBundle{
		SchemaVersion: domain.VerificationSchemaVersion,
		Tool:          v.Tool,
		GeneratedAt:   crypto.FormatTimestamp(started),
		Scope: domain.VerificationScope{
			Table:    verificationTable,
			Ordering: verificationOrdering,
		},
	}

	chain, sigs, scope, err := v.walkEvents(ctx, opts)
	if err != nil {
		return domain.VerificationBundle{}, err
	}
	bundle.Scope.EventIDRange = scope.EventIDRange
	bundle.Scope.EventsCount = scope.EventsCount
	bundle.Checks.Chain = chain
	bundle.Checks.Signatures = sigs

	anchors, count, err := v.checkAnchors(ctx, opts)
	if err != nil {
		return domain.VerificationBundle{}, err
	}
	bundle.Checks.Anchors = anchors
	bundle.Scope.AnchorsCount = count

	bundle.OK = checkPassed(bundle.Checks.Chain.CheckResult) &&
		checkPassed(bundle.Checks.Signatures.CheckResult) &&
		checkPassed(bundle.Checks.Anchors.CheckResult)

	finished := v.now()
	bundle.Timing = domain.VerificationTiming{
		StartedAt:  crypto.FormatTimestamp(started),
		FinishedAt: crypto.FormatTimestamp(finished),
		DurationMS: time.Since(wallStart).Milliseconds(),
	}
	v.log().Info("verification finished",
		zap.Bool("ok", bundle.OK),
		zap.Int("events_count", bundle.Scope.EventsCount),
		zap.Int("anchors_count", bundle.Scope.AnchorsCount))
	return bundle, nil
}

// walkEvents pages through the chain once, feeding both the chain walker and
// the signature check.
func (v *Verifier) walkEvents(ctx context.Context, opts VerifyOptions) (domain.ChainCheck, domain.SignatureCheck, domain.VerificationScope, error) {
	var (
		scope    domain.VerificationScope
		walker   = &chainWalker{}
		brokenAt *domain.ChainViolation
		chainDur time.Duration
		sigDur   time.Duration
		keyCache = make(map[string]*domain.SigningKey)
	)
	sigs := domain.SignatureCheck{Failures: []domain.SignatureFailure{}}
	checkSigs := !opts.SkipSignatures && v.Keys != nil

	var after int64
	for {
		page, err := v.Ledger.List(ctx, domain.LedgerQuery{AfterID: after, Limit: verifyPageSize})
		if err != nil {
			return domain.ChainCheck{}, domain.SignatureCheck{}, scope, err
		}
		for _, event := range page {
			if scope.EventsCount == 0 {
				scope.EventIDRange.First = event.ID
			}
			scope.EventIDRange.Last = event.ID
			scope.EventsCount++

			if brokenAt == nil {
				t := time.Now()
				brokenAt = walker.step(event)
				chainDur += time.Since(t)
			}
			if checkSigs {
				t := time.Now()
				failure, err := v.verifySignature(ctx, event, keyCache)
				if err != nil {
					return domain.ChainCheck{}, domain.SignatureCheck{}, scope, err
				}
				if failure != nil {
					sigs.Failures = append(sigs.Failures, *failure)
				} else {
					sigs.Verified++
				}
				sigDur += time.Since(t)
			}
		}
		if len(page) < verifyPageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	result := walker.result(brokenAt)
	chain := domain.ChainCheck{
		CheckResult:   executed(result.OK, chainDur),
		EventsChecked: result.EventsChecked,
		LegacyRows:    result.LegacyRows,
		Violation:     result.Violation,
	}
	if result.Violation != nil {
		chain.Reason = result.Violation.Error()
	}

	switch {
	case opts.SkipSignatures:
		sigs.CheckResult = skipped("skipped by request")
	case v.Keys == nil:
		sigs.CheckResult = skipped("no key store available")
	default:
		sigs.CheckResult = executed(len(sigs.Failures) == 0, sigDur)
		if len(sigs.Failures) > 0 {
			sigs.Reason = strconv.Itoa(len(sigs.Failures)) + " signature(s) failed verification"
		}
	}
	return chain, sigs, scope, nil
}

func (v *Verifier) verifySignature(ctx context.Context, event domain.LedgerEvent, cache map[string]*domain.SigningKey) (*domain.SignatureFailure, error) {
	failure := func(reason string) *domain.SignatureFailure {
		return &domain.SignatureFailure{EventID: event.ID, KeyID: event.KeyID, Reason: reason}
	}
	key, ok := cache[event.KeyID]
	if !ok {
		found, err := v.Keys.Get(ctx, event.KeyID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			found = nil
		case err != nil:
			return nil, err
		}
		cache[event.KeyID] = found
		key = found
	}
	if key == nil {
		return failure(domain.SignatureFailureKeyNotFound), nil
	}
	digest, err := hex.DecodeString(event.BlockHash)
	if err != nil {
		return failure(domain.SignatureFailureInvalid), nil
	}
	sig, err := hex.DecodeString(event.Signature)
	if err != nil || !verifyEd25519(key.PublicKey, digest, sig) {
		return failure(domain.SignatureFailureInvalid), nil
	}
	return nil, nil
}

// checkAnchors recomputes every anchor's root from the events of its period.
func (v *Verifier) checkAnchors(ctx context.Context, opts VerifyOptions) (domain.AnchorCheck, int, error) {
	check := domain.AnchorCheck{Mismatches: []domain.AnchorMismatch{}}
	if opts.SkipAnchors {
		check.CheckResult = skipped("skipped by request")
		return check, 0, nil
	}
	if v.Anchors == nil {
		check.CheckResult = skipped("no anchor store available")
		return check, 0, nil
	}
	start := time.Now()
	anchors, err := v.Anchors.List(ctx, "", 0)
	if err != nil {
		return check, 0, err
	}
	if len(anchors) == 0 {
		check.CheckResult = skipped("no anchors")
		return check, 0, nil
	}
	for _, a := range anchors {
		leaves, err := periodLeaves(ctx, v.Ledger, a.PeriodStart, a.PeriodEnd)
		if err != nil {
			return check, len(anchors), err
		}
		check.AnchorsChecked++
		if a.Status == domain.AnchorStatusConfirmed {
			check.Confirmed++
		}
		mismatch := func(field, expected, actual string) {
			check.Mismatches = append(check.Mismatches, domain.AnchorMismatch{
				AnchorID: a.ID,
				Field:    field,
				Expected: expected,
				Actual:   actual,
			})
		}
		if len(leaves) != a.EventsCount {
			mismatch("events_count", strconv.Itoa(len(leaves)), strconv.Itoa(a.EventsCount))
		}
		stored := derefString(a.MerkleRoot)
		if len(leaves) == 0 {
			if stored != "" {
				mismatch("merkle_root", "", stored)
			}
			continue
		}
		root, err := merkle.Root(leaves)
		if err != nil {
			mismatch("merkle_root", err.Error(), stored)
			continue
		}
		if root != stored {
			mismatch("merkle_root", root, stored)
		}
	}
	check.CheckResult = executed(len(check.Mismatches) == 0, time.Since(start))
	if len(check.Mismatches) > 0 {
		check.Reason = strconv.Itoa(len(check.Mismatches)) + " anchor mismatch(es)"
	}
	return check, len(anchors), nil
}

func executed(ok bool, d time.Duration) domain.CheckResult {
	return domain.CheckResult{Executed: true, OK: &ok, DurationMS: d.Milliseconds()}
}

func skipped(reason string) domain.CheckResult {
	return domain.CheckResult{Skipped: true, Reason: reason}
}

// checkPassed treats skipped checks as neutral.
func checkPassed(c domain.CheckResult) bool {
	if !c.Executed {
		return true
	}
	return c.OK != nil && *c.OK
}

func (v *Verifier) now() time.Time {
	return nowFrom(v.Clock)
}

func (v *Verifier) log() *zap.Logger {
	if v.Logger == nil {
		return zap.NewNop()
	}
	return v.Logger
}
