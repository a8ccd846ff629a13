package usecase

import (
	"context"
	"strings"
	"testing"
	"time"

	"evidenceledger/internal/domain"
)

func newTestVerifier(f *anchorFixture) *Verifier {
	v := NewVerifier(f.repo, f.keys, f.anchors, domain.ToolInfo{Name: "ledgerctl", Version: "test"}, nil)
	v.Clock = f.clock.Now
	return v
}

func TestVerifierBundleOnIntactLedger(t *testing.T) {
	f := newAnchorFixture(t)
	f.seed(t, 3)
	if _, err := f.engine.CreateAnchor(context.Background(), fixtureStart, fixtureStart.Add(time.Hour)); err != nil {
		t.Fatalf("create anchor: %v", err)
	}

	bundle, err := newTestVerifier(f).Build(context.Background(), VerifyOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !bundle.OK {
		t.Fatalf("expected ok bundle, got %+v", bundle.Checks)
	}
	if bundle.SchemaVersion != domain.VerificationSchemaVersion || bundle.Tool.Name != "ledgerctl" {
		t.Fatalf("unexpected header: %+v", bundle)
	}
	if bundle.Scope.EventsCount != 3 || bundle.Scope.EventIDRange.First != 1 || bundle.Scope.EventIDRange.Last != 3 {
		t.Fatalf("unexpected scope: %+v", bundle.Scope)
	}
	if bundle.Scope.AnchorsCount != 1 || bundle.Checks.Anchors.AnchorsChecked != 1 {
		t.Fatalf("expected one anchor checked, got %+v", bundle.Checks.Anchors)
	}
	if bundle.Checks.Signatures.Verified != 3 || len(bundle.Checks.Signatures.Failures) != 0 {
		t.Fatalf("unexpected signature check: %+v", bundle.Checks.Signatures)
	}
	if bundle.GeneratedAt != "2026-03-01T11:30:00.000Z" {
		t.Fatalf("generated_at = %s", bundle.GeneratedAt)
	}
}

func TestVerifierReportsBrokenChain(t *testing.T) {
	f := newAnchorFixture(t)
	f.seed(t, 3)
	if err := f.repo.Tamper(2, func(e *domain.LedgerEvent) { e.Payload = []byte(`{"seq":42}`) }); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	bundle, err := newTestVerifier(f).Build(context.Background(), VerifyOptions{SkipAnchors: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	chain := bundle.Checks.Chain
	if bundle.OK || chain.OK == nil || *chain.OK {
		t.Fatalf("expected failed chain check")
	}
	if chain.Violation == nil || chain.Violation.EventID != 2 || chain.Reason == "" {
		t.Fatalf("unexpected violation: %+v", chain)
	}
	if bundle.Scope.EventsCount != 3 {
		t.Fatalf("scope must still cover every row, got %d", bundle.Scope.EventsCount)
	}
}

func TestVerifierReportsSignatureFailures(t *testing.T) {
	f := newAnchorFixture(t)
	f.seed(t, 3)
	_ = f.repo.Tamper(1, func(e *domain.LedgerEvent) { e.KeyID = "unknown-key" })
	_ = f.repo.Tamper(3, func(e *domain.LedgerEvent) { e.Signature = strings.Repeat("0", 128) })

	bundle, err := newTestVerifier(f).Build(context.Background(), VerifyOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if bundle.OK {
		t.Fatalf("expected failed bundle")
	}
	if ok := bundle.Checks.Chain.OK; ok == nil || !*ok {
		t.Fatalf("key_id and signature are outside the hash; chain must hold")
	}
	sigs := bundle.Checks.Signatures
	if sigs.Verified != 1 || len(sigs.Failures) != 2 {
		t.Fatalf("unexpected signature check: %+v", sigs)
	}
	if sigs.Failures[0].EventID != 1 || sigs.Failures[0].Reason != domain.SignatureFailureKeyNotFound {
		t.Fatalf("unexpected first failure: %+v", sigs.Failures[0])
	}
	if sigs.Failures[1].EventID != 3 || sigs.Failures[1].Reason != domain.SignatureFailureInvalid {
		t.Fatalf("unexpected second failure: %+v", sigs.Failures[1])
	}
}

func TestVerifierReportsAnchorMismatch(t *testing.T) {
	f := newAnchorFixture(t)
	f.seed(t, 2)
	bogus := strings.Repeat("ab", 32)
	if _, _, err := f.anchors.CreateForPeriod(context.Background(), domain.Anchor{
		PeriodStart: fixtureStart,
		PeriodEnd:   fixtureStart.Add(time.Hour),
		MerkleRoot:  &bogus,
		Status:      domain.AnchorStatusPending,
		EventsCount: 5,
	}); err != nil {
		t.Fatalf("create anchor: %v", err)
	}

	bundle, err := newTestVerifier(f).Build(context.Background(), VerifyOptions{SkipSignatures: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	anchors := bundle.Checks.Anchors
	if bundle.OK || len(anchors.Mismatches) != 2 {
		t.Fatalf("expected two mismatches, got %+v", anchors)
	}
	fields := anchors.Mismatches[0].Field + "," + anchors.Mismatches[1].Field
	if fields != "events_count,merkle_root" {
		t.Fatalf("mismatch fields = %s", fields)
	}
	if anchors.Mismatches[1].Actual != bogus {
		t.Fatalf("mismatch must report the stored root")
	}
}

func TestVerifierSkippedChecksAreNeutral(t *testing.T) {
	f := newAnchorFixture(t)
	f.seed(t, 1)

	bundle, err := newTestVerifier(f).Build(context.Background(), VerifyOptions{SkipSignatures: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !bundle.OK {
		t.Fatalf("skipped checks must not fail the bundle")
	}
	if !bundle.Checks.Signatures.Skipped || bundle.Checks.Signatures.OK != nil {
		t.Fatalf("expected skipped signatures, got %+v", bundle.Checks.Signatures)
	}
	if !bundle.Checks.Anchors.Skipped || bundle.Checks.Anchors.Reason != "no anchors" {
		t.Fatalf("expected anchors skipped for lack of anchors, got %+v", bundle.Checks.Anchors)
	}
}
