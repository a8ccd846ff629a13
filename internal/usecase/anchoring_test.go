package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/anchor"
	"evidenceledger/internal/infra/anchor/blockchain"
	"evidenceledger/internal/infra/memstore"
	"evidenceledger/internal/infra/merkle"
)

type anchorFixture struct {
	*fixture
	anchors  *memstore.Anchors
	attempts *memstore.AnchorAttempts
	receipts *memstore.AnchorReceipts
	chain    *blockchain.Simulated
	engine   *AnchorEngine
}

func newAnchorFixture(t *testing.T) *anchorFixture {
	t.Helper()
	f := &anchorFixture{
		fixture:  newFixture(t),
		anchors:  memstore.NewAnchors(),
		attempts: memstore.NewAnchorAttempts(),
		receipts: memstore.NewAnchorReceipts(),
		chain:    blockchain.NewSimulated("", ""),
	}
	f.engine = NewAnchorEngine(f.anchors, f.repo, f.chain, f.clock.Now, nil)
	f.engine.Attempts = f.attempts
	f.engine.Receipts = f.receipts
	f.engine.Events = f.events
	f.engine.PublishEnabled = true
	f.engine.ConfirmEnabled = true
	f.engine.ConfirmAfter = 0
	return f
}

// seed appends n events inside the hour starting at fixtureStart and moves the
// clock past that hour.
func (f *anchorFixture) seed(t *testing.T, n int) []domain.LedgerEvent {
	t.Helper()
	events := make([]domain.LedgerEvent, 0, n)
	for i := 0; i < n; i++ {
		f.clock.Set(fixtureStart.Add(time.Duration(i+1) * time.Minute))
		events = append(events, f.append(t, "inspection.recorded", "user-1", map[string]any{"seq": i}))
	}
	f.clock.Set(fixtureStart.Add(90 * time.Minute))
	return events
}

func TestCreateAnchorEmptyPeriod(t *testing.T) {
	f := newAnchorFixture(t)
	f.clock.Set(fixtureStart.Add(2 * time.Hour))
	a, err := f.engine.CreateAnchor(context.Background(), fixtureStart, fixtureStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("create anchor: %v", err)
	}
	if a.Status != domain.AnchorStatusEmpty || a.MerkleRoot != nil || a.EventsCount != 0 {
		t.Fatalf("expected empty anchor, got %+v", a)
	}
	outcome, err := f.engine.PublishAnchor(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if outcome.OK || outcome.Reason != AnchorReasonEmpty {
		t.Fatalf("expected empty anchor to be refused, got %+v", outcome)
	}
	if f.chain.Submissions() != 0 {
		t.Fatalf("empty anchor must never reach the chain")
	}
}

func TestCreateAnchorIsIdempotentPerPeriod(t *testing.T) {
	f := newAnchorFixture(t)
	events := f.seed(t, 3)
	ctx := context.Background()

	first, err := f.engine.CreateAnchor(ctx, fixtureStart, fixtureStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("create anchor: %v", err)
	}
	second, err := f.engine.CreateAnchor(ctx, fixtureStart, fixtureStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("create anchor again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same anchor id, got %d and %d", first.ID, second.ID)
	}
	all, _ := f.anchors.List(ctx, "", 0)
	if len(all) != 1 {
		t.Fatalf("expected one anchor row, got %d", len(all))
	}

	leaves := []string{events[2].BlockHash, events[0].BlockHash, events[1].BlockHash}
	want, err := merkle.Root(leaves)
	if err != nil {
		t.Fatalf("merkle root: %v", err)
	}
	if first.Status != domain.AnchorStatusPending || first.MerkleRoot == nil || *first.MerkleRoot != want {
		t.Fatalf("unexpected anchor: %+v", first)
	}
	if first.EventsCount != 3 {
		t.Fatalf("expected 3 events, got %d", first.EventsCount)
	}
	stored, err := f.repo.Get(ctx, events[1].ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.AnchorID == nil || *stored.AnchorID != first.ID {
		t.Fatalf("expected event to carry anchor id %d", first.ID)
	}
}

func TestCreateAnchorRejectsOpenPeriod(t *testing.T) {
	f := newAnchorFixture(t)
	f.clock.Set(fixtureStart.Add(30 * time.Minute))
	_, err := f.engine.CreateAnchor(context.Background(), fixtureStart, fixtureStart.Add(time.Hour))
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	_, err = f.engine.CreateAnchor(context.Background(), fixtureStart, fixtureStart)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for empty range, got %v", err)
	}
}

func TestAnchoringWaitsOutGracePeriod(t *testing.T) {
	f := newAnchorFixture(t)
	f.engine.Grace = time.Minute
	f.engine.Lookback = 1
	ctx := context.Background()
	end := fixtureStart.Add(time.Hour)

	f.clock.Set(end.Add(30 * time.Second))
	if _, err := f.engine.CreateAnchor(ctx, fixtureStart, end); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("period inside its grace must not be anchored, got %v", err)
	}
	report, err := f.engine.AnchorDue(ctx)
	if err != nil || report.Created != 0 {
		t.Fatalf("anchor due inside grace: %+v %v", report, err)
	}

	f.clock.Set(end.Add(-time.Millisecond))
	late := f.append(t, "inspection.recorded", "user-1", map[string]any{"n": 1})
	f.clock.Set(end.Add(time.Minute))
	report, err = f.engine.AnchorDue(ctx)
	if err != nil || report.Created != 1 {
		t.Fatalf("anchor due after grace: %+v %v", report, err)
	}
	a, err := f.engine.CreateAnchor(ctx, fixtureStart, end)
	if err != nil || a.EventsCount != 1 {
		t.Fatalf("anchor must include the event stamped before period_end: %+v %v", a, err)
	}
	if _, err := f.engine.Proof(ctx, a.ID, late.ID); err != nil {
		t.Fatalf("proof: %v", err)
	}
}

func TestPublishConfirmLifecycle(t *testing.T) {
	f := newAnchorFixture(t)
	f.seed(t, 2)
	ctx := context.Background()
	a, err := f.engine.CreateAnchor(ctx, fixtureStart, fixtureStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("create anchor: %v", err)
	}

	published, err := f.engine.PublishAnchor(ctx, a.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !published.OK || published.TxHash == "" {
		t.Fatalf("expected publish ok, got %+v", published)
	}
	stored, _ := f.anchors.Get(ctx, a.ID)
	if stored.Status != domain.AnchorStatusPending || stored.TxHash != published.TxHash || stored.AnchorKey == "" {
		t.Fatalf("publish must keep the anchor pending with its tx: %+v", stored)
	}

	again, err := f.engine.PublishAnchor(ctx, a.ID)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if !again.OK || again.Reason != AnchorReasonAlreadyPublished || again.TxHash != published.TxHash {
		t.Fatalf("expected idempotent republish, got %+v", again)
	}
	if f.chain.Submissions() != 1 {
		t.Fatalf("expected one chain submission, got %d", f.chain.Submissions())
	}

	confirmed, err := f.engine.ConfirmAnchor(ctx, a.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !confirmed.OK || confirmed.Status != domain.AnchorStatusConfirmed {
		t.Fatalf("expected confirmation, got %+v", confirmed)
	}
	stored, _ = f.anchors.Get(ctx, a.ID)
	if stored.BlockNumber == nil || stored.LogIndex == nil || stored.AnchoredAt == nil {
		t.Fatalf("confirmed anchor missing chain position: %+v", stored)
	}
	receipt, err := f.receipts.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("archived receipt: %v", err)
	}
	if receipt.TxHash != published.TxHash || receipt.ReceiptSHA256 == "" || len(receipt.ReceiptJSON) == 0 {
		t.Fatalf("unexpected archived receipt: %+v", receipt)
	}

	f.chain.FailReceipt(errors.New("node down"))
	again2, err := f.engine.ConfirmAnchor(ctx, a.ID)
	if err != nil {
		t.Fatalf("confirm confirmed anchor must not fetch: %v", err)
	}
	if !again2.OK || again2.Reason != AnchorReasonAlreadyConfirmed {
		t.Fatalf("expected short circuit, got %+v", again2)
	}

	attempts, _ := f.attempts.ListByAnchor(ctx, a.ID)
	if len(attempts) != 2 {
		t.Fatalf("expected publish and confirm attempts, got %d", len(attempts))
	}

	events, _ := f.repo.List(ctx, domain.LedgerQuery{})
	last := events[len(events)-1]
	if last.EventType != domain.EventAnchorConfirmed {
		t.Fatalf("expected anchor.confirmed ledger event, got %s", last.EventType)
	}
}

func TestPublishDisabledIsNoop(t *testing.T) {
	f := newAnchorFixture(t)
	f.seed(t, 1)
	f.engine.PublishEnabled = false
	a, err := f.engine.CreateAnchor(context.Background(), fixtureStart, fixtureStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("create anchor: %v", err)
	}
	outcome, err := f.engine.PublishAnchor(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if outcome.OK || outcome.Reason != AnchorReasonPublishDisabled {
		t.Fatalf("expected disabled outcome, got %+v", outcome)
	}
	missing, err := f.engine.ConfirmAnchor(context.Background(), 999)
	if err != nil {
		t.Fatalf("confirm missing: %v", err)
	}
	if missing.OK || missing.Reason != AnchorReasonNotFound {
		t.Fatalf("expected not_found, got %+v", missing)
	}
}

func TestConfirmAbsentReceiptFailsAnchor(t *testing.T) {
	f := newAnchorFixture(t)
	f.seed(t, 2)
	f.chain.ManualMining()
	ctx := context.Background()
	a, _ := f.engine.CreateAnchor(ctx, fixtureStart, fixtureStart.Add(time.Hour))
	if _, err := f.engine.PublishAnchor(ctx, a.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	outcome, err := f.engine.ConfirmAnchor(ctx, a.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if outcome.OK || outcome.Status != domain.AnchorStatusFailed || outcome.Reason != AnchorReasonReceiptMissing {
		t.Fatalf("expected failed anchor, got %+v", outcome)
	}

	republish, err := f.engine.PublishAnchor(ctx, a.ID)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if republish.OK || republish.Reason != AnchorReasonFailed {
		t.Fatalf("failed anchor must stay terminal, got %+v", republish)
	}
	again, err := f.engine.CreateAnchor(ctx, fixtureStart, fixtureStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if again.ID != a.ID || again.Status != domain.AnchorStatusFailed {
		t.Fatalf("expected the existing failed row to be reused, got %+v", again)
	}
}

func TestConfirmRevertedFailsAnchor(t *testing.T) {
	f := newAnchorFixture(t)
	f.seed(t, 1)
	ctx := context.Background()
	a, _ := f.engine.CreateAnchor(ctx, fixtureStart, fixtureStart.Add(time.Hour))
	key, err := anchor.DeriveAnchorKey(a.ID)
	if err != nil {
		t.Fatalf("anchor key: %v", err)
	}
	f.chain.RevertKey(key)
	if _, err := f.engine.PublishAnchor(ctx, a.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	outcome, err := f.engine.ConfirmAnchor(ctx, a.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if outcome.Status != domain.AnchorStatusFailed || outcome.Reason != AnchorReasonReverted {
		t.Fatalf("expected reverted failure, got %+v", outcome)
	}
	if _, err := f.receipts.Get(ctx, a.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("reverted anchor must not archive a receipt")
	}
}

func TestPublishNetworkErrorLeavesPending(t *testing.T) {
	f := newAnchorFixture(t)
	f.seed(t, 1)
	ctx := context.Background()
	a, _ := f.engine.CreateAnchor(ctx, fixtureStart, fixtureStart.Add(time.Hour))
	f.chain.FailPublish(errors.New("connection refused"))

	outcome, err := f.engine.PublishAnchor(ctx, a.ID)
	if !errors.Is(err, domain.ErrExternalChain) {
		t.Fatalf("expected external chain error, got %v", err)
	}
	if outcome.OK || outcome.Reason != domain.AnchorErrorNetwork {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	stored, _ := f.anchors.Get(ctx, a.ID)
	if stored.Status != domain.AnchorStatusPending || stored.Published() {
		t.Fatalf("anchor must stay pending and unpublished: %+v", stored)
	}
	attempts, _ := f.attempts.ListByAnchor(ctx, a.ID)
	if len(attempts) != 1 || attempts[0].ErrorCode != domain.AnchorErrorNetwork {
		t.Fatalf("expected one failed attempt, got %+v", attempts)
	}

	f.chain.FailPublish(nil)
	outcome, err = f.engine.PublishAnchor(ctx, a.ID)
	if err != nil || !outcome.OK {
		t.Fatalf("expected retry to succeed, got %+v (%v)", outcome, err)
	}
}

func TestAnchorDueBackfillsAndAdvances(t *testing.T) {
	f := newAnchorFixture(t)
	f.engine.Lookback = 3
	f.clock.Set(fixtureStart.Add(-50 * time.Minute))
	f.append(t, "inspection.recorded", "user-1", map[string]any{"n": 1})
	f.clock.Set(fixtureStart.Add(30 * time.Minute))
	ctx := context.Background()

	report, err := f.engine.AnchorDue(ctx)
	if err != nil {
		t.Fatalf("anchor due: %v", err)
	}
	if report.Created != 3 || report.Published != 1 {
		t.Fatalf("unexpected first run: %+v", report)
	}

	report, err = f.engine.AnchorDue(ctx)
	if err != nil {
		t.Fatalf("anchor due again: %v", err)
	}
	if report.Created != 0 || report.Confirmed != 1 {
		t.Fatalf("unexpected second run: %+v", report)
	}

	f.clock.Advance(time.Hour)
	report, err = f.engine.AnchorDue(ctx)
	if err != nil {
		t.Fatalf("anchor due next period: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("expected exactly the newly completed period, got %+v", report)
	}
	all, _ := f.anchors.List(ctx, "", 0)
	if len(all) != 4 {
		t.Fatalf("expected 4 anchors, got %d", len(all))
	}
}

func TestAnchorProof(t *testing.T) {
	f := newAnchorFixture(t)
	events := f.seed(t, 5)
	ctx := context.Background()
	a, _ := f.engine.CreateAnchor(ctx, fixtureStart, fixtureStart.Add(time.Hour))

	proof, err := f.engine.Proof(ctx, a.ID, events[3].ID)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if !proof.Verified || proof.Leaf != events[3].BlockHash || proof.MerkleRoot != *a.MerkleRoot {
		t.Fatalf("unexpected proof: %+v", proof)
	}
	ok, err := merkle.VerifyProof(proof.Leaf, proof.Path, proof.MerkleRoot)
	if err != nil || !ok {
		t.Fatalf("proof does not verify: %v", err)
	}

	f.clock.Set(fixtureStart.Add(3 * time.Hour))
	late := f.append(t, "inspection.recorded", "user-1", map[string]any{"late": true})
	if _, err := f.engine.Proof(ctx, a.ID, late.ID); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected out-of-period error, got %v", err)
	}
}

func TestAlignDownUsesUnixEpoch(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 47, 12, 0, time.UTC)
	if got := alignDown(at, 15*time.Minute); !got.Equal(time.Date(2026, 3, 1, 10, 45, 0, 0, time.UTC)) {
		t.Fatalf("unexpected alignment: %s", got)
	}
	if got := alignDown(at, 7*time.Minute); got.Unix()%(7*60) != 0 {
		t.Fatalf("expected epoch aligned bound, got %s", got)
	}
}
