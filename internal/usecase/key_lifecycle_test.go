package usecase

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"evidenceledger/internal/domain"
)

func newLifecycle(t *testing.T, f *fixture) *KeyLifecycleService {
	t.Helper()
	svc := NewKeyLifecycleService(f.requests, f.keys, f.signer, f.events, f.clock.Now, nil)
	seq := 0
	svc.NewID = func() string {
		seq++
		return fmt.Sprintf("req-%d", seq)
	}
	svc.Operator = f.signer
	f.signer.Mandates = svc
	return svc
}

// reentrantClaimer runs a second execution of the same request from inside
// the first one, right after the first has claimed it.
type reentrantClaimer struct {
	*KeyLifecycleService
	signer  *SigningService
	fired   bool
	execErr error
	keyErr  error
}

func (c *reentrantClaimer) ClaimRequest(ctx context.Context, requestID string, action domain.KeyAction, targetKeyID string) (*domain.KeyLifecycleRequest, error) {
	req, err := c.KeyLifecycleService.ClaimRequest(ctx, requestID, action, targetKeyID)
	if err == nil && !c.fired {
		c.fired = true
		_, c.execErr = c.KeyLifecycleService.ExecuteRequest(ctx, requestID, "user-d")
		_, c.keyErr = c.signer.RotateKeys(ctx, requestID)
	}
	return req, err
}

func eventTypes(t *testing.T, f *fixture) []string {
	t.Helper()
	events, err := f.repo.List(context.Background(), domain.LedgerQuery{})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func TestRotateRequestTwoPersonRuleAndExecutionWindow(t *testing.T) {
	f := newFixture(t)
	svc := newLifecycle(t, f)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: "rotate", Reason: "scheduled", InitiatorID: "user-a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != domain.RequestStatusPending || req.Action != domain.KeyActionRotate {
		t.Fatalf("unexpected request: %+v", req)
	}
	if !req.ExpiresAt.Equal(fixtureStart.Add(DefaultApprovalTimeout)) {
		t.Fatalf("approval deadline = %s", req.ExpiresAt)
	}

	if _, err := svc.ApproveRequest(ctx, req.ID, "user-a"); !errors.Is(err, domain.ErrSelfApproval) {
		t.Fatalf("expected self-approval refusal, got %v", err)
	}

	f.clock.Advance(time.Minute)
	approved, err := svc.ApproveRequest(ctx, req.ID, "user-b")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.RequestStatusApproved || approved.ApproverID != "user-b" || approved.ApprovedAt == nil {
		t.Fatalf("unexpected approval: %+v", approved)
	}
	if !approved.ExpiresAt.Equal(approved.ApprovedAt.Add(DefaultExecutionWindow)) {
		t.Fatalf("execution deadline = %s", approved.ExpiresAt)
	}

	f.clock.Advance(DefaultExecutionWindow)
	if _, err := svc.MarkExecuted(ctx, req.ID, "user-c", "done"); !errors.Is(err, domain.ErrRequestExpired) {
		t.Fatalf("expected expired approval, got %v", err)
	}
	stored, _ := f.requests.Get(ctx, req.ID)
	if stored.Status != domain.RequestStatusExpired || stored.ExpiredAt == nil {
		t.Fatalf("expected expired request, got %+v", stored)
	}
	if _, err := svc.MarkExecuted(ctx, req.ID, "user-c", "done"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition after expiry, got %v", err)
	}
	if _, err := f.signer.RotateKeys(ctx, req.ID); !errors.Is(err, domain.ErrNoMandate) {
		t.Fatalf("an expired approval must not authorize rotation, got %v", err)
	}

	want := []string{
		domain.EventKeyRequestCreated,
		domain.EventKeyRequestApproved,
		domain.EventKeyRequestExpired,
	}
	if got := eventTypes(t, f); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestSelfApprovalRejectedForEveryAction(t *testing.T) {
	f := newFixture(t)
	svc := newLifecycle(t, f)
	ctx := context.Background()
	f.signer.Mandates = allowAll()
	active, _ := f.signer.ActiveKey(ctx)
	if _, err := f.signer.RotateKeys(ctx, "req-rotate"); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	inputs := []CreateKeyRequestInput{
		{Action: domain.KeyActionRotate, InitiatorID: "user-a"},
		{Action: domain.KeyActionRevoke, TargetKeyID: active.KeyID, Reason: "leaked", InitiatorID: "user-a"},
	}
	for _, in := range inputs {
		req, err := svc.CreateRequest(ctx, in)
		if err != nil {
			t.Fatalf("%s create: %v", in.Action, err)
		}
		if _, err := svc.ApproveRequest(ctx, req.ID, " user-a "); !errors.Is(err, domain.ErrSelfApproval) {
			t.Fatalf("%s: expected self-approval refusal, got %v", in.Action, err)
		}
	}
}

func TestRequestSignaturesCoverStatements(t *testing.T) {
	f := newFixture(t)
	svc := newLifecycle(t, f)
	ctx := context.Background()
	req, err := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: domain.KeyActionRotate, InitiatorID: "user-a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	approved, err := svc.ApproveRequest(ctx, req.ID, "user-b")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	check := func(name, sigHex, keyID string, approval bool) {
		digestHex, err := StatementDigest(approved, approval)
		if err != nil {
			t.Fatalf("%s digest: %v", name, err)
		}
		digest, _ := hex.DecodeString(digestHex)
		sig, _ := hex.DecodeString(sigHex)
		ok, err := f.signer.Verify(ctx, digest, sig, keyID)
		if err != nil || !ok {
			t.Fatalf("%s signature does not verify: %v", name, err)
		}
	}
	check("intent", approved.InitiatorSignature, approved.InitiatorKeyID, false)
	check("approval", approved.ApproverSignature, approved.ApproverKeyID, true)
}

func TestExpiredRequestCannotBeApprovedBeforeSweep(t *testing.T) {
	f := newFixture(t)
	svc := newLifecycle(t, f)
	ctx := context.Background()
	req, err := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: domain.KeyActionRotate, InitiatorID: "user-a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clock.Advance(DefaultApprovalTimeout)
	if _, err := svc.ApproveRequest(ctx, req.ID, "user-b"); !errors.Is(err, domain.ErrRequestExpired) {
		t.Fatalf("expected expired request, got %v", err)
	}
	got, err := svc.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.RequestStatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	if n, err := svc.ExpireTimedOutRequests(ctx); err != nil || n != 0 {
		t.Fatalf("sweep after lazy expiry: n=%d err=%v", n, err)
	}
}

func TestRevokeRequestNeedsExistingTarget(t *testing.T) {
	f := newFixture(t)
	svc := newLifecycle(t, f)
	ctx := context.Background()
	if _, err := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: domain.KeyActionRevoke, InitiatorID: "user-a"}); !errors.Is(err, domain.ErrTargetKeyRequired) {
		t.Fatalf("expected target required, got %v", err)
	}
	if _, err := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: domain.KeyActionRevoke, TargetKeyID: "nope", InitiatorID: "user-a"}); !errors.Is(err, domain.ErrTargetKeyNotFound) {
		t.Fatalf("expected target not found, got %v", err)
	}
	if _, err := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: "DELETE", InitiatorID: "user-a"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid action, got %v", err)
	}
	if _, err := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: domain.KeyActionRotate}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected missing initiator, got %v", err)
	}
}

func TestRejectedRequestIsTerminal(t *testing.T) {
	f := newFixture(t)
	svc := newLifecycle(t, f)
	ctx := context.Background()
	req, _ := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: domain.KeyActionRotate, InitiatorID: "user-a"})
	rejected, err := svc.RejectRequest(ctx, req.ID, "user-b", "not now")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.RequestStatusRejected || rejected.RejectionReason != "not now" || rejected.RejectorID != "user-b" {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
	if _, err := svc.ApproveRequest(ctx, req.ID, "user-c"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := svc.ExecuteRequest(ctx, req.ID, "user-c"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestExecuteRotateThenRevoke(t *testing.T) {
	f := newFixture(t)
	svc := newLifecycle(t, f)
	ctx := context.Background()
	original, _ := f.signer.ActiveKey(ctx)

	rotate, _ := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: domain.KeyActionRotate, InitiatorID: "user-a"})
	if _, err := svc.ApproveRequest(ctx, rotate.ID, "user-b"); err != nil {
		t.Fatalf("approve rotate: %v", err)
	}
	executed, err := svc.ExecuteRequest(ctx, rotate.ID, "user-c")
	if err != nil {
		t.Fatalf("execute rotate: %v", err)
	}
	if executed.Status != domain.RequestStatusExecuted || executed.ExecutedAt == nil {
		t.Fatalf("unexpected executed request: %+v", executed)
	}
	current, _ := f.signer.ActiveKey(ctx)
	if current.KeyID == original.KeyID {
		t.Fatalf("rotation did not change the active key")
	}
	if !strings.Contains(executed.ExecutionResult, current.KeyID) || !strings.Contains(executed.ExecutionResult, original.KeyID) {
		t.Fatalf("execution result must name both keys: %s", executed.ExecutionResult)
	}
	if _, err := f.signer.RotateKeys(ctx, rotate.ID); !errors.Is(err, domain.ErrNoMandate) {
		t.Fatalf("an executed request must not authorize again, got %v", err)
	}

	revoke, err := svc.CreateRequest(ctx, CreateKeyRequestInput{
		Action:      domain.KeyActionRevoke,
		TargetKeyID: original.KeyID,
		Reason:      "retired",
		InitiatorID: "user-b",
	})
	if err != nil {
		t.Fatalf("create revoke: %v", err)
	}
	if _, err := svc.ApproveRequest(ctx, revoke.ID, "user-a"); err != nil {
		t.Fatalf("approve revoke: %v", err)
	}
	if _, err := svc.ExecuteRequest(ctx, revoke.ID, "user-c"); err != nil {
		t.Fatalf("execute revoke: %v", err)
	}
	revoked, _ := f.keys.Get(ctx, original.KeyID)
	if revoked.Status != domain.KeyStatusRevoked || revoked.RevocationReason != "retired" {
		t.Fatalf("expected revoked key, got %+v", revoked)
	}

	res, err := f.ledger.VerifyStored(ctx)
	if err != nil || !res.OK {
		t.Fatalf("workflow events must keep the chain intact: %+v %v", res, err)
	}
}

func TestExpirySweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	svc := newLifecycle(t, f)
	ctx := context.Background()
	pending, _ := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: domain.KeyActionRotate, InitiatorID: "user-a"})
	approved, _ := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: domain.KeyActionRotate, InitiatorID: "user-b"})
	if _, err := svc.ApproveRequest(ctx, approved.ID, "user-a"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	f.clock.Advance(time.Minute)
	if n, err := svc.ExpireTimedOutRequests(ctx); err != nil || n != 0 {
		t.Fatalf("nothing is due yet: n=%d err=%v", n, err)
	}

	f.clock.Advance(DefaultApprovalTimeout)
	n, err := svc.ExpireTimedOutRequests(ctx)
	if err != nil || n != 2 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	n, err = svc.ExpireTimedOutRequests(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	for _, id := range []string{pending.ID, approved.ID} {
		got, _ := f.requests.Get(ctx, id)
		if got.Status != domain.RequestStatusExpired {
			t.Fatalf("%s: expected EXPIRED, got %s", id, got.Status)
		}
	}

	events, _ := f.repo.List(ctx, domain.LedgerQuery{})
	expired := 0
	for _, e := range events {
		if e.EventType == domain.EventKeyRequestExpired {
			expired++
			if e.ActorID != SystemActor {
				t.Fatalf("expiry events are written by the system actor, got %q", e.ActorID)
			}
		}
	}
	if expired != 2 {
		t.Fatalf("expected two expiry events, got %d", expired)
	}
}

func TestApprovalAuthorizesExactlyOneRotation(t *testing.T) {
	f := newFixture(t)
	svc := newLifecycle(t, f)
	ctx := context.Background()
	claimer := &reentrantClaimer{KeyLifecycleService: svc, signer: f.signer}
	f.signer.Mandates = claimer

	req, _ := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: domain.KeyActionRotate, InitiatorID: "user-a"})
	if _, err := svc.ApproveRequest(ctx, req.ID, "user-b"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	executed, err := svc.ExecuteRequest(ctx, req.ID, "user-c")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executed.Status != domain.RequestStatusExecuted || executed.ExecutorID != "user-c" {
		t.Fatalf("unexpected executed request: %+v", executed)
	}
	if !claimer.fired {
		t.Fatal("nested execution never ran")
	}
	if !errors.Is(claimer.execErr, domain.ErrInvalidTransition) {
		t.Fatalf("nested execute must be refused, got %v", claimer.execErr)
	}
	if !errors.Is(claimer.keyErr, domain.ErrNoMandate) {
		t.Fatalf("nested rotation must be refused, got %v", claimer.keyErr)
	}
	keys, err := f.signer.ListKeys(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("one approval rotated %d times", len(keys)-1)
	}
}

func TestClaimedRequestIsNotExpired(t *testing.T) {
	f := newFixture(t)
	svc := newLifecycle(t, f)
	ctx := context.Background()

	req, _ := svc.CreateRequest(ctx, CreateKeyRequestInput{Action: domain.KeyActionRotate, InitiatorID: "user-a"})
	if _, err := svc.ApproveRequest(ctx, req.ID, "user-b"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.ClaimRequest(ctx, req.ID, domain.KeyActionRevoke, ""); !errors.Is(err, domain.ErrNoMandate) {
		t.Fatalf("claim for another action must be refused, got %v", err)
	}
	claimed, err := svc.ClaimRequest(ctx, req.ID, domain.KeyActionRotate, "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.RequestStatusExecuting {
		t.Fatalf("claimed status = %s", claimed.Status)
	}
	if _, err := svc.ClaimRequest(ctx, req.ID, domain.KeyActionRotate, ""); !errors.Is(err, domain.ErrNoMandate) {
		t.Fatalf("second claim must be refused, got %v", err)
	}

	f.clock.Advance(2 * DefaultExecutionWindow)
	n, err := svc.ExpireTimedOutRequests(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expired %d claimed requests (err=%v)", n, err)
	}
	if err := svc.ReleaseRequest(ctx, *claimed); err != nil {
		t.Fatalf("release: %v", err)
	}
	stored, _ := f.requests.Get(ctx, req.ID)
	if stored.Status != domain.RequestStatusApproved {
		t.Fatalf("released status = %s", stored.Status)
	}
	if n, _ := svc.ExpireTimedOutRequests(ctx); n != 1 {
		t.Fatalf("released request past its deadline must expire, got %d", n)
	}
}
