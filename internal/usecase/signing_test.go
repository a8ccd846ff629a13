package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/keys/soft"
	"evidenceledger/internal/infra/memstore"
)

type stubMandates struct {
	approved map[domain.KeyAction]*domain.KeyLifecycleRequest
	claimed  []string
	released []string
}

func allowAll() *stubMandates {
	return &stubMandates{approved: map[domain.KeyAction]*domain.KeyLifecycleRequest{
		domain.KeyActionRotate: {ID: "req-rotate", Action: domain.KeyActionRotate, Status: domain.RequestStatusApproved},
		domain.KeyActionRevoke: {ID: "req-revoke", Action: domain.KeyActionRevoke, Status: domain.RequestStatusApproved},
	}}
}

func (s *stubMandates) ClaimRequest(_ context.Context, requestID string, action domain.KeyAction, _ string) (*domain.KeyLifecycleRequest, error) {
	req, ok := s.approved[action]
	if !ok || req.ID != requestID {
		return nil, domain.ErrNoMandate
	}
	s.claimed = append(s.claimed, requestID)
	claimed := *req
	claimed.Status = domain.RequestStatusExecuting
	return &claimed, nil
}

func (s *stubMandates) ReleaseRequest(_ context.Context, req domain.KeyLifecycleRequest) error {
	s.released = append(s.released, req.ID)
	return nil
}

type failingMaterial struct {
	KeyMaterialStore
}

func (failingMaterial) Put(context.Context, domain.KeyMaterial) error {
	return errors.New("material store down")
}

func digestOf(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func TestEnsureKeysIsIdempotent(t *testing.T) {
	f := newFixture(t)
	first, err := f.signer.ActiveKey(context.Background())
	if err != nil {
		t.Fatalf("active key: %v", err)
	}
	again, err := f.signer.EnsureKeys(context.Background())
	if err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	if again.KeyID != first.KeyID {
		t.Fatalf("ensure keys replaced the active key")
	}
	keys, _ := f.signer.ListKeys(context.Background())
	if len(keys) != 1 {
		t.Fatalf("expected one key, got %d", len(keys))
	}
}

func TestEnsureKeysFromSeedIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x07}, 32)
	ids := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		svc := NewSigningService(memstore.NewSigningKeys(), soft.NewManager(), nil, nil)
		svc.BootstrapSeed = seed
		key, err := svc.EnsureKeys(context.Background())
		if err != nil {
			t.Fatalf("ensure keys: %v", err)
		}
		ids = append(ids, key.KeyID)
	}
	if ids[0] != ids[1] {
		t.Fatalf("seeded key ids differ: %s vs %s", ids[0], ids[1])
	}
}

func TestSignAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	digest := digestOf("block")
	sig, keyID, err := f.signer.Sign(ctx, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := f.signer.Verify(ctx, digest, sig, "")
	if err != nil || !ok {
		t.Fatalf("expected valid signature with active key: %v", err)
	}
	ok, err = f.signer.Verify(ctx, digest, sig, keyID)
	if err != nil || !ok {
		t.Fatalf("expected valid signature with explicit key: %v", err)
	}
	ok, err = f.signer.Verify(ctx, digestOf("other"), sig, keyID)
	if err != nil || ok {
		t.Fatalf("expected invalid signature for another digest")
	}
	if _, err := f.signer.Verify(ctx, digest, sig, "missing"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected key not found, got %v", err)
	}
}

func TestRotateRequiresMandate(t *testing.T) {
	f := newFixture(t)
	if _, err := f.signer.RotateKeys(context.Background(), "req-rotate"); !errors.Is(err, domain.ErrNoMandate) {
		t.Fatalf("expected missing mandate, got %v", err)
	}
	f.signer.Mandates = allowAll()
	if _, err := f.signer.RotateKeys(context.Background(), ""); !errors.Is(err, domain.ErrNoMandate) {
		t.Fatalf("rotation without a request id must be refused, got %v", err)
	}
	if _, err := f.signer.RotateKeys(context.Background(), "req-revoke"); !errors.Is(err, domain.ErrNoMandate) {
		t.Fatalf("a revoke request must not authorize rotation, got %v", err)
	}
	if !errors.Is(domain.ErrNoMandate, domain.ErrSigningKey) {
		t.Fatalf("missing mandate must be a signing key error")
	}
}

func TestRotateKeepsArchivedKeyVerifiable(t *testing.T) {
	f := newFixture(t)
	f.signer.Mandates = allowAll()
	ctx := context.Background()
	digest := digestOf("before rotation")
	sig, oldKeyID, err := f.signer.Sign(ctx, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	next, err := f.signer.RotateKeys(ctx, "req-rotate")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next.KeyID == oldKeyID || next.Status != domain.KeyStatusActive {
		t.Fatalf("unexpected new key: %+v", next)
	}
	old, err := f.keys.Get(ctx, oldKeyID)
	if err != nil {
		t.Fatalf("get old key: %v", err)
	}
	if old.Status != domain.KeyStatusArchived || old.ArchivedAt == nil {
		t.Fatalf("expected archived key, got %+v", old)
	}
	ok, err := f.signer.Verify(ctx, digest, sig, oldKeyID)
	if err != nil || !ok {
		t.Fatalf("archived key must still verify: %v", err)
	}
	_, signedWith, err := f.signer.Sign(ctx, digest)
	if err != nil || signedWith != next.KeyID {
		t.Fatalf("new signatures must use the new key, got %s (%v)", signedWith, err)
	}
}

func TestRevokeKeyRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	active, _ := f.signer.ActiveKey(ctx)
	digest := digestOf("historic")
	sig, _, _ := f.signer.Sign(ctx, digest)

	if _, err := f.signer.RevokeKey(ctx, "req-revoke", active.KeyID, "compromised"); !errors.Is(err, domain.ErrRevokeActiveKey) {
		t.Fatalf("expected revoke-active refusal, got %v", err)
	}

	f.signer.Mandates = allowAll()
	if _, err := f.signer.RotateKeys(ctx, "req-rotate"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	f.signer.Mandates = nil
	if _, err := f.signer.RevokeKey(ctx, "req-revoke", active.KeyID, "compromised"); !errors.Is(err, domain.ErrNoMandate) {
		t.Fatalf("expected missing mandate, got %v", err)
	}

	f.signer.Mandates = allowAll()
	revoked, err := f.signer.RevokeKey(ctx, "req-revoke", active.KeyID, "compromised")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Status != domain.KeyStatusRevoked || revoked.RevokedAt == nil || revoked.RevocationReason != "compromised" {
		t.Fatalf("unexpected revoked key: %+v", revoked)
	}

	f.signer.Mandates = nil
	again, err := f.signer.RevokeKey(ctx, "", active.KeyID, "again")
	if err != nil {
		t.Fatalf("repeat revoke must be idempotent: %v", err)
	}
	if again.RevocationReason != "compromised" {
		t.Fatalf("repeat revoke must not change the reason")
	}

	ok, err := f.signer.Verify(ctx, digest, sig, active.KeyID)
	if err != nil || !ok {
		t.Fatalf("revocation is forward-only; historic signatures must verify: %v", err)
	}
	if _, err := f.signer.RevokeKey(ctx, "req-revoke", "missing", "x"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected key not found, got %v", err)
	}
}

func TestFailedRotationReleasesRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mandates := allowAll()
	f.signer.Mandates = mandates
	before, _ := f.signer.ActiveKey(ctx)

	f.signer.Material = failingMaterial{KeyMaterialStore: f.signer.Material}
	if _, err := f.signer.RotateKeys(ctx, "req-rotate"); err == nil {
		t.Fatal("expected rotation to fail")
	}
	if len(mandates.claimed) != 1 || len(mandates.released) != 1 || mandates.released[0] != "req-rotate" {
		t.Fatalf("failed rotation must hand the request back: claimed=%v released=%v", mandates.claimed, mandates.released)
	}
	after, _ := f.signer.ActiveKey(ctx)
	if after.KeyID != before.KeyID {
		t.Fatal("active key changed on a failed rotation")
	}
}
