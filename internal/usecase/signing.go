package usecase

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"evidenceledger/internal/domain"

	"go.uber.org/zap"
)

const keyAlgEd25519 = "ed25519"

// SigningService owns the ledger's Ed25519 keys. The repository row with
// status=active is the only source of the current key.
type SigningService struct {
	Keys     SigningKeyRepository
	Material KeyMaterialStore
	Mandates MandateClaimer
	Clock    Clock
	Logger   *zap.Logger
	Rand     io.Reader
	// BootstrapSeed, when set, provisions the first key deterministically.
	BootstrapSeed []byte
}

func NewSigningService(keys SigningKeyRepository, material KeyMaterialStore, clock Clock, logger *zap.Logger) *SigningService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SigningService{
		Keys:     keys,
		Material: material,
		Clock:    clock,
		Logger:   logger,
	}
}

// EnsureKeys provisions a key if none is active. An existing active key is
// never replaced.
func (s *SigningService) EnsureKeys(ctx context.Context) (domain.SigningKey, error) {
	if err := s.ready(); err != nil {
		return domain.SigningKey{}, err
	}
	active, err := s.Keys.GetActive(ctx)
	if err == nil {
		return *active, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.SigningKey{}, err
	}

	key, material, err := s.generate(s.BootstrapSeed)
	if err != nil {
		return domain.SigningKey{}, err
	}
	if err := s.Material.Put(ctx, material); err != nil {
		return domain.SigningKey{}, err
	}
	stored, created, err := s.Keys.CreateActive(ctx, key)
	if err != nil {
		_ = s.Material.Delete(ctx, key.KeyID)
		return domain.SigningKey{}, err
	}
	if !created && stored.KeyID != key.KeyID {
		_ = s.Material.Delete(ctx, key.KeyID)
		return stored, nil
	}
	s.log().Info("signing key provisioned", zap.String("key_id", stored.KeyID))
	return stored, nil
}

// ActiveKey resolves the current signing key.
func (s *SigningService) ActiveKey(ctx context.Context) (*domain.SigningKey, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	active, err := s.Keys.GetActive(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNoActiveKey
		}
		return nil, err
	}
	return active, nil
}

func (s *SigningService) Sign(ctx context.Context, digest []byte) ([]byte, string, error) {
	active, err := s.ActiveKey(ctx)
	if err != nil {
		return nil, "", err
	}
	if active.Status == domain.KeyStatusRevoked {
		return nil, "", domain.ErrKeyRevoked
	}
	material, err := s.Material.Get(ctx, active.KeyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: private material missing for %s", domain.ErrSigningKey, active.KeyID)
		}
		return nil, "", err
	}
	priv, err := privateKey(material.PrivateKey)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrSigningKey, err)
	}
	return ed25519.Sign(priv, digest), active.KeyID, nil
}

// Verify checks sig over digest. An empty keyID means the active key.
// Archived and revoked keys still verify: revocation only stops new signing.
func (s *SigningService) Verify(ctx context.Context, digest, sig []byte, keyID string) (bool, error) {
	var (
		key *domain.SigningKey
		err error
	)
	if keyID == "" {
		key, err = s.ActiveKey(ctx)
	} else {
		if err := s.ready(); err != nil {
			return false, err
		}
		key, err = s.Keys.Get(ctx, keyID)
		if errors.Is(err, domain.ErrNotFound) {
			err = domain.ErrKeyNotFound
		}
	}
	if err != nil {
		return false, err
	}
	return verifyEd25519(key.PublicKey, digest, sig), nil
}

// RotateKeys archives the active key and activates a fresh one. requestID
// must name an approved ROTATE request; it is claimed before any key changes,
// so one approval rotates at most once.
func (s *SigningService) RotateKeys(ctx context.Context, requestID string) (domain.SigningKey, error) {
	current, err := s.ActiveKey(ctx)
	if err != nil {
		return domain.SigningKey{}, err
	}
	mandate, err := s.claimMandate(ctx, requestID, domain.KeyActionRotate, "")
	if err != nil {
		return domain.SigningKey{}, err
	}
	next, material, err := s.generate(nil)
	if err != nil {
		s.releaseMandate(ctx, mandate)
		return domain.SigningKey{}, err
	}
	if err := s.Material.Put(ctx, material); err != nil {
		s.releaseMandate(ctx, mandate)
		return domain.SigningKey{}, err
	}
	if err := s.Keys.Rotate(ctx, current.KeyID, next, s.now()); err != nil {
		_ = s.Material.Delete(ctx, next.KeyID)
		s.releaseMandate(ctx, mandate)
		return domain.SigningKey{}, err
	}
	s.log().Info("signing key rotated",
		zap.String("key_id", next.KeyID),
		zap.String("archived_key_id", current.KeyID),
		zap.String("request_id", mandate.ID))
	return next, nil
}

// RevokeKey revokes an archived key under the approved REVOKE request
// requestID. Repeating the call on a revoked key is a no-op and needs no
// request. The active key must be rotated out first.
func (s *SigningService) RevokeKey(ctx context.Context, requestID, keyID, reason string) (domain.SigningKey, error) {
	if err := s.ready(); err != nil {
		return domain.SigningKey{}, err
	}
	if keyID == "" {
		return domain.SigningKey{}, fmt.Errorf("%w: key_id is required", domain.ErrInvalidArgument)
	}
	existing, err := s.Keys.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SigningKey{}, domain.ErrKeyNotFound
		}
		return domain.SigningKey{}, err
	}
	switch existing.Status {
	case domain.KeyStatusRevoked:
		if requestID != "" {
			// Consume the request anyway so its execution can be recorded.
			if _, err := s.claimMandate(ctx, requestID, domain.KeyActionRevoke, keyID); err != nil {
				return domain.SigningKey{}, err
			}
		}
		return *existing, nil
	case domain.KeyStatusActive:
		return domain.SigningKey{}, domain.ErrRevokeActiveKey
	}
	mandate, err := s.claimMandate(ctx, requestID, domain.KeyActionRevoke, keyID)
	if err != nil {
		return domain.SigningKey{}, err
	}
	revoked, err := s.Keys.Revoke(ctx, keyID, reason, s.now())
	if err != nil {
		s.releaseMandate(ctx, mandate)
		return domain.SigningKey{}, err
	}
	if err := s.Material.Delete(ctx, keyID); err != nil {
		s.log().Warn("revoked key material not deleted", zap.String("key_id", keyID), zap.Error(err))
	}
	s.log().Info("signing key revoked",
		zap.String("key_id", keyID),
		zap.String("reason", reason),
		zap.String("request_id", mandate.ID))
	return revoked, nil
}

func (s *SigningService) ListKeys(ctx context.Context) ([]domain.SigningKey, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.Keys.List(ctx)
}

func (s *SigningService) claimMandate(ctx context.Context, requestID string, action domain.KeyAction, targetKeyID string) (*domain.KeyLifecycleRequest, error) {
	if s.Mandates == nil || requestID == "" {
		return nil, domain.ErrNoMandate
	}
	req, err := s.Mandates.ClaimRequest(ctx, requestID, action, targetKeyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNoMandate
		}
		return nil, err
	}
	if req == nil {
		return nil, domain.ErrNoMandate
	}
	return req, nil
}

// releaseMandate hands a claimed request back after the key operation failed.
func (s *SigningService) releaseMandate(ctx context.Context, req *domain.KeyLifecycleRequest) {
	if err := s.Mandates.ReleaseRequest(ctx, *req); err != nil {
		s.log().Error("key lifecycle request left claimed",
			zap.String("request_id", req.ID), zap.Error(err))
	}
}

func (s *SigningService) generate(seed []byte) (domain.SigningKey, domain.KeyMaterial, error) {
	var (
		pubKey  ed25519.PublicKey
		privKey ed25519.PrivateKey
	)
	if len(seed) > 0 {
		if len(seed) != ed25519.SeedSize {
			return domain.SigningKey{}, domain.KeyMaterial{}, fmt.Errorf("%w: bootstrap seed must be %d bytes", domain.ErrSigningKey, ed25519.SeedSize)
		}
		privKey = ed25519.NewKeyFromSeed(seed)
		pubKey = privKey.Public().(ed25519.PublicKey)
	} else {
		var err error
		pubKey, privKey, err = ed25519.GenerateKey(s.random())
		if err != nil {
			return domain.SigningKey{}, domain.KeyMaterial{}, err
		}
	}
	now := s.now()
	kid := KeyIDFromPublicKey(pubKey)
	key := domain.SigningKey{
		KeyID:     kid,
		Alg:       keyAlgEd25519,
		PublicKey: pubKey,
		Status:    domain.KeyStatusActive,
		CreatedAt: now,
	}
	material := domain.KeyMaterial{
		KeyID:      kid,
		PrivateKey: privKey,
		CreatedAt:  now,
	}
	return key, material, nil
}

func (s *SigningService) ready() error {
	if s == nil || s.Keys == nil || s.Material == nil {
		return errors.New("signing service not configured")
	}
	return nil
}

func (s *SigningService) random() io.Reader {
	if s.Rand != nil {
		return s.Rand
	}
	return rand.Reader
}

func (s *SigningService) now() time.Time {
	return nowFrom(s.Clock)
}

func (s *SigningService) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func KeyIDFromPublicKey(pubKey ed25519.PublicKey) string {
	sum := sha256.Sum256(pubKey)
	return hex.EncodeToString(sum[:])
}

func privateKey(raw []byte) (ed25519.PrivateKey, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, errors.New("invalid ed25519 private key length")
	}
}

func verifyEd25519(pubKey, payload, sig []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, payload, sig)
}
