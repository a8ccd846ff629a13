package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"evidenceledger/internal/config"
	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/vaultclient"
)

// Key material lives at {prefix}/{env}/signing-keys/{key_id} in a KV v2 mount.
const (
	DefaultPathPrefix  = "secret/data/evidence-ledger"
	materialPathFormat = "%s/%s/signing-keys/%s"
)

var keyIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

type kv interface {
	ReadKV(ctx context.Context, path string, out any) error
	WriteKV(ctx context.Context, path string, payload any) error
	DeleteKV(ctx context.Context, path string) error
}

// Store keeps signing key private material in Vault so it never touches the
// ledger database.
type Store struct {
	client kv
	prefix string
	env    string
}

type storedMaterial struct {
	KeyID            string `json:"key_id"`
	Alg              string `json:"alg"`
	PrivateKeyBase64 string `json:"private_key_base64"`
	CreatedAt        string `json:"created_at,omitempty"`
}

func NewStore(client kv, prefix, env string) (*Store, error) {
	if client == nil {
		return nil, errors.New("vault client is required")
	}
	if env == "" {
		return nil, errors.New("LEDGER_ENV is required")
	}
	if prefix == "" {
		prefix = DefaultPathPrefix
	}
	return &Store{client: client, prefix: strings.TrimRight(prefix, "/"), env: env}, nil
}

func NewStoreFromConfig(cfg config.Config) (*Store, error) {
	if cfg.VaultAddr == "" || cfg.VaultToken == "" {
		return nil, errors.New("VAULT_ADDR and VAULT_TOKEN are required")
	}
	return NewStore(vaultclient.New(cfg.VaultAddr, cfg.VaultToken), cfg.VaultPathPrefix, cfg.LedgerEnv)
}

// Put never overwrites: a key id is the hash of its public key, so an existing
// secret already holds the same material.
func (s *Store) Put(ctx context.Context, material domain.KeyMaterial) error {
	if len(material.PrivateKey) == 0 {
		return errors.New("private key is required")
	}
	path, err := s.path(material.KeyID)
	if err != nil {
		return err
	}
	var existing storedMaterial
	switch err := s.client.ReadKV(ctx, path, &existing); {
	case err == nil:
		return nil
	case !errors.Is(err, vaultclient.ErrSecretNotFound):
		return fmt.Errorf("%w: read key material: %v", domain.ErrStorageUnavailable, err)
	}
	payload := storedMaterial{
		KeyID:            material.KeyID,
		Alg:              "ed25519",
		PrivateKeyBase64: base64.StdEncoding.EncodeToString(material.PrivateKey),
	}
	if !material.CreatedAt.IsZero() {
		payload.CreatedAt = material.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if err := s.client.WriteKV(ctx, path, payload); err != nil {
		return fmt.Errorf("%w: write key material: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, keyID string) (*domain.KeyMaterial, error) {
	path, err := s.path(keyID)
	if err != nil {
		return nil, err
	}
	var stored storedMaterial
	if err := s.client.ReadKV(ctx, path, &stored); err != nil {
		if errors.Is(err, vaultclient.ErrSecretNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: read key material: %v", domain.ErrStorageUnavailable, err)
	}
	if stored.Alg != "" && !strings.EqualFold(stored.Alg, "ed25519") {
		return nil, fmt.Errorf("unsupported key alg %q", stored.Alg)
	}
	priv, err := base64.StdEncoding.DecodeString(stored.PrivateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode key material: %w", err)
	}
	material := &domain.KeyMaterial{KeyID: keyID, PrivateKey: priv}
	if stored.CreatedAt != "" {
		if at, err := time.Parse(time.RFC3339Nano, stored.CreatedAt); err == nil {
			material.CreatedAt = at.UTC()
		}
	}
	return material, nil
}

func (s *Store) Delete(ctx context.Context, keyID string) error {
	path, err := s.path(keyID)
	if err != nil {
		return err
	}
	if err := s.client.DeleteKV(ctx, path); err != nil {
		return fmt.Errorf("%w: delete key material: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) path(keyID string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("vault store not configured")
	}
	if !keyIDPattern.MatchString(keyID) {
		return "", fmt.Errorf("%w: key_id must be 64 lowercase hex characters", domain.ErrInvalidArgument)
	}
	return fmt.Sprintf(materialPathFormat, s.prefix, s.env, keyID), nil
}
