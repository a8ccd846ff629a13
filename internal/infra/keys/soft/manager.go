package soft

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"evidenceledger/internal/domain"
)

// Manager keeps Ed25519 private keys in process memory. Material does not
// survive a restart; durable deployments use the postgres material store.
type Manager struct {
	mu   sync.RWMutex
	keys map[string]domain.KeyMaterial
}

func NewManager() *Manager {
	return &Manager{keys: make(map[string]domain.KeyMaterial)}
}

func (m *Manager) Put(_ context.Context, material domain.KeyMaterial) error {
	if material.KeyID == "" {
		return errors.New("key_id is required")
	}
	if _, err := parsePrivateKey(material.PrivateKey); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	material.PrivateKey = append([]byte(nil), material.PrivateKey...)
	m.keys[material.KeyID] = material
	return nil
}

func (m *Manager) Get(_ context.Context, keyID string) (*domain.KeyMaterial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	material, ok := m.keys[keyID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	material.PrivateKey = append([]byte(nil), material.PrivateKey...)
	return &material, nil
}

func (m *Manager) Delete(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, keyID)
	return nil
}

// SeedFromConfig decodes a configured Ed25519 seed given as hex or base64.
// An empty value yields a nil seed.
func SeedFromConfig(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if key := readPrivateKeyHex(value); key != nil {
		return key.Seed(), nil
	}
	if key := readPrivateKeyBase64(value); key != nil {
		return key.Seed(), nil
	}
	return nil, errors.New("invalid ed25519 seed: expected 32 or 64 bytes as hex or base64")
}

func readPrivateKeyBase64(value string) ed25519.PrivateKey {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil
	}
	key, err := parsePrivateKey(raw)
	if err != nil {
		return nil
	}
	return key
}

func readPrivateKeyHex(value string) ed25519.PrivateKey {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil
	}
	key, err := parsePrivateKey(raw)
	if err != nil {
		return nil
	}
	return key
}

func parsePrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, errors.New("invalid ed25519 private key length")
	}
}
