package memstore

import (
	"context"
	"sync"
	"time"

	"evidenceledger/internal/domain"
)

type SigningKeys struct {
	mu    sync.RWMutex
	order []string
	keys  map[string]domain.SigningKey
}

func NewSigningKeys() *SigningKeys {
	return &SigningKeys{keys: make(map[string]domain.SigningKey)}
}

func (s *SigningKeys) GetActive(_ context.Context) (*domain.SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.activeLocked(); ok {
		return &key, nil
	}
	return nil, domain.ErrNotFound
}

func (s *SigningKeys) Get(_ context.Context, keyID string) (*domain.SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	key = cloneKey(key)
	return &key, nil
}

func (s *SigningKeys) List(_ context.Context) ([]domain.SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SigningKey, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneKey(s.keys[id]))
	}
	return out, nil
}

func (s *SigningKeys) CreateActive(_ context.Context, key domain.SigningKey) (domain.SigningKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active, ok := s.activeLocked(); ok {
		return active, false, nil
	}
	key.Status = domain.KeyStatusActive
	s.insertLocked(key)
	return cloneKey(key), true, nil
}

func (s *SigningKeys) Rotate(_ context.Context, currentKeyID string, next domain.SigningKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, ok := s.activeLocked()
	if !ok || active.KeyID != currentKeyID {
		return domain.ErrNoActiveKey
	}
	archivedAt := at
	active.Status = domain.KeyStatusArchived
	active.ArchivedAt = &archivedAt
	s.keys[active.KeyID] = active
	next.Status = domain.KeyStatusActive
	s.insertLocked(next)
	return nil
}

func (s *SigningKeys) Revoke(_ context.Context, keyID, reason string, at time.Time) (domain.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return domain.SigningKey{}, domain.ErrNotFound
	}
	switch key.Status {
	case domain.KeyStatusRevoked:
		return cloneKey(key), nil
	case domain.KeyStatusActive:
		return domain.SigningKey{}, domain.ErrRevokeActiveKey
	}
	revokedAt := at
	key.Status = domain.KeyStatusRevoked
	key.RevokedAt = &revokedAt
	key.RevocationReason = reason
	s.keys[keyID] = key
	return cloneKey(key), nil
}

func (s *SigningKeys) activeLocked() (domain.SigningKey, bool) {
	for _, id := range s.order {
		if key := s.keys[id]; key.Status == domain.KeyStatusActive {
			return cloneKey(key), true
		}
	}
	return domain.SigningKey{}, false
}

func (s *SigningKeys) insertLocked(key domain.SigningKey) {
	if _, exists := s.keys[key.KeyID]; !exists {
		s.order = append(s.order, key.KeyID)
	}
	s.keys[key.KeyID] = cloneKey(key)
}

func cloneKey(k domain.SigningKey) domain.SigningKey {
	k.PublicKey = append([]byte(nil), k.PublicKey...)
	return k
}
