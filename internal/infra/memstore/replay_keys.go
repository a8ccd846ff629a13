package memstore

import (
	"context"
	"sync"
	"time"

	"evidenceledger/internal/domain"
)

type replayKey struct {
	eventID  int64
	replayed bool
}

type ReplayKeys struct {
	mu   sync.Mutex
	keys map[string]replayKey
}

func NewReplayKeys() *ReplayKeys {
	return &ReplayKeys{keys: make(map[string]replayKey)}
}

func (s *ReplayKeys) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *ReplayKeys) Reserve(_ context.Context, key string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return domain.ErrDeadLetterReplayed
	}
	s.keys[key] = replayKey{}
	return nil
}

func (s *ReplayKeys) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.keys[key]; ok && !current.replayed {
		delete(s.keys, key)
	}
	return nil
}

func (s *ReplayKeys) Record(_ context.Context, key string, eventID int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.keys[key]; ok && current.replayed {
		return domain.ErrDeadLetterReplayed
	}
	s.keys[key] = replayKey{eventID: eventID, replayed: true}
	return nil
}
