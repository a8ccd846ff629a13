package memstore

import (
	"context"
	"sort"
	"sync"

	"evidenceledger/internal/domain"
)

type BreakGlass struct {
	mu       sync.RWMutex
	sessions map[string]domain.BreakGlassSession
}

func NewBreakGlass() *BreakGlass {
	return &BreakGlass{sessions: make(map[string]domain.BreakGlassSession)}
}

func (s *BreakGlass) Create(_ context.Context, session domain.BreakGlassSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.Status == domain.BreakGlassOpen {
			return domain.ErrBreakGlassActive
		}
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *BreakGlass) Get(_ context.Context, id string) (*domain.BreakGlassSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &session, nil
}

func (s *BreakGlass) GetOpen(_ context.Context) (*domain.BreakGlassSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.sessions {
		if session.Status == domain.BreakGlassOpen {
			out := session
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *BreakGlass) List(_ context.Context, limit int) ([]domain.BreakGlassSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BreakGlassSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ActivatedAt.After(out[j].ActivatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BreakGlass) Update(_ context.Context, session domain.BreakGlassSession, from domain.BreakGlassStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[session.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Status != from {
		return domain.ErrBreakGlassNotOpen
	}
	s.sessions[session.ID] = session
	return nil
}
