package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"evidenceledger/internal/domain"
)

type KeyRequests struct {
	mu       sync.RWMutex
	requests map[string]domain.KeyLifecycleRequest
}

func NewKeyRequests() *KeyRequests {
	return &KeyRequests{requests: make(map[string]domain.KeyLifecycleRequest)}
}

func (s *KeyRequests) Create(_ context.Context, req domain.KeyLifecycleRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return domain.ErrInvalidTransition
	}
	s.requests[req.ID] = req
	return nil
}

func (s *KeyRequests) Get(_ context.Context, id string) (*domain.KeyLifecycleRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &req, nil
}

func (s *KeyRequests) List(_ context.Context, filter domain.KeyRequestFilter) ([]domain.KeyLifecycleRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.KeyLifecycleRequest, 0)
	for _, req := range s.requests {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.InitiatorID != "" && req.InitiatorID != filter.InitiatorID {
			continue
		}
		out = append(out, req)
	}
	sortRequests(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *KeyRequests) Update(_ context.Context, req domain.KeyLifecycleRequest, from domain.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[req.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Status != from {
		return domain.ErrInvalidTransition
	}
	s.requests[req.ID] = req
	return nil
}

func (s *KeyRequests) ListPastDeadline(_ context.Context, now time.Time) ([]domain.KeyLifecycleRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.KeyLifecycleRequest, 0)
	for _, req := range s.requests {
		if req.Status.Expirable() && req.PastDeadline(now) {
			out = append(out, req)
		}
	}
	sortRequests(out)
	return out, nil
}

func sortRequests(reqs []domain.KeyLifecycleRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
