package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"evidenceledger/internal/domain"
)

type Anchors struct {
	mu      sync.RWMutex
	nextID  int64
	anchors map[int64]domain.Anchor
}

func NewAnchors() *Anchors {
	return &Anchors{anchors: make(map[int64]domain.Anchor)}
}

func (s *Anchors) CreateForPeriod(_ context.Context, anchor domain.Anchor) (domain.Anchor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.anchors {
		if existing.PeriodStart.Equal(anchor.PeriodStart) && existing.PeriodEnd.Equal(anchor.PeriodEnd) {
			return cloneAnchor(existing), false, nil
		}
	}
	s.nextID++
	anchor.ID = s.nextID
	s.anchors[anchor.ID] = cloneAnchor(anchor)
	return cloneAnchor(anchor), true, nil
}

func (s *Anchors) Get(_ context.Context, id int64) (*domain.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anchor, ok := s.anchors[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	anchor = cloneAnchor(anchor)
	return &anchor, nil
}

func (s *Anchors) GetByPeriod(_ context.Context, start, end time.Time) (*domain.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, anchor := range s.anchors {
		if anchor.PeriodStart.Equal(start) && anchor.PeriodEnd.Equal(end) {
			out := cloneAnchor(anchor)
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Anchors) List(_ context.Context, status domain.AnchorStatus, limit int) ([]domain.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Anchor, 0)
	for _, anchor := range s.anchors {
		if status != "" && anchor.Status != status {
			continue
		}
		out = append(out, cloneAnchor(anchor))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Anchors) Latest(_ context.Context) (*domain.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.Anchor
	for _, anchor := range s.anchors {
		if latest == nil || anchor.PeriodEnd.After(latest.PeriodEnd) {
			a := cloneAnchor(anchor)
			latest = &a
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return latest, nil
}

// MarkPublished records the first transaction only; a second publish of the
// same anchor returns domain.ErrInvalidTransition.
func (s *Anchors) MarkPublished(_ context.Context, id int64, rec domain.PublishReceipt, anchorKey string, at time.Time) error {
	return s.transition(id, func(a *domain.Anchor) error {
		if a.Published() {
			return domain.ErrInvalidTransition
		}
		publishedAt := at
		a.TxHash = rec.TxHash
		a.ChainID = rec.ChainID
		a.ContractAddress = rec.ContractAddress
		a.AnchorKey = anchorKey
		a.PublishedAt = &publishedAt
		a.UpdatedAt = at
		return nil
	})
}

func (s *Anchors) MarkConfirmed(_ context.Context, id int64, blockNumber, logIndex int64, at time.Time) error {
	return s.transition(id, func(a *domain.Anchor) error {
		anchoredAt := at
		a.Status = domain.AnchorStatusConfirmed
		a.BlockNumber = &blockNumber
		a.LogIndex = &logIndex
		a.AnchoredAt = &anchoredAt
		a.UpdatedAt = at
		return nil
	})
}

func (s *Anchors) MarkFailed(_ context.Context, id int64, reason string, at time.Time) error {
	return s.transition(id, func(a *domain.Anchor) error {
		a.Status = domain.AnchorStatusFailed
		a.FailureReason = reason
		a.UpdatedAt = at
		return nil
	})
}

// transition mutates a pending anchor. Terminal anchors never change.
func (s *Anchors) transition(id int64, mutate func(*domain.Anchor) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	anchor, ok := s.anchors[id]
	if !ok {
		return domain.ErrNotFound
	}
	if anchor.Status != domain.AnchorStatusPending {
		return domain.ErrInvalidTransition
	}
	if err := mutate(&anchor); err != nil {
		return err
	}
	s.anchors[id] = anchor
	return nil
}

type AnchorAttempts struct {
	mu       sync.RWMutex
	attempts []domain.AnchorAttempt
}

func NewAnchorAttempts() *AnchorAttempts {
	return &AnchorAttempts{}
}

func (s *AnchorAttempts) Append(_ context.Context, attempt domain.AnchorAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *AnchorAttempts) ListByAnchor(_ context.Context, anchorID int64) ([]domain.AnchorAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AnchorAttempt, 0)
	for _, attempt := range s.attempts {
		if attempt.AnchorID == anchorID {
			out = append(out, attempt)
		}
	}
	return out, nil
}

type AnchorReceipts struct {
	mu       sync.RWMutex
	receipts map[int64]domain.AnchorReceipt
}

func NewAnchorReceipts() *AnchorReceipts {
	return &AnchorReceipts{receipts: make(map[int64]domain.AnchorReceipt)}
}

// Put keeps the first receipt archived for an anchor.
func (s *AnchorReceipts) Put(_ context.Context, receipt domain.AnchorReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[receipt.AnchorID]; exists {
		return nil
	}
	receipt.ReceiptJSON = append([]byte(nil), receipt.ReceiptJSON...)
	s.receipts[receipt.AnchorID] = receipt
	return nil
}

func (s *AnchorReceipts) Get(_ context.Context, anchorID int64) (*domain.AnchorReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	receipt, ok := s.receipts[anchorID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &receipt, nil
}

func cloneAnchor(a domain.Anchor) domain.Anchor {
	if a.MerkleRoot != nil {
		root := *a.MerkleRoot
		a.MerkleRoot = &root
	}
	if a.BlockNumber != nil {
		n := *a.BlockNumber
		a.BlockNumber = &n
	}
	if a.LogIndex != nil {
		n := *a.LogIndex
		a.LogIndex = &n
	}
	return a
}
