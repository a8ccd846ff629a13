package memstore

import (
	"context"
	"fmt"
	"sync"

	"evidenceledger/internal/domain"
)

// Ledger is an in-memory, mutex-serialized chain. It backs no-db mode and tests.
type Ledger struct {
	mu       sync.RWMutex
	events   []domain.LedgerEvent
	failWith error
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// FailAppends makes every subsequent Append fail as if storage were down.
// Passing nil restores normal behavior.
func (l *Ledger) FailAppends(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failWith = err
}

func (l *Ledger) Append(_ context.Context, build func(prevHash string) (domain.LedgerEvent, error)) (domain.LedgerEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failWith != nil {
		return domain.LedgerEvent{}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, l.failWith)
	}
	prevHash := ""
	if n := len(l.events); n > 0 {
		prevHash = l.events[n-1].BlockHash
	}
	event, err := build(prevHash)
	if err != nil {
		return domain.LedgerEvent{}, err
	}
	if event.PrevHash != prevHash {
		return domain.LedgerEvent{}, domain.ErrAppendConflict
	}
	event.ID = int64(len(l.events) + 1)
	event.AnchorID = nil
	l.events = append(l.events, cloneEvent(event))
	return cloneEvent(event), nil
}

func (l *Ledger) Get(_ context.Context, id int64) (*domain.LedgerEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id <= 0 || id > int64(len(l.events)) {
		return nil, domain.ErrNotFound
	}
	event := cloneEvent(l.events[id-1])
	return &event, nil
}

func (l *Ledger) List(_ context.Context, q domain.LedgerQuery) ([]domain.LedgerEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.LedgerEvent, 0)
	for _, event := range l.events {
		if event.ID <= q.AfterID {
			continue
		}
		if q.UpToID > 0 && event.ID > q.UpToID {
			break
		}
		if !q.CreatedFrom.IsZero() && event.CreatedAt.Before(q.CreatedFrom) {
			continue
		}
		if !q.CreatedTo.IsZero() && !event.CreatedAt.Before(q.CreatedTo) {
			continue
		}
		out = append(out, cloneEvent(event))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (l *Ledger) AssignAnchor(_ context.Context, anchorID int64, eventIDs []int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range eventIDs {
		if id <= 0 || id > int64(len(l.events)) {
			return domain.ErrNotFound
		}
		if l.events[id-1].AnchorID == nil {
			anchor := anchorID
			l.events[id-1].AnchorID = &anchor
		}
	}
	return nil
}

// Tamper rewrites a stored row in place. It exists so integrity checks can be
// exercised against a corrupted store.
func (l *Ledger) Tamper(id int64, mutate func(*domain.LedgerEvent)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id <= 0 || id > int64(len(l.events)) {
		return domain.ErrNotFound
	}
	mutate(&l.events[id-1])
	return nil
}

func cloneEvent(e domain.LedgerEvent) domain.LedgerEvent {
	e.Payload = append([]byte(nil), e.Payload...)
	if e.AnchorID != nil {
		id := *e.AnchorID
		e.AnchorID = &id
	}
	return e
}
