package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/keys/soft"
	"evidenceledger/internal/infra/memstore"
)

var fixtureStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock {
	return &testClock{now: at}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	entries []domain.DeadLetterEntry
	fail    bool
}

func (s *recordingSink) Append(entry domain.DeadLetterEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return false
	}
	s.entries = append(s.entries, entry)
	return true
}

func (s *recordingSink) Entries() []domain.DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeadLetterEntry(nil), s.entries...)
}

type fixture struct {
	clock      *testClock
	repo       *memstore.Ledger
	keys       *memstore.SigningKeys
	material   *soft.Manager
	requests   *memstore.KeyRequests
	signer     *SigningService
	ledger     *Ledger
	deadLetter *recordingSink
	events     *EventEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:      newTestClock(fixtureStart),
		repo:       memstore.NewLedger(),
		keys:       memstore.NewSigningKeys(),
		material:   soft.NewManager(),
		requests:   memstore.NewKeyRequests(),
		deadLetter: &recordingSink{},
	}
	f.signer = NewSigningService(f.keys, f.material, f.clock.Now, nil)
	if _, err := f.signer.EnsureKeys(context.Background()); err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	f.ledger = NewLedger(f.repo, f.signer, f.deadLetter, f.clock.Now, nil)
	f.events = NewEventEmitter(f.ledger, nil)
	return f
}

func (f *fixture) append(t *testing.T, eventType, actorID string, payload map[string]any) domain.LedgerEvent {
	t.Helper()
	res, err := f.ledger.Append(context.Background(), AppendInput{
		EventType: eventType,
		Payload:   payload,
		ActorID:   actorID,
		Strict:    true,
	})
	if err != nil {
		t.Fatalf("append %s: %v", eventType, err)
	}
	if res.Event == nil {
		t.Fatalf("append %s: no event returned", eventType)
	}
	return *res.Event
}
