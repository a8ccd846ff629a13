package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCapacityExceeded is returned when every tracked caller still has an open
// window and no new one can be admitted.
var ErrCapacityExceeded = errors.New("rate limiter capacity exceeded")

type MemoryCounterConfig struct {
	Now     func() time.Time
	MaxKeys int
}

// MemoryCounter keeps windows in this process only. ledgerd uses it when no
// redis is configured.
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	maxKeys int
	windows map[string]*window
}

type window struct {
	hits int64
	ends time.Time
}

func NewMemoryCounter(cfg MemoryCounterConfig) *MemoryCounter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &MemoryCounter{
		now:     cfg.Now,
		maxKeys: cfg.MaxKeys,
		windows: make(map[string]*window),
	}
}

func (m *MemoryCounter) Hit(_ context.Context, key string, length time.Duration) (int64, time.Time, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.ends) {
		if !ok && len(m.windows) >= m.maxKeys {
			m.evictClosed(now)
			if len(m.windows) >= m.maxKeys {
				return 0, time.Time{}, ErrCapacityExceeded
			}
		}
		w = &window{ends: now.Add(length)}
		m.windows[key] = w
	}
	w.hits++
	return w.hits, w.ends, nil
}

func (m *MemoryCounter) evictClosed(now time.Time) {
	for key, w := range m.windows {
		if !now.Before(w.ends) {
			delete(m.windows, key)
		}
	}
}
