package domain

import (
	"context"
	"time"
)

// RequestClass groups API routes that share a budget. Appends and admin
// workflow calls are counted per actor, reads per client address.
type RequestClass string

const (
	RequestClassRead   RequestClass = "read"
	RequestClassAppend RequestClass = "append"
	RequestClassAdmin  RequestClass = "admin"
)

// RateLimitDecision is the outcome of one admission check against a fixed
// window. Limit 0 means the class is not limited.
type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds until the window resets, rounded
// up so a client never retries inside the same window.
func (d RateLimitDecision) RetryAfter(now time.Time) int64 {
	if d.ResetAt.IsZero() || !d.ResetAt.After(now) {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	secs := int64(wait / time.Second)
	if wait%time.Second != 0 {
		secs++
	}
	return secs
}

type RateLimiter interface {
	Allow(ctx context.Context, class RequestClass, caller string) (RateLimitDecision, error)
}
