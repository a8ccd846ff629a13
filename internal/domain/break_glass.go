package domain

import "time"

type BreakGlassStatus string

const (
	BreakGlassOpen    BreakGlassStatus = "open"
	BreakGlassClosed  BreakGlassStatus = "closed"
	BreakGlassExpired BreakGlassStatus = "expired"
)

// BreakGlassSession is a persisted emergency-access window.
type BreakGlassSession struct {
	ID          string
	ActivatedBy string
	Reason      string
	Status      BreakGlassStatus
	ActivatedAt time.Time
	ExpiresAt   time.Time
	ClosedAt    *time.Time
	ClosedBy    string
}
