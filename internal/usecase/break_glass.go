package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"evidenceledger/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultBreakGlassWindow = 4 * time.Hour

// BreakGlassService manages the emergency-access window. Sessions are
// persisted so a restart cannot drop an open window or its trail.
type BreakGlassService struct {
	Sessions BreakGlassRepository
	Events   *EventEmitter
	Clock    Clock
	Logger   *zap.Logger
	Window   time.Duration
	NewID    func() string
}

func NewBreakGlassService(sessions BreakGlassRepository, events *EventEmitter, clock Clock, logger *zap.Logger) *BreakGlassService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakGlassService{
		Sessions: sessions,
		Events:   events,
		Clock:    clock,
		Logger:   logger,
		Window:   DefaultBreakGlassWindow,
	}
}

func (s *BreakGlassService) Activate(ctx context.Context, actorID, reason string) (domain.BreakGlassSession, error) {
	if s == nil || s.Sessions == nil {
		return domain.BreakGlassSession{}, errors.New("break-glass service not configured")
	}
	actorID = strings.TrimSpace(actorID)
	reason = strings.TrimSpace(reason)
	if actorID == "" || reason == "" {
		return domain.BreakGlassSession{}, fmt.Errorf("%w: actor_id and reason are required", domain.ErrInvalidArgument)
	}
	if _, err := s.Current(ctx); err == nil {
		return domain.BreakGlassSession{}, domain.ErrBreakGlassActive
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.BreakGlassSession{}, err
	}

	now := s.now()
	session := domain.BreakGlassSession{
		ID:          s.newID(),
		ActivatedBy: actorID,
		Reason:      reason,
		Status:      domain.BreakGlassOpen,
		ActivatedAt: now,
		ExpiresAt:   now.Add(s.window()),
	}
	if err := s.Sessions.Create(ctx, session); err != nil {
		return domain.BreakGlassSession{}, err
	}
	s.Logger.Warn("break-glass activated",
		zap.String("session_id", session.ID),
		zap.String("actor_id", actorID),
		zap.Time("expires_at", session.ExpiresAt))
	s.Events.emitQuiet(ctx, domain.EventBreakGlassActivated, actorID, map[string]any{
		"session_id": session.ID,
		"reason":     reason,
		"expires_at": session.ExpiresAt,
	})
	return session, nil
}

func (s *BreakGlassService) Close(ctx context.Context, sessionID, actorID string) (domain.BreakGlassSession, error) {
	if s == nil || s.Sessions == nil {
		return domain.BreakGlassSession{}, errors.New("break-glass service not configured")
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.BreakGlassSession{}, fmt.Errorf("%w: actor_id is required", domain.ErrInvalidArgument)
	}
	session, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.BreakGlassSession{}, err
	}
	if session.Status != domain.BreakGlassOpen {
		return domain.BreakGlassSession{}, domain.ErrBreakGlassNotOpen
	}
	now := s.now()
	if !now.Before(session.ExpiresAt) {
		s.expire(ctx, *session, now)
		return domain.BreakGlassSession{}, domain.ErrBreakGlassNotOpen
	}
	next := *session
	next.Status = domain.BreakGlassClosed
	next.ClosedAt = &now
	next.ClosedBy = actorID
	if err := s.Sessions.Update(ctx, next, domain.BreakGlassOpen); err != nil {
		return domain.BreakGlassSession{}, err
	}
	s.Logger.Info("break-glass closed", zap.String("session_id", next.ID), zap.String("actor_id", actorID))
	s.Events.emitQuiet(ctx, domain.EventBreakGlassClosed, actorID, map[string]any{
		"session_id":   next.ID,
		"opened_for":   now.Sub(next.ActivatedAt).String(),
		"activated_by": next.ActivatedBy,
	})
	return next, nil
}

// Current returns the open session, expiring it first if its window passed.
func (s *BreakGlassService) Current(ctx context.Context) (*domain.BreakGlassSession, error) {
	if s == nil || s.Sessions == nil {
		return nil, errors.New("break-glass service not configured")
	}
	session, err := s.Sessions.GetOpen(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !now.Before(session.ExpiresAt) {
		s.expire(ctx, *session, now)
		return nil, domain.ErrNotFound
	}
	return session, nil
}

func (s *BreakGlassService) List(ctx context.Context, limit int) ([]domain.BreakGlassSession, error) {
	if s == nil || s.Sessions == nil {
		return nil, errors.New("break-glass service not configured")
	}
	return s.Sessions.List(ctx, limit)
}

// ExpireSessions is the sweep counterpart of the lazy check in Current.
func (s *BreakGlassService) ExpireSessions(ctx context.Context) (int, error) {
	if s == nil || s.Sessions == nil {
		return 0, errors.New("break-glass service not configured")
	}
	session, err := s.Sessions.GetOpen(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	now := s.now()
	if now.Before(session.ExpiresAt) {
		return 0, nil
	}
	if s.expire(ctx, *session, now) {
		return 1, nil
	}
	return 0, nil
}

func (s *BreakGlassService) expire(ctx context.Context, session domain.BreakGlassSession, now time.Time) bool {
	next := session
	next.Status = domain.BreakGlassExpired
	next.ClosedAt = &now
	if err := s.Sessions.Update(ctx, next, domain.BreakGlassOpen); err != nil {
		return false
	}
	s.Logger.Warn("break-glass expired", zap.String("session_id", session.ID))
	s.Events.emitQuiet(ctx, domain.EventBreakGlassExpired, SystemActor, map[string]any{
		"session_id":   session.ID,
		"activated_by": session.ActivatedBy,
		"expires_at":   session.ExpiresAt,
	})
	return true
}

func (s *BreakGlassService) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return DefaultBreakGlassWindow
}

func (s *BreakGlassService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *BreakGlassService) now() time.Time {
	return nowFrom(s.Clock)
}
