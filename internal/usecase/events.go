package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// SystemActor is the actor_id of events the service writes on its own behalf,
// such as expiry sweeps and anchor confirmations.
const SystemActor = "system"

// EventEmitter writes the ledger's own workflow events. Emission is best
// effort: the workflow state is already committed when an event is written,
// so a failed append goes to the dead-letter file like any other and is
// recovered by replay.
type EventEmitter struct {
	Ledger EventAppender
	Logger *zap.Logger
}

func NewEventEmitter(ledger EventAppender, logger *zap.Logger) *EventEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventEmitter{Ledger: ledger, Logger: logger}
}

func (e *EventEmitter) Emit(ctx context.Context, eventType, actorID string, payload map[string]any) error {
	if e == nil || e.Ledger == nil {
		return errors.New("event ledger required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	// Workflow events always carry an actor so they hash with the normative
	// formula.
	if actorID == "" {
		actorID = SystemActor
	}
	res, err := e.Ledger.Append(ctx, AppendInput{
		EventType: eventType,
		Payload:   payload,
		ActorID:   actorID,
	})
	if err != nil {
		e.log().Error("workflow event not recorded",
			zap.String("event_type", eventType),
			zap.String("actor_id", actorID),
			zap.Error(err))
		return err
	}
	if res.DeadLettered {
		e.log().Warn("workflow event dead-lettered", zap.String("event_type", eventType))
	}
	return nil
}

func (e *EventEmitter) emitQuiet(ctx context.Context, eventType, actorID string, payload map[string]any) {
	if e == nil {
		return
	}
	_ = e.Emit(ctx, eventType, actorID, payload)
}

func (e *EventEmitter) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
