package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/crypto"

	"go.uber.org/zap"
)

// DeadLetterReplayer re-attempts dead-lettered appends. Live replays reserve
// each idempotency key before appending and append strictly, so a replay that
// fails is reported instead of dead-lettered again.
type DeadLetterReplayer struct {
	Ledger EventAppender
	Keys   ReplayKeyRepository
	Clock  Clock
	Logger *zap.Logger
}

func NewDeadLetterReplayer(ledger EventAppender, keys ReplayKeyRepository, clock Clock, logger *zap.Logger) *DeadLetterReplayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterReplayer{Ledger: ledger, Keys: keys, Clock: clock, Logger: logger}
}

// ReplayIdempotencyKey is sha256(event_type \n canonical(payload) \n ts_utc).
// Re-canonicalizing makes the key independent of how the payload was spelled
// in the file.
func ReplayIdempotencyKey(entry domain.DeadLetterEntry) (string, error) {
	payload, err := decodeDeadLetterPayload(entry.PayloadJSON)
	if err != nil {
		return "", err
	}
	canonical, err := crypto.Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return replayKey(entry.EventType, canonical, entry.TsUTC), nil
}

func replayKey(eventType string, canonical []byte, ts string) string {
	var b bytes.Buffer
	b.WriteString(eventType)
	b.WriteByte('\n')
	b.Write(canonical)
	b.WriteByte('\n')
	b.WriteString(ts)
	return crypto.SHA256Hex(b.Bytes())
}

func (r *DeadLetterReplayer) Replay(ctx context.Context, lines []domain.DeadLetterLine, mode domain.ReplayMode) (domain.ReplayReport, error) {
	if mode != domain.ReplayDryRun && mode != domain.ReplayLive {
		return domain.ReplayReport{}, fmt.Errorf("%w: unknown replay mode %q", domain.ErrInvalidArgument, mode)
	}
	if r.Keys == nil {
		return domain.ReplayReport{}, errors.New("replay key store required")
	}
	if mode == domain.ReplayLive && r.Ledger == nil {
		return domain.ReplayReport{}, errors.New("ledger required for live replay")
	}
	report := domain.ReplayReport{Mode: mode, Total: len(lines), Items: make([]domain.ReplayItem, 0, len(lines))}
	inRun := make(map[string]bool, len(lines))

	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		item := domain.ReplayItem{Line: line.Line, EventType: line.Entry.EventType}
		if line.ParseError != "" {
			item.Outcome = domain.ReplayOutcomeInvalid
			item.Error = line.ParseError
			report.Failed++
			report.Items = append(report.Items, item)
			continue
		}
		payload, canonical, err := r.prepare(line.Entry)
		if err != nil {
			item.Outcome = domain.ReplayOutcomeInvalid
			item.Error = err.Error()
			report.Failed++
			report.Items = append(report.Items, item)
			continue
		}
		item.IdempotencyKey = replayKey(line.Entry.EventType, canonical, line.Entry.TsUTC)

		if inRun[item.IdempotencyKey] {
			item.Outcome = domain.ReplayOutcomeSkipped
			report.Skipped++
			report.Items = append(report.Items, item)
			continue
		}
		inRun[item.IdempotencyKey] = true

		if mode == domain.ReplayDryRun {
			seen, err := r.Keys.Seen(ctx, item.IdempotencyKey)
			if err != nil {
				return report, fmt.Errorf("replay key lookup: %w", err)
			}
			if seen {
				item.Outcome = domain.ReplayOutcomeSkipped
				report.Skipped++
			} else {
				item.Outcome = domain.ReplayOutcomeWouldReplay
			}
			report.Items = append(report.Items, item)
			continue
		}

		if err := r.Keys.Reserve(ctx, item.IdempotencyKey, r.now()); err != nil {
			if !errors.Is(err, domain.ErrDeadLetterReplayed) {
				return report, fmt.Errorf("replay key reservation: %w", err)
			}
			item.Outcome = domain.ReplayOutcomeSkipped
			report.Skipped++
			report.Items = append(report.Items, item)
			continue
		}

		res, err := r.Ledger.Append(ctx, AppendInput{
			EventType:      line.Entry.EventType,
			Payload:        payload,
			ActorID:        line.Entry.ActorID,
			ArtifactSHA256: line.Entry.ArtifactSHA256,
			ArtifactRef:    line.Entry.ArtifactRef,
			Strict:         true,
		})
		if err != nil || res.Event == nil {
			if err == nil {
				err = errors.New("append returned no event")
			}
			if relErr := r.Keys.Release(ctx, item.IdempotencyKey); relErr != nil {
				r.log().Error("dead-letter replay key left reserved",
					zap.String("idempotency_key", item.IdempotencyKey), zap.Error(relErr))
			}
			item.Outcome = domain.ReplayOutcomeFailed
			item.Error = err.Error()
			report.Failed++
			report.Items = append(report.Items, item)
			r.log().Warn("dead-letter replay failed",
				zap.Int("line", line.Line), zap.String("event_type", item.EventType), zap.Error(err))
			continue
		}
		item.EventID = res.Event.ID
		if err := r.Keys.Record(ctx, item.IdempotencyKey, res.Event.ID, r.now()); err != nil {
			// The event is in the ledger and the key stays reserved.
			item.Outcome = domain.ReplayOutcomeFailed
			item.Error = "replayed as event " + formatID(res.Event.ID) + " but key not recorded: " + err.Error()
			report.Failed++
			report.Items = append(report.Items, item)
			r.log().Error("dead-letter replay key not recorded",
				zap.Int64("event_id", res.Event.ID), zap.String("idempotency_key", item.IdempotencyKey), zap.Error(err))
			continue
		}
		item.Outcome = domain.ReplayOutcomeReplayed
		report.Replayed++
		report.Items = append(report.Items, item)
		r.log().Info("dead-letter entry replayed",
			zap.Int("line", line.Line), zap.Int64("event_id", res.Event.ID), zap.String("event_type", item.EventType))
	}
	return report, nil
}

func (r *DeadLetterReplayer) prepare(entry domain.DeadLetterEntry) (any, []byte, error) {
	if strings.TrimSpace(entry.EventType) == "" {
		return nil, nil, errors.New("event_type is empty")
	}
	if strings.TrimSpace(entry.TsUTC) == "" {
		return nil, nil, errors.New("ts_utc is empty")
	}
	payload, err := decodeDeadLetterPayload(entry.PayloadJSON)
	if err != nil {
		return nil, nil, err
	}
	canonical, err := crypto.Canonicalize(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("payload_json: %w", err)
	}
	return payload, canonical, nil
}

func decodeDeadLetterPayload(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("payload_json: %w", err)
	}
	return payload, nil
}

func (r *DeadLetterReplayer) now() time.Time {
	return nowFrom(r.Clock)
}

func (r *DeadLetterReplayer) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
