package db

import (
	"context"
	"errors"
	"fmt"

	"evidenceledger/internal/domain"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ledgerAppendLockKey serializes appenders across every process sharing the
// database. The value is arbitrary but must never change.
const ledgerAppendLockKey = int64(7_304_118_665)

const maxAppendAttempts = 3

type LedgerRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewLedgerRepository(db *gorm.DB, logger *zap.Logger) *LedgerRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerRepository{db: db, logger: logger}
}

// Append reads the tail and inserts the next row inside one transaction that
// holds the advisory lock. The unique prev_hash index backs the lock: a writer
// that bypassed it loses with a unique violation and is retried.
func (r *LedgerRepository) Append(ctx context.Context, build func(prevHash string) (domain.LedgerEvent, error)) (domain.LedgerEvent, error) {
	if r.db == nil {
		return domain.LedgerEvent{}, errDBUnavailable
	}
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		var (
			out      domain.LedgerEvent
			buildErr error
		)
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", ledgerAppendLockKey).Error; err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			prevHash := ""
			var tail LedgerEventModel
			err := tx.Select("id", "block_hash").Order("id DESC").Limit(1).Take(&tail).Error
			switch {
			case notFound(err):
			case err != nil:
				return fmt.Errorf("read ledger tail: %w", err)
			default:
				prevHash = tail.BlockHash
			}

			event, err := build(prevHash)
			if err != nil {
				buildErr = err
				return err
			}
			if event.PrevHash != prevHash {
				buildErr = domain.ErrAppendConflict
				return buildErr
			}
			model := ledgerEventToModel(event)
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
			out = ledgerEventFromModel(model)
			return nil
		})
		if err == nil {
			r.logger.Debug("ledger event persisted",
				zap.Int64("event_id", out.ID),
				zap.String("event_type", out.EventType))
			return out, nil
		}
		if buildErr != nil {
			return domain.LedgerEvent{}, buildErr
		}
		if isUniqueViolation(err) {
			r.logger.Warn("ledger append conflict; retrying", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return domain.LedgerEvent{}, unavailable("append ledger event", err)
	}
	return domain.LedgerEvent{}, domain.ErrAppendConflict
}

func (r *LedgerRepository) Get(ctx context.Context, id int64) (*domain.LedgerEvent, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model LedgerEventModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&model).Error; err != nil {
		if notFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("get ledger event", err)
	}
	event := ledgerEventFromModel(model)
	return &event, nil
}

func (r *LedgerRepository) List(ctx context.Context, q domain.LedgerQuery) ([]domain.LedgerEvent, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	query := r.db.WithContext(ctx).Model(&LedgerEventModel{})
	if q.AfterID > 0 {
		query = query.Where("id > ?", q.AfterID)
	}
	if q.UpToID > 0 {
		query = query.Where("id <= ?", q.UpToID)
	}
	if !q.CreatedFrom.IsZero() {
		query = query.Where("created_at >= ?", q.CreatedFrom.UTC())
	}
	if !q.CreatedTo.IsZero() {
		query = query.Where("created_at < ?", q.CreatedTo.UTC())
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	var models []LedgerEventModel
	if err := query.Order("id ASC").Find(&models).Error; err != nil {
		return nil, unavailable("list ledger events", err)
	}
	out := make([]domain.LedgerEvent, 0, len(models))
	for _, model := range models {
		out = append(out, ledgerEventFromModel(model))
	}
	return out, nil
}

// AssignAnchor only fills a NULL anchor_id; the table trigger rejects any
// other update.
func (r *LedgerRepository) AssignAnchor(ctx context.Context, anchorID int64, eventIDs []int64) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if len(eventIDs) == 0 {
		return nil
	}
	if anchorID <= 0 {
		return errors.New("anchor_id is required")
	}
	err := r.db.WithContext(ctx).
		Model(&LedgerEventModel{}).
		Where("id IN ? AND anchor_id IS NULL", eventIDs).
		Update("anchor_id", anchorID).Error
	if err != nil {
		return unavailable("assign anchor", err)
	}
	return nil
}

func ledgerEventToModel(e domain.LedgerEvent) LedgerEventModel {
	return LedgerEventModel{
		ID:             e.ID,
		EventType:      e.EventType,
		Payload:        string(e.Payload),
		PrevHash:       e.PrevHash,
		BlockHash:      e.BlockHash,
		CreatedAt:      e.CreatedAt.UTC(),
		ActorID:        stringPtrIfNotEmpty(e.ActorID),
		ArtifactSHA256: stringPtrIfNotEmpty(e.ArtifactSHA256),
		ArtifactRef:    stringPtrIfNotEmpty(e.ArtifactRef),
		PayloadSHA256:  e.PayloadSHA256,
		Signature:      e.Signature,
		KeyID:          e.KeyID,
	}
}

func ledgerEventFromModel(m LedgerEventModel) domain.LedgerEvent {
	var anchorID *int64
	if m.AnchorID != nil {
		id := *m.AnchorID
		anchorID = &id
	}
	return domain.LedgerEvent{
		ID:             m.ID,
		EventType:      m.EventType,
		Payload:        []byte(m.Payload),
		PrevHash:       m.PrevHash,
		BlockHash:      m.BlockHash,
		CreatedAt:      m.CreatedAt.UTC(),
		ActorID:        stringValue(m.ActorID),
		ArtifactSHA256: stringValue(m.ArtifactSHA256),
		ArtifactRef:    stringValue(m.ArtifactRef),
		PayloadSHA256:  m.PayloadSHA256,
		Signature:      m.Signature,
		KeyID:          m.KeyID,
		AnchorID:       anchorID,
	}
}
