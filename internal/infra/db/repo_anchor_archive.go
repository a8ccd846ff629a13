package db

import (
	"context"
	"errors"
	"time"

	"evidenceledger/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AnchorAttemptRepository struct {
	db *gorm.DB
}

func NewAnchorAttemptRepository(db *gorm.DB) *AnchorAttemptRepository {
	return &AnchorAttemptRepository{db: db}
}

func (r *AnchorAttemptRepository) Append(ctx context.Context, attempt domain.AnchorAttempt) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if attempt.AnchorID <= 0 {
		return errors.New("anchor_id is required")
	}
	if attempt.Operation == "" {
		return errors.New("operation is required")
	}
	if attempt.Status == "" {
		return errors.New("status is required")
	}
	createdAt := attempt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	model := AnchorAttemptModel{
		AnchorID:  attempt.AnchorID,
		Operation: attempt.Operation,
		Status:    attempt.Status,
		ErrorCode: stringPtrIfNotEmpty(attempt.ErrorCode),
		Detail:    stringPtrIfNotEmpty(attempt.Detail),
		TxHash:    stringPtrIfNotEmpty(attempt.TxHash),
		CreatedAt: createdAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return unavailable("append anchor attempt", err)
	}
	return nil
}

func (r *AnchorAttemptRepository) ListByAnchor(ctx context.Context, anchorID int64) ([]domain.AnchorAttempt, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []AnchorAttemptModel
	if err := r.db.WithContext(ctx).
		Where("anchor_id = ?", anchorID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, unavailable("list anchor attempts", err)
	}
	out := make([]domain.AnchorAttempt, 0, len(models))
	for _, model := range models {
		out = append(out, domain.AnchorAttempt{
			AnchorID:  model.AnchorID,
			Operation: model.Operation,
			Status:    model.Status,
			ErrorCode: stringValue(model.ErrorCode),
			Detail:    stringValue(model.Detail),
			TxHash:    stringValue(model.TxHash),
			CreatedAt: model.CreatedAt.UTC(),
		})
	}
	return out, nil
}

type AnchorReceiptRepository struct {
	db *gorm.DB
}

func NewAnchorReceiptRepository(db *gorm.DB) *AnchorReceiptRepository {
	return &AnchorReceiptRepository{db: db}
}

// Put archives the first receipt for an anchor; later ones are dropped.
func (r *AnchorReceiptRepository) Put(ctx context.Context, receipt domain.AnchorReceipt) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if receipt.AnchorID <= 0 {
		return errors.New("anchor_id is required")
	}
	if receipt.TxHash == "" {
		return errors.New("tx_hash is required")
	}
	if receipt.ReceiptSHA256 == "" {
		return errors.New("receipt_sha256 is required")
	}
	createdAt := receipt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	model := AnchorReceiptModel{
		AnchorID:         receipt.AnchorID,
		ChainID:          receipt.ChainID,
		ContractAddress:  receipt.ContractAddress,
		TxHash:           receipt.TxHash,
		BlockNumber:      receipt.BlockNumber,
		LogIndex:         receipt.LogIndex,
		ReceiptJSON:      copyBytes(receipt.ReceiptJSON),
		ReceiptTruncated: receipt.ReceiptTruncated,
		ReceiptSizeBytes: receipt.ReceiptSizeBytes,
		ReceiptSHA256:    receipt.ReceiptSHA256,
		CreatedAt:        createdAt.UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return unavailable("archive anchor receipt", err)
	}
	return nil
}

func (r *AnchorReceiptRepository) Get(ctx context.Context, anchorID int64) (*domain.AnchorReceipt, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model AnchorReceiptModel
	if err := r.db.WithContext(ctx).Where("anchor_id = ?", anchorID).Take(&model).Error; err != nil {
		if notFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("get anchor receipt", err)
	}
	return &domain.AnchorReceipt{
		AnchorID:         model.AnchorID,
		ChainID:          model.ChainID,
		ContractAddress:  model.ContractAddress,
		TxHash:           model.TxHash,
		BlockNumber:      model.BlockNumber,
		LogIndex:         model.LogIndex,
		ReceiptJSON:      copyBytes(model.ReceiptJSON),
		ReceiptTruncated: model.ReceiptTruncated,
		ReceiptSizeBytes: model.ReceiptSizeBytes,
		ReceiptSHA256:    model.ReceiptSHA256,
		CreatedAt:        model.CreatedAt.UTC(),
	}, nil
}

type ReplayKeyRepository struct {
	db *gorm.DB
}

func NewReplayKeyRepository(db *gorm.DB) *ReplayKeyRepository {
	return &ReplayKeyRepository{db: db}
}

func (r *ReplayKeyRepository) Seen(ctx context.Context, key string) (bool, error) {
	if r.db == nil {
		return false, errDBUnavailable
	}
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&ReplayKeyModel{}).
		Where("idempotency_key = ?", key).
		Count(&count).Error; err != nil {
		return false, unavailable("lookup replay key", err)
	}
	return count > 0, nil
}

// Reserve inserts the key as reserved. A key already present, reserved or
// replayed, belongs to another replayer.
func (r *ReplayKeyRepository) Reserve(ctx context.Context, key string, at time.Time) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := ReplayKeyModel{IdempotencyKey: key, Status: replayStatusReserved, ReservedAt: at.UTC()}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return unavailable("reserve replay key", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrDeadLetterReplayed
	}
	return nil
}

func (r *ReplayKeyRepository) Release(ctx context.Context, key string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ? AND status = ?", key, replayStatusReserved).
		Delete(&ReplayKeyModel{}).Error
	if err != nil {
		return unavailable("release replay key", err)
	}
	return nil
}

// Record completes a reservation, or inserts the key outright when it was
// never reserved.
func (r *ReplayKeyRepository) Record(ctx context.Context, key string, eventID int64, at time.Time) error {
	if r.db == nil {
		return errDBUnavailable
	}
	replayedAt := at.UTC()
	res := r.db.WithContext(ctx).
		Model(&ReplayKeyModel{}).
		Where("idempotency_key = ? AND status = ?", key, replayStatusReserved).
		Updates(map[string]any{
			"status":      replayStatusReplayed,
			"event_id":    eventID,
			"replayed_at": replayedAt,
		})
	if res.Error != nil {
		return unavailable("record replay key", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	model := ReplayKeyModel{
		IdempotencyKey: key,
		Status:         replayStatusReplayed,
		EventID:        &eventID,
		ReservedAt:     replayedAt,
		ReplayedAt:     &replayedAt,
	}
	res = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return unavailable("record replay key", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrDeadLetterReplayed
	}
	return nil
}
