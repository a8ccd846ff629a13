package db

import (
	"context"
	"time"

	"evidenceledger/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AnchorRepository struct {
	db *gorm.DB
}

func NewAnchorRepository(db *gorm.DB) *AnchorRepository {
	return &AnchorRepository{db: db}
}

// CreateForPeriod inserts unless the period already has a row; the unique
// (period_start, period_end) constraint makes concurrent creators converge on
// one anchor.
func (r *AnchorRepository) CreateForPeriod(ctx context.Context, anchor domain.Anchor) (domain.Anchor, bool, error) {
	if r.db == nil {
		return domain.Anchor{}, false, errDBUnavailable
	}
	model := anchorToModel(anchor)
	model.ID = 0
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "period_start"}, {Name: "period_end"}},
			DoNothing: true,
		}).
		Create(&model)
	if res.Error != nil {
		return domain.Anchor{}, false, unavailable("create anchor", res.Error)
	}
	if res.RowsAffected == 1 {
		return anchorFromModel(model), true, nil
	}
	existing, err := r.GetByPeriod(ctx, anchor.PeriodStart, anchor.PeriodEnd)
	if err != nil {
		return domain.Anchor{}, false, err
	}
	return *existing, false, nil
}

func (r *AnchorRepository) Get(ctx context.Context, id int64) (*domain.Anchor, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	return r.take(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *AnchorRepository) GetByPeriod(ctx context.Context, start, end time.Time) (*domain.Anchor, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	return r.take(r.db.WithContext(ctx).Where("period_start = ? AND period_end = ?", start.UTC(), end.UTC()))
}

func (r *AnchorRepository) Latest(ctx context.Context) (*domain.Anchor, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	return r.take(r.db.WithContext(ctx).Order("period_end DESC, id DESC"))
}

func (r *AnchorRepository) take(query *gorm.DB) (*domain.Anchor, error) {
	var model AnchorModel
	if err := query.Take(&model).Error; err != nil {
		if notFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("get anchor", err)
	}
	anchor := anchorFromModel(model)
	return &anchor, nil
}

func (r *AnchorRepository) List(ctx context.Context, status domain.AnchorStatus, limit int) ([]domain.Anchor, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	query := r.db.WithContext(ctx).Model(&AnchorModel{})
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []AnchorModel
	if err := query.Order("id ASC").Find(&models).Error; err != nil {
		return nil, unavailable("list anchors", err)
	}
	out := make([]domain.Anchor, 0, len(models))
	for _, model := range models {
		out = append(out, anchorFromModel(model))
	}
	return out, nil
}

// MarkPublished records the first transaction only.
func (r *AnchorRepository) MarkPublished(ctx context.Context, id int64, rec domain.PublishReceipt, anchorKey string, at time.Time) error {
	return r.transition(ctx, id, "tx_hash IS NULL", map[string]any{
		"tx_hash":          rec.TxHash,
		"chain_id":         stringPtrIfNotEmpty(rec.ChainID),
		"contract_address": stringPtrIfNotEmpty(rec.ContractAddress),
		"anchor_key":       stringPtrIfNotEmpty(anchorKey),
		"published_at":     at.UTC(),
		"updated_at":       at.UTC(),
	})
}

func (r *AnchorRepository) MarkConfirmed(ctx context.Context, id int64, blockNumber, logIndex int64, at time.Time) error {
	return r.transition(ctx, id, "", map[string]any{
		"status":       string(domain.AnchorStatusConfirmed),
		"block_number": blockNumber,
		"log_index":    logIndex,
		"anchored_at":  at.UTC(),
		"updated_at":   at.UTC(),
	})
}

func (r *AnchorRepository) MarkFailed(ctx context.Context, id int64, reason string, at time.Time) error {
	return r.transition(ctx, id, "", map[string]any{
		"status":         string(domain.AnchorStatusFailed),
		"failure_reason": reason,
		"updated_at":     at.UTC(),
	})
}

// transition updates a pending anchor. Zero rows means the anchor is missing
// or another writer moved it first.
func (r *AnchorRepository) transition(ctx context.Context, id int64, extra string, values map[string]any) error {
	if r.db == nil {
		return errDBUnavailable
	}
	query := r.db.WithContext(ctx).
		Model(&AnchorModel{}).
		Where("id = ? AND status = ?", id, string(domain.AnchorStatusPending))
	if extra != "" {
		query = query.Where(extra)
	}
	res := query.Updates(values)
	if res.Error != nil {
		return unavailable("update anchor", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}

func anchorToModel(a domain.Anchor) AnchorModel {
	return AnchorModel{
		ID:              a.ID,
		PeriodStart:     a.PeriodStart.UTC(),
		PeriodEnd:       a.PeriodEnd.UTC(),
		MerkleRoot:      a.MerkleRoot,
		Status:          string(a.Status),
		EventsCount:     a.EventsCount,
		ChainID:         stringPtrIfNotEmpty(a.ChainID),
		ContractAddress: stringPtrIfNotEmpty(a.ContractAddress),
		AnchorKey:       stringPtrIfNotEmpty(a.AnchorKey),
		TxHash:          stringPtrIfNotEmpty(a.TxHash),
		BlockNumber:     a.BlockNumber,
		LogIndex:        a.LogIndex,
		PublishedAt:     timePtrUTC(a.PublishedAt),
		AnchoredAt:      timePtrUTC(a.AnchoredAt),
		FailureReason:   stringPtrIfNotEmpty(a.FailureReason),
		CreatedAt:       a.CreatedAt.UTC(),
		UpdatedAt:       a.UpdatedAt.UTC(),
	}
}

func anchorFromModel(m AnchorModel) domain.Anchor {
	return domain.Anchor{
		ID:              m.ID,
		PeriodStart:     m.PeriodStart.UTC(),
		PeriodEnd:       m.PeriodEnd.UTC(),
		MerkleRoot:      m.MerkleRoot,
		Status:          domain.AnchorStatus(m.Status),
		EventsCount:     m.EventsCount,
		ChainID:         stringValue(m.ChainID),
		ContractAddress: stringValue(m.ContractAddress),
		AnchorKey:       stringValue(m.AnchorKey),
		TxHash:          stringValue(m.TxHash),
		BlockNumber:     m.BlockNumber,
		LogIndex:        m.LogIndex,
		PublishedAt:     timePtrUTC(m.PublishedAt),
		AnchoredAt:      timePtrUTC(m.AnchoredAt),
		FailureReason:   stringValue(m.FailureReason),
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
}
