package db

import (
	"context"
	"time"

	"evidenceledger/internal/domain"

	"gorm.io/gorm"
)

type KeyRequestRepository struct {
	db *gorm.DB
}

func NewKeyRequestRepository(db *gorm.DB) *KeyRequestRepository {
	return &KeyRequestRepository{db: db}
}

func (r *KeyRequestRepository) Create(ctx context.Context, req domain.KeyLifecycleRequest) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := keyRequestToModel(req)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrInvalidTransition
		}
		return unavailable("create key request", err)
	}
	return nil
}

func (r *KeyRequestRepository) Get(ctx context.Context, id string) (*domain.KeyLifecycleRequest, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model KeyRequestModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&model).Error; err != nil {
		if notFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("get key request", err)
	}
	req := keyRequestFromModel(model)
	return &req, nil
}

func (r *KeyRequestRepository) List(ctx context.Context, filter domain.KeyRequestFilter) ([]domain.KeyLifecycleRequest, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	query := r.db.WithContext(ctx).Model(&KeyRequestModel{})
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.InitiatorID != "" {
		query = query.Where("initiator_id = ?", filter.InitiatorID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var models []KeyRequestModel
	if err := query.Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, unavailable("list key requests", err)
	}
	return keyRequestsFromModels(models), nil
}

// Update is a compare-and-set on status, so two racing transitions cannot
// both succeed.
func (r *KeyRequestRepository) Update(ctx context.Context, req domain.KeyLifecycleRequest, from domain.RequestStatus) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := keyRequestToModel(req)
	res := r.db.WithContext(ctx).
		Model(&KeyRequestModel{}).
		Where("id = ? AND status = ?", req.ID, string(from)).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return unavailable("update key request", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := r.Get(ctx, req.ID); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}

func (r *KeyRequestRepository) ListPastDeadline(ctx context.Context, now time.Time) ([]domain.KeyLifecycleRequest, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []KeyRequestModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?",
			[]string{string(domain.RequestStatusPending), string(domain.RequestStatusApproved)}, now.UTC()).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, unavailable("list expired key requests", err)
	}
	return keyRequestsFromModels(models), nil
}

func keyRequestToModel(req domain.KeyLifecycleRequest) KeyRequestModel {
	return KeyRequestModel{
		ID:                 req.ID,
		Action:             string(req.Action),
		TargetKeyID:        stringPtrIfNotEmpty(req.TargetKeyID),
		Reason:             stringPtrIfNotEmpty(req.Reason),
		Status:             string(req.Status),
		InitiatorID:        req.InitiatorID,
		InitiatorSignature: req.InitiatorSignature,
		InitiatorKeyID:     req.InitiatorKeyID,
		ApproverID:         stringPtrIfNotEmpty(req.ApproverID),
		ApproverSignature:  stringPtrIfNotEmpty(req.ApproverSignature),
		ApproverKeyID:      stringPtrIfNotEmpty(req.ApproverKeyID),
		RejectorID:         stringPtrIfNotEmpty(req.RejectorID),
		RejectionReason:    stringPtrIfNotEmpty(req.RejectionReason),
		ExecutorID:         stringPtrIfNotEmpty(req.ExecutorID),
		ExecutionResult:    stringPtrIfNotEmpty(req.ExecutionResult),
		CreatedAt:          req.CreatedAt.UTC(),
		ApprovedAt:         timePtrUTC(req.ApprovedAt),
		RejectedAt:         timePtrUTC(req.RejectedAt),
		ExecutedAt:         timePtrUTC(req.ExecutedAt),
		ExpiredAt:          timePtrUTC(req.ExpiredAt),
		ExpiresAt:          req.ExpiresAt.UTC(),
		UpdatedAt:          req.UpdatedAt.UTC(),
	}
}

func keyRequestFromModel(m KeyRequestModel) domain.KeyLifecycleRequest {
	return domain.KeyLifecycleRequest{
		ID:                 m.ID,
		Action:             domain.KeyAction(m.Action),
		TargetKeyID:        stringValue(m.TargetKeyID),
		Reason:             stringValue(m.Reason),
		Status:             domain.RequestStatus(m.Status),
		InitiatorID:        m.InitiatorID,
		InitiatorSignature: m.InitiatorSignature,
		InitiatorKeyID:     m.InitiatorKeyID,
		ApproverID:         stringValue(m.ApproverID),
		ApproverSignature:  stringValue(m.ApproverSignature),
		ApproverKeyID:      stringValue(m.ApproverKeyID),
		RejectorID:         stringValue(m.RejectorID),
		RejectionReason:    stringValue(m.RejectionReason),
		ExecutorID:         stringValue(m.ExecutorID),
		ExecutionResult:    stringValue(m.ExecutionResult),
		CreatedAt:          m.CreatedAt.UTC(),
		ApprovedAt:         timePtrUTC(m.ApprovedAt),
		RejectedAt:         timePtrUTC(m.RejectedAt),
		ExecutedAt:         timePtrUTC(m.ExecutedAt),
		ExpiredAt:          timePtrUTC(m.ExpiredAt),
		ExpiresAt:          m.ExpiresAt.UTC(),
		UpdatedAt:          m.UpdatedAt.UTC(),
	}
}

func keyRequestsFromModels(models []KeyRequestModel) []domain.KeyLifecycleRequest {
	out := make([]domain.KeyLifecycleRequest, 0, len(models))
	for _, model := range models {
		out = append(out, keyRequestFromModel(model))
	}
	return out
}

type BreakGlassRepository struct {
	db *gorm.DB
}

func NewBreakGlassRepository(db *gorm.DB) *BreakGlassRepository {
	return &BreakGlassRepository{db: db}
}

func (r *BreakGlassRepository) Create(ctx context.Context, session domain.BreakGlassSession) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := breakGlassToModel(session)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrBreakGlassActive
		}
		return unavailable("create break-glass session", err)
	}
	return nil
}

func (r *BreakGlassRepository) Get(ctx context.Context, id string) (*domain.BreakGlassSession, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	return r.take(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *BreakGlassRepository) GetOpen(ctx context.Context) (*domain.BreakGlassSession, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	return r.take(r.db.WithContext(ctx).Where("status = ?", string(domain.BreakGlassOpen)))
}

func (r *BreakGlassRepository) take(query *gorm.DB) (*domain.BreakGlassSession, error) {
	var model BreakGlassModel
	if err := query.Take(&model).Error; err != nil {
		if notFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("get break-glass session", err)
	}
	session := breakGlassFromModel(model)
	return &session, nil
}

func (r *BreakGlassRepository) List(ctx context.Context, limit int) ([]domain.BreakGlassSession, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	query := r.db.WithContext(ctx).Order("activated_at DESC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []BreakGlassModel
	if err := query.Find(&models).Error; err != nil {
		return nil, unavailable("list break-glass sessions", err)
	}
	out := make([]domain.BreakGlassSession, 0, len(models))
	for _, model := range models {
		out = append(out, breakGlassFromModel(model))
	}
	return out, nil
}

func (r *BreakGlassRepository) Update(ctx context.Context, session domain.BreakGlassSession, from domain.BreakGlassStatus) error {
	if r.db == nil {
		return errDBUnavailable
	}
	res := r.db.WithContext(ctx).
		Model(&BreakGlassModel{}).
		Where("id = ? AND status = ?", session.ID, string(from)).
		Updates(map[string]any{
			"status":    string(session.Status),
			"closed_at": timePtrUTC(session.ClosedAt),
			"closed_by": stringPtrIfNotEmpty(session.ClosedBy),
		})
	if res.Error != nil {
		return unavailable("update break-glass session", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := r.Get(ctx, session.ID); err != nil {
		return err
	}
	return domain.ErrBreakGlassNotOpen
}

func breakGlassToModel(s domain.BreakGlassSession) BreakGlassModel {
	return BreakGlassModel{
		ID:          s.ID,
		ActivatedBy: s.ActivatedBy,
		Reason:      s.Reason,
		Status:      string(s.Status),
		ActivatedAt: s.ActivatedAt.UTC(),
		ExpiresAt:   s.ExpiresAt.UTC(),
		ClosedAt:    timePtrUTC(s.ClosedAt),
		ClosedBy:    stringPtrIfNotEmpty(s.ClosedBy),
	}
}

func breakGlassFromModel(m BreakGlassModel) domain.BreakGlassSession {
	return domain.BreakGlassSession{
		ID:          m.ID,
		ActivatedBy: m.ActivatedBy,
		Reason:      m.Reason,
		Status:      domain.BreakGlassStatus(m.Status),
		ActivatedAt: m.ActivatedAt.UTC(),
		ExpiresAt:   m.ExpiresAt.UTC(),
		ClosedAt:    timePtrUTC(m.ClosedAt),
		ClosedBy:    stringValue(m.ClosedBy),
	}
}
