package db

import (
	"context"
	"time"

	"evidenceledger/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SigningKeyRepository struct {
	db *gorm.DB
}

func NewSigningKeyRepository(db *gorm.DB) *SigningKeyRepository {
	return &SigningKeyRepository{db: db}
}

func (r *SigningKeyRepository) GetActive(ctx context.Context) (*domain.SigningKey, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model SigningKeyModel
	err := r.db.WithContext(ctx).
		Where("status = ?", string(domain.KeyStatusActive)).
		Take(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("get active key", err)
	}
	return signingKeyFromModel(model), nil
}

func (r *SigningKeyRepository) Get(ctx context.Context, keyID string) (*domain.SigningKey, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model SigningKeyModel
	if err := r.db.WithContext(ctx).Where("key_id = ?", keyID).Take(&model).Error; err != nil {
		if notFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("get signing key", err)
	}
	return signingKeyFromModel(model), nil
}

func (r *SigningKeyRepository) List(ctx context.Context) ([]domain.SigningKey, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []SigningKeyModel
	if err := r.db.WithContext(ctx).Order("created_at ASC, key_id ASC").Find(&models).Error; err != nil {
		return nil, unavailable("list signing keys", err)
	}
	out := make([]domain.SigningKey, 0, len(models))
	for _, model := range models {
		out = append(out, *signingKeyFromModel(model))
	}
	return out, nil
}

// CreateActive relies on the single-active partial index: a concurrent
// provisioner loses with a unique violation and gets the winner's key.
func (r *SigningKeyRepository) CreateActive(ctx context.Context, key domain.SigningKey) (domain.SigningKey, bool, error) {
	if r.db == nil {
		return domain.SigningKey{}, false, errDBUnavailable
	}
	key.Status = domain.KeyStatusActive
	model := signingKeyToModel(key)
	err := r.db.WithContext(ctx).Create(&model).Error
	if err == nil {
		return *signingKeyFromModel(model), true, nil
	}
	if !isUniqueViolation(err) {
		return domain.SigningKey{}, false, unavailable("create signing key", err)
	}
	active, getErr := r.GetActive(ctx)
	if getErr != nil {
		return domain.SigningKey{}, false, getErr
	}
	return *active, false, nil
}

func (r *SigningKeyRepository) Rotate(ctx context.Context, currentKeyID string, next domain.SigningKey, at time.Time) error {
	if r.db == nil {
		return errDBUnavailable
	}
	at = at.UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&SigningKeyModel{}).
			Where("key_id = ? AND status = ?", currentKeyID, string(domain.KeyStatusActive)).
			Updates(map[string]any{
				"status":      string(domain.KeyStatusArchived),
				"archived_at": at,
			})
		if res.Error != nil {
			return unavailable("archive signing key", res.Error)
		}
		if res.RowsAffected != 1 {
			return domain.ErrNoActiveKey
		}
		next.Status = domain.KeyStatusActive
		model := signingKeyToModel(next)
		if err := tx.Create(&model).Error; err != nil {
			return unavailable("insert rotated key", err)
		}
		return nil
	})
}

func (r *SigningKeyRepository) Revoke(ctx context.Context, keyID, reason string, at time.Time) (domain.SigningKey, error) {
	if r.db == nil {
		return domain.SigningKey{}, errDBUnavailable
	}
	var out domain.SigningKey
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model SigningKeyModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("key_id = ?", keyID).
			Take(&model).Error
		if err != nil {
			if notFound(err) {
				return domain.ErrNotFound
			}
			return unavailable("load signing key", err)
		}
		switch domain.KeyStatus(model.Status) {
		case domain.KeyStatusRevoked:
			out = *signingKeyFromModel(model)
			return nil
		case domain.KeyStatusActive:
			return domain.ErrRevokeActiveKey
		}
		revokedAt := at.UTC()
		model.Status = string(domain.KeyStatusRevoked)
		model.RevokedAt = &revokedAt
		model.RevocationReason = stringPtrIfNotEmpty(reason)
		if err := tx.Model(&SigningKeyModel{}).
			Where("key_id = ?", keyID).
			Updates(map[string]any{
				"status":            model.Status,
				"revoked_at":        revokedAt,
				"revocation_reason": model.RevocationReason,
			}).Error; err != nil {
			return unavailable("revoke signing key", err)
		}
		out = *signingKeyFromModel(model)
		return nil
	})
	if err != nil {
		return domain.SigningKey{}, err
	}
	return out, nil
}

// KeyMaterialRepository stores private key material next to the key rows so
// the signer survives restarts.
type KeyMaterialRepository struct {
	db *gorm.DB
}

func NewKeyMaterialRepository(db *gorm.DB) *KeyMaterialRepository {
	return &KeyMaterialRepository{db: db}
}

func (r *KeyMaterialRepository) Put(ctx context.Context, material domain.KeyMaterial) error {
	if r.db == nil {
		return errDBUnavailable
	}
	createdAt := material.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	model := KeyMaterialModel{
		KeyID:      material.KeyID,
		PrivateKey: copyBytes(material.PrivateKey),
		CreatedAt:  createdAt.UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return unavailable("store key material", err)
	}
	return nil
}

func (r *KeyMaterialRepository) Get(ctx context.Context, keyID string) (*domain.KeyMaterial, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model KeyMaterialModel
	if err := r.db.WithContext(ctx).Where("key_id = ?", keyID).Take(&model).Error; err != nil {
		if notFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("get key material", err)
	}
	return &domain.KeyMaterial{
		KeyID:      model.KeyID,
		PrivateKey: copyBytes(model.PrivateKey),
		CreatedAt:  model.CreatedAt.UTC(),
	}, nil
}

func (r *KeyMaterialRepository) Delete(ctx context.Context, keyID string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if err := r.db.WithContext(ctx).Where("key_id = ?", keyID).Delete(&KeyMaterialModel{}).Error; err != nil {
		return unavailable("delete key material", err)
	}
	return nil
}

func signingKeyToModel(key domain.SigningKey) SigningKeyModel {
	createdAt := key.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return SigningKeyModel{
		KeyID:            key.KeyID,
		Alg:              key.Alg,
		PublicKey:        copyBytes(key.PublicKey),
		Status:           string(key.Status),
		CreatedAt:        createdAt.UTC(),
		ArchivedAt:       timePtrUTC(key.ArchivedAt),
		RevokedAt:        timePtrUTC(key.RevokedAt),
		RevocationReason: stringPtrIfNotEmpty(key.RevocationReason),
	}
}

func signingKeyFromModel(model SigningKeyModel) *domain.SigningKey {
	return &domain.SigningKey{
		KeyID:            model.KeyID,
		Alg:              model.Alg,
		PublicKey:        copyBytes(model.PublicKey),
		Status:           domain.KeyStatus(model.Status),
		CreatedAt:        model.CreatedAt.UTC(),
		ArchivedAt:       timePtrUTC(model.ArchivedAt),
		RevokedAt:        timePtrUTC(model.RevokedAt),
		RevocationReason: stringValue(model.RevocationReason),
	}
}
