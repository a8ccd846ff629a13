package domain

import "time"

type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusArchived KeyStatus = "archived"
	KeyStatusRevoked  KeyStatus = "revoked"
)

// SigningKey is the public half of a ledger signing key plus its lifecycle.
// Private material lives in a KeyMaterialStore.
type SigningKey struct {
	KeyID            string
	Alg              string
	PublicKey        []byte
	Status           KeyStatus
	CreatedAt        time.Time
	ArchivedAt       *time.Time
	RevokedAt        *time.Time
	RevocationReason string
}

// KeyMaterial is a private key held by the signing service.
type KeyMaterial struct {
	KeyID      string
	PrivateKey []byte
	CreatedAt  time.Time
}
