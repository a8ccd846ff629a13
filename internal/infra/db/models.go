package db

import "time"

type LedgerEventModel struct {
	ID             int64     `gorm:"primaryKey"`
	EventType      string    `gorm:"not null"`
	Payload        string    `gorm:"type:text;not null"`
	PrevHash       string    `gorm:"not null"`
	BlockHash      string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	ActorID        *string
	ArtifactSHA256 *string `gorm:"column:artifact_sha256"`
	ArtifactRef    *string
	PayloadSHA256  string `gorm:"column:payload_c14n_sha256;not null"`
	Signature      string `gorm:"not null"`
	KeyID          string `gorm:"not null"`
	AnchorID       *int64
}

func (LedgerEventModel) TableName() string { return "ledger_events" }

type SigningKeyModel struct {
	KeyID            string `gorm:"primaryKey"`
	Alg              string `gorm:"not null"`
	PublicKey        []byte `gorm:"type:bytea;not null"`
	Status           string `gorm:"not null"`
	CreatedAt        time.Time
	ArchivedAt       *time.Time
	RevokedAt        *time.Time
	RevocationReason *string
}

func (SigningKeyModel) TableName() string { return "signing_keys" }

type KeyMaterialModel struct {
	KeyID      string    `gorm:"primaryKey"`
	PrivateKey []byte    `gorm:"type:bytea;not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (KeyMaterialModel) TableName() string { return "signing_key_material" }

type KeyRequestModel struct {
	ID                 string `gorm:"primaryKey"`
	Action             string `gorm:"not null"`
	TargetKeyID        *string
	Reason             *string
	Status             string `gorm:"not null"`
	InitiatorID        string `gorm:"not null"`
	InitiatorSignature string `gorm:"not null"`
	InitiatorKeyID     string `gorm:"not null"`
	ApproverID         *string
	ApproverSignature  *string
	ApproverKeyID      *string
	RejectorID         *string
	RejectionReason    *string
	ExecutorID         *string
	ExecutionResult    *string
	CreatedAt          time.Time
	ApprovedAt         *time.Time
	RejectedAt         *time.Time
	ExecutedAt         *time.Time
	ExpiredAt          *time.Time
	ExpiresAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time
}

func (KeyRequestModel) TableName() string { return "key_lifecycle_requests" }

type BreakGlassModel struct {
	ID          string    `gorm:"primaryKey"`
	ActivatedBy string    `gorm:"not null"`
	Reason      string    `gorm:"not null"`
	Status      string    `gorm:"not null"`
	ActivatedAt time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null"`
	ClosedAt    *time.Time
	ClosedBy    *string
}

func (BreakGlassModel) TableName() string { return "break_glass_sessions" }

type AnchorModel struct {
	ID              int64     `gorm:"primaryKey"`
	PeriodStart     time.Time `gorm:"not null"`
	PeriodEnd       time.Time `gorm:"not null"`
	MerkleRoot      *string
	Status          string `gorm:"not null"`
	EventsCount     int    `gorm:"not null"`
	ChainID         *string
	ContractAddress *string
	AnchorKey       *string
	TxHash          *string
	BlockNumber     *int64
	LogIndex        *int64
	PublishedAt     *time.Time
	AnchoredAt      *time.Time
	FailureReason   *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (AnchorModel) TableName() string { return "anchors" }

type AnchorAttemptModel struct {
	ID        int64  `gorm:"primaryKey"`
	AnchorID  int64  `gorm:"not null"`
	Operation string `gorm:"not null"`
	Status    string `gorm:"not null"`
	ErrorCode *string
	Detail    *string
	TxHash    *string
	CreatedAt time.Time `gorm:"not null"`
}

func (AnchorAttemptModel) TableName() string { return "anchor_attempts" }

type AnchorReceiptModel struct {
	ID               int64  `gorm:"primaryKey"`
	AnchorID         int64  `gorm:"not null"`
	ChainID          string `gorm:"not null"`
	ContractAddress  string `gorm:"not null"`
	TxHash           string `gorm:"not null"`
	BlockNumber      int64  `gorm:"not null"`
	LogIndex         int64  `gorm:"not null"`
	ReceiptJSON      []byte `gorm:"column:receipt_json;type:bytea"`
	ReceiptTruncated bool   `gorm:"not null"`
	ReceiptSizeBytes int    `gorm:"not null"`
	ReceiptSHA256    string `gorm:"column:receipt_sha256;not null"`
	CreatedAt        time.Time
}

func (AnchorReceiptModel) TableName() string { return "anchor_receipts" }

type ReplayKeyModel struct {
	IdempotencyKey string `gorm:"primaryKey"`
	Status         string `gorm:"not null"`
	EventID        *int64
	ReservedAt     time.Time `gorm:"not null"`
	ReplayedAt     *time.Time
}

const (
	replayStatusReserved = "reserved"
	replayStatusReplayed = "replayed"
)

func (ReplayKeyModel) TableName() string { return "dead_letter_replays" }
