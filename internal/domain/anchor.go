package domain

import (
	"context"
	"encoding/json"
	"time"
)

type AnchorStatus string

const (
	AnchorStatusEmpty     AnchorStatus = "empty"
	AnchorStatusPending   AnchorStatus = "pending"
	AnchorStatusConfirmed AnchorStatus = "confirmed"
	AnchorStatusFailed    AnchorStatus = "failed"
)

func (s AnchorStatus) Terminal() bool {
	return s == AnchorStatusEmpty || s == AnchorStatusConfirmed || s == AnchorStatusFailed
}

// Anchor commits the Merkle root of one half-open period [PeriodStart, PeriodEnd).
type Anchor struct {
	ID              int64
	PeriodStart     time.Time
	PeriodEnd       time.Time
	MerkleRoot      *string
	Status          AnchorStatus
	EventsCount     int
	ChainID         string
	ContractAddress string
	AnchorKey       string
	TxHash          string
	BlockNumber     *int64
	LogIndex        *int64
	PublishedAt     *time.Time
	AnchoredAt      *time.Time
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a Anchor) Published() bool {
	return a.TxHash != ""
}

// AnchorSubmission is the outbound commitment sent to the registry contract.
type AnchorSubmission struct {
	AnchorID    int64
	AnchorKey   string
	MerkleRoot  string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

type PublishReceipt struct {
	TxHash          string
	ChainID         string
	ContractAddress string
}

type ChainLog struct {
	Address  string   `json:"address"`
	Topics   []string `json:"topics"`
	Data     string   `json:"data"`
	LogIndex int64    `json:"logIndex"`
}

// ChainReceipt is the inbound transaction receipt. Raw keeps the provider's
// bytes for archival.
type ChainReceipt struct {
	Success     bool
	BlockNumber int64
	Logs        []ChainLog
	Raw         json.RawMessage
}

type PublishOutcome struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	TxHash string `json:"tx_hash,omitempty"`
}

type ConfirmOutcome struct {
	OK     bool         `json:"ok"`
	Reason string       `json:"reason,omitempty"`
	Status AnchorStatus `json:"status,omitempty"`
}

type AnchorAttempt struct {
	AnchorID  int64
	Operation string
	Status    string
	ErrorCode string
	Detail    string
	TxHash    string
	CreatedAt time.Time
}

// AnchorReceipt is the archived raw receipt of a confirmed anchor.
type AnchorReceipt struct {
	AnchorID         int64
	ChainID          string
	ContractAddress  string
	TxHash           string
	BlockNumber      int64
	LogIndex         int64
	ReceiptJSON      json.RawMessage
	ReceiptTruncated bool
	ReceiptSizeBytes int
	ReceiptSHA256    string
	CreatedAt        time.Time
}

const (
	AnchorOperationPublish = "publish"
	AnchorOperationConfirm = "confirm"
)

const (
	AttemptStatusOK      = "ok"
	AttemptStatusFailed  = "failed"
	AttemptStatusSkipped = "skipped"
)

const (
	AnchorErrorNetwork       = "NETWORK"
	AnchorErrorRateLimit     = "RATE_LIMIT"
	AnchorErrorBadConfig     = "BAD_CONFIG"
	AnchorErrorProviderError = "PROVIDER_ERROR"
	AnchorErrorProvider5xx   = "PROVIDER_5XX"
	AnchorErrorPersistence   = "PERSISTENCE"
	AnchorErrorTimeout       = "TIMEOUT"
	AnchorErrorReverted      = "REVERTED"
)

// ChainRegistry is the external, independently auditable chain anchors are
// committed to.
type ChainRegistry interface {
	Publish(ctx context.Context, sub AnchorSubmission) (PublishReceipt, error)
	// Receipt returns (nil, nil) while the transaction is unknown or unmined.
	Receipt(ctx context.Context, txHash string) (*ChainReceipt, error)
	// EventTopic is topic0 of the contract event emitted for an anchor.
	EventTopic() string
}

type AnchorRepository interface {
	// CreateForPeriod inserts or returns the existing anchor for the exact
	// period. created is false when an existing row was returned.
	CreateForPeriod(ctx context.Context, anchor Anchor) (Anchor, bool, error)
	Get(ctx context.Context, id int64) (*Anchor, error)
	GetByPeriod(ctx context.Context, start, end time.Time) (*Anchor, error)
	List(ctx context.Context, status AnchorStatus, limit int) ([]Anchor, error)
	Latest(ctx context.Context) (*Anchor, error)
	MarkPublished(ctx context.Context, id int64, rec PublishReceipt, anchorKey string, at time.Time) error
	MarkConfirmed(ctx context.Context, id int64, blockNumber, logIndex int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, reason string, at time.Time) error
}

type AnchorAttemptRepository interface {
	Append(ctx context.Context, attempt AnchorAttempt) error
	ListByAnchor(ctx context.Context, anchorID int64) ([]AnchorAttempt, error)
}

type AnchorReceiptRepository interface {
	Put(ctx context.Context, receipt AnchorReceipt) error
	Get(ctx context.Context, anchorID int64) (*AnchorReceipt, error)
}

// AnchorProof shows that an event's block_hash is a leaf of an anchor's root.
type AnchorProof struct {
	AnchorID   int64    `json:"anchor_id"`
	EventID    int64    `json:"event_id"`
	Leaf       string   `json:"leaf"`
	Path       []string `json:"path"`
	MerkleRoot string   `json:"merkle_root"`
	Verified   bool     `json:"verified"`
}
