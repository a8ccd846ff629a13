package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"evidenceledger/internal/config"
	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/anchor/blockchain"
	"evidenceledger/internal/infra/anchor/evm"
	"evidenceledger/internal/infra/db"
	"evidenceledger/internal/infra/deadletter"
	"evidenceledger/internal/infra/keys/soft"
	"evidenceledger/internal/infra/keys/vault"
	"evidenceledger/internal/infra/memstore"
	"evidenceledger/internal/infra/metrics"
	"evidenceledger/internal/usecase"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const ToolName = "evidence-ledger"

// Version is overridden at link time.
var Version = "dev"

// NewLogger builds the process logger. Development mode switches to the
// console encoder.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Dev() {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zapcore.ParseLevel(strings.ToLower(cfg.LogLevel))
		if err != nil {
			return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

// Repositories is the storage backend chosen at startup.
type Repositories struct {
	Ledger         usecase.LedgerRepository
	Keys           usecase.SigningKeyRepository
	Material       usecase.KeyMaterialStore
	KeyRequests    usecase.KeyRequestRepository
	BreakGlass     usecase.BreakGlassRepository
	Anchors        domain.AnchorRepository
	AnchorAttempts domain.AnchorAttemptRepository
	AnchorReceipts domain.AnchorReceiptRepository
	ReplayKeys     usecase.ReplayKeyRepository
	Mode           string
}

// NewRepositories uses postgres when the store is enabled and the in-memory
// stores otherwise. In no-db mode nothing survives a restart. Private key
// material goes to Vault whenever VAULT_ADDR is set.
func NewRepositories(cfg config.Config, store *db.Store, logger *zap.Logger) (Repositories, error) {
	repos := newRepositories(store, logger)
	if cfg.VaultAddr != "" {
		material, err := vault.NewStoreFromConfig(cfg)
		if err != nil {
			return Repositories{}, fmt.Errorf("vault key store: %w", err)
		}
		repos.Material = material
	}
	return repos, nil
}

func newRepositories(store *db.Store, logger *zap.Logger) Repositories {
	if store.Enabled() {
		return Repositories{
			Ledger:         db.NewLedgerRepository(store.DB, logger),
			Keys:           db.NewSigningKeyRepository(store.DB),
			Material:       db.NewKeyMaterialRepository(store.DB),
			KeyRequests:    db.NewKeyRequestRepository(store.DB),
			BreakGlass:     db.NewBreakGlassRepository(store.DB),
			Anchors:        db.NewAnchorRepository(store.DB),
			AnchorAttempts: db.NewAnchorAttemptRepository(store.DB),
			AnchorReceipts: db.NewAnchorReceiptRepository(store.DB),
			ReplayKeys:     db.NewReplayKeyRepository(store.DB),
			Mode:           "db",
		}
	}
	return Repositories{
		Ledger:         memstore.NewLedger(),
		Keys:           memstore.NewSigningKeys(),
		Material:       soft.NewManager(),
		KeyRequests:    memstore.NewKeyRequests(),
		BreakGlass:     memstore.NewBreakGlass(),
		Anchors:        memstore.NewAnchors(),
		AnchorAttempts: memstore.NewAnchorAttempts(),
		AnchorReceipts: memstore.NewAnchorReceipts(),
		ReplayKeys:     memstore.NewReplayKeys(),
		Mode:           "no-db",
	}
}

// Services holds the wired use cases shared by the daemon and the CLI.
type Services struct {
	Repos      Repositories
	Signer     *usecase.SigningService
	Ledger     *usecase.Ledger
	Events     *usecase.EventEmitter
	Lifecycle  *usecase.KeyLifecycleService
	BreakGlass *usecase.BreakGlassService
	Anchors    *usecase.AnchorEngine
	Verifier   *usecase.Verifier
	Replayer   *usecase.DeadLetterReplayer
	DeadLetter *deadletter.Recorder
}

// NewServices wires every use case over repos and provisions the first
// signing key when none is active.
func NewServices(ctx context.Context, cfg config.Config, repos Repositories, logger *zap.Logger) (*Services, error) {
	clock := usecase.Clock(func() time.Time { return time.Now().UTC() })
	recorder := metrics.NewRecorder()

	seed, err := soft.SeedFromConfig(cfg.SigningPrivateKeySeedHex)
	if err != nil {
		return nil, err
	}
	signer := usecase.NewSigningService(repos.Keys, repos.Material, clock, logger)
	signer.BootstrapSeed = seed
	if _, err := signer.EnsureKeys(ctx); err != nil {
		return nil, fmt.Errorf("ensure signing keys: %w", err)
	}

	sink, err := deadletter.NewRecorder(cfg.DeadLetterPath,
		deadletter.WithLogger(logger),
		deadletter.WithCounter(metrics.DeadLetterEntries))
	if err != nil {
		return nil, fmt.Errorf("open dead-letter file: %w", err)
	}

	ledger := usecase.NewLedger(repos.Ledger, signer, sink, clock, logger)
	ledger.Metrics = recorder
	events := usecase.NewEventEmitter(ledger, logger)

	lifecycle := usecase.NewKeyLifecycleService(repos.KeyRequests, repos.Keys, signer, events, clock, logger)
	lifecycle.Operator = signer
	lifecycle.ApprovalTimeout = cfg.KeyApprovalTimeout
	lifecycle.ExecutionWindow = cfg.KeyExecutionWindow
	signer.Mandates = lifecycle

	breakGlass := usecase.NewBreakGlassService(repos.BreakGlass, events, clock, logger)
	breakGlass.Window = cfg.BreakGlassWindow

	registry, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}
	anchors := usecase.NewAnchorEngine(repos.Anchors, repos.Ledger, registry, clock, logger)
	anchors.Attempts = repos.AnchorAttempts
	anchors.Receipts = repos.AnchorReceipts
	anchors.Events = events
	anchors.Metrics = recorder
	anchors.PublishEnabled = cfg.AnchorPublishEnabled
	anchors.ConfirmEnabled = cfg.AnchorConfirmEnabled
	anchors.RequestTimeout = cfg.AnchorRequestTimeout
	anchors.Period = cfg.AnchorPeriod
	anchors.Lookback = cfg.AnchorLookback
	anchors.Grace = cfg.AnchorGrace

	verifier := usecase.NewVerifier(repos.Ledger, repos.Keys, repos.Anchors, domain.ToolInfo{Name: ToolName, Version: Version}, logger)
	verifier.Clock = clock

	return &Services{
		Repos:      repos,
		Signer:     signer,
		Ledger:     ledger,
		Events:     events,
		Lifecycle:  lifecycle,
		BreakGlass: breakGlass,
		Anchors:    anchors,
		Verifier:   verifier,
		Replayer:   usecase.NewDeadLetterReplayer(ledger, repos.ReplayKeys, clock, logger),
		DeadLetter: sink,
	}, nil
}

// newRegistry returns the JSON-RPC client when an RPC URL is configured and
// the in-process simulated chain otherwise.
func newRegistry(cfg config.Config) (domain.ChainRegistry, error) {
	if cfg.AnchorChainRPCURL == "" {
		return blockchain.NewSimulated(cfg.AnchorChainID, cfg.AnchorContractAddress), nil
	}
	client, err := evm.NewClient(cfg.AnchorChainRPCURL, cfg.AnchorChainID, cfg.AnchorContractAddress, cfg.AnchorFromAddress,
		&http.Client{Timeout: cfg.AnchorRequestTimeout})
	if err != nil {
		return nil, fmt.Errorf("anchor chain client: %w", err)
	}
	return client, nil
}
