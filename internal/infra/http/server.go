package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"evidenceledger/internal/config"
	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/metrics"
	"evidenceledger/internal/usecase"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	cfg    config.Config
	r      *gin.Engine
	logger *zap.Logger

	ledger      *usecase.Ledger
	signer      *usecase.SigningService
	anchors     *usecase.AnchorEngine
	keyRequests *usecase.KeyLifecycleService
	breakGlass  *usecase.BreakGlassService
	verifier    *usecase.Verifier
	validator   usecase.PayloadValidator
	health      func(ctx context.Context) error
	mode        string

	adminAPIKey string

	rateLimiter         domain.RateLimiter
	rateLimitFailClosed bool
	now                 func() time.Time
}

type ServerDeps struct {
	Ledger      *usecase.Ledger
	Signer      *usecase.SigningService
	Anchors     *usecase.AnchorEngine
	KeyRequests *usecase.KeyLifecycleService
	BreakGlass  *usecase.BreakGlassService
	Verifier    *usecase.Verifier
	Validator   usecase.PayloadValidator
	RateLimiter domain.RateLimiter
	// Health reports backing store reachability. Nil means always healthy.
	Health func(ctx context.Context) error
	// Mode is reported by /healthz ("db" or "no-db").
	Mode   string
	Logger *zap.Logger
	// Now defaults to time.Now and only feeds rate limit headers.
	Now func() time.Time
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		cfg:                 cfg,
		now:                 now,
		r:                   r,
		logger:              logger,
		ledger:              deps.Ledger,
		signer:              deps.Signer,
		anchors:             deps.Anchors,
		keyRequests:         deps.KeyRequests,
		breakGlass:          deps.BreakGlass,
		verifier:            deps.Verifier,
		validator:           deps.Validator,
		health:              deps.Health,
		mode:                deps.Mode,
		adminAPIKey:         cfg.AdminAPIKey,
		rateLimiter:         deps.RateLimiter,
		rateLimitFailClosed: cfg.RateLimitFailClosed,
	}
	if s.mode == "" {
		s.mode = "no-db"
	}
	r.Use(requestID(), s.requestLogger(), metrics.GinMiddleware())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	s.r.GET("/metrics", metrics.Handler())

	v1 := s.r.Group("/v1", s.rateLimit())
	{
		v1.POST("/events", s.handleAppendEvent)
		v1.GET("/events", s.handleListEvents)
		v1.GET("/events/:id", s.handleGetEvent)
		v1.GET("/chain/verify", s.handleVerifyChain)
		v1.GET("/verification-bundle", s.handleVerificationBundle)

		v1.POST("/anchors", s.handleCreateAnchor)
		v1.GET("/anchors", s.handleListAnchors)
		v1.GET("/anchors/:id", s.handleGetAnchor)
		v1.POST("/anchors/:id/publish", s.handlePublishAnchor)
		v1.POST("/anchors/:id/confirm", s.handleConfirmAnchor)
		v1.GET("/anchors/:id/proof/:event_id", s.handleAnchorProof)

		v1.GET("/keys", s.handleListKeys)
		v1.POST("/keys/verify", s.handleVerifySignature)

		v1.POST("/key-requests", s.handleCreateKeyRequest)
		v1.GET("/key-requests", s.handleListKeyRequests)
		v1.GET("/key-requests/:id", s.handleGetKeyRequest)
		v1.POST("/key-requests/:id/:action", s.handleKeyRequestAction)

		v1.POST("/break-glass", s.handleActivateBreakGlass)
		v1.GET("/break-glass", s.handleListBreakGlass)
		v1.POST("/break-glass/:id/close", s.handleCloseBreakGlass)
	}

	s.r.NoRoute(s.handleNoRoute)
}

func (s *Server) Handler() http.Handler {
	return s.r
}

// Run serves until ctx is cancelled and then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
