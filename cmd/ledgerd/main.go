package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"evidenceledger/internal/app"
	"evidenceledger/internal/config"
	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/db"
	httpinfra "evidenceledger/internal/infra/http"
	"evidenceledger/internal/infra/metrics"
	"evidenceledger/internal/infra/policyopa"
	"evidenceledger/internal/infra/ratelimit"
	"evidenceledger/internal/infra/scheduler"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.FromEnv()
	logger, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("ledgerd exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := db.NewStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer func() { _ = store.Close() }()

	repos, err := app.NewRepositories(cfg, store, logger)
	if err != nil {
		return err
	}
	services, err := app.NewServices(ctx, cfg, repos, logger)
	if err != nil {
		return err
	}

	validator, err := policyopa.NewDefaultEngine(ctx)
	if err != nil {
		return fmt.Errorf("load payload policy: %w", err)
	}

	limiter, locker, closeRedis, err := coordination(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRedis()

	sched := scheduler.New(locker, cfg.JobLockTTL, metrics.NewRecorder(), logger)
	if err := sched.Add(scheduler.Job{
		Name:     "anchor",
		Schedule: cfg.AnchorSchedule,
		Run: func(ctx context.Context) error {
			report, err := services.Anchors.AnchorDue(ctx)
			if err != nil {
				return err
			}
			logger.Info("anchor run finished",
				zap.Int("created", report.Created),
				zap.Int("published", report.Published),
				zap.Int("confirmed", report.Confirmed),
				zap.Int("failed", report.Failed))
			return nil
		},
	}); err != nil {
		return err
	}
	if err := sched.Add(scheduler.Job{
		Name:     "sweep",
		Schedule: cfg.SweepSchedule,
		Run: func(ctx context.Context) error {
			requests, err := services.Lifecycle.ExpireTimedOutRequests(ctx)
			if err != nil {
				return err
			}
			sessions, err := services.BreakGlass.ExpireSessions(ctx)
			if err != nil {
				return err
			}
			if requests > 0 || sessions > 0 {
				logger.Info("expired workflow items", zap.Int("key_requests", requests), zap.Int("break_glass_sessions", sessions))
			}
			return nil
		},
	}); err != nil {
		return err
	}

	srv := httpinfra.NewServer(cfg, httpinfra.ServerDeps{
		Ledger:      services.Ledger,
		Signer:      services.Signer,
		Anchors:     services.Anchors,
		KeyRequests: services.Lifecycle,
		BreakGlass:  services.BreakGlass,
		Verifier:    services.Verifier,
		Validator:   validator,
		RateLimiter: limiter,
		Health:      store.Ping,
		Mode:        repos.Mode,
		Logger:      logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	return g.Wait()
}

// coordination picks the shared redis backends when REDIS_ADDR is set, so
// rate limits and job locks hold across replicas. Without redis both stay
// local to this process.
func coordination(ctx context.Context, cfg config.Config) (domain.RateLimiter, scheduler.Locker, func(), error) {
	budgets := ratelimit.BudgetsFromConfig(cfg)
	if cfg.RedisAddr == "" {
		limiter, err := ratelimit.NewLimiter(ratelimit.NewMemoryCounter(ratelimit.MemoryCounterConfig{MaxKeys: cfg.RateLimitMaxKeys}), budgets)
		if err != nil {
			return nil, nil, nil, err
		}
		return limiter, scheduler.NewLocalLocker(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	counter, err := ratelimit.NewRedisCounter(client, nil)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	limiter, err := ratelimit.NewLimiter(counter, budgets)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	locker, err := scheduler.NewRedisLocker(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	return limiter, locker, func() { _ = client.Close() }, nil
}
