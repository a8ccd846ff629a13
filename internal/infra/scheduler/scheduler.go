package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	JobOutcomeOK      = "ok"
	JobOutcomeError   = "error"
	JobOutcomeSkipped = "skipped"
)

var ErrUnknownJob = errors.New("unknown job")

// Job is one named periodic task. Run receives a context bounded by the lock
// TTL so a hung run cannot outlive its lock.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type JobMetrics interface {
	ObserveJob(name, outcome string)
}

type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	lockTTL time.Duration
	metrics JobMetrics
	logger  *zap.Logger

	mu   sync.Mutex
	jobs map[string]Job
	// base is the Run context; scheduled runs derive from it.
	base context.Context
}

func New(locker Locker, lockTTL time.Duration, metrics JobMetrics, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if lockTTL <= 0 {
		lockTTL = 4 * time.Minute
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{logger.Sugar()}))),
		locker:  locker,
		lockTTL: lockTTL,
		metrics: metrics,
		logger:  logger,
		jobs:    make(map[string]Job),
	}
}

// Add registers job on its cron schedule. Standard five-field specs and
// descriptors such as "@every 5m" are accepted.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job name and run func are required")
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() {
		_ = s.run(s.baseContext(), job)
	}); err != nil {
		return err
	}
	s.jobs[job.Name] = job
	return nil
}

// Trigger runs a registered job immediately, under the same lock as the
// scheduled runs.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, job)
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for
// in-flight jobs. Scheduled runs see ctx, so cancelling it also cancels them.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		return context.Background()
	}
	return s.base
}

func (s *Scheduler) run(parent context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(parent, s.lockTTL)
	defer cancel()

	release, ok, err := s.locker.TryLock(ctx, job.Name, s.lockTTL)
	if err != nil {
		s.logger.Warn("job lock unavailable", zap.String("job", job.Name), zap.Error(err))
		s.observe(job.Name, JobOutcomeError)
		return fmt.Errorf("lock job %s: %w", job.Name, err)
	}
	if !ok {
		s.logger.Debug("job already running elsewhere", zap.String("job", job.Name))
		s.observe(job.Name, JobOutcomeSkipped)
		return nil
	}
	defer release()

	started := time.Now()
	err = job.Run(ctx)
	fields := []zap.Field{zap.String("job", job.Name), zap.Duration("duration", time.Since(started))}
	if err != nil {
		s.logger.Error("job failed", append(fields, zap.Error(err))...)
		s.observe(job.Name, JobOutcomeError)
		return err
	}
	s.logger.Debug("job finished", fields...)
	s.observe(job.Name, JobOutcomeOK)
	return nil
}

func (s *Scheduler) observe(name, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveJob(name, outcome)
	}
}

// cronLogger adapts zap to cron.Logger for panic recovery output.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
