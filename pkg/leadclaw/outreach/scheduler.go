package outreach

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// batchRunner starts pending conversations. Satisfied by *Engine; tests
// substitute fakes.
type batchRunner interface {
	InitiatePending(ctx context.Context, limit int) ([]InitiateResult, error)
}

// Scheduler fires outreach runs on a cron schedule. Each run initiates up to
// the configured number of pending contacts; a run still going when the next
// tick fires makes the tick a no-op.
type Scheduler struct {
	runner batchRunner
	cfg    OutreachConfig
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates the outreach scheduler. Nothing fires until Start.
func NewScheduler(runner batchRunner, cfg OutreachConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
	}
}

// Start registers the cron entry and begins ticking. A disabled or
// unscheduled config is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled || s.cfg.Schedule == "" {
		s.logger.Debug("outreach scheduler disabled")
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.runBatch); err != nil {
		return fmt.Errorf("invalid outreach schedule %q: %w", s.cfg.Schedule, err)
	}

	s.cron.Start()
	s.logger.Info("outreach scheduler started",
		"schedule", s.cfg.Schedule,
		"batch_limit", s.cfg.BatchLimit)
	return nil
}

// Stop halts the cron loop, waiting briefly for a run in flight.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// runBatch is one scheduled outreach run.
func (s *Scheduler) runBatch() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("skipping outreach run, previous run still going")
		return
	}
	s.running = true
	s.mu.Unlock()

	runID := uuid.New().String()[:8]
	logger := s.logger.With("run_id", runID)

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		// One bad run must not take the cron loop down with it.
		if r := recover(); r != nil {
			logger.Error("outreach run panicked", "panic", r)
		}
	}()

	limit := s.cfg.BatchLimit
	if limit <= 0 {
		limit = 10
	}

	logger.Info("outreach run started", "batch_limit", limit)
	start := time.Now()

	results, err := s.runner.InitiatePending(s.ctx, limit)
	if err != nil {
		logger.Error("outreach run failed", "error", err)
		return
	}

	initiated, failed := 0, 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		} else {
			initiated++
		}
	}
	logger.Info("outreach run complete",
		"initiated", initiated,
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds())
}
