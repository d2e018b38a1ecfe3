// Package scheduler runs periodic maintenance: task eviction and an optional
// standalone classification sweep.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/threadscan/internal/crawler"
)

// Evicter drops finished tasks older than a TTL.
type Evicter interface {
	EvictFinished(ctx context.Context, ttl time.Duration) (int, error)
}

// Scheduler wraps a cron runner. Jobs never overlap with themselves.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Scheduler. Call Start to begin running jobs.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Named("cron")}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// EvictTasks schedules removal of finished tasks older than ttl.
func (s *Scheduler) EvictTasks(spec string, ttl time.Duration, evicter Evicter) error {
	if ttl <= 0 {
		return fmt.Errorf("task ttl must be positive, got %s", ttl)
	}
	if _, err := s.cron.AddFunc(spec, s.evictJob(ttl, evicter)); err != nil {
		return fmt.Errorf("schedule eviction %q: %w", spec, err)
	}
	return nil
}

// Sweep schedules a standalone classification sweep, picking up rows left
// unclassified by earlier failures.
func (s *Scheduler) Sweep(spec string, sweeper crawler.Sweeper) error {
	if _, err := s.cron.AddFunc(spec, s.sweepJob(sweeper)); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	return nil
}

// Len reports how many jobs are registered.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", s.Len()))
}

// Stop halts scheduling, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) evictJob(ttl time.Duration, evicter Evicter) func() {
	return func() {
		n, err := evicter.EvictFinished(s.ctx, ttl)
		if err != nil {
			s.logger.Error("task eviction failed", zap.Error(err))
			return
		}
		s.logger.Debug("task eviction ran", zap.Int("evicted", n))
	}
}

func (s *Scheduler) sweepJob(sweeper crawler.Sweeper) func() {
	return func() {
		report, err := sweeper.Sweep(s.ctx)
		if err != nil {
			s.logger.Error("scheduled sweep failed", zap.Error(err))
			return
		}
		s.logger.Debug("scheduled sweep ran", zap.Int("classified", report.Classified))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
