// Package retention runs delivery log cleanup on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/felipemaragno/cmshooks/internal/observability"
)

// Cleaner removes expired delivery logs. *dispatch.Dispatcher implements it.
type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// Scheduler triggers Cleaner on a standard cron expression such as
// "0 3 * * *" or "@daily", evaluated in UTC. Runs never overlap.
type Scheduler struct {
	cron     *cron.Cron
	cleaner  Cleaner
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

func NewScheduler(schedule string, cleaner Cleaner, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	cl := cronLogger{logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		cleaner:  cleaner,
		schedule: schedule,
		timeout:  10 * time.Minute,
		logger:   logger,
	}
	if _, err := s.cron.AddFunc(schedule, func() { _, _ = s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("log cleanup scheduled", "schedule", s.schedule, "next_run", s.Next())
}

// Stop prevents further runs and waits for a running cleanup, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("log cleanup still running at shutdown")
	}
}

// Next returns the time of the next scheduled run, or the zero time when
// the scheduler is not running.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce performs one cleanup immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	deleted, err := s.cleaner.Cleanup(ctx)
	if err != nil {
		s.logger.Error("scheduled log cleanup failed", "error", err)
		return 0, err
	}
	s.logger.Info("scheduled log cleanup finished",
		"deleted", deleted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return deleted, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
