// Package schedule fires each source type's check cycle on its own interval.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"pagewatch/metrics"
	"pagewatch/pkg/notifier"

	"github.com/robfig/cron/v3"
)

// ErrBusy is returned by RunNow when a cycle already holds the gate.
var ErrBusy = errors.New("check already running")

// Checker runs one check cycle for a source type.
type Checker interface {
	Check(ctx context.Context, src notifier.SourceType) error
}

// Options configures the scheduler. A zero or negative interval disables
// that source's timer.
type Options struct {
	Intervals  map[notifier.SourceType]time.Duration
	Jitter     time.Duration // Random delay in [0, Jitter) before each scheduled check
	Timeout    time.Duration // Upper bound on one cycle
	SharedGate bool
}

// Scheduler drives periodic checks through a single-flight Gate.
type Scheduler struct {
	baseCtx context.Context
	checker Checker
	logger  *slog.Logger
	cron    *cron.Cron
	gate    *Gate
	cancel  context.CancelFunc
	jitter  func(limit time.Duration) time.Duration
	opts    Options
}

// New creates a scheduler. Call Start to begin firing.
func New(checker Checker, logger *slog.Logger, opts Options) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		checker: checker,
		logger:  logger,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		gate:    NewGate(opts.SharedGate),
		jitter:  randomJitter,
		opts:    opts,
		baseCtx: context.Background(),
	}
}

// Gate exposes the scheduler's single-flight gate.
func (s *Scheduler) Gate() *Gate {
	return s.gate
}

// Start registers one @every entry per enabled source and starts the cron loop.
// Ticks run under ctx; cancelling it aborts in-flight cycles.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	for _, src := range notifier.Sources {
		interval := s.opts.Intervals[src]
		if interval <= 0 {
			s.logger.Info("Source schedule disabled", "source", src)
			continue
		}

		spec := "@every " + interval.String()
		entryID, err := s.cron.AddFunc(spec, func() { s.tick(src) })
		if err != nil {
			s.cancel()
			return fmt.Errorf("schedule %s checks: %w", src, err)
		}
		s.logger.Info("Source scheduled",
			"source", src,
			"interval", interval.String(),
			"entry_id", entryID,
			"shared_gate", s.opts.SharedGate)
	}

	s.cron.Start()
	return nil
}

// Stop halts the timers, cancels in-flight cycles and waits for them to return.
func (s *Scheduler) Stop() {
	cronCtx := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	<-cronCtx.Done()
}

// RunNow runs src's cycle immediately through the same gate, without jitter.
// Returns ErrBusy when the gate is held.
func (s *Scheduler) RunNow(ctx context.Context, src notifier.SourceType) error {
	return s.run(ctx, NewRun(src, true), false)
}

func (s *Scheduler) tick(src notifier.SourceType) {
	err := s.run(s.baseCtx, NewRun(src, false), true)
	if err != nil && !errors.Is(err, ErrBusy) {
		s.logger.Error("Scheduled check failed", "source", src, "error", err)
	}
}

func (s *Scheduler) run(ctx context.Context, run Run, withJitter bool) error {
	release, holder, ok := s.gate.TryAcquire(run)
	if !ok {
		metrics.SkippedTicksTotal.WithLabelValues(string(run.Source)).Inc()
		s.logger.Warn("Check skipped, previous cycle still running",
			"source", run.Source,
			"run_id", run.ID,
			"running_source", holder.Source,
			"running_id", holder.ID,
			"running_for", time.Since(holder.Started).Round(time.Second).String())
		return ErrBusy
	}
	defer release()

	ctx = WithRun(ctx, run)

	if withJitter && s.opts.Jitter > 0 {
		delay := s.jitter(s.opts.Jitter)
		s.logger.Debug("Waiting before check", "source", run.Source, "run_id", run.ID, "delay", delay.String())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	s.logger.Info("Check started", "source", run.Source, "run_id", run.ID, "manual", run.Manual)
	err := s.checker.Check(ctx, run.Source)
	s.logger.Info("Check finished",
		"source", run.Source,
		"run_id", run.ID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err)
	return err
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
