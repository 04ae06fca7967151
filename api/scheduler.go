/*
scheduler.go - Cron jobs for expiry and settlement

PURPOSE:
  Runs the expiry sweep and the settlement of the previous month on cron
  schedules, in-process, next to the HTTP server.

DESIGN:
  - robfig/cron with the standard 5-field parser (descriptors like @daily
    work too)
  - a job that is still running when its next tick fires is skipped
  - Stop cancels the context handed to running jobs, then waits for them;
    both jobs stop between accounts and resume safely

CONFIGURATION:
  - SweepSpec:      default "@daily"
  - SettlementSpec: default "0 2 1 * *" (02:00 on the 1st)
  - RunOnStart:     run both jobs once right after Start

USAGE:
  s, err := NewScheduler(sweeper, batcher, SchedulerOptions{}, logger)
  s.Start()
  // ... later
  s.Stop(ctx)

SEE ALSO:
  - handlers.go: TriggerSweep and TriggerSettlement (manual runs)
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/salonhub/ledger-engine/expiry"
	"github.com/salonhub/ledger-engine/metrics"
	"github.com/salonhub/ledger-engine/settlement"
)

type SchedulerOptions struct {
	SweepSpec      string
	SettlementSpec string
	RunOnStart     bool
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Scheduler owns the cron runner.
type Scheduler struct {
	sweeper    *expiry.Sweeper
	batcher    *settlement.Batcher
	metrics    *metrics.Metrics
	now        func() time.Time
	runOnStart bool
	logger     *zap.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(sweeper *expiry.Sweeper, batcher *settlement.Batcher, opts SchedulerOptions, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SweepSpec == "" {
		opts.SweepSpec = "@daily"
	}
	if opts.SettlementSpec == "" {
		opts.SettlementSpec = "0 2 1 * *"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sweeper:    sweeper,
		batcher:    batcher,
		metrics:    opts.Metrics,
		now:        opts.Now,
		runOnStart: opts.RunOnStart,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	cl := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(opts.SweepSpec, s.RunSweep); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", opts.SweepSpec, err)
	}
	if _, err := s.cron.AddFunc(opts.SettlementSpec, s.RunSettlement); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid settlement schedule %q: %w", opts.SettlementSpec, err)
	}
	return s, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cron.Start()
	if s.runOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RunSweep()
			s.RunSettlement()
		}()
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop cancels running jobs and waits for them, or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out, jobs still running")
	}
}

// RunSweep runs one expiry sweep (cron job, also usable directly).
func (s *Scheduler) RunSweep() {
	report, err := s.sweeper.Run(s.ctx)
	if err != nil {
		s.logger.Error("scheduled expiry sweep failed", zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveSweep(report)
	}
}

// RunSettlement settles the month before now.
func (s *Scheduler) RunSettlement() {
	period := settlement.PreviousPeriod(s.now())
	report, err := s.batcher.Trigger(s.ctx, period)
	if err != nil {
		s.logger.Error("scheduled settlement failed", zap.String("period", period), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveSettlement(report)
	}
}

// NextRuns returns the next activation of every job.
func (s *Scheduler) NextRuns() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
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
