package autorelease

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/syncutil"
)

const (
	dueLease     = "koc:sweep:auto-release:due"
	warningLease = "koc:sweep:auto-release:warning"
	leaseTTL     = 10 * time.Minute
)

// Runner drives the due and warning sweeps on cron schedules. Each sweep
// takes a lease first, so with a shared lease only one instance runs it.
type Runner struct {
	service *Service
	lease   syncutil.Lease
	logger  *slog.Logger
	cron    *cron.Cron

	dueSchedule     string
	warningSchedule string

	dueRunning     atomic.Bool
	warningRunning atomic.Bool
	started        atomic.Bool
}

// NewRunner creates a runner. Schedules use robfig/cron syntax, including
// descriptors such as "@hourly" and "@every 30m".
func NewRunner(service *Service, lease syncutil.Lease, dueSchedule, warningSchedule string, logger *slog.Logger) *Runner {
	if lease == nil {
		lease = syncutil.NewLocalLease()
	}
	return &Runner{
		service:         service,
		lease:           lease,
		logger:          logger,
		dueSchedule:     dueSchedule,
		warningSchedule: warningSchedule,
	}
}

// Running reports whether the cron loop is active.
func (r *Runner) Running() bool {
	return r.started.Load()
}

// Start registers both sweeps and starts the cron loop. It returns once
// the loop is running; ctx bounds the sweeps themselves.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.Recover(logging.Cron(r.logger)),
		cron.SkipIfStillRunning(logging.Cron(r.logger)),
	))
	if _, err := c.AddFunc(r.dueSchedule, func() { r.RunDue(ctx) }); err != nil {
		return fmt.Errorf("due sweep schedule %q: %w", r.dueSchedule, err)
	}
	if _, err := c.AddFunc(r.warningSchedule, func() { r.RunWarnings(ctx) }); err != nil {
		return fmt.Errorf("warning sweep schedule %q: %w", r.warningSchedule, err)
	}
	r.cron = c
	c.Start()
	r.started.Store(true)
	r.logger.Info("auto-release scheduler started", "due", r.dueSchedule, "warnings", r.warningSchedule)
	return nil
}

// Stop stops scheduling new sweeps and waits for running ones to finish
// or ctx to expire.
func (r *Runner) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	done := r.cron.Stop()
	r.started.Store(false)
	select {
	case <-done.Done():
	case <-ctx.Done():
		r.logger.Warn("auto-release scheduler stop timed out")
	}
}

// RunDue runs one due sweep unless another is in progress here or on
// another instance.
func (r *Runner) RunDue(ctx context.Context) {
	r.run(ctx, "due", dueLease, &r.dueRunning, func(ctx context.Context) (*SweepResult, error) {
		return r.service.RunDueSweep(ctx)
	})
}

// RunWarnings runs one warning sweep.
func (r *Runner) RunWarnings(ctx context.Context) {
	r.run(ctx, "warning", warningLease, &r.warningRunning, func(ctx context.Context) (*SweepResult, error) {
		return r.service.RunWarningSweep(ctx)
	})
}

func (r *Runner) run(ctx context.Context, name, lease string, running *atomic.Bool, sweep func(context.Context) (*SweepResult, error)) {
	if !running.CompareAndSwap(false, true) {
		metrics.SchedulerSweepsTotal.WithLabelValues(name, "skipped").Inc()
		return
	}
	defer running.Store(false)

	release, ok, err := r.lease.TryAcquire(ctx, lease, leaseTTL)
	if err != nil {
		r.logger.Warn("sweep lease unavailable", "sweep", name, "error", err)
		metrics.SchedulerSweepsTotal.WithLabelValues(name, "error").Inc()
		return
	}
	if !ok {
		r.logger.Debug("sweep held by another instance", "sweep", name)
		metrics.SchedulerSweepsTotal.WithLabelValues(name, "skipped").Inc()
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, leaseTTL)
	defer cancel()
	ctx = logging.WithLogger(ctx, r.logger.With("sweep", name))

	start := time.Now()
	res, err := sweep(ctx)
	if err != nil {
		r.logger.Warn("sweep failed", "sweep", name, "error", err, "duration", time.Since(start))
		return
	}
	r.logger.Debug("sweep finished", "sweep", name, "duration", time.Since(start), "result", res)
}
