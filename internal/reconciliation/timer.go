package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/syncutil"
)

const leaseName = "koc:sweep:reconciliation"

// Timer periodically runs reconciliation.
type Timer struct {
	service  *Service
	lease    syncutil.Lease
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new reconciliation timer. A nil lease runs on every
// instance.
func NewTimer(service *Service, lease syncutil.Lease, interval time.Duration, logger *slog.Logger) *Timer {
	if lease == nil {
		lease = syncutil.NewLocalLease()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		service:  service,
		lease:    lease,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// RunNow runs one reconciliation pass immediately, subject to the lease.
func (t *Timer) RunNow(ctx context.Context) {
	t.safeRun(ctx)
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	release, ok, err := t.lease.TryAcquire(ctx, leaseName, t.interval)
	if err != nil {
		t.logger.Warn("reconciliation lease unavailable", "error", err)
		return
	}
	if !ok {
		return
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, t.interval)
	defer cancel()
	runCtx = logging.WithLogger(runCtx, t.logger.With("sweep", "reconciliation"))

	report, err := t.service.RunOnce(runCtx)
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
	if report != nil && report.Checked > 0 {
		t.logger.Info("reconciliation run",
			"checked", report.Checked, "completed", report.Completed,
			"failed", report.Failed, "pending", report.Pending, "errors", report.Errors)
	}
}
