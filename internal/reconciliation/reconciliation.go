// Package reconciliation settles provider transfers whose outcome was
// unknown when they were sent: releases and refunds left EXECUTING after
// a timeout or a pending provider answer.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kocbridge/escrow/internal/escrow"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
)

const (
	defaultBatch  = 100
	defaultMinAge = time.Minute
)

// Escrow is the part of the escrow engine reconciliation needs.
// *escrow.Service satisfies it.
type Escrow interface {
	ListExecutingReleases(ctx context.Context, limit int) ([]*escrow.FundRelease, error)
	ListExecutingRefunds(ctx context.Context, limit int) ([]*escrow.Refund, error)
	ReconcileRelease(ctx context.Context, releaseID string) (*escrow.FundRelease, error)
	ReconcileRefund(ctx context.Context, refundID string) (*escrow.Refund, error)
}

// Report summarizes one reconciliation run.
type Report struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
}

// Service queries providers for in-flight transfers.
type Service struct {
	escrow Escrow
	batch  int
	// Transfers younger than minAge may still be inside their send call.
	minAge time.Duration
	now    func() time.Time
}

// NewService creates a reconciliation service.
func NewService(e Escrow) *Service {
	return &Service{
		escrow: e,
		batch:  defaultBatch,
		minAge: defaultMinAge,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithMinAge sets how old a transfer must be before it is queried.
func (s *Service) WithMinAge(d time.Duration) *Service {
	if d >= 0 {
		s.minAge = d
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (r *Report) count(kind string, status escrow.TransferStatus, err error) {
	outcome := "pending"
	switch {
	case err != nil:
		r.Errors++
		outcome = "error"
		reconcileErrors.Inc()
	case status == escrow.TransferCompleted:
		r.Completed++
		outcome = "completed"
	case status == escrow.TransferFailed:
		r.Failed++
		outcome = "failed"
	default:
		r.Pending++
	}
	reconcileOutcomes.WithLabelValues(kind, outcome).Inc()
}

// RunOnce reconciles one batch of executing releases and refunds. Errors
// for single transfers are counted and joined; the run continues past them.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	log := logging.L(ctx)
	cutoff := s.now().Add(-s.minAge)
	report := &Report{}
	var errs []error

	releases, err := s.escrow.ListExecutingReleases(ctx, s.batch)
	if err != nil {
		return nil, fmt.Errorf("list executing releases: %w", err)
	}
	for _, r := range releases {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if r.UpdatedAt.After(cutoff) {
			report.Skipped++
			continue
		}
		report.Checked++
		got, err := s.escrow.ReconcileRelease(ctx, r.ID)
		status := r.Status
		if got != nil {
			status = got.Status
		}
		report.count("release", status, err)
		if err != nil {
			log.Warn("release reconciliation failed", "release_id", r.ID, "contract_id", r.ContractID, "error", err)
			errs = append(errs, fmt.Errorf("release %s: %w", r.ID, err))
		} else if status != r.Status {
			log.Info("release reconciled", "release_id", r.ID, "contract_id", r.ContractID, "status", string(status))
		}
	}

	refunds, err := s.escrow.ListExecutingRefunds(ctx, s.batch)
	if err != nil {
		return report, errors.Join(append(errs, fmt.Errorf("list executing refunds: %w", err))...)
	}
	for _, r := range refunds {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if r.UpdatedAt.After(cutoff) {
			report.Skipped++
			continue
		}
		report.Checked++
		got, err := s.escrow.ReconcileRefund(ctx, r.ID)
		status := r.Status
		if got != nil {
			status = got.Status
		}
		report.count("refund", status, err)
		if err != nil {
			log.Warn("refund reconciliation failed", "refund_id", r.ID, "contract_id", r.ContractID, "error", err)
			errs = append(errs, fmt.Errorf("refund %s: %w", r.ID, err))
		} else if status != r.Status {
			log.Info("refund reconciled", "refund_id", r.ID, "contract_id", r.ContractID, "status", string(status))
		}
	}

	metrics.PendingReconciliations.Set(float64(report.Pending + report.Errors + report.Skipped))
	return report, errors.Join(errs...)
}
