package autorelease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/escrow"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/notify"
)

// sweepBatch bounds the rules handled per sweep.
const sweepBatch = 100

// SweepResult counts what one sweep did.
type SweepResult struct {
	Executed    int `json:"executed"`
	Deferred    int `json:"deferred"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	Skipped     int `json:"skipped"`
	Warned      int `json:"warned"`
}

type outcome int

const (
	outcomeSkipped     outcome = iota
	outcomeExecuted
	outcomeDeferred
	outcomeRescheduled
	outcomeFailed
	outcomeCancelled
)

func (r *SweepResult) add(o outcome) {
	switch o {
	case outcomeExecuted:
		r.Executed++
	case outcomeDeferred:
		r.Deferred++
	case outcomeRescheduled:
		r.Rescheduled++
	case outcomeFailed:
		r.Failed++
	case outcomeCancelled:
		r.Cancelled++
	default:
		r.Skipped++
	}
}

// RunDueSweep releases every milestone whose rule is due. Failures on one
// rule never stop the sweep.
func (s *Service) RunDueSweep(ctx context.Context) (*SweepResult, error) {
	now := s.now()
	rules, err := s.store.ListDue(ctx, now, sweepBatch)
	if err != nil {
		metrics.SchedulerSweepsTotal.WithLabelValues("due", "error").Inc()
		return nil, fmt.Errorf("list due auto-releases: %w", err)
	}

	res := &SweepResult{}
	for _, r := range rules {
		if ctx.Err() != nil {
			break
		}
		o, err := s.processDue(ctx, r.ID)
		if err != nil {
			s.logger.Warn("auto-release sweep failed on rule", "rule_id", r.ID, "milestone_id", r.MilestoneID, "error", err)
		}
		res.add(o)
	}
	metrics.SchedulerSweepsTotal.WithLabelValues("due", "ok").Inc()
	if len(rules) > 0 {
		s.logger.Info("auto-release due sweep finished",
			"due", len(rules), "executed", res.Executed, "deferred", res.Deferred,
			"rescheduled", res.Rescheduled, "failed", res.Failed, "cancelled", res.Cancelled, "skipped", res.Skipped)
	}
	return res, ctx.Err()
}

func (s *Service) processDue(ctx context.Context, ruleID string) (outcome, error) {
	r, err := s.store.Get(ctx, ruleID)
	if err != nil {
		return outcomeSkipped, err
	}
	unlock, err := s.locks.Lock(ctx, r.MilestoneID)
	if err != nil {
		return outcomeSkipped, err
	}
	defer unlock()

	// Re-read under the lock; a confirmation or cancellation may have won.
	if r, err = s.store.Get(ctx, ruleID); err != nil {
		return outcomeSkipped, err
	}
	now := s.now()
	if (r.Status != StatusScheduled && r.Status != StatusWarningSent) || r.ReleaseAt.After(now) {
		return outcomeSkipped, nil
	}
	ctx = logging.WithLogger(ctx, s.logger.With("rule_id", r.ID, "milestone_id", r.MilestoneID, "contract_id", r.ContractID))

	m, err := s.milestones.GetMilestone(ctx, r.MilestoneID)
	if errors.Is(err, escrow.ErrMilestoneNotFound) {
		return outcomeCancelled, s.cancel(ctx, r, "milestone not found")
	}
	if err != nil {
		return outcomeSkipped, err
	}
	c, err := s.milestones.GetContract(ctx, m.ContractID)
	if err != nil {
		return outcomeSkipped, err
	}
	if c.Status == escrow.ContractDisputed {
		return outcomeSkipped, s.hold(ctx, r, now)
	}

	// Only the scheduler's own unfinished approval survives leaving PENDING.
	retry := m.Status == escrow.MilestoneApproved && m.ApprovedBy == auth.SystemActorID && !m.IsSettled()
	if !retry && (!m.AwaitsRelease() || c.Status.IsTerminal()) {
		return outcomeCancelled, s.cancel(ctx, r, "milestone status changed")
	}

	if r.RequiresConfirmation && !retry {
		confirmed, err := s.confirmed(ctx, r)
		if err != nil {
			return outcomeSkipped, err
		}
		if !confirmed {
			return outcomeDeferred, s.deferRelease(ctx, r, now)
		}
	}

	var rel *escrow.FundRelease
	if retry {
		rel, err = s.engine.ReleaseMilestoneFunds(ctx, r.MilestoneID, auth.SystemActorID)
	} else {
		rel, err = s.engine.AutoApprove(ctx, r.MilestoneID)
	}
	return s.record(ctx, r, rel, err)
}

// confirmed reports whether the payer confirmed after the rule was created.
func (s *Service) confirmed(ctx context.Context, r *Rule) (bool, error) {
	conf, err := s.store.LatestConfirmation(ctx, r.MilestoneID)
	if errors.Is(err, ErrConfirmationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !conf.ConfirmedAt.Before(r.CreatedAt), nil
}

func (s *Service) deferRelease(ctx context.Context, r *Rule, now time.Time) error {
	r.Status = StatusWaitingConfirmation
	r.ReleaseAt = r.ReleaseAt.Add(confirmationExtension)
	if r.ReleaseAt.Before(now) {
		r.ReleaseAt = now.Add(confirmationExtension)
	}
	r.UpdatedAt = now
	if err := s.store.Update(ctx, r); err != nil {
		return err
	}
	metrics.AutoReleasesTotal.WithLabelValues("deferred").Inc()
	logging.L(ctx).Info("auto-release waiting for payer confirmation", "release_at", r.ReleaseAt)

	s.notify(ctx, &notify.Event{
		Type:        notify.EventConfirmationRequired,
		Recipients:  []string{r.PayerID},
		ContractID:  r.ContractID,
		MilestoneID: r.MilestoneID,
		Data: map[string]interface{}{
			"releaseAt": r.ReleaseAt,
			"ruleId":    r.ID,
		},
	})
	return nil
}

// hold moves a rule on a disputed contract behind the rest of the due
// queue. Retries are not consumed; the rule is released once the dispute
// resolves and the contract is active again.
func (s *Service) hold(ctx context.Context, r *Rule, now time.Time) error {
	r.ReleaseAt = now.Add(disputeRecheck)
	r.UpdatedAt = now
	if err := s.store.Update(ctx, r); err != nil {
		return err
	}
	logging.L(ctx).Info("auto-release held by open dispute", "next_check", r.ReleaseAt)
	return nil
}

// record stores the outcome of a release attempt. A release that reached
// the provider is EXECUTED even while its transfer awaits reconciliation.
func (s *Service) record(ctx context.Context, r *Rule, rel *escrow.FundRelease, cause error) (outcome, error) {
	now := s.now()
	log := logging.L(ctx)

	if errors.Is(cause, escrow.ErrContractDisputed) {
		return outcomeSkipped, s.hold(ctx, r, now)
	}
	// The milestone moved between our read and the approval.
	if rel == nil && errors.Is(cause, escrow.ErrInvalidStatus) {
		return outcomeCancelled, s.cancel(ctx, r, "milestone status changed")
	}

	if rel != nil && rel.Status != escrow.TransferFailed {
		r.Status = StatusExecuted
		r.ExecutedAt = &now
		r.ReleaseID = rel.ID
		r.LastError = ""
		if rel.Status != escrow.TransferCompleted {
			r.LastError = "awaiting reconciliation"
		}
		r.UpdatedAt = now
		if err := s.store.Update(ctx, r); err != nil {
			return outcomeExecuted, err
		}
		metrics.AutoReleasesTotal.WithLabelValues("executed").Inc()
		log.Info("auto-release executed", "release_id", rel.ID, "release_status", string(rel.Status))
		return outcomeExecuted, nil
	}

	if cause == nil {
		cause = errors.New("release failed")
	}
	r.RetryCount++
	r.LastError = cause.Error()
	r.UpdatedAt = now
	if r.RetryCount < r.MaxRetries {
		r.ReleaseAt = now.Add(retryBackoff)
		if err := s.store.Update(ctx, r); err != nil {
			return outcomeRescheduled, err
		}
		metrics.AutoReleasesTotal.WithLabelValues("rescheduled").Inc()
		log.Warn("auto-release attempt failed, will retry",
			"attempt", r.RetryCount, "max_retries", r.MaxRetries, "next_attempt", r.ReleaseAt, "error", cause)
		return outcomeRescheduled, nil
	}

	r.Status = StatusFailed
	if err := s.store.Update(ctx, r); err != nil {
		return outcomeFailed, err
	}
	metrics.AutoReleasesTotal.WithLabelValues("failed").Inc()
	log.Error("auto-release failed permanently", "attempts", r.RetryCount, "error", cause)

	s.notify(ctx, &notify.Event{
		Type:        notify.EventAutoReleaseFailed,
		Recipients:  []string{notify.AdminRecipient},
		ContractID:  r.ContractID,
		MilestoneID: r.MilestoneID,
		Data: map[string]interface{}{
			"ruleId":    r.ID,
			"attempts":  r.RetryCount,
			"lastError": r.LastError,
		},
	})
	return outcomeFailed, nil
}

// RunWarningSweep notifies both parties as rules approach their release
// time. Each threshold is sent at most once per rule; thresholds missed
// while the scheduler was down collapse into a single notice.
func (s *Service) RunWarningSweep(ctx context.Context) (*SweepResult, error) {
	now := s.now()
	horizon := now.Add(time.Duration(s.rules.MaxWarningHours())*time.Hour + 30*time.Minute)
	rules, err := s.store.ListUpcoming(ctx, now, horizon, sweepBatch)
	if err != nil {
		metrics.SchedulerSweepsTotal.WithLabelValues("warning", "error").Inc()
		return nil, fmt.Errorf("list upcoming auto-releases: %w", err)
	}

	res := &SweepResult{}
	for _, r := range rules {
		if ctx.Err() != nil {
			break
		}
		sent, err := s.warn(ctx, r.ID)
		if err != nil {
			s.logger.Warn("auto-release warning failed", "rule_id", r.ID, "milestone_id", r.MilestoneID, "error", err)
			continue
		}
		if sent {
			res.Warned++
		}
	}
	metrics.SchedulerSweepsTotal.WithLabelValues("warning", "ok").Inc()
	return res, ctx.Err()
}

func (s *Service) warn(ctx context.Context, ruleID string) (bool, error) {
	r, err := s.store.Get(ctx, ruleID)
	if err != nil {
		return false, err
	}
	unlock, err := s.locks.Lock(ctx, r.MilestoneID)
	if err != nil {
		return false, err
	}
	defer unlock()

	if r, err = s.store.Get(ctx, ruleID); err != nil {
		return false, err
	}
	if r.Status != StatusScheduled && r.Status != StatusWarningSent {
		return false, nil
	}
	now := s.now()
	hoursLeft := r.ReleaseAt.Sub(now).Hours()
	if hoursLeft <= 0 {
		return false, nil
	}

	// WarningHours is sorted descending; the last crossed threshold is
	// the tightest one.
	due := -1
	var crossed []int
	for _, h := range r.WarningHours {
		if r.warned(h) || hoursLeft > float64(h)+0.5 {
			continue
		}
		crossed = append(crossed, h)
		due = h
	}
	if due < 0 {
		return false, nil
	}

	c, err := s.milestones.GetContract(ctx, r.ContractID)
	if err != nil {
		return false, err
	}
	if c.Status == escrow.ContractDisputed {
		return false, nil
	}

	r.WarningsSent = append(r.WarningsSent, crossed...)
	r.Status = StatusWarningSent
	r.UpdatedAt = now
	if err := s.store.Update(ctx, r); err != nil {
		return false, err
	}
	metrics.AutoReleaseWarningsTotal.WithLabelValues(strconv.Itoa(due)).Inc()
	logging.L(ctx).Info("auto-release warning sent",
		"rule_id", r.ID, "milestone_id", r.MilestoneID, "hours", due, "release_at", r.ReleaseAt)

	s.notify(ctx, &notify.Event{
		Type:        notify.EventMilestoneWarning,
		Recipients:  []string{r.PayerID, r.PayeeID},
		ContractID:  r.ContractID,
		MilestoneID: r.MilestoneID,
		Data: map[string]interface{}{
			"hoursRemaining":       due,
			"releaseAt":            r.ReleaseAt,
			"requiresConfirmation": r.RequiresConfirmation,
		},
	})
	return true, nil
}
