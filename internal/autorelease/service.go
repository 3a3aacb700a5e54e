package autorelease

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/escrow"
	"github.com/kocbridge/escrow/internal/idgen"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/notify"
	"github.com/kocbridge/escrow/internal/syncutil"
	"github.com/kocbridge/escrow/internal/validation"
)

const (
	// DefaultMaxRetries bounds release attempts per rule.
	DefaultMaxRetries = 3
	// maxTimeoutHours caps custom timeouts at 90 days.
	maxTimeoutHours = 90 * 24

	confirmationExtension = 24 * time.Hour
	retryBackoff          = time.Hour
	disputeRecheck        = time.Hour
)

// Engine is the part of the escrow engine the scheduler drives.
type Engine interface {
	AutoApprove(ctx context.Context, milestoneID string) (*escrow.FundRelease, error)
	ReleaseMilestoneFunds(ctx context.Context, milestoneID, initiator string) (*escrow.FundRelease, error)
}

// Milestones reads escrow state. escrow.Store satisfies it.
type Milestones interface {
	GetMilestone(ctx context.Context, id string) (*escrow.Milestone, error)
	GetContract(ctx context.Context, id string) (*escrow.Contract, error)
}

// Service manages auto-release rules and runs the sweeps.
type Service struct {
	store      Store
	engine     Engine
	milestones Milestones
	rules      Rules
	notifier   notify.Notifier
	locks      *syncutil.KeyedMutex
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates an auto-release service.
func NewService(store Store, engine Engine, milestones Milestones) *Service {
	return &Service{
		store:      store,
		engine:     engine,
		milestones: milestones,
		rules:      DefaultRules(),
		locks:      syncutil.NewKeyedMutex(),
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithRules replaces the category policies.
func (s *Service) WithRules(r Rules) *Service {
	s.rules = r
	return s
}

// WithNotifier wires outbound notifications.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithMaxRetries sets the release attempts allowed per rule.
func (s *Service) WithMaxRetries(n int) *Service {
	if n > 0 {
		s.maxRetries = n
	}
	return s
}

// WithLogger sets the logger used by the sweeps.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

var _ escrow.Scheduler = (*Service)(nil)

// CreateAutoReleaseRule schedules a PENDING milestone for release
// timeout hours after it was created. customTimeoutHours overrides the
// category timeout.
func (s *Service) CreateAutoReleaseRule(ctx context.Context, milestoneID string, customTimeoutHours *int) (*Rule, error) {
	m, err := s.milestones.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if m.Status != escrow.MilestonePending || m.IsSettled() {
		return nil, ErrMilestoneNotPending
	}
	c, err := s.milestones.GetContract(ctx, m.ContractID)
	if err != nil {
		return nil, err
	}
	return s.schedule(ctx, c, m, m.CreatedAt, customTimeoutHours)
}

func (s *Service) schedule(ctx context.Context, c *escrow.Contract, m *escrow.Milestone, anchor time.Time, customTimeoutHours *int) (*Rule, error) {
	policy := s.rules.For(m.Category)
	timeout := policy.TimeoutHours
	if customTimeoutHours != nil {
		if *customTimeoutHours < 1 || *customTimeoutHours > maxTimeoutHours {
			return nil, ErrInvalidTimeout.WithField("customTimeoutHours", "must be between 1 and 2160")
		}
		timeout = *customTimeoutHours
	}

	unlock, err := s.locks.Lock(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.GetActiveByMilestone(ctx, m.ID); err == nil {
		return nil, ErrRuleExists
	} else if !errors.Is(err, ErrAutoReleaseNotFound) {
		return nil, err
	}

	now := s.now()
	deadline := anchor.Add(time.Duration(timeout) * time.Hour)
	r := &Rule{
		ID:                   idgen.New(),
		MilestoneID:          m.ID,
		ContractID:           c.ID,
		PayerID:              c.PayerID,
		PayeeID:              c.PayeeID,
		Category:             m.Category,
		ReleaseAt:            deadline,
		DeadlineAt:           deadline,
		TimeoutHours:         timeout,
		RequiresConfirmation: policy.RequiresConfirmation,
		WarningHours:         warningsWithin(policy.WarningHours, timeout),
		WarningsSent:         []int{},
		Status:               StatusScheduled,
		MaxRetries:           s.maxRetries,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("auto-release scheduled",
		"rule_id", r.ID, "milestone_id", m.ID, "contract_id", c.ID,
		"release_at", r.ReleaseAt, "timeout_hours", timeout, "requires_confirmation", r.RequiresConfirmation)
	return r, nil
}

func warningsWithin(hours []int, timeout int) []int {
	out := make([]int, 0, len(hours))
	for _, h := range hours {
		if h < timeout {
			out = append(out, h)
		}
	}
	return out
}

// CancelAutoRelease cancels the milestone's active rule.
func (s *Service) CancelAutoRelease(ctx context.Context, milestoneID, reason string) (*Rule, error) {
	unlock, err := s.locks.Lock(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.GetActiveByMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := s.cancel(ctx, r, reason); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) cancel(ctx context.Context, r *Rule, reason string) error {
	now := s.now()
	r.Status = StatusCancelled
	r.CancelReason = validation.SanitizeString(reason, 500)
	r.CancelledAt = &now
	r.UpdatedAt = now
	if err := s.store.Update(ctx, r); err != nil {
		return err
	}
	metrics.AutoReleasesTotal.WithLabelValues("cancelled").Inc()
	logging.L(ctx).Info("auto-release cancelled", "rule_id", r.ID, "milestone_id", r.MilestoneID, "reason", r.CancelReason)
	return nil
}

// ConfirmRelease records the payer's confirmation for a milestone. A rule
// waiting for it is rescheduled for the next due sweep.
func (s *Service) ConfirmRelease(ctx context.Context, milestoneID string, payer auth.Actor, note string) (*Confirmation, error) {
	m, err := s.milestones.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	c, err := s.milestones.GetContract(ctx, m.ContractID)
	if err != nil {
		return nil, err
	}
	if payer.ID != c.PayerID {
		if c.IsParty(payer.ID) || payer.IsStaff() {
			return nil, escrow.ErrPayerOnly
		}
		return nil, escrow.ErrAccessDenied
	}
	if !m.AwaitsRelease() {
		return nil, ErrNotAwaitingRelease
	}

	unlock, err := s.locks.Lock(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	conf := &Confirmation{
		ID:          idgen.New(),
		MilestoneID: milestoneID,
		PayerID:     payer.ID,
		Note:        validation.SanitizeString(note, 1000),
		ConfirmedAt: now,
	}
	if err := s.store.CreateConfirmation(ctx, conf); err != nil {
		return nil, err
	}

	r, err := s.store.GetActiveByMilestone(ctx, milestoneID)
	switch {
	case errors.Is(err, ErrAutoReleaseNotFound):
		return conf, nil
	case err != nil:
		return nil, err
	}
	if r.Status == StatusWaitingConfirmation {
		r.Status = StatusScheduled
		r.ReleaseAt = now
		r.UpdatedAt = now
		if err := s.store.Update(ctx, r); err != nil {
			return nil, err
		}
		logging.L(ctx).Info("auto-release confirmed", "rule_id", r.ID, "milestone_id", milestoneID)
	}
	return conf, nil
}

// GetRule returns a rule by ID.
func (s *Service) GetRule(ctx context.Context, id string) (*Rule, error) {
	return s.store.Get(ctx, id)
}

// GetActiveRule returns the milestone's active rule.
func (s *Service) GetActiveRule(ctx context.Context, milestoneID string) (*Rule, error) {
	return s.store.GetActiveByMilestone(ctx, milestoneID)
}

// ListRulesByContract returns every rule of a contract, newest first.
func (s *Service) ListRulesByContract(ctx context.Context, contractID string) ([]*Rule, error) {
	return s.store.ListByContract(ctx, contractID)
}

// MilestonesFunded schedules every milestone of a newly funded contract.
// Deadlines count from funding when the contract was funded after the
// milestones were created.
func (s *Service) MilestonesFunded(ctx context.Context, c *escrow.Contract, milestones []*escrow.Milestone) error {
	var errs []error
	for _, m := range milestones {
		if !m.AwaitsRelease() {
			continue
		}
		anchor := m.CreatedAt
		if c.FundedAt != nil && c.FundedAt.After(anchor) {
			anchor = *c.FundedAt
		}
		if _, err := s.schedule(ctx, c, m, anchor, nil); err != nil && !errors.Is(err, ErrRuleExists) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MilestoneRejected cancels the milestone's rule and schedules a fresh one
// counting from the rejection, keeping any custom timeout.
func (s *Service) MilestoneRejected(ctx context.Context, m *escrow.Milestone) error {
	if _, err := s.CancelAutoRelease(ctx, m.ID, "milestone rejected"); err != nil && !errors.Is(err, ErrAutoReleaseNotFound) {
		return err
	}
	custom, err := s.customTimeout(ctx, m)
	if err != nil {
		return err
	}

	c, err := s.milestones.GetContract(ctx, m.ContractID)
	if err != nil {
		return err
	}
	anchor := s.now()
	if m.RejectedAt != nil {
		anchor = *m.RejectedAt
	}
	_, err = s.schedule(ctx, c, m, anchor, custom)
	if errors.Is(err, ErrRuleExists) {
		return nil
	}
	return err
}

// customTimeout returns the timeout of the milestone's latest rule when it
// differs from the category default. The rule is usually cancelled by now.
func (s *Service) customTimeout(ctx context.Context, m *escrow.Milestone) (*int, error) {
	rules, err := s.store.ListByContract(ctx, m.ContractID)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.MilestoneID != m.ID {
			continue
		}
		if r.TimeoutHours == s.rules.For(m.Category).TimeoutHours {
			return nil, nil
		}
		hours := r.TimeoutHours
		return &hours, nil
	}
	return nil, nil
}

// MilestoneSettled cancels the milestone's rule. Approvals made by the due
// sweep itself are left for the sweep to record.
func (s *Service) MilestoneSettled(ctx context.Context, m *escrow.Milestone, reason string) error {
	if m.ApprovedBy == auth.SystemActorID && m.Status != escrow.MilestoneRefunded {
		return nil
	}
	_, err := s.CancelAutoRelease(ctx, m.ID, reason)
	if errors.Is(err, ErrAutoReleaseNotFound) {
		return nil
	}
	return err
}

func (s *Service) notify(ctx context.Context, ev *notify.Event) {
	notify.Deliver(ctx, s.notifier, ev)
}
