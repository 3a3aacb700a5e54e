// Package autorelease schedules the automatic release of milestone funds.
//
// Every funded milestone gets one active Rule. Two cron sweeps drive the
// rules: the due sweep releases milestones whose deadline has passed (or
// defers them while a required payer confirmation is missing), and the
// warning sweep notifies both parties as the deadline approaches.
package autorelease

import (
	"context"
	"time"

	"github.com/kocbridge/escrow/internal/apperr"
)

var (
	ErrAutoReleaseNotFound  = apperr.New(apperr.KindNotFound, "auto_release_not_found", "no active auto-release rule for this milestone")
	ErrConfirmationNotFound = apperr.New(apperr.KindNotFound, "confirmation_not_found", "no release confirmation found")
	ErrRuleExists           = apperr.Conflict("auto_release_exists", "milestone already has an active auto-release rule")
	ErrMilestoneNotPending  = apperr.Conflict("milestone_not_pending", "auto-release can only be scheduled for a pending milestone")
	ErrNotAwaitingRelease   = apperr.Conflict("not_awaiting_release", "milestone no longer awaits release")
	ErrInvalidTimeout       = apperr.Validation("invalid_timeout", "invalid auto-release timeout", nil)
)

// Status is the state of a rule.
type Status string

const (
	StatusScheduled           Status = "SCHEDULED"
	StatusWarningSent         Status = "WARNING_SENT"
	StatusWaitingConfirmation Status = "WAITING_CONFIRMATION"
	StatusExecuted            Status = "EXECUTED"
	StatusCancelled           Status = "CANCELLED"
	StatusFailed              Status = "FAILED"
)

// IsActive reports whether the rule may still release funds.
func (s Status) IsActive() bool {
	switch s {
	case StatusScheduled, StatusWarningSent, StatusWaitingConfirmation:
		return true
	}
	return false
}

// Rule schedules the release of one milestone.
type Rule struct {
	ID          string `json:"id"`
	MilestoneID string `json:"milestoneId"`
	ContractID  string `json:"contractId"`
	PayerID     string `json:"payerId"`
	PayeeID     string `json:"payeeId"`
	Category    string `json:"category"`

	// ReleaseAt is when the next due sweep may act. DeadlineAt is the
	// original deadline; confirmation deferrals move only ReleaseAt.
	ReleaseAt  time.Time `json:"releaseAt"`
	DeadlineAt time.Time `json:"deadlineAt"`

	TimeoutHours         int   `json:"timeoutHours"`
	RequiresConfirmation bool  `json:"requiresConfirmation"`
	WarningHours         []int `json:"warningHours"`
	WarningsSent         []int `json:"warningsSent"`

	Status       Status     `json:"status"`
	RetryCount   int        `json:"retryCount"`
	MaxRetries   int        `json:"maxRetries"`
	LastError    string     `json:"lastError,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	ExecutedAt   *time.Time `json:"executedAt,omitempty"`
	ReleaseID    string     `json:"releaseId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func (r *Rule) warned(hours int) bool {
	for _, h := range r.WarningsSent {
		if h == hours {
			return true
		}
	}
	return false
}

// Confirmation is the payer's explicit go-ahead for a milestone whose rule
// requires one.
type Confirmation struct {
	ID          string    `json:"id"`
	MilestoneID string    `json:"milestoneId"`
	PayerID     string    `json:"payerId"`
	Note        string    `json:"note,omitempty"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// Store persists rules and confirmations.
type Store interface {
	// Create fails with ErrRuleExists when the milestone already has an
	// active rule.
	Create(ctx context.Context, r *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	GetActiveByMilestone(ctx context.Context, milestoneID string) (*Rule, error)
	Update(ctx context.Context, r *Rule) error
	// ListDue returns SCHEDULED and WARNING_SENT rules with ReleaseAt <= now
	// and retries left, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Rule, error)
	// ListUpcoming returns SCHEDULED and WARNING_SENT rules releasing
	// after now and before the given time, soonest first.
	ListUpcoming(ctx context.Context, now, before time.Time, limit int) ([]*Rule, error)
	ListByContract(ctx context.Context, contractID string) ([]*Rule, error)

	CreateConfirmation(ctx context.Context, c *Confirmation) error
	LatestConfirmation(ctx context.Context, milestoneID string) (*Confirmation, error)
}
