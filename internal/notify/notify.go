// Package notify is the outbound notification port of the escrow engine.
//
// The engine calls Deliver synchronously at each business event; delivery
// itself (email, push, SMS behind a webhook relay) is a collaborator whose
// failures are logged and counted but never fail the business operation.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/kocbridge/escrow/internal/idgen"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
)

// EventType names a notification.
type EventType string

const (
	EventPaymentConfirmed     EventType = "payment.confirmed"
	EventMilestoneCompleted   EventType = "milestone.completed"
	EventMilestoneApproved    EventType = "milestone.approved"
	EventMilestoneRejected    EventType = "milestone.rejected"
	EventMilestoneWarning     EventType = "milestone.auto_release_warning"
	EventConfirmationRequired EventType = "milestone.confirmation_required"
	EventReleaseExecuted      EventType = "release.executed"
	EventReleaseFailed        EventType = "release.failed"
	EventRefundExecuted       EventType = "refund.executed"
	EventAutoReleaseFailed    EventType = "auto_release.failed" // admin alert
	EventDisputeOpened        EventType = "dispute.opened"
	EventDisputeAssigned      EventType = "dispute.assigned"
	EventDisputeResponse      EventType = "dispute.response"
	EventDisputeResolved      EventType = "dispute.resolved"
)

// AdminRecipient addresses the operations team.
const AdminRecipient = "admins"

// Event is one notification.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	Recipients  []string               `json:"recipients"`
	ContractID  string                 `json:"contractId,omitempty"`
	MilestoneID string                 `json:"milestoneId,omitempty"`
	DisputeID   string                 `json:"disputeId,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev *Event) error
}

// Deliver sends ev through n, filling ID and Timestamp, and swallows the
// outcome after logging and counting it. A nil n discards the event.
func Deliver(ctx context.Context, n Notifier, ev *Event) {
	if n == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	result := "ok"
	if err := n.Notify(ctx, ev); err != nil {
		result = "error"
		logging.L(ctx).Warn("notification failed",
			"event", string(ev.Type), "event_id", ev.ID, "contract_id", ev.ContractID, "error", err)
	}
	metrics.NotificationsTotal.WithLabelValues(string(ev.Type), result).Inc()
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

// Notify calls every notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, ev *Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to the request logger.
type LogNotifier struct{}

// Notify logs ev.
func (LogNotifier) Notify(ctx context.Context, ev *Event) error {
	logging.L(ctx).Info("notification",
		"event", string(ev.Type),
		"event_id", ev.ID,
		"recipients", ev.Recipients,
		"contract_id", ev.ContractID,
		"milestone_id", ev.MilestoneID,
		"dispute_id", ev.DisputeID,
	)
	return nil
}
