// Package dispute implements the arbitration workflow for frozen
// contracts.
//
// Flow:
//  1. A party opens a dispute; the contract becomes DISPUTED  → PENDING
//  2. An admin assigns an arbitrator                          → IN_REVIEW
//  3. Parties and the arbitrator add responses and evidence
//  4. The arbitrator resolves it; funds move, the contract
//     thaws or terminates                                     → RESOLVED
package dispute

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kocbridge/escrow/internal/apperr"
)

var (
	ErrDisputeNotFound    = apperr.New(apperr.KindNotFound, "dispute_not_found", "dispute not found")
	ErrDisputeAlreadyOpen = apperr.Conflict("dispute_already_open", "contract already has an open dispute")
	ErrInvalidStatus      = apperr.Conflict("invalid_dispute_status", "operation not allowed in the current dispute status")
	ErrInvalidRequest     = apperr.Validation("invalid_dispute", "invalid dispute request", nil)
	ErrAccessDenied       = apperr.New(apperr.KindAuthorization, "dispute_access_denied", "not a participant in this dispute")
	ErrAdminOnly          = apperr.New(apperr.KindAuthorization, "admin_only", "only an admin may assign disputes")
	ErrNotArbitrator      = apperr.New(apperr.KindAuthorization, "not_assigned_arbitrator", "only the assigned arbitrator may resolve this dispute")
)

// Status is the state of a dispute.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusInReview Status = "IN_REVIEW"
	StatusResolved Status = "RESOLVED"
)

// IsOpen reports whether the dispute still freezes its contract.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusInReview
}

// Priority orders the arbitration queue.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Resolution is the arbitrator's decision.
type Resolution string

const (
	ResolutionApproveRefund  Resolution = "APPROVE_REFUND"
	ResolutionApproveRelease Resolution = "APPROVE_RELEASE"
	ResolutionPartialRefund  Resolution = "PARTIAL_REFUND"
	ResolutionReject         Resolution = "REJECT"
)

func (r Resolution) valid() bool {
	switch r {
	case ResolutionApproveRefund, ResolutionApproveRelease, ResolutionPartialRefund, ResolutionReject:
		return true
	}
	return false
}

// RequestedAction is what the initiator asks for.
type RequestedAction string

const (
	ActionRefund        RequestedAction = "REFUND"
	ActionRelease       RequestedAction = "RELEASE"
	ActionPartialRefund RequestedAction = "PARTIAL_REFUND"
)

// Dispute is an arbitration case over one contract.
type Dispute struct {
	ID              string           `json:"id"`
	ContractID      string           `json:"contractId"`
	PayerID         string           `json:"payerId"`
	PayeeID         string           `json:"payeeId"`
	InitiatorID     string           `json:"initiatorId"`
	Reason          string           `json:"reason"`
	Description     string           `json:"description,omitempty"`
	Evidence        []string         `json:"evidence"`
	RequestedAction RequestedAction  `json:"requestedAction"`
	RequestedAmount *decimal.Decimal `json:"requestedAmount,omitempty"`
	ContractAmount  decimal.Decimal  `json:"contractAmount"`
	Currency        string           `json:"currency"`
	Priority        Priority         `json:"priority"`
	Status          Status           `json:"status"`

	ArbitratorID string     `json:"arbitratorId,omitempty"`
	AssignedBy   string     `json:"assignedBy,omitempty"`
	AssignedAt   *time.Time `json:"assignedAt,omitempty"`

	Resolution      Resolution       `json:"resolution,omitempty"`
	ResolutionNotes string           `json:"resolutionNotes,omitempty"`
	RefundAmount    *decimal.Decimal `json:"refundAmount,omitempty"`
	RefundID        string           `json:"refundId,omitempty"`
	ResolvedBy      string           `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time       `json:"resolvedAt,omitempty"`

	DueAt     time.Time `json:"dueAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsParty reports whether actorID is the payer or the payee.
func (d *Dispute) IsParty(actorID string) bool {
	return actorID != "" && (actorID == d.PayerID || actorID == d.PayeeID)
}

// IsOverdue reports whether an open dispute is past its SLA.
func (d *Dispute) IsOverdue(now time.Time) bool {
	return d.Status.IsOpen() && now.After(d.DueAt)
}

// Response is a statement or evidence added to a dispute.
type Response struct {
	ID          string    `json:"id"`
	DisputeID   string    `json:"disputeId"`
	ResponderID string    `json:"responderId"`
	Role        string    `json:"role"` // payer, payee or arbitrator
	Message     string    `json:"message"`
	Evidence    []string  `json:"evidence"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateRequest opens a dispute.
type CreateRequest struct {
	ContractID      string          `json:"contractId" binding:"required"`
	Reason          string          `json:"reason" binding:"required"`
	Description     string          `json:"description"`
	Evidence        []string        `json:"evidence"`
	RequestedAction RequestedAction `json:"requestedAction"`
	RequestedAmount string          `json:"requestedAmount"`
}

// ResolveRequest closes a dispute.
type ResolveRequest struct {
	Resolution   Resolution `json:"resolution" binding:"required"`
	Notes        string     `json:"notes"`
	RefundAmount string     `json:"refundAmount"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	ContractID   string
	PartyID      string
	ArbitratorID string
	Status       Status
	Limit        int
}

// Store persists disputes. Writes made inside an escrow transaction join
// it through the context.
type Store interface {
	// Create fails with ErrDisputeAlreadyOpen when the contract already
	// has an open dispute.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByContract(ctx context.Context, contractID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	List(ctx context.Context, filter Filter) ([]*Dispute, error)
	// ListOverdue returns open disputes due before now, oldest first.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)

	AddResponse(ctx context.Context, r *Response) error
	ListResponses(ctx context.Context, disputeID string) ([]*Response, error)
}
