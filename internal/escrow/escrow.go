// Package escrow is the contract engine of the marketplace: it owns
// escrow contracts and their milestones, records funding payments, and
// turns approved milestones into exactly one provider release each.
//
// Flow:
//  1. Payer creates a contract whose milestones sum to the total
//  2. Payer funds it through a provider (hold)      → ACTIVE
//  3. Payee completes a milestone                   → MILESTONE_PENDING
//  4. Payer approves (or the scheduler auto-approves) → funds released
//  5. Contract completes when every milestone is settled
//
// Disputes freeze the contract (DISPUTED) until an arbitrator settles it.
package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kocbridge/escrow/internal/apperr"
	"github.com/kocbridge/escrow/internal/pagination"
)

var (
	ErrContractNotFound  = apperr.New(apperr.KindNotFound, "contract_not_found", "contract not found")
	ErrMilestoneNotFound = apperr.New(apperr.KindNotFound, "milestone_not_found", "milestone not found")
	ErrPaymentNotFound   = apperr.New(apperr.KindNotFound, "payment_not_found", "payment not found")
	ErrReleaseNotFound   = apperr.New(apperr.KindNotFound, "release_not_found", "fund release not found")
	ErrRefundNotFound    = apperr.New(apperr.KindNotFound, "refund_not_found", "refund not found")

	ErrAmountMismatch = apperr.Validation("amount_mismatch", "milestone amounts must sum to the contract total", nil)
	ErrInvalidRequest = apperr.Validation("invalid_contract", "invalid contract request", nil)
	ErrInvalidAmount  = apperr.Validation("invalid_amount", "invalid amount", nil)
	ErrUnderfunded    = apperr.Validation("underfunded", "payment amount is below the contract total", nil)
	ErrWrongProvider  = apperr.Validation("wrong_provider", "callback provider does not hold this payment", nil)

	ErrAccessDenied                    = apperr.New(apperr.KindAuthorization, "access_denied", "not a party to this contract")
	ErrUnauthorizedMilestoneCompletion = apperr.New(apperr.KindAuthorization, "unauthorized_milestone_completion", "only the payee may complete a milestone")
	ErrPayerOnly                       = apperr.New(apperr.KindAuthorization, "payer_only", "only the payer may perform this action")

	ErrInvalidStatus     = apperr.Conflict("invalid_status", "operation not allowed in the current status")
	ErrContractDisputed  = apperr.Conflict("contract_disputed", "contract is frozen by an open dispute")
	ErrAlreadyFunded     = apperr.Conflict("already_funded", "contract is already funded")
	ErrConcurrentUpdate  = apperr.Conflict("concurrent_update", "contract was modified concurrently")
	ErrReleaseExists     = apperr.Conflict("release_exists", "milestone already has an active release")
	ErrSettlementPending = apperr.Conflict("settlement_pending", "a provider transfer for this contract is awaiting reconciliation")
	ErrNothingToSettle   = apperr.Conflict("nothing_to_settle", "no held funds remain on this contract")
)

// ContractStatus is the lifecycle state of a contract.
type ContractStatus string

const (
	ContractPendingPayment   ContractStatus = "PENDING_PAYMENT"
	ContractActive           ContractStatus = "ACTIVE"
	ContractMilestonePending ContractStatus = "MILESTONE_PENDING"
	ContractDisputed         ContractStatus = "DISPUTED"
	ContractCompleted        ContractStatus = "COMPLETED"
	ContractRefunded         ContractStatus = "REFUNDED"
	ContractCancelled        ContractStatus = "CANCELLED"
)

// IsTerminal returns true if no more money can move on the contract.
func (s ContractStatus) IsTerminal() bool {
	switch s {
	case ContractCompleted, ContractRefunded, ContractCancelled:
		return true
	}
	return false
}

// IsFunded returns true if the provider holds funds for the contract.
func (s ContractStatus) IsFunded() bool {
	switch s {
	case ContractActive, ContractMilestonePending, ContractDisputed:
		return true
	}
	return false
}

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "PENDING"
	MilestoneCompleted MilestoneStatus = "COMPLETED"
	MilestoneApproved  MilestoneStatus = "APPROVED"
	MilestoneRefunded  MilestoneStatus = "REFUNDED"
)

// PaymentStatus is the state of a funding attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// TransferStatus is the state of a release or refund.
type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferExecuting TransferStatus = "EXECUTING"
	TransferCompleted TransferStatus = "COMPLETED"
	TransferFailed    TransferStatus = "FAILED"
)

// Contract is one collaboration between a payer and a payee.
type Contract struct {
	ID                string          `json:"id"`
	Reference         string          `json:"reference"`
	PayerID           string          `json:"payerId"`
	PayeeID           string          `json:"payeeId"`
	PayeeAccount      string          `json:"payeeAccount,omitempty"`
	Title             string          `json:"title"`
	Terms             string          `json:"terms,omitempty"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	Currency          string          `json:"currency"`
	PaymentMethod     string          `json:"paymentMethod"`
	HoldingProvider   string          `json:"holdingProvider,omitempty"`
	ProviderReference string          `json:"providerReference,omitempty"`
	UsedBackup        bool            `json:"usedBackup"`
	PrimaryError      string          `json:"primaryError,omitempty"`
	ReleasedAmount    decimal.Decimal `json:"releasedAmount"`
	RefundedAmount    decimal.Decimal `json:"refundedAmount"`
	Status            ContractStatus  `json:"status"`
	Version           int64           `json:"version"`
	FundedAt          *time.Time      `json:"fundedAt,omitempty"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Remaining is the amount the provider still holds for the contract.
func (c *Contract) Remaining() decimal.Decimal {
	return c.TotalAmount.Sub(c.ReleasedAmount).Sub(c.RefundedAmount)
}

// IsParty reports whether actorID is the payer or the payee.
func (c *Contract) IsParty(actorID string) bool {
	return actorID != "" && (actorID == c.PayerID || actorID == c.PayeeID)
}

// Milestone is an ordered, separately payable unit of work.
type Milestone struct {
	ID              string          `json:"id"`
	ContractID      string          `json:"contractId"`
	OrderIndex      int             `json:"orderIndex"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Category        string          `json:"category,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Percentage      decimal.Decimal `json:"percentage"`
	DueDate         *time.Time      `json:"dueDate,omitempty"`
	Status          MilestoneStatus `json:"status"`
	Deliverables    []string        `json:"deliverables,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	RejectedAt      *time.Time      `json:"rejectedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	ApprovedAt      *time.Time      `json:"approvedAt,omitempty"`
	ApprovedBy      string          `json:"approvedBy,omitempty"`
	RefundedAmount  decimal.Decimal `json:"refundedAmount"`
	ReleasedAt      *time.Time      `json:"releasedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Releasable is the part of the milestone not refunded by a dispute.
func (m *Milestone) Releasable() decimal.Decimal {
	return m.Amount.Sub(m.RefundedAmount)
}

// IsSettled reports whether the milestone's funds have left escrow.
func (m *Milestone) IsSettled() bool {
	return m.ReleasedAt != nil || m.Status == MilestoneRefunded
}

// AwaitsRelease reports whether the scheduler may still auto-release it.
// Only untouched PENDING milestones qualify; once the payee submits, the
// payer decides.
func (m *Milestone) AwaitsRelease() bool {
	return !m.IsSettled() && m.Status == MilestonePending
}

// Payment is one funding attempt. Provider is the rail that holds the
// funds, which differs from Method when the VN failover used its backup.
type Payment struct {
	ID                string          `json:"id"`
	ContractID        string          `json:"contractId"`
	Method            string          `json:"method"`
	Provider          string          `json:"provider"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	ProviderReference string          `json:"providerReference,omitempty"`
	CheckoutURL       string          `json:"checkoutUrl,omitempty"`
	ClientSecret      string          `json:"clientSecret,omitempty"`
	UsedBackup        bool            `json:"usedBackup"`
	PrimaryError      string          `json:"primaryError,omitempty"`
	FailureReason     string          `json:"failureReason,omitempty"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// FundRelease moves a milestone's funds to the payee. Its ID doubles as
// the provider idempotency key.
type FundRelease struct {
	ID                string          `json:"id"`
	ContractID        string          `json:"contractId"`
	MilestoneID       string          `json:"milestoneId,omitempty"`
	Recipient         string          `json:"recipient"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Provider          string          `json:"provider"`
	ProviderReference string          `json:"providerReference,omitempty"`
	Status            TransferStatus  `json:"status"`
	InitiatedBy       string          `json:"initiatedBy"`
	ScheduledAt       time.Time       `json:"scheduledAt"`
	ExecutedAt        *time.Time      `json:"executedAt,omitempty"`
	FailureReason     string          `json:"failureReason,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// RefundAllocation is the part of a refund charged to one milestone.
type RefundAllocation struct {
	MilestoneID string          `json:"milestoneId"`
	Amount      decimal.Decimal `json:"amount"`
}

// Refund returns held funds to the payer as part of a dispute settlement.
// Its ID doubles as the provider idempotency key.
type Refund struct {
	ID                string             `json:"id"`
	ContractID        string             `json:"contractId"`
	DisputeID         string             `json:"disputeId,omitempty"`
	Amount            decimal.Decimal    `json:"amount"`
	Currency          string             `json:"currency"`
	Provider          string             `json:"provider"`
	ProviderReference string             `json:"providerReference,omitempty"`
	Allocations       []RefundAllocation `json:"allocations"`
	Reason            string             `json:"reason,omitempty"`
	Status            TransferStatus     `json:"status"`
	InitiatedBy       string             `json:"initiatedBy"`
	ExecutedAt        *time.Time         `json:"executedAt,omitempty"`
	FailureReason     string             `json:"failureReason,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// MilestoneInput describes a milestone at contract creation.
type MilestoneInput struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Amount      string     `json:"amount" binding:"required"`
	DueDate     *time.Time `json:"dueDate"`
}

// CreateContractRequest contains the parameters for creating a contract.
// PayerID is taken from the authenticated actor.
type CreateContractRequest struct {
	PayerID       string           `json:"-"`
	PayeeID       string           `json:"payeeId" binding:"required"`
	PayeeAccount  string           `json:"payeeAccount"`
	Title         string           `json:"title" binding:"required"`
	Terms         string           `json:"terms"`
	TotalAmount   string           `json:"totalAmount" binding:"required"`
	Currency      string           `json:"currency" binding:"required"`
	PaymentMethod string           `json:"paymentMethod" binding:"required"`
	Milestones    []MilestoneInput `json:"milestones" binding:"required"`
}

// ContractFilter narrows ListContracts. Results are newest first.
type ContractFilter struct {
	PartyID string // payer or payee; empty lists all
	Status  ContractStatus
	After   *pagination.Cursor
	Limit   int
}

// Store persists contracts and everything that hangs off them.
//
// Methods called inside WithTx join its transaction. LockContract reads
// the contract for update; UpdateContract fails with ErrConcurrentUpdate
// when the stored version differs and bumps Version on success.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateContract(ctx context.Context, c *Contract, milestones []*Milestone) error
	GetContract(ctx context.Context, id string) (*Contract, error)
	LockContract(ctx context.Context, id string) (*Contract, error)
	GetContractByReference(ctx context.Context, reference string) (*Contract, error)
	UpdateContract(ctx context.Context, c *Contract) error
	ListContracts(ctx context.Context, filter ContractFilter) ([]*Contract, error)

	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	ListMilestones(ctx context.Context, contractID string) ([]*Milestone, error)
	UpdateMilestone(ctx context.Context, m *Milestone) error

	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByProviderRef(ctx context.Context, provider, reference string) (*Payment, error)
	ListPayments(ctx context.Context, contractID string) ([]*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error

	// CreateRelease fails with ErrReleaseExists when the milestone already
	// has a release that is not FAILED.
	CreateRelease(ctx context.Context, r *FundRelease) error
	GetRelease(ctx context.Context, id string) (*FundRelease, error)
	GetActiveRelease(ctx context.Context, milestoneID string) (*FundRelease, error)
	ListReleases(ctx context.Context, contractID string) ([]*FundRelease, error)
	ListReleasesByStatus(ctx context.Context, status TransferStatus, limit int) ([]*FundRelease, error)
	UpdateRelease(ctx context.Context, r *FundRelease) error

	CreateRefund(ctx context.Context, r *Refund) error
	GetRefund(ctx context.Context, id string) (*Refund, error)
	ListRefunds(ctx context.Context, contractID string) ([]*Refund, error)
	ListRefundsByStatus(ctx context.Context, status TransferStatus, limit int) ([]*Refund, error)
	UpdateRefund(ctx context.Context, r *Refund) error
}

// Scheduler is told about milestone changes that affect auto-release.
// Implementations must not call back into Service synchronously.
type Scheduler interface {
	// MilestonesFunded schedules auto-release for a newly funded contract.
	MilestonesFunded(ctx context.Context, c *Contract, milestones []*Milestone) error
	// MilestoneRejected re-evaluates the milestone's rule after rejection.
	MilestoneRejected(ctx context.Context, m *Milestone) error
	// MilestoneSettled cancels the milestone's rule once the milestone
	// leaves PENDING by any path other than the scheduler's own approval.
	MilestoneSettled(ctx context.Context, m *Milestone, reason string) error
}
