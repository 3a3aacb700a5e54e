package escrow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/idgen"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/money"
	"github.com/kocbridge/escrow/internal/notify"
	"github.com/kocbridge/escrow/internal/pagination"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/validation"
)

const maxMilestones = 50

var hundred = decimal.NewFromInt(100)

// CreateContract validates and persists a contract with its milestones in
// one transaction. Milestone amounts must sum exactly to the total.
func (s *Service) CreateContract(ctx context.Context, req CreateContractRequest) (*Contract, error) {
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	total, ok := money.Parse(req.TotalAmount)
	if !ok {
		return nil, ErrInvalidAmount.WithField("totalAmount", "must be a non-negative decimal")
	}

	rules := []validation.Rule{
		validation.Required("payerId", req.PayerID),
		validation.Required("payeeId", req.PayeeID),
		validation.Distinct("payeeId", req.PayerID, req.PayeeID),
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("terms", req.Terms, 10000),
		validation.Currency("currency", currency),
		validation.PositiveAmount("totalAmount", total, currency),
	}
	if !s.providers.Has(req.PaymentMethod) {
		rules = append(rules, validation.OneOf("paymentMethod", req.PaymentMethod, s.providers.Names()...))
	}
	if req.PaymentMethod == provider.Chain {
		rules = append(rules, validation.OneOf("currency", currency, money.USDC), validation.EthAddress("payeeAccount", req.PayeeAccount))
	}
	if errs := validation.Validate(rules...); len(errs) > 0 {
		return nil, ErrInvalidRequest.WithMessage(errs.Error()).WithFields(errs.Fields())
	}

	if len(req.Milestones) == 0 || len(req.Milestones) > maxMilestones {
		return nil, ErrInvalidRequest.WithField("milestones", fmt.Sprintf("must contain between 1 and %d milestones", maxMilestones))
	}

	now := s.now()
	c := &Contract{
		ID:             idgen.New(),
		Reference:      idgen.Reference(now),
		PayerID:        req.PayerID,
		PayeeID:        req.PayeeID,
		PayeeAccount:   strings.TrimSpace(req.PayeeAccount),
		Title:          validation.SanitizeString(req.Title, 200),
		Terms:          req.Terms,
		TotalAmount:    total,
		Currency:       currency,
		PaymentMethod:  req.PaymentMethod,
		ReleasedAmount: decimal.Zero,
		RefundedAmount: decimal.Zero,
		Status:         ContractPendingPayment,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	milestones := make([]*Milestone, 0, len(req.Milestones))
	amounts := make([]decimal.Decimal, 0, len(req.Milestones))
	for i, in := range req.Milestones {
		field := "milestones[" + strconv.Itoa(i) + "]"
		amount, ok := money.Parse(in.Amount)
		if !ok {
			return nil, ErrInvalidAmount.WithField(field+".amount", "must be a non-negative decimal")
		}
		if errs := validation.Validate(
			validation.Required(field+".title", in.Title),
			validation.PositiveAmount(field+".amount", amount, currency),
		); len(errs) > 0 {
			return nil, ErrInvalidRequest.WithMessage(errs.Error()).WithFields(errs.Fields())
		}
		amounts = append(amounts, amount)
		milestones = append(milestones, &Milestone{
			ID:             idgen.New(),
			ContractID:     c.ID,
			OrderIndex:     i,
			Title:          validation.SanitizeString(in.Title, 200),
			Description:    in.Description,
			Category:       strings.ToLower(strings.TrimSpace(in.Category)),
			Amount:         amount,
			Percentage:     amount.Div(total).Mul(hundred).Round(2),
			DueDate:        in.DueDate,
			Status:         MilestonePending,
			RefundedAmount: decimal.Zero,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if sum := money.Sum(amounts...); !sum.Equal(total) {
		return nil, ErrAmountMismatch.
			WithField("totalAmount", money.Format(total, currency)).
			WithField("milestonesTotal", money.Format(sum, currency))
	}

	if err := s.store.CreateContract(ctx, c, milestones); err != nil {
		return nil, fmt.Errorf("create contract: %w", err)
	}
	metrics.ContractsCreatedTotal.WithLabelValues(currency).Inc()
	logging.L(ctx).Info("contract created",
		"contract_id", c.ID, "reference", c.Reference, "amount", c.TotalAmount.String(),
		"currency", c.Currency, "method", c.PaymentMethod, "milestones", len(milestones))
	return c, nil
}

// GetContract returns a contract visible to actor.
func (s *Service) GetContract(ctx context.Context, id string, actor auth.Actor) (*Contract, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeRead(c, actor); err != nil {
		return nil, err
	}
	return c, nil
}

// ListContracts returns the actor's contracts; staff see all.
func (s *Service) ListContracts(ctx context.Context, actor auth.Actor, filter ContractFilter) ([]*Contract, string, error) {
	if !actor.IsStaff() {
		filter.PartyID = actor.ID
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	limit := filter.Limit
	filter.Limit++
	contracts, err := s.store.ListContracts(ctx, filter)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.Page(contracts, limit, func(c *Contract) (time.Time, string) {
		return c.CreatedAt, c.ID
	})
	return page, next, nil
}

// ListMilestones returns a contract's milestones in order.
func (s *Service) ListMilestones(ctx context.Context, contractID string, actor auth.Actor) ([]*Milestone, error) {
	if _, err := s.GetContract(ctx, contractID, actor); err != nil {
		return nil, err
	}
	return s.store.ListMilestones(ctx, contractID)
}

// ListPayments returns a contract's funding attempts.
func (s *Service) ListPayments(ctx context.Context, contractID string, actor auth.Actor) ([]*Payment, error) {
	if _, err := s.GetContract(ctx, contractID, actor); err != nil {
		return nil, err
	}
	return s.store.ListPayments(ctx, contractID)
}

// ListReleases returns a contract's fund releases.
func (s *Service) ListReleases(ctx context.Context, contractID string, actor auth.Actor) ([]*FundRelease, error) {
	if _, err := s.GetContract(ctx, contractID, actor); err != nil {
		return nil, err
	}
	return s.store.ListReleases(ctx, contractID)
}

// ListRefunds returns a contract's dispute refunds.
func (s *Service) ListRefunds(ctx context.Context, contractID string, actor auth.Actor) ([]*Refund, error) {
	if _, err := s.GetContract(ctx, contractID, actor); err != nil {
		return nil, err
	}
	return s.store.ListRefunds(ctx, contractID)
}

// GetMilestone returns a milestone visible to actor, with its contract.
func (s *Service) GetMilestone(ctx context.Context, milestoneID string, actor auth.Actor) (*Milestone, *Contract, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.GetContract(ctx, m.ContractID, actor)
	if err != nil {
		return nil, nil, err
	}
	return m, c, nil
}

// CancelContract cancels a contract that was never funded.
func (s *Service) CancelContract(ctx context.Context, id string, actor auth.Actor) (*Contract, error) {
	var out *Contract
	err := s.locked(ctx, id, func(ctx context.Context, c *Contract) error {
		if err := authorizePayer(c, actor, true); err != nil {
			return err
		}
		if c.Status != ContractPendingPayment {
			return ErrInvalidStatus.WithMessage("only unfunded contracts can be cancelled")
		}
		c.Status = ContractCancelled
		c.UpdatedAt = s.now()
		if err := s.store.UpdateContract(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// milestoneIn loads a milestone and checks it belongs to c.
func (s *Service) milestoneIn(ctx context.Context, c *Contract, milestoneID string) (*Milestone, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if m.ContractID != c.ID {
		return nil, ErrMilestoneNotFound
	}
	return m, nil
}

// CompleteMilestone lets the payee submit a PENDING milestone's deliverables.
func (s *Service) CompleteMilestone(ctx context.Context, contractID, milestoneID string, actor auth.Actor, deliverables []string) (*Milestone, error) {
	var (
		out *Milestone
		con *Contract
	)
	err := s.locked(ctx, contractID, func(ctx context.Context, c *Contract) error {
		if actor.ID != c.PayeeID {
			if err := authorizeRead(c, actor); err != nil {
				return err
			}
			return ErrUnauthorizedMilestoneCompletion
		}
		if c.Status == ContractDisputed {
			return ErrContractDisputed
		}
		if c.Status != ContractActive && c.Status != ContractMilestonePending {
			return ErrInvalidStatus.WithMessage("contract is not active")
		}
		m, err := s.milestoneIn(ctx, c, milestoneID)
		if err != nil {
			return err
		}
		if m.Status != MilestonePending {
			return ErrInvalidStatus.WithMessage("milestone is not pending")
		}

		now := s.now()
		m.Status = MilestoneCompleted
		m.Deliverables = deliverables
		m.CompletedAt = &now
		m.UpdatedAt = now
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		c.Status = ContractMilestonePending
		c.UpdatedAt = now
		if err := s.store.UpdateContract(ctx, c); err != nil {
			return err
		}
		out, con = m, c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.scheduler != nil {
		if err := s.scheduler.MilestoneSettled(ctx, out, "milestone completed"); err != nil {
			logging.L(ctx).Warn("failed to cancel auto-release after completion", "milestone_id", out.ID, "error", err)
		}
	}
	s.notify(ctx, s.milestoneEvent(notify.EventMilestoneCompleted, con, out, con.PayerID))
	return out, nil
}

// ApproveMilestone lets the payer approve a COMPLETED milestone and
// releases its funds synchronously. The approval stands when the release
// fails; the release can then be retried.
func (s *Service) ApproveMilestone(ctx context.Context, contractID, milestoneID string, actor auth.Actor) (*Milestone, *FundRelease, error) {
	m, err := s.approve(ctx, contractID, milestoneID, actor, func(m *Milestone) error {
		if m.Status != MilestoneCompleted {
			return ErrInvalidStatus.WithMessage("only completed milestones can be approved")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	r, err := s.ReleaseMilestoneFunds(ctx, milestoneID, actor.ID)
	if err != nil {
		return m, r, err
	}
	if fresh, ferr := s.store.GetMilestone(ctx, milestoneID); ferr == nil {
		m = fresh
	}
	return m, r, nil
}

// AutoApprove approves a milestone on the scheduler's behalf and releases
// it. The milestone must still await release; a disputed contract fails
// with ErrContractDisputed so the caller can skip it.
func (s *Service) AutoApprove(ctx context.Context, milestoneID string) (*FundRelease, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if _, err := s.approve(ctx, m.ContractID, milestoneID, auth.System, func(m *Milestone) error {
		if !m.AwaitsRelease() {
			return ErrInvalidStatus.WithMessage("milestone no longer awaits release")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return s.ReleaseMilestoneFunds(ctx, milestoneID, auth.SystemActorID)
}

func (s *Service) approve(ctx context.Context, contractID, milestoneID string, actor auth.Actor, check func(*Milestone) error) (*Milestone, error) {
	var (
		out *Milestone
		con *Contract
	)
	err := s.locked(ctx, contractID, func(ctx context.Context, c *Contract) error {
		if actor.Role != auth.RoleSystem {
			if err := authorizePayer(c, actor, false); err != nil {
				return err
			}
		}
		if c.Status == ContractDisputed {
			return ErrContractDisputed
		}
		if c.Status != ContractActive && c.Status != ContractMilestonePending {
			return ErrInvalidStatus.WithMessage("contract is not active")
		}
		m, err := s.milestoneIn(ctx, c, milestoneID)
		if err != nil {
			return err
		}
		if err := check(m); err != nil {
			return err
		}

		now := s.now()
		m.Status = MilestoneApproved
		m.ApprovedAt = &now
		m.ApprovedBy = actor.ID
		m.UpdatedAt = now
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		out, con = m, c
		return s.refreshContractStatus(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	if s.scheduler != nil {
		if err := s.scheduler.MilestoneSettled(ctx, out, "milestone approved"); err != nil {
			logging.L(ctx).Warn("failed to cancel auto-release after approval", "milestone_id", out.ID, "error", err)
		}
	}
	s.notify(ctx, s.milestoneEvent(notify.EventMilestoneApproved, con, out, con.PayeeID))
	return out, nil
}

// RejectMilestone returns a COMPLETED milestone to PENDING with a reason
// and has the scheduler re-evaluate its auto-release rule.
func (s *Service) RejectMilestone(ctx context.Context, contractID, milestoneID string, actor auth.Actor, reason string) (*Milestone, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrInvalidRequest.WithField("reason", "is required")
	}

	var (
		out *Milestone
		con *Contract
	)
	err := s.locked(ctx, contractID, func(ctx context.Context, c *Contract) error {
		if err := authorizePayer(c, actor, false); err != nil {
			return err
		}
		if c.Status == ContractDisputed {
			return ErrContractDisputed
		}
		m, err := s.milestoneIn(ctx, c, milestoneID)
		if err != nil {
			return err
		}
		if m.Status != MilestoneCompleted {
			return ErrInvalidStatus.WithMessage("only completed milestones can be rejected")
		}

		now := s.now()
		m.Status = MilestonePending
		m.RejectionReason = validation.SanitizeString(reason, 2000)
		m.RejectedAt = &now
		m.CompletedAt = nil
		m.UpdatedAt = now
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		out, con = m, c
		return s.refreshContractStatus(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	if s.scheduler != nil {
		if err := s.scheduler.MilestoneRejected(ctx, out); err != nil {
			logging.L(ctx).Warn("failed to reschedule auto-release after rejection", "milestone_id", out.ID, "error", err)
		}
	}
	s.notify(ctx, s.milestoneEvent(notify.EventMilestoneRejected, con, out, con.PayeeID))
	return out, nil
}

// refreshContractStatus derives ACTIVE, MILESTONE_PENDING or COMPLETED from
// the milestones. Frozen and terminal contracts are left alone.
func (s *Service) refreshContractStatus(ctx context.Context, c *Contract) error {
	if c.Status != ContractActive && c.Status != ContractMilestonePending {
		return nil
	}
	milestones, err := s.store.ListMilestones(ctx, c.ID)
	if err != nil {
		return err
	}
	next := openStatus(milestones, ContractCompleted)
	if next == c.Status {
		return nil
	}
	now := s.now()
	c.Status = next
	if next.IsTerminal() {
		c.CompletedAt = &now
	}
	c.UpdatedAt = now
	return s.store.UpdateContract(ctx, c)
}

// openStatus is the status of a funded contract given its milestones:
// terminal once every milestone is settled, MILESTONE_PENDING while a
// delivery awaits review, ACTIVE otherwise.
func openStatus(milestones []*Milestone, terminal ContractStatus) ContractStatus {
	settled, reviewing := 0, false
	for _, m := range milestones {
		switch {
		case m.IsSettled():
			settled++
		case m.Status == MilestoneCompleted:
			reviewing = true
		}
	}
	switch {
	case settled == len(milestones):
		return terminal
	case reviewing:
		return ContractMilestonePending
	default:
		return ContractActive
	}
}
