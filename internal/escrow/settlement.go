package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/idgen"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/money"
	"github.com/kocbridge/escrow/internal/notify"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/traces"
)

// Freeze puts a funded contract under dispute. fn runs in the same
// transaction, after the party and status checks, and typically records
// the dispute; the contract becomes DISPUTED only if fn succeeds.
func (s *Service) Freeze(ctx context.Context, contractID string, actor auth.Actor, fn func(ctx context.Context, c *Contract) error) (*Contract, error) {
	var out *Contract
	err := s.locked(ctx, contractID, func(ctx context.Context, c *Contract) error {
		if !c.IsParty(actor.ID) {
			return ErrAccessDenied
		}
		if c.Status == ContractDisputed {
			return ErrContractDisputed
		}
		if c.Status != ContractActive && c.Status != ContractMilestonePending {
			return ErrInvalidStatus.WithMessage("only active contracts can be disputed")
		}
		if err := fn(ctx, c); err != nil {
			return err
		}
		c.Status = ContractDisputed
		c.UpdatedAt = s.now()
		if err := s.store.UpdateContract(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// Unfreeze ends a dispute. fn runs in the same transaction. The contract
// returns to ACTIVE (or MILESTONE_PENDING), or to terminal when the
// settlement left no milestone unsettled.
func (s *Service) Unfreeze(ctx context.Context, contractID string, terminal ContractStatus, fn func(ctx context.Context, c *Contract) error) (*Contract, error) {
	var out *Contract
	err := s.locked(ctx, contractID, func(ctx context.Context, c *Contract) error {
		if c.Status != ContractDisputed {
			return ErrInvalidStatus.WithMessage("contract is not under dispute")
		}
		if err := s.ensureNoPendingTransfers(ctx, c.ID); err != nil {
			return err
		}
		if err := fn(ctx, c); err != nil {
			return err
		}
		milestones, err := s.store.ListMilestones(ctx, c.ID)
		if err != nil {
			return err
		}
		now := s.now()
		c.Status = openStatus(milestones, terminal)
		if c.Status.IsTerminal() {
			c.CompletedAt = &now
		}
		c.UpdatedAt = now
		if err := s.store.UpdateContract(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (s *Service) ensureNoPendingTransfers(ctx context.Context, contractID string) error {
	releases, err := s.store.ListReleases(ctx, contractID)
	if err != nil {
		return err
	}
	for _, r := range releases {
		if r.Status == TransferExecuting || r.Status == TransferPending {
			return ErrSettlementPending.WithField("releaseId", r.ID)
		}
	}
	refunds, err := s.store.ListRefunds(ctx, contractID)
	if err != nil {
		return err
	}
	for _, r := range refunds {
		if r.Status == TransferExecuting || r.Status == TransferPending {
			return ErrSettlementPending.WithField("refundId", r.ID)
		}
	}
	return nil
}

// UnsettledMilestones returns the milestones whose funds are still held.
func (s *Service) UnsettledMilestones(ctx context.Context, contractID string) ([]*Milestone, error) {
	milestones, err := s.store.ListMilestones(ctx, contractID)
	if err != nil {
		return nil, err
	}
	out := milestones[:0]
	for _, m := range milestones {
		if !m.IsSettled() {
			out = append(out, m)
		}
	}
	return out, nil
}

// refundable returns the milestones that may be refunded, last first,
// and their combined refundable amount. Milestones with a release in
// flight are excluded.
func (s *Service) refundable(ctx context.Context, contractID string) ([]*Milestone, decimal.Decimal, error) {
	milestones, err := s.store.ListMilestones(ctx, contractID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	sort.Slice(milestones, func(i, j int) bool { return milestones[i].OrderIndex > milestones[j].OrderIndex })

	var out []*Milestone
	total := decimal.Zero
	for _, m := range milestones {
		if m.IsSettled() || !m.Releasable().IsPositive() {
			continue
		}
		if _, err := s.store.GetActiveRelease(ctx, m.ID); err == nil {
			continue
		} else if !errors.Is(err, ErrReleaseNotFound) {
			return nil, decimal.Zero, err
		}
		out = append(out, m)
		total = total.Add(m.Releasable())
	}
	return out, total, nil
}

// Refundable returns what a dispute could still refund to the payer.
func (s *Service) Refundable(ctx context.Context, contractID string) (decimal.Decimal, error) {
	_, total, err := s.refundable(ctx, contractID)
	return total, err
}

// allocateRefund charges amount to milestones in the given order (last
// milestone first), each up to its releasable amount.
func allocateRefund(milestones []*Milestone, amount decimal.Decimal) []RefundAllocation {
	var out []RefundAllocation
	left := amount
	for _, m := range milestones {
		if !left.IsPositive() {
			break
		}
		part := decimal.Min(left, m.Releasable())
		out = append(out, RefundAllocation{MilestoneID: m.ID, Amount: part})
		left = left.Sub(part)
	}
	return out
}

// SettleRefund refunds amount of a disputed contract to the payer through
// the holding provider. A zero amount refunds everything refundable. A
// completed refund already recorded for the dispute is returned as is.
func (s *Service) SettleRefund(ctx context.Context, contractID, disputeID, initiator string, amount decimal.Decimal, reason string) (_ *Refund, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.SettleRefund", traces.ContractID(contractID), traces.DisputeID(disputeID))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()

	var (
		ref     *Refund
		con     *Contract
		created bool
	)
	err = s.locked(ctx, contractID, func(ctx context.Context, c *Contract) error {
		if c.Status != ContractDisputed {
			return ErrInvalidStatus.WithMessage("contract is not under dispute")
		}
		refunds, err := s.store.ListRefunds(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, r := range refunds {
			switch {
			case r.Status == TransferExecuting || r.Status == TransferPending:
				return ErrSettlementPending.WithField("refundId", r.ID)
			case r.Status == TransferCompleted && disputeID != "" && r.DisputeID == disputeID:
				ref = r
				return nil
			}
		}

		candidates, total, err := s.refundable(ctx, c.ID)
		if err != nil {
			return err
		}
		if !total.IsPositive() {
			return ErrNothingToSettle
		}
		if amount.IsZero() {
			amount = total
		}
		if amount.IsNegative() || amount.GreaterThan(total) {
			return ErrInvalidAmount.WithField("refundAmount",
				fmt.Sprintf("must be between 0 and %s", money.Format(total, c.Currency)))
		}
		if !money.ValidPrecision(amount, c.Currency) {
			return ErrInvalidAmount.WithField("refundAmount", "too many decimal places for "+c.Currency)
		}

		now := s.now()
		r := &Refund{
			ID:          idgen.New(),
			ContractID:  c.ID,
			DisputeID:   disputeID,
			Amount:      amount,
			Currency:    c.Currency,
			Provider:    holderName(c),
			Allocations: allocateRefund(candidates, amount),
			Reason:      reason,
			Status:      TransferExecuting,
			InitiatedBy: initiator,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateRefund(ctx, r); err != nil {
			return err
		}
		ref, con, created = r, c, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return ref, nil
	}

	res, perr := s.sendRefund(ctx, con, ref)
	return s.finishRefund(ctx, ref, res, perr)
}

func (s *Service) sendRefund(ctx context.Context, c *Contract, r *Refund) (*provider.TransferResult, error) {
	p, err := s.holder(c)
	if err != nil {
		return nil, provider.Rejected(holderName(c), provider.OpRefund, "no_provider", err.Error())
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cctx, span := traces.StartSpan(cctx, "provider.Refund", traces.Provider(r.Provider), traces.ContractID(c.ID), traces.Amount(r.Amount.String()))
	defer span.End()

	res, err := p.Refund(cctx, provider.RefundRequest{
		Holder:         c.HoldingProvider,
		HoldReference:  c.ProviderReference,
		Reference:      c.Reference,
		Amount:         r.Amount,
		Currency:       r.Currency,
		Reason:         r.Reason,
		IdempotencyKey: r.ID,
	})
	if err != nil {
		err = provider.Classify(r.Provider, provider.OpRefund, err)
		traces.RecordError(span, err)
		return nil, err
	}
	return res, nil
}

func (s *Service) finishRefund(ctx context.Context, r *Refund, res *provider.TransferResult, perr error) (*Refund, error) {
	log := logging.L(ctx).With("refund_id", r.ID, "contract_id", r.ContractID, "provider", r.Provider)

	switch {
	case perr != nil && provider.IsAmbiguous(perr):
		metrics.RefundsTotal.WithLabelValues(r.Provider, "ambiguous").Inc()
		log.Warn("refund outcome unknown, left for reconciliation", "error", perr)
		return r, perr
	case perr != nil:
		return s.failRefund(ctx, r, perr.Error(), perr)
	case res.Status == provider.StatusFailed:
		err := provider.Rejected(r.Provider, provider.OpRefund, "failed", "provider reported the refund as failed")
		return s.failRefund(ctx, r, err.Error(), err)
	case res.Status == provider.StatusPending:
		metrics.RefundsTotal.WithLabelValues(r.Provider, "pending").Inc()
		return r, &provider.Error{
			Provider: r.Provider, Op: provider.OpRefund, Code: "pending",
			Message: "refund accepted but not settled", Retryable: true, Ambiguous: true,
		}
	}

	done, err := s.completeRefund(ctx, r.ID, res.Reference)
	if err != nil {
		log.Error("CRITICAL: refund sent but not recorded", "provider_ref", res.Reference, "error", err)
		return r, fmt.Errorf("refund %s sent but not recorded (will reconcile): %w", r.ID, err)
	}
	return done, nil
}

// completeRefund marks a refund COMPLETED and charges it to its milestones.
func (s *Service) completeRefund(ctx context.Context, refundID, providerRef string) (*Refund, error) {
	r, err := s.store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}

	var (
		con     *Contract
		settled []*Milestone
		done    bool
	)
	err = s.locked(ctx, r.ContractID, func(ctx context.Context, c *Contract) error {
		r, err = s.store.GetRefund(ctx, refundID)
		if err != nil {
			return err
		}
		if r.Status == TransferCompleted {
			return nil
		}
		if r.Status == TransferFailed {
			return fmt.Errorf("refund %s already marked failed", r.ID)
		}

		now := s.now()
		r.Status = TransferCompleted
		r.ProviderReference = providerRef
		r.ExecutedAt = &now
		r.UpdatedAt = now
		if err := s.store.UpdateRefund(ctx, r); err != nil {
			return err
		}

		for _, a := range r.Allocations {
			m, err := s.store.GetMilestone(ctx, a.MilestoneID)
			if err != nil {
				return err
			}
			m.RefundedAmount = m.RefundedAmount.Add(a.Amount)
			if !m.Releasable().IsPositive() {
				m.Status = MilestoneRefunded
				settled = append(settled, m)
			}
			m.UpdatedAt = now
			if err := s.store.UpdateMilestone(ctx, m); err != nil {
				return err
			}
		}

		c.RefundedAmount = c.RefundedAmount.Add(r.Amount)
		c.UpdatedAt = now
		if err := s.store.UpdateContract(ctx, c); err != nil {
			return err
		}
		con, done = c, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !done {
		return r, nil
	}

	metrics.RefundsTotal.WithLabelValues(r.Provider, "completed").Inc()
	logging.L(ctx).Info("funds refunded",
		"refund_id", r.ID, "contract_id", con.ID, "dispute_id", r.DisputeID,
		"amount", r.Amount.String(), "currency", r.Currency, "provider", r.Provider)

	if s.scheduler != nil {
		for _, m := range settled {
			if err := s.scheduler.MilestoneSettled(ctx, m, "milestone refunded"); err != nil {
				logging.L(ctx).Warn("failed to cancel auto-release after refund", "milestone_id", m.ID, "error", err)
			}
		}
	}
	s.notify(ctx, &notify.Event{
		Type:       notify.EventRefundExecuted,
		Recipients: []string{con.PayerID, con.PayeeID},
		ContractID: con.ID,
		DisputeID:  r.DisputeID,
		Data: map[string]interface{}{
			"refundId": r.ID,
			"amount":   r.Amount.String(),
			"currency": r.Currency,
		},
	})
	return r, nil
}

func (s *Service) failRefund(ctx context.Context, r *Refund, reason string, cause error) (*Refund, error) {
	err := s.locked(ctx, r.ContractID, func(ctx context.Context, _ *Contract) error {
		fresh, err := s.store.GetRefund(ctx, r.ID)
		if err != nil {
			return err
		}
		r = fresh
		if fresh.Status != TransferExecuting && fresh.Status != TransferPending {
			return nil
		}
		fresh.Status = TransferFailed
		fresh.FailureReason = reason
		fresh.UpdatedAt = s.now()
		return s.store.UpdateRefund(ctx, fresh)
	})
	if err != nil {
		logging.L(ctx).Error("failed to record refund failure", "refund_id", r.ID, "error", err)
		return r, errors.Join(cause, err)
	}
	metrics.RefundsTotal.WithLabelValues(r.Provider, "failed").Inc()
	logging.L(ctx).Warn("refund rejected by provider", "refund_id", r.ID, "contract_id", r.ContractID, "reason", reason)
	return r, cause
}

// ReconcileRefund resolves an EXECUTING refund through QueryStatus.
func (s *Service) ReconcileRefund(ctx context.Context, refundID string) (*Refund, error) {
	r, err := s.store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if r.Status != TransferExecuting && r.Status != TransferPending {
		return r, nil
	}
	c, err := s.store.GetContract(ctx, r.ContractID)
	if err != nil {
		return nil, err
	}

	res, err := s.queryTransfer(ctx, c, provider.OpRefund, r.ID)
	if err != nil {
		return r, err
	}
	switch res.Status {
	case provider.StatusSucceeded:
		return s.completeRefund(ctx, r.ID, provider.TransferReference(res.Detail))
	case provider.StatusFailed:
		r, _ = s.failRefund(ctx, r, "provider reported the refund as failed", nil)
		return r, nil
	default:
		return r, nil
	}
}

// ListExecutingRefunds returns refunds awaiting reconciliation.
func (s *Service) ListExecutingRefunds(ctx context.Context, limit int) ([]*Refund, error) {
	return s.store.ListRefundsByStatus(ctx, TransferExecuting, limit)
}
