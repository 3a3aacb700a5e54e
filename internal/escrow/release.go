package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/kocbridge/escrow/internal/idgen"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/notify"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/traces"
)

// ReleaseMilestoneFunds pays an APPROVED milestone to the payee.
//
// It is idempotent: when the milestone already has a release that is not
// FAILED, that release is returned and nothing is sent. Otherwise an
// EXECUTING release is recorded under the contract lock, the holding
// provider is called without the lock, and the outcome is recorded:
// success completes the release (and the contract once every milestone is
// settled), a rejection marks it FAILED, and an ambiguous outcome leaves it
// EXECUTING for reconciliation. The pipeline never retries by itself.
func (s *Service) ReleaseMilestoneFunds(ctx context.Context, milestoneID, initiator string) (*FundRelease, error) {
	return s.releaseMilestone(ctx, milestoneID, initiator, false)
}

// SettleRelease releases a milestone of a disputed contract as part of an
// arbitrator's decision, approving it first if needed.
func (s *Service) SettleRelease(ctx context.Context, milestoneID, arbitratorID string) (*FundRelease, error) {
	return s.releaseMilestone(ctx, milestoneID, arbitratorID, true)
}

func (s *Service) releaseMilestone(ctx context.Context, milestoneID, initiator string, settlement bool) (_ *FundRelease, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseMilestoneFunds", traces.MilestoneID(milestoneID))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()

	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	var (
		rel     *FundRelease
		con     *Contract
		created bool
	)
	err = s.locked(ctx, m.ContractID, func(ctx context.Context, c *Contract) error {
		switch {
		case c.Status == ContractDisputed && !settlement:
			return ErrContractDisputed
		case c.Status != ContractDisputed && settlement:
			return ErrInvalidStatus.WithMessage("contract is not under dispute")
		case !c.Status.IsFunded():
			return ErrInvalidStatus.WithMessage("contract holds no funds")
		}

		m, err := s.milestoneIn(ctx, c, milestoneID)
		if err != nil {
			return err
		}
		existing, err := s.store.GetActiveRelease(ctx, m.ID)
		if err == nil {
			rel = existing
			return nil
		}
		if !errors.Is(err, ErrReleaseNotFound) {
			return err
		}
		if m.IsSettled() {
			return ErrInvalidStatus.WithMessage("milestone is already settled")
		}

		now := s.now()
		if m.Status != MilestoneApproved {
			if !settlement {
				return ErrInvalidStatus.WithMessage("milestone is not approved")
			}
			m.Status = MilestoneApproved
			m.ApprovedAt = &now
			m.ApprovedBy = initiator
			m.UpdatedAt = now
			if err := s.store.UpdateMilestone(ctx, m); err != nil {
				return err
			}
		}

		recipient := c.PayeeAccount
		if recipient == "" {
			recipient = c.PayeeID
		}
		r := &FundRelease{
			ID:          idgen.New(),
			ContractID:  c.ID,
			MilestoneID: m.ID,
			Recipient:   recipient,
			Amount:      m.Releasable(),
			Currency:    c.Currency,
			Provider:    holderName(c),
			Status:      TransferExecuting,
			InitiatedBy: initiator,
			ScheduledAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateRelease(ctx, r); err != nil {
			if errors.Is(err, ErrReleaseExists) {
				rel, err = s.store.GetActiveRelease(ctx, m.ID)
				return err
			}
			return err
		}
		rel, con, created = r, c, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !created {
		logging.L(ctx).Info("release already recorded", "milestone_id", milestoneID, "release_id", rel.ID, "status", string(rel.Status))
		return rel, nil
	}

	res, perr := s.sendRelease(ctx, con, rel)
	return s.finishRelease(ctx, rel, res, perr)
}

func (s *Service) sendRelease(ctx context.Context, c *Contract, r *FundRelease) (*provider.TransferResult, error) {
	p, err := s.holder(c)
	if err != nil {
		return nil, provider.Rejected(holderName(c), provider.OpRelease, "no_provider", err.Error())
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cctx, span := traces.StartSpan(cctx, "provider.Release", traces.Provider(r.Provider), traces.ContractID(c.ID), traces.Amount(r.Amount.String()))
	defer span.End()

	res, err := p.Release(cctx, provider.ReleaseRequest{
		Holder:         c.HoldingProvider,
		HoldReference:  c.ProviderReference,
		Reference:      c.Reference,
		Amount:         r.Amount,
		Currency:       r.Currency,
		PayeeAccount:   r.Recipient,
		Description:    "Milestone release " + c.Reference,
		IdempotencyKey: r.ID,
	})
	if err != nil {
		err = provider.Classify(r.Provider, provider.OpRelease, err)
		traces.RecordError(span, err)
		return nil, err
	}
	return res, nil
}

// finishRelease records the outcome of a provider release call.
func (s *Service) finishRelease(ctx context.Context, r *FundRelease, res *provider.TransferResult, perr error) (*FundRelease, error) {
	log := logging.L(ctx).With("release_id", r.ID, "contract_id", r.ContractID, "milestone_id", r.MilestoneID, "provider", r.Provider)

	switch {
	case perr != nil && provider.IsAmbiguous(perr):
		metrics.ReleasesTotal.WithLabelValues(r.Provider, "ambiguous").Inc()
		log.Warn("release outcome unknown, left for reconciliation", "error", perr)
		return r, perr
	case perr != nil:
		return s.failRelease(ctx, r, perr.Error(), perr)
	case res.Status == provider.StatusFailed:
		err := provider.Rejected(r.Provider, provider.OpRelease, "failed", "provider reported the transfer as failed")
		return s.failRelease(ctx, r, err.Error(), err)
	case res.Status == provider.StatusPending:
		metrics.ReleasesTotal.WithLabelValues(r.Provider, "pending").Inc()
		log.Info("release accepted but not settled", "provider_ref", res.Reference)
		return r, &provider.Error{
			Provider: r.Provider, Op: provider.OpRelease, Code: "pending",
			Message: "transfer accepted but not settled", Retryable: true, Ambiguous: true,
		}
	}

	done, err := s.completeRelease(ctx, r.ID, res.Reference)
	if err != nil {
		// The provider moved the money; the row stays EXECUTING and the
		// reconciler will settle it.
		log.Error("CRITICAL: release sent but not recorded", "provider_ref", res.Reference, "error", err)
		return r, fmt.Errorf("release %s sent but not recorded (will reconcile): %w", r.ID, err)
	}
	return done, nil
}

// completeRelease marks a release COMPLETED and settles its milestone.
// Repeated calls are no-ops.
func (s *Service) completeRelease(ctx context.Context, releaseID, providerRef string) (*FundRelease, error) {
	r, err := s.store.GetRelease(ctx, releaseID)
	if err != nil {
		return nil, err
	}

	var (
		con  *Contract
		mile *Milestone
		done bool
	)
	err = s.locked(ctx, r.ContractID, func(ctx context.Context, c *Contract) error {
		r, err = s.store.GetRelease(ctx, releaseID)
		if err != nil {
			return err
		}
		if r.Status == TransferCompleted {
			return nil
		}
		if r.Status == TransferFailed {
			return fmt.Errorf("release %s already marked failed", r.ID)
		}

		now := s.now()
		r.Status = TransferCompleted
		r.ProviderReference = providerRef
		r.ExecutedAt = &now
		r.FailureReason = ""
		r.UpdatedAt = now
		if err := s.store.UpdateRelease(ctx, r); err != nil {
			return err
		}

		m, err := s.store.GetMilestone(ctx, r.MilestoneID)
		if err != nil {
			return err
		}
		m.ReleasedAt = &now
		m.UpdatedAt = now
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}

		c.ReleasedAmount = c.ReleasedAmount.Add(r.Amount)
		c.UpdatedAt = now
		if c.Status == ContractActive || c.Status == ContractMilestonePending {
			milestones, err := s.store.ListMilestones(ctx, c.ID)
			if err != nil {
				return err
			}
			c.Status = openStatus(milestones, ContractCompleted)
			if c.Status.IsTerminal() {
				c.CompletedAt = &now
			}
		}
		if err := s.store.UpdateContract(ctx, c); err != nil {
			return err
		}
		con, mile, done = c, m, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !done {
		return r, nil
	}

	metrics.ReleasesTotal.WithLabelValues(r.Provider, "completed").Inc()
	logging.L(ctx).Info("funds released",
		"release_id", r.ID, "contract_id", con.ID, "milestone_id", mile.ID,
		"amount", r.Amount.String(), "currency", r.Currency, "provider", r.Provider, "initiated_by", r.InitiatedBy)

	if s.scheduler != nil {
		if err := s.scheduler.MilestoneSettled(ctx, mile, "funds released"); err != nil {
			logging.L(ctx).Warn("failed to cancel auto-release after release", "milestone_id", mile.ID, "error", err)
		}
	}
	ev := s.milestoneEvent(notify.EventReleaseExecuted, con, mile, con.PayeeID, con.PayerID)
	ev.Data["releaseId"] = r.ID
	ev.Data["contractStatus"] = string(con.Status)
	s.notify(ctx, ev)
	return r, nil
}

// failRelease marks a release FAILED. The milestone stays APPROVED so the
// release can be retried.
func (s *Service) failRelease(ctx context.Context, r *FundRelease, reason string, cause error) (*FundRelease, error) {
	var con *Contract
	err := s.locked(ctx, r.ContractID, func(ctx context.Context, c *Contract) error {
		fresh, err := s.store.GetRelease(ctx, r.ID)
		if err != nil {
			return err
		}
		if fresh.Status != TransferExecuting && fresh.Status != TransferPending {
			r = fresh
			return nil
		}
		now := s.now()
		fresh.Status = TransferFailed
		fresh.FailureReason = reason
		fresh.UpdatedAt = now
		if err := s.store.UpdateRelease(ctx, fresh); err != nil {
			return err
		}
		r, con = fresh, c
		return nil
	})
	if err != nil {
		logging.L(ctx).Error("failed to record release failure", "release_id", r.ID, "error", err)
		return r, errors.Join(cause, err)
	}
	if con != nil {
		metrics.ReleasesTotal.WithLabelValues(r.Provider, "failed").Inc()
		logging.L(ctx).Warn("release rejected by provider", "release_id", r.ID, "contract_id", r.ContractID, "reason", reason)
		s.notify(ctx, &notify.Event{
			Type:        notify.EventReleaseFailed,
			Recipients:  []string{con.PayerID, notify.AdminRecipient},
			ContractID:  con.ID,
			MilestoneID: r.MilestoneID,
			Data:        map[string]interface{}{"releaseId": r.ID, "reason": reason},
		})
	}
	return r, cause
}

// ReconcileRelease resolves an EXECUTING release by asking the holding
// provider what happened to it.
func (s *Service) ReconcileRelease(ctx context.Context, releaseID string) (*FundRelease, error) {
	r, err := s.store.GetRelease(ctx, releaseID)
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

	res, err := s.queryTransfer(ctx, c, provider.OpRelease, r.ID)
	if err != nil {
		return r, err
	}
	switch res.Status {
	case provider.StatusSucceeded:
		return s.completeRelease(ctx, r.ID, provider.TransferReference(res.Detail))
	case provider.StatusFailed:
		r, _ = s.failRelease(ctx, r, "provider reported the transfer as failed", nil)
		return r, nil
	default:
		return r, nil
	}
}

func (s *Service) queryTransfer(ctx context.Context, c *Contract, op provider.Op, key string) (*provider.StatusResult, error) {
	p, err := s.holder(c)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := p.QueryStatus(cctx, provider.StatusQuery{
		Holder:            c.HoldingProvider,
		Op:                op,
		Key:               key,
		HoldReference:     c.ProviderReference,
		ContractReference: c.Reference,
	})
	if err != nil {
		return nil, provider.Classify(holderName(c), provider.OpQuery, err)
	}
	return res, nil
}

// ListExecutingReleases returns releases awaiting reconciliation.
func (s *Service) ListExecutingReleases(ctx context.Context, limit int) ([]*FundRelease, error) {
	return s.store.ListReleasesByStatus(ctx, TransferExecuting, limit)
}

func holderName(c *Contract) string {
	if c.HoldingProvider != "" {
		return c.HoldingProvider
	}
	return c.PaymentMethod
}
