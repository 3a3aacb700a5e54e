package escrow

import (
	"context"
	"errors"
	"strings"

	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/idgen"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/notify"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/traces"
)

// InitiatePayment asks the contract's funding provider to hold the total.
// For vn_escrow the failover manager picks the gateway; the gateway that
// actually holds the funds is recorded on the payment.
func (s *Service) InitiatePayment(ctx context.Context, contractID string, actor auth.Actor, returnURL string) (*Payment, error) {
	var con *Contract
	err := s.locked(ctx, contractID, func(ctx context.Context, c *Contract) error {
		if err := authorizePayer(c, actor, false); err != nil {
			return err
		}
		if c.Status != ContractPendingPayment {
			return ErrAlreadyFunded.WithMessage("contract is not awaiting payment")
		}
		payments, err := s.store.ListPayments(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, p := range payments {
			if p.Status == PaymentCompleted {
				return ErrAlreadyFunded
			}
		}
		con = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	p, err := s.providers.Get(con.PaymentMethod)
	if err != nil {
		return nil, err
	}

	now := s.now()
	pay := &Payment{
		ID:         idgen.New(),
		ContractID: con.ID,
		Method:     con.PaymentMethod,
		Provider:   con.PaymentMethod,
		Amount:     con.TotalAmount,
		Currency:   con.Currency,
		Status:     PaymentPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cctx, span := traces.StartSpan(cctx, "provider.Hold", traces.Provider(con.PaymentMethod), traces.ContractID(con.ID), traces.Reference(con.Reference))
	res, herr := p.Hold(cctx, provider.HoldRequest{
		ContractID:     con.ID,
		Reference:      con.Reference,
		PayerID:        con.PayerID,
		Amount:         con.TotalAmount,
		Currency:       con.Currency,
		Description:    con.Title,
		ReturnURL:      returnURL,
		IdempotencyKey: pay.ID,
	})
	traces.RecordError(span, herr)
	span.End()

	if herr != nil {
		herr = provider.Classify(con.PaymentMethod, provider.OpHold, herr)
		pay.Status = PaymentFailed
		pay.FailureReason = herr.Error()
		if err := s.store.CreatePayment(ctx, pay); err != nil {
			logging.L(ctx).Error("failed to record failed payment", "contract_id", con.ID, "error", err)
		}
		metrics.PaymentsTotal.WithLabelValues(con.PaymentMethod, string(PaymentFailed)).Inc()
		return pay, herr
	}

	pay.Provider = res.Provider
	if pay.Provider == "" {
		pay.Provider = p.Name()
	}
	pay.ProviderReference = res.Reference
	pay.CheckoutURL = res.CheckoutURL
	pay.ClientSecret = res.ClientSecret
	pay.UsedBackup = res.UsedBackup
	pay.PrimaryError = res.PrimaryError
	if err := s.store.CreatePayment(ctx, pay); err != nil {
		logging.L(ctx).Error("CRITICAL: hold created but payment not recorded",
			"contract_id", con.ID, "provider", pay.Provider, "provider_ref", pay.ProviderReference, "error", err)
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(pay.Provider, string(PaymentPending)).Inc()
	logging.L(ctx).Info("payment initiated",
		"payment_id", pay.ID, "contract_id", con.ID, "provider", pay.Provider, "used_backup", pay.UsedBackup)

	if res.Status == provider.StatusSucceeded {
		return s.markFunded(ctx, pay.ID, pay.ProviderReference)
	}
	return pay, nil
}

// ConfirmPayment verifies a pending payment with its provider and funds
// the contract when the hold succeeded. proof optionally names the
// provider-side transaction, such as the on-chain deposit hash.
func (s *Service) ConfirmPayment(ctx context.Context, paymentID string, actor auth.Actor, proof string) (*Payment, error) {
	pay, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetContract(ctx, pay.ContractID)
	if err != nil {
		return nil, err
	}
	if err := authorizePayer(c, actor, true); err != nil {
		return nil, err
	}
	if pay.Status == PaymentCompleted {
		return pay, nil
	}
	if pay.Status == PaymentFailed {
		return nil, ErrInvalidStatus.WithMessage("payment has failed; start a new one")
	}

	key := strings.TrimSpace(proof)
	if key == "" {
		key = pay.ProviderReference
	}

	p, err := s.providers.Get(pay.Method)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := p.QueryStatus(cctx, provider.StatusQuery{
		Holder:            pay.Provider,
		Op:                provider.OpHold,
		Key:               key,
		HoldReference:     pay.ProviderReference,
		ContractReference: c.Reference,
	})
	if err != nil {
		return nil, provider.Classify(pay.Provider, provider.OpQuery, err)
	}

	switch res.Status {
	case provider.StatusSucceeded:
		if !res.Amount.IsZero() && res.Amount.LessThan(pay.Amount) {
			return nil, ErrUnderfunded.
				WithField("expected", pay.Amount.String()).
				WithField("received", res.Amount.String())
		}
		return s.markFunded(ctx, pay.ID, key)
	case provider.StatusFailed:
		return s.failPayment(ctx, pay.ID, "provider reported the hold as failed")
	default:
		return pay, nil
	}
}

// ApplyProviderEvent applies a verified callback. Hold outcomes fund or
// fail the payment; transfer outcomes trigger reconciliation of the
// contract's in-flight releases and refunds, which re-reads the state from
// the provider rather than trusting the callback body.
func (s *Service) ApplyProviderEvent(ctx context.Context, ev *provider.CallbackEvent) error {
	log := logging.L(ctx).With("provider", ev.Provider, "event", string(ev.Kind), "reference", ev.Reference, "provider_ref", ev.ProviderReference)

	switch ev.Kind {
	case provider.EventHoldSucceeded, provider.EventHoldFailed:
		pay, err := s.paymentForEvent(ctx, ev)
		if err != nil {
			if errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrContractNotFound) {
				log.Warn("callback for unknown payment ignored")
				return nil
			}
			return err
		}
		// A contract reference is shared across rails; only the holder may
		// settle its payment.
		if pay.Provider != ev.Provider {
			log.Error("callback from a provider that does not hold the payment", "payment_id", pay.ID, "holder", pay.Provider)
			return ErrWrongProvider
		}
		if ev.Kind == provider.EventHoldFailed {
			_, err = s.failPayment(ctx, pay.ID, "provider callback reported failure")
			return err
		}
		if ev.Amount.LessThan(pay.Amount) {
			log.Error("callback amount below contract total", "expected", pay.Amount.String(), "received", ev.Amount.String())
			return ErrUnderfunded
		}
		ref := ev.ProviderReference
		if ref == "" {
			ref = pay.ProviderReference
		}
		_, err = s.markFunded(ctx, pay.ID, ref)
		if errors.Is(err, ErrAlreadyFunded) {
			log.Info("duplicate funding callback ignored")
			return nil
		}
		return err

	case provider.EventReleaseSucceeded, provider.EventReleaseFailed, provider.EventRefundSucceeded, provider.EventRefundFailed:
		c, err := s.contractForEvent(ctx, ev)
		if err != nil {
			if errors.Is(err, ErrContractNotFound) {
				log.Warn("callback for unknown contract ignored")
				return nil
			}
			return err
		}
		return s.ReconcileContract(ctx, c.ID)

	default:
		log.Debug("callback ignored")
		return nil
	}
}

func (s *Service) contractForEvent(ctx context.Context, ev *provider.CallbackEvent) (*Contract, error) {
	if ev.Reference != "" {
		return s.store.GetContractByReference(ctx, ev.Reference)
	}
	pay, err := s.store.GetPaymentByProviderRef(ctx, ev.Provider, ev.ProviderReference)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return nil, ErrContractNotFound
		}
		return nil, err
	}
	return s.store.GetContract(ctx, pay.ContractID)
}

// paymentForEvent finds the payment a hold callback refers to: by provider
// reference first, then the newest pending payment of the referenced
// contract.
func (s *Service) paymentForEvent(ctx context.Context, ev *provider.CallbackEvent) (*Payment, error) {
	if ev.ProviderReference != "" {
		pay, err := s.store.GetPaymentByProviderRef(ctx, ev.Provider, ev.ProviderReference)
		if err == nil {
			return pay, nil
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return nil, err
		}
	}
	if ev.Reference == "" {
		return nil, ErrPaymentNotFound
	}
	c, err := s.store.GetContractByReference(ctx, ev.Reference)
	if err != nil {
		return nil, err
	}
	payments, err := s.store.ListPayments(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	var found *Payment
	for _, p := range payments {
		if p.Status == PaymentCompleted {
			return p, nil
		}
		if p.Status == PaymentPending && (found == nil || p.CreatedAt.After(found.CreatedAt)) {
			found = p
		}
	}
	if found == nil {
		return nil, ErrPaymentNotFound
	}
	return found, nil
}

// markFunded completes a payment and activates its contract, then has the
// scheduler create auto-release rules for every milestone.
func (s *Service) markFunded(ctx context.Context, paymentID, providerRef string) (*Payment, error) {
	pay, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	var (
		con        *Contract
		milestones []*Milestone
		funded     bool
	)
	err = s.locked(ctx, pay.ContractID, func(ctx context.Context, c *Contract) error {
		pay, err = s.store.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if pay.Status == PaymentCompleted {
			return nil
		}
		if c.Status != ContractPendingPayment {
			logging.L(ctx).Error("CRITICAL: second hold succeeded for a funded contract",
				"contract_id", c.ID, "payment_id", pay.ID, "provider", pay.Provider, "provider_ref", providerRef)
			return ErrAlreadyFunded
		}

		now := s.now()
		pay.Status = PaymentCompleted
		if providerRef != "" {
			pay.ProviderReference = providerRef
		}
		pay.FailureReason = ""
		pay.CompletedAt = &now
		pay.UpdatedAt = now
		if err := s.store.UpdatePayment(ctx, pay); err != nil {
			return err
		}

		c.Status = ContractActive
		c.HoldingProvider = pay.Provider
		c.ProviderReference = pay.ProviderReference
		c.UsedBackup = pay.UsedBackup
		c.PrimaryError = pay.PrimaryError
		c.FundedAt = &now
		c.UpdatedAt = now
		if err := s.store.UpdateContract(ctx, c); err != nil {
			return err
		}
		milestones, err = s.store.ListMilestones(ctx, c.ID)
		if err != nil {
			return err
		}
		con, funded = c, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !funded {
		return pay, nil
	}

	metrics.PaymentsTotal.WithLabelValues(pay.Provider, string(PaymentCompleted)).Inc()
	logging.L(ctx).Info("contract funded",
		"contract_id", con.ID, "payment_id", pay.ID, "provider", pay.Provider, "used_backup", pay.UsedBackup)

	if s.scheduler != nil {
		if err := s.scheduler.MilestonesFunded(ctx, con, milestones); err != nil {
			logging.L(ctx).Warn("failed to schedule auto-release", "contract_id", con.ID, "error", err)
		}
	}
	s.notify(ctx, &notify.Event{
		Type:       notify.EventPaymentConfirmed,
		Recipients: []string{con.PayerID, con.PayeeID},
		ContractID: con.ID,
		Data: map[string]interface{}{
			"reference": con.Reference,
			"amount":    pay.Amount.String(),
			"currency":  pay.Currency,
			"provider":  pay.Provider,
		},
	})
	return pay, nil
}

func (s *Service) failPayment(ctx context.Context, paymentID, reason string) (*Payment, error) {
	pay, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	err = s.locked(ctx, pay.ContractID, func(ctx context.Context, _ *Contract) error {
		pay, err = s.store.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if pay.Status != PaymentPending {
			return nil
		}
		pay.Status = PaymentFailed
		pay.FailureReason = reason
		pay.UpdatedAt = s.now()
		return s.store.UpdatePayment(ctx, pay)
	})
	if err != nil {
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(pay.Provider, string(pay.Status)).Inc()
	return pay, nil
}

// ReconcileContract resolves every in-flight release and refund of a
// contract.
func (s *Service) ReconcileContract(ctx context.Context, contractID string) error {
	var errs []error
	releases, err := s.store.ListReleases(ctx, contractID)
	if err != nil {
		return err
	}
	for _, r := range releases {
		if r.Status == TransferExecuting {
			if _, err := s.ReconcileRelease(ctx, r.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	refunds, err := s.store.ListRefunds(ctx, contractID)
	if err != nil {
		return err
	}
	for _, r := range refunds {
		if r.Status == TransferExecuting {
			if _, err := s.ReconcileRefund(ctx, r.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
