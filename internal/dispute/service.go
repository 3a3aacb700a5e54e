package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/escrow"
	"github.com/kocbridge/escrow/internal/idgen"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/money"
	"github.com/kocbridge/escrow/internal/notify"
	"github.com/kocbridge/escrow/internal/syncutil"
	"github.com/kocbridge/escrow/internal/traces"
	"github.com/kocbridge/escrow/internal/validation"
)

// DefaultSLA is how long arbitration may take before a dispute is overdue.
const DefaultSLA = 7 * 24 * time.Hour

const maxEvidence = 20

// Priority thresholds in VND.
var (
	urgentThreshold = decimal.NewFromInt(50_000_000)
	highThreshold   = decimal.NewFromInt(10_000_000)
	mediumThreshold = decimal.NewFromInt(1_000_000)
)

// DefaultVNDRates converts contract amounts to VND for prioritization.
func DefaultVNDRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		money.VND:  decimal.NewFromInt(1),
		money.USD:  decimal.NewFromInt(25_000),
		money.USDC: decimal.NewFromInt(25_000),
	}
}

// PriorityFor derives the queue priority from a VND amount.
func PriorityFor(vnd decimal.Decimal) Priority {
	switch {
	case vnd.GreaterThanOrEqual(urgentThreshold):
		return PriorityUrgent
	case vnd.GreaterThanOrEqual(highThreshold):
		return PriorityHigh
	case vnd.GreaterThanOrEqual(mediumThreshold):
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Escrow is the part of the escrow engine that disputes drive.
// *escrow.Service satisfies it.
type Escrow interface {
	GetContract(ctx context.Context, id string, actor auth.Actor) (*escrow.Contract, error)
	Freeze(ctx context.Context, contractID string, actor auth.Actor, fn func(ctx context.Context, c *escrow.Contract) error) (*escrow.Contract, error)
	Unfreeze(ctx context.Context, contractID string, terminal escrow.ContractStatus, fn func(ctx context.Context, c *escrow.Contract) error) (*escrow.Contract, error)
	SettleRefund(ctx context.Context, contractID, disputeID, initiator string, amount decimal.Decimal, reason string) (*escrow.Refund, error)
	SettleRelease(ctx context.Context, milestoneID, arbitratorID string) (*escrow.FundRelease, error)
	UnsettledMilestones(ctx context.Context, contractID string) ([]*escrow.Milestone, error)
	Refundable(ctx context.Context, contractID string) (decimal.Decimal, error)
}

// Service runs the dispute workflow.
type Service struct {
	store    Store
	escrow   Escrow
	notifier notify.Notifier
	locks    *syncutil.KeyedMutex
	sla      time.Duration
	rates    map[string]decimal.Decimal
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, escrow Escrow) *Service {
	return &Service{
		store:  store,
		escrow: escrow,
		locks:  syncutil.NewKeyedMutex(),
		sla:    DefaultSLA,
		rates:  DefaultVNDRates(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithNotifier wires outbound notifications.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithSLA sets the arbitration window.
func (s *Service) WithSLA(d time.Duration) *Service {
	if d > 0 {
		s.sla = d
	}
	return s
}

// WithVNDRates overrides the currency conversion used for priorities.
func (s *Service) WithVNDRates(rates map[string]decimal.Decimal) *Service {
	s.rates = rates
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) priority(amount decimal.Decimal, currency string) Priority {
	rate, ok := s.rates[currency]
	if !ok {
		rate = decimal.NewFromInt(1)
	}
	return PriorityFor(amount.Mul(rate))
}

func cleanEvidence(in []string) ([]string, error) {
	if len(in) > maxEvidence {
		return nil, ErrInvalidRequest.WithField("evidence", fmt.Sprintf("at most %d items", maxEvidence))
	}
	out := make([]string, 0, len(in))
	for _, e := range in {
		if e = validation.SanitizeString(e, 2000); e != "" {
			out = append(out, e)
		}
	}
	return out, nil
}

// CreateDispute opens a dispute and freezes the contract in one step.
func (s *Service) CreateDispute(ctx context.Context, initiator auth.Actor, req CreateRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.CreateDispute", traces.ContractID(req.ContractID))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()

	reason := validation.SanitizeString(req.Reason, 500)
	if reason == "" {
		return nil, ErrInvalidRequest.WithField("reason", "is required")
	}
	evidence, err := cleanEvidence(req.Evidence)
	if err != nil {
		return nil, err
	}
	action := req.RequestedAction
	if action == "" {
		action = ActionRefund
	}
	switch action {
	case ActionRefund, ActionRelease, ActionPartialRefund:
	default:
		return nil, ErrInvalidRequest.WithField("requestedAction", "must be REFUND, RELEASE or PARTIAL_REFUND")
	}
	var requested *decimal.Decimal
	if strings.TrimSpace(req.RequestedAmount) != "" {
		amt, ok := money.Parse(req.RequestedAmount)
		if !ok || !amt.IsPositive() {
			return nil, ErrInvalidRequest.WithField("requestedAmount", "must be a positive amount")
		}
		requested = &amt
	}
	if action == ActionPartialRefund && requested == nil {
		return nil, ErrInvalidRequest.WithField("requestedAmount", "is required for a partial refund")
	}

	var d *Dispute
	_, err = s.escrow.Freeze(ctx, req.ContractID, initiator, func(ctx context.Context, c *escrow.Contract) error {
		if requested != nil {
			refundable, err := s.escrow.Refundable(ctx, c.ID)
			if err != nil {
				return err
			}
			if requested.GreaterThan(refundable) {
				return ErrInvalidRequest.WithField("requestedAmount",
					"cannot exceed the refundable amount "+money.Format(refundable, c.Currency))
			}
		}
		if _, err := s.store.GetOpenByContract(ctx, c.ID); err == nil {
			return ErrDisputeAlreadyOpen
		} else if !errors.Is(err, ErrDisputeNotFound) {
			return err
		}

		now := s.now()
		d = &Dispute{
			ID:              idgen.New(),
			ContractID:      c.ID,
			PayerID:         c.PayerID,
			PayeeID:         c.PayeeID,
			InitiatorID:     initiator.ID,
			Reason:          reason,
			Description:     validation.SanitizeString(req.Description, 5000),
			Evidence:        evidence,
			RequestedAction: action,
			RequestedAmount: requested,
			ContractAmount:  c.TotalAmount,
			Currency:        c.Currency,
			Priority:        s.priority(c.TotalAmount, c.Currency),
			Status:          StatusPending,
			DueAt:           now.Add(s.sla),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return s.store.Create(ctx, d)
	})
	if errors.Is(err, escrow.ErrContractDisputed) {
		return nil, ErrDisputeAlreadyOpen
	}
	if err != nil {
		return nil, err
	}

	metrics.DisputesOpenedTotal.WithLabelValues(string(d.Priority)).Inc()
	logging.L(ctx).Info("dispute opened",
		"dispute_id", d.ID, "contract_id", d.ContractID, "initiator", d.InitiatorID,
		"priority", string(d.Priority), "requested_action", string(d.RequestedAction))
	s.notify(ctx, d, notify.EventDisputeOpened, []string{d.PayerID, d.PayeeID, notify.AdminRecipient}, map[string]interface{}{
		"priority": string(d.Priority),
		"reason":   d.Reason,
	})
	return d, nil
}

// Get returns a dispute visible to actor: a party, the assigned
// arbitrator or staff.
func (s *Service) Get(ctx context.Context, id string, actor auth.Actor) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canRead(d, actor) {
		return nil, ErrAccessDenied
	}
	return d, nil
}

func canRead(d *Dispute, actor auth.Actor) bool {
	return d.IsParty(actor.ID) || (actor.ID != "" && actor.ID == d.ArbitratorID) || actor.IsStaff()
}

// List returns disputes. Users see their own; arbitrators see the ones
// assigned to them unless they filter otherwise; admins see all.
func (s *Service) List(ctx context.Context, actor auth.Actor, filter Filter) ([]*Dispute, error) {
	switch {
	case actor.IsAdmin():
	case actor.Role == auth.RoleArbitrator:
		if filter.PartyID == "" {
			filter.ArbitratorID = actor.ID
		}
	default:
		filter.PartyID = actor.ID
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.store.List(ctx, filter)
}

// ListOverdue returns open disputes past their SLA. Staff only.
func (s *Service) ListOverdue(ctx context.Context, actor auth.Actor, limit int) ([]*Dispute, error) {
	if !actor.IsStaff() {
		return nil, ErrAdminOnly
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListOverdue(ctx, s.now(), limit)
}

// AssignDispute hands a pending dispute to an arbitrator.
func (s *Service) AssignDispute(ctx context.Context, id, arbitratorID string, assignedBy auth.Actor) (*Dispute, error) {
	if !assignedBy.IsAdmin() {
		return nil, ErrAdminOnly
	}
	arbitratorID = strings.TrimSpace(arbitratorID)
	if arbitratorID == "" {
		return nil, ErrInvalidRequest.WithField("arbitratorId", "is required")
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusPending {
		return nil, ErrInvalidStatus.WithMessage("only pending disputes can be assigned")
	}
	if d.IsParty(arbitratorID) {
		return nil, ErrInvalidRequest.WithField("arbitratorId", "must not be a party to the contract")
	}

	now := s.now()
	d.ArbitratorID = arbitratorID
	d.AssignedBy = assignedBy.ID
	d.AssignedAt = &now
	d.Status = StatusInReview
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("dispute assigned", "dispute_id", d.ID, "arbitrator", arbitratorID, "assigned_by", assignedBy.ID)
	s.notify(ctx, d, notify.EventDisputeAssigned, []string{arbitratorID, d.PayerID, d.PayeeID}, nil)
	return d, nil
}

// AddDisputeResponse records a statement from a party or the assigned
// arbitrator.
func (s *Service) AddDisputeResponse(ctx context.Context, id string, responder auth.Actor, message string, evidence []string) (*Response, error) {
	message = validation.SanitizeString(message, 5000)
	if message == "" {
		return nil, ErrInvalidRequest.WithField("message", "is required")
	}
	ev, err := cleanEvidence(evidence)
	if err != nil {
		return nil, err
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var role string
	switch {
	case responder.ID == d.PayerID:
		role = "payer"
	case responder.ID == d.PayeeID:
		role = "payee"
	case responder.ID != "" && responder.ID == d.ArbitratorID:
		role = "arbitrator"
	default:
		return nil, ErrAccessDenied
	}
	if !d.Status.IsOpen() {
		return nil, ErrInvalidStatus.WithMessage("dispute is resolved")
	}

	r := &Response{
		ID:          idgen.New(),
		DisputeID:   d.ID,
		ResponderID: responder.ID,
		Role:        role,
		Message:     message,
		Evidence:    ev,
		CreatedAt:   s.now(),
	}
	if err := s.store.AddResponse(ctx, r); err != nil {
		return nil, err
	}

	var recipients []string
	for _, id := range []string{d.PayerID, d.PayeeID, d.ArbitratorID} {
		if id != "" && id != responder.ID {
			recipients = append(recipients, id)
		}
	}
	s.notify(ctx, d, notify.EventDisputeResponse, recipients, map[string]interface{}{"role": role})
	return r, nil
}

// ListResponses returns a dispute's responses, oldest first.
func (s *Service) ListResponses(ctx context.Context, id string, actor auth.Actor) ([]*Response, error) {
	if _, err := s.Get(ctx, id, actor); err != nil {
		return nil, err
	}
	return s.store.ListResponses(ctx, id)
}

// ResolveDispute applies the arbitrator's decision. Money moves first;
// the dispute is marked RESOLVED and the contract thawed only once every
// transfer has settled. A failed or unsettled transfer leaves the dispute
// IN_REVIEW so the arbitrator can resolve again, which does not repeat
// completed transfers.
func (s *Service) ResolveDispute(ctx context.Context, id string, arbitrator auth.Actor, req ResolveRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.ResolveDispute", traces.DisputeID(id))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()

	if !req.Resolution.valid() {
		return nil, ErrInvalidRequest.WithField("resolution", "must be APPROVE_REFUND, APPROVE_RELEASE, PARTIAL_REFUND or REJECT")
	}
	var partial decimal.Decimal
	if req.Resolution == ResolutionPartialRefund {
		amt, ok := money.Parse(req.RefundAmount)
		if !ok || !amt.IsPositive() {
			return nil, ErrInvalidRequest.WithField("refundAmount", "must be a positive amount")
		}
		partial = amt
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusInReview {
		return nil, ErrInvalidStatus.WithMessage("only disputes in review can be resolved")
	}
	if arbitrator.ID == "" || arbitrator.ID != d.ArbitratorID {
		return nil, ErrNotArbitrator
	}
	log := logging.L(ctx).With("dispute_id", d.ID, "contract_id", d.ContractID, "resolution", string(req.Resolution))

	notes := validation.SanitizeString(req.Notes, 5000)
	var (
		refund   *escrow.Refund
		terminal = escrow.ContractCompleted
	)
	switch req.Resolution {
	case ResolutionApproveRefund:
		terminal = escrow.ContractRefunded
		refund, err = s.escrow.SettleRefund(ctx, d.ContractID, d.ID, arbitrator.ID, decimal.Zero, notes)
		if errors.Is(err, escrow.ErrNothingToSettle) {
			err = nil
		}
	case ResolutionPartialRefund:
		terminal = escrow.ContractRefunded
		refund, err = s.escrow.SettleRefund(ctx, d.ContractID, d.ID, arbitrator.ID, partial, notes)
	case ResolutionApproveRelease:
		err = s.releaseAll(ctx, d, arbitrator.ID)
	}
	if err != nil {
		log.Warn("dispute settlement incomplete", "error", err)
		return nil, err
	}
	if refund != nil && refund.Status != escrow.TransferCompleted {
		return nil, escrow.ErrSettlementPending.WithField("refundId", refund.ID)
	}

	contract, err := s.escrow.Unfreeze(ctx, d.ContractID, terminal, func(ctx context.Context, c *escrow.Contract) error {
		now := s.now()
		d.Status = StatusResolved
		d.Resolution = req.Resolution
		d.ResolutionNotes = notes
		d.ResolvedBy = arbitrator.ID
		d.ResolvedAt = &now
		d.UpdatedAt = now
		if refund != nil {
			amt := refund.Amount
			d.RefundAmount = &amt
			d.RefundID = refund.ID
		}
		return s.store.Update(ctx, d)
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(req.Resolution)).Inc()
	log.Info("dispute resolved", "resolved_by", arbitrator.ID, "contract_status", string(contract.Status))
	data := map[string]interface{}{
		"resolution":     string(d.Resolution),
		"contractStatus": string(contract.Status),
	}
	if d.RefundAmount != nil {
		data["refundAmount"] = money.Format(*d.RefundAmount, d.Currency)
	}
	s.notify(ctx, d, notify.EventDisputeResolved, []string{d.PayerID, d.PayeeID}, data)
	return d, nil
}

// releaseAll releases every unsettled milestone to the payee.
func (s *Service) releaseAll(ctx context.Context, d *Dispute, arbitratorID string) error {
	milestones, err := s.escrow.UnsettledMilestones(ctx, d.ContractID)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range milestones {
		if !m.Releasable().IsPositive() {
			continue
		}
		rel, err := s.escrow.SettleRelease(ctx, m.ID, arbitratorID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rel.Status != escrow.TransferCompleted {
			errs = append(errs, escrow.ErrSettlementPending.WithField("releaseId", rel.ID))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) notify(ctx context.Context, d *Dispute, typ notify.EventType, recipients []string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["status"] = string(d.Status)
	notify.Deliver(ctx, s.notifier, &notify.Event{
		Type:       typ,
		Recipients: recipients,
		ContractID: d.ContractID,
		DisputeID:  d.ID,
		Data:       data,
	})
}
