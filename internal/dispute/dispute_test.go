package dispute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/escrow"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/notify"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/provider/providertest"
)

var (
	payer    = auth.Actor{ID: "biz-1", Role: auth.RoleUser}
	payee    = auth.Actor{ID: "koc-1", Role: auth.RoleUser}
	stranger = auth.Actor{ID: "stranger", Role: auth.RoleUser}
	admin    = auth.Actor{ID: "ops-1", Role: auth.RoleAdmin}
	judge    = auth.Actor{ID: "arb-1", Role: auth.RoleArbitrator}
	start    = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []*notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev *notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) ofType(typ notify.EventType) []*notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*notify.Event
	for _, ev := range n.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	escrow   *escrow.Service
	stripe   *providertest.Fake
	notifier *recordingNotifier
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		stripe:   providertest.New(provider.Stripe),
		notifier: &recordingNotifier{},
		now:      start,
	}
	clock := func() time.Time { return h.now }
	h.escrow = escrow.NewService(escrow.NewMemoryStore(), provider.NewRegistry(h.stripe)).
		WithNotifier(h.notifier).
		WithClock(clock)
	h.svc = NewService(h.store, h.escrow).
		WithNotifier(h.notifier).
		WithLogger(logging.Discard()).
		WithClock(clock)
	return h
}

// funded creates and funds a contract whose milestones split total.
func (h *harness) funded(t *testing.T, currency, total string, amounts ...string) (*escrow.Contract, []*escrow.Milestone) {
	t.Helper()
	ctx := context.Background()
	req := escrow.CreateContractRequest{
		PayerID:       payer.ID,
		PayeeID:       payee.ID,
		PayeeAccount:  "acct_koc",
		Title:         "Spring campaign",
		TotalAmount:   total,
		Currency:      currency,
		PaymentMethod: provider.Stripe,
	}
	for _, a := range amounts {
		req.Milestones = append(req.Milestones, escrow.MilestoneInput{Title: "Post", Amount: a, Category: "content_delivery"})
	}
	c, err := h.escrow.CreateContract(ctx, req)
	require.NoError(t, err)

	h.stripe.HoldFunc = func(req provider.HoldRequest) (*provider.HoldResult, error) {
		return &provider.HoldResult{Provider: provider.Stripe, Reference: "pi_" + req.ContractID, Status: provider.StatusSucceeded}, nil
	}
	_, err = h.escrow.InitiatePayment(ctx, c.ID, payer, "")
	require.NoError(t, err)

	ms, err := h.escrow.ListMilestones(ctx, c.ID, payer)
	require.NoError(t, err)
	return c, ms
}

func (h *harness) contract(t *testing.T, id string) *escrow.Contract {
	t.Helper()
	c, err := h.escrow.GetContract(context.Background(), id, admin)
	require.NoError(t, err)
	return c
}

// inReview opens a dispute on c and assigns it to judge.
func (h *harness) inReview(t *testing.T, c *escrow.Contract, req CreateRequest) *Dispute {
	t.Helper()
	ctx := context.Background()
	req.ContractID = c.ID
	if req.Reason == "" {
		req.Reason = "video never posted"
	}
	d, err := h.svc.CreateDispute(ctx, payer, req)
	require.NoError(t, err)
	d, err = h.svc.AssignDispute(ctx, d.ID, judge.ID, admin)
	require.NoError(t, err)
	return d
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, PriorityUrgent, PriorityFor(dec("60000000")))
	assert.Equal(t, PriorityUrgent, PriorityFor(dec("50000000")))
	assert.Equal(t, PriorityHigh, PriorityFor(dec("10000000")))
	assert.Equal(t, PriorityMedium, PriorityFor(dec("1000000")))
	assert.Equal(t, PriorityLow, PriorityFor(dec("500000")))
}

func TestCreateDispute_FreezesContractWithPriority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	big, _ := h.funded(t, "VND", "60000000", "60000000")
	d, err := h.svc.CreateDispute(ctx, payer, CreateRequest{ContractID: big.ID, Reason: "  no delivery  "})
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, d.Priority)
	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, ActionRefund, d.RequestedAction)
	assert.Equal(t, "no delivery", d.Reason)
	assert.Equal(t, start.Add(DefaultSLA), d.DueAt)
	assert.Equal(t, escrow.ContractDisputed, h.contract(t, big.ID).Status)

	small, _ := h.funded(t, "VND", "500000", "500000")
	d, err = h.svc.CreateDispute(ctx, payee, CreateRequest{ContractID: small.ID, Reason: "unpaid"})
	require.NoError(t, err)
	assert.Equal(t, PriorityLow, d.Priority)

	// 500 USD converts to 12.5M VND
	usd, _ := h.funded(t, "USD", "500", "500")
	d, err = h.svc.CreateDispute(ctx, payer, CreateRequest{ContractID: usd.ID, Reason: "late"})
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, d.Priority)

	opened := h.notifier.ofType(notify.EventDisputeOpened)
	require.Len(t, opened, 3)
	assert.Contains(t, opened[0].Recipients, notify.AdminRecipient)
}

func TestCreateDispute_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, _ := h.funded(t, "USD", "1000", "400", "600")

	_, err := h.svc.CreateDispute(ctx, stranger, CreateRequest{ContractID: c.ID, Reason: "x"})
	assert.ErrorIs(t, err, escrow.ErrAccessDenied)

	_, err = h.svc.CreateDispute(ctx, payer, CreateRequest{ContractID: c.ID, Reason: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.CreateDispute(ctx, payer, CreateRequest{ContractID: c.ID, Reason: "x", RequestedAction: ActionPartialRefund})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.CreateDispute(ctx, payer, CreateRequest{ContractID: c.ID, Reason: "x", RequestedAmount: "1000.01"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, escrow.ContractActive, h.contract(t, c.ID).Status, "failed dispute leaves the contract unfrozen")

	_, err = h.svc.CreateDispute(ctx, payer, CreateRequest{ContractID: c.ID, Reason: "x", RequestedAmount: "250"})
	require.NoError(t, err)
	_, err = h.svc.CreateDispute(ctx, payee, CreateRequest{ContractID: c.ID, Reason: "y"})
	assert.ErrorIs(t, err, ErrDisputeAlreadyOpen)

	pending, err := h.escrow.CreateContract(ctx, escrow.CreateContractRequest{
		PayerID: payer.ID, PayeeID: payee.ID, Title: "Unfunded", TotalAmount: "10", Currency: "USD",
		PaymentMethod: provider.Stripe, Milestones: []escrow.MilestoneInput{{Title: "A", Amount: "10"}},
	})
	require.NoError(t, err)
	_, err = h.svc.CreateDispute(ctx, payer, CreateRequest{ContractID: pending.ID, Reason: "x"})
	assert.ErrorIs(t, err, escrow.ErrInvalidStatus)
}

func TestAssignDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, _ := h.funded(t, "USD", "100", "100")
	d, err := h.svc.CreateDispute(ctx, payer, CreateRequest{ContractID: c.ID, Reason: "x"})
	require.NoError(t, err)

	_, err = h.svc.AssignDispute(ctx, d.ID, judge.ID, judge)
	assert.ErrorIs(t, err, ErrAdminOnly)
	_, err = h.svc.AssignDispute(ctx, d.ID, payee.ID, admin)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	d, err = h.svc.AssignDispute(ctx, d.ID, judge.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusInReview, d.Status)
	assert.Equal(t, judge.ID, d.ArbitratorID)
	assert.Equal(t, admin.ID, d.AssignedBy)
	require.NotNil(t, d.AssignedAt)

	_, err = h.svc.AssignDispute(ctx, d.ID, "arb-2", admin)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	assigned := h.notifier.ofType(notify.EventDisputeAssigned)
	require.Len(t, assigned, 1)
	assert.Contains(t, assigned[0].Recipients, judge.ID)
}

func TestAddDisputeResponse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, _ := h.funded(t, "USD", "100", "100")
	d := h.inReview(t, c, CreateRequest{})

	r, err := h.svc.AddDisputeResponse(ctx, d.ID, payee, "posted on the 3rd", []string{"https://tiktok.example/v/1", " "})
	require.NoError(t, err)
	assert.Equal(t, "payee", r.Role)
	assert.Equal(t, []string{"https://tiktok.example/v/1"}, r.Evidence)

	_, err = h.svc.AddDisputeResponse(ctx, d.ID, judge, "please share analytics", nil)
	require.NoError(t, err)
	_, err = h.svc.AddDisputeResponse(ctx, d.ID, stranger, "hi", nil)
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = h.svc.AddDisputeResponse(ctx, d.ID, payer, "", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	responses, err := h.svc.ListResponses(ctx, d.ID, payer)
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, "arbitrator", responses[1].Role)

	ev := h.notifier.ofType(notify.EventDisputeResponse)
	require.Len(t, ev, 2)
	assert.ElementsMatch(t, []string{payer.ID, judge.ID}, ev[0].Recipients)
}

func TestResolveDispute_ApproveRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, _ := h.funded(t, "USD", "1000", "400", "600")
	d := h.inReview(t, c, CreateRequest{})

	_, err := h.svc.ResolveDispute(ctx, d.ID, auth.Actor{ID: "arb-2", Role: auth.RoleArbitrator}, ResolveRequest{Resolution: ResolutionApproveRefund})
	assert.ErrorIs(t, err, ErrNotArbitrator)
	_, err = h.svc.ResolveDispute(ctx, d.ID, judge, ResolveRequest{Resolution: "SPLIT"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	d, err = h.svc.ResolveDispute(ctx, d.ID, judge, ResolveRequest{Resolution: ResolutionApproveRefund, Notes: "no content delivered"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, d.Status)
	require.NotNil(t, d.RefundAmount)
	assert.True(t, dec("1000").Equal(*d.RefundAmount))
	assert.NotEmpty(t, d.RefundID)
	assert.Equal(t, judge.ID, d.ResolvedBy)

	c = h.contract(t, c.ID)
	assert.Equal(t, escrow.ContractRefunded, c.Status)
	assert.True(t, c.Remaining().IsZero())
	require.Len(t, h.stripe.Refunds(), 1)
	assert.Equal(t, d.RefundID, h.stripe.Refunds()[0].IdempotencyKey)

	_, err = h.svc.ResolveDispute(ctx, d.ID, judge, ResolveRequest{Resolution: ResolutionApproveRefund})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = h.svc.AddDisputeResponse(ctx, d.ID, payer, "thanks", nil)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	resolved := h.notifier.ofType(notify.EventDisputeResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "REFUNDED", resolved[0].Data["contractStatus"])
}

func TestResolveDispute_PartialRefundThawsContract(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, ms := h.funded(t, "USD", "1000", "400", "600")
	d := h.inReview(t, c, CreateRequest{RequestedAction: ActionPartialRefund, RequestedAmount: "600"})

	_, err := h.svc.ResolveDispute(ctx, d.ID, judge, ResolveRequest{Resolution: ResolutionPartialRefund})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	d, err = h.svc.ResolveDispute(ctx, d.ID, judge, ResolveRequest{Resolution: ResolutionPartialRefund, RefundAmount: "600"})
	require.NoError(t, err)
	assert.True(t, dec("600").Equal(*d.RefundAmount))

	c = h.contract(t, c.ID)
	assert.Equal(t, escrow.ContractActive, c.Status, "the first milestone is still held")
	assert.True(t, dec("400").Equal(c.Remaining()))

	first, _, err := h.escrow.GetMilestone(ctx, ms[0].ID, payer)
	require.NoError(t, err)
	assert.True(t, first.AwaitsRelease())
}

func TestResolveDispute_ApproveReleaseAndReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.funded(t, "USD", "1000", "400", "600")
	d := h.inReview(t, c, CreateRequest{})
	d, err := h.svc.ResolveDispute(ctx, d.ID, judge, ResolveRequest{Resolution: ResolutionApproveRelease})
	require.NoError(t, err)
	assert.Nil(t, d.RefundAmount)
	assert.Len(t, h.stripe.Releases(), 2)
	assert.Equal(t, escrow.ContractCompleted, h.contract(t, c.ID).Status)

	c2, _ := h.funded(t, "USD", "300", "300")
	d2 := h.inReview(t, c2, CreateRequest{})
	_, err = h.svc.ResolveDispute(ctx, d2.ID, judge, ResolveRequest{Resolution: ResolutionReject, Notes: "evidence insufficient"})
	require.NoError(t, err)
	c2 = h.contract(t, c2.ID)
	assert.Equal(t, escrow.ContractActive, c2.Status, "rejection thaws without moving money")
	assert.True(t, dec("300").Equal(c2.Remaining()))
	assert.Len(t, h.stripe.Releases(), 2)
}

func TestResolveDispute_FailedRefundStaysInReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, _ := h.funded(t, "USD", "500", "500")
	d := h.inReview(t, c, CreateRequest{})

	h.stripe.RefundFunc = func(provider.RefundRequest) (*provider.TransferResult, error) {
		return nil, provider.Rejected(provider.Stripe, provider.OpRefund, "charge_disputed", "charge is disputed")
	}
	_, err := h.svc.ResolveDispute(ctx, d.ID, judge, ResolveRequest{Resolution: ResolutionApproveRefund})
	require.Error(t, err)

	got, err := h.svc.Get(ctx, d.ID, judge)
	require.NoError(t, err)
	assert.Equal(t, StatusInReview, got.Status)
	assert.Equal(t, escrow.ContractDisputed, h.contract(t, c.ID).Status)

	h.stripe.RefundFunc = nil
	got, err = h.svc.ResolveDispute(ctx, d.ID, judge, ResolveRequest{Resolution: ResolutionApproveRefund})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, escrow.ContractRefunded, h.contract(t, c.ID).Status)
}

func TestGetAndList_Visibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, _ := h.funded(t, "USD", "100", "100")
	d := h.inReview(t, c, CreateRequest{})
	other, _ := h.funded(t, "USD", "100", "100")
	_, err := h.svc.CreateDispute(ctx, payee, CreateRequest{ContractID: other.ID, Reason: "z"})
	require.NoError(t, err)

	_, err = h.svc.Get(ctx, d.ID, stranger)
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = h.svc.Get(ctx, "missing", admin)
	assert.ErrorIs(t, err, ErrDisputeNotFound)

	list, err := h.svc.List(ctx, stranger, Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = h.svc.List(ctx, payer, Filter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = h.svc.List(ctx, judge, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, d.ID, list[0].ID)

	list, err = h.svc.List(ctx, admin, Filter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListOverdue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, _ := h.funded(t, "USD", "100", "100")
	d, err := h.svc.CreateDispute(ctx, payer, CreateRequest{ContractID: c.ID, Reason: "x"})
	require.NoError(t, err)

	_, err = h.svc.ListOverdue(ctx, payer, 0)
	assert.ErrorIs(t, err, ErrAdminOnly)

	overdue, err := h.svc.ListOverdue(ctx, admin, 0)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	h.now = start.Add(DefaultSLA + time.Minute)
	overdue, err = h.svc.ListOverdue(ctx, judge, 0)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, d.ID, overdue[0].ID)
}

type failingEscrow struct {
	Escrow
}

func (failingEscrow) Freeze(context.Context, string, auth.Actor, func(context.Context, *escrow.Contract) error) (*escrow.Contract, error) {
	return nil, escrow.ErrContractDisputed
}

func TestCreateDispute_MapsFrozenContract(t *testing.T) {
	svc := NewService(NewMemoryStore(), failingEscrow{}).WithLogger(logging.Discard())
	_, err := svc.CreateDispute(context.Background(), payer, CreateRequest{ContractID: "c1", Reason: "x"})
	assert.True(t, errors.Is(err, ErrDisputeAlreadyOpen))
}
