package autorelease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/escrow"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/notify"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/provider/providertest"
	"github.com/kocbridge/escrow/internal/syncutil"
)

var (
	payer    = auth.Actor{ID: "biz-1", Role: auth.RoleUser}
	payee    = auth.Actor{ID: "koc-1", Role: auth.RoleUser}
	stranger = auth.Actor{ID: "stranger", Role: auth.RoleUser}
	start    = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

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
	clock    *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		stripe:   providertest.New(provider.Stripe),
		notifier: &recordingNotifier{},
		clock:    &clock{t: start},
	}
	escrowStore := escrow.NewMemoryStore()
	h.escrow = escrow.NewService(escrowStore, provider.NewRegistry(h.stripe)).
		WithNotifier(h.notifier).
		WithClock(h.clock.now)
	h.svc = NewService(h.store, h.escrow, escrowStore).
		WithNotifier(h.notifier).
		WithLogger(logging.Discard()).
		WithClock(h.clock.now)
	h.escrow.WithScheduler(h.svc)
	return h
}

// funded creates and funds a one-milestone contract in category.
func (h *harness) funded(t *testing.T, category string) (*escrow.Contract, *escrow.Milestone) {
	t.Helper()
	ctx := context.Background()
	c, err := h.escrow.CreateContract(ctx, escrow.CreateContractRequest{
		PayerID:       payer.ID,
		PayeeID:       payee.ID,
		PayeeAccount:  "acct_koc",
		Title:         "Launch",
		TotalAmount:   "500",
		Currency:      "USD",
		PaymentMethod: provider.Stripe,
		Milestones:    []escrow.MilestoneInput{{Title: "Video", Amount: "500", Category: category}},
	})
	require.NoError(t, err)

	h.stripe.HoldFunc = func(req provider.HoldRequest) (*provider.HoldResult, error) {
		return &provider.HoldResult{Provider: provider.Stripe, Reference: "pi_" + req.ContractID, Status: provider.StatusSucceeded}, nil
	}
	_, err = h.escrow.InitiatePayment(ctx, c.ID, payer, "")
	require.NoError(t, err)

	ms, err := h.escrow.ListMilestones(ctx, c.ID, payer)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	return c, ms[0]
}

func (h *harness) rule(t *testing.T, milestoneID string) *Rule {
	t.Helper()
	rules, err := h.store.ListByContract(context.Background(), h.mustMilestone(t, milestoneID).ContractID)
	require.NoError(t, err)
	for _, r := range rules {
		if r.MilestoneID == milestoneID {
			return r
		}
	}
	t.Fatalf("no rule for milestone %s", milestoneID)
	return nil
}

func (h *harness) mustMilestone(t *testing.T, id string) *escrow.Milestone {
	t.Helper()
	m, _, err := h.escrow.GetMilestone(context.Background(), id, payer)
	require.NoError(t, err)
	return m
}

func TestFunding_SchedulesRuleFromCategory(t *testing.T) {
	h := newHarness(t)
	_, m := h.funded(t, "content_delivery")

	r, err := h.svc.GetActiveRule(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, r.Status)
	assert.Equal(t, 72, r.TimeoutHours)
	assert.Equal(t, start.Add(72*time.Hour), r.ReleaseAt)
	assert.Equal(t, r.ReleaseAt, r.DeadlineAt)
	assert.Equal(t, []int{24, 12, 2}, r.WarningHours)
	assert.False(t, r.RequiresConfirmation)
	assert.Equal(t, payer.ID, r.PayerID)
}

func TestDueSweep_ReleasesAfterDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, m := h.funded(t, "content_delivery")

	h.clock.advance(71 * time.Hour)
	res, err := h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Executed)
	assert.Empty(t, h.stripe.Releases())

	h.clock.advance(time.Hour)
	res, err = h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	require.Len(t, h.stripe.Releases(), 1)

	r := h.rule(t, m.ID)
	assert.Equal(t, StatusExecuted, r.Status)
	assert.NotEmpty(t, r.ReleaseID)
	assert.Empty(t, r.LastError)

	fresh := h.mustMilestone(t, m.ID)
	assert.Equal(t, auth.SystemActorID, fresh.ApprovedBy)
	assert.NotNil(t, fresh.ReleasedAt)

	// a second sweep finds nothing
	res, err = h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Executed)
	assert.Len(t, h.stripe.Releases(), 1)
}

func TestDueSweep_WaitsForConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, m := h.funded(t, "campaign_launch")
	deadline := start.Add(120 * time.Hour)

	h.clock.set(deadline)
	res, err := h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Empty(t, h.stripe.Releases(), "no funds move without confirmation")

	r := h.rule(t, m.ID)
	assert.Equal(t, StatusWaitingConfirmation, r.Status)
	assert.Equal(t, deadline.Add(24*time.Hour), r.ReleaseAt)
	assert.Equal(t, deadline, r.DeadlineAt)

	required := h.notifier.ofType(notify.EventConfirmationRequired)
	require.Len(t, required, 1)
	assert.Equal(t, []string{payer.ID}, required[0].Recipients)

	// still waiting: the rule is not due again until the extension ends
	res, err = h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Deferred+res.Executed)

	h.clock.advance(2 * time.Hour)
	_, err = h.svc.ConfirmRelease(ctx, m.ID, payer, "looks great")
	require.NoError(t, err)
	r = h.rule(t, m.ID)
	assert.Equal(t, StatusScheduled, r.Status)
	assert.Equal(t, h.clock.now(), r.ReleaseAt)

	res, err = h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Len(t, h.stripe.Releases(), 1)
}

func TestDueSweep_EarlyConfirmationCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, m := h.funded(t, "campaign_launch")

	h.clock.advance(time.Hour)
	_, err := h.svc.ConfirmRelease(ctx, m.ID, payer, "")
	require.NoError(t, err)

	h.clock.set(start.Add(120 * time.Hour))
	res, err := h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
}

func TestConfirmRelease_PayerOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, m := h.funded(t, "campaign_launch")

	_, err := h.svc.ConfirmRelease(ctx, m.ID, payee, "")
	assert.ErrorIs(t, err, escrow.ErrPayerOnly)
	_, err = h.svc.ConfirmRelease(ctx, m.ID, stranger, "")
	assert.ErrorIs(t, err, escrow.ErrAccessDenied)
}

func TestDueSweep_RetriesThenFailsWithAdminAlert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, m := h.funded(t, "review_revision")
	h.stripe.ReleaseFunc = func(provider.ReleaseRequest) (*provider.TransferResult, error) {
		return nil, provider.Rejected(provider.Stripe, provider.OpRelease, "account_closed", "destination account closed")
	}

	h.clock.advance(48 * time.Hour)
	for attempt := 1; attempt <= DefaultMaxRetries; attempt++ {
		res, err := h.svc.RunDueSweep(ctx)
		require.NoError(t, err)
		r := h.rule(t, m.ID)
		assert.Equal(t, attempt, r.RetryCount)
		assert.Contains(t, r.LastError, "destination account closed")
		if attempt < DefaultMaxRetries {
			assert.Equal(t, 1, res.Rescheduled)
			assert.Equal(t, h.clock.now().Add(time.Hour), r.ReleaseAt)
		} else {
			assert.Equal(t, 1, res.Failed)
			assert.Equal(t, StatusFailed, r.Status)
		}
		h.clock.advance(time.Hour)
	}
	assert.Len(t, h.stripe.Releases(), DefaultMaxRetries)

	alerts := h.notifier.ofType(notify.EventAutoReleaseFailed)
	require.Len(t, alerts, 1)
	assert.Equal(t, []string{notify.AdminRecipient}, alerts[0].Recipients)
	assert.Equal(t, m.ID, alerts[0].MilestoneID)

	// exhausted rules are no longer due
	res, err := h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Executed+res.Failed+res.Rescheduled)
}

func TestDueSweep_AmbiguousReleaseCountsAsExecuted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, m := h.funded(t, "review_revision")
	h.stripe.ReleaseFunc = func(provider.ReleaseRequest) (*provider.TransferResult, error) {
		return nil, provider.Ambiguous(provider.Stripe, provider.OpRelease, context.DeadlineExceeded)
	}

	h.clock.advance(48 * time.Hour)
	res, err := h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	r := h.rule(t, m.ID)
	assert.Equal(t, StatusExecuted, r.Status)
	assert.Equal(t, "awaiting reconciliation", r.LastError)
	assert.Zero(t, r.RetryCount)
}

func TestDueSweep_SkipsDisputedContract(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, m := h.funded(t, "review_revision")
	_, err := h.escrow.Freeze(ctx, c.ID, payer, func(context.Context, *escrow.Contract) error { return nil })
	require.NoError(t, err)

	h.clock.advance(48 * time.Hour)
	res, err := h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, h.stripe.Releases())

	r := h.rule(t, m.ID)
	assert.Equal(t, StatusScheduled, r.Status)
	assert.Zero(t, r.RetryCount)
	assert.Equal(t, h.clock.now().Add(disputeRecheck), r.ReleaseAt)
}

func TestDueSweep_DisputedRulesDoNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < sweepBatch; i++ {
		c, _ := h.funded(t, "review_revision")
		_, err := h.escrow.Freeze(ctx, c.ID, payer, func(context.Context, *escrow.Contract) error { return nil })
		require.NoError(t, err)
	}
	h.clock.advance(time.Minute)
	_, m := h.funded(t, "review_revision")

	h.clock.advance(200 * time.Hour)
	res, err := h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, sweepBatch, res.Skipped)
	assert.Zero(t, res.Executed)

	res, err = h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, StatusExecuted, h.rule(t, m.ID).Status)
	assert.Len(t, h.stripe.Releases(), 1)
}

func TestCompletion_StopsAutoRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, m := h.funded(t, "content_delivery")

	_, err := h.escrow.CompleteMilestone(ctx, c.ID, m.ID, payee, []string{"https://cdn.example/v.mp4"})
	require.NoError(t, err)
	r := h.rule(t, m.ID)
	assert.Equal(t, StatusCancelled, r.Status)
	assert.Equal(t, "milestone completed", r.CancelReason)

	h.clock.advance(200 * time.Hour)
	res, err := h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Executed)
	assert.Empty(t, h.stripe.Releases())
	assert.Equal(t, escrow.MilestoneCompleted, h.mustMilestone(t, m.ID).Status)
}

func TestDueSweep_CancelsRuleOfSubmittedMilestone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, m := h.funded(t, "content_delivery")
	_, err := h.escrow.CompleteMilestone(ctx, c.ID, m.ID, payee, nil)
	require.NoError(t, err)

	// a rule left active after the payee submitted
	r := h.rule(t, m.ID)
	r.Status = StatusScheduled
	r.CancelReason = ""
	r.CancelledAt = nil
	require.NoError(t, h.store.Update(ctx, r))

	h.clock.advance(200 * time.Hour)
	res, err := h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cancelled)
	assert.Zero(t, res.Executed)
	assert.Empty(t, h.stripe.Releases())

	r = h.rule(t, m.ID)
	assert.Equal(t, StatusCancelled, r.Status)
	assert.Equal(t, "milestone status changed", r.CancelReason)
	assert.Equal(t, escrow.MilestoneCompleted, h.mustMilestone(t, m.ID).Status)
}

func TestDueSweep_RacesPayerApproval(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ctx := context.Background()
		c, m := h.funded(t, "content_delivery")
		h.clock.advance(72 * time.Hour)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := h.escrow.CompleteMilestone(ctx, c.ID, m.ID, payee, nil); err != nil {
				return
			}
			_, _, _ = h.escrow.ApproveMilestone(ctx, c.ID, m.ID, payer)
		}()
		go func() {
			defer wg.Done()
			_, _ = h.svc.RunDueSweep(ctx)
		}()
		wg.Wait()

		releases, err := h.escrow.ListReleases(ctx, c.ID, payer)
		require.NoError(t, err)
		live := 0
		for _, rel := range releases {
			if rel.Status != escrow.TransferFailed {
				live++
			}
		}
		assert.Equal(t, 1, live, "exactly one release per milestone")
		assert.Len(t, h.stripe.Releases(), 1)
		assert.Contains(t, []Status{StatusCancelled, StatusExecuted}, h.rule(t, m.ID).Status)
		assert.Equal(t, escrow.MilestoneApproved, h.mustMilestone(t, m.ID).Status)
	}
}

func TestApproval_CancelsRule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, m := h.funded(t, "content_delivery")

	_, err := h.escrow.CompleteMilestone(ctx, c.ID, m.ID, payee, nil)
	require.NoError(t, err)
	_, _, err = h.escrow.ApproveMilestone(ctx, c.ID, m.ID, payer)
	require.NoError(t, err)

	r := h.rule(t, m.ID)
	assert.Equal(t, StatusCancelled, r.Status)
	assert.Equal(t, "milestone completed", r.CancelReason)

	h.clock.advance(100 * time.Hour)
	res, err := h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Executed)
	assert.Len(t, h.stripe.Releases(), 1)
}

func TestRejection_ReschedulesFromRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, m := h.funded(t, "content_delivery")

	h.clock.advance(10 * time.Hour)
	_, err := h.escrow.CompleteMilestone(ctx, c.ID, m.ID, payee, nil)
	require.NoError(t, err)
	h.clock.advance(5 * time.Hour)
	_, err = h.escrow.RejectMilestone(ctx, c.ID, m.ID, payer, "wrong hashtag")
	require.NoError(t, err)

	rules, err := h.svc.ListRulesByContract(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	active, err := h.svc.GetActiveRule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, start.Add(15*time.Hour+72*time.Hour), active.ReleaseAt)
}

func TestRejection_KeepsCustomTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, m := h.funded(t, "content_delivery")

	h.clock.advance(time.Hour)
	_, err := h.svc.CancelAutoRelease(ctx, m.ID, "renegotiated")
	require.NoError(t, err)
	hours := 10
	_, err = h.svc.CreateAutoReleaseRule(ctx, m.ID, &hours)
	require.NoError(t, err)

	h.clock.advance(time.Hour)
	_, err = h.escrow.CompleteMilestone(ctx, c.ID, m.ID, payee, nil)
	require.NoError(t, err)
	h.clock.advance(time.Hour)
	_, err = h.escrow.RejectMilestone(ctx, c.ID, m.ID, payer, "missing caption")
	require.NoError(t, err)

	active, err := h.svc.GetActiveRule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, active.TimeoutHours)
	assert.Equal(t, start.Add(3*time.Hour+10*time.Hour), active.ReleaseAt)
}

func TestWarningSweep_IgnoresPastDueRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, overdue := h.funded(t, "review_revision")
	h.clock.advance(48 * time.Hour)
	_, m := h.funded(t, "review_revision")

	upcoming, err := h.store.ListUpcoming(ctx, h.clock.now(), h.clock.now().Add(72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, m.ID, upcoming[0].MilestoneID)
	assert.NotEqual(t, overdue.ID, upcoming[0].MilestoneID)
}

func TestCreateAndCancelRule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, m := h.funded(t, "content_delivery")

	_, err := h.svc.CreateAutoReleaseRule(ctx, m.ID, nil)
	assert.ErrorIs(t, err, ErrRuleExists)

	_, err = h.svc.CancelAutoRelease(ctx, m.ID, "manual")
	require.NoError(t, err)
	_, err = h.svc.CancelAutoRelease(ctx, m.ID, "manual")
	assert.ErrorIs(t, err, ErrAutoReleaseNotFound)

	bad := 0
	_, err = h.svc.CreateAutoReleaseRule(ctx, m.ID, &bad)
	assert.ErrorIs(t, err, ErrInvalidTimeout)

	hours := 10
	r, err := h.svc.CreateAutoReleaseRule(ctx, m.ID, &hours)
	require.NoError(t, err)
	assert.Equal(t, m.CreatedAt.Add(10*time.Hour), r.ReleaseAt)
	assert.Equal(t, []int{2}, r.WarningHours)
}

func TestWarningSweep_SendsEachThresholdOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, m := h.funded(t, "content_delivery")
	deadline := start.Add(72 * time.Hour)

	h.clock.set(deadline.Add(-30 * time.Hour))
	res, err := h.svc.RunWarningSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Warned)

	h.clock.set(deadline.Add(-24 * time.Hour))
	res, err = h.svc.RunWarningSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Warned)

	r := h.rule(t, m.ID)
	assert.Equal(t, StatusWarningSent, r.Status)
	assert.Equal(t, []int{24}, r.WarningsSent)

	res, err = h.svc.RunWarningSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Warned)

	// the scheduler was down through the 12h mark; one notice covers both
	h.clock.set(deadline.Add(-time.Hour))
	res, err = h.svc.RunWarningSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Warned)
	assert.ElementsMatch(t, []int{24, 12, 2}, h.rule(t, m.ID).WarningsSent)

	warnings := h.notifier.ofType(notify.EventMilestoneWarning)
	require.Len(t, warnings, 2)
	assert.ElementsMatch(t, []string{payer.ID, payee.ID}, warnings[0].Recipients)
	assert.Equal(t, 2, warnings[1].Data["hoursRemaining"])

	// a WARNING_SENT rule is still released at the deadline
	h.clock.set(deadline)
	due, err := h.svc.RunDueSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, due.Executed)
}

func TestRunner_SkipsWhenLeaseHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.funded(t, "review_revision")
	h.clock.advance(48 * time.Hour)

	lease := syncutil.NewLocalLease()
	runner := NewRunner(h.svc, lease, "@hourly", "@every 30m", logging.Discard())

	release, ok, err := lease.TryAcquire(ctx, dueLease, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	runner.RunDue(ctx)
	assert.Empty(t, h.stripe.Releases())

	release()
	runner.RunDue(ctx)
	assert.Len(t, h.stripe.Releases(), 1)
}

func TestRunner_StartRejectsBadSchedule(t *testing.T) {
	h := newHarness(t)
	runner := NewRunner(h.svc, nil, "not a schedule", "@every 30m", logging.Discard())
	assert.Error(t, runner.Start(context.Background()))
	assert.False(t, runner.Running())

	runner = NewRunner(h.svc, nil, "@hourly", "@every 30m", logging.Discard())
	require.NoError(t, runner.Start(context.Background()))
	assert.True(t, runner.Running())
	runner.Stop(context.Background())
	assert.False(t, runner.Running())
}
