package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kocbridge/escrow/internal/escrow"
	"github.com/kocbridge/escrow/internal/idgen"
	"github.com/kocbridge/escrow/internal/testutil"
)

func TestPostgresStore_Integration(t *testing.T) {
	db := testutil.PGTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	c := &escrow.Contract{
		ID: idgen.New(), Reference: idgen.Reference(now), PayerID: "biz-1", PayeeID: "koc-1",
		Title: "Livestream", TotalAmount: decimal.NewFromInt(30000000), Currency: "VND", PaymentMethod: "baokim",
		Status: escrow.ContractDisputed, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	m := &escrow.Milestone{
		ID: idgen.New(), ContractID: c.ID, Title: "Stream", Amount: c.TotalAmount,
		Percentage: decimal.NewFromInt(100), Status: escrow.MilestonePending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, escrow.NewPostgresStore(db).CreateContract(ctx, c, []*escrow.Milestone{m}))

	store := NewPostgresStore(db)
	partial := decimal.NewFromInt(10000000)
	newDispute := func() *Dispute {
		return &Dispute{
			ID: idgen.New(), ContractID: c.ID, PayerID: c.PayerID, PayeeID: c.PayeeID, InitiatorID: c.PayerID,
			Reason: "stream cut short", Evidence: []string{"https://cdn.example/clip.mp4"},
			RequestedAction: ActionPartialRefund, RequestedAmount: &partial,
			ContractAmount: c.TotalAmount, Currency: c.Currency, Priority: PriorityHigh, Status: StatusPending,
			DueAt: now.Add(7 * 24 * time.Hour), CreatedAt: now, UpdatedAt: now,
		}
	}

	d := newDispute()
	require.NoError(t, store.Create(ctx, d))
	assert.ErrorIs(t, store.Create(ctx, newDispute()), ErrDisputeAlreadyOpen)

	open, err := store.GetOpenByContract(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, open.RequestedAmount)
	assert.True(t, open.RequestedAmount.Equal(partial))
	assert.Equal(t, d.Evidence, open.Evidence)

	require.NoError(t, store.AddResponse(ctx, &Response{
		ID: idgen.New(), DisputeID: d.ID, ResponderID: c.PayeeID, Role: "payee",
		Message: "network outage", Evidence: []string{}, CreatedAt: now,
	}))
	responses, err := store.ListResponses(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "payee", responses[0].Role)

	resolvedAt := now.Add(time.Hour)
	d.Status = StatusResolved
	d.Resolution = ResolutionPartialRefund
	d.RefundAmount = &partial
	d.ResolvedBy = "arb-1"
	d.ResolvedAt = &resolvedAt
	d.UpdatedAt = resolvedAt
	require.NoError(t, store.Update(ctx, d))

	_, err = store.GetOpenByContract(ctx, c.ID)
	assert.ErrorIs(t, err, ErrDisputeNotFound)

	overdue, err := store.ListOverdue(ctx, now.Add(30*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, overdue, "resolved disputes are never overdue")
}
