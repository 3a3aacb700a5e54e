package escrow

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/money"
)

// walletScanLimit bounds the contracts read for wallet queries.
const walletScanLimit = 1000

// CurrencyTotals aggregates one currency of a wallet.
type CurrencyTotals struct {
	Currency string `json:"currency"`

	// Payer side.
	InEscrow string `json:"inEscrow"`
	Paid     string `json:"paid"`
	Refunded string `json:"refunded"`

	// Payee side.
	PendingEarnings string `json:"pendingEarnings"`
	Earned          string `json:"earned"`
}

// WalletSummary is the money view of one user across contracts.
type WalletSummary struct {
	UserID           string           `json:"userId"`
	ContractsAsPayer int              `json:"contractsAsPayer"`
	ContractsAsPayee int              `json:"contractsAsPayee"`
	ByStatus         map[string]int   `json:"byStatus"`
	Totals           []CurrencyTotals `json:"totals"`
}

type totals struct {
	inEscrow, paid, refunded, pending, earned decimal.Decimal
}

// WalletSummary computes the actor's balances, per currency.
func (s *Service) WalletSummary(ctx context.Context, actor auth.Actor) (*WalletSummary, error) {
	contracts, err := s.store.ListContracts(ctx, ContractFilter{PartyID: actor.ID, Limit: walletScanLimit})
	if err != nil {
		return nil, err
	}

	sum := &WalletSummary{UserID: actor.ID, ByStatus: make(map[string]int)}
	byCurrency := make(map[string]*totals)
	for _, c := range contracts {
		sum.ByStatus[string(c.Status)]++
		t, ok := byCurrency[c.Currency]
		if !ok {
			t = &totals{}
			byCurrency[c.Currency] = t
		}
		held := decimal.Zero
		if c.Status.IsFunded() {
			held = c.Remaining()
		}
		if c.PayerID == actor.ID {
			sum.ContractsAsPayer++
			t.inEscrow = t.inEscrow.Add(held)
			t.paid = t.paid.Add(c.ReleasedAmount)
			t.refunded = t.refunded.Add(c.RefundedAmount)
		}
		if c.PayeeID == actor.ID {
			sum.ContractsAsPayee++
			t.pending = t.pending.Add(held)
			t.earned = t.earned.Add(c.ReleasedAmount)
		}
	}

	currencies := make([]string, 0, len(byCurrency))
	for cur := range byCurrency {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)
	sum.Totals = make([]CurrencyTotals, 0, len(currencies))
	for _, cur := range currencies {
		t := byCurrency[cur]
		sum.Totals = append(sum.Totals, CurrencyTotals{
			Currency:        cur,
			InEscrow:        money.Format(t.inEscrow, cur),
			Paid:            money.Format(t.paid, cur),
			Refunded:        money.Format(t.refunded, cur),
			PendingEarnings: money.Format(t.pending, cur),
			Earned:          money.Format(t.earned, cur),
		})
	}
	return sum, nil
}

// ActivityKind names a wallet activity entry.
type ActivityKind string

const (
	ActivityFunded   ActivityKind = "funded"
	ActivityReleased ActivityKind = "released"
	ActivityRefunded ActivityKind = "refunded"
)

// Activity is one money movement in a wallet feed.
type Activity struct {
	Kind       ActivityKind `json:"kind"`
	ContractID string       `json:"contractId"`
	Reference  string       `json:"reference"`

	// Direction is "in" or "out" from the actor's point of view.
	Direction string    `json:"direction"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Provider  string    `json:"provider"`
	At        time.Time `json:"at"`
}

// WalletActivity lists the actor's completed money movements, newest first.
func (s *Service) WalletActivity(ctx context.Context, actor auth.Actor, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	contracts, err := s.store.ListContracts(ctx, ContractFilter{PartyID: actor.ID, Limit: walletScanLimit})
	if err != nil {
		return nil, err
	}

	var out []Activity
	for _, c := range contracts {
		if c.Status == ContractPendingPayment || c.Status == ContractCancelled {
			continue
		}
		payer := c.PayerID == actor.ID
		dir := func(toPayer bool) string {
			if toPayer == payer {
				return "in"
			}
			return "out"
		}

		payments, err := s.store.ListPayments(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range payments {
			if p.Status != PaymentCompleted || p.CompletedAt == nil {
				continue
			}
			out = append(out, Activity{
				Kind: ActivityFunded, ContractID: c.ID, Reference: c.Reference, Direction: dir(false),
				Amount: money.Format(p.Amount, p.Currency), Currency: p.Currency, Provider: p.Provider, At: *p.CompletedAt,
			})
		}

		releases, err := s.store.ListReleases(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range releases {
			if r.Status != TransferCompleted || r.ExecutedAt == nil {
				continue
			}
			out = append(out, Activity{
				Kind: ActivityReleased, ContractID: c.ID, Reference: c.Reference, Direction: dir(false),
				Amount: money.Format(r.Amount, r.Currency), Currency: r.Currency, Provider: r.Provider, At: *r.ExecutedAt,
			})
		}

		refunds, err := s.store.ListRefunds(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range refunds {
			if r.Status != TransferCompleted || r.ExecutedAt == nil {
				continue
			}
			out = append(out, Activity{
				Kind: ActivityRefunded, ContractID: c.ID, Reference: c.Reference, Direction: dir(true),
				Amount: money.Format(r.Amount, r.Currency), Currency: r.Currency, Provider: r.Provider, At: *r.ExecutedAt,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ContractOverview is everything a party needs to render one contract.
type ContractOverview struct {
	Contract           *Contract      `json:"contract"`
	Milestones         []*Milestone   `json:"milestones"`
	Payments           []*Payment     `json:"payments"`
	Releases           []*FundRelease `json:"releases"`
	Refunds            []*Refund      `json:"refunds"`
	Remaining          string         `json:"remaining"`
	MilestonesSettled  int            `json:"milestonesSettled"`
	ProgressPercentage string         `json:"progressPercentage"`
}

// ContractOverview assembles a contract with its milestones and money trail.
func (s *Service) ContractOverview(ctx context.Context, contractID string, actor auth.Actor) (*ContractOverview, error) {
	c, err := s.GetContract(ctx, contractID, actor)
	if err != nil {
		return nil, err
	}
	ov := &ContractOverview{Contract: c}
	if ov.Milestones, err = s.store.ListMilestones(ctx, c.ID); err != nil {
		return nil, err
	}
	if ov.Payments, err = s.store.ListPayments(ctx, c.ID); err != nil {
		return nil, err
	}
	if ov.Releases, err = s.store.ListReleases(ctx, c.ID); err != nil {
		return nil, err
	}
	if ov.Refunds, err = s.store.ListRefunds(ctx, c.ID); err != nil {
		return nil, err
	}

	for _, m := range ov.Milestones {
		if m.IsSettled() {
			ov.MilestonesSettled++
		}
	}
	settledAmount := c.ReleasedAmount.Add(c.RefundedAmount)
	ov.Remaining = money.Format(c.Remaining(), c.Currency)
	progress := decimal.Zero
	if c.TotalAmount.IsPositive() {
		progress = settledAmount.Div(c.TotalAmount).Mul(hundred)
	}
	ov.ProgressPercentage = progress.StringFixed(2)
	return ov, nil
}
