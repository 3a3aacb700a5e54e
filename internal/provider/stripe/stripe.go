// Package stripe adapts Stripe to provider.Provider using separate charges
// and transfers: the payer's PaymentIntent is captured to the platform
// balance under a transfer group named after the contract reference, and
// each release is a Transfer to the KOC's connected account in that group.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/money"
	"github.com/kocbridge/escrow/internal/provider"
)

const (
	signatureHeader = "Stripe-Signature"

	metaContractID  = "contract_id"
	metaReference   = "contract_reference"
	metaOperationID = "operation_id"
)

// Config configures the adapter.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// Backend overrides the API backend; tests point it at httptest.
	Backend stripeapi.Backend
}

// Adapter implements provider.Provider for Stripe.
type Adapter struct {
	api           *client.API
	webhookSecret string
}

var _ provider.Provider = (*Adapter)(nil)

// New creates a Stripe adapter.
func New(cfg Config) *Adapter {
	var backends *stripeapi.Backends
	if cfg.Backend != nil {
		backends = &stripeapi.Backends{API: cfg.Backend, Connect: cfg.Backend, Uploads: cfg.Backend}
	}
	return &Adapter{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

func (a *Adapter) Name() string { return provider.Stripe }

func supported(currency string) bool {
	return currency == money.USD || currency == money.VND
}

func minorUnits(amount decimal.Decimal, currency string) (int64, error) {
	units, err := money.ToMinorUnits(amount, currency)
	if err != nil {
		return 0, err
	}
	if !units.IsInt64() {
		return 0, fmt.Errorf("amount %s out of range", amount)
	}
	return units.Int64(), nil
}

func fromMinor(units int64, currency stripeapi.Currency) decimal.Decimal {
	return money.FromMinorUnits(big.NewInt(units), strings.ToUpper(string(currency)))
}

// Hold creates a PaymentIntent the payer confirms client-side.
func (a *Adapter) Hold(ctx context.Context, req provider.HoldRequest) (_ *provider.HoldResult, err error) {
	defer metrics.ObserveProviderCall(provider.Stripe, string(provider.OpHold), time.Now(), &err)

	if !supported(req.Currency) {
		return nil, provider.Rejected(provider.Stripe, provider.OpHold, "unsupported_currency", req.Currency)
	}
	units, err := minorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, provider.Rejected(provider.Stripe, provider.OpHold, "invalid_amount", err.Error())
	}

	params := &stripeapi.PaymentIntentParams{
		Amount:        stripeapi.Int64(units),
		Currency:      stripeapi.String(strings.ToLower(req.Currency)),
		Description:   stripeapi.String(req.Description),
		TransferGroup: stripeapi.String(req.Reference),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripeapi.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(metaContractID, req.ContractID)
	params.AddMetadata(metaReference, req.Reference)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify(provider.OpHold, err)
	}
	return &provider.HoldResult{
		Provider:     provider.Stripe,
		Reference:    pi.ID,
		Status:       intentStatus(pi.Status),
		ClientSecret: pi.ClientSecret,
		Detail:       provider.StripeDetail{PaymentIntentID: pi.ID, TransferGroup: req.Reference},
	}, nil
}

// Release transfers part of the captured funds to the payee's connected
// account. The idempotency key doubles as metadata so an ambiguous release
// can be found again by QueryStatus.
func (a *Adapter) Release(ctx context.Context, req provider.ReleaseRequest) (_ *provider.TransferResult, err error) {
	defer metrics.ObserveProviderCall(provider.Stripe, string(provider.OpRelease), time.Now(), &err)

	if !supported(req.Currency) {
		return nil, provider.Rejected(provider.Stripe, provider.OpRelease, "unsupported_currency", req.Currency)
	}
	if !strings.HasPrefix(req.PayeeAccount, "acct_") {
		return nil, provider.Rejected(provider.Stripe, provider.OpRelease, "invalid_destination", "payee has no connected Stripe account")
	}
	units, err := minorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, provider.Rejected(provider.Stripe, provider.OpRelease, "invalid_amount", err.Error())
	}

	params := &stripeapi.TransferParams{
		Amount:        stripeapi.Int64(units),
		Currency:      stripeapi.String(strings.ToLower(req.Currency)),
		Destination:   stripeapi.String(req.PayeeAccount),
		TransferGroup: stripeapi.String(req.Reference),
		Description:   stripeapi.String(req.Description),
	}
	params.Context = ctx
	params.AddMetadata(metaOperationID, req.IdempotencyKey)
	params.AddMetadata(metaReference, req.Reference)
	params.SetIdempotencyKey(req.IdempotencyKey)

	tr, err := a.api.Transfers.New(params)
	if err != nil {
		return nil, classify(provider.OpRelease, err)
	}
	return &provider.TransferResult{
		Reference: tr.ID,
		Status:    provider.StatusSucceeded,
		Detail:    provider.StripeDetail{TransferID: tr.ID, TransferGroup: req.Reference, PaymentIntentID: req.HoldReference},
	}, nil
}

// Refund refunds part of the PaymentIntent back to the payer.
func (a *Adapter) Refund(ctx context.Context, req provider.RefundRequest) (_ *provider.TransferResult, err error) {
	defer metrics.ObserveProviderCall(provider.Stripe, string(provider.OpRefund), time.Now(), &err)

	units, err := minorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, provider.Rejected(provider.Stripe, provider.OpRefund, "invalid_amount", err.Error())
	}
	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(req.HoldReference),
		Amount:        stripeapi.Int64(units),
		Reason:        stripeapi.String(string(stripeapi.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.AddMetadata(metaOperationID, req.IdempotencyKey)
	params.AddMetadata(metaReference, req.Reference)
	params.SetIdempotencyKey(req.IdempotencyKey)

	rf, err := a.api.Refunds.New(params)
	if err != nil {
		return nil, classify(provider.OpRefund, err)
	}
	status := refundStatus(rf.Status)
	if status == provider.StatusFailed {
		return nil, provider.Rejected(provider.Stripe, provider.OpRefund, string(rf.Status), string(rf.FailureReason))
	}
	return &provider.TransferResult{
		Reference: rf.ID,
		Status:    status,
		Detail:    provider.StripeDetail{RefundID: rf.ID, PaymentIntentID: req.HoldReference},
	}, nil
}

// QueryStatus reads the PaymentIntent for holds, and searches the
// contract's transfers or the intent's refunds by operation id otherwise.
// An operation Stripe has no record of is reported as failed.
func (a *Adapter) QueryStatus(ctx context.Context, q provider.StatusQuery) (_ *provider.StatusResult, err error) {
	defer metrics.ObserveProviderCall(provider.Stripe, string(provider.OpQuery), time.Now(), &err)

	switch q.Op {
	case provider.OpHold:
		params := &stripeapi.PaymentIntentParams{}
		params.Context = ctx
		pi, err := a.api.PaymentIntents.Get(q.Key, params)
		if err != nil {
			return nil, classify(provider.OpQuery, err)
		}
		return &provider.StatusResult{
			Status: intentStatus(pi.Status),
			Amount: fromMinor(pi.Amount, pi.Currency),
			Detail: provider.StripeDetail{PaymentIntentID: pi.ID, TransferGroup: pi.TransferGroup},
		}, nil

	case provider.OpRelease:
		params := &stripeapi.TransferListParams{TransferGroup: stripeapi.String(q.ContractReference)}
		params.Context = ctx
		it := a.api.Transfers.List(params)
		for it.Next() {
			tr := it.Transfer()
			if tr.Metadata[metaOperationID] != q.Key {
				continue
			}
			status := provider.StatusSucceeded
			if tr.Reversed {
				status = provider.StatusFailed
			}
			return &provider.StatusResult{
				Status: status,
				Amount: fromMinor(tr.Amount, tr.Currency),
				Detail: provider.StripeDetail{TransferID: tr.ID, TransferGroup: tr.TransferGroup},
			}, nil
		}
		if err := it.Err(); err != nil {
			return nil, classify(provider.OpQuery, err)
		}
		return &provider.StatusResult{Status: provider.StatusFailed}, nil

	case provider.OpRefund:
		params := &stripeapi.RefundListParams{PaymentIntent: stripeapi.String(q.HoldReference)}
		params.Context = ctx
		it := a.api.Refunds.List(params)
		for it.Next() {
			rf := it.Refund()
			if rf.Metadata[metaOperationID] != q.Key {
				continue
			}
			return &provider.StatusResult{
				Status: refundStatus(rf.Status),
				Amount: fromMinor(rf.Amount, rf.Currency),
				Detail: provider.StripeDetail{RefundID: rf.ID, PaymentIntentID: q.HoldReference},
			}, nil
		}
		if err := it.Err(); err != nil {
			return nil, classify(provider.OpQuery, err)
		}
		return &provider.StatusResult{Status: provider.StatusFailed}, nil
	}
	return nil, provider.Rejected(provider.Stripe, provider.OpQuery, "unsupported_op", string(q.Op))
}

// VerifyCallback checks the Stripe-Signature header and normalizes the
// event. Events the escrow does not act on come back as EventUnknown.
func (a *Adapter) VerifyCallback(_ context.Context, payload provider.CallbackPayload) (*provider.CallbackEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload.Body, payload.Headers.Get(signatureHeader), a.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, provider.ErrInvalidSignature.Wrap(err)
	}

	out := &provider.CallbackEvent{
		Provider:   provider.Stripe,
		Kind:       provider.EventUnknown,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripeapi.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("stripe: decode payment intent: %w", err)
		}
		out.Kind = provider.EventHoldFailed
		if event.Type == "payment_intent.succeeded" {
			out.Kind = provider.EventHoldSucceeded
		}
		out.Reference = pi.Metadata[metaReference]
		out.ProviderReference = pi.ID
		out.Currency = strings.ToUpper(string(pi.Currency))
		out.Amount = fromMinor(pi.Amount, pi.Currency)
		out.Detail = provider.StripeDetail{PaymentIntentID: pi.ID, TransferGroup: pi.TransferGroup, EventID: event.ID}

	case "transfer.created", "transfer.reversed":
		var tr stripeapi.Transfer
		if err := json.Unmarshal(event.Data.Raw, &tr); err != nil {
			return nil, fmt.Errorf("stripe: decode transfer: %w", err)
		}
		out.Kind = provider.EventReleaseSucceeded
		if event.Type == "transfer.reversed" {
			out.Kind = provider.EventReleaseFailed
		}
		out.Reference = tr.TransferGroup
		out.ProviderReference = tr.ID
		out.Currency = strings.ToUpper(string(tr.Currency))
		out.Amount = fromMinor(tr.Amount, tr.Currency)
		out.Detail = provider.StripeDetail{TransferID: tr.ID, TransferGroup: tr.TransferGroup, EventID: event.ID}

	case "refund.created", "refund.updated", "refund.failed":
		var rf stripeapi.Refund
		if err := json.Unmarshal(event.Data.Raw, &rf); err != nil {
			return nil, fmt.Errorf("stripe: decode refund: %w", err)
		}
		switch refundStatus(rf.Status) {
		case provider.StatusSucceeded:
			out.Kind = provider.EventRefundSucceeded
		case provider.StatusFailed:
			out.Kind = provider.EventRefundFailed
		}
		out.Reference = rf.Metadata[metaReference]
		out.ProviderReference = rf.ID
		out.Currency = strings.ToUpper(string(rf.Currency))
		out.Amount = fromMinor(rf.Amount, rf.Currency)
		out.Detail = provider.StripeDetail{RefundID: rf.ID, EventID: event.ID}
	}
	return out, nil
}

// classify maps stripe-go errors onto provider errors. Every mutating call
// carries an idempotency key, so 5xx and network failures are ambiguous
// but safe to retry with the same key.
func classify(op provider.Op, err error) error {
	var serr *stripeapi.Error
	if !errors.As(err, &serr) {
		return provider.Classify(provider.Stripe, op, err)
	}
	switch {
	case serr.HTTPStatusCode == http.StatusTooManyRequests:
		return provider.Unavailable(provider.Stripe, op, err)
	case serr.HTTPStatusCode >= 500:
		if op == provider.OpRelease || op == provider.OpRefund {
			return provider.Ambiguous(provider.Stripe, op, err)
		}
		return provider.Unavailable(provider.Stripe, op, err)
	}
	code := string(serr.Code)
	if code == "" {
		code = string(serr.Type)
	}
	return provider.Rejected(provider.Stripe, op, code, serr.Msg)
}

func intentStatus(s stripeapi.PaymentIntentStatus) provider.Status {
	switch s {
	case stripeapi.PaymentIntentStatusSucceeded:
		return provider.StatusSucceeded
	case stripeapi.PaymentIntentStatusCanceled:
		return provider.StatusFailed
	default:
		return provider.StatusPending
	}
}

func refundStatus(s stripeapi.RefundStatus) provider.Status {
	switch s {
	case stripeapi.RefundStatusSucceeded:
		return provider.StatusSucceeded
	case stripeapi.RefundStatusFailed, stripeapi.RefundStatusCanceled:
		return provider.StatusFailed
	default:
		return provider.StatusPending
	}
}
