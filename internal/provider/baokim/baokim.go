// Package baokim adapts the Baokim escrow gateway to provider.Provider.
//
// Every request and callback carries a "signature" field: the MD5 of all
// other fields as sorted k=v pairs joined by '&', with the merchant secret
// appended.
package baokim

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kocbridge/escrow/internal/money"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/provider/vngateway"
)

const (
	pathCreateOrder = "/payment/api/v5/order/send"
	pathRelease     = "/payment/api/v5/escrow/release"
	pathRefund      = "/payment/api/v5/escrow/refund"
	pathOrderDetail = "/payment/api/v5/order/detail"
	pathTxnDetail   = "/payment/api/v5/escrow/transaction"

	signatureField = "signature"

	codeOK       = "0"
	codeNotFound = "404"

	statCompleted  = "c"
	statProcessing = "p"
	statDenied     = "d"
)

// Config configures the adapter.
type Config struct {
	BaseURL           string
	MerchantID        string
	Secret            string
	RequestsPerSecond int
	HTTPClient        *http.Client
}

// Adapter implements provider.Provider for Baokim.
type Adapter struct {
	cfg    Config
	client *vngateway.Client
	now    func() time.Time
}

var (
	_ provider.Provider      = (*Adapter)(nil)
	_ provider.HealthChecker = (*Adapter)(nil)
)

// New creates a Baokim adapter.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: vngateway.NewClient(provider.Baokim, cfg.BaseURL, cfg.RequestsPerSecond, cfg.HTTPClient),
		now:    time.Now,
	}
}

func (a *Adapter) Name() string { return provider.Baokim }

// Sign computes the signature over fields.
func (a *Adapter) Sign(fields map[string]string) string {
	return vngateway.Digest(fields, a.cfg.Secret, vngateway.DigestOptions{Exclude: signatureField})
}

func (a *Adapter) signed(fields map[string]string) url.Values {
	fields["merchant_id"] = a.cfg.MerchantID
	fields["request_time"] = strconv.FormatInt(a.now().Unix(), 10)
	fields[signatureField] = a.Sign(fields)
	return vngateway.ToForm(fields)
}

// Hold creates an escrow order the payer completes at PaymentURL.
func (a *Adapter) Hold(ctx context.Context, req provider.HoldRequest) (*provider.HoldResult, error) {
	if req.Currency != money.VND {
		return nil, provider.Rejected(provider.Baokim, provider.OpHold, "unsupported_currency", "baokim settles in VND only")
	}
	form := a.signed(map[string]string{
		"mrc_order_id": req.Reference,
		"total_amount": money.Format(req.Amount, money.VND),
		"description":  req.Description,
		"url_success":  req.ReturnURL,
		"customer_ref": req.PayerID,
		"escrow":       "1",
	})

	res, err := a.client.PostForm(ctx, provider.OpHold, pathCreateOrder, form)
	if err != nil {
		return nil, err
	}
	if err := checkCode(res, provider.OpHold); err != nil {
		return nil, err
	}

	orderID := res.Get("data.order_id").String()
	payURL := res.Get("data.payment_url").String()
	return &provider.HoldResult{
		Provider:    provider.Baokim,
		Reference:   orderID,
		Status:      provider.StatusPending,
		CheckoutURL: payURL,
		Detail:      provider.BaokimDetail{OrderID: orderID, PaymentURL: payURL},
	}, nil
}

// Release pays part of an escrowed order to the payee's Baokim account.
func (a *Adapter) Release(ctx context.Context, req provider.ReleaseRequest) (*provider.TransferResult, error) {
	form := a.signed(map[string]string{
		"order_id":     req.HoldReference,
		"mrc_txn_id":   req.IdempotencyKey,
		"amount":       money.Format(req.Amount, money.VND),
		"receiver":     req.PayeeAccount,
		"description":  req.Description,
		"mrc_order_id": req.Reference,
	})
	return a.transfer(ctx, provider.OpRelease, pathRelease, form)
}

// Refund returns part of an escrowed order to the payer.
func (a *Adapter) Refund(ctx context.Context, req provider.RefundRequest) (*provider.TransferResult, error) {
	form := a.signed(map[string]string{
		"order_id":     req.HoldReference,
		"mrc_txn_id":   req.IdempotencyKey,
		"amount":       money.Format(req.Amount, money.VND),
		"reason":       req.Reason,
		"mrc_order_id": req.Reference,
	})
	return a.transfer(ctx, provider.OpRefund, pathRefund, form)
}

func (a *Adapter) transfer(ctx context.Context, op provider.Op, path string, form url.Values) (*provider.TransferResult, error) {
	res, err := a.client.PostForm(ctx, op, path, form)
	if err != nil {
		return nil, err
	}
	if err := checkCode(res, op); err != nil {
		return nil, err
	}

	txnID := res.Get("data.txn_id").String()
	stat := res.Get("data.stat").String()
	status := statusOf(stat)
	if status == provider.StatusFailed {
		return nil, provider.Rejected(provider.Baokim, op, "denied", res.Get("message").String())
	}
	return &provider.TransferResult{
		Reference: txnID,
		Status:    status,
		Detail:    provider.BaokimDetail{OrderID: form.Get("order_id"), TxnID: txnID, StatusCode: stat},
	}, nil
}

// QueryStatus looks up an order (holds) or escrow transaction (releases,
// refunds, by merchant transaction id).
func (a *Adapter) QueryStatus(ctx context.Context, q provider.StatusQuery) (*provider.StatusResult, error) {
	fields := map[string]string{}
	path := pathTxnDetail
	if q.Op == provider.OpHold {
		path = pathOrderDetail
		fields["id"] = q.Key
	} else {
		fields["mrc_txn_id"] = q.Key
	}

	res, err := a.client.Get(ctx, provider.OpQuery, path, a.signed(fields))
	if err != nil {
		return nil, err
	}
	code := res.Get("code").String()
	if code == codeNotFound {
		// Never reached the gateway's ledger.
		return &provider.StatusResult{Status: provider.StatusFailed, Detail: provider.BaokimDetail{StatusCode: code}}, nil
	}
	if err := checkCode(res, provider.OpQuery); err != nil {
		return nil, err
	}

	stat := res.Get("data.stat").String()
	amount, _ := money.Parse(res.Get("data.total_amount").String())
	return &provider.StatusResult{
		Status: statusOf(stat),
		Amount: amount,
		Detail: provider.BaokimDetail{
			OrderID:    res.Get("data.order_id").String(),
			TxnID:      res.Get("data.txn_id").String(),
			StatusCode: stat,
		},
	}, nil
}

// VerifyCallback checks an IPN and normalizes it. Baokim posts JSON; form
// posts are accepted for the legacy endpoint.
func (a *Adapter) VerifyCallback(_ context.Context, payload provider.CallbackPayload) (*provider.CallbackEvent, error) {
	fields, ok := vngateway.JSONFields(payload.Body)
	if !ok {
		fields = vngateway.FormFields(payload.Form)
	}
	got := fields[signatureField]
	if got == "" || !vngateway.Equal(got, a.Sign(fields)) {
		return nil, provider.ErrInvalidSignature
	}

	stat := fields["stat"]
	kind := eventKind(fields["type"], stat)
	providerRef := fields["order_id"]
	if fields["type"] != "hold" && fields["txn_id"] != "" {
		providerRef = fields["txn_id"]
	}
	amount, _ := money.Parse(fields["total_amount"])

	occurred := a.now()
	if ts, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		occurred = time.Unix(ts, 0)
	}

	return &provider.CallbackEvent{
		Provider:          provider.Baokim,
		Kind:              kind,
		Reference:         fields["mrc_order_id"],
		ProviderReference: providerRef,
		Amount:            amount,
		Currency:          money.VND,
		OccurredAt:        occurred,
		Detail: provider.BaokimDetail{
			OrderID:    fields["order_id"],
			TxnID:      fields["txn_id"],
			StatusCode: stat,
		},
	}, nil
}

// HealthCheck pings the gateway.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.client.Ping(ctx)
}

func checkCode(res gjson.Result, op provider.Op) error {
	if code := res.Get("code").String(); code != codeOK {
		return provider.Rejected(provider.Baokim, op, code, res.Get("message").String())
	}
	return nil
}

func statusOf(stat string) provider.Status {
	switch stat {
	case statCompleted:
		return provider.StatusSucceeded
	case statDenied:
		return provider.StatusFailed
	case statProcessing:
		return provider.StatusPending
	default:
		return provider.StatusPending
	}
}

func eventKind(typ, stat string) provider.EventKind {
	ok := stat == statCompleted
	if stat != statCompleted && stat != statDenied {
		return provider.EventUnknown
	}
	switch typ {
	case "hold":
		if ok {
			return provider.EventHoldSucceeded
		}
		return provider.EventHoldFailed
	case "release":
		if ok {
			return provider.EventReleaseSucceeded
		}
		return provider.EventReleaseFailed
	case "refund":
		if ok {
			return provider.EventRefundSucceeded
		}
		return provider.EventRefundFailed
	default:
		return provider.EventUnknown
	}
}
