// Package nganluong adapts the NganLuong escrow gateway to provider.Provider.
//
// NganLuong exposes a single endpoint selected by the "function" field.
// Messages carry a "secure_code": the MD5 of the non-empty fields, URL
// encoded and sorted as k=v pairs joined by '&', with the merchant
// password appended.
package nganluong

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kocbridge/escrow/internal/money"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/provider/vngateway"
)

const (
	endpoint = "/api/escrow/v2"

	fnCheckout = "SetEscrowCheckout"
	fnRelease  = "ReleaseEscrow"
	fnRefund   = "RefundEscrow"
	fnDetail   = "GetTransactionDetail"

	secureCodeField = "secure_code"

	errOK       = "00"
	errNotFound = "81"

	txnSuccess = "00"
	txnPending = "01"
	txnFailed  = "02"
)

// Config configures the adapter.
type Config struct {
	BaseURL           string
	MerchantID        string
	Secret            string
	RequestsPerSecond int
	HTTPClient        *http.Client
}

// Adapter implements provider.Provider for NganLuong.
type Adapter struct {
	cfg    Config
	client *vngateway.Client
	now    func() time.Time
}

var (
	_ provider.Provider      = (*Adapter)(nil)
	_ provider.HealthChecker = (*Adapter)(nil)
)

// New creates a NganLuong adapter.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: vngateway.NewClient(provider.NganLuong, cfg.BaseURL, cfg.RequestsPerSecond, cfg.HTTPClient),
		now:    time.Now,
	}
}

func (a *Adapter) Name() string { return provider.NganLuong }

// SecureCode computes the secure_code over fields.
func (a *Adapter) SecureCode(fields map[string]string) string {
	return vngateway.Digest(fields, a.cfg.Secret, vngateway.DigestOptions{
		Exclude:   secureCodeField,
		URLEncode: true,
		SkipEmpty: true,
	})
}

func (a *Adapter) call(ctx context.Context, op provider.Op, fn string, fields map[string]string) (gjson.Result, error) {
	fields["function"] = fn
	fields["merchant_id"] = a.cfg.MerchantID
	fields[secureCodeField] = a.SecureCode(fields)
	return a.client.PostForm(ctx, op, endpoint, vngateway.ToForm(fields))
}

// Hold opens an escrow checkout; the payer pays at CheckoutURL.
func (a *Adapter) Hold(ctx context.Context, req provider.HoldRequest) (*provider.HoldResult, error) {
	if req.Currency != money.VND {
		return nil, provider.Rejected(provider.NganLuong, provider.OpHold, "unsupported_currency", "nganluong settles in VND only")
	}
	res, err := a.call(ctx, provider.OpHold, fnCheckout, map[string]string{
		"order_code":        req.Reference,
		"total_amount":      money.Format(req.Amount, money.VND),
		"order_description": req.Description,
		"return_url":        req.ReturnURL,
		"buyer_ref":         req.PayerID,
	})
	if err != nil {
		return nil, err
	}
	if err := checkError(res, provider.OpHold); err != nil {
		return nil, err
	}

	token := res.Get("token").String()
	checkout := res.Get("checkout_url").String()
	return &provider.HoldResult{
		Provider:    provider.NganLuong,
		Reference:   token,
		Status:      provider.StatusPending,
		CheckoutURL: checkout,
		Detail:      provider.NganLuongDetail{Token: token, CheckoutURL: checkout, ErrorCode: errOK},
	}, nil
}

// Release pays part of the escrow to the payee's NganLuong account.
func (a *Adapter) Release(ctx context.Context, req provider.ReleaseRequest) (*provider.TransferResult, error) {
	return a.transfer(ctx, provider.OpRelease, fnRelease, map[string]string{
		"token":          req.HoldReference,
		"ref_code":       req.IdempotencyKey,
		"amount":         money.Format(req.Amount, money.VND),
		"receiver_email": req.PayeeAccount,
		"order_code":     req.Reference,
		"description":    req.Description,
	})
}

// Refund returns part of the escrow to the payer.
func (a *Adapter) Refund(ctx context.Context, req provider.RefundRequest) (*provider.TransferResult, error) {
	return a.transfer(ctx, provider.OpRefund, fnRefund, map[string]string{
		"token":      req.HoldReference,
		"ref_code":   req.IdempotencyKey,
		"amount":     money.Format(req.Amount, money.VND),
		"reason":     req.Reason,
		"order_code": req.Reference,
	})
}

func (a *Adapter) transfer(ctx context.Context, op provider.Op, fn string, fields map[string]string) (*provider.TransferResult, error) {
	token := fields["token"]
	res, err := a.call(ctx, op, fn, fields)
	if err != nil {
		return nil, err
	}
	if err := checkError(res, op); err != nil {
		return nil, err
	}

	txnID := res.Get("transaction_id").String()
	txnStatus := res.Get("transaction_status").String()
	status := statusOf(txnStatus)
	if status == provider.StatusFailed {
		return nil, provider.Rejected(provider.NganLuong, op, "transaction_failed", res.Get("description").String())
	}
	return &provider.TransferResult{
		Reference: txnID,
		Status:    status,
		Detail:    provider.NganLuongDetail{Token: token, TransactionID: txnID, ErrorCode: errOK},
	}, nil
}

// QueryStatus looks up a checkout by token (holds) or a transfer by its
// merchant ref_code (releases, refunds).
func (a *Adapter) QueryStatus(ctx context.Context, q provider.StatusQuery) (*provider.StatusResult, error) {
	fields := map[string]string{}
	if q.Op == provider.OpHold {
		fields["token"] = q.Key
	} else {
		fields["ref_code"] = q.Key
	}

	res, err := a.call(ctx, provider.OpQuery, fnDetail, fields)
	if err != nil {
		return nil, err
	}
	code := res.Get("error_code").String()
	if code == errNotFound {
		return &provider.StatusResult{Status: provider.StatusFailed, Detail: provider.NganLuongDetail{ErrorCode: code}}, nil
	}
	if err := checkError(res, provider.OpQuery); err != nil {
		return nil, err
	}

	amount, _ := money.Parse(res.Get("total_amount").String())
	return &provider.StatusResult{
		Status: statusOf(res.Get("transaction_status").String()),
		Amount: amount,
		Detail: provider.NganLuongDetail{
			Token:         res.Get("token").String(),
			TransactionID: res.Get("transaction_id").String(),
			ErrorCode:     code,
		},
	}, nil
}

// VerifyCallback checks a form-encoded IPN and normalizes it.
func (a *Adapter) VerifyCallback(_ context.Context, payload provider.CallbackPayload) (*provider.CallbackEvent, error) {
	fields := vngateway.FormFields(payload.Form)
	if len(fields) == 0 {
		if form, err := url.ParseQuery(string(payload.Body)); err == nil {
			fields = vngateway.FormFields(form)
		}
	}
	got := fields[secureCodeField]
	if got == "" || !vngateway.Equal(got, a.SecureCode(fields)) {
		return nil, provider.ErrInvalidSignature
	}

	typ := fields["type"]
	providerRef := fields["token"]
	if typ != "hold" && fields["transaction_id"] != "" {
		providerRef = fields["transaction_id"]
	}
	amount, _ := money.Parse(fields["total_amount"])

	return &provider.CallbackEvent{
		Provider:          provider.NganLuong,
		Kind:              eventKind(typ, fields["transaction_status"]),
		Reference:         fields["order_code"],
		ProviderReference: providerRef,
		Amount:            amount,
		Currency:          money.VND,
		OccurredAt:        a.now(),
		Detail: provider.NganLuongDetail{
			Token:         fields["token"],
			TransactionID: fields["transaction_id"],
			ErrorCode:     fields["error_code"],
		},
	}, nil
}

// HealthCheck pings the gateway.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.client.Ping(ctx)
}

func checkError(res gjson.Result, op provider.Op) error {
	if code := res.Get("error_code").String(); code != errOK {
		return provider.Rejected(provider.NganLuong, op, code, res.Get("description").String())
	}
	return nil
}

func statusOf(s string) provider.Status {
	switch s {
	case txnSuccess:
		return provider.StatusSucceeded
	case txnFailed:
		return provider.StatusFailed
	case txnPending:
		return provider.StatusPending
	default:
		return provider.StatusPending
	}
}

func eventKind(typ, txnStatus string) provider.EventKind {
	var ok bool
	switch txnStatus {
	case txnSuccess:
		ok = true
	case txnFailed:
		ok = false
	default:
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
