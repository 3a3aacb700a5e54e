package baokim

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/provider/vngateway"
)

const testSecret = "bk-secret"

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a := New(Config{BaseURL: srv.URL, MerchantID: "M100", Secret: testSecret, RequestsPerSecond: 100})
	a.now = func() time.Time { return time.Unix(1767225600, 0) }
	return a
}

// requireSigned asserts the request form carries a valid signature.
func requireSigned(t *testing.T, form url.Values) {
	t.Helper()
	fields := vngateway.FormFields(form)
	want := vngateway.Digest(fields, testSecret, vngateway.DigestOptions{Exclude: "signature"})
	assert.Equal(t, want, fields["signature"], "request signature")
	assert.Equal(t, "M100", fields["merchant_id"])
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestHold_CreatesSignedEscrowOrder(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathCreateOrder, r.URL.Path)
		require.NoError(t, r.ParseForm())
		requireSigned(t, r.PostForm)
		assert.Equal(t, "KOC-20260101-ABCDEF", r.PostForm.Get("mrc_order_id"))
		assert.Equal(t, "5000000", r.PostForm.Get("total_amount"))
		assert.Equal(t, "1", r.PostForm.Get("escrow"))
		writeJSON(w, map[string]any{
			"code":    0,
			"message": "Success",
			"data":    map[string]any{"order_id": 88123, "payment_url": "https://bk.example/pay/88123"},
		})
	})

	res, err := a.Hold(context.Background(), provider.HoldRequest{
		Reference: "KOC-20260101-ABCDEF",
		Amount:    decimal.NewFromInt(5_000_000),
		Currency:  "VND",
		PayerID:   "biz-1",
	})
	require.NoError(t, err)
	assert.Equal(t, provider.Baokim, res.Provider)
	assert.Equal(t, "88123", res.Reference)
	assert.Equal(t, provider.StatusPending, res.Status)
	assert.Equal(t, "https://bk.example/pay/88123", res.CheckoutURL)
	assert.Equal(t, provider.BaokimDetail{OrderID: "88123", PaymentURL: "https://bk.example/pay/88123"}, res.Detail)
}

func TestHold_SuccessFlagFalseIsRejection(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": 7, "message": "merchant locked"})
	})

	_, err := a.Hold(context.Background(), provider.HoldRequest{Reference: "R", Amount: decimal.NewFromInt(1000), Currency: "VND"})
	require.Error(t, err)
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "7", pe.Code)
	assert.False(t, pe.Retryable)
}

func TestHold_RejectsNonVND(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := a.Hold(context.Background(), provider.HoldRequest{Amount: decimal.NewFromInt(10), Currency: "USD"})
	assert.Error(t, err)
}

func TestRelease_CompletedAndPending(t *testing.T) {
	stat := "c"
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathRelease, r.URL.Path)
		require.NoError(t, r.ParseForm())
		requireSigned(t, r.PostForm)
		assert.Equal(t, "rel-1", r.PostForm.Get("mrc_txn_id"))
		assert.Equal(t, "88123", r.PostForm.Get("order_id"))
		writeJSON(w, map[string]any{"code": 0, "data": map[string]any{"txn_id": "T-1", "stat": stat}})
	})

	req := provider.ReleaseRequest{
		HoldReference:  "88123",
		Amount:         decimal.NewFromInt(2_000_000),
		Currency:       "VND",
		PayeeAccount:   "koc@bk",
		IdempotencyKey: "rel-1",
	}
	res, err := a.Release(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusSucceeded, res.Status)
	assert.Equal(t, "T-1", res.Reference)

	stat = "p"
	res, err = a.Release(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusPending, res.Status)

	stat = "d"
	_, err = a.Release(context.Background(), req)
	assert.Error(t, err)
	assert.False(t, provider.IsAmbiguous(err))
}

func TestRefund_GatewayTimeoutIsAmbiguous(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	})

	_, err := a.Refund(context.Background(), provider.RefundRequest{HoldReference: "1", Amount: decimal.NewFromInt(1), Currency: "VND", IdempotencyKey: "d:refund"})
	require.Error(t, err)
	assert.True(t, provider.IsAmbiguous(err))
}

func TestQueryStatus(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		requireSigned(t, q)
		switch r.URL.Path {
		case pathTxnDetail:
			if q.Get("mrc_txn_id") == "missing" {
				writeJSON(w, map[string]any{"code": 404, "message": "not found"})
				return
			}
			writeJSON(w, map[string]any{"code": 0, "data": map[string]any{"txn_id": "T-9", "stat": "c", "total_amount": 2000000}})
		case pathOrderDetail:
			writeJSON(w, map[string]any{"code": 0, "data": map[string]any{"order_id": q.Get("id"), "stat": "p"}})
		}
	})

	res, err := a.QueryStatus(context.Background(), provider.StatusQuery{Op: provider.OpRelease, Key: "rel-1"})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusSucceeded, res.Status)
	assert.True(t, res.Amount.Equal(decimal.NewFromInt(2_000_000)))

	res, err = a.QueryStatus(context.Background(), provider.StatusQuery{Op: provider.OpRelease, Key: "missing"})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusFailed, res.Status)

	res, err = a.QueryStatus(context.Background(), provider.StatusQuery{Op: provider.OpHold, Key: "88123"})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusPending, res.Status)
}

func signedIPN(t *testing.T, a *Adapter, fields map[string]string) []byte {
	t.Helper()
	fields["signature"] = a.Sign(fields)
	body, err := json.Marshal(fields)
	require.NoError(t, err)
	return body
}

func TestVerifyCallback(t *testing.T) {
	a := New(Config{Secret: testSecret})

	fields := map[string]string{
		"type":         "hold",
		"mrc_order_id": "KOC-20260101-ABCDEF",
		"order_id":     "88123",
		"stat":         "c",
		"total_amount": "5000000",
	}
	body := signedIPN(t, a, fields)

	ev, err := a.VerifyCallback(context.Background(), provider.CallbackPayload{Body: body})
	require.NoError(t, err)
	assert.Equal(t, provider.EventHoldSucceeded, ev.Kind)
	assert.Equal(t, "KOC-20260101-ABCDEF", ev.Reference)
	assert.Equal(t, "88123", ev.ProviderReference)
	assert.True(t, ev.Amount.Equal(decimal.NewFromInt(5_000_000)))
}

func TestVerifyCallback_RejectsTamperedAndUnsigned(t *testing.T) {
	a := New(Config{Secret: testSecret})
	fields := map[string]string{"type": "release", "txn_id": "T-1", "stat": "c", "total_amount": "100"}
	body := signedIPN(t, a, fields)

	var tampered map[string]string
	require.NoError(t, json.Unmarshal(body, &tampered))
	tampered["total_amount"] = "100000000"
	tamperedBody, _ := json.Marshal(tampered)

	_, err := a.VerifyCallback(context.Background(), provider.CallbackPayload{Body: tamperedBody})
	assert.ErrorIs(t, err, provider.ErrInvalidSignature)

	_, err = a.VerifyCallback(context.Background(), provider.CallbackPayload{Form: url.Values{"type": {"release"}, "stat": {"c"}}})
	assert.ErrorIs(t, err, provider.ErrInvalidSignature)

	other := New(Config{Secret: "other-secret"})
	_, err = other.VerifyCallback(context.Background(), provider.CallbackPayload{Body: body})
	assert.ErrorIs(t, err, provider.ErrInvalidSignature)
}

func TestVerifyCallback_FormPost(t *testing.T) {
	a := New(Config{Secret: testSecret})
	fields := map[string]string{"type": "refund", "txn_id": "T-2", "stat": "d", "mrc_order_id": "KOC-1"}
	fields["signature"] = a.Sign(fields)

	ev, err := a.VerifyCallback(context.Background(), provider.CallbackPayload{Form: vngateway.ToForm(fields)})
	require.NoError(t, err)
	assert.Equal(t, provider.EventRefundFailed, ev.Kind)
	assert.Equal(t, "T-2", ev.ProviderReference)
}
