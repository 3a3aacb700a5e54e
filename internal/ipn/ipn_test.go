package ipn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kocbridge/escrow/internal/failover"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/provider/providertest"
)

type recordingApplier struct {
	events []*provider.CallbackEvent
	err    error
}

func (a *recordingApplier) ApplyProviderEvent(_ context.Context, ev *provider.CallbackEvent) error {
	a.events = append(a.events, ev)
	return a.err
}

type stubGateways struct {
	payloads []provider.CallbackPayload
}

func (s *stubGateways) VerifyIPN(_ context.Context, gateway string, payload provider.CallbackPayload) (failover.IPNResult, error) {
	s.payloads = append(s.payloads, payload)
	if payload.Form.Get("checksum") != "good" {
		return failover.IPNResult{Provider: gateway, Reason: "checksum mismatch"}, nil
	}
	return failover.IPNResult{IsValid: true, Provider: gateway, Event: &provider.CallbackEvent{
		Provider: gateway, Kind: provider.EventHoldSucceeded, Reference: payload.Form.Get("order_code"),
	}}, nil
}

func newRouter(t *testing.T, gateways GatewayVerifier, applier Applier) (*gin.Engine, *providertest.Fake) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	stripe := providertest.New(provider.Stripe)
	stripe.VerifyFunc = func(p provider.CallbackPayload) (*provider.CallbackEvent, error) {
		if p.Headers.Get("Stripe-Signature") != "t=1,v1=ok" {
			return nil, provider.ErrInvalidSignature
		}
		return &provider.CallbackEvent{Provider: provider.Stripe, Kind: provider.EventHoldSucceeded, ProviderReference: "pi_1"}, nil
	}
	r := gin.New()
	NewHandler(provider.NewRegistry(stripe), gateways, applier, logging.Discard()).RegisterRoutes(r)
	return r, stripe
}

func TestStripeCallback(t *testing.T) {
	applier := &recordingApplier{}
	r, _ := newRouter(t, nil, applier)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"type":"payment_intent.succeeded"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=forged")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, applier.events, "nothing is applied for a forged callback")

	req = httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"type":"payment_intent.succeeded"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=ok")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, applier.events, 1)
	assert.Equal(t, "pi_1", applier.events[0].ProviderReference)
}

func TestGatewayCallback_GetAndPostForm(t *testing.T) {
	applier := &recordingApplier{}
	gateways := &stubGateways{}
	r, _ := newRouter(t, gateways, applier)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/nganluong?order_code=KOC-1&checksum=good", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, applier.events, 1)
	assert.Equal(t, "KOC-1", applier.events[0].Reference)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/baokim", strings.NewReader("order_code=KOC-2&checksum=good"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "KOC-2", applier.events[1].Reference)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/baokim", strings.NewReader("order_code=KOC-3&checksum=bad"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Len(t, applier.events, 2)
	assert.Len(t, gateways.payloads, 3)
}

func TestCallback_UnconfiguredAndApplyErrors(t *testing.T) {
	applier := &recordingApplier{err: provider.ErrUnknownProvider}
	r, _ := newRouter(t, nil, applier)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/chain", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/baokim?checksum=good", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "VN gateways need the failover manager or a registered adapter")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=ok")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusOK, w.Code)
	assert.Len(t, applier.events, 1)
}
