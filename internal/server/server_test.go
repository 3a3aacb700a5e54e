package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/config"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/provider/providertest"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var (
	payer = auth.Actor{ID: "biz-1", Role: auth.RoleUser}
	payee = auth.Actor{ID: "koc-1", Role: auth.RoleUser}
	admin = auth.Actor{ID: "ops-1", Role: auth.RoleAdmin}
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		JWTSecret:             testSecret,
		RateLimitRPS:          100,
		ProviderTimeout:       config.DefaultProviderTimeout,
		VNPrimaryProvider:     config.DefaultVNPrimary,
		DueSweepSchedule:      config.DefaultDueSweepSchedule,
		WarningSweepSchedule:  config.DefaultWarningSweepSchedule,
		AutoReleaseMaxRetries: config.DefaultMaxRetries,
		ReconcileInterval:     config.DefaultReconcileInterval,
		DisputeSLA:            config.DefaultDisputeSLA,
	}
}

type testServer struct {
	*Server
	stripe *providertest.Fake
	tokens *auth.Tokens
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	stripe := providertest.New(provider.Stripe)
	stripe.VerifyFunc = func(p provider.CallbackPayload) (*provider.CallbackEvent, error) {
		if p.Headers.Get("Stripe-Signature") != "t=1,v1=ok" {
			return nil, provider.ErrInvalidSignature
		}
		var body struct {
			Ref    string          `json:"ref"`
			Amount decimal.Decimal `json:"amount"`
		}
		_ = json.Unmarshal(p.Body, &body)
		return &provider.CallbackEvent{Provider: provider.Stripe, Kind: provider.EventHoldSucceeded, ProviderReference: body.Ref, Amount: body.Amount}, nil
	}
	s, err := New(testConfig(), WithProviders(provider.NewRegistry(stripe)), WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return &testServer{Server: s, stripe: stripe, tokens: auth.NewTokens(testSecret, 0)}
}

func (ts *testServer) do(t *testing.T, method, path string, actor *auth.Actor, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		token, err := ts.tokens.Issue(*actor)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, []interface{}{provider.Stripe}, body["providers"])

	w, _ = ts.do(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = ts.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")
	assert.Equal(t, "not_ready", body["status"])

	ts.ready.Store(true)
	w, _ = ts.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kocescrow_")
}

func TestMiddleware_RequestIDAndSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = httptest.NewRecorder()
	ts.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAPI_RequiresValidToken(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet, "/v1/contracts", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", body["error"])

	req := httptest.NewRequest(http.MethodGet, "/v1/contracts", nil)
	forged, err := auth.NewTokens("another-secret-another-secret-xx", 0).Issue(payer)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	w, _ = ts.do(t, http.MethodGet, "/v1/contracts", &payer, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodGet, "/v1/admin/gateways", &payer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := ts.do(t, http.MethodGet, "/v1/admin/gateways", &admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["failover"])

	w, body = ts.do(t, http.MethodPost, "/v1/admin/sweeps/due", &admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ran"])

	w, _ = ts.do(t, http.MethodPost, "/v1/admin/sweeps/everything", &admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContractLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodPost, "/v1/contracts", &payer, map[string]interface{}{
		"payeeId":       payee.ID,
		"payeeAccount":  "acct_koc",
		"title":         "TikTok launch review",
		"totalAmount":   "500",
		"currency":      "USD",
		"paymentMethod": provider.Stripe,
		"milestones":    []map[string]interface{}{{"title": "Video", "amount": "500", "category": "video"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	contractID := body["contract"].(map[string]interface{})["id"].(string)

	w, _ = ts.do(t, http.MethodPost, "/v1/contracts/"+contractID+"/payments", &payer, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, ts.stripe.Holds(), 1)

	// A forged webhook changes nothing.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"ref":"stripe_hold_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=forged")
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	w, body = ts.do(t, http.MethodGet, "/v1/contracts/"+contractID, &payee, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PENDING_PAYMENT", body["contract"].(map[string]interface{})["status"])

	req = httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"ref":"stripe_hold_1","amount":"500"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=ok")
	rec = httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	w, body = ts.do(t, http.MethodGet, "/v1/contracts/"+contractID+"/milestones", &payee, nil)
	require.Equal(t, http.StatusOK, w.Code)
	milestoneID := body["milestones"].([]interface{})[0].(map[string]interface{})["id"].(string)

	w, body = ts.do(t, http.MethodGet, "/v1/milestones/"+milestoneID+"/auto-release", &payer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	base := "/v1/contracts/" + contractID + "/milestones/" + milestoneID
	w, _ = ts.do(t, http.MethodPost, base+"/complete", &payee, map[string]interface{}{"deliverables": []string{"https://tiktok.example/v/1"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, body = ts.do(t, http.MethodPost, base+"/approve", &payer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "COMPLETED", body["release"].(map[string]interface{})["status"])
	assert.Len(t, ts.stripe.Releases(), 1)

	w, body = ts.do(t, http.MethodGet, "/v1/contracts/"+contractID, &payer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "COMPLETED", body["contract"].(map[string]interface{})["status"])

	w, body = ts.do(t, http.MethodPost, "/v1/disputes", &payer, map[string]interface{}{
		"contractId": contractID, "reason": "late delivery",
	})
	assert.Equal(t, http.StatusConflict, w.Code, "settled contracts cannot be disputed")
}

func TestWebhooks_UnconfiguredProvider(t *testing.T) {
	ts := newTestServer(t)
	w, body := ts.do(t, http.MethodPost, "/webhooks/chain", nil, map[string]string{})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "provider_not_configured", body["error"])
}
