package dispute

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kocbridge/escrow/internal/auth"
)

func newTestRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	actors := map[string]auth.Actor{payer.ID: payer, payee.ID: payee, stranger.ID: stranger, admin.ID: admin, judge.ID: judge}
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if a, ok := actors[c.GetHeader("X-Test-Actor")]; ok {
			c.Set(auth.ContextKeyActor, a)
		}
		c.Next()
	}, auth.RequireAuth())
	NewHandler(h.svc).RegisterProtectedRoutes(v1)
	return r
}

func do(t *testing.T, r http.Handler, method, path, actorID string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Actor", actorID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHandler_DisputeLifecycle(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	c, _ := h.funded(t, "VND", "60000000", "20000000", "40000000")

	w, _ := do(t, r, http.MethodPost, "/v1/disputes", payer.ID, map[string]string{"contractId": c.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := do(t, r, http.MethodPost, "/v1/disputes", payer.ID, map[string]interface{}{
		"contractId":      c.ID,
		"reason":          "second video missing",
		"evidence":        []string{"https://drive.example/brief.pdf"},
		"requestedAction": "PARTIAL_REFUND",
		"requestedAmount": "40000000",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := body["dispute"].(map[string]interface{})
	assert.Equal(t, "URGENT", created["priority"])
	id := created["id"].(string)

	w, body = do(t, r, http.MethodPost, "/v1/disputes", payee.ID, map[string]string{"contractId": c.ID, "reason": "dup"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "dispute_already_open", body["error"])

	w, _ = do(t, r, http.MethodPost, "/v1/disputes/"+id+"/assign", payer.ID, map[string]string{"arbitratorId": judge.ID})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, body = do(t, r, http.MethodPost, "/v1/disputes/"+id+"/assign", admin.ID, map[string]string{"arbitratorId": judge.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "IN_REVIEW", body["dispute"].(map[string]interface{})["status"])

	w, _ = do(t, r, http.MethodPost, "/v1/disputes/"+id+"/responses", payee.ID, map[string]interface{}{"message": "posted late, see link", "evidence": []string{"https://tiktok.example/v/2"}})
	require.Equal(t, http.StatusCreated, w.Code)

	w, body = do(t, r, http.MethodGet, "/v1/disputes/"+id, payer.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["responses"], 1)

	w, _ = do(t, r, http.MethodGet, "/v1/disputes/"+id, stranger.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = do(t, r, http.MethodPost, "/v1/disputes/"+id+"/resolve", payer.ID, map[string]string{"resolution": "APPROVE_REFUND"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = do(t, r, http.MethodPost, "/v1/disputes/"+id+"/resolve", judge.ID, map[string]string{
		"resolution":   "PARTIAL_REFUND",
		"refundAmount": "40000000",
		"notes":        "second deliverable not met",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resolved := body["dispute"].(map[string]interface{})
	assert.Equal(t, "RESOLVED", resolved["status"])
	assert.Equal(t, "40000000", resolved["refundAmount"])

	w, body = do(t, r, http.MethodGet, "/v1/disputes?status=RESOLVED", payee.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, _ = do(t, r, http.MethodGet, "/v1/disputes/overdue", payee.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, body = do(t, r, http.MethodGet, "/v1/disputes/overdue", admin.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["count"])

	w, _ = do(t, r, http.MethodGet, "/v1/disputes/missing", admin.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
