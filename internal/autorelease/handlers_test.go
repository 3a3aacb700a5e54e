package autorelease

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
	admin := auth.Actor{ID: "ops-1", Role: auth.RoleAdmin}
	actors := map[string]auth.Actor{payer.ID: payer, payee.ID: payee, stranger.ID: stranger, admin.ID: admin}
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if a, ok := actors[c.GetHeader("X-Test-Actor")]; ok {
			c.Set(auth.ContextKeyActor, a)
		}
		c.Next()
	}, auth.RequireAuth())
	NewHandler(h.svc, h.escrow).RegisterProtectedRoutes(v1)
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

func TestHandler_RuleLifecycle(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	c, m := h.funded(t, "campaign_launch")
	base := "/v1/milestones/" + m.ID

	w, body := do(t, r, http.MethodGet, base+"/auto-release", payee.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SCHEDULED", body["autoRelease"].(map[string]interface{})["status"])

	w, body = do(t, r, http.MethodDelete, base+"/auto-release", payee.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "payer_only", body["error"])

	w, body = do(t, r, http.MethodDelete, base+"/auto-release", payer.ID, map[string]string{"reason": "renegotiating"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", body["autoRelease"].(map[string]interface{})["status"])

	w, _ = do(t, r, http.MethodGet, base+"/auto-release", payer.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = do(t, r, http.MethodPost, base+"/auto-release", "ops-1", map[string]int{"customTimeoutHours": 5000})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_timeout", body["error"])

	w, body = do(t, r, http.MethodPost, base+"/auto-release", "ops-1", map[string]int{"customTimeoutHours": 36})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.EqualValues(t, 36, body["autoRelease"].(map[string]interface{})["timeoutHours"])

	w, _ = do(t, r, http.MethodPost, base+"/confirm-release", stranger.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, body = do(t, r, http.MethodPost, base+"/confirm-release", payer.ID, map[string]string{"note": "approved by brand team"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "approved by brand team", body["confirmation"].(map[string]interface{})["note"])

	w, body = do(t, r, http.MethodGet, "/v1/contracts/"+c.ID+"/auto-releases", payer.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])

	w, _ = do(t, r, http.MethodGet, "/v1/contracts/"+c.ID+"/auto-releases", stranger.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
