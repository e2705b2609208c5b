package webhooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/loanmanager/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func rejectInternal(u string) error {
	if strings.Contains(u, "internal") {
		return errors.New("host is not allowed")
	}
	return nil
}

func setupRouter(store Store) *gin.Engine {
	d := newDispatcher(store, WithURLValidator(rejectInternal))
	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		if role := c.GetHeader("X-Test-Role"); role != "" {
			c.Set(auth.ContextKeyRole, auth.Role(role))
		}
	})
	NewHandler(store, d).RegisterRoutes(g)
	return r
}

func do(r *gin.Engine, method, path, role string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("X-Test-Role", role)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateAndList(t *testing.T) {
	store := NewMemoryStore()
	r := setupRouter(store)

	w := do(r, http.MethodPost, "/v1/webhooks", "governor", map[string]any{
		"url":    "https://hooks.example.com/loans",
		"events": []string{"default_warning", "liquidation_triggered", "default_warning"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Webhook.ID, "wh_"))
	assert.Len(t, created.Secret, 64)
	assert.Len(t, created.Webhook.Events, 2, "duplicates collapse")
	assert.True(t, created.Webhook.Active)

	w = do(r, http.MethodGet, "/v1/webhooks", "delegate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.Secret)
	assert.Contains(t, w.Body.String(), created.Webhook.ID)
}

func TestHandler_CreateValidation(t *testing.T) {
	r := setupRouter(NewMemoryStore())

	tests := []struct {
		name string
		body any
		want string
	}{
		{"missing url", map[string]any{"events": []string{"funded"}}, "invalid_request"},
		{"blocked url", map[string]any{"url": "https://internal.corp/hook"}, "invalid_url"},
		{"unknown event", map[string]any{"url": "https://ok.example.com", "events": []string{"ping"}}, "invalid_event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/v1/webhooks", "governor", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
}

func TestHandler_ChangesRequireGovernor(t *testing.T) {
	store := NewMemoryStore()
	addSub(t, store, "wh_1", "https://hooks.example.com")
	r := setupRouter(store)

	w := do(r, http.MethodPost, "/v1/webhooks", "delegate", map[string]any{"url": "https://hooks.example.com"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodDelete, "/v1/webhooks/wh_1", "delegate", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_Delete(t *testing.T) {
	store := NewMemoryStore()
	addSub(t, store, "wh_1", "https://hooks.example.com")
	r := setupRouter(store)

	w := do(r, http.MethodDelete, "/v1/webhooks/wh_1", "governor", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, http.MethodDelete, "/v1/webhooks/wh_1", "governor", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Limit(t *testing.T) {
	store := NewMemoryStore()
	for i := range MaxSubscriptions {
		addSub(t, store, fmt.Sprintf("wh_%02d", i), "https://hooks.example.com")
	}
	r := setupRouter(store)

	w := do(r, http.MethodPost, "/v1/webhooks", "governor", map[string]any{"url": "https://hooks.example.com"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_TestWebhook(t *testing.T) {
	rcv, srv := newReceiver(t, http.StatusOK, http.StatusInternalServerError)
	store := NewMemoryStore()
	addSub(t, store, "wh_1", srv.URL)
	r := setupRouter(store)

	w := do(r, http.MethodPost, "/v1/webhooks/wh_1/test", "governor", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ping", rcv.headers[0].Get(EventHeader))

	w = do(r, http.MethodPost, "/v1/webhooks/wh_1/test", "governor", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "status 500")

	w = do(r, http.MethodPost, "/v1/webhooks/wh_missing/test", "governor", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
