package webhooks

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/loanmanager/internal/auth"
	"github.com/mbd888/loanmanager/internal/idgen"
	"github.com/mbd888/loanmanager/internal/loanmanager"
)

// MaxSubscriptions caps how many endpoints may be registered.
const MaxSubscriptions = 50

var knownEvents = []loanmanager.EventType{
	loanmanager.EventFunded,
	loanmanager.EventClaimed,
	loanmanager.EventRefinanced,
	loanmanager.EventPastDue,
	loanmanager.EventDefaultWarning,
	loanmanager.EventWarningRemoved,
	loanmanager.EventLiquidationTriggered,
	loanmanager.EventLiquidationFinished,
}

// Handler provides HTTP endpoints for webhook management. Routes belong on
// an operator-authenticated group; changes require the governor.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
	validate   func(string) error
	now        func() time.Time
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		validate:   dispatcher.validate,
		now:        time.Now,
	}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks", requireGovernor, h.CreateWebhook)
	r.DELETE("/webhooks/:id", requireGovernor, h.DeleteWebhook)
	r.POST("/webhooks/:id/test", requireGovernor, h.TestWebhook)
}

func requireGovernor(c *gin.Context) {
	if auth.RoleFrom(c) != auth.RoleGovernor {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Webhook changes require the governor secret",
		})
		return
	}
	c.Next()
}

// CreateWebhookRequest registers an endpoint. Omit events to receive all.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /webhooks. The secret is only returned here.
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if err := h.validate(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	events := make([]loanmanager.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := loanmanager.EventType(e)
		if !slices.Contains(knownEvents, et) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": "Unknown event type: " + e})
			return
		}
		if !slices.Contains(events, et) {
			events = append(events, et)
		}
	}

	ctx := c.Request.Context()
	existing, err := h.store.List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": "Failed to create webhook"})
		return
	}
	if len(existing) >= MaxSubscriptions {
		c.JSON(http.StatusConflict, gin.H{"error": "limit_reached", "message": "Too many webhooks registered"})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": "Failed to create webhook"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret,
		"usage": gin.H{
			"signature": "hex HMAC-SHA256(body, secret)",
			"header":    SignatureHeader,
		},
	})
}

// ListWebhooks handles GET /webhooks.
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "Failed to list webhooks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /webhooks/:id.
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "Failed to delete webhook"})
	default:
		c.Status(http.StatusNoContent)
	}
}

// TestWebhook handles POST /webhooks/:id/test by sending a ping payload to
// that one endpoint and reporting the outcome.
func (h *Handler) TestWebhook(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	sub, err := h.store.Get(ctx, c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "test_failed", "message": "Failed to load webhook"})
		return
	}

	p := &Payload{ID: idgen.WithPrefix("whd_"), Type: EventPing, Timestamp: h.now().UTC()}
	if err := h.dispatcher.Ping(ctx, sub, p); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "delivery_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered", "deliveryId": p.ID})
}
