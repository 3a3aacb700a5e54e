// Package ipn receives provider callbacks (Stripe webhooks, Vietnamese
// gateway IPNs, chain deposit notices). Every callback is verified
// before anything is applied; forged payloads are rejected without
// touching escrow state.
package ipn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/kocbridge/escrow/internal/apperr"
	"github.com/kocbridge/escrow/internal/failover"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/provider"
)

const maxBody = 64 << 10

// Applier applies a verified event. *escrow.Service satisfies it.
type Applier interface {
	ApplyProviderEvent(ctx context.Context, ev *provider.CallbackEvent) error
}

// GatewayVerifier verifies IPNs from a named VN gateway.
// *failover.Manager satisfies it.
type GatewayVerifier interface {
	VerifyIPN(ctx context.Context, gateway string, payload provider.CallbackPayload) (failover.IPNResult, error)
}

// Handler serves the callback endpoints.
type Handler struct {
	providers *provider.Registry
	gateways  GatewayVerifier
	applier   Applier
	logger    *slog.Logger
}

// NewHandler creates a callback handler. gateways may be nil when no VN
// gateway is configured; their callbacks are then verified by the
// registered adapters directly.
func NewHandler(providers *provider.Registry, gateways GatewayVerifier, applier Applier, logger *slog.Logger) *Handler {
	return &Handler{providers: providers, gateways: gateways, applier: applier, logger: logger}
}

// RegisterRoutes sets up the unauthenticated callback routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/webhooks")
	g.POST("/stripe", h.handle(provider.Stripe))
	g.POST("/baokim", h.handle(provider.Baokim))
	g.GET("/baokim", h.handle(provider.Baokim))
	g.POST("/nganluong", h.handle(provider.NganLuong))
	g.GET("/nganluong", h.handle(provider.NganLuong))
	g.POST("/chain", h.handle(provider.Chain))
}

func isGateway(name string) bool {
	return name == provider.Baokim || name == provider.NganLuong
}

func readPayload(c *gin.Context) (provider.CallbackPayload, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
	if err != nil {
		return provider.CallbackPayload{}, err
	}
	form := c.Request.URL.Query()
	if c.ContentType() == "application/x-www-form-urlencoded" && c.Request.Method == http.MethodPost {
		if parsed, err := url.ParseQuery(string(body)); err == nil {
			for k, v := range parsed {
				form[k] = v
			}
		}
	}
	return provider.CallbackPayload{
		Headers: c.Request.Header.Clone(),
		Body:    body,
		Form:    form,
	}, nil
}

func (h *Handler) verify(ctx context.Context, name string, payload provider.CallbackPayload) (*provider.CallbackEvent, error) {
	if isGateway(name) && h.gateways != nil {
		res, err := h.gateways.VerifyIPN(ctx, name, payload)
		if err != nil {
			return nil, err
		}
		if !res.IsValid {
			return nil, provider.ErrInvalidSignature
		}
		return res.Event, nil
	}
	p, err := h.providers.Get(name)
	if err != nil {
		return nil, err
	}
	return p.VerifyCallback(ctx, payload)
}

func (h *Handler) handle(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logging.WithLogger(c.Request.Context(), h.logger.With("provider", name))
		log := logging.L(ctx)

		if !h.providers.Has(name) && !(isGateway(name) && h.gateways != nil) {
			metrics.CallbacksTotal.WithLabelValues(name, "unconfigured").Inc()
			c.JSON(http.StatusNotFound, gin.H{"error": "provider_not_configured", "message": "provider " + name + " is not configured"})
			return
		}

		payload, err := readPayload(c)
		if err != nil {
			metrics.CallbacksTotal.WithLabelValues(name, "unreadable").Inc()
			apperr.BadRequest(c, err)
			return
		}

		ev, err := h.verify(ctx, name, payload)
		if errors.Is(err, provider.ErrInvalidSignature) {
			metrics.CallbacksTotal.WithLabelValues(name, "invalid_signature").Inc()
			log.Warn("callback rejected", "reason", err.Error(), "remote", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "callback signature verification failed"})
			return
		}
		if err != nil {
			metrics.CallbacksTotal.WithLabelValues(name, "verify_error").Inc()
			log.Error("callback verification failed", "error", err)
			apperr.Respond(c, err)
			return
		}

		if err := h.applier.ApplyProviderEvent(ctx, ev); err != nil {
			metrics.CallbacksTotal.WithLabelValues(name, "apply_error").Inc()
			log.Error("callback not applied", "event", string(ev.Kind), "reference", ev.Reference, "error", err)
			apperr.Respond(c, err)
			return
		}

		metrics.CallbacksTotal.WithLabelValues(name, "applied").Inc()
		log.Info("callback applied", "event", string(ev.Kind), "reference", ev.Reference, "provider_ref", ev.ProviderReference)
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
