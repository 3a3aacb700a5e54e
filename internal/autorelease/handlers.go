package autorelease

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kocbridge/escrow/internal/apperr"
	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/escrow"
)

// Access resolves a milestone or contract the actor may see.
// *escrow.Service satisfies it.
type Access interface {
	GetMilestone(ctx context.Context, milestoneID string, actor auth.Actor) (*escrow.Milestone, *escrow.Contract, error)
	GetContract(ctx context.Context, id string, actor auth.Actor) (*escrow.Contract, error)
}

// Handler provides HTTP endpoints for auto-release rules.
type Handler struct {
	service *Service
	access  Access
}

// NewHandler creates a new auto-release handler.
func NewHandler(service *Service, access Access) *Handler {
	return &Handler{service: service, access: access}
}

// RegisterProtectedRoutes sets up auto-release routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/milestones/:id/auto-release", h.GetRule)
	r.POST("/milestones/:id/auto-release", h.CreateRule)
	r.DELETE("/milestones/:id/auto-release", h.CancelRule)
	r.POST("/milestones/:id/confirm-release", h.ConfirmRelease)
	r.GET("/contracts/:id/auto-releases", h.ListByContract)
}

// payerOrAdmin loads the milestone and checks that actor may manage its
// schedule.
func (h *Handler) payerOrAdmin(c *gin.Context) (*escrow.Milestone, bool) {
	actor, _ := auth.GetActor(c)
	m, contract, err := h.access.GetMilestone(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		apperr.Respond(c, err)
		return nil, false
	}
	if actor.ID != contract.PayerID && !actor.IsAdmin() {
		apperr.Respond(c, escrow.ErrPayerOnly)
		return nil, false
	}
	return m, true
}

// GetRule handles GET /v1/milestones/:id/auto-release
func (h *Handler) GetRule(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	m, _, err := h.access.GetMilestone(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	rule, err := h.service.GetActiveRule(c.Request.Context(), m.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"autoRelease": rule})
}

type createRuleRequest struct {
	CustomTimeoutHours *int `json:"customTimeoutHours"`
}

// CreateRule handles POST /v1/milestones/:id/auto-release
func (h *Handler) CreateRule(c *gin.Context) {
	var req createRuleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, err)
			return
		}
	}
	m, ok := h.payerOrAdmin(c)
	if !ok {
		return
	}
	rule, err := h.service.CreateAutoReleaseRule(c.Request.Context(), m.ID, req.CustomTimeoutHours)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"autoRelease": rule})
}

type cancelRuleRequest struct {
	Reason string `json:"reason"`
}

// CancelRule handles DELETE /v1/milestones/:id/auto-release
func (h *Handler) CancelRule(c *gin.Context) {
	var req cancelRuleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, err)
			return
		}
	}
	m, ok := h.payerOrAdmin(c)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by payer"
	}
	rule, err := h.service.CancelAutoRelease(c.Request.Context(), m.ID, req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"autoRelease": rule})
}

type confirmReleaseRequest struct {
	Note string `json:"note"`
}

// ConfirmRelease handles POST /v1/milestones/:id/confirm-release
func (h *Handler) ConfirmRelease(c *gin.Context) {
	var req confirmReleaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, err)
			return
		}
	}
	actor, _ := auth.GetActor(c)
	conf, err := h.service.ConfirmRelease(c.Request.Context(), c.Param("id"), actor, req.Note)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"confirmation": conf})
}

// ListByContract handles GET /v1/contracts/:id/auto-releases
func (h *Handler) ListByContract(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	contract, err := h.access.GetContract(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	rules, err := h.service.ListRulesByContract(c.Request.Context(), contract.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"autoReleases": rules, "count": len(rules)})
}
