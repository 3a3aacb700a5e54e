package dispute

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kocbridge/escrow/internal/apperr"
	"github.com/kocbridge/escrow/internal/auth"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.CreateDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/overdue", h.ListOverdue)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/assign", auth.RequireRole(auth.RoleAdmin), h.AssignDispute)
	r.POST("/disputes/:id/responses", h.AddResponse)
	r.GET("/disputes/:id/responses", h.ListResponses)
	r.POST("/disputes/:id/resolve", auth.RequireRole(auth.RoleArbitrator, auth.RoleAdmin), h.ResolveDispute)
}

func limitParam(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}

// CreateDispute handles POST /v1/disputes
func (h *Handler) CreateDispute(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	actor, _ := auth.GetActor(c)
	d, err := h.service.CreateDispute(c.Request.Context(), actor, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	disputes, err := h.service.List(c.Request.Context(), actor, Filter{
		ContractID: c.Query("contractId"),
		Status:     Status(c.Query("status")),
		Limit:      limitParam(c),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ListOverdue handles GET /v1/disputes/overdue
func (h *Handler) ListOverdue(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	disputes, err := h.service.ListOverdue(c.Request.Context(), actor, limitParam(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	responses, err := h.service.ListResponses(c.Request.Context(), d.ID, actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d, "responses": responses})
}

type assignRequest struct {
	ArbitratorID string `json:"arbitratorId" binding:"required"`
}

// AssignDispute handles POST /v1/disputes/:id/assign
func (h *Handler) AssignDispute(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	actor, _ := auth.GetActor(c)
	d, err := h.service.AssignDispute(c.Request.Context(), c.Param("id"), req.ArbitratorID, actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type responseRequest struct {
	Message  string   `json:"message" binding:"required"`
	Evidence []string `json:"evidence"`
}

// AddResponse handles POST /v1/disputes/:id/responses
func (h *Handler) AddResponse(c *gin.Context) {
	var req responseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	actor, _ := auth.GetActor(c)
	r, err := h.service.AddDisputeResponse(c.Request.Context(), c.Param("id"), actor, req.Message, req.Evidence)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"response": r})
}

// ListResponses handles GET /v1/disputes/:id/responses
func (h *Handler) ListResponses(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	responses, err := h.service.ListResponses(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"responses": responses, "count": len(responses)})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	actor, _ := auth.GetActor(c)
	d, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
