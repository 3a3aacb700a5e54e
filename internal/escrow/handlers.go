package escrow

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kocbridge/escrow/internal/apperr"
	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/pagination"
	"github.com/kocbridge/escrow/internal/validation"
)

// Handler provides HTTP endpoints for contracts, payments and releases.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up escrow routes. The group must require
// an authenticated actor.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.CreateContract)
	r.GET("/contracts", h.ListContracts)
	r.GET("/contracts/:id", h.GetContract)
	r.POST("/contracts/:id/cancel", h.CancelContract)
	r.GET("/contracts/:id/overview", h.GetOverview)

	r.POST("/contracts/:id/payments", h.InitiatePayment)
	r.GET("/contracts/:id/payments", h.ListPayments)
	r.POST("/payments/:id/confirm", h.ConfirmPayment)

	r.GET("/contracts/:id/milestones", h.ListMilestones)
	r.POST("/contracts/:id/milestones/:mid/complete", h.CompleteMilestone)
	r.POST("/contracts/:id/milestones/:mid/approve", h.ApproveMilestone)
	r.POST("/contracts/:id/milestones/:mid/reject", h.RejectMilestone)

	r.GET("/contracts/:id/releases", h.ListReleases)
	r.GET("/contracts/:id/refunds", h.ListRefunds)
	r.POST("/milestones/:id/release", h.ReleaseMilestone)

	r.GET("/wallet/summary", h.WalletSummary)
	r.GET("/wallet/activity", h.WalletActivity)
}

func actorOf(c *gin.Context) auth.Actor {
	actor, _ := auth.GetActor(c)
	return actor
}

func queryLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > max {
				limit = max
			}
		}
	}
	return limit
}

// CreateContract handles POST /v1/contracts
func (h *Handler) CreateContract(c *gin.Context) {
	var req CreateContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	req.PayerID = actorOf(c).ID
	req.Title = validation.SanitizeString(req.Title, 200)
	req.Terms = validation.SanitizeString(req.Terms, 5000)

	contract, err := h.service.CreateContract(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contract": contract})
}

// ListContracts handles GET /v1/contracts
func (h *Handler) ListContracts(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	filter := ContractFilter{
		PartyID: c.Query("party"),
		Status:  ContractStatus(c.Query("status")),
		After:   after,
		Limit:   queryLimit(c, 50, 200),
	}
	contracts, next, err := h.service.ListContracts(c.Request.Context(), actorOf(c), filter)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contracts":  contracts,
		"count":      len(contracts),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	ctx := c.Request.Context()
	actor := actorOf(c)
	contract, err := h.service.GetContract(ctx, c.Param("id"), actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	milestones, err := h.service.ListMilestones(ctx, contract.ID, actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract, "milestones": milestones})
}

// CancelContract handles POST /v1/contracts/:id/cancel
func (h *Handler) CancelContract(c *gin.Context) {
	contract, err := h.service.CancelContract(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// GetOverview handles GET /v1/contracts/:id/overview
func (h *Handler) GetOverview(c *gin.Context) {
	overview, err := h.service.ContractOverview(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overview": overview})
}

type initiatePaymentRequest struct {
	ReturnURL string `json:"returnUrl"`
}

// InitiatePayment handles POST /v1/contracts/:id/payments
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req initiatePaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, err)
			return
		}
	}
	payment, err := h.service.InitiatePayment(c.Request.Context(), c.Param("id"), actorOf(c), req.ReturnURL)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusAccepted
	if payment.Status == PaymentCompleted {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"payment": payment})
}

// ListPayments handles GET /v1/contracts/:id/payments
func (h *Handler) ListPayments(c *gin.Context) {
	payments, err := h.service.ListPayments(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

type confirmPaymentRequest struct {
	// Proof is a provider reference the payer obtained, such as an
	// on-chain transaction hash.
	Proof string `json:"proof"`
}

// ConfirmPayment handles POST /v1/payments/:id/confirm
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, err)
			return
		}
	}
	payment, err := h.service.ConfirmPayment(c.Request.Context(), c.Param("id"), actorOf(c), req.Proof)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ListMilestones handles GET /v1/contracts/:id/milestones
func (h *Handler) ListMilestones(c *gin.Context) {
	milestones, err := h.service.ListMilestones(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": milestones, "count": len(milestones)})
}

type completeMilestoneRequest struct {
	Deliverables []string `json:"deliverables"`
}

// CompleteMilestone handles POST /v1/contracts/:id/milestones/:mid/complete
func (h *Handler) CompleteMilestone(c *gin.Context) {
	var req completeMilestoneRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, err)
			return
		}
	}
	m, err := h.service.CompleteMilestone(c.Request.Context(), c.Param("id"), c.Param("mid"), actorOf(c), req.Deliverables)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// ApproveMilestone handles POST /v1/contracts/:id/milestones/:mid/approve.
// The milestone stays approved when the release fails; the response
// carries the release in whatever state it reached.
func (h *Handler) ApproveMilestone(c *gin.Context) {
	m, release, err := h.service.ApproveMilestone(c.Request.Context(), c.Param("id"), c.Param("mid"), actorOf(c))
	if err != nil && m == nil {
		apperr.Respond(c, err)
		return
	}
	body := gin.H{"milestone": m, "release": release}
	if err != nil {
		body["releaseError"] = apperr.CodeOf(err)
		c.JSON(http.StatusAccepted, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

type rejectMilestoneRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RejectMilestone handles POST /v1/contracts/:id/milestones/:mid/reject
func (h *Handler) RejectMilestone(c *gin.Context) {
	var req rejectMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	reason := validation.SanitizeString(req.Reason, 2000)
	m, err := h.service.RejectMilestone(c.Request.Context(), c.Param("id"), c.Param("mid"), actorOf(c), reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// ListReleases handles GET /v1/contracts/:id/releases
func (h *Handler) ListReleases(c *gin.Context) {
	releases, err := h.service.ListReleases(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"releases": releases, "count": len(releases)})
}

// ListRefunds handles GET /v1/contracts/:id/refunds
func (h *Handler) ListRefunds(c *gin.Context) {
	refunds, err := h.service.ListRefunds(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds, "count": len(refunds)})
}

// ReleaseMilestone handles POST /v1/milestones/:id/release, which retries
// the release of an approved milestone. Payer or admin only.
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	ctx := c.Request.Context()
	actor := actorOf(c)
	_, contract, err := h.service.GetMilestone(ctx, c.Param("id"), actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if err := authorizePayer(contract, actor, true); err != nil {
		apperr.Respond(c, err)
		return
	}
	release, err := h.service.ReleaseMilestoneFunds(ctx, c.Param("id"), actor.ID)
	if err != nil && release == nil {
		apperr.Respond(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"release": release, "releaseError": apperr.CodeOf(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"release": release})
}

// WalletSummary handles GET /v1/wallet/summary
func (h *Handler) WalletSummary(c *gin.Context) {
	summary, err := h.service.WalletSummary(c.Request.Context(), actorOf(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// WalletActivity handles GET /v1/wallet/activity
func (h *Handler) WalletActivity(c *gin.Context) {
	activity, err := h.service.WalletActivity(c.Request.Context(), actorOf(c), queryLimit(c, 50, 200))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": activity, "count": len(activity)})
}
