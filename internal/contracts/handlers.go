package contracts

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fundlock/fundlock/internal/validation"
)

// Handler provides HTTP endpoints for the contract mirror.
type Handler struct {
	store Store
}

// NewHandler creates a new contract handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up public (read-only) contract routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/contracts/:id", h.GetContract)
}

// RegisterAdminRoutes sets up the mirror sync route. The upstream contract
// system pushes state changes here.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/contracts/:id", h.PutContract)
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Contract not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to look up contract",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// PutContract handles PUT /v1/contracts/:id (admin)
func (h *Handler) PutContract(c *gin.Context) {
	var req struct {
		ClientID     string `json:"client_id"`
		FreelancerID string `json:"freelancer_id"`
		Title        string `json:"title"`
		Status       string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("id", c.Param("id")),
		validation.ValidID("client_id", req.ClientID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	status := Status(req.Status)
	switch status {
	case StatusDraft, StatusActive, StatusCompleted, StatusCancelled:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "status must be draft, active, completed, or cancelled",
		})
		return
	}

	now := time.Now()
	contract := &Contract{
		ID:           c.Param("id"),
		ClientID:     req.ClientID,
		FreelancerID: req.FreelancerID,
		Title:        validation.SanitizeString(req.Title, 200),
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.Put(c.Request.Context(), contract); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sync_failed",
			"message": "Failed to store contract",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}
