package escrow

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fundlock/fundlock/internal/contracts"
	"github.com/fundlock/fundlock/internal/ledger"
	"github.com/fundlock/fundlock/internal/money"
	"github.com/fundlock/fundlock/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	ledger  *ledger.Ledger
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, l *ledger.Ledger) *Handler {
	return &Handler{service: service, ledger: l}
}

// RegisterRoutes sets up escrow routes. All of them require caller identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/escrow/:id/balance", h.GetEscrowBalance)
	r.GET("/escrow/:id/transactions", h.GetEscrowTransactions)
	r.POST("/escrow/:id/milestones", h.AddMilestone)
	r.GET("/users/:id/escrows", h.ListUserEscrows)

	r.POST("/milestones/:id/fund", h.FundMilestone)
	r.POST("/milestones/:id/release", h.ReleaseMilestone)
	r.POST("/milestones/:id/dispute", h.DisputeMilestone)
	r.POST("/milestones/:id/refund", h.RefundMilestone)
}

func caller(c *gin.Context) Caller {
	return Caller{ID: c.GetString("authUserID"), Admin: c.GetBool("isAdmin")}
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req struct {
		ContractID  string `json:"contract_id"`
		TotalAmount string `json:"total_amount"`
		Milestones  []struct {
			Title  string `json:"title"`
			Amount string `json:"amount"`
		} `json:"milestones"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	if errs := validation.Validate(
		validation.ValidID("contract_id", req.ContractID),
		validation.ValidAmount("total_amount", req.TotalAmount),
	); len(errs) > 0 {
		validationError(c, errs)
		return
	}

	total, err := money.ParsePositive(req.TotalAmount)
	if err != nil {
		badRequest(c, "total_amount: "+err.Error())
		return
	}

	plan := make([]MilestonePlan, 0, len(req.Milestones))
	for _, m := range req.Milestones {
		amt, err := money.ParsePositive(m.Amount)
		if err != nil {
			badRequest(c, "milestone amount: "+err.Error())
			return
		}
		plan = append(plan, MilestonePlan{
			Title:  validation.SanitizeString(m.Title, 200),
			Amount: amt,
		})
	}

	acct, milestones, err := h.service.Create(c.Request.Context(), caller(c), req.ContractID, total, plan)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": acct, "milestones": milestones})
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	acct, milestones, err := h.service.Get(c.Request.Context(), caller(c), c.Param("id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct, "milestones": milestones})
}

// GetEscrowBalance handles GET /v1/escrow/:id/balance
func (h *Handler) GetEscrowBalance(c *gin.Context) {
	acct, _, err := h.service.Get(c.Request.Context(), caller(c), c.Param("id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	held := acct.FundedAmount
	c.JSON(http.StatusOK, gin.H{
		"escrow_id":       acct.ID,
		"total_amount":    acct.TotalAmount,
		"funded_amount":   acct.FundedAmount,
		"released_amount": acct.ReleasedAmount,
		"held_amount":     held,
		"currency":        acct.Currency,
		"display": gin.H{
			"held":     money.Format(held),
			"released": money.Format(acct.ReleasedAmount),
		},
	})
}

// GetEscrowTransactions handles GET /v1/escrow/:id/transactions
func (h *Handler) GetEscrowTransactions(c *gin.Context) {
	acct, milestones, err := h.service.Get(c.Request.Context(), caller(c), c.Param("id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	refs := make([]string, 0, len(milestones))
	for _, ms := range milestones {
		refs = append(refs, ms.ID)
	}
	txns, err := h.ledger.TransactionsByReference(c.Request.Context(), refs, limit)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow_id":    acct.ID,
		"transactions": txns,
		"count":        len(txns),
	})
}

// AddMilestone handles POST /v1/escrow/:id/milestones
func (h *Handler) AddMilestone(c *gin.Context) {
	var req struct {
		Title  string `json:"title"`
		Amount string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		validationError(c, errs)
		return
	}
	amt, err := money.ParsePositive(req.Amount)
	if err != nil {
		badRequest(c, "amount: "+err.Error())
		return
	}

	ms, err := h.service.AddMilestone(c.Request.Context(), caller(c), c.Param("id"),
		validation.SanitizeString(req.Title, 200), amt)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"milestone": ms})
}

// ListUserEscrows handles GET /v1/users/:id/escrows
func (h *Handler) ListUserEscrows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	status := AccountStatus(c.Query("status"))

	accts, err := h.service.ListForUser(c.Request.Context(), caller(c), c.Param("id"), status, limit)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": accts, "count": len(accts)})
}

// FundMilestone handles POST /v1/milestones/:id/fund
func (h *Handler) FundMilestone(c *gin.Context) {
	var req struct {
		PaymentReference string `json:"payment_reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("payment_reference", req.PaymentReference),
		validation.MaxLength("payment_reference", req.PaymentReference, 128),
	); len(errs) > 0 {
		validationError(c, errs)
		return
	}

	acct, ms, err := h.service.Fund(c.Request.Context(), caller(c), c.Param("id"), req.PaymentReference)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct, "milestone": ms})
}

// ReleaseMilestone handles POST /v1/milestones/:id/release
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	var req struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	// Body is optional: release with no idempotency key is allowed.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request body")
		return
	}

	acct, ms, err := h.service.Release(c.Request.Context(), caller(c), c.Param("id"), req.IdempotencyKey)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct, "milestone": ms})
}

// DisputeMilestone handles POST /v1/milestones/:id/dispute
func (h *Handler) DisputeMilestone(c *gin.Context) {
	var req struct {
		Reason         string `json:"reason"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, 2000),
	); len(errs) > 0 {
		validationError(c, errs)
		return
	}

	acct, ms, err := h.service.Dispute(c.Request.Context(), caller(c), c.Param("id"),
		validation.SanitizeString(req.Reason, 2000), req.IdempotencyKey)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct, "milestone": ms})
}

// RefundMilestone handles POST /v1/milestones/:id/refund
func (h *Handler) RefundMilestone(c *gin.Context) {
	var req struct {
		Reason         string `json:"reason"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, 2000),
	); len(errs) > 0 {
		validationError(c, errs)
		return
	}

	acct, ms, err := h.service.Refund(c.Request.Context(), caller(c), c.Param("id"),
		validation.SanitizeString(req.Reason, 2000), req.IdempotencyKey)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct, "milestone": ms})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func validationError(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// handleServiceError maps domain errors to HTTP responses. Storage error
// text never reaches the caller.
func handleServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "escrow_failed"
	msg := err.Error()

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, contracts.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrDuplicateEscrow):
		status, code = http.StatusConflict, "duplicate_escrow"
	case errors.Is(err, ErrIdempotencyConflict):
		status, code = http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, ErrContractNotReady):
		status, code = http.StatusConflict, "contract_not_ready"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status, code = http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrConflictRetry):
		status, code = http.StatusServiceUnavailable, "conflict_retry"
		c.Header("Retry-After", "1")
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
		msg = "Operation timed out; safe to retry with the same idempotency key"
	default:
		msg = "Internal error"
	}

	c.JSON(status, gin.H{"error": code, "message": msg})
}
