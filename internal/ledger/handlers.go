package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fundlock/fundlock/internal/capture"
	"github.com/fundlock/fundlock/internal/logging"
	"github.com/fundlock/fundlock/internal/metrics"
	"github.com/fundlock/fundlock/internal/money"
	"github.com/fundlock/fundlock/internal/validation"
)

// Handler provides HTTP endpoints for wallet balances, history, and deposits.
type Handler struct {
	ledger   *Ledger
	verifier capture.Verifier
}

// NewHandler creates a new wallet handler.
func NewHandler(l *Ledger, verifier capture.Verifier) *Handler {
	return &Handler{ledger: l, verifier: verifier}
}

// RegisterRoutes sets up wallet routes. All of them are caller-scoped.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/balance", h.GetBalance)
	r.GET("/wallet/transactions", h.GetTransactions)
	r.POST("/wallet/deposit", h.Deposit)
}

// GetBalance handles GET /v1/wallet/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.GetString("authUserID")

	bal, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_failed",
			"message": "Failed to load balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance": bal,
		"display": gin.H{
			"available":   money.Format(bal.Available),
			"escrow_held": money.Format(bal.EscrowHeld),
		},
	})
}

// GetTransactions handles GET /v1/wallet/transactions
func (h *Handler) GetTransactions(c *gin.Context) {
	userID := c.GetString("authUserID")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	txns, err := h.ledger.Transactions(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "transactions_failed",
			"message": "Failed to load transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

// Deposit handles POST /v1/wallet/deposit. The payment itself was captured
// upstream; the reference is verified against the capture provider before
// the ledger credits available funds.
func (h *Handler) Deposit(c *gin.Context) {
	userID := c.GetString("authUserID")

	var req struct {
		Amount           string `json:"amount"`
		PaymentReference string `json:"payment_reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.Required("payment_reference", req.PaymentReference),
		validation.MaxLength("payment_reference", req.PaymentReference, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	if err := h.verifier.Verify(ctx, req.PaymentReference, amount, h.ledger.Currency()); err != nil {
		logging.L(ctx).Warn("deposit verification failed",
			"user_id", userID, "reference", req.PaymentReference, "error", err)
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "capture_not_verified",
			"message": "Payment reference could not be verified as captured funds",
		})
		return
	}

	if err := h.ledger.Deposit(ctx, userID, amount, req.PaymentReference); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_reference",
				"message": "Payment reference was already deposited",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_failed",
			"message": "Failed to record deposit",
		})
		return
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(TxCredit)).Inc()

	bal, err := h.ledger.Balance(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_failed",
			"message": "Deposit recorded but balance lookup failed",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"balance": bal})
}
