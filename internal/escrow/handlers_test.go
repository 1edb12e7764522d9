package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fundlock/fundlock/internal/contracts"
	"github.com/fundlock/fundlock/internal/ledger"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	handler := NewHandler(f.svc, f.wallet)

	r := gin.New()
	v1 := r.Group("/v1")
	// Test stand-in for the identity middleware.
	v1.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set("authUserID", id)
		}
		if c.GetHeader("X-Admin-Secret") == "test-admin" {
			c.Set("isAdmin", true)
		}
		c.Next()
	})
	handler.RegisterRoutes(v1)
	return r, f
}

func doJSON(t *testing.T, r *gin.Engine, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateAndGetEscrow(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(t, router, "POST", "/v1/escrow", testClient, gin.H{
		"contract_id":  testContract,
		"total_amount": "1000.00",
		"milestones": []gin.H{
			{"title": "design", "amount": "400.00"},
			{"title": "build", "amount": "600.00"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var createResp struct {
		Escrow struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"escrow"`
		Milestones []struct {
			ID     string `json:"id"`
			Amount int64  `json:"amount"`
		} `json:"milestones"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if createResp.Escrow.Status != "pending" {
		t.Errorf("status = %s, want pending", createResp.Escrow.Status)
	}
	if len(createResp.Milestones) != 2 {
		t.Fatalf("got %d milestones, want 2", len(createResp.Milestones))
	}
	if createResp.Milestones[0].Amount != 400_00 {
		t.Errorf("milestone amount = %d, want 40000", createResp.Milestones[0].Amount)
	}

	// Reads work for both parties but not outsiders.
	w = doJSON(t, router, "GET", "/v1/escrow/"+createResp.Escrow.ID, testFreelancer, nil)
	if w.Code != http.StatusOK {
		t.Errorf("freelancer get: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, router, "GET", "/v1/escrow/"+createResp.Escrow.ID, "user_other", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("stranger get: expected 403, got %d", w.Code)
	}
	w = doJSON(t, router, "GET", "/v1/escrow/esc_nonexistent", testClient, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing escrow: expected 404, got %d", w.Code)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _ := setupTestRouter(t)

	// Malformed amount string.
	w := doJSON(t, router, "POST", "/v1/escrow", testClient, gin.H{
		"contract_id":  testContract,
		"total_amount": "not-a-number",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad amount: expected 400, got %d: %s", w.Code, w.Body.String())
	}

	// Duplicate escrow for the same contract.
	w = doJSON(t, router, "POST", "/v1/escrow", testClient, gin.H{
		"contract_id":  testContract,
		"total_amount": "100.00",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("first create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, router, "POST", "/v1/escrow", testClient, gin.H{
		"contract_id":  testContract,
		"total_amount": "100.00",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Error string `json:"error"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "duplicate_escrow" {
		t.Errorf("error code = %q, want duplicate_escrow", resp.Error)
	}
}

func TestHandler_MilestoneLifecycle(t *testing.T) {
	router, f := setupTestRouter(t)
	f.deposit(t, testClient, 1000_00, "pay_dep1")

	_, ms := f.create(t, 1000_00, MilestonePlan{Title: "design", Amount: 400_00})
	msID := ms[0].ID

	// Fund requires a payment reference.
	w := doJSON(t, router, "POST", "/v1/milestones/"+msID+"/fund", testClient, gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("fund without reference: expected 400, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/v1/milestones/"+msID+"/fund", testClient,
		gin.H{"payment_reference": "pay_h1"})
	if w.Code != http.StatusOK {
		t.Fatalf("fund: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Replay returns the same committed state.
	w = doJSON(t, router, "POST", "/v1/milestones/"+msID+"/fund", testClient,
		gin.H{"payment_reference": "pay_h1"})
	if w.Code != http.StatusOK {
		t.Errorf("fund replay: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Release with no body is allowed.
	req := httptest.NewRequest("POST", "/v1/milestones/"+msID+"/release", nil)
	req.Header.Set("X-User-ID", testClient)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", w2.Code, w2.Body.String())
	}

	// Releasing again conflicts.
	w = doJSON(t, router, "POST", "/v1/milestones/"+msID+"/release", testClient, gin.H{})
	if w.Code != http.StatusConflict {
		t.Errorf("double release: expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_FundInsufficientFunds(t *testing.T) {
	router, f := setupTestRouter(t)

	_, ms := f.create(t, 500_00, MilestonePlan{Title: "work", Amount: 500_00})
	w := doJSON(t, router, "POST", "/v1/milestones/"+ms[0].ID+"/fund", testClient,
		gin.H{"payment_reference": "pay_h1"})
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Error string `json:"error"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "insufficient_funds" {
		t.Errorf("error code = %q, want insufficient_funds", resp.Error)
	}
}

func TestHandler_DisputeRequiresReason(t *testing.T) {
	router, f := setupTestRouter(t)
	f.deposit(t, testClient, 500_00, "pay_dep1")
	_, ms := f.create(t, 500_00, MilestonePlan{Title: "work", Amount: 500_00})
	if _, _, err := f.svc.Fund(context.Background(), asClient, ms[0].ID, "pay_f1"); err != nil {
		t.Fatalf("Fund: %v", err)
	}

	w := doJSON(t, router, "POST", "/v1/milestones/"+ms[0].ID+"/dispute", testFreelancer, gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("dispute without reason: expected 400, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/v1/milestones/"+ms[0].ID+"/dispute", testFreelancer,
		gin.H{"reason": "work not delivered"})
	if w.Code != http.StatusOK {
		t.Fatalf("dispute: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Admin resolves with a refund.
	req := httptest.NewRequest("POST", "/v1/milestones/"+ms[0].ID+"/refund",
		bytes.NewReader([]byte(`{"reason":"resolved"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "admin")
	req.Header.Set("X-Admin-Secret", "test-admin")
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Errorf("admin refund: expected 200, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestHandler_BalanceAndTransactions(t *testing.T) {
	router, f := setupTestRouter(t)
	f.deposit(t, testClient, 1000_00, "pay_dep1")

	acct, ms := f.create(t, 1000_00, MilestonePlan{Title: "design", Amount: 400_00})
	ctx := context.Background()
	if _, _, err := f.svc.Fund(ctx, asClient, ms[0].ID, "pay_f1"); err != nil {
		t.Fatalf("Fund: %v", err)
	}

	w := doJSON(t, router, "GET", "/v1/escrow/"+acct.ID+"/balance", testClient, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var balResp struct {
		FundedAmount int64 `json:"funded_amount"`
		HeldAmount   int64 `json:"held_amount"`
		Display      struct {
			Held string `json:"held"`
		} `json:"display"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &balResp); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balResp.HeldAmount != 400_00 {
		t.Errorf("held_amount = %d, want 40000", balResp.HeldAmount)
	}
	if balResp.Display.Held != "400.00" {
		t.Errorf("display held = %q, want 400.00", balResp.Display.Held)
	}

	w = doJSON(t, router, "GET", "/v1/escrow/"+acct.ID+"/transactions", testClient, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("transactions: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var txResp struct {
		Count        int                   `json:"count"`
		Transactions []*ledger.Transaction `json:"transactions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &txResp); err != nil {
		t.Fatalf("decode transactions: %v", err)
	}
	if txResp.Count != 1 {
		t.Fatalf("count = %d, want 1 (the funding debit)", txResp.Count)
	}
	if txResp.Transactions[0].Type != ledger.TxDebit {
		t.Errorf("transaction type = %s, want debit", txResp.Transactions[0].Type)
	}
}

func TestHandler_ListUserEscrows(t *testing.T) {
	router, f := setupTestRouter(t)

	// Second contract so the list has two entries.
	now := time.Now()
	f.contracts.Put(context.Background(), &contracts.Contract{
		ID:           "con_test2",
		ClientID:     testClient,
		FreelancerID: testFreelancer,
		Status:       contracts.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	f.create(t, 100_00, MilestonePlan{Title: "a", Amount: 100_00})
	if _, _, err := f.svc.Create(context.Background(), asClient, "con_test2", 200_00, nil); err != nil {
		t.Fatalf("second create: %v", err)
	}

	w := doJSON(t, router, "GET", "/v1/users/"+testClient+"/escrows", testClient, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}

	// A user cannot list someone else's escrows.
	w = doJSON(t, router, "GET", "/v1/users/"+testClient+"/escrows", testFreelancer, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("cross-user list: expected 403, got %d", w.Code)
	}
}

func TestHandler_AddMilestone(t *testing.T) {
	router, f := setupTestRouter(t)
	acct, _ := f.create(t, 1000_00, MilestonePlan{Title: "phase 1", Amount: 700_00})

	w := doJSON(t, router, "POST", "/v1/escrow/"+acct.ID+"/milestones", testClient,
		gin.H{"title": "phase 2", "amount": "300.00"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add milestone: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Over the account total now.
	w = doJSON(t, router, "POST", "/v1/escrow/"+acct.ID+"/milestones", testClient,
		gin.H{"title": "phase 3", "amount": "0.01"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("over-commit: expected 400, got %d: %s", w.Code, w.Body.String())
	}
}
