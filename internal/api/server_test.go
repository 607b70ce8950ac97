package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kai/ledger-engine/internal/api"
	"github.com/kai/ledger-engine/internal/commitment"
	"github.com/kai/ledger-engine/internal/ledger"
	"github.com/kai/ledger-engine/internal/model"
	"github.com/kai/ledger-engine/internal/settlement"
	"github.com/kai/ledger-engine/internal/store"
)

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	ms := store.NewMemoryStore()
	led := ledger.NewService(ms)
	com := commitment.NewService(ms, led, nil, nil)
	orch := settlement.NewOrchestrator(ms, led, nil)
	return api.NewServer(ms, led, com, orch, nil).Router()
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v (%s)", err, rec.Body.String())
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestBalanceLifecycle(t *testing.T) {
	r := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/balances", map[string]string{"user_id": "alice"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create balance: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/balances/alice/purchase", map[string]int64{"tokens": 500})
	if rec.Code != http.StatusOK {
		t.Fatalf("purchase: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/balances/alice", nil)
	bal := decode[model.UserBalance](t, rec)
	if bal.AvailableTokens != 500 {
		t.Errorf("available = %d, want 500", bal.AvailableTokens)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/balances/alice/validate", map[string]int64{"amount": 200})
	res := decode[ledger.ValidationResult](t, rec)
	if !res.IsValid {
		t.Errorf("validation: %+v", res)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/balances/alice/transactions", nil)
	txns := decode[[]model.Transaction](t, rec)
	if len(txns) != 1 || txns[0].Type != model.TxnPurchase {
		t.Errorf("transactions: %+v", txns)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/balances/alice/reconcile", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile: %d", rec.Code)
	}
	recon := decode[ledger.ReconcileResult](t, rec)
	if recon.HadInconsistencies {
		t.Errorf("fresh balance reported drift: %+v", recon)
	}
}

func TestPurchaseRejectsBadAmount(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/api/v1/balances/alice/purchase", map[string]int64{"tokens": -5})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func createTestMarket(t *testing.T, r chi.Router) model.Market {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/api/v1/markets", map[string]any{
		"title":      "Will it rain tomorrow?",
		"creator_id": "carol",
		"options":    []string{"Yes", "No"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create market: %d (%s)", rec.Code, rec.Body.String())
	}
	return decode[model.Market](t, rec)
}

func TestCommitmentFlow(t *testing.T) {
	r := newTestRouter(t)
	m := createTestMarket(t, r)

	doJSON(t, r, http.MethodPost, "/api/v1/balances", map[string]string{"user_id": "alice"})
	doJSON(t, r, http.MethodPost, "/api/v1/balances/alice/purchase", map[string]int64{"tokens": 1000})

	rec := doJSON(t, r, http.MethodPost, "/api/v1/commitments", map[string]any{
		"user_id":   "alice",
		"market_id": m.ID,
		"option_id": m.Options[0].ID,
		"tokens":    300,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create commitment: %d (%s)", rec.Code, rec.Body.String())
	}
	c := decode[model.Commitment](t, rec)
	if c.TokensCommitted != 300 || c.Status != model.CommitmentActive {
		t.Errorf("commitment: %+v", c)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/commitments/"+c.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get commitment: %d", rec.Code)
	}
	wrapped := decode[struct {
		Commitment  model.Commitment `json:"commitment"`
		CanRollback bool             `json:"can_rollback"`
	}](t, rec)
	if !wrapped.CanRollback {
		t.Error("fresh commitment should be rollbackable")
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/users/alice/commitments", nil)
	list := decode[[]model.Commitment](t, rec)
	if len(list) != 1 {
		t.Errorf("user commitments: %+v", list)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/commitments/"+c.ID+"/rollback", map[string]string{
		"user_id": "alice", "reason": "misclick",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/balances/alice", nil)
	bal := decode[model.UserBalance](t, rec)
	if bal.AvailableTokens != 1000 || bal.CommittedTokens != 0 {
		t.Errorf("balance after rollback: %+v", bal)
	}
}

func TestCommitmentInsufficientBalance(t *testing.T) {
	r := newTestRouter(t)
	m := createTestMarket(t, r)
	doJSON(t, r, http.MethodPost, "/api/v1/balances", map[string]string{"user_id": "alice"})

	rec := doJSON(t, r, http.MethodPost, "/api/v1/commitments", map[string]any{
		"user_id":   "alice",
		"market_id": m.ID,
		"option_id": m.Options[0].ID,
		"tokens":    100,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422 (%s)", rec.Code, rec.Body.String())
	}
}

func TestResolveFlow(t *testing.T) {
	r := newTestRouter(t)
	m := createTestMarket(t, r)

	for user, option := range map[string]string{"alice": m.Options[0].ID, "bob": m.Options[1].ID} {
		doJSON(t, r, http.MethodPost, "/api/v1/balances", map[string]string{"user_id": user})
		doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/v1/balances/%s/purchase", user), map[string]int64{"tokens": 1000})
		rec := doJSON(t, r, http.MethodPost, "/api/v1/commitments", map[string]any{
			"user_id": user, "market_id": m.ID, "option_id": option, "tokens": 500,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("commitment for %s: %d (%s)", user, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, r, http.MethodPost, "/api/v1/markets/"+m.ID+"/preview", map[string]any{
		"winning_option_id": m.Options[0].ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("preview: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/markets/"+m.ID+"/resolve", map[string]any{
		"winning_option_id": m.Options[0].ID,
		"admin_id":          "admin",
		"evidence":          []string{"https://example.com/weather"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("resolve: %d (%s)", rec.Code, rec.Body.String())
	}
	job := decode[model.PayoutJob](t, rec)
	if job.Status != model.JobCompleted {
		t.Fatalf("job status = %s (%s)", job.Status, job.LastError)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/markets/"+m.ID, nil)
	resolved := decode[model.Market](t, rec)
	if resolved.Status != model.MarketResolved {
		t.Errorf("market status = %s, want resolved", resolved.Status)
	}

	// Winner took the pool minus the 5% house fee: 1000 - 500 + 950.
	rec = doJSON(t, r, http.MethodGet, "/api/v1/balances/alice", nil)
	bal := decode[model.UserBalance](t, rec)
	if bal.AvailableTokens != 1450 {
		t.Errorf("winner balance = %d, want 1450", bal.AvailableTokens)
	}
}

func TestRefundFlow(t *testing.T) {
	r := newTestRouter(t)
	m := createTestMarket(t, r)

	doJSON(t, r, http.MethodPost, "/api/v1/balances", map[string]string{"user_id": "alice"})
	doJSON(t, r, http.MethodPost, "/api/v1/balances/alice/purchase", map[string]int64{"tokens": 400})
	rec := doJSON(t, r, http.MethodPost, "/api/v1/commitments", map[string]any{
		"user_id": "alice", "market_id": m.ID, "option_id": m.Options[0].ID, "tokens": 400,
	})
	if rec.Code != http.StatusCreated {
		t.Fatal(rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/markets/"+m.ID+"/refund", map[string]string{
		"admin_id": "admin", "reason": "event cancelled",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("refund: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/balances/alice", nil)
	bal := decode[model.UserBalance](t, rec)
	if bal.AvailableTokens != 400 || bal.CommittedTokens != 0 {
		t.Errorf("balance after refund: %+v", bal)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	r := newTestRouter(t)
	m := createTestMarket(t, r)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown commitment", http.MethodGet, "/api/v1/commitments/ghost", nil, http.StatusNotFound},
		{"unknown market", http.MethodGet, "/api/v1/markets/ghost", nil, http.StatusNotFound},
		{"unknown job", http.MethodGet, "/api/v1/jobs/ghost", nil, http.StatusNotFound},
		{"market needs two options", http.MethodPost, "/api/v1/markets",
			map[string]any{"title": "x", "options": []string{"only"}}, http.StatusBadRequest},
		{"resolve without winner", http.MethodPost, "/api/v1/markets/" + m.ID + "/resolve",
			map[string]string{}, http.StatusBadRequest},
		{"rollback unknown txn", http.MethodPost, "/api/v1/transactions/ghost/rollback",
			map[string]string{"reason": "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, r, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}
