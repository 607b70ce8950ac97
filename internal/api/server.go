// Package api provides the HTTP surface of the ledger engine: balance and
// transaction queries, commitment placement and rollback, and market
// resolution. Handlers are thin — validation and token movement live in
// the services.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kai/ledger-engine/internal/commitment"
	"github.com/kai/ledger-engine/internal/events"
	"github.com/kai/ledger-engine/internal/ledger"
	"github.com/kai/ledger-engine/internal/metrics"
	"github.com/kai/ledger-engine/internal/model"
	"github.com/kai/ledger-engine/internal/settlement"
	"github.com/kai/ledger-engine/internal/store"
)

// Server wires the services to their HTTP routes.
type Server struct {
	store       store.Store
	ledger      *ledger.Service
	commitments *commitment.Service
	settlement  *settlement.Orchestrator
	hub         *events.Hub
}

// NewServer creates the API server.
func NewServer(st store.Store, led *ledger.Service, com *commitment.Service, set *settlement.Orchestrator, hub *events.Hub) *Server {
	return &Server{
		store:       st,
		ledger:      led,
		commitments: com,
		settlement:  set,
		hub:         hub,
	}
}

// Router builds the chi router with the full route table and the standard
// middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		// Balances and the transaction log.
		r.Post("/balances", s.createBalance)
		r.Get("/balances/{userID}", s.getBalance)
		r.Post("/balances/{userID}/purchase", s.purchase)
		r.Post("/balances/{userID}/validate", s.validateBalance)
		r.Post("/balances/{userID}/reconcile", s.reconcile)
		r.Get("/balances/{userID}/transactions", s.listTransactions)
		r.Post("/transactions/{txnID}/rollback", s.rollbackTransaction)

		// Commitments.
		r.Post("/commitments", s.createCommitment)
		r.Get("/commitments/{commitmentID}", s.getCommitment)
		r.Post("/commitments/{commitmentID}/rollback", s.rollbackCommitment)
		r.Get("/users/{userID}/commitments", s.listUserCommitments)

		// Markets and settlement.
		r.Post("/markets", s.createMarket)
		r.Get("/markets", s.listMarkets)
		r.Get("/markets/{marketID}", s.getMarket)
		r.Post("/markets/{marketID}/preview", s.previewPayout)
		r.Post("/markets/{marketID}/resolve", s.resolveMarket)
		r.Post("/markets/{marketID}/refund", s.refundMarket)

		r.Get("/jobs/{jobID}", s.getJob)
	})
	return r
}

// --- Balance handlers ---

type createBalanceRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) createBalance(w http.ResponseWriter, r *http.Request) {
	var req createBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	bal, err := s.ledger.CreateInitialBalance(r.Context(), req.UserID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bal)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.ledger.GetBalance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

type purchaseRequest struct {
	Tokens int64 `json:"tokens"`
}

func (s *Server) purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bal, txn, err := s.ledger.AdjustBalance(r.Context(), ledger.Adjustment{
		UserID:    chi.URLParam(r, "userID"),
		Type:      model.TxnPurchase,
		Tokens:    req.Tokens,
		RelatedID: uuid.New().String(),
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":     bal,
		"transaction": txn,
	})
}

type validateRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) validateBalance(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.ledger.ValidateSufficientBalance(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.ReconcileUserBalance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.ledger.Transactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

type rollbackTxnRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) rollbackTransaction(w http.ResponseWriter, r *http.Request) {
	var req rollbackTxnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	txn, err := s.ledger.RollbackTransaction(r.Context(), chi.URLParam(r, "txnID"), req.Reason)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// --- Commitment handlers ---

func (s *Server) createCommitment(w http.ResponseWriter, r *http.Request) {
	var req commitment.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.MarketID == "" {
		writeError(w, "user_id and market_id are required", http.StatusBadRequest)
		return
	}
	c, err := s.commitments.Create(r.Context(), req)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) getCommitment(w http.ResponseWriter, r *http.Request) {
	c, err := s.commitments.Get(r.Context(), chi.URLParam(r, "commitmentID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	canRollback, _ := s.commitments.CanRollback(r.Context(), c.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"commitment":   c,
		"can_rollback": canRollback,
	})
}

type rollbackCommitmentRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

func (s *Server) rollbackCommitment(w http.ResponseWriter, r *http.Request) {
	var req rollbackCommitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	c, err := s.commitments.Rollback(r.Context(), req.UserID, chi.URLParam(r, "commitmentID"), req.Reason)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) listUserCommitments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var (
		commitments []model.Commitment
		err         error
	)
	if marketID := r.URL.Query().Get("market_id"); marketID != "" {
		commitments, err = s.store.ListCommitmentsByUserMarket(r.Context(), userID, marketID)
	} else {
		commitments, err = s.store.ListCommitmentsByUser(r.Context(), userID)
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if commitments == nil {
		commitments = []model.Commitment{}
	}
	writeJSON(w, http.StatusOK, commitments)
}

// --- Market handlers ---

type createMarketRequest struct {
	Title     string    `json:"title"`
	CreatorID string    `json:"creator_id"`
	Options   []string  `json:"options"`
	EndsAt    time.Time `json:"ends_at"`
}

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		writeError(w, "title is required", http.StatusBadRequest)
		return
	}
	if len(req.Options) < 2 {
		writeError(w, "at least two options are required", http.StatusBadRequest)
		return
	}

	market := &model.Market{
		ID:        uuid.New().String(),
		Title:     req.Title,
		CreatorID: req.CreatorID,
		Status:    model.MarketActive,
		EndsAt:    req.EndsAt,
		CreatedAt: time.Now().UTC(),
	}
	for _, label := range req.Options {
		market.Options = append(market.Options, model.MarketOption{
			ID:    uuid.New().String(),
			Label: label,
		})
	}
	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, market)
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := []model.Market{}
		for _, m := range markets {
			if m.Status == status {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}
	writeJSON(w, http.StatusOK, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

type previewRequest struct {
	WinningOptionID string          `json:"winning_option_id"`
	CreatorFeeRate  decimal.Decimal `json:"creator_fee_rate"`
}

func (s *Server) previewPayout(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	summary, err := s.settlement.Preview(r.Context(), chi.URLParam(r, "marketID"), req.WinningOptionID, req.CreatorFeeRate)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type resolveRequest struct {
	WinningOptionID string          `json:"winning_option_id"`
	AdminID         string          `json:"admin_id"`
	Evidence        []string        `json:"evidence"`
	CreatorFeeRate  decimal.Decimal `json:"creator_fee_rate"`
}

func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WinningOptionID == "" {
		writeError(w, "winning_option_id is required", http.StatusBadRequest)
		return
	}
	job, err := s.settlement.ResolveMarket(r.Context(), settlement.ResolveRequest{
		MarketID:        chi.URLParam(r, "marketID"),
		WinningOptionID: req.WinningOptionID,
		AdminID:         req.AdminID,
		Evidence:        req.Evidence,
		CreatorFeeRate:  req.CreatorFeeRate,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type refundRequest struct {
	AdminID string `json:"admin_id"`
	Reason  string `json:"reason"`
}

func (s *Server) refundMarket(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	job, err := s.settlement.RefundMarket(r.Context(), chi.URLParam(r, "marketID"), req.AdminID, req.Reason)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.settlement.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeLedgerError maps a classified ledger error onto an HTTP status.
func writeLedgerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch model.CodeOf(err) {
	case model.CodeValidation:
		status = http.StatusBadRequest
		if errors.Is(err, model.ErrInsufficientBalance) {
			status = http.StatusUnprocessableEntity
		}
	case model.CodeNotFound:
		status = http.StatusNotFound
	case model.CodeConflict:
		status = http.StatusConflict
	case model.CodeTransient:
		status = http.StatusServiceUnavailable
	case model.CodeFatal:
		status = http.StatusInternalServerError
	}
	writeError(w, err.Error(), status)
}
