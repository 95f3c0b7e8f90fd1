/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the settlement engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                 Create account
    GET    /api/accounts/{id}            Get account balances

  Transactions:
    POST   /api/transactions             Authorize a transaction
    GET    /api/transactions             List transactions (filterable)
    GET    /api/transactions/{id}        Get transaction
    POST   /api/transactions/{id}/void   Void a transaction

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: The settlement state machine
  - Accounts: Account store for balance reads
  - Metrics: Optional Prometheus sink for balance gauges

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (amounts parsed at the external 2-decimal scale)
  3. Call domain logic (authorize, void, queries)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, insufficient funds
  - 404: Account or transaction not found
  - 409: Duplicate transaction, already-settled void
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/settlement-engine/engine"
	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/money"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *engine.Engine
	Accounts engine.AccountStore
	Metrics  *metrics.Metrics

	// Scale and Rounding set the ledger precision for accounts created and
	// amounts accepted through the API. NewHandler sets the ledger defaults;
	// the server overrides them from the money config section.
	Scale    int32
	Rounding money.RoundingMode
}

// NewHandler creates a new handler at the ledger default precision.
func NewHandler(eng *engine.Engine, accounts engine.AccountStore) *Handler {
	return &Handler{
		Engine:   eng,
		Accounts: accounts,
		Scale:    money.DefaultScale,
		Rounding: money.RoundHalfEven,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount creates a new account with a zero balance.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "Account id is required", nil)
		return
	}

	acct := engine.NewAccountAt(engine.AccountID(req.ID), h.Scale, h.Rounding)
	if err := h.Accounts.CreateAccount(r.Context(), acct); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, accountDTO(acct))
}

// GetAccount returns an account's balances.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := engine.AccountID(chi.URLParam(r, "id"))

	acct, err := h.Accounts.GetAccount(r.Context(), id)
	if err != nil {
		if engine.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Account not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get account", err)
		return
	}

	if h.Metrics != nil {
		balance, _ := acct.Balance.Float64()
		h.Metrics.BalanceObserved(acct.ID, balance)
	}
	writeJSON(w, http.StatusOK, accountDTO(acct))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// AuthorizeTransaction authorizes a new transaction. On success the
// transaction is AUTHORIZED (or further along if it was due immediately and
// the settle worker already picked it up).
func (h *Handler) AuthorizeTransaction(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.transactionFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction", err)
		return
	}

	// A reference id makes the request an idempotent retry candidate:
	// re-submitting the same (identity, reference) returns the duplicate
	// error rather than a second transaction.
	var duplicate *engine.TransactionQuery
	if tx.ReferenceID != "" && tx.Identity != "" {
		duplicate = &engine.TransactionQuery{
			Identity:    tx.Identity,
			Asset:       tx.Asset,
			ReferenceID: tx.ReferenceID,
		}
	}

	if err := h.Engine.AuthorizeTransaction(r.Context(), tx, duplicate); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, transactionDTO(*tx))
}

// GetTransaction returns a single transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := engine.TransactionID(chi.URLParam(r, "id"))

	tx, err := h.Engine.GetTransaction(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionDTO(tx))
}

// ListTransactions returns transactions matching the query parameters
// identity, asset, kind, state, and reference_id.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := engine.TransactionQuery{
		Identity:    r.URL.Query().Get("identity"),
		Asset:       r.URL.Query().Get("asset"),
		Kind:        engine.Kind(r.URL.Query().Get("kind")),
		ReferenceID: r.URL.Query().Get("reference_id"),
	}
	if state := r.URL.Query().Get("state"); state != "" {
		q.States = []engine.State{engine.State(state)}
	}

	txs, err := h.Engine.GetTransactions(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = transactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VoidTransaction cancels a transaction and returns escrowed funds.
func (h *Handler) VoidTransaction(w http.ResponseWriter, r *http.Request) {
	id := engine.TransactionID(chi.URLParam(r, "id"))

	if err := h.Engine.VoidTransaction(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}

	tx, err := h.Engine.GetTransaction(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionDTO(tx))
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// REQUEST MAPPING
// =============================================================================

var validKinds = map[engine.Kind]bool{
	engine.KindContract:   true,
	engine.KindDeposit:    true,
	engine.KindWithdrawal: true,
	engine.KindTransfer:   true,
}

func (h *Handler) transactionFromRequest(req AuthorizeRequest) (*engine.Transaction, error) {
	kind := engine.Kind(req.Kind)
	if !validKinds[kind] {
		return nil, errors.New("unknown transaction kind: " + req.Kind)
	}
	if len(req.Transfers) == 0 {
		return nil, errors.New("at least one transfer is required")
	}

	amount, err := h.parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	transfers := make([]engine.Transfer, len(req.Transfers))
	for i, tr := range req.Transfers {
		trAmount, err := h.parseAmount(tr.Amount)
		if err != nil {
			return nil, err
		}
		if tr.Destination == "" {
			return nil, errors.New("transfer destination is required")
		}
		if tr.Source == "" && !kind.External() {
			return nil, errors.New("transfer source is required")
		}
		transfers[i] = engine.Transfer{
			Source:      engine.AccountID(tr.Source),
			Destination: engine.AccountID(tr.Destination),
			Amount:      trAmount,
		}
	}

	tx := &engine.Transaction{
		ID:          engine.TransactionID(req.ID),
		Kind:        kind,
		Amount:      amount,
		Transfers:   transfers,
		ReferenceID: req.ReferenceID,
		Identity:    req.Identity,
		Asset:       req.Asset,
	}
	if req.SettleAfter != nil {
		tx.SettleAfter = *req.SettleAfter
	}
	return tx, nil
}

// parseAmount accepts an external 2-decimal amount and converts it to the
// configured ledger scale. Fractions beyond two decimals round up so the
// client is never charged less than entered.
func (h *Handler) parseAmount(s string) (money.Money, error) {
	external, err := money.Parse(s, money.ExternalScale, money.RoundUp)
	if err != nil {
		return money.Money{}, err
	}
	return external.Rescale(h.Scale, h.Rounding), nil
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, engine.ErrDuplicateTransaction),
		errors.Is(err, engine.ErrTransactionAlreadyProcessed):
		writeError(w, http.StatusConflict, "Conflict", err)
	case engine.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
