/*
handlers.go - HTTP handlers over the program orchestrator

PURPOSE:
  Thin adapter translating HTTP requests into orchestrator calls. All
  loyalty semantics live in the program and ledger packages; handlers
  only decode, delegate, and map errors to status codes.

ERROR MAPPING:
  ValidationError           400
  AccountNotFound           404
  InsufficientBalance       409
  DuplicateRequest          409
  StorageUnavailable        503
  CorruptionDetected        500

SEE ALSO:
  - server.go: Route definitions
  - program: The operations behind each handler
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/program"
)

// Handler holds dependencies for all HTTP handlers.
type Handler struct {
	Program *program.Program
}

func NewHandler(p *program.Program) *Handler {
	return &Handler{Program: p}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Credit handles POST /api/accounts/{accountID}/credit.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))

	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	result, err := h.Program.Credit(r.Context(), program.CreditRequest{
		AccountID:      accountID,
		Quantity:       ledger.NewAmount(req.Quantity),
		ExpiresAt:      req.ExpiresAt,
		IdempotencyKey: req.IdempotencyKey,
		ReferenceID:    req.ReferenceID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(result))
}

// Debit handles POST /api/accounts/{accountID}/debit.
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))

	var req DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	result, err := h.Program.Debit(r.Context(), program.DebitRequest{
		AccountID:      accountID,
		Quantity:       ledger.NewAmount(req.Quantity),
		IdempotencyKey: req.IdempotencyKey,
		ReferenceID:    req.ReferenceID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(result))
}

// Adjust handles POST /api/accounts/{accountID}/adjust.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	preq := program.AdjustRequest{
		AccountID:      accountID,
		Quantity:       ledger.NewAmount(req.Quantity),
		IdempotencyKey: req.IdempotencyKey,
		ReferenceID:    req.ReferenceID,
	}
	if req.ExpiresAt != nil {
		preq.ExpiresAt = *req.ExpiresAt
	}

	result, err := h.Program.Adjust(r.Context(), preq)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(result))
}

// EvaluateTier handles POST /api/accounts/{accountID}/tier/evaluate.
func (h *Handler) EvaluateTier(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))

	transition, err := h.Program.EvaluateTier(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if transition == nil {
		writeJSON(w, http.StatusOK, map[string]string{"action": string(ledger.ActionRetain)})
		return
	}
	writeJSON(w, http.StatusOK, toTransitionDTO(*transition))
}

// Sweep handles POST /api/sweep.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid request body")
			return
		}
	}
	asOf := time.Now().UTC()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	report, err := h.Program.RunExpirySweep(r.Context(), asOf)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{
		AsOf:          report.AsOf,
		AccountsSwept: report.AccountsSwept,
		LotsExpired:   report.LotsExpired,
		PointsExpired: report.PointsExpired.String(),
		FailedCount:   len(report.Failed),
	})
}

// =============================================================================
// QUERIES
// =============================================================================

// GetAccount handles GET /api/accounts/{accountID}.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))

	account, err := h.Program.GetAccount(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountDTO{
		ID:             string(account.ID),
		Balance:        account.Balance.String(),
		LifetimePoints: account.LifetimePoints.String(),
		Tier:           account.Tier,
		TierSince:      account.TierSince,
	})
}

// GetBalance handles GET /api/accounts/{accountID}/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))

	balance, err := h.Program.CurrentBalance(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

// ListEntries handles GET /api/accounts/{accountID}/entries.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))

	entries, err := h.Program.ListEntries(r.Context(), accountID, ledger.EntryFilter{})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListLots handles GET /api/accounts/{accountID}/lots.
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))

	lots, err := h.Program.ListOpenLots(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]LotDTO, 0, len(lots))
	for _, lot := range lots {
		dtos = append(dtos, LotDTO{
			ID:        string(lot.ID),
			Original:  lot.Original.String(),
			Remaining: lot.Remaining.String(),
			ExpiresAt: lot.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListTransitions handles GET /api/accounts/{accountID}/transitions.
func (h *Handler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))

	transitions, err := h.Program.ListTransitions(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]TransitionDTO, 0, len(transitions))
	for _, t := range transitions {
		dtos = append(dtos, toTransitionDTO(t))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, ErrorDTO{Error: msg, Kind: kind})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, "insufficient_balance", err.Error())
	case errors.Is(err, ledger.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, "duplicate_request", err.Error())
	case ledger.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
