package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"agentpay/internal/approval"
	"agentpay/internal/intent"
	"agentpay/internal/issuing"
	"agentpay/internal/ledger"
	"agentpay/internal/lifecycle"
	"agentpay/internal/repo"
)

type intentResponse struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Subject   string         `json:"subject"`
	MaxBudget int64          `json:"max_budget"`
	Currency  string         `json:"currency"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

func toIntentResponse(record *repo.Intent) intentResponse {
	return intentResponse{
		ID:        record.ID,
		UserID:    record.UserID,
		Subject:   record.Subject,
		MaxBudget: record.MaxBudget,
		Currency:  record.Currency,
		Status:    record.Status,
		Metadata:  record.Metadata,
		CreatedAt: record.CreatedAt.Format(time.RFC3339),
		UpdatedAt: record.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject   string         `json:"subject"`
		MaxBudget int64          `json:"max_budget"`
		Currency  string         `json:"currency"`
		Metadata  map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	user := principalFrom(r.Context()).user
	created, err := s.service.CreateIntent(r.Context(), user.ID, lifecycle.CreateRequest{
		Subject:        req.Subject,
		MaxBudget:      req.MaxBudget,
		Currency:       req.Currency,
		Metadata:       req.Metadata,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"intent_id": created.ID,
		"status":    created.Status,
	})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	record, err := s.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIntentResponse(record))
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var quote lifecycle.Quote
	if err := json.NewDecoder(r.Body).Decode(&quote); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	updated, err := s.service.PostQuote(r.Context(), mux.Vars(r)["id"], quote)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": updated.Status})
}

func (s *Server) handleApprovalRequest(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	actor := "worker"
	if p.user != nil {
		actor = p.user.ID
	}
	updated, err := s.service.RequestApproval(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": updated.Status})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	user := principalFrom(r.Context()).user
	stored, updated, err := s.service.Decide(r.Context(), mux.Vars(r)["id"], user.ID, req.Decision, req.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"decision": stored.Decision,
		"status":   updated.Status,
	})
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	secret, err := s.service.RevealCard(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	// The secret exists only in this response.
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, secret)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	updated, err := s.service.StartCheckout(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": updated.Status})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var result lifecycle.Result
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	updated, err := s.service.PostResult(r.Context(), mux.Vars(r)["id"], result)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": updated.Status})
}

// writeServiceError maps domain errors onto the HTTP taxonomy.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		illegal   *intent.IllegalTransitionError
		invalid   *approval.InvalidApprovalStateError
		overspend *ledger.OverspendError
		funds     *ledger.InsufficientFundsError
		policy    *lifecycle.PolicyViolationError
		malformed *lifecycle.ValidationError
		provider  *issuing.ProviderError
	)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &illegal),
		errors.As(err, &invalid),
		errors.As(err, &overspend),
		errors.Is(err, issuing.ErrCardAlreadyRevealed),
		errors.Is(err, ledger.ErrPotNotActive),
		errors.Is(err, repo.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &funds),
		errors.As(err, &policy),
		errors.Is(err, issuing.ErrInsufficientProviderBalance):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &malformed), errors.Is(err, approval.ErrUnknownDecision):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &provider):
		writeError(w, http.StatusBadGateway, "card issuer unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
