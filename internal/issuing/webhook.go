package issuing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agentpay/internal/async"
	"agentpay/internal/metrics"
	"agentpay/internal/repo"
)

// WebhookHandler verifies and answers the provider's real-time authorization
// callbacks. The provider holds the charge open until it gets the response,
// so the handler decides and writes the answer first; the audit append runs
// afterwards off the request path.
type WebhookHandler struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	secret     []byte
	issuer     CardIssuer
	repository repo.Repository
	submitter  *async.Submitter
}

// NewWebhookHandler creates the authorization webhook handler.
func NewWebhookHandler(secret string, issuer CardIssuer, repository repo.Repository, submitter *async.Submitter, m *metrics.Metrics, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		logger:     logger.With("component", "issuer_webhook"),
		metrics:    m,
		secret:     []byte(secret),
		issuer:     issuer,
		repository: repository,
		submitter:  submitter,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.countError("issuer_webhook_read")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !h.validSignature(r.Header.Get("X-Issuer-Signature"), body) {
		h.countError("issuer_webhook_signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var event AuthorizationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.countError("issuer_webhook_decode")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	decision, err := h.issuer.HandleAuthorizationEvent(r.Context(), event)
	if err != nil {
		// Fail closed: an undecidable authorization is declined, never
		// left hanging past the provider deadline.
		h.logger.Error("authorization decision failed", "event_id", event.EventID, "error", err)
		h.countError("issuer_webhook_decide")
		decision = AuthorizationDecision{Approved: false, Reason: "internal error"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"approved": decision.Approved,
		"reason":   decision.Reason,
	})

	if h.metrics != nil {
		outcome := "denied"
		if decision.Approved {
			outcome = "approved"
		}
		h.metrics.AuthorizationAcks.WithLabelValues(outcome).Inc()
	}

	h.auditAfterAck(event, decision)
}

// auditAfterAck appends the authorization outcome to the intent's audit trail
// once the ack is already on the wire.
func (h *WebhookHandler) auditAfterAck(event AuthorizationEvent, decision AuthorizationDecision) {
	if h.submitter == nil {
		return
	}
	h.submitter.Submit("authorization_audit", func(ctx context.Context) error {
		intentID := event.IntentID()
		if intentID == "" {
			card, err := h.repository.GetCardByProviderID(ctx, event.ProviderCardID)
			if err != nil {
				h.logger.Warn("authorization event without correlatable intent",
					"event_id", event.EventID, "card_id", event.ProviderCardID)
				return nil
			}
			intentID = card.IntentID
		}
		return h.repository.WithTx(ctx, func(tx repo.Tx) error {
			return tx.InsertAuditEvent(ctx, repo.AuditEvent{
				IntentID:  intentID,
				Actor:     "issuer",
				EventType: "authorization_decided",
				Payload: map[string]any{
					"event_id":      event.EventID,
					"approved":      decision.Approved,
					"reason":        decision.Reason,
					"amount":        event.Amount,
					"currency":      event.Currency,
					"merchant_name": event.MerchantName,
					"merchant_mcc":  event.MerchantMCC,
					"received_at":   time.Now().UTC().Format(time.RFC3339),
				},
			})
		})
	})
}

func (h *WebhookHandler) validSignature(header string, body []byte) bool {
	signature := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

func (h *WebhookHandler) countError(label string) {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues(label).Inc()
	}
}
