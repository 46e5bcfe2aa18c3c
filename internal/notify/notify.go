package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agentpay/internal/repo"
)

// ApprovalPrompt is what the user sees when their decision is needed.
type ApprovalPrompt struct {
	IntentID     string `json:"intent_id"`
	UserID       string `json:"user_id"`
	Description  string `json:"description"`
	QuotedAmount int64  `json:"quoted_amount"`
	Currency     string `json:"currency"`
	Merchant     string `json:"merchant,omitempty"`
	DecisionURL  string `json:"decision_url"`
}

// Notifier delivers user-facing prompts. Delivery is best-effort: the intent
// stays in AWAITING_APPROVAL whether or not the prompt lands, and the
// decision endpoint works regardless.
type Notifier interface {
	PushApprovalPrompt(ctx context.Context, prompt ApprovalPrompt) error
	PushOutcome(ctx context.Context, intent *repo.Intent, summary string) error
}

// WebhookNotifier posts prompts to a configured channel endpoint.
type WebhookNotifier struct {
	logger     *slog.Logger
	channelURL string
	http       *http.Client
}

// NewWebhookNotifier creates a notifier posting to channelURL.
func NewWebhookNotifier(channelURL string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		logger:     logger.With("component", "notifier"),
		channelURL: strings.TrimRight(channelURL, "/"),
		http:       &http.Client{Timeout: timeout},
	}
}

// PushApprovalPrompt sends the two-button approval prompt.
func (n *WebhookNotifier) PushApprovalPrompt(ctx context.Context, prompt ApprovalPrompt) error {
	return n.post(ctx, map[string]any{
		"kind":   "approval_requested",
		"prompt": prompt,
	})
}

// PushOutcome reports a terminal state to the user.
func (n *WebhookNotifier) PushOutcome(ctx context.Context, intent *repo.Intent, summary string) error {
	return n.post(ctx, map[string]any{
		"kind":      "intent_outcome",
		"intent_id": intent.ID,
		"user_id":   intent.UserID,
		"status":    intent.Status,
		"summary":   summary,
	})
}

func (n *WebhookNotifier) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.channelURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification channel returned status %d", resp.StatusCode)
	}
	return nil
}

// NoopNotifier drops all prompts; used when no channel is configured.
type NoopNotifier struct{}

func (NoopNotifier) PushApprovalPrompt(context.Context, ApprovalPrompt) error { return nil }

func (NoopNotifier) PushOutcome(context.Context, *repo.Intent, string) error { return nil }

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = NoopNotifier{}
)
