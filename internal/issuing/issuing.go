package issuing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCardAlreadyRevealed guards the one-time secret disclosure.
	ErrCardAlreadyRevealed = errors.New("card already revealed")
	// ErrInsufficientProviderBalance indicates the issuing account cannot
	// fund the card.
	ErrInsufficientProviderBalance = errors.New("insufficient provider balance")
)

// ProviderError wraps a failure reported by the card-issuing API.
type ProviderError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("issuer %s failed with status %d: %s", e.Endpoint, e.Status, e.Message)
}

// IssueRequest describes the card to mint for one intent.
type IssueRequest struct {
	IntentID     string
	UserID       string
	Amount       int64
	Currency     string
	MCCAllowlist []string
}

// CardSecret is the one-time full credential. It is returned to the caller
// exactly once and never persisted.
type CardSecret struct {
	Number   string `json:"number"`
	CVC      string `json:"cvc"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	Last4    string `json:"last4"`
}

// IssuedCard is the persisted remainder after issuance.
type IssuedCard struct {
	IntentID       string
	ProviderCardID string
	Last4          string
	CreatedAt      time.Time
}

// AuthorizationEvent is the provider's real-time "may I charge this card"
// request, already signature-verified by the webhook handler.
type AuthorizationEvent struct {
	EventID        string         `json:"event_id"`
	ProviderCardID string         `json:"card_id"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	MerchantName   string         `json:"merchant_name"`
	MerchantMCC    string         `json:"merchant_mcc"`
	Metadata       map[string]any `json:"metadata"`
}

// IntentID extracts the correlating intent id carried in card metadata.
func (e AuthorizationEvent) IntentID() string {
	if e.Metadata == nil {
		return ""
	}
	if id, ok := e.Metadata["intent_id"].(string); ok {
		return id
	}
	return ""
}

// AuthorizationDecision is the answer returned to the provider.
type AuthorizationDecision struct {
	Approved bool
	Reason   string
}

// CardIssuer is the capability set for ephemeral spend-limited credentials.
// Exactly one concrete variant is selected at process startup by
// configuration and never switched per call.
type CardIssuer interface {
	// IssueCard resolves (creating once) the user's billing identity and
	// mints a credential with a per-authorization limit of Amount. Card
	// creation is idempotency-keyed by intent id: retries cannot mint a
	// second card for the same intent. Only provider card id and last4
	// are persisted.
	IssueCard(ctx context.Context, req IssueRequest) (*IssuedCard, error)

	// RevealCard discloses the full credential exactly once. A second call
	// fails with ErrCardAlreadyRevealed; an unknown intent fails with
	// repo.ErrNotFound.
	RevealCard(ctx context.Context, intentID string) (*CardSecret, error)

	// FreezeCard deactivates the card remotely best-effort and stamps
	// frozen_at locally.
	FreezeCard(ctx context.Context, intentID string) error

	// CancelCard permanently closes the card. Idempotent.
	CancelCard(ctx context.Context, intentID string) error

	// HandleAuthorizationEvent decides a real-time authorization request.
	HandleAuthorizationEvent(ctx context.Context, event AuthorizationEvent) (AuthorizationDecision, error)
}
