package issuing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentpay/internal/metrics"
	"agentpay/internal/repo"
)

// ProviderConfig holds card provider client configuration.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ProviderIssuer implements CardIssuer against the card-issuing HTTP API.
type ProviderIssuer struct {
	repository repo.Repository
	client     *providerClient
	logger     *slog.Logger
}

// NewProviderIssuer creates the provider-backed issuer variant.
func NewProviderIssuer(cfg ProviderConfig, repository repo.Repository, m *metrics.Metrics, logger *slog.Logger) *ProviderIssuer {
	return &ProviderIssuer{
		repository: repository,
		client:     newProviderClient(cfg, m, logger),
		logger:     logger.With("component", "issuer"),
	}
}

// IssueCard mints a spend-limited card for the intent, reusing the user's
// billing identity when one exists.
func (p *ProviderIssuer) IssueCard(ctx context.Context, req IssueRequest) (*IssuedCard, error) {
	if existing, err := p.repository.GetCard(ctx, req.IntentID); err == nil {
		return cardFromRecord(existing), nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	user, err := p.repository.GetUserByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	identityID := ""
	if user.BillingIdentityID != nil {
		identityID = *user.BillingIdentityID
	} else {
		name := req.UserID
		if user.DisplayName != nil {
			name = *user.DisplayName
		}
		identityID, err = p.client.createCardholder(ctx, req.UserID, name)
		if err != nil {
			return nil, err
		}
		if err := p.repository.WithTx(ctx, func(tx repo.Tx) error {
			return tx.SetBillingIdentity(ctx, req.UserID, identityID)
		}); err != nil {
			return nil, err
		}
	}

	created, err := p.client.createCard(ctx, createCardRequest{
		Cardholder:   identityID,
		AmountLimit:  req.Amount,
		Currency:     req.Currency,
		MCCAllowlist: req.MCCAllowlist,
		Metadata:     map[string]string{"intent_id": req.IntentID},
	}, req.IntentID)
	if err != nil {
		return nil, err
	}

	var stored *repo.VirtualCard
	err = p.repository.WithTx(ctx, func(tx repo.Tx) error {
		var txErr error
		stored, txErr = tx.InsertCard(ctx, repo.VirtualCard{
			IntentID:       req.IntentID,
			ProviderCardID: created.ID,
			Last4:          created.Last4,
		})
		return txErr
	})
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// Lost a race with a concurrent retry; the provider-side
			// idempotency key guarantees both saw the same card.
			existing, getErr := p.repository.GetCard(ctx, req.IntentID)
			if getErr != nil {
				return nil, getErr
			}
			return cardFromRecord(existing), nil
		}
		return nil, err
	}

	p.logger.Info("card issued", "intent_id", req.IntentID, "last4", stored.Last4)
	return cardFromRecord(stored), nil
}

// RevealCard discloses the full credential exactly once. The revealed_at
// stamp and the provider fetch share one transaction, so a provider failure
// rolls the stamp back and the caller may retry.
func (p *ProviderIssuer) RevealCard(ctx context.Context, intentID string) (*CardSecret, error) {
	var secret *CardSecret
	err := p.repository.WithTx(ctx, func(tx repo.Tx) error {
		card, err := tx.GetCardForIntent(ctx, intentID)
		if err != nil {
			return err
		}
		ok, err := tx.MarkCardRevealed(ctx, intentID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return ErrCardAlreadyRevealed
		}
		secret, err = p.client.fetchCardSecret(ctx, card.ProviderCardID)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("card revealed", "intent_id", intentID)
	return secret, nil
}

// FreezeCard deactivates the card remotely and stamps frozen_at. The remote
// call is best-effort: a provider failure is logged, the local stamp still
// lands.
func (p *ProviderIssuer) FreezeCard(ctx context.Context, intentID string) error {
	card, err := p.repository.GetCard(ctx, intentID)
	if err != nil {
		return err
	}
	if err := p.client.updateCardStatus(ctx, card.ProviderCardID, "frozen"); err != nil {
		p.logger.Warn("remote freeze failed", "intent_id", intentID, "error", err)
	}
	return p.repository.WithTx(ctx, func(tx repo.Tx) error {
		return tx.MarkCardFrozen(ctx, intentID, time.Now().UTC())
	})
}

// CancelCard closes the card. A missing card or an already cancelled card is
// a no-op.
func (p *ProviderIssuer) CancelCard(ctx context.Context, intentID string) error {
	card, err := p.repository.GetCard(ctx, intentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if card.CancelledAt != nil {
		return nil
	}
	if err := p.client.updateCardStatus(ctx, card.ProviderCardID, "cancelled"); err != nil {
		p.logger.Warn("remote cancel failed", "intent_id", intentID, "error", err)
	}
	return p.repository.WithTx(ctx, func(tx repo.Tx) error {
		return tx.MarkCardCancelled(ctx, intentID, time.Now().UTC())
	})
}

// HandleAuthorizationEvent answers the provider's real-time charge request.
// The per-authorization spending limit and MCC restriction are enforced by
// the provider itself, so the reference policy approves.
func (p *ProviderIssuer) HandleAuthorizationEvent(_ context.Context, event AuthorizationEvent) (AuthorizationDecision, error) {
	return AuthorizationDecision{Approved: true, Reason: "within provider spending controls"}, nil
}

func cardFromRecord(card *repo.VirtualCard) *IssuedCard {
	return &IssuedCard{
		IntentID:       card.IntentID,
		ProviderCardID: card.ProviderCardID,
		Last4:          card.Last4,
		CreatedAt:      card.CreatedAt,
	}
}

// providerClient provides typed access to the card-issuing API.
type providerClient struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	metrics *metrics.Metrics
}

func newProviderClient(cfg ProviderConfig, m *metrics.Metrics, logger *slog.Logger) *providerClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &providerClient{
		logger:  logger.With("component", "issuer_client"),
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

type createCardRequest struct {
	Cardholder   string            `json:"cardholder"`
	AmountLimit  int64             `json:"amount_limit"`
	Currency     string            `json:"currency"`
	MCCAllowlist []string          `json:"mcc_allowlist,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type cardResponse struct {
	ID       string `json:"id"`
	Last4    string `json:"last4"`
	Number   string `json:"number,omitempty"`
	CVC      string `json:"cvc,omitempty"`
	ExpMonth int    `json:"exp_month,omitempty"`
	ExpYear  int    `json:"exp_year,omitempty"`
}

func (c *providerClient) createCardholder(ctx context.Context, userID, name string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/cardholders", map[string]string{
		"external_id": userID,
		"name":        name,
	}, "", &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *providerClient) createCard(ctx context.Context, req createCardRequest, idempotencyKey string) (*cardResponse, error) {
	var out cardResponse
	if err := c.do(ctx, http.MethodPost, "/v1/cards", req, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *providerClient) fetchCardSecret(ctx context.Context, cardID string) (*CardSecret, error) {
	var out cardResponse
	path := fmt.Sprintf("/v1/cards/%s?expand=number,cvc", cardID)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return &CardSecret{
		Number:   out.Number,
		CVC:      out.CVC,
		ExpMonth: out.ExpMonth,
		ExpYear:  out.ExpYear,
		Last4:    out.Last4,
	}, nil
}

func (c *providerClient) updateCardStatus(ctx context.Context, cardID, status string) error {
	path := fmt.Sprintf("/v1/cards/%s/status", cardID)
	return c.do(ctx, http.MethodPost, path, map[string]string{"status": status}, "", nil)
}

func (c *providerClient) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	endpoint := endpointLabel(path)
	started := time.Now()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	c.observe(endpoint, resp, err, started)
	if err != nil {
		return fmt.Errorf("issuer %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("issuer %s read body: %w", endpoint, err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &apiErr)
		if resp.StatusCode == http.StatusPaymentRequired {
			return ErrInsufficientProviderBalance
		}
		return &ProviderError{Endpoint: endpoint, Status: resp.StatusCode, Message: apiErr.Message}
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("issuer %s decode body: %w", endpoint, err)
		}
	}
	return nil
}

func (c *providerClient) observe(endpoint string, resp *http.Response, err error, started time.Time) {
	if c.metrics == nil {
		return
	}
	status := "error"
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.IssuerRequests.WithLabelValues(endpoint, status).Inc()
	c.metrics.IssuerLatency.WithLabelValues(endpoint, status).Observe(time.Since(started).Seconds())
}

func endpointLabel(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[1] == "cards" {
		if len(parts) == 4 {
			return "/v1/cards/:id/" + parts[3]
		}
		return "/v1/cards/:id"
	}
	return "/" + strings.Join(parts, "/")
}
