// Package apiclient is the worker-side client for the lifecycle API. Workers
// authenticate with a worker api key and go through the same HTTP surface as
// any other caller.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx response from the lifecycle API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned status %d: %s", e.Status, e.Message)
}

// Intent is the API's intent snapshot.
type Intent struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Subject   string         `json:"subject"`
	MaxBudget int64          `json:"max_budget"`
	Currency  string         `json:"currency"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Quote is the offer a worker posts for an intent.
type Quote struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency,omitempty"`
	Merchant    string `json:"merchant"`
	MerchantMCC string `json:"merchant_mcc,omitempty"`
	ItemURL     string `json:"item_url,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// CardSecret is the one-time credential returned by the reveal endpoint.
type CardSecret struct {
	Number   string `json:"number"`
	CVC      string `json:"cvc"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	Last4    string `json:"last4"`
}

// Result is the checkout outcome report.
type Result struct {
	Success      bool   `json:"success"`
	ActualAmount int64  `json:"actual_amount"`
	Detail       string `json:"detail,omitempty"`
}

// Client provides typed access to the lifecycle API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates an API client.
func New(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "api_client"),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetIntent fetches the intent snapshot.
func (c *Client) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	var out Intent
	if err := c.do(ctx, http.MethodGet, "/v1/intents/"+intentID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostQuote submits the found offer.
func (c *Client) PostQuote(ctx context.Context, intentID string, quote Quote) error {
	return c.do(ctx, http.MethodPost, "/v1/intents/"+intentID+"/quote", quote, nil)
}

// StartCheckout marks checkout as running.
func (c *Client) StartCheckout(ctx context.Context, intentID string) error {
	return c.do(ctx, http.MethodPost, "/v1/intents/"+intentID+"/checkout", nil, nil)
}

// RevealCard fetches the one-time card credential.
func (c *Client) RevealCard(ctx context.Context, intentID string) (*CardSecret, error) {
	var out CardSecret
	if err := c.do(ctx, http.MethodPost, "/v1/intents/"+intentID+"/card/reveal", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostResult reports the checkout outcome.
func (c *Client) PostResult(ctx context.Context, intentID string, result Result) error {
	return c.do(ctx, http.MethodPost, "/v1/intents/"+intentID+"/result", result, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
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
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api %s %s read body: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(payload, &apiErr)
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("api %s %s decode body: %w", method, path, err)
		}
	}
	return nil
}
