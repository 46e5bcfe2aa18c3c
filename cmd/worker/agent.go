package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"agentpay/internal/apiclient"
	"agentpay/internal/jobs"
)

// agent is the simulated shopping agent. Real merchant search and checkout
// are stubbed: search quotes from intent metadata hints (or the full budget),
// checkout "purchases" at the quoted amount. Everything else goes through the
// authenticated lifecycle API like a real agent would.
type agent struct {
	api    *apiclient.Client
	logger *slog.Logger
}

func newAgent(api *apiclient.Client, logger *slog.Logger) *agent {
	return &agent{
		api:    api,
		logger: logger.With("component", "agent"),
	}
}

// HandleSearch finds an offer for the intent and posts it as a quote.
func (a *agent) HandleSearch(ctx context.Context, intentID string) error {
	it, err := a.api.GetIntent(ctx, intentID)
	if err != nil {
		return a.skipIfGone(intentID, err)
	}
	if it.Status != "SEARCHING" {
		a.logger.Info("search skipped, intent moved on", "intent_id", intentID, "status", it.Status)
		return nil
	}

	quote := buildQuote(it)
	if err := a.api.PostQuote(ctx, intentID, quote); err != nil {
		return a.skipIfGone(intentID, err)
	}
	a.logger.Info("quote posted", "intent_id", intentID, "amount", quote.Amount, "merchant", quote.Merchant)
	return nil
}

// HandleCheckout runs the purchase: start, reveal the card once, pay, report.
func (a *agent) HandleCheckout(ctx context.Context, intentID string) error {
	it, err := a.api.GetIntent(ctx, intentID)
	if err != nil {
		return a.skipIfGone(intentID, err)
	}

	switch it.Status {
	case "CARD_ISSUED":
		if err := a.api.StartCheckout(ctx, intentID); err != nil {
			return err
		}
	case "CHECKOUT_RUNNING":
		// Retried job; fall through and finish.
	default:
		a.logger.Info("checkout skipped, intent moved on", "intent_id", intentID, "status", it.Status)
		return nil
	}

	secret, err := a.api.RevealCard(ctx, intentID)
	if err != nil {
		var apiErr *apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			// A previous attempt revealed the card and crashed before
			// paying. The secret is gone for good, so the purchase
			// cannot complete.
			return a.api.PostResult(ctx, intentID, apiclient.Result{
				Success: false,
				Detail:  "card secret lost to an earlier attempt",
			})
		}
		return err
	}

	amount := quotedAmount(it)
	a.logger.Info("executing simulated checkout", "intent_id", intentID, "amount", amount, "last4", secret.Last4)

	return a.api.PostResult(ctx, intentID, apiclient.Result{
		Success:      true,
		ActualAmount: amount,
		Detail:       "simulated checkout",
	})
}

// skipIfGone drops jobs for intents that no longer accept the operation
// instead of burning retries on them.
func (a *agent) skipIfGone(intentID string, err error) error {
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
			a.logger.Warn("dropping job", "intent_id", intentID, "status", apiErr.Status, "message", apiErr.Message)
			return nil
		}
	}
	return err
}

// buildQuote derives the simulated offer. Metadata hints (hint_amount,
// hint_merchant, hint_mcc) drive it when present.
func buildQuote(it *apiclient.Intent) apiclient.Quote {
	quote := apiclient.Quote{
		Amount:   it.MaxBudget,
		Currency: it.Currency,
		Merchant: "example-store",
		Detail:   fmt.Sprintf("best offer for %q", it.Subject),
	}
	if v, ok := numericMeta(it.Metadata, "hint_amount"); ok && v > 0 && v <= it.MaxBudget {
		quote.Amount = v
	}
	if m, ok := it.Metadata["hint_merchant"].(string); ok && m != "" {
		quote.Merchant = m
	}
	if mcc, ok := it.Metadata["hint_mcc"].(string); ok {
		quote.MerchantMCC = mcc
	}
	return quote
}

func quotedAmount(it *apiclient.Intent) int64 {
	if q, ok := it.Metadata["quote"].(map[string]any); ok {
		if v, ok := numericMeta(q, "amount"); ok {
			return v
		}
	}
	return it.MaxBudget
}

func numericMeta(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

var _ jobs.Handler = (*agent)(nil)
