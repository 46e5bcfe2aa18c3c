package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentpay/internal/approval"
	"agentpay/internal/async"
	"agentpay/internal/intent"
	"agentpay/internal/issuing"
	"agentpay/internal/ledger"
	"agentpay/internal/metrics"
	"agentpay/internal/notify"
	"agentpay/internal/repo"
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// PolicyViolationError reports a request that is well-formed but not allowed
// by the owner's spending policy.
type PolicyViolationError struct {
	Rule   string
	Detail string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Rule, e.Detail)
}

// Dispatcher enqueues background work for an intent.
type Dispatcher interface {
	EnqueueSearch(ctx context.Context, intentID string) error
	EnqueueCheckout(ctx context.Context, intentID string) error
}

// CreateRequest is the payload for a new purchase intent.
type CreateRequest struct {
	Subject        string
	MaxBudget      int64
	Currency       string
	Metadata       map[string]any
	IdempotencyKey string
}

// Quote is a worker-found offer for an intent.
type Quote struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Merchant    string `json:"merchant"`
	MerchantMCC string `json:"merchant_mcc,omitempty"`
	ItemURL     string `json:"item_url,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Result is the worker's checkout outcome report.
type Result struct {
	Success      bool   `json:"success"`
	ActualAmount int64  `json:"actual_amount"`
	Detail       string `json:"detail,omitempty"`
}

// Service orchestrates the purchase lifecycle across the state machine, pot
// ledger, approval gate, card issuer and job queue.
type Service struct {
	repository    repo.Repository
	machine       *intent.Machine
	ledger        *ledger.PotLedger
	gate          *approval.Gate
	issuer        issuing.CardIssuer
	dispatcher    Dispatcher
	notifier      notify.Notifier
	submitter     *async.Submitter
	metrics       *metrics.Metrics
	logger        *slog.Logger
	publicBaseURL string
}

// Config wires a Service.
type Config struct {
	Repository    repo.Repository
	Machine       *intent.Machine
	Ledger        *ledger.PotLedger
	Gate          *approval.Gate
	Issuer        issuing.CardIssuer
	Dispatcher    Dispatcher
	Notifier      notify.Notifier
	Submitter     *async.Submitter
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	PublicBaseURL string
}

// New builds the lifecycle service.
func New(cfg Config) *Service {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Service{
		repository:    cfg.Repository,
		machine:       cfg.Machine,
		ledger:        cfg.Ledger,
		gate:          cfg.Gate,
		issuer:        cfg.Issuer,
		dispatcher:    cfg.Dispatcher,
		notifier:      notifier,
		submitter:     cfg.Submitter,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With("component", "lifecycle"),
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}
}

// Get returns the current intent snapshot.
func (s *Service) Get(ctx context.Context, intentID string) (*repo.Intent, error) {
	return s.repository.GetIntent(ctx, intentID)
}

// AuditTrail returns the intent's audit events in creation order.
func (s *Service) AuditTrail(ctx context.Context, intentID string) ([]repo.AuditEvent, error) {
	return s.repository.ListAuditEvents(ctx, intentID)
}

// CreateIntent validates and stores a new intent, moves it to SEARCHING and
// queues the search job. A replayed idempotency key returns the stored intent.
func (s *Service) CreateIntent(ctx context.Context, userID string, req CreateRequest) (*repo.Intent, error) {
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		return nil, &ValidationError{Field: "subject", Detail: "must not be empty"}
	}
	if req.MaxBudget <= 0 {
		return nil, &ValidationError{Field: "max_budget", Detail: "must be positive"}
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(req.Currency) != 3 {
		return nil, &ValidationError{Field: "currency", Detail: "must be a 3-letter code"}
	}

	user, err := s.repository.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MaxBudgetPerIntent > 0 && req.MaxBudget > user.MaxBudgetPerIntent {
		return nil, &PolicyViolationError{
			Rule:   "max_budget_per_intent",
			Detail: fmt.Sprintf("budget %d exceeds per-intent cap %d", req.MaxBudget, user.MaxBudgetPerIntent),
		}
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.repository.FindIntentByIdempotencyKey(ctx, userID, req.IdempotencyKey); err == nil {
			return existing, nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	var created *repo.Intent
	err = s.repository.WithTx(ctx, func(tx repo.Tx) error {
		record := repo.Intent{
			UserID:    userID,
			Subject:   req.Subject,
			MaxBudget: req.MaxBudget,
			Currency:  req.Currency,
			Status:    string(intent.StatusReceived),
			Metadata:  req.Metadata,
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			record.IdempotencyKey = &key
		}
		inserted, err := tx.InsertIntent(ctx, record)
		if err != nil {
			return err
		}
		created, err = s.machine.ApplyTx(ctx, tx, inserted.ID, intent.EventCreated, nil, userID)
		return err
	})
	if err != nil {
		if errors.Is(err, repo.ErrConflict) && req.IdempotencyKey != "" {
			return s.repository.FindIntentByIdempotencyKey(ctx, userID, req.IdempotencyKey)
		}
		return nil, err
	}

	if err := s.dispatcher.EnqueueSearch(ctx, created.ID); err != nil {
		// The intent is live either way; a stuck search ends at the
		// expiry sweep.
		s.logger.Error("failed enqueueing search job", "intent_id", created.ID, "error", err)
		s.countError("enqueue_search")
	}
	s.logger.Info("intent created", "intent_id", created.ID, "user_id", userID, "max_budget", req.MaxBudget)
	return created, nil
}

// PostQuote records a worker-found quote, moves the intent to QUOTED and on to
// AWAITING_APPROVAL, and pushes the approval prompt.
func (s *Service) PostQuote(ctx context.Context, intentID string, quote Quote) (*repo.Intent, error) {
	if quote.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Detail: "must be positive"}
	}
	if quote.Merchant = strings.TrimSpace(quote.Merchant); quote.Merchant == "" {
		return nil, &ValidationError{Field: "merchant", Detail: "must not be empty"}
	}

	current, err := s.repository.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if quote.Currency = strings.ToUpper(strings.TrimSpace(quote.Currency)); quote.Currency == "" {
		quote.Currency = current.Currency
	}

	user, err := s.repository.GetUserByID(ctx, current.UserID)
	if err != nil {
		return nil, err
	}
	if err := checkQuotePolicy(current, user, quote); err != nil {
		return nil, err
	}

	err = s.repository.WithTx(ctx, func(tx repo.Tx) error {
		if err := tx.MergeIntentMetadata(ctx, intentID, map[string]any{
			"quote": map[string]any{
				"amount":       quote.Amount,
				"currency":     quote.Currency,
				"merchant":     quote.Merchant,
				"merchant_mcc": quote.MerchantMCC,
				"item_url":     quote.ItemURL,
				"detail":       quote.Detail,
			},
		}); err != nil {
			return err
		}
		_, err := s.machine.ApplyTx(ctx, tx, intentID, intent.EventQuoteReceived, map[string]any{
			"amount":   quote.Amount,
			"merchant": quote.Merchant,
		}, "worker")
		return err
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.gate.RequestApproval(ctx, intentID, "worker")
	if err != nil {
		return nil, err
	}

	s.pushApprovalPrompt(updated, quote)
	return updated, nil
}

func checkQuotePolicy(current *repo.Intent, user *repo.User, quote Quote) error {
	if quote.Amount > current.MaxBudget {
		return &PolicyViolationError{
			Rule:   "max_budget",
			Detail: fmt.Sprintf("quote %d exceeds intent budget %d", quote.Amount, current.MaxBudget),
		}
	}
	if len(user.MerchantAllowlist) > 0 {
		allowed := false
		for _, m := range user.MerchantAllowlist {
			if strings.EqualFold(m, quote.Merchant) {
				allowed = true
				break
			}
		}
		if !allowed {
			return &PolicyViolationError{
				Rule:   "merchant_allowlist",
				Detail: fmt.Sprintf("merchant %q is not on the allowlist", quote.Merchant),
			}
		}
	}
	return nil
}

// RequestApproval re-drives the QUOTED to AWAITING_APPROVAL step. Safe to
// repeat.
func (s *Service) RequestApproval(ctx context.Context, intentID, actor string) (*repo.Intent, error) {
	return s.gate.RequestApproval(ctx, intentID, actor)
}

// Decide records the owner's decision. On approval it runs the funding saga:
// reserve the quoted amount, issue the card, transition to CARD_ISSUED and
// queue checkout. A card issuance failure after a successful reserve returns
// the funds before the error propagates; a reserve failure leaves the intent
// APPROVED with no funds held.
func (s *Service) Decide(ctx context.Context, intentID, actorID, decision, reason string) (*repo.ApprovalDecision, *repo.Intent, error) {
	stored, replayed, err := s.gate.RecordDecision(ctx, intentID, decision, actorID, reason)
	if err != nil {
		return nil, nil, err
	}

	current, err := s.repository.GetIntent(ctx, intentID)
	if err != nil {
		return nil, nil, err
	}
	if replayed || stored.Decision == approval.DecisionDenied {
		return stored, current, nil
	}

	amount, currency := s.spendTarget(current)

	if _, err := s.ledger.Reserve(ctx, current.UserID, intentID, amount, currency); err != nil {
		return nil, nil, err
	}

	user, err := s.repository.GetUserByID(ctx, current.UserID)
	if err != nil {
		return nil, nil, err
	}

	card, err := s.issuer.IssueCard(ctx, issuing.IssueRequest{
		IntentID:     intentID,
		UserID:       current.UserID,
		Amount:       amount,
		Currency:     currency,
		MCCAllowlist: user.MCCAllowlist,
	})
	if err != nil {
		if returnErr := s.ledger.Return(ctx, intentID); returnErr != nil {
			s.logger.Error("compensating return failed", "intent_id", intentID, "error", returnErr)
			s.countError("compensating_return")
		}
		return nil, nil, err
	}

	current, err = s.machine.Apply(ctx, intentID, intent.EventCardIssued, map[string]any{
		"last4":  card.Last4,
		"amount": amount,
	}, "system")
	if err != nil {
		return nil, nil, err
	}

	if err := s.dispatcher.EnqueueCheckout(ctx, intentID); err != nil {
		s.logger.Error("failed enqueueing checkout job", "intent_id", intentID, "error", err)
		s.countError("enqueue_checkout")
	}
	return stored, current, nil
}

// spendTarget resolves the amount to reserve: the accepted quote when one
// exists, the full budget otherwise.
func (s *Service) spendTarget(current *repo.Intent) (int64, string) {
	amount, currency := current.MaxBudget, current.Currency
	quote, ok := current.Metadata["quote"].(map[string]any)
	if !ok {
		return amount, currency
	}
	switch v := quote["amount"].(type) {
	case int64:
		amount = v
	case float64:
		amount = int64(v)
	}
	if c, ok := quote["currency"].(string); ok && c != "" {
		currency = c
	}
	return amount, currency
}

// RevealCard discloses the card credential exactly once.
func (s *Service) RevealCard(ctx context.Context, intentID string) (*issuing.CardSecret, error) {
	return s.issuer.RevealCard(ctx, intentID)
}

// StartCheckout marks checkout as running.
func (s *Service) StartCheckout(ctx context.Context, intentID string) (*repo.Intent, error) {
	return s.machine.Apply(ctx, intentID, intent.EventCheckoutStarted, nil, "worker")
}

// PostResult finalizes the intent: settle and DONE on success, return and
// FAILED otherwise. A failed checkout freezes the card so in-flight
// authorizations stop before the terminal cancel; the card is cancelled
// either way.
func (s *Service) PostResult(ctx context.Context, intentID string, result Result) (*repo.Intent, error) {
	var (
		updated *repo.Intent
		err     error
	)
	if result.Success {
		var surplus int64
		surplus, err = s.ledger.Settle(ctx, intentID, result.ActualAmount)
		if err != nil {
			return nil, err
		}
		updated, err = s.machine.Apply(ctx, intentID, intent.EventCheckoutSucceeded, map[string]any{
			"actual_amount": result.ActualAmount,
			"surplus":       surplus,
			"detail":        result.Detail,
		}, "worker")
	} else {
		if err = s.ledger.Return(ctx, intentID); err != nil {
			return nil, err
		}
		updated, err = s.machine.Apply(ctx, intentID, intent.EventCheckoutFailed, map[string]any{
			"detail": result.Detail,
		}, "worker")
	}
	if err != nil {
		return nil, err
	}

	if !result.Success {
		if err := s.issuer.FreezeCard(ctx, intentID); err != nil {
			s.logger.Error("failed freezing card", "intent_id", intentID, "error", err)
			s.countError("freeze_card")
		}
	}
	if err := s.issuer.CancelCard(ctx, intentID); err != nil {
		s.logger.Error("failed cancelling card", "intent_id", intentID, "error", err)
		s.countError("cancel_card")
	}

	s.pushOutcome(updated, result.Detail)
	return updated, nil
}

// ExpireStale sweeps non-terminal intents older than olderThan: each is moved
// to EXPIRED, its pot returned and its card cancelled. Returns the number of
// intents expired.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stale, err := s.repository.ListStaleIntents(ctx, intent.NonTerminalStatuses(), cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, it := range stale {
		if _, err := s.machine.Apply(ctx, it.ID, intent.EventExpired, nil, "system"); err != nil {
			var illegal *intent.IllegalTransitionError
			if errors.As(err, &illegal) {
				// Finished between the listing and the lock.
				continue
			}
			s.logger.Error("failed expiring intent", "intent_id", it.ID, "error", err)
			s.countError("expire")
			continue
		}
		if err := s.ledger.Return(ctx, it.ID); err != nil {
			s.logger.Error("failed returning pot on expiry", "intent_id", it.ID, "error", err)
			s.countError("expire_return")
		}
		if err := s.issuer.CancelCard(ctx, it.ID); err != nil {
			s.logger.Error("failed cancelling card on expiry", "intent_id", it.ID, "error", err)
			s.countError("expire_cancel_card")
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("expired stale intents", "count", expired)
	}
	return expired, nil
}

func (s *Service) pushApprovalPrompt(updated *repo.Intent, quote Quote) {
	if s.submitter == nil {
		return
	}
	prompt := notify.ApprovalPrompt{
		IntentID:     updated.ID,
		UserID:       updated.UserID,
		Description:  updated.Subject,
		QuotedAmount: quote.Amount,
		Currency:     quote.Currency,
		Merchant:     quote.Merchant,
		DecisionURL:  fmt.Sprintf("%s/v1/intents/%s/decision", s.publicBaseURL, updated.ID),
	}
	s.submitter.Submit("approval_prompt", func(ctx context.Context) error {
		return s.notifier.PushApprovalPrompt(ctx, prompt)
	})
}

func (s *Service) pushOutcome(updated *repo.Intent, summary string) {
	if s.submitter == nil {
		return
	}
	snapshot := *updated
	s.submitter.Submit("outcome", func(ctx context.Context) error {
		return s.notifier.PushOutcome(ctx, &snapshot, summary)
	})
}

func (s *Service) countError(label string) {
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues(label).Inc()
	}
}
