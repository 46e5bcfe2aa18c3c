package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"agentpay/internal/approval"
	"agentpay/internal/intent"
	"agentpay/internal/issuing"
	"agentpay/internal/ledger"
	"agentpay/internal/repo"
)

// recordingDispatcher captures enqueued jobs instead of touching redis.
type recordingDispatcher struct {
	mu        sync.Mutex
	searches  []string
	checkouts []string
}

func (d *recordingDispatcher) EnqueueSearch(_ context.Context, intentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.searches = append(d.searches, intentID)
	return nil
}

func (d *recordingDispatcher) EnqueueCheckout(_ context.Context, intentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkouts = append(d.checkouts, intentID)
	return nil
}

type fixture struct {
	repository *repo.MemoryRepository
	service    *Service
	issuer     *issuing.MockIssuer
	dispatcher *recordingDispatcher
	userID     string
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repository := repo.NewMemory()

	user, err := repository.CreateUser(context.Background(), repo.User{
		MainBalance:        balance,
		MaxBudgetPerIntent: 100000,
		CredentialHash:     "hash",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	machine := intent.NewMachine(repository, nil, logger)
	potLedger := ledger.New(repository, nil, logger)
	gate := approval.NewGate(repository, machine, nil, logger)
	issuer := issuing.NewMockIssuer(repository, logger)
	dispatcher := &recordingDispatcher{}

	service := New(Config{
		Repository:    repository,
		Machine:       machine,
		Ledger:        potLedger,
		Gate:          gate,
		Issuer:        issuer,
		Dispatcher:    dispatcher,
		Logger:        logger,
		PublicBaseURL: "http://localhost:8080",
	})
	return &fixture{
		repository: repository,
		service:    service,
		issuer:     issuer,
		dispatcher: dispatcher,
		userID:     user.ID,
	}
}

func (f *fixture) createAndQuote(t *testing.T, budget, quoteAmount int64) string {
	t.Helper()
	created, err := f.service.CreateIntent(context.Background(), f.userID, CreateRequest{
		Subject:   "mechanical keyboard",
		MaxBudget: budget,
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if created.Status != "SEARCHING" {
		t.Fatalf("expected SEARCHING after create, got %s", created.Status)
	}

	updated, err := f.service.PostQuote(context.Background(), created.ID, Quote{
		Amount:   quoteAmount,
		Merchant: "apple.com",
	})
	if err != nil {
		t.Fatalf("post quote: %v", err)
	}
	if updated.Status != "AWAITING_APPROVAL" {
		t.Fatalf("expected AWAITING_APPROVAL after quote, got %s", updated.Status)
	}
	return created.ID
}

func TestScenarioHappyPath(t *testing.T) {
	f := newFixture(t, 25000)
	intentID := f.createAndQuote(t, 25000, 25000)

	if len(f.dispatcher.searches) != 1 {
		t.Fatalf("expected 1 search job, got %d", len(f.dispatcher.searches))
	}

	stored, current, err := f.service.Decide(context.Background(), intentID, f.userID, "APPROVED", "")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if stored.Decision != approval.DecisionApproved {
		t.Fatalf("expected APPROVED decision, got %s", stored.Decision)
	}
	if current.Status != "CARD_ISSUED" {
		t.Fatalf("expected CARD_ISSUED after approval, got %s", current.Status)
	}
	if len(f.dispatcher.checkouts) != 1 {
		t.Fatalf("expected 1 checkout job, got %d", len(f.dispatcher.checkouts))
	}

	pot, err := f.repository.GetPot(context.Background(), intentID)
	if err != nil {
		t.Fatalf("get pot: %v", err)
	}
	if pot.ReservedAmount != 25000 || pot.Status != ledger.PotActive {
		t.Fatalf("unexpected pot %+v", pot)
	}

	if _, err := f.service.StartCheckout(context.Background(), intentID); err != nil {
		t.Fatalf("start checkout: %v", err)
	}
	final, err := f.service.PostResult(context.Background(), intentID, Result{Success: true, ActualAmount: 25000})
	if err != nil {
		t.Fatalf("post result: %v", err)
	}
	if final.Status != "DONE" {
		t.Fatalf("expected DONE, got %s", final.Status)
	}

	user, _ := f.repository.GetUserByID(context.Background(), f.userID)
	if user.MainBalance != 0 {
		t.Fatalf("expected 0 balance after exact settle, got %d", user.MainBalance)
	}
	card, _ := f.repository.GetCard(context.Background(), intentID)
	if card.CancelledAt == nil {
		t.Fatal("card not cancelled after settlement")
	}
}

func TestScenarioDeny(t *testing.T) {
	f := newFixture(t, 25000)
	intentID := f.createAndQuote(t, 25000, 20000)

	stored, current, err := f.service.Decide(context.Background(), intentID, f.userID, "DENIED", "too expensive")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if stored.Decision != approval.DecisionDenied {
		t.Fatalf("expected DENIED decision, got %s", stored.Decision)
	}
	if current.Status != "DENIED" {
		t.Fatalf("expected DENIED status, got %s", current.Status)
	}

	if _, err := f.repository.GetPot(context.Background(), intentID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deny must not create a pot, got %v", err)
	}
	if len(f.dispatcher.checkouts) != 0 {
		t.Fatalf("deny enqueued %d checkout jobs", len(f.dispatcher.checkouts))
	}
}

func TestScenarioInsufficientFunds(t *testing.T) {
	f := newFixture(t, 500)
	intentID := f.createAndQuote(t, 1000, 1000)

	_, _, err := f.service.Decide(context.Background(), intentID, f.userID, "APPROVED", "")
	var insufficient *ledger.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}

	current, _ := f.repository.GetIntent(context.Background(), intentID)
	if current.Status != "APPROVED" {
		t.Fatalf("intent should stay APPROVED, got %s", current.Status)
	}
	if _, err := f.repository.GetCard(context.Background(), intentID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("no card should exist, got %v", err)
	}
}

func TestScenarioCompensationOnIssuanceFailure(t *testing.T) {
	f := newFixture(t, 25000)
	intentID := f.createAndQuote(t, 25000, 20000)

	f.issuer.FailIssue = errors.New("provider outage")
	_, _, err := f.service.Decide(context.Background(), intentID, f.userID, "APPROVED", "")
	if err == nil || err.Error() != "provider outage" {
		t.Fatalf("expected provider outage error, got %v", err)
	}

	// Compensating return restored the balance.
	user, _ := f.repository.GetUserByID(context.Background(), f.userID)
	if user.MainBalance != 25000 {
		t.Fatalf("expected balance restored to 25000, got %d", user.MainBalance)
	}
	pot, err := f.repository.GetPot(context.Background(), intentID)
	if err != nil {
		t.Fatalf("get pot: %v", err)
	}
	if pot.Status != ledger.PotReturned {
		t.Fatalf("expected RETURNED pot, got %s", pot.Status)
	}
}

func TestScenarioFailedCheckoutReturnsFunds(t *testing.T) {
	f := newFixture(t, 25000)
	intentID := f.createAndQuote(t, 25000, 20000)

	if _, _, err := f.service.Decide(context.Background(), intentID, f.userID, "APPROVED", ""); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, err := f.service.StartCheckout(context.Background(), intentID); err != nil {
		t.Fatalf("start checkout: %v", err)
	}

	final, err := f.service.PostResult(context.Background(), intentID, Result{Success: false, Detail: "out of stock"})
	if err != nil {
		t.Fatalf("post result: %v", err)
	}
	if final.Status != "FAILED" {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}

	user, _ := f.repository.GetUserByID(context.Background(), f.userID)
	if user.MainBalance != 25000 {
		t.Fatalf("expected full balance back, got %d", user.MainBalance)
	}

	// The card is frozen before the terminal cancel.
	card, err := f.repository.GetCard(context.Background(), intentID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if card.FrozenAt == nil {
		t.Fatal("card not frozen after failed checkout")
	}
	if card.CancelledAt == nil {
		t.Fatal("card not cancelled after failed checkout")
	}
}

func TestSettleCreditsOnlySurplus(t *testing.T) {
	f := newFixture(t, 25000)
	intentID := f.createAndQuote(t, 25000, 20000)

	if _, _, err := f.service.Decide(context.Background(), intentID, f.userID, "APPROVED", ""); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, err := f.service.StartCheckout(context.Background(), intentID); err != nil {
		t.Fatalf("start checkout: %v", err)
	}
	if _, err := f.service.PostResult(context.Background(), intentID, Result{Success: true, ActualAmount: 18500}); err != nil {
		t.Fatalf("post result: %v", err)
	}

	// 25000 - 20000 reserved + 1500 surplus back = 6500.
	user, _ := f.repository.GetUserByID(context.Background(), f.userID)
	if user.MainBalance != 6500 {
		t.Fatalf("expected balance 6500, got %d", user.MainBalance)
	}
}

func TestCreateIntentPolicyAndValidation(t *testing.T) {
	f := newFixture(t, 25000)

	_, err := f.service.CreateIntent(context.Background(), f.userID, CreateRequest{Subject: "", MaxBudget: 100, Currency: "USD"})
	var malformed *ValidationError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected ValidationError for empty subject, got %v", err)
	}

	_, err = f.service.CreateIntent(context.Background(), f.userID, CreateRequest{Subject: "yacht", MaxBudget: 200000, Currency: "USD"})
	var policy *PolicyViolationError
	if !errors.As(err, &policy) {
		t.Fatalf("expected PolicyViolationError for oversized budget, got %v", err)
	}
}

func TestPostQuotePolicyChecks(t *testing.T) {
	f := newFixture(t, 25000)
	created, err := f.service.CreateIntent(context.Background(), f.userID, CreateRequest{
		Subject: "keyboard", MaxBudget: 10000, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	_, err = f.service.PostQuote(context.Background(), created.ID, Quote{Amount: 12000, Merchant: "apple.com"})
	var policy *PolicyViolationError
	if !errors.As(err, &policy) {
		t.Fatalf("expected PolicyViolationError for over-budget quote, got %v", err)
	}

	// Intent unchanged by the rejected quote.
	current, _ := f.repository.GetIntent(context.Background(), created.ID)
	if current.Status != "SEARCHING" {
		t.Fatalf("rejected quote moved intent to %s", current.Status)
	}
}

func TestMerchantAllowlistEnforced(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repository := repo.NewMemory()
	user, err := repository.CreateUser(context.Background(), repo.User{
		MainBalance:       25000,
		MerchantAllowlist: []string{"apple.com"},
		CredentialHash:    "hash",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	machine := intent.NewMachine(repository, nil, logger)
	service := New(Config{
		Repository: repository,
		Machine:    machine,
		Ledger:     ledger.New(repository, nil, logger),
		Gate:       approval.NewGate(repository, machine, nil, logger),
		Issuer:     issuing.NewMockIssuer(repository, logger),
		Dispatcher: &recordingDispatcher{},
		Logger:     logger,
	})

	created, err := service.CreateIntent(context.Background(), user.ID, CreateRequest{
		Subject: "keyboard", MaxBudget: 10000, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	_, err = service.PostQuote(context.Background(), created.ID, Quote{Amount: 8000, Merchant: "sketchy.example"})
	var policy *PolicyViolationError
	if !errors.As(err, &policy) {
		t.Fatalf("expected PolicyViolationError for off-list merchant, got %v", err)
	}

	if _, err := service.PostQuote(context.Background(), created.ID, Quote{Amount: 8000, Merchant: "Apple.com"}); err != nil {
		t.Fatalf("allowlisted merchant rejected: %v", err)
	}
}

func TestCreateIntentIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t, 25000)

	first, err := f.service.CreateIntent(context.Background(), f.userID, CreateRequest{
		Subject: "keyboard", MaxBudget: 10000, Currency: "USD", IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	second, err := f.service.CreateIntent(context.Background(), f.userID, CreateRequest{
		Subject: "keyboard", MaxBudget: 10000, Currency: "USD", IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("replayed create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay created a second intent: %s vs %s", first.ID, second.ID)
	}
	if len(f.dispatcher.searches) != 1 {
		t.Fatalf("replay enqueued a second search job")
	}
}

func TestExpireStaleSweep(t *testing.T) {
	f := newFixture(t, 25000)
	intentID := f.createAndQuote(t, 25000, 20000)
	if _, _, err := f.service.Decide(context.Background(), intentID, f.userID, "APPROVED", ""); err != nil {
		t.Fatalf("decide: %v", err)
	}

	// A negative TTL treats everything as stale.
	expired, err := f.service.ExpireStale(context.Background(), -time.Second)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired intent, got %d", expired)
	}

	current, _ := f.repository.GetIntent(context.Background(), intentID)
	if current.Status != "EXPIRED" {
		t.Fatalf("expected EXPIRED, got %s", current.Status)
	}
	user, _ := f.repository.GetUserByID(context.Background(), f.userID)
	if user.MainBalance != 25000 {
		t.Fatalf("expected funds returned on expiry, got %d", user.MainBalance)
	}
	card, _ := f.repository.GetCard(context.Background(), intentID)
	if card.CancelledAt == nil {
		t.Fatal("card not cancelled on expiry")
	}

	// Terminal intents are left alone by the next sweep.
	expired, err = f.service.ExpireStale(context.Background(), -time.Second)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if expired != 0 {
		t.Fatalf("second sweep expired %d intents", expired)
	}
}
