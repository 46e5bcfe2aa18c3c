package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"agentpay/internal/approval"
	"agentpay/internal/intent"
	"agentpay/internal/issuing"
	"agentpay/internal/ledger"
	"agentpay/internal/lifecycle"
	"agentpay/internal/repo"
)

const (
	userToken  = "user-token"
	otherToken = "other-token"
	workerKey  = "worker-key"
)

type testDispatcher struct {
	mu        sync.Mutex
	checkouts []string
}

func (d *testDispatcher) EnqueueSearch(context.Context, string) error { return nil }

func (d *testDispatcher) EnqueueCheckout(_ context.Context, intentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkouts = append(d.checkouts, intentID)
	return nil
}

type testEnv struct {
	handler    http.Handler
	repository *repo.MemoryRepository
	issuer     *issuing.MockIssuer
	userID     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repository := repo.NewMemory()

	user, err := repository.CreateUser(context.Background(), repo.User{
		MainBalance:        50000,
		MaxBudgetPerIntent: 100000,
		CredentialHash:     hashCredential(userToken),
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := repository.CreateUser(context.Background(), repo.User{
		MainBalance:    1000,
		CredentialHash: hashCredential(otherToken),
	}); err != nil {
		t.Fatalf("create second user: %v", err)
	}
	if err := repository.SyncWorkerKeys(context.Background(), []string{hashCredential(workerKey)}); err != nil {
		t.Fatalf("sync worker keys: %v", err)
	}

	machine := intent.NewMachine(repository, nil, logger)
	issuer := issuing.NewMockIssuer(repository, logger)
	service := lifecycle.New(lifecycle.Config{
		Repository: repository,
		Machine:    machine,
		Ledger:     ledger.New(repository, nil, logger),
		Gate:       approval.NewGate(repository, machine, nil, logger),
		Issuer:     issuer,
		Dispatcher: &testDispatcher{},
		Logger:     logger,
	})

	server := New(":0", service, repository, nil, nil, logger)
	return &testEnv{handler: server.Handler(), repository: repository, issuer: issuer, userID: user.ID}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func userHeaders(key string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + userToken}
	if key != "" {
		h["Idempotency-Key"] = key
	}
	return h
}

func workerHeaders() map[string]string {
	return map[string]string{"X-API-Key": workerKey}
}

func (e *testEnv) createIntent(t *testing.T, key string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/intents", map[string]any{
		"subject":    "standing desk",
		"max_budget": 30000,
		"currency":   "USD",
	}, userHeaders(key))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create intent returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		IntentID string `json:"intent_id"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if resp.Status != "SEARCHING" {
		t.Fatalf("expected SEARCHING, got %s", resp.Status)
	}
	return resp.IntentID
}

func (e *testEnv) quote(t *testing.T, intentID string, amount int64) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/intents/"+intentID+"/quote", map[string]any{
		"amount":   amount,
		"merchant": "apple.com",
	}, workerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("quote returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/intents", map[string]any{"subject": "x"}, map[string]string{"Idempotency-Key": "k"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", rec.Code)
	}

	intentID := env.createIntent(t, "create-1")
	rec = env.do(t, http.MethodPost, "/v1/intents/"+intentID+"/quote", map[string]any{"amount": 1000, "merchant": "apple.com"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without worker key, got %d", rec.Code)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	intentID := env.createIntent(t, "create-1")

	rec := env.do(t, http.MethodGet, "/v1/intents/"+intentID, nil, map[string]string{
		"Authorization": "Bearer " + otherToken,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", rec.Code)
	}

	// Workers may read any intent.
	rec = env.do(t, http.MethodGet, "/v1/intents/"+intentID, nil, workerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("worker read returned %d", rec.Code)
	}
}

func TestIdempotencyKeyRequiredOnCreate(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/intents", map[string]any{
		"subject": "desk", "max_budget": 1000, "currency": "USD",
	}, map[string]string{"Authorization": "Bearer " + userToken})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key, got %d", rec.Code)
	}
}

func TestDecisionReplayIsByteIdentical(t *testing.T) {
	env := newTestEnv(t)
	intentID := env.createIntent(t, "create-1")
	env.quote(t, intentID, 20000)

	body := map[string]any{"decision": "APPROVED"}
	first := env.do(t, http.MethodPost, "/v1/intents/"+intentID+"/decision", body, userHeaders("decide-1"))
	if first.Code != http.StatusOK {
		t.Fatalf("decision returned %d: %s", first.Code, first.Body.String())
	}

	second := env.do(t, http.MethodPost, "/v1/intents/"+intentID+"/decision", body, userHeaders("decide-1"))
	if second.Code != first.Code {
		t.Fatalf("replay status %d != original %d", second.Code, first.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("replay body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	// Exactly one card exists despite the replay.
	if _, err := env.repository.GetCard(context.Background(), intentID); err != nil {
		t.Fatalf("get card: %v", err)
	}
}

func TestIdempotencyKeyPayloadMismatch(t *testing.T) {
	env := newTestEnv(t)
	intentID := env.createIntent(t, "create-1")
	env.quote(t, intentID, 20000)

	first := env.do(t, http.MethodPost, "/v1/intents/"+intentID+"/decision", map[string]any{"decision": "APPROVED"}, userHeaders("decide-1"))
	if first.Code != http.StatusOK {
		t.Fatalf("decision returned %d", first.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/intents/"+intentID+"/decision", map[string]any{"decision": "DENIED"}, userHeaders("decide-1"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused key with new payload, got %d", rec.Code)
	}
}

func TestRevealEndpointDisclosesOnce(t *testing.T) {
	env := newTestEnv(t)
	intentID := env.createIntent(t, "create-1")
	env.quote(t, intentID, 20000)
	if rec := env.do(t, http.MethodPost, "/v1/intents/"+intentID+"/decision", map[string]any{"decision": "APPROVED"}, userHeaders("decide-1")); rec.Code != http.StatusOK {
		t.Fatalf("decision returned %d", rec.Code)
	}

	first := env.do(t, http.MethodPost, "/v1/intents/"+intentID+"/card/reveal", nil, workerHeaders())
	if first.Code != http.StatusOK {
		t.Fatalf("reveal returned %d: %s", first.Code, first.Body.String())
	}
	var secret struct {
		Number string `json:"number"`
		Last4  string `json:"last4"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &secret); err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	if secret.Number == "" {
		t.Fatal("reveal returned no card number")
	}

	second := env.do(t, http.MethodPost, "/v1/intents/"+intentID+"/card/reveal", nil, workerHeaders())
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second reveal, got %d", second.Code)
	}
}

func TestProviderBalanceExhaustionIs422(t *testing.T) {
	env := newTestEnv(t)
	intentID := env.createIntent(t, "create-1")
	env.quote(t, intentID, 20000)

	env.issuer.FailIssue = issuing.ErrInsufficientProviderBalance
	rec := env.do(t, http.MethodPost, "/v1/intents/"+intentID+"/decision", map[string]any{"decision": "APPROVED"}, userHeaders("decide-1"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 when the issuing account cannot fund the card, got %d: %s", rec.Code, rec.Body.String())
	}

	// The compensating return released the hold.
	user, err := env.repository.GetUserByID(context.Background(), env.userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.MainBalance != 50000 {
		t.Fatalf("expected balance restored to 50000, got %d", user.MainBalance)
	}
}

func TestUnknownIntentIs404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/intents/00000000-0000-0000-0000-000000000000", nil, workerHeaders())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestFullLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	intentID := env.createIntent(t, "create-1")
	env.quote(t, intentID, 25000)

	if rec := env.do(t, http.MethodPost, "/v1/intents/"+intentID+"/decision", map[string]any{"decision": "APPROVED"}, userHeaders("decide-1")); rec.Code != http.StatusOK {
		t.Fatalf("decision returned %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/v1/intents/"+intentID+"/checkout", nil, workerHeaders()); rec.Code != http.StatusOK {
		t.Fatalf("checkout returned %d: %s", rec.Code, rec.Body.String())
	}
	rec := env.do(t, http.MethodPost, "/v1/intents/"+intentID+"/result", map[string]any{
		"success": true, "actual_amount": 24000,
	}, workerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("result returned %d: %s", rec.Code, rec.Body.String())
	}

	get := env.do(t, http.MethodGet, "/v1/intents/"+intentID, nil, userHeaders(""))
	var snapshot struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(get.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.Status != "DONE" {
		t.Fatalf("expected DONE, got %s", snapshot.Status)
	}
}
