package issuing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentpay/internal/repo"
)

// MockIssuer is the deterministic in-process issuer variant used in
// development and tests. It keeps the same persistence shape as the provider
// variant (card rows, reveal stamp, freeze/cancel stamps) but mints
// credentials locally instead of calling out.
type MockIssuer struct {
	repository repo.Repository
	logger     *slog.Logger

	mu      sync.Mutex
	seq     int
	secrets map[string]CardSecret
	calls   []string

	// FailIssue makes the next IssueCard fail, simulating a provider
	// outage for compensation tests.
	FailIssue error
	// AuthorizePolicy overrides the default approve-all decision.
	AuthorizePolicy func(AuthorizationEvent) AuthorizationDecision
}

// NewMockIssuer builds a mock issuer over the given repository.
func NewMockIssuer(repository repo.Repository, logger *slog.Logger) *MockIssuer {
	return &MockIssuer{
		repository: repository,
		logger:     logger.With("component", "issuer_mock"),
		secrets:    make(map[string]CardSecret),
	}
}

// Calls returns the recorded call log, newest last.
func (m *MockIssuer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockIssuer) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

// IssueCard mints a deterministic card keyed by intent id.
func (m *MockIssuer) IssueCard(ctx context.Context, req IssueRequest) (*IssuedCard, error) {
	m.record("issue:" + req.IntentID)

	if existing, err := m.repository.GetCard(ctx, req.IntentID); err == nil {
		return cardFromRecord(existing), nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	m.mu.Lock()
	failErr := m.FailIssue
	m.FailIssue = nil
	m.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}

	m.mu.Lock()
	m.seq++
	number := fmt.Sprintf("4000%012d", m.seq)
	secret := CardSecret{
		Number:   number,
		CVC:      fmt.Sprintf("%03d", 100+m.seq%900),
		ExpMonth: 12,
		ExpYear:  time.Now().Year() + 3,
		Last4:    number[len(number)-4:],
	}
	m.secrets[req.IntentID] = secret
	providerCardID := fmt.Sprintf("mockcard_%06d", m.seq)
	m.mu.Unlock()

	var stored *repo.VirtualCard
	err := m.repository.WithTx(ctx, func(tx repo.Tx) error {
		var txErr error
		stored, txErr = tx.InsertCard(ctx, repo.VirtualCard{
			IntentID:       req.IntentID,
			ProviderCardID: providerCardID,
			Last4:          secret.Last4,
		})
		return txErr
	})
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			existing, getErr := m.repository.GetCard(ctx, req.IntentID)
			if getErr != nil {
				return nil, getErr
			}
			return cardFromRecord(existing), nil
		}
		return nil, err
	}

	m.logger.Info("mock card issued", "intent_id", req.IntentID, "last4", stored.Last4)
	return cardFromRecord(stored), nil
}

// RevealCard discloses the stored secret exactly once.
func (m *MockIssuer) RevealCard(ctx context.Context, intentID string) (*CardSecret, error) {
	m.record("reveal:" + intentID)

	var secret *CardSecret
	err := m.repository.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.GetCardForIntent(ctx, intentID); err != nil {
			return err
		}
		ok, err := tx.MarkCardRevealed(ctx, intentID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return ErrCardAlreadyRevealed
		}
		m.mu.Lock()
		s, found := m.secrets[intentID]
		m.mu.Unlock()
		if !found {
			return fmt.Errorf("mock issuer has no secret for intent %s", intentID)
		}
		secret = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// FreezeCard stamps frozen_at.
func (m *MockIssuer) FreezeCard(ctx context.Context, intentID string) error {
	m.record("freeze:" + intentID)
	return m.repository.WithTx(ctx, func(tx repo.Tx) error {
		return tx.MarkCardFrozen(ctx, intentID, time.Now().UTC())
	})
}

// CancelCard stamps cancelled_at. Missing cards are a no-op.
func (m *MockIssuer) CancelCard(ctx context.Context, intentID string) error {
	m.record("cancel:" + intentID)
	if _, err := m.repository.GetCard(ctx, intentID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	return m.repository.WithTx(ctx, func(tx repo.Tx) error {
		return tx.MarkCardCancelled(ctx, intentID, time.Now().UTC())
	})
}

// HandleAuthorizationEvent applies the injected policy, approving by default.
func (m *MockIssuer) HandleAuthorizationEvent(_ context.Context, event AuthorizationEvent) (AuthorizationDecision, error) {
	m.record("authorize:" + event.EventID)
	m.mu.Lock()
	policy := m.AuthorizePolicy
	m.mu.Unlock()
	if policy != nil {
		return policy(event), nil
	}
	return AuthorizationDecision{Approved: true, Reason: "within provider spending controls"}, nil
}

var (
	_ CardIssuer = (*ProviderIssuer)(nil)
	_ CardIssuer = (*MockIssuer)(nil)
)
