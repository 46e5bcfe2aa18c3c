package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"agentpay/internal/intent"
	"agentpay/internal/metrics"
	"agentpay/internal/repo"
)

// Decision values.
const (
	DecisionApproved = "APPROVED"
	DecisionDenied   = "DENIED"
)

// InvalidApprovalStateError reports a decision attempted outside
// AWAITING_APPROVAL.
type InvalidApprovalStateError struct {
	Status string
}

func (e *InvalidApprovalStateError) Error() string {
	return fmt.Sprintf("intent is not awaiting approval (status %s)", e.Status)
}

// ErrUnknownDecision rejects decision values outside the approve/deny pair.
var ErrUnknownDecision = errors.New("decision must be APPROVED or DENIED")

// Gate records the single human decision per intent and drives the matching
// transition. Recording is idempotent: replays return the stored decision.
type Gate struct {
	repository repo.Repository
	machine    *intent.Machine
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewGate builds an approval gate.
func NewGate(repository repo.Repository, machine *intent.Machine, m *metrics.Metrics, logger *slog.Logger) *Gate {
	return &Gate{
		repository: repository,
		machine:    machine,
		metrics:    m,
		logger:     logger.With("component", "approval_gate"),
	}
}

// RequestApproval moves a QUOTED intent to AWAITING_APPROVAL. Any other
// status is a no-op returning the intent unchanged, so repeated requests
// (notification retries) are safe.
func (g *Gate) RequestApproval(ctx context.Context, intentID, actor string) (*repo.Intent, error) {
	var result *repo.Intent
	err := g.repository.WithTx(ctx, func(tx repo.Tx) error {
		current, err := tx.GetIntentForUpdate(ctx, intentID)
		if err != nil {
			return err
		}
		if current.Status != string(intent.StatusQuoted) {
			result = current
			return nil
		}
		result, err = g.machine.ApplyTx(ctx, tx, intentID, intent.EventApprovalRequested, nil, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordDecision stores the decision and drives the intent to APPROVED or
// DENIED. If a decision already exists it is returned unchanged with
// replayed=true; nothing is re-applied and no duplicate audit row is written.
func (g *Gate) RecordDecision(ctx context.Context, intentID, decision, actorID, reason string) (*repo.ApprovalDecision, bool, error) {
	decision = strings.ToUpper(strings.TrimSpace(decision))
	if decision != DecisionApproved && decision != DecisionDenied {
		return nil, false, ErrUnknownDecision
	}

	var (
		stored   *repo.ApprovalDecision
		replayed bool
	)
	err := g.repository.WithTx(ctx, func(tx repo.Tx) error {
		current, err := tx.GetIntentForUpdate(ctx, intentID)
		if err != nil {
			return err
		}

		existing, err := tx.GetApprovalForIntent(ctx, intentID)
		if err == nil {
			stored, replayed = existing, true
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		if current.Status != string(intent.StatusAwaitingApproval) {
			return &InvalidApprovalStateError{Status: current.Status}
		}

		var reasonPtr *string
		if reason = strings.TrimSpace(reason); reason != "" {
			reasonPtr = &reason
		}
		stored, err = tx.InsertApproval(ctx, repo.ApprovalDecision{
			IntentID: intentID,
			Decision: decision,
			ActorID:  actorID,
			Reason:   reasonPtr,
		})
		if err != nil {
			return err
		}

		event := intent.EventUserApproved
		if decision == DecisionDenied {
			event = intent.EventUserDenied
		}
		_, err = g.machine.ApplyTx(ctx, tx, intentID, event, map[string]any{
			"decision": decision,
			"reason":   reason,
		}, actorID)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if g.metrics != nil {
		g.metrics.ApprovalDecisions.WithLabelValues(stored.Decision, fmt.Sprintf("%t", replayed)).Inc()
	}
	if replayed {
		g.logger.Info("approval decision replayed", "intent_id", intentID, "decision", stored.Decision)
	} else {
		g.logger.Info("approval decision recorded", "intent_id", intentID, "decision", stored.Decision, "actor", actorID)
	}
	return stored, replayed, nil
}
