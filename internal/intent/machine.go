package intent

import (
	"context"
	"fmt"
	"log/slog"

	"agentpay/internal/metrics"
	"agentpay/internal/repo"
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusReceived         Status = "RECEIVED"
	StatusSearching        Status = "SEARCHING"
	StatusQuoted           Status = "QUOTED"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusApproved         Status = "APPROVED"
	StatusCardIssued       Status = "CARD_ISSUED"
	StatusCheckoutRunning  Status = "CHECKOUT_RUNNING"
	StatusDone             Status = "DONE"
	StatusFailed           Status = "FAILED"
	StatusDenied           Status = "DENIED"
	StatusExpired          Status = "EXPIRED"
)

// Event names a lifecycle trigger.
type Event string

const (
	EventCreated           Event = "created"
	EventQuoteReceived     Event = "quoteReceived"
	EventApprovalRequested Event = "approvalRequested"
	EventUserApproved      Event = "userApproved"
	EventUserDenied        Event = "userDenied"
	EventCardIssued        Event = "cardIssued"
	EventCheckoutStarted   Event = "checkoutStarted"
	EventCheckoutSucceeded Event = "checkoutSucceeded"
	EventCheckoutFailed    Event = "checkoutFailed"
	EventExpired           Event = "expired"
)

// transitions is the canonical (status, event) -> status table. The expired
// event is handled separately: it is legal from every non-terminal status.
var transitions = map[Status]map[Event]Status{
	StatusReceived:         {EventCreated: StatusSearching},
	StatusSearching:        {EventQuoteReceived: StatusQuoted},
	StatusQuoted:           {EventApprovalRequested: StatusAwaitingApproval},
	StatusAwaitingApproval: {EventUserApproved: StatusApproved, EventUserDenied: StatusDenied},
	StatusApproved:         {EventCardIssued: StatusCardIssued},
	StatusCardIssued:       {EventCheckoutStarted: StatusCheckoutRunning},
	StatusCheckoutRunning:  {EventCheckoutSucceeded: StatusDone, EventCheckoutFailed: StatusFailed},
}

// Terminal reports whether a status permits no further transitions.
func Terminal(s Status) bool {
	switch s {
	case StatusDone, StatusFailed, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// NonTerminalStatuses returns every status an expiry sweep may still touch.
func NonTerminalStatuses() []string {
	return []string{
		string(StatusReceived), string(StatusSearching), string(StatusQuoted),
		string(StatusAwaitingApproval), string(StatusApproved),
		string(StatusCardIssued), string(StatusCheckoutRunning),
	}
}

// Next resolves the transition table for one (status, event) pair.
func Next(current Status, event Event) (Status, bool) {
	if event == EventExpired {
		if Terminal(current) {
			return "", false
		}
		return StatusExpired, true
	}
	next, ok := transitions[current][event]
	return next, ok
}

// IllegalTransitionError reports a (status, event) pair absent from the table.
type IllegalTransitionError struct {
	From  Status
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: event %q not permitted in status %q", e.Event, e.From)
}

// Machine applies lifecycle events to intents. Every application is a single
// transaction covering the status write and the audit append.
type Machine struct {
	repository repo.Repository
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewMachine builds a state machine over the given repository.
func NewMachine(repository repo.Repository, m *metrics.Metrics, logger *slog.Logger) *Machine {
	return &Machine{
		repository: repository,
		metrics:    m,
		logger:     logger.With("component", "intent_machine"),
	}
}

// Apply drives one event against an intent in its own transaction.
func (m *Machine) Apply(ctx context.Context, intentID string, event Event, payload map[string]any, actor string) (*repo.Intent, error) {
	var result *repo.Intent
	err := m.repository.WithTx(ctx, func(tx repo.Tx) error {
		var txErr error
		result, txErr = m.ApplyTx(ctx, tx, intentID, event, payload, actor)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyTx drives one event inside a caller-owned transaction, so composite
// operations (decision + transition, settle + transition) stay atomic.
func (m *Machine) ApplyTx(ctx context.Context, tx repo.Tx, intentID string, event Event, payload map[string]any, actor string) (*repo.Intent, error) {
	current, err := tx.GetIntentForUpdate(ctx, intentID)
	if err != nil {
		return nil, err
	}

	next, ok := Next(Status(current.Status), event)
	if !ok {
		return nil, &IllegalTransitionError{From: Status(current.Status), Event: event}
	}

	if err := tx.UpdateIntentStatus(ctx, intentID, string(next)); err != nil {
		return nil, err
	}

	auditPayload := map[string]any{
		"previous_status": current.Status,
		"new_status":      string(next),
	}
	for k, v := range payload {
		auditPayload[k] = v
	}
	if err := tx.InsertAuditEvent(ctx, repo.AuditEvent{
		IntentID:  intentID,
		Actor:     actor,
		EventType: string(event),
		Payload:   auditPayload,
	}); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.IntentTransitions.WithLabelValues(string(event), string(next)).Inc()
	}
	m.logger.Debug("intent transition",
		"intent_id", intentID,
		"event", string(event),
		"from", current.Status,
		"to", string(next),
		"actor", actor,
	)

	current.Status = string(next)
	return current, nil
}
