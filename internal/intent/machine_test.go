package intent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"agentpay/internal/repo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedIntent(t *testing.T, repository *repo.MemoryRepository, status string) string {
	t.Helper()
	var id string
	err := repository.WithTx(context.Background(), func(tx repo.Tx) error {
		inserted, err := tx.InsertIntent(context.Background(), repo.Intent{
			UserID:    "user-1",
			Subject:   "mechanical keyboard",
			MaxBudget: 15000,
			Currency:  "USD",
			Status:    status,
		})
		if err != nil {
			return err
		}
		id = inserted.ID
		return nil
	})
	if err != nil {
		t.Fatalf("seed intent: %v", err)
	}
	return id
}

func TestHappyPathTransitions(t *testing.T) {
	repository := repo.NewMemory()
	machine := NewMachine(repository, nil, testLogger())
	id := seedIntent(t, repository, string(StatusReceived))

	steps := []struct {
		event Event
		want  Status
	}{
		{EventCreated, StatusSearching},
		{EventQuoteReceived, StatusQuoted},
		{EventApprovalRequested, StatusAwaitingApproval},
		{EventUserApproved, StatusApproved},
		{EventCardIssued, StatusCardIssued},
		{EventCheckoutStarted, StatusCheckoutRunning},
		{EventCheckoutSucceeded, StatusDone},
	}
	for _, step := range steps {
		updated, err := machine.Apply(context.Background(), id, step.event, nil, "test")
		if err != nil {
			t.Fatalf("apply %s: %v", step.event, err)
		}
		if updated.Status != string(step.want) {
			t.Fatalf("after %s expected %s, got %s", step.event, step.want, updated.Status)
		}
	}

	events, err := repository.ListAuditEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(events) != len(steps) {
		t.Fatalf("expected %d audit events, got %d", len(steps), len(events))
	}
	if events[0].Payload["previous_status"] != string(StatusReceived) {
		t.Fatalf("first audit event should record the previous status, got %v", events[0].Payload)
	}
}

func TestIllegalPairsAreExhaustivelyRejected(t *testing.T) {
	statuses := []Status{
		StatusReceived, StatusSearching, StatusQuoted, StatusAwaitingApproval,
		StatusApproved, StatusCardIssued, StatusCheckoutRunning,
		StatusDone, StatusFailed, StatusDenied, StatusExpired,
	}
	events := []Event{
		EventCreated, EventQuoteReceived, EventApprovalRequested,
		EventUserApproved, EventUserDenied, EventCardIssued,
		EventCheckoutStarted, EventCheckoutSucceeded, EventCheckoutFailed,
	}

	legal := map[Status]map[Event]bool{
		StatusReceived:         {EventCreated: true},
		StatusSearching:        {EventQuoteReceived: true},
		StatusQuoted:           {EventApprovalRequested: true},
		StatusAwaitingApproval: {EventUserApproved: true, EventUserDenied: true},
		StatusApproved:         {EventCardIssued: true},
		StatusCardIssued:       {EventCheckoutStarted: true},
		StatusCheckoutRunning:  {EventCheckoutSucceeded: true, EventCheckoutFailed: true},
	}

	for _, status := range statuses {
		for _, event := range events {
			_, ok := Next(status, event)
			if ok != legal[status][event] {
				t.Fatalf("Next(%s, %s) = %t, want %t", status, event, ok, legal[status][event])
			}
		}
	}
}

func TestExpiredIsLegalFromEveryNonTerminalStatus(t *testing.T) {
	for _, status := range NonTerminalStatuses() {
		next, ok := Next(Status(status), EventExpired)
		if !ok {
			t.Fatalf("expired should be legal from %s", status)
		}
		if next != StatusExpired {
			t.Fatalf("expired from %s landed on %s", status, next)
		}
	}
	for _, status := range []Status{StatusDone, StatusFailed, StatusDenied, StatusExpired} {
		if _, ok := Next(status, EventExpired); ok {
			t.Fatalf("expired should be illegal from terminal status %s", status)
		}
	}
}

func TestApplyRejectsIllegalTransition(t *testing.T) {
	repository := repo.NewMemory()
	machine := NewMachine(repository, nil, testLogger())
	id := seedIntent(t, repository, string(StatusReceived))

	_, err := machine.Apply(context.Background(), id, EventCheckoutSucceeded, nil, "test")
	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}

	// The failed application must leave no trace.
	events, err := repository.ListAuditEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("rejected transition wrote %d audit events", len(events))
	}
	current, err := repository.GetIntent(context.Background(), id)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if current.Status != string(StatusReceived) {
		t.Fatalf("status changed to %s on rejected transition", current.Status)
	}
}

func TestApplyUnknownIntent(t *testing.T) {
	repository := repo.NewMemory()
	machine := NewMachine(repository, nil, testLogger())

	_, err := machine.Apply(context.Background(), "missing", EventCreated, nil, "test")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
