package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"agentpay/internal/intent"
	"agentpay/internal/repo"
)

func testGate(t *testing.T, status string) (*Gate, *repo.MemoryRepository, string) {
	t.Helper()
	repository := repo.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := intent.NewMachine(repository, nil, logger)
	gate := NewGate(repository, machine, nil, logger)

	var id string
	err := repository.WithTx(context.Background(), func(tx repo.Tx) error {
		inserted, err := tx.InsertIntent(context.Background(), repo.Intent{
			UserID:    "user-1",
			Subject:   "noise cancelling headphones",
			MaxBudget: 20000,
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
	return gate, repository, id
}

func TestRequestApprovalFromQuoted(t *testing.T) {
	gate, _, id := testGate(t, string(intent.StatusQuoted))

	updated, err := gate.RequestApproval(context.Background(), id, "worker")
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if updated.Status != string(intent.StatusAwaitingApproval) {
		t.Fatalf("expected AWAITING_APPROVAL, got %s", updated.Status)
	}

	// Repeating the request is a no-op, not an error.
	again, err := gate.RequestApproval(context.Background(), id, "worker")
	if err != nil {
		t.Fatalf("repeated request approval: %v", err)
	}
	if again.Status != string(intent.StatusAwaitingApproval) {
		t.Fatalf("expected AWAITING_APPROVAL after repeat, got %s", again.Status)
	}
}

func TestRequestApprovalOutsideQuotedIsNoOp(t *testing.T) {
	for _, status := range []intent.Status{intent.StatusSearching, intent.StatusApproved, intent.StatusDone} {
		gate, repository, id := testGate(t, string(status))

		current, err := gate.RequestApproval(context.Background(), id, "worker")
		if err != nil {
			t.Fatalf("request approval from %s: %v", status, err)
		}
		if current.Status != string(status) {
			t.Fatalf("request approval moved %s to %s", status, current.Status)
		}

		// The no-op leaves no audit trace.
		events, err := repository.ListAuditEvents(context.Background(), id)
		if err != nil {
			t.Fatalf("list audit events: %v", err)
		}
		if len(events) != 0 {
			t.Fatalf("no-op wrote %d audit events from %s", len(events), status)
		}
	}
}

func TestRecordDecisionApproves(t *testing.T) {
	gate, repository, id := testGate(t, string(intent.StatusAwaitingApproval))

	stored, replayed, err := gate.RecordDecision(context.Background(), id, "approved", "user-1", "looks good")
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}
	if replayed {
		t.Fatal("first decision reported as replayed")
	}
	if stored.Decision != DecisionApproved {
		t.Fatalf("expected APPROVED, got %s", stored.Decision)
	}

	current, _ := repository.GetIntent(context.Background(), id)
	if current.Status != string(intent.StatusApproved) {
		t.Fatalf("expected intent APPROVED, got %s", current.Status)
	}
}

func TestRecordDecisionDenies(t *testing.T) {
	gate, repository, id := testGate(t, string(intent.StatusAwaitingApproval))

	stored, _, err := gate.RecordDecision(context.Background(), id, "DENIED", "user-1", "too expensive")
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}
	if stored.Decision != DecisionDenied {
		t.Fatalf("expected DENIED, got %s", stored.Decision)
	}

	current, _ := repository.GetIntent(context.Background(), id)
	if current.Status != string(intent.StatusDenied) {
		t.Fatalf("expected intent DENIED, got %s", current.Status)
	}
}

func TestRecordDecisionReplaysStoredDecision(t *testing.T) {
	gate, repository, id := testGate(t, string(intent.StatusAwaitingApproval))

	if _, _, err := gate.RecordDecision(context.Background(), id, "APPROVED", "user-1", ""); err != nil {
		t.Fatalf("first decision: %v", err)
	}

	// A conflicting replay returns the original decision untouched.
	stored, replayed, err := gate.RecordDecision(context.Background(), id, "DENIED", "user-1", "changed my mind")
	if err != nil {
		t.Fatalf("replayed decision: %v", err)
	}
	if !replayed {
		t.Fatal("second decision not reported as replayed")
	}
	if stored.Decision != DecisionApproved {
		t.Fatalf("replay returned %s, want original APPROVED", stored.Decision)
	}

	current, _ := repository.GetIntent(context.Background(), id)
	if current.Status != string(intent.StatusApproved) {
		t.Fatalf("replay moved the intent to %s", current.Status)
	}
}

func TestRecordDecisionRejectsUnknownValue(t *testing.T) {
	gate, _, id := testGate(t, string(intent.StatusAwaitingApproval))

	_, _, err := gate.RecordDecision(context.Background(), id, "MAYBE", "user-1", "")
	if !errors.Is(err, ErrUnknownDecision) {
		t.Fatalf("expected ErrUnknownDecision, got %v", err)
	}
}

func TestRecordDecisionOutsideAwaitingApproval(t *testing.T) {
	gate, _, id := testGate(t, string(intent.StatusQuoted))

	_, _, err := gate.RecordDecision(context.Background(), id, "APPROVED", "user-1", "")
	var invalid *InvalidApprovalStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidApprovalStateError, got %v", err)
	}
}
