package repo

import (
	"context"
	"errors"
	"testing"
)

func insertIntent(t *testing.T, repository *MemoryRepository, userID, key string) (*Intent, error) {
	t.Helper()
	var inserted *Intent
	err := repository.WithTx(context.Background(), func(tx Tx) error {
		record := Intent{
			UserID:    userID,
			Subject:   "usb-c dock",
			MaxBudget: 12000,
			Currency:  "USD",
			Status:    "RECEIVED",
		}
		if key != "" {
			record.IdempotencyKey = &key
		}
		var txErr error
		inserted, txErr = tx.InsertIntent(context.Background(), record)
		return txErr
	})
	return inserted, err
}

func TestInsertIntentDuplicateIdempotencyKeyConflicts(t *testing.T) {
	repository := NewMemory()

	first, err := insertIntent(t, repository, "user-1", "create-1")
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	if _, err := insertIntent(t, repository, "user-1", "create-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for reused key, got %v", err)
	}

	// The failed transaction rolled back without disturbing the first row.
	stored, err := repository.FindIntentByIdempotencyKey(context.Background(), "user-1", "create-1")
	if err != nil {
		t.Fatalf("find by key: %v", err)
	}
	if stored.ID != first.ID {
		t.Fatalf("lookup returned %s, want %s", stored.ID, first.ID)
	}
}

func TestInsertIntentIdempotencyKeyScopedPerUser(t *testing.T) {
	repository := NewMemory()

	if _, err := insertIntent(t, repository, "user-1", "create-1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := insertIntent(t, repository, "user-2", "create-1"); err != nil {
		t.Fatalf("same key for another user must not conflict: %v", err)
	}

	// Keyless intents never collide.
	if _, err := insertIntent(t, repository, "user-1", ""); err != nil {
		t.Fatalf("keyless insert: %v", err)
	}
	if _, err := insertIntent(t, repository, "user-1", ""); err != nil {
		t.Fatalf("second keyless insert: %v", err)
	}
}
