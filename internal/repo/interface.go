package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness constraint rejected the write.
	ErrConflict = errors.New("conflict")
)

// Repository defines the interface for data persistence. The Postgres
// implementation is authoritative; an in-memory implementation backs tests.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// WithTx executes fn inside one transaction. Every mutation of an
	// intent aggregate (status, pot, approval, audit) goes through here.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Users
	CreateUser(ctx context.Context, user User) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByCredentialHash(ctx context.Context, hash string) (*User, error)

	// Worker credentials
	SyncWorkerKeys(ctx context.Context, hashes []string) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)

	// Reads outside transactions
	GetIntent(ctx context.Context, id string) (*Intent, error)
	FindIntentByIdempotencyKey(ctx context.Context, userID, key string) (*Intent, error)
	ListStaleIntents(ctx context.Context, nonTerminal []string, cutoff time.Time) ([]Intent, error)
	ListAuditEvents(ctx context.Context, intentID string) ([]AuditEvent, error)
	GetPot(ctx context.Context, intentID string) (*Pot, error)
	ListLedgerEntries(ctx context.Context, userID string) ([]LedgerEntry, error)
	GetApproval(ctx context.Context, intentID string) (*ApprovalDecision, error)
	GetCard(ctx context.Context, intentID string) (*VirtualCard, error)
	GetCardByProviderID(ctx context.Context, providerCardID string) (*VirtualCard, error)

	// Idempotency keys (ledger-style response caching)
	ReserveIdempotencyKey(ctx context.Context, key, requestHash string) (existing *IdempotencyRecord, reserved bool, err error)
	CompleteIdempotencyKey(ctx context.Context, key string, status int, body []byte) error
}

// Tx exposes the row-level operations available inside a transaction.
// ForUpdate reads take a row lock scoped to the aggregate so concurrent
// duplicate deliveries serialize instead of double-applying.
type Tx interface {
	InsertIntent(ctx context.Context, intent Intent) (*Intent, error)
	GetIntentForUpdate(ctx context.Context, id string) (*Intent, error)
	UpdateIntentStatus(ctx context.Context, id, status string) error
	MergeIntentMetadata(ctx context.Context, id string, metadata map[string]any) error

	InsertAuditEvent(ctx context.Context, event AuditEvent) error

	GetUserForUpdate(ctx context.Context, id string) (*User, error)
	AdjustUserBalance(ctx context.Context, id string, delta int64) error
	SetBillingIdentity(ctx context.Context, userID, identityID string) error

	InsertPot(ctx context.Context, pot Pot) (*Pot, error)
	GetPotForUpdate(ctx context.Context, intentID string) (*Pot, error)
	UpdatePot(ctx context.Context, intentID, status string, settledAmount int64) error

	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error

	GetApprovalForIntent(ctx context.Context, intentID string) (*ApprovalDecision, error)
	InsertApproval(ctx context.Context, decision ApprovalDecision) (*ApprovalDecision, error)

	GetCardForIntent(ctx context.Context, intentID string) (*VirtualCard, error)
	InsertCard(ctx context.Context, card VirtualCard) (*VirtualCard, error)
	// MarkCardRevealed performs the atomic check-and-set of revealed_at.
	// It reports false when the card was already revealed.
	MarkCardRevealed(ctx context.Context, intentID string, at time.Time) (bool, error)
	MarkCardFrozen(ctx context.Context, intentID string, at time.Time) error
	MarkCardCancelled(ctx context.Context, intentID string, at time.Time) error
}
