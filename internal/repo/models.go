package repo

import "time"

// Intent is a purchase request and its lifecycle record.
type Intent struct {
	ID             string
	UserID         string
	Subject        string
	MaxBudget      int64
	Currency       string
	Status         string
	Metadata       map[string]any
	IdempotencyKey *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AuditEvent is an append-only lifecycle record for an intent.
type AuditEvent struct {
	ID        string
	IntentID  string
	Actor     string
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

// ApprovalDecision records the single human decision for an intent.
type ApprovalDecision struct {
	ID        string
	IntentID  string
	Decision  string
	ActorID   string
	Reason    *string
	CreatedAt time.Time
}

// Pot is a ring-fenced hold of funds reserved for one intent.
type Pot struct {
	ID             string
	IntentID       string
	UserID         string
	ReservedAmount int64
	SettledAmount  int64
	Currency       string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LedgerEntry is one append-only balance-change record.
type LedgerEntry struct {
	ID        string
	UserID    string
	IntentID  string
	Type      string
	Amount    int64
	Currency  string
	CreatedAt time.Time
}

// VirtualCard stores the persisted remainder of an ephemeral card.
// The PAN and CVC are never written to storage.
type VirtualCard struct {
	ID             string
	IntentID       string
	ProviderCardID string
	Last4          string
	RevealedAt     *time.Time
	FrozenAt       *time.Time
	CancelledAt    *time.Time
	CreatedAt      time.Time
}

// User represents the users table row.
type User struct {
	ID                 string
	DisplayName        *string
	MainBalance        int64
	MaxBudgetPerIntent int64
	MerchantAllowlist  []string
	MCCAllowlist       []string
	CredentialHash     string
	BillingIdentityID  *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// APIKey is a worker-class credential record.
type APIKey struct {
	ID        string
	Role      string
	ValueHash string
	Label     *string
	CreatedAt time.Time
}

// IdempotencyRecord caches the response of a completed mutating call.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	Status         string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
}
