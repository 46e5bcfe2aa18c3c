package repo

import (
	"context"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository used by unit tests and local
// experimentation. Transactions take a single lock, so every transaction is
// trivially serializable; rollback restores a snapshot taken at tx start.
type MemoryRepository struct {
	mu sync.Mutex
	st memState
}

type memState struct {
	users       map[string]*User
	intents     map[string]*Intent
	audits      []AuditEvent
	approvals   map[string]*ApprovalDecision
	pots        map[string]*Pot
	ledger      []LedgerEntry
	cards       map[string]*VirtualCard
	apiKeys     map[string]*APIKey
	idempotency map[string]*IdempotencyRecord
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{st: newMemState()}
}

func newMemState() memState {
	return memState{
		users:       map[string]*User{},
		intents:     map[string]*Intent{},
		approvals:   map[string]*ApprovalDecision{},
		pots:        map[string]*Pot{},
		cards:       map[string]*VirtualCard{},
		apiKeys:     map[string]*APIKey{},
		idempotency: map[string]*IdempotencyRecord{},
	}
}

func (m *MemoryRepository) Close() {}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) RunMigrations(context.Context, fs.FS) error { return nil }

// WithTx runs fn under the repository lock. On error the pre-transaction
// snapshot is restored, mirroring a database rollback.
func (m *MemoryRepository) WithTx(_ context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&memoryTx{st: &m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *MemoryRepository) CreateUser(_ context.Context, user User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	m.st.users[user.ID] = cloneUser(&user)
	return cloneUser(&user), nil
}

func (m *MemoryRepository) GetUserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.st.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryRepository) GetUserByCredentialHash(_ context.Context, hash string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.st.users {
		if u.CredentialHash == hash {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) SyncWorkerKeys(_ context.Context, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, hash := range hashes {
		if _, ok := m.st.apiKeys[hash]; ok {
			continue
		}
		m.st.apiKeys[hash] = &APIKey{ID: uuid.NewString(), Role: "worker", ValueHash: hash, CreatedAt: time.Now().UTC()}
	}
	return nil
}

func (m *MemoryRepository) GetAPIKeyByHash(_ context.Context, hash string) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.st.apiKeys[hash]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *k
	return &copied, nil
}

func (m *MemoryRepository) GetIntent(_ context.Context, id string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.st.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIntent(intent), nil
}

func (m *MemoryRepository) FindIntentByIdempotencyKey(_ context.Context, userID, key string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, intent := range m.st.intents {
		if intent.UserID == userID && intent.IdempotencyKey != nil && *intent.IdempotencyKey == key {
			return cloneIntent(intent), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) ListStaleIntents(_ context.Context, nonTerminal []string, cutoff time.Time) ([]Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := map[string]bool{}
	for _, s := range nonTerminal {
		allowed[s] = true
	}
	var out []Intent
	for _, intent := range m.st.intents {
		if allowed[intent.Status] && intent.UpdatedAt.Before(cutoff) {
			out = append(out, *cloneIntent(intent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryRepository) ListAuditEvents(_ context.Context, intentID string) ([]AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEvent
	for _, ev := range m.st.audits {
		if ev.IntentID == intentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetPot(_ context.Context, intentID string) (*Pot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.pots[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *MemoryRepository) ListLedgerEntries(_ context.Context, userID string) ([]LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LedgerEntry
	for _, e := range m.st.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetApproval(_ context.Context, intentID string) (*ApprovalDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.st.approvals[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (m *MemoryRepository) GetCard(_ context.Context, intentID string) (*VirtualCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.st.cards[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *MemoryRepository) GetCardByProviderID(_ context.Context, providerCardID string) (*VirtualCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.st.cards {
		if c.ProviderCardID == providerCardID {
			copied := *c
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) ReserveIdempotencyKey(_ context.Context, key, requestHash string) (*IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.st.idempotency[key]; ok {
		copied := *rec
		return &copied, false, nil
	}
	m.st.idempotency[key] = &IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      "in_progress",
		CreatedAt:   time.Now().UTC(),
	}
	return nil, true, nil
}

func (m *MemoryRepository) CompleteIdempotencyKey(_ context.Context, key string, status int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.st.idempotency[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = "completed"
	rec.ResponseStatus = status
	rec.ResponseBody = append([]byte(nil), body...)
	return nil
}

// memoryTx mutates the live state; WithTx restores the snapshot on error.
type memoryTx struct {
	st *memState
}

func (t *memoryTx) InsertIntent(_ context.Context, intent Intent) (*Intent, error) {
	if intent.IdempotencyKey != nil {
		for _, existing := range t.st.intents {
			if existing.UserID == intent.UserID && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *intent.IdempotencyKey {
				return nil, ErrConflict
			}
		}
	}
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	intent.CreatedAt, intent.UpdatedAt = now, now
	if intent.Metadata == nil {
		intent.Metadata = map[string]any{}
	}
	t.st.intents[intent.ID] = cloneIntent(&intent)
	return cloneIntent(&intent), nil
}

func (t *memoryTx) GetIntentForUpdate(_ context.Context, id string) (*Intent, error) {
	intent, ok := t.st.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIntent(intent), nil
}

func (t *memoryTx) UpdateIntentStatus(_ context.Context, id, status string) error {
	intent, ok := t.st.intents[id]
	if !ok {
		return ErrNotFound
	}
	intent.Status = status
	intent.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memoryTx) MergeIntentMetadata(_ context.Context, id string, metadata map[string]any) error {
	intent, ok := t.st.intents[id]
	if !ok {
		return ErrNotFound
	}
	if intent.Metadata == nil {
		intent.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		intent.Metadata[k] = v
	}
	intent.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memoryTx) InsertAuditEvent(_ context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.CreatedAt = time.Now().UTC()
	t.st.audits = append(t.st.audits, event)
	return nil
}

func (t *memoryTx) GetUserForUpdate(_ context.Context, id string) (*User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (t *memoryTx) AdjustUserBalance(_ context.Context, id string, delta int64) error {
	u, ok := t.st.users[id]
	if !ok {
		return ErrNotFound
	}
	u.MainBalance += delta
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memoryTx) SetBillingIdentity(_ context.Context, userID, identityID string) error {
	u, ok := t.st.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.BillingIdentityID == nil {
		u.BillingIdentityID = &identityID
	}
	return nil
}

func (t *memoryTx) InsertPot(_ context.Context, pot Pot) (*Pot, error) {
	if _, ok := t.st.pots[pot.IntentID]; ok {
		return nil, ErrConflict
	}
	if pot.ID == "" {
		pot.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	pot.CreatedAt, pot.UpdatedAt = now, now
	copied := pot
	t.st.pots[pot.IntentID] = &copied
	result := pot
	return &result, nil
}

func (t *memoryTx) GetPotForUpdate(_ context.Context, intentID string) (*Pot, error) {
	p, ok := t.st.pots[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (t *memoryTx) UpdatePot(_ context.Context, intentID, status string, settledAmount int64) error {
	p, ok := t.st.pots[intentID]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.SettledAmount = settledAmount
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memoryTx) InsertLedgerEntry(_ context.Context, entry LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()
	t.st.ledger = append(t.st.ledger, entry)
	return nil
}

func (t *memoryTx) GetApprovalForIntent(_ context.Context, intentID string) (*ApprovalDecision, error) {
	d, ok := t.st.approvals[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (t *memoryTx) InsertApproval(_ context.Context, decision ApprovalDecision) (*ApprovalDecision, error) {
	if _, ok := t.st.approvals[decision.IntentID]; ok {
		return nil, ErrConflict
	}
	if decision.ID == "" {
		decision.ID = uuid.NewString()
	}
	decision.CreatedAt = time.Now().UTC()
	copied := decision
	t.st.approvals[decision.IntentID] = &copied
	result := decision
	return &result, nil
}

func (t *memoryTx) GetCardForIntent(_ context.Context, intentID string) (*VirtualCard, error) {
	c, ok := t.st.cards[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (t *memoryTx) InsertCard(_ context.Context, card VirtualCard) (*VirtualCard, error) {
	if _, ok := t.st.cards[card.IntentID]; ok {
		return nil, ErrConflict
	}
	if card.ID == "" {
		card.ID = uuid.NewString()
	}
	card.CreatedAt = time.Now().UTC()
	copied := card
	t.st.cards[card.IntentID] = &copied
	result := card
	return &result, nil
}

func (t *memoryTx) MarkCardRevealed(_ context.Context, intentID string, at time.Time) (bool, error) {
	c, ok := t.st.cards[intentID]
	if !ok {
		return false, ErrNotFound
	}
	if c.RevealedAt != nil {
		return false, nil
	}
	stamped := at
	c.RevealedAt = &stamped
	return true, nil
}

func (t *memoryTx) MarkCardFrozen(_ context.Context, intentID string, at time.Time) error {
	c, ok := t.st.cards[intentID]
	if !ok {
		return ErrNotFound
	}
	stamped := at
	c.FrozenAt = &stamped
	return nil
}

func (t *memoryTx) MarkCardCancelled(_ context.Context, intentID string, at time.Time) error {
	c, ok := t.st.cards[intentID]
	if !ok {
		return ErrNotFound
	}
	if c.CancelledAt == nil {
		stamped := at
		c.CancelledAt = &stamped
	}
	return nil
}

func (s memState) clone() memState {
	out := newMemState()
	for id, u := range s.users {
		out.users[id] = cloneUser(u)
	}
	for id, i := range s.intents {
		out.intents[id] = cloneIntent(i)
	}
	out.audits = append([]AuditEvent(nil), s.audits...)
	for id, d := range s.approvals {
		copied := *d
		out.approvals[id] = &copied
	}
	for id, p := range s.pots {
		copied := *p
		out.pots[id] = &copied
	}
	out.ledger = append([]LedgerEntry(nil), s.ledger...)
	for id, c := range s.cards {
		copied := *c
		out.cards[id] = &copied
	}
	for id, k := range s.apiKeys {
		copied := *k
		out.apiKeys[id] = &copied
	}
	for key, rec := range s.idempotency {
		copied := *rec
		copied.ResponseBody = append([]byte(nil), rec.ResponseBody...)
		out.idempotency[key] = &copied
	}
	return out
}

func cloneUser(u *User) *User {
	copied := *u
	copied.MerchantAllowlist = append([]string(nil), u.MerchantAllowlist...)
	copied.MCCAllowlist = append([]string(nil), u.MCCAllowlist...)
	return &copied
}

func cloneIntent(i *Intent) *Intent {
	copied := *i
	if i.Metadata != nil {
		copied.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}

var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*PostgresRepository)(nil)
