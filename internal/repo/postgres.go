package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository provides typed access to Postgres resources.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres opens a new connection pool to the database.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&postgresTx{tx: tx})
	})
}

// CreateUser inserts a new user row.
func (r *PostgresRepository) CreateUser(ctx context.Context, user User) (*User, error) {
	const q = `
INSERT INTO users (display_name, main_balance, max_budget_per_intent, merchant_allowlist, mcc_allowlist, credential_hash)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, display_name, main_balance, max_budget_per_intent, merchant_allowlist, mcc_allowlist, credential_hash, billing_identity_id, created_at, updated_at;
`
	row := r.pool.QueryRow(ctx, q,
		user.DisplayName,
		user.MainBalance,
		user.MaxBudgetPerIntent,
		user.MerchantAllowlist,
		user.MCCAllowlist,
		user.CredentialHash,
	)
	return scanUser(row)
}

// GetUserByID returns user by internal identifier.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*User, error) {
	const q = userSelect + ` WHERE id = $1 LIMIT 1;`
	return scanUser(r.pool.QueryRow(ctx, q, id))
}

// GetUserByCredentialHash resolves a user from a bearer credential hash.
func (r *PostgresRepository) GetUserByCredentialHash(ctx context.Context, hash string) (*User, error) {
	const q = userSelect + ` WHERE credential_hash = $1 LIMIT 1;`
	return scanUser(r.pool.QueryRow(ctx, q, hash))
}

const userSelect = `
SELECT id, display_name, main_balance, max_budget_per_intent, merchant_allowlist, mcc_allowlist, credential_hash, billing_identity_id, created_at, updated_at
FROM users`

// SyncWorkerKeys ensures the provided worker key hashes exist in the database.
func (r *PostgresRepository) SyncWorkerKeys(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, hash := range hashes {
			if _, err := tx.Exec(ctx, `
INSERT INTO api_keys (role, value_hash)
VALUES ('worker', $1)
ON CONFLICT (role, value_hash) DO NOTHING;
`, hash); err != nil {
				return fmt.Errorf("sync worker key: %w", err)
			}
		}
		return nil
	})
}

// GetAPIKeyByHash resolves a worker credential by value hash.
func (r *PostgresRepository) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	const q = `
SELECT id, role, value_hash, label, created_at
FROM api_keys
WHERE value_hash = $1
LIMIT 1;
`
	var k APIKey
	err := r.pool.QueryRow(ctx, q, hash).Scan(&k.ID, &k.Role, &k.ValueHash, &k.Label, &k.CreatedAt)
	if err != nil {
		return nil, wrapNotFound("get api key", err)
	}
	return &k, nil
}

// GetIntent retrieves an intent by id.
func (r *PostgresRepository) GetIntent(ctx context.Context, id string) (*Intent, error) {
	const q = intentSelect + ` WHERE id = $1 LIMIT 1;`
	return scanIntent(r.pool.QueryRow(ctx, q, id))
}

// FindIntentByIdempotencyKey looks up an intent previously created with the key.
func (r *PostgresRepository) FindIntentByIdempotencyKey(ctx context.Context, userID, key string) (*Intent, error) {
	const q = intentSelect + ` WHERE user_id = $1 AND idempotency_key = $2 LIMIT 1;`
	return scanIntent(r.pool.QueryRow(ctx, q, userID, key))
}

// ListStaleIntents returns non-terminal intents last updated before cutoff.
func (r *PostgresRepository) ListStaleIntents(ctx context.Context, nonTerminal []string, cutoff time.Time) ([]Intent, error) {
	const q = intentSelect + `
 WHERE status = ANY($1) AND updated_at < $2
 ORDER BY updated_at ASC;`
	rows, err := r.pool.Query(ctx, q, nonTerminal, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale intents: %w", err)
	}
	defer rows.Close()

	var intents []Intent
	for rows.Next() {
		intent, err := scanIntentRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale intent: %w", err)
		}
		intents = append(intents, *intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale intents: %w", err)
	}
	return intents, nil
}

const intentSelect = `
SELECT id, user_id, subject, max_budget, currency, status, metadata, idempotency_key, created_at, updated_at
FROM intents`

// ListAuditEvents returns the audit trail for an intent in creation order.
func (r *PostgresRepository) ListAuditEvents(ctx context.Context, intentID string) ([]AuditEvent, error) {
	const q = `
SELECT id, intent_id, actor, event_type, payload, created_at
FROM audit_events
WHERE intent_id = $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, intentID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.IntentID, &ev.Actor, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Payload = fromJSON(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// GetPot retrieves the pot for an intent.
func (r *PostgresRepository) GetPot(ctx context.Context, intentID string) (*Pot, error) {
	const q = potSelect + ` WHERE intent_id = $1 LIMIT 1;`
	return scanPot(r.pool.QueryRow(ctx, q, intentID))
}

const potSelect = `
SELECT id, intent_id, user_id, reserved_amount, settled_amount, currency, status, created_at, updated_at
FROM pots`

// ListLedgerEntries returns the balance-change trail for a user.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, userID string) ([]LedgerEntry, error) {
	const q = `
SELECT id, user_id, intent_id, entry_type, amount, currency, created_at
FROM ledger_entries
WHERE user_id = $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.IntentID, &e.Type, &e.Amount, &e.Currency, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

// GetApproval retrieves the approval decision for an intent.
func (r *PostgresRepository) GetApproval(ctx context.Context, intentID string) (*ApprovalDecision, error) {
	const q = `
SELECT id, intent_id, decision, actor_id, reason, created_at
FROM approval_decisions
WHERE intent_id = $1
LIMIT 1;
`
	var d ApprovalDecision
	err := r.pool.QueryRow(ctx, q, intentID).Scan(&d.ID, &d.IntentID, &d.Decision, &d.ActorID, &d.Reason, &d.CreatedAt)
	if err != nil {
		return nil, wrapNotFound("get approval", err)
	}
	return &d, nil
}

// GetCard retrieves the virtual card for an intent.
func (r *PostgresRepository) GetCard(ctx context.Context, intentID string) (*VirtualCard, error) {
	const q = cardSelect + ` WHERE intent_id = $1 LIMIT 1;`
	return scanCard(r.pool.QueryRow(ctx, q, intentID))
}

// GetCardByProviderID retrieves a card by the provider's card id, used to
// correlate authorization webhook events.
func (r *PostgresRepository) GetCardByProviderID(ctx context.Context, providerCardID string) (*VirtualCard, error) {
	const q = cardSelect + ` WHERE provider_card_id = $1 LIMIT 1;`
	return scanCard(r.pool.QueryRow(ctx, q, providerCardID))
}

const cardSelect = `
SELECT id, intent_id, provider_card_id, last4, revealed_at, frozen_at, cancelled_at, created_at
FROM virtual_cards`

// ReserveIdempotencyKey claims the key for this request. When the key already
// exists the stored record is returned and reserved is false.
func (r *PostgresRepository) ReserveIdempotencyKey(ctx context.Context, key, requestHash string) (*IdempotencyRecord, bool, error) {
	const insert = `
INSERT INTO idempotency_keys (key, request_hash, status)
VALUES ($1, $2, 'in_progress')
ON CONFLICT (key) DO NOTHING;
`
	ct, err := r.pool.Exec(ctx, insert, key, requestHash)
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil, true, nil
	}

	const q = `
SELECT key, request_hash, status, COALESCE(response_status, 0), response_body, created_at
FROM idempotency_keys
WHERE key = $1
LIMIT 1;
`
	var rec IdempotencyRecord
	err = r.pool.QueryRow(ctx, q, key).Scan(&rec.Key, &rec.RequestHash, &rec.Status, &rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt)
	if err != nil {
		return nil, false, wrapNotFound("load idempotency key", err)
	}
	return &rec, false, nil
}

// CompleteIdempotencyKey stores the final response body for later replays.
func (r *PostgresRepository) CompleteIdempotencyKey(ctx context.Context, key string, status int, body []byte) error {
	const q = `
UPDATE idempotency_keys
SET status = 'completed', response_status = $2, response_body = $3
WHERE key = $1;
`
	if _, err := r.pool.Exec(ctx, q, key, status, body); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.DisplayName, &u.MainBalance, &u.MaxBudgetPerIntent, &u.MerchantAllowlist, &u.MCCAllowlist, &u.CredentialHash, &u.BillingIdentityID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound("scan user", err)
	}
	return &u, nil
}

func scanIntent(row pgx.Row) (*Intent, error) {
	var intent Intent
	var meta []byte
	err := row.Scan(&intent.ID, &intent.UserID, &intent.Subject, &intent.MaxBudget, &intent.Currency, &intent.Status, &meta, &intent.IdempotencyKey, &intent.CreatedAt, &intent.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound("scan intent", err)
	}
	intent.Metadata = fromJSON(meta)
	return &intent, nil
}

func scanIntentRows(rows pgx.Rows) (*Intent, error) {
	return scanIntent(rows)
}

func scanPot(row pgx.Row) (*Pot, error) {
	var p Pot
	err := row.Scan(&p.ID, &p.IntentID, &p.UserID, &p.ReservedAmount, &p.SettledAmount, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound("scan pot", err)
	}
	return &p, nil
}

func scanCard(row pgx.Row) (*VirtualCard, error) {
	var c VirtualCard
	err := row.Scan(&c.ID, &c.IntentID, &c.ProviderCardID, &c.Last4, &c.RevealedAt, &c.FrozenAt, &c.CancelledAt, &c.CreatedAt)
	if err != nil {
		return nil, wrapNotFound("scan card", err)
	}
	return &c, nil
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func toJSON(val map[string]any) ([]byte, error) {
	if val == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func fromJSON(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"_raw": string(data)}
	}
	return m
}
