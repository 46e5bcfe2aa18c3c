package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// postgresTx implements Tx over a live pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

// InsertIntent stores a new intent row.
func (t *postgresTx) InsertIntent(ctx context.Context, intent Intent) (*Intent, error) {
	meta, err := toJSON(intent.Metadata)
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO intents (user_id, subject, max_budget, currency, status, metadata, idempotency_key)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, user_id, subject, max_budget, currency, status, metadata, idempotency_key, created_at, updated_at;
`
	row := t.tx.QueryRow(ctx, q,
		intent.UserID,
		intent.Subject,
		intent.MaxBudget,
		intent.Currency,
		intent.Status,
		meta,
		intent.IdempotencyKey,
	)
	inserted, err := scanIntent(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return inserted, nil
}

// GetIntentForUpdate locks the intent row for the rest of the transaction.
func (t *postgresTx) GetIntentForUpdate(ctx context.Context, id string) (*Intent, error) {
	const q = intentSelect + ` WHERE id = $1 FOR UPDATE;`
	return scanIntent(t.tx.QueryRow(ctx, q, id))
}

// UpdateIntentStatus persists a new lifecycle status.
func (t *postgresTx) UpdateIntentStatus(ctx context.Context, id, status string) error {
	const q = `UPDATE intents SET status = $2, updated_at = NOW() WHERE id = $1;`
	ct, err := t.tx.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("update intent status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeIntentMetadata merges keys into the intent metadata document.
func (t *postgresTx) MergeIntentMetadata(ctx context.Context, id string, metadata map[string]any) error {
	meta, err := toJSON(metadata)
	if err != nil {
		return err
	}
	const q = `UPDATE intents SET metadata = metadata || $2::jsonb, updated_at = NOW() WHERE id = $1;`
	ct, err := t.tx.Exec(ctx, q, id, meta)
	if err != nil {
		return fmt.Errorf("merge intent metadata: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertAuditEvent appends one audit row; audit rows are never updated.
func (t *postgresTx) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload, err := toJSON(event.Payload)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO audit_events (intent_id, actor, event_type, payload)
VALUES ($1, $2, $3, $4);
`
	if _, err := t.tx.Exec(ctx, q, event.IntentID, event.Actor, event.EventType, payload); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// GetUserForUpdate locks the user row, serializing balance mutations.
func (t *postgresTx) GetUserForUpdate(ctx context.Context, id string) (*User, error) {
	const q = userSelect + ` WHERE id = $1 FOR UPDATE;`
	return scanUser(t.tx.QueryRow(ctx, q, id))
}

// AdjustUserBalance applies a signed delta to the main balance.
func (t *postgresTx) AdjustUserBalance(ctx context.Context, id string, delta int64) error {
	const q = `UPDATE users SET main_balance = main_balance + $2, updated_at = NOW() WHERE id = $1;`
	ct, err := t.tx.Exec(ctx, q, id, delta)
	if err != nil {
		return fmt.Errorf("adjust user balance: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBillingIdentity persists the provider cardholder id on first issuance.
func (t *postgresTx) SetBillingIdentity(ctx context.Context, userID, identityID string) error {
	const q = `UPDATE users SET billing_identity_id = $2, updated_at = NOW() WHERE id = $1 AND billing_identity_id IS NULL;`
	if _, err := t.tx.Exec(ctx, q, userID, identityID); err != nil {
		return fmt.Errorf("set billing identity: %w", err)
	}
	return nil
}

// InsertPot creates the hold record for an intent.
func (t *postgresTx) InsertPot(ctx context.Context, pot Pot) (*Pot, error) {
	const q = `
INSERT INTO pots (intent_id, user_id, reserved_amount, settled_amount, currency, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, intent_id, user_id, reserved_amount, settled_amount, currency, status, created_at, updated_at;
`
	row := t.tx.QueryRow(ctx, q, pot.IntentID, pot.UserID, pot.ReservedAmount, pot.SettledAmount, pot.Currency, pot.Status)
	inserted, err := scanPot(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return inserted, nil
}

// GetPotForUpdate locks the pot row for the rest of the transaction.
func (t *postgresTx) GetPotForUpdate(ctx context.Context, intentID string) (*Pot, error) {
	const q = potSelect + ` WHERE intent_id = $1 FOR UPDATE;`
	return scanPot(t.tx.QueryRow(ctx, q, intentID))
}

// UpdatePot sets the pot status and settled amount.
func (t *postgresTx) UpdatePot(ctx context.Context, intentID, status string, settledAmount int64) error {
	const q = `
UPDATE pots
SET status = $2, settled_amount = $3, updated_at = NOW()
WHERE intent_id = $1;
`
	ct, err := t.tx.Exec(ctx, q, intentID, status, settledAmount)
	if err != nil {
		return fmt.Errorf("update pot: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertLedgerEntry appends one balance-change row.
func (t *postgresTx) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	const q = `
INSERT INTO ledger_entries (user_id, intent_id, entry_type, amount, currency)
VALUES ($1, $2, $3, $4, $5);
`
	if _, err := t.tx.Exec(ctx, q, entry.UserID, entry.IntentID, entry.Type, entry.Amount, entry.Currency); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// GetApprovalForIntent reads the decision row inside the transaction.
func (t *postgresTx) GetApprovalForIntent(ctx context.Context, intentID string) (*ApprovalDecision, error) {
	const q = `
SELECT id, intent_id, decision, actor_id, reason, created_at
FROM approval_decisions
WHERE intent_id = $1
LIMIT 1;
`
	var d ApprovalDecision
	err := t.tx.QueryRow(ctx, q, intentID).Scan(&d.ID, &d.IntentID, &d.Decision, &d.ActorID, &d.Reason, &d.CreatedAt)
	if err != nil {
		return nil, wrapNotFound("get approval", err)
	}
	return &d, nil
}

// InsertApproval creates the single decision row for an intent.
func (t *postgresTx) InsertApproval(ctx context.Context, decision ApprovalDecision) (*ApprovalDecision, error) {
	const q = `
INSERT INTO approval_decisions (intent_id, decision, actor_id, reason)
VALUES ($1, $2, $3, $4)
RETURNING id, intent_id, decision, actor_id, reason, created_at;
`
	var d ApprovalDecision
	err := t.tx.QueryRow(ctx, q, decision.IntentID, decision.Decision, decision.ActorID, decision.Reason).
		Scan(&d.ID, &d.IntentID, &d.Decision, &d.ActorID, &d.Reason, &d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	return &d, nil
}

// GetCardForIntent reads the card row inside the transaction.
func (t *postgresTx) GetCardForIntent(ctx context.Context, intentID string) (*VirtualCard, error) {
	const q = cardSelect + ` WHERE intent_id = $1 FOR UPDATE;`
	return scanCard(t.tx.QueryRow(ctx, q, intentID))
}

// InsertCard persists the card stub; only provider id and last4 are stored.
func (t *postgresTx) InsertCard(ctx context.Context, card VirtualCard) (*VirtualCard, error) {
	const q = `
INSERT INTO virtual_cards (intent_id, provider_card_id, last4)
VALUES ($1, $2, $3)
RETURNING id, intent_id, provider_card_id, last4, revealed_at, frozen_at, cancelled_at, created_at;
`
	inserted, err := scanCard(t.tx.QueryRow(ctx, q, card.IntentID, card.ProviderCardID, card.Last4))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return inserted, nil
}

// MarkCardRevealed stamps revealed_at once; the conditional WHERE clause is
// the replay guard.
func (t *postgresTx) MarkCardRevealed(ctx context.Context, intentID string, at time.Time) (bool, error) {
	const q = `
UPDATE virtual_cards
SET revealed_at = $2
WHERE intent_id = $1 AND revealed_at IS NULL;
`
	ct, err := t.tx.Exec(ctx, q, intentID, at)
	if err != nil {
		return false, fmt.Errorf("mark card revealed: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkCardFrozen stamps the local freeze time.
func (t *postgresTx) MarkCardFrozen(ctx context.Context, intentID string, at time.Time) error {
	const q = `UPDATE virtual_cards SET frozen_at = $2 WHERE intent_id = $1;`
	ct, err := t.tx.Exec(ctx, q, intentID, at)
	if err != nil {
		return fmt.Errorf("mark card frozen: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCardCancelled stamps the local cancellation time, keeping the first stamp.
func (t *postgresTx) MarkCardCancelled(ctx context.Context, intentID string, at time.Time) error {
	const q = `UPDATE virtual_cards SET cancelled_at = COALESCE(cancelled_at, $2) WHERE intent_id = $1;`
	ct, err := t.tx.Exec(ctx, q, intentID, at)
	if err != nil {
		return fmt.Errorf("mark card cancelled: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
