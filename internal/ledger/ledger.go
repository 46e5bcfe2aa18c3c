package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentpay/internal/metrics"
	"agentpay/internal/repo"
)

// Pot statuses.
const (
	PotActive   = "ACTIVE"
	PotSettled  = "SETTLED"
	PotReturned = "RETURNED"
)

// Ledger entry types.
const (
	EntryReserve = "RESERVE"
	EntrySettle  = "SETTLE"
	EntryReturn  = "RETURN"
)

// ErrPotNotActive indicates a settle against an already settled or returned pot.
var ErrPotNotActive = errors.New("pot is not active")

// InsufficientFundsError reports a reservation exceeding the user balance.
type InsufficientFundsError struct {
	Available int64
	Required  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %d, required %d", e.Available, e.Required)
}

// OverspendError reports a settlement exceeding the reserved amount.
// Overspends are rejected outright rather than debited against the balance.
type OverspendError struct {
	Reserved int64
	Actual   int64
}

func (e *OverspendError) Error() string {
	return fmt.Sprintf("settlement %d exceeds reserved amount %d", e.Actual, e.Reserved)
}

// PotLedger reserves, settles and returns ring-fenced funds against user
// balances. Every operation is one atomic read-modify-write-and-append
// transaction locked on the rows it touches.
type PotLedger struct {
	repository repo.Repository
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New builds a PotLedger over the given repository.
func New(repository repo.Repository, m *metrics.Metrics, logger *slog.Logger) *PotLedger {
	return &PotLedger{
		repository: repository,
		metrics:    m,
		logger:     logger.With("component", "ledger"),
	}
}

// Reserve ring-fences amount from the user's balance into a pot for the
// intent. Fails closed with InsufficientFundsError when the balance does not
// cover the amount.
func (l *PotLedger) Reserve(ctx context.Context, userID, intentID string, amount int64, currency string) (*repo.Pot, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	var pot *repo.Pot
	err := l.repository.WithTx(ctx, func(tx repo.Tx) error {
		user, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if user.MainBalance < amount {
			return &InsufficientFundsError{Available: user.MainBalance, Required: amount}
		}
		if err := tx.AdjustUserBalance(ctx, userID, -amount); err != nil {
			return err
		}
		pot, err = tx.InsertPot(ctx, repo.Pot{
			IntentID:       intentID,
			UserID:         userID,
			ReservedAmount: amount,
			Currency:       currency,
			Status:         PotActive,
		})
		if err != nil {
			return err
		}
		return tx.InsertLedgerEntry(ctx, repo.LedgerEntry{
			UserID:   userID,
			IntentID: intentID,
			Type:     EntryReserve,
			Amount:   amount,
			Currency: currency,
		})
	})
	if err != nil {
		return nil, err
	}

	l.count(EntryReserve)
	l.logger.Info("funds reserved", "intent_id", intentID, "user_id", userID, "amount", amount)
	return pot, nil
}

// Settle records the actual spend against the pot and credits any surplus
// back to the user. Settling more than was reserved is rejected.
func (l *PotLedger) Settle(ctx context.Context, intentID string, actualAmount int64) (surplus int64, err error) {
	if actualAmount < 0 {
		return 0, fmt.Errorf("settle amount must not be negative, got %d", actualAmount)
	}

	err = l.repository.WithTx(ctx, func(tx repo.Tx) error {
		pot, err := tx.GetPotForUpdate(ctx, intentID)
		if err != nil {
			return err
		}
		if pot.Status != PotActive {
			return ErrPotNotActive
		}
		if actualAmount > pot.ReservedAmount {
			return &OverspendError{Reserved: pot.ReservedAmount, Actual: actualAmount}
		}
		surplus = pot.ReservedAmount - actualAmount
		if err := tx.UpdatePot(ctx, intentID, PotSettled, actualAmount); err != nil {
			return err
		}
		if surplus > 0 {
			if err := tx.AdjustUserBalance(ctx, pot.UserID, surplus); err != nil {
				return err
			}
		}
		return tx.InsertLedgerEntry(ctx, repo.LedgerEntry{
			UserID:   pot.UserID,
			IntentID: intentID,
			Type:     EntrySettle,
			Amount:   actualAmount,
			Currency: pot.Currency,
		})
	})
	if err != nil {
		return 0, err
	}

	l.count(EntrySettle)
	l.logger.Info("pot settled", "intent_id", intentID, "actual_amount", actualAmount, "surplus", surplus)
	return surplus, nil
}

// Return releases the full reservation back to the user balance. Missing or
// non-active pots make it a no-op, so retried compensations are safe.
func (l *PotLedger) Return(ctx context.Context, intentID string) error {
	var returned bool
	err := l.repository.WithTx(ctx, func(tx repo.Tx) error {
		pot, err := tx.GetPotForUpdate(ctx, intentID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
		if pot.Status != PotActive {
			return nil
		}
		if err := tx.AdjustUserBalance(ctx, pot.UserID, pot.ReservedAmount); err != nil {
			return err
		}
		if err := tx.UpdatePot(ctx, intentID, PotReturned, 0); err != nil {
			return err
		}
		returned = true
		return tx.InsertLedgerEntry(ctx, repo.LedgerEntry{
			UserID:   pot.UserID,
			IntentID: intentID,
			Type:     EntryReturn,
			Amount:   pot.ReservedAmount,
			Currency: pot.Currency,
		})
	})
	if err != nil {
		return err
	}

	if returned {
		l.count(EntryReturn)
		l.logger.Info("pot returned", "intent_id", intentID)
	}
	return nil
}

func (l *PotLedger) count(entryType string) {
	if l.metrics != nil {
		l.metrics.LedgerEntries.WithLabelValues(entryType).Inc()
	}
}
