package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/contract-host/interfaces"
)

// Ledger implements interfaces.BillingLedger.
type Ledger struct {
	store interfaces.LedgerStore
	log   *slog.Logger
	now   func() time.Time
}

func NewLedger(store interfaces.LedgerStore, log *slog.Logger) *Ledger {
	return &Ledger{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

func (l *Ledger) Credit(ctx context.Context, token string, amount int64) (*interfaces.Receipt, error) {
	if amount <= 0 {
		return nil, interfaces.ErrInvalidAmount
	}

	receipt, err := l.store.UpdateBalance(ctx, token, func(balance int64) (*interfaces.Transaction, error) {
		return l.transaction(token, interfaces.CreditTransaction, amount, balance+amount), nil
	})
	if err != nil {
		return nil, fmt.Errorf("credit failed: %w", err)
	}

	l.log.Debug("Credited token", "token", token, "amount", amount, "balance", receipt.Balance)
	return receipt, nil
}

func (l *Ledger) Debit(ctx context.Context, token string, amount int64) (*interfaces.Receipt, error) {
	if amount <= 0 {
		return nil, interfaces.ErrInvalidAmount
	}

	receipt, err := l.store.UpdateBalance(ctx, token, func(balance int64) (*interfaces.Transaction, error) {
		if amount > balance {
			return nil, interfaces.ErrInsufficientBalance
		}
		return l.transaction(token, interfaces.DebitTransaction, amount, balance-amount), nil
	})
	if err != nil {
		return nil, fmt.Errorf("debit failed: %w", err)
	}

	l.log.Debug("Debited token", "token", token, "amount", amount, "balance", receipt.Balance)
	return receipt, nil
}

func (l *Ledger) Charge(ctx context.Context, token string, amount int64) (*interfaces.Receipt, error) {
	if amount < 0 {
		return nil, interfaces.ErrInvalidAmount
	}

	receipt, err := l.store.UpdateBalance(ctx, token, func(balance int64) (*interfaces.Transaction, error) {
		charged := min(amount, balance)
		tx := l.transaction(token, interfaces.ChargeTransaction, charged, balance-charged)
		// A free charge never exhausts, even on an empty balance.
		tx.Exhausted = amount > 0 && tx.Balance == 0
		return tx, nil
	})
	if err != nil {
		return nil, fmt.Errorf("charge failed: %w", err)
	}

	if receipt.Amount < amount {
		l.log.Info("Charge clamped at available balance",
			"token", token, "requested", amount, "charged", receipt.Amount)
	}
	return receipt, nil
}

func (l *Ledger) Balance(ctx context.Context, token string) (int64, error) {
	return l.store.Balance(ctx, token)
}

func (l *Ledger) Transactions(ctx context.Context, token string, kind interfaces.TransactionKind) ([]interfaces.Transaction, error) {
	return l.store.Transactions(ctx, token, kind)
}

func (l *Ledger) transaction(token string, kind interfaces.TransactionKind, amount, balance int64) *interfaces.Transaction {
	return &interfaces.Transaction{
		ID:        uuid.NewString(),
		Token:     token,
		Kind:      kind,
		Amount:    amount,
		Balance:   balance,
		CreatedAt: l.now(),
	}
}
