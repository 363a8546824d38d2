package interfaces

import "context"

// BillingLedger mutates token balances. Implementations serialize concurrent
// operations per token; a balance is never negative after a successful operation.
type BillingLedger interface {
	// Credit adds amount to the balance.
	Credit(ctx context.Context, token string, amount int64) (*Receipt, error)

	// Debit removes amount from the balance, failing with ErrInsufficientBalance
	// if the balance does not cover it.
	Debit(ctx context.Context, token string, amount int64) (*Receipt, error)

	// Charge is the metering debit: it removes up to amount, clamping at the
	// available balance, and reports Exhausted when a non-zero charge leaves nothing.
	Charge(ctx context.Context, token string, amount int64) (*Receipt, error)

	// Balance returns the current balance.
	Balance(ctx context.Context, token string) (int64, error)

	// Transactions lists the token's transactions of one kind, oldest first.
	Transactions(ctx context.Context, token string, kind TransactionKind) ([]Transaction, error)
}

// TokenDirectory resolves tokens for routing.
type TokenDirectory interface {
	// Resolve returns the token's contract and balance, or ErrTokenNotFound.
	Resolve(ctx context.Context, token string) (*Resolution, error)
}

// MeteringBiller turns instance running time into ledger charges.
type MeteringBiller interface {
	// Track starts metering an instance that was just started for token.
	Track(token string, instance Instance)

	// ChargeToken bills the not yet billed running time of the token's instance
	// and stops metering it.
	ChargeToken(ctx context.Context, token string) (*Receipt, error)
}
