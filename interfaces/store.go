package interfaces

import "context"

// ContractStore records which contracts have been uploaded.
type ContractStore interface {
	AddContract(ctx context.Context, contract Contract) error
	HasContract(ctx context.Context, hash ContractHash) (bool, error)
}

// TokenStore persists issued tokens.
type TokenStore interface {
	// InsertToken fails with ErrTokenExists if the token string is taken and with
	// ErrUnknownContract if the contract was never added.
	InsertToken(ctx context.Context, record TokenRecord) error

	// GetToken fails with ErrTokenNotFound.
	GetToken(ctx context.Context, token string) (*TokenRecord, error)
}

// BalanceUpdate computes the transaction to apply given the current balance.
// Returning an error aborts the update without persisting anything.
type BalanceUpdate func(balance int64) (*Transaction, error)

// LedgerStore persists balances and their transactions.
type LedgerStore interface {
	Balance(ctx context.Context, token string) (int64, error)

	// UpdateBalance atomically reads the balance, applies fn, and stores the returned
	// transaction together with its resulting balance. Updates for the same token
	// never interleave.
	UpdateBalance(ctx context.Context, token string, fn BalanceUpdate) (*Transaction, error)

	Transactions(ctx context.Context, token string, kind TransactionKind) ([]Transaction, error)
}

// Store is the full persistence layer of the host.
type Store interface {
	ContractStore
	TokenStore
	LedgerStore
	Close() error
}
