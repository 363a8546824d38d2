// Package interfaces defines the collaborator contracts and shared types of the
// contract host, separating interface definitions from implementations.
//
// # Routing Interfaces
//
// TokenDirectory: resolves a token string to the contract it is bound to and the
// token's current balance.
//
// SandboxRuntime and Instance: start an isolated contract program and observe its
// lifecycle. An Instance advertises virtual-port listeners and exits exactly once.
//
// # Billing Interfaces
//
// BillingLedger: credits, debits and metering charges against a token's balance.
//
// MeteringBiller: converts an instance's running time into ledger charges.
//
// # Persistence Interfaces
//
// ContractStore, TokenStore and LedgerStore: durable records of uploaded contracts,
// issued tokens and balance transactions.
//
// StorageBackend: content-addressed storage for contract code across multiple backend
// types (file, S3, IPFS, Vault).
//
// # Errors
//
// The package exports the sentinel errors used across the host. Callers wrap them
// with fmt.Errorf("...: %w") and test them with errors.Is.
package interfaces
