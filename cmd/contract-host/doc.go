// Package main (cmd/contract-host) runs the contract host.
//
// One public TLS listener serves both tenants and operators. A connection whose
// SNI starts with a 16 character token is attached to the sandboxed instance of
// the token's contract, starting one if none is running. Every other connection
// is bridged to the management API, which listens on a loopback address.
//
// The host wires together:
//
//   - a SQLite store (or an in-memory one when --db-path is empty) for contracts,
//     tokens and balances
//   - contract code storage across file://, s3://, ipfs:// and vault:// backends
//   - the process or wasm sandbox runtime
//   - metering that charges running time against token balances and kills
//     instances whose balance runs out
//
// Settings come from defaults, an optional YAML file given by --config, and flags,
// with explicitly set flags taking precedence.
//
// The host shuts down gracefully on SIGINT/SIGTERM: it stops accepting connections,
// kills running instances so their time is charged, then stops the management API.
//
// Example usage:
//
//	contract-host --listen-addr=0.0.0.0:8443 \
//	    --tls-cert=wildcard.pem --tls-key=wildcard-key.pem \
//	    --storage=file:///var/lib/contract-host \
//	    --sandbox=process --sandbox-command=node \
//	    --starting-balance=1000
package main
