// Package storage keeps contract code in content-addressed storage backends.
//
// Contract code is identified by the SHA-256 hash of its bytes. Every backend
// computes that hash on Store and looks code up by it on Fetch; the sandbox
// loader verifies fetched code against the hash before running it.
//
// # Storage URI Format
//
// Backends are configured with location URIs:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//
//   - file:///var/lib/contract-host/code
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=...&path_style=true
//   - ipfs://127.0.0.1:5001/contracts?timeout=30s (MFS path)
//   - vault://[TOKEN@]vault.example.com:8200/secret/contracts?tls=false (KV v2)
//
// # Redundancy
//
// StorageBackendFactory.CreateMultiBackend combines several URIs into a
// MultiStorageBackend, which writes to every available backend and reads from
// the first one that has the code:
//
//	factory := storage.NewStorageBackendFactory(logger)
//	backend, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{
//		"file:///var/lib/contract-host/code",
//		"s3://contracts?region=eu-west-1",
//	})
package storage
