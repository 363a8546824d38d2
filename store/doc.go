/*
Package store implements the persistence layer of the contract host: uploaded
contract records, issued tokens, and the balance ledger.

Two implementations are provided:

  - MemoryStore keeps everything in process memory. It is used by tests and when
    the host runs without a database path.
  - SQLiteStore persists to a SQLite database through mattn/go-sqlite3.

Both satisfy interfaces.Store. Balance updates are applied through
UpdateBalance, which is the serialization point for concurrent credits, debits
and metering charges on the same token.
*/
package store
