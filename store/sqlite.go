package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ruteri/contract-host/interfaces"
)

const schema = `
CREATE TABLE IF NOT EXISTS contracts (
	hash       TEXT PRIMARY KEY,
	size       INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
	token         TEXT PRIMARY KEY,
	contract_hash TEXT NOT NULL REFERENCES contracts(hash),
	balance       INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id         TEXT PRIMARY KEY,
	token      TEXT NOT NULL REFERENCES tokens(token),
	kind       TEXT NOT NULL,
	amount     INTEGER NOT NULL,
	balance    INTEGER NOT NULL,
	exhausted  INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS transactions_token_kind ON transactions(token, kind, created_at);
`

// SQLiteStore implements interfaces.Store on top of a SQLite database.
// All access goes through a single connection, which serializes writers.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and applies the schema.
func NewSQLiteStore(path string, log *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Debug("Opened SQLite store", slog.String("path", path))

	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) AddContract(ctx context.Context, contract interfaces.Contract) error {
	createdAt := contract.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO contracts (hash, size, created_at) VALUES (?, ?, ?)`,
		contract.Hash.String(), contract.Size, createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert contract: %w", err)
	}
	return nil
}

func (s *SQLiteStore) HasContract(ctx context.Context, hash interfaces.ContractHash) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contracts WHERE hash = ?`, hash.String()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query contract: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) InsertToken(ctx context.Context, record interfaces.TokenRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM contracts WHERE hash = ?`, record.ContractHash.String()).Scan(&count); err != nil {
		return fmt.Errorf("failed to query contract: %w", err)
	}
	if count == 0 {
		return interfaces.ErrUnknownContract
	}

	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens WHERE token = ?`, record.Token).Scan(&count); err != nil {
		return fmt.Errorf("failed to query token: %w", err)
	}
	if count > 0 {
		return interfaces.ErrTokenExists
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tokens (token, contract_hash, balance, created_at) VALUES (?, ?, 0, ?)`,
		record.Token, record.ContractHash.String(), createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetToken(ctx context.Context, token string) (*interfaces.TokenRecord, error) {
	var hashHex string
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT contract_hash, created_at FROM tokens WHERE token = ?`, token).Scan(&hashHex, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query token: %w", err)
	}

	hash, err := interfaces.NewContractHashFromHex(hashHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt contract hash for token: %w", err)
	}

	return &interfaces.TokenRecord{
		Token:        token,
		ContractHash: hash,
		CreatedAt:    time.Unix(0, createdAt),
	}, nil
}

func (s *SQLiteStore) Balance(ctx context.Context, token string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM tokens WHERE token = ?`, token).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, interfaces.ErrTokenNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return balance, nil
}

func (s *SQLiteStore) UpdateBalance(ctx context.Context, token string, fn interfaces.BalanceUpdate) (*interfaces.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM tokens WHERE token = ?`, token).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}

	record, err := fn(balance)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tokens SET balance = ? WHERE token = ?`, record.Balance, token); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (id, token, kind, amount, balance, exhausted, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, token, string(record.Kind), record.Amount, record.Balance, record.Exhausted, record.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit balance update: %w", err)
	}

	return record, nil
}

func (s *SQLiteStore) Transactions(ctx context.Context, token string, kind interfaces.TransactionKind) ([]interfaces.Transaction, error) {
	if _, err := s.GetToken(ctx, token); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, amount, balance, exhausted, created_at FROM transactions
		 WHERE token = ? AND kind = ? ORDER BY created_at, rowid`, token, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	result := []interfaces.Transaction{}
	for rows.Next() {
		var createdAt int64
		record := interfaces.Transaction{Token: token, Kind: kind}
		if err := rows.Scan(&record.ID, &record.Amount, &record.Balance, &record.Exhausted, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		record.CreatedAt = time.Unix(0, createdAt)
		result = append(result, record)
	}

	return result, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
