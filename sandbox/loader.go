package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/contract-host/interfaces"
)

// ContractLoader fetches contract code from storage and verifies it against its hash.
type ContractLoader struct {
	backend  interfaces.StorageBackend
	cacheDir string
	log      *slog.Logger
}

// NewContractLoader creates a loader. cacheDir holds materialized code for runtimes
// that execute files; it is created if missing.
func NewContractLoader(backend interfaces.StorageBackend, cacheDir string, log *slog.Logger) (*ContractLoader, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create contract cache directory: %w", err)
	}

	return &ContractLoader{
		backend:  backend,
		cacheDir: cacheDir,
		log:      log,
	}, nil
}

// Load returns the code of a contract.
func (l *ContractLoader) Load(ctx context.Context, hash interfaces.ContractHash) ([]byte, error) {
	code, err := l.backend.Fetch(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch contract %s: %w", hash.Short(), err)
	}

	if actual := interfaces.ComputeID(code); !actual.Equal(hash) {
		return nil, fmt.Errorf("contract %s content hash mismatch: got %s", hash.Short(), actual.Short())
	}
	return code, nil
}

// Materialize writes the contract code to the cache directory and returns its path.
// Already materialized contracts are not fetched again.
func (l *ContractLoader) Materialize(ctx context.Context, hash interfaces.ContractHash) (string, error) {
	path := filepath.Join(l.cacheDir, hash.String())
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	code, err := l.Load(ctx, hash)
	if err != nil {
		return "", err
	}

	// Write under a temporary name so concurrent starts never see partial code
	tmp, err := os.CreateTemp(l.cacheDir, hash.String()+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create contract file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(code); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write contract file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write contract file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to install contract file: %w", err)
	}

	l.log.Debug("Materialized contract", "contract", hash.Short(), "path", path, "size", len(code))
	return path, nil
}
