package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/contract-host/interfaces"
)

// MultiStorageBackend writes contract code to every available backend and
// reads it from the first backend that has it.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch fails with ErrContentNotFound only if every reachable backend reported
// the content missing.
func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	start := time.Now()
	var errs []error
	onlyNotFound := true

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("contract", id.Short()))
			onlyNotFound = false
			continue
		}

		data, err := backend.Fetch(ctx, id)
		if err == nil {
			m.log.Debug("Fetched contract",
				slog.String("backend_name", backend.Name()),
				slog.String("contract", id.Short()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if !errors.Is(err, interfaces.ErrContentNotFound) {
			onlyNotFound = false
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("contract", id.Short()),
			"err", err)
	}

	if len(errs) > 0 && onlyNotFound {
		return nil, interfaces.ErrContentNotFound
	}

	m.log.Error("All backends failed to fetch contract",
		slog.String("contract", id.Short()),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("%w: all backends failed to fetch %s: %w", interfaces.ErrBackendUnavailable, id.Short(), errors.Join(errs...))
}

// Store succeeds if at least one backend stored the code.
func (m *MultiStorageBackend) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)
	stored := 0
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		backendID, err := backend.Store(ctx, data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}

		if !backendID.Equal(id) {
			m.log.Warn("Inconsistent hashes from backends",
				slog.String("backend_name", backend.Name()),
				slog.String("expected_id", id.String()),
				slog.String("actual_id", backendID.String()))
		}
		stored++
	}

	if stored == 0 {
		m.log.Error("All backends failed to store contract",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return id, fmt.Errorf("%w: all backends failed to store contract: %w", interfaces.ErrBackendUnavailable, errors.Join(errs...))
	}

	m.log.Info("Stored contract",
		slog.String("contract", id.String()),
		slog.Int("backends", stored),
		slog.Duration("duration", time.Since(start)))

	return id, nil
}

func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
