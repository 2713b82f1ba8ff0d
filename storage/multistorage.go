package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// MultiStorageBackend mirrors records across several backends. Writes go to
// every available backend; reads return the highest record version found, so
// a mirror that missed a write cannot roll a record back.
type MultiStorageBackend struct {
	backends []interfaces.RecordBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new mirrored backend.
func NewMultiStorageBackend(backends []interfaces.RecordBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.PublicID) ([]byte, error) {
	start := time.Now()
	var (
		errs        []error
		best        []byte
		bestVersion uint64
		found       bool
		notFound    int
	)

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("id", string(id)))
			continue
		}

		data, err := backend.Fetch(ctx, id)
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			notFound++
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to fetch from backend",
				slog.String("backend_name", backend.Name()),
				slog.String("id", string(id)),
				"err", err)
			continue
		}

		version := envelopeVersion(data)
		if !found || version > bestVersion {
			best, bestVersion, found = data, version, true
		}
	}

	if found {
		m.log.Debug("Fetched record",
			slog.String("id", string(id)),
			slog.Uint64("version", bestVersion),
			slog.Duration("duration", time.Since(start)))
		return best, nil
	}
	if notFound > 0 && len(errs) == 0 {
		return nil, interfaces.ErrRecordNotFound
	}

	m.log.Error("All backends failed to fetch record",
		slog.String("id", string(id)),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("%w: all backends failed to fetch %s: %v", interfaces.ErrBackendUnavailable, id, errs)
}

// Store saves data to all available backends and succeeds if any accepted it.
func (m *MultiStorageBackend) Store(ctx context.Context, id interfaces.PublicID, data []byte) error {
	start := time.Now()
	var (
		errs    []error
		success bool
	)

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		if err := backend.Store(ctx, id, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				slog.String("id", string(id)),
				"err", err)
			continue
		}
		success = true
	}

	if !success {
		m.log.Error("All backends failed to store record",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("%w: all backends failed to store record: %v", interfaces.ErrBackendUnavailable, errs)
	}

	return nil
}

// Available checks if any backend is available
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

func envelopeVersion(data []byte) uint64 {
	var env struct {
		Version uint64 `json:"version"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return 0
	}
	return env.Version
}
