package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// MemoryBackend keeps records in process memory. It is meant for development
// servers and tests; nothing survives a restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	name    string
	records map[interfaces.PublicID][]byte
	log     *slog.Logger
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(name string, log *slog.Logger) *MemoryBackend {
	return &MemoryBackend{
		name:    name,
		records: make(map[interfaces.PublicID][]byte),
		log:     log,
	}
}

func (b *MemoryBackend) Fetch(ctx context.Context, id interfaces.PublicID) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.records[id]
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Store(ctx context.Context, id interfaces.PublicID, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records[id] = append([]byte(nil), data...)
	b.log.Debug("Stored record in memory", slog.String("id", string(id)), slog.Int("size", len(data)))
	return nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

func (b *MemoryBackend) Name() string {
	return fmt.Sprintf("memory-%s", b.name)
}

func (b *MemoryBackend) LocationURI() string {
	return fmt.Sprintf("memory://%s", b.name)
}
