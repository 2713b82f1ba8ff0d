package factors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
)

// FileDeviceStorage keeps one device share file per key under dir, readable
// only by the current user.
type FileDeviceStorage struct {
	dir string
}

var _ interfaces.DeviceStorage = (*FileDeviceStorage)(nil)

func NewFileDeviceStorage(dir string) (*FileDeviceStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: failed to create device storage directory: %v", interfaces.ErrConfiguration, err)
	}
	return &FileDeviceStorage{dir: dir}, nil
}

func (s *FileDeviceStorage) path(id interfaces.PublicID) string {
	return filepath.Join(s.dir, strings.ReplaceAll(string(id), "/", "-")+".json")
}

func (s *FileDeviceStorage) Load(ctx context.Context, id interfaces.PublicID) (*interfaces.DeviceShare, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrFactorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device share: %w", err)
	}
	defer cryptoutils.WipeBytes(data)

	var share interfaces.DeviceShare
	if err := json.Unmarshal(data, &share); err != nil {
		return nil, fmt.Errorf("%w: device share file is malformed", interfaces.ErrCorruptShare)
	}
	return &share, nil
}

func (s *FileDeviceStorage) Save(ctx context.Context, share *interfaces.DeviceShare) error {
	data, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("failed to encode device share: %w", err)
	}
	defer cryptoutils.WipeBytes(data)

	tmp, err := os.CreateTemp(s.dir, ".device-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write device share: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close device share: %w", err)
	}
	return os.Rename(tmp.Name(), s.path(share.PublicID))
}

func (s *FileDeviceStorage) Delete(ctx context.Context, id interfaces.PublicID) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete device share: %w", err)
	}
	return nil
}

// MemoryDeviceStorage is a DeviceStorage for tests and ephemeral sessions.
type MemoryDeviceStorage struct {
	mu     sync.Mutex
	shares map[interfaces.PublicID]interfaces.DeviceShare
}

var _ interfaces.DeviceStorage = (*MemoryDeviceStorage)(nil)

func NewMemoryDeviceStorage() *MemoryDeviceStorage {
	return &MemoryDeviceStorage{shares: make(map[interfaces.PublicID]interfaces.DeviceShare)}
}

func (s *MemoryDeviceStorage) Load(ctx context.Context, id interfaces.PublicID) (*interfaces.DeviceShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	share, ok := s.shares[id]
	if !ok {
		return nil, interfaces.ErrFactorNotFound
	}
	share.Share = share.Share.Clone()
	return &share, nil
}

func (s *MemoryDeviceStorage) Save(ctx context.Context, share *interfaces.DeviceShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *share
	stored.Share = share.Share.Clone()
	s.shares[share.PublicID] = stored
	return nil
}

func (s *MemoryDeviceStorage) Delete(ctx context.Context, id interfaces.PublicID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shares, id)
	return nil
}
