package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// FileBackend implements a record backend using the local file system.
// Each record is one file under baseDir/records.
type FileBackend struct {
	baseDir     string
	recordsDir  string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file record backend using the specified base directory.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	recordsDir := filepath.Join(baseDir, "records")
	if err := os.MkdirAll(recordsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create records directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		recordsDir:  recordsDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads the record file for id. Returns ErrRecordNotFound if it doesn't exist.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.PublicID) ([]byte, error) {
	filePath := b.getFilePath(id)

	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched record from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes the record through a temporary file and a rename, so readers
// never observe a partially written record.
func (b *FileBackend) Store(ctx context.Context, id interfaces.PublicID, data []byte) error {
	filePath := b.getFilePath(id)

	tmp, err := os.CreateTemp(b.recordsDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to move record into place: %w", err)
	}

	b.log.Debug("Stored record in file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return nil
}

// Available checks if the file backend is accessible by verifying the records directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.recordsDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) getFilePath(id interfaces.PublicID) string {
	return filepath.Join(b.recordsDir, objectName(id))
}

// objectName flattens namespaced ids into a single path segment.
func objectName(id interfaces.PublicID) string {
	return strings.ReplaceAll(string(id), "/", "-")
}
