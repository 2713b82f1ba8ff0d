package interfaces

import (
	"context"
	"errors"
)

// StorageBackendLocation is a URI identifying a record backend, for example
// file:///var/lib/tkey or s3://bucket/prefix?region=us-east-1.
type StorageBackendLocation string

var ErrInvalidLocationURI = errors.New("invalid location URI")

// RecordBackend stores opaque record envelopes keyed by record id.
//
// Implementations do not interpret the stored bytes; ownership checks and
// version arithmetic happen in the metadata service above them.
type RecordBackend interface {
	// Fetch returns the stored bytes for id, or ErrRecordNotFound.
	Fetch(ctx context.Context, id PublicID) ([]byte, error)

	// Store writes data for id, replacing any previous value.
	Store(ctx context.Context, id PublicID, data []byte) error

	// Available reports whether the backend can currently serve requests.
	Available(ctx context.Context) bool

	// Name is a short identifier used in logs.
	Name() string

	// LocationURI returns the URI the backend was created from.
	LocationURI() string
}

// CompareAndSwapBackend is implemented by backends that can enforce record
// versions natively. The metadata service prefers it over its own locking.
type CompareAndSwapBackend interface {
	RecordBackend

	// StoreIfVersion writes data only if the currently stored version equals
	// expected (0 meaning absent). It returns ErrVersionConflict otherwise.
	StoreIfVersion(ctx context.Context, id PublicID, data []byte, expected, next uint64) error
}

// RecordBackendFactory creates backends from location URIs.
type RecordBackendFactory interface {
	BackendFor(location StorageBackendLocation) (RecordBackend, error)
}
