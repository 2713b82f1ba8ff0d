package interfaces

import (
	"context"
	"errors"
	"fmt"
)

// Error classes. Low-level packages wrap these with fmt.Errorf("...: %w") so
// callers can branch with errors.Is without knowing the concrete failure.
var (
	ErrConfiguration        = errors.New("configuration error")
	ErrInsufficientShares   = errors.New("insufficient shares")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNetwork              = errors.New("network error")
	ErrCorruptShare         = errors.New("corrupt share")
	ErrDecryptionFailed     = errors.New("decryption failed")
	ErrUserCancelled        = errors.New("user cancelled")
	ErrKeyNotFound          = errors.New("key not found")
)

// Refinements of the classes above.
var (
	ErrInvalidShare       = fmt.Errorf("%w: share does not match committed polynomial", ErrCorruptShare)
	ErrQuorumNotReached   = fmt.Errorf("%w: oracle quorum not reached", ErrNetwork)
	ErrOracleUnreachable  = fmt.Errorf("%w: no oracle node reachable", ErrNetwork)
	ErrBackendUnavailable = fmt.Errorf("%w: storage backend unavailable", ErrNetwork)
	ErrWrongPassword      = fmt.Errorf("%w: password does not reproduce share", ErrDecryptionFailed)
)

// Metadata store conditions.
var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrInvalidRecordID   = errors.New("invalid record id")
	ErrVersionConflict   = errors.New("record version conflict")
	ErrUnauthorizedWrite = fmt.Errorf("%w: signer does not own record", ErrAuthenticationFailed)
	ErrDirtyState        = errors.New("pending metadata changes failed to commit")
)

// Key manager conditions.
var (
	ErrNotReconstructed = fmt.Errorf("%w: key is not reconstructed", ErrInsufficientShares)
	ErrNotInitialized   = errors.New("key manager is not initialized")
	ErrShareNotFound    = errors.New("share index not found")
	ErrStaleGeneration  = fmt.Errorf("%w: share belongs to a superseded generation", ErrCorruptShare)
	ErrFactorNotFound   = errors.New("factor not available")
)

// ErrorKind is the coarse classification of a failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfiguration
	KindInsufficientShares
	KindAuthenticationFailed
	KindNetwork
	KindCorruptShare
	KindUserCancelled
	KindKeyNotFound
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindInsufficientShares:
		return "insufficient-shares"
	case KindAuthenticationFailed:
		return "authentication-failed"
	case KindNetwork:
		return "network"
	case KindCorruptShare:
		return "corrupt-share"
	case KindUserCancelled:
		return "user-cancelled"
	case KindKeyNotFound:
		return "key-not-found"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Context cancellation counts as a user cancellation.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrUserCancelled), errors.Is(err, context.Canceled):
		return KindUserCancelled
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrInsufficientShares):
		return KindInsufficientShares
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuthenticationFailed
	case errors.Is(err, ErrCorruptShare), errors.Is(err, ErrDecryptionFailed):
		return KindCorruptShare
	case errors.Is(err, ErrKeyNotFound):
		return KindKeyNotFound
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrDirtyState):
		return KindConflict
	case errors.Is(err, ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// Retryable reports whether an operation that failed with err may be retried
// automatically. Only transient network failures qualify.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork && !errors.Is(err, ErrQuorumNotReached)
}
