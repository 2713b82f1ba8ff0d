package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// Code is the host-facing outcome of a failed operation.
type Code int

const (
	// RequiresAdditionalFactor means the key is not reconstructed yet. The
	// session stays open and the host should ask for one of Available.
	RequiresAdditionalFactor Code = iota + 1
	LoginFailed
	Cancelled
)

func (c Code) String() string {
	switch c {
	case RequiresAdditionalFactor:
		return "requires-additional-factor"
	case LoginFailed:
		return "login-failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// HostError is the only error type the orchestrator returns. Kind keeps the
// underlying classification for hosts that want more detail.
type HostError struct {
	Code Code
	Kind interfaces.ErrorKind

	// Set for RequiresAdditionalFactor.
	SessionID      string
	Available      []interfaces.FactorKind
	RequiredShares int

	Err error
}

func (e *HostError) Error() string {
	switch e.Code {
	case RequiresAdditionalFactor:
		kinds := make([]string, len(e.Available))
		for i, k := range e.Available {
			kinds[i] = k.String()
		}
		return fmt.Sprintf("%d more share(s) required, available factors: %s", e.RequiredShares, strings.Join(kinds, ", "))
	case Cancelled:
		return "cancelled by user"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Kind, e.Err)
	}
	return e.Code.String()
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// IsCode reports whether err is a HostError with the given code.
func IsCode(err error, code Code) bool {
	var he *HostError
	return errors.As(err, &he) && he.Code == code
}

// translate maps internal errors onto the host vocabulary.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var he *HostError
	if errors.As(err, &he) {
		return he
	}
	kind := interfaces.KindOf(err)
	if kind == interfaces.KindUserCancelled {
		return &HostError{Code: Cancelled, Kind: kind, Err: err}
	}
	return &HostError{Code: LoginFailed, Kind: kind, Err: err}
}

func requiresFactor(sessionID string, details *interfaces.KeyDetails) error {
	return &HostError{
		Code:           RequiresAdditionalFactor,
		Kind:           interfaces.KindInsufficientShares,
		SessionID:      sessionID,
		Available:      details.AvailableKinds(),
		RequiredShares: details.RequiredShares,
		Err:            interfaces.ErrInsufficientShares,
	}
}
