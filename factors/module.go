package factors

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/sharing"
)

// Env is the key context a module works in.
type Env struct {
	PublicID    interfaces.PublicID
	Generation  uint64
	Commitments sharing.Commitments

	// PostboxKey signs auxiliary records and decrypts the oracle share.
	PostboxKey *ecdsa.PrivateKey

	// SessionToken is carried inside passkey session blobs so a passkey
	// login can resume the session it was registered from.
	SessionToken string
}

// Enrollment is what a module hands back when it takes custody of a share.
type Enrollment struct {
	Description interfaces.ShareDescription

	// Material is stored in the key record under the share's index. Nil
	// when the module keeps nothing remotely.
	Material json.RawMessage

	// Export is shown to the user once, e.g. a mnemonic phrase.
	Export []string

	// AuxRecords are staged next to the key record in the same flush.
	AuxRecords []AuxRecord

	// Commit runs after the metadata flush succeeded. Modules use it for
	// local side effects such as writing the device share.
	Commit func(ctx context.Context) error
}

// AuxRecord is an additional record written in the key's flush.
type AuxRecord struct {
	ID      interfaces.PublicID
	Signer  *ecdsa.PrivateKey
	Payload any
}

// Module is the capability every factor implements.
type Module interface {
	Kind() interfaces.FactorKind

	// Produce takes custody of share using the user's payload.
	Produce(ctx context.Context, env *Env, share interfaces.Share, payload Payload) (*Enrollment, error)

	// Describe renders a stored description for display.
	Describe(desc interfaces.ShareDescription) string

	// Recover turns user input and stored material back into the share at
	// index. A module that cannot produce the share returns ErrFactorNotFound.
	Recover(ctx context.Context, env *Env, index *big.Int, desc interfaces.ShareDescription, material json.RawMessage, payload Payload) (interfaces.Share, error)

	// Reissue moves custody from old to next after a refresh. Both shares
	// carry the same index.
	Reissue(ctx context.Context, env *Env, old, next interfaces.Share, desc interfaces.ShareDescription, material json.RawMessage) (*Enrollment, error)
}

// Payload is the host-supplied input for one factor kind.
type Payload interface {
	Kind() interfaces.FactorKind
}

type DevicePayload struct{}

type PasswordPayload struct {
	Question string
	Answer   string
}

type MnemonicPayload struct {
	Phrase string
}

type SocialPayload struct {
	// Guardians and Threshold configure a new split.
	Guardians int
	Threshold int

	// Parts are the guardians' parts when recovering.
	Parts []string
}

type PasskeyPayload struct {
	UserName string
}

type OraclePayload struct{}

func (DevicePayload) Kind() interfaces.FactorKind   { return interfaces.FactorDevice }
func (PasswordPayload) Kind() interfaces.FactorKind { return interfaces.FactorPassword }
func (MnemonicPayload) Kind() interfaces.FactorKind { return interfaces.FactorMnemonic }
func (SocialPayload) Kind() interfaces.FactorKind   { return interfaces.FactorSocial }
func (PasskeyPayload) Kind() interfaces.FactorKind  { return interfaces.FactorPasskey }
func (OraclePayload) Kind() interfaces.FactorKind   { return interfaces.FactorOracle }

// Registry resolves modules by kind.
type Registry map[interfaces.FactorKind]Module

// NewRegistry builds a registry from modules, rejecting duplicates.
func NewRegistry(modules ...Module) (Registry, error) {
	r := make(Registry, len(modules))
	for _, m := range modules {
		if _, ok := r[m.Kind()]; ok {
			return nil, fmt.Errorf("%w: duplicate module for %s", interfaces.ErrConfiguration, m.Kind())
		}
		r[m.Kind()] = m
	}
	return r, nil
}

// Module returns the module for kind or ErrFactorNotFound.
func (r Registry) Module(kind interfaces.FactorKind) (Module, error) {
	m, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no %s module configured", interfaces.ErrFactorNotFound, kind)
	}
	return m, nil
}

func checkPayload(kind interfaces.FactorKind, payload Payload) error {
	if payload == nil || payload.Kind() != kind {
		return fmt.Errorf("%w: %s module needs a %s payload", interfaces.ErrConfiguration, kind, kind)
	}
	return nil
}

func describe(kind interfaces.FactorKind, data map[string]string) interfaces.ShareDescription {
	return interfaces.ShareDescription{Module: kind, Data: data, Date: time.Now().UTC()}
}

// staleDescription marks a description whose offline material no longer
// matches the current generation.
func staleDescription(desc interfaces.ShareDescription) interfaces.ShareDescription {
	data := make(map[string]string, len(desc.Data)+1)
	for k, v := range desc.Data {
		data[k] = v
	}
	data[interfaces.DescriptionStale] = "true"
	desc.Data = data
	return desc
}

// Revoker is implemented by modules whose material outlives the share's
// description, such as auxiliary records. Revoke returns the writes that
// disable it.
type Revoker interface {
	Revoke(ctx context.Context, env *Env, desc interfaces.ShareDescription, material json.RawMessage) ([]AuxRecord, error)
}
