package interfaces

import (
	"context"
	"crypto/ecdsa"
)

// MetadataTransport carries record reads and batched signed writes to the
// metadata service, over HTTP or in process.
type MetadataTransport interface {
	Get(ctx context.Context, id PublicID) (*RecordEnvelope, error)
	SetBatch(ctx context.Context, writes []SetRequest) error
}

// NodeDirectory resolves which oracle nodes serve a verifier.
type NodeDirectory interface {
	GetNodeDetails(ctx context.Context, verifier, verifierID string) (*NodeDetails, error)
}

// Authenticator runs WebAuthn ceremonies. Implementations return an error
// wrapping ErrUserCancelled when the user aborts.
type Authenticator interface {
	Register(ctx context.Context, opts RegistrationOptions) (*PasskeyCredential, error)
	Authenticate(ctx context.Context, opts AssertionOptions) (*PasskeyAssertion, error)
}

// DeviceShare is a share persisted in durable local device storage.
type DeviceShare struct {
	PublicID    PublicID `json:"publicId"`
	Generation  uint64   `json:"generation"`
	Share       Share    `json:"share"`
	Fingerprint string   `json:"fingerprint"`
}

// DeviceStorage persists device shares. Retrieval never touches the network.
type DeviceStorage interface {
	Load(ctx context.Context, id PublicID) (*DeviceShare, error)
	Save(ctx context.Context, share *DeviceShare) error
	Delete(ctx context.Context, id PublicID) error
}

// ProviderHandle is whatever a chain-specific provider factory hands back.
type ProviderHandle interface {
	Chain() ChainConfig
	Address() string
}

// ProviderFactory turns raw key bytes into a chain provider. Implementations
// must copy rawKey if they need it past the call; the caller wipes it.
type ProviderFactory interface {
	MaterializeProvider(ctx context.Context, rawKey []byte, chain ChainConfig) (ProviderHandle, error)
}

// PasskeyProof is a WebAuthn assertion together with the credential public
// key it should verify under. Oracle nodes bind the key to the verifier id.
type PasskeyProof struct {
	Assertion           PasskeyAssertion `json:"assertion"`
	CredentialPublicKey []byte           `json:"credentialPublicKey"`
}

// IdentityProof is what a caller presents to the oracle network. Exactly one
// of the fields is set.
type IdentityProof struct {
	IDToken string
	Passkey *PasskeyProof
}

// KeyOracle is the client side of the oracle network.
type KeyOracle interface {
	// RetrieveShares collects a quorum of node shares for the identity and
	// returns the combined key with any nonce already applied.
	RetrieveShares(ctx context.Context, params VerifierParams, proof IdentityProof) (*KeyResult, error)

	// GetPublicKey returns the public key the network holds for the
	// identity, with any nonce already applied.
	GetPublicKey(ctx context.Context, verifier, verifierID string) (*ecdsa.PublicKey, error)
}
