package factors

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
)

// SoftwareAuthenticator is an ES256 platform authenticator held in memory.
// It produces the same assertion format as a hardware authenticator and is
// used by the CLI and by tests. Sharing one instance between two clients
// models a synced passkey.
type SoftwareAuthenticator struct {
	rpID string

	// Confirm runs before every ceremony. Returning an error aborts the
	// ceremony as if the user dismissed the prompt.
	Confirm func(ctx context.Context) error

	mu        sync.Mutex
	creds     map[string]*ecdsa.PrivateKey
	latest    string
	signCount uint32
}

func NewSoftwareAuthenticator(rpID string) *SoftwareAuthenticator {
	return &SoftwareAuthenticator{rpID: rpID, creds: make(map[string]*ecdsa.PrivateKey)}
}

func (a *SoftwareAuthenticator) confirm(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrUserCancelled, err)
	}
	if a.Confirm != nil {
		if err := a.Confirm(ctx); err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrUserCancelled, err)
		}
	}
	return nil
}

func (a *SoftwareAuthenticator) Register(ctx context.Context, opts interfaces.RegistrationOptions) (*interfaces.PasskeyCredential, error) {
	if err := a.confirm(ctx); err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate credential key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential key: %w", err)
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.creds[hex.EncodeToString(id)] = key
	a.latest = hex.EncodeToString(id)
	a.mu.Unlock()

	return &interfaces.PasskeyCredential{ID: id, PublicKey: der}, nil
}

// Authenticate signs the challenge with the first allowed credential it
// holds, or with the most recent one when no credentials are listed.
func (a *SoftwareAuthenticator) Authenticate(ctx context.Context, opts interfaces.AssertionOptions) (*interfaces.PasskeyAssertion, error) {
	if err := a.confirm(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	credID := ""
	if len(opts.AllowCredentials) == 0 {
		credID = a.latest
	}
	for _, allowed := range opts.AllowCredentials {
		if _, ok := a.creds[hex.EncodeToString(allowed)]; ok {
			credID = hex.EncodeToString(allowed)
			break
		}
	}
	key, ok := a.creds[credID]
	a.signCount++
	count := a.signCount
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no matching passkey on this authenticator", interfaces.ErrFactorNotFound)
	}

	clientData, err := json.Marshal(cryptoutils.ClientData{
		Type:      cryptoutils.ClientDataTypeGet,
		Challenge: cryptoutils.EncodeChallenge(opts.Challenge),
		Origin:    "https://" + a.rpID,
	})
	if err != nil {
		return nil, err
	}
	authData := make([]byte, cryptoutils.AuthenticatorDataMinLen)
	copy(authData, cryptoutils.RPIDHash(a.rpID))
	authData[32] = cryptoutils.FlagUserPresent | cryptoutils.FlagUserVerified
	binary.BigEndian.PutUint32(authData[33:], count)

	sig, err := ecdsa.SignASN1(rand.Reader, key, cryptoutils.AssertionDigest(authData, clientData))
	if err != nil {
		return nil, fmt.Errorf("failed to sign assertion: %w", err)
	}

	credBytes, _ := hex.DecodeString(credID)
	return &interfaces.PasskeyAssertion{
		CredentialID:      credBytes,
		Challenge:         append([]byte(nil), opts.Challenge...),
		AuthenticatorData: authData,
		ClientDataJSON:    clientData,
		Signature:         sig,
	}, nil
}
