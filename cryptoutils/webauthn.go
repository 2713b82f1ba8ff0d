package cryptoutils

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// WebAuthn assertion constants.
const (
	ClientDataTypeGet    = "webauthn.get"
	ClientDataTypeCreate = "webauthn.create"
	FlagUserPresent      = 0x01
	FlagUserVerified     = 0x04

	// rpIdHash (32) || flags (1) || signCount (4)
	AuthenticatorDataMinLen = 37
)

// ClientData is the subset of collectedClientData that is checked.
type ClientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// RPIDHash is the SHA-256 of the relying party id, as it appears at the
// start of authenticator data.
func RPIDHash(rpID string) []byte {
	h := sha256.Sum256([]byte(rpID))
	return h[:]
}

// AssertionDigest is the message an ES256 assertion signature covers:
// SHA-256(authenticatorData || SHA-256(clientDataJSON)).
func AssertionDigest(authenticatorData, clientDataJSON []byte) []byte {
	cd := sha256.Sum256(clientDataJSON)
	h := sha256.New()
	h.Write(authenticatorData)
	h.Write(cd[:])
	return h.Sum(nil)
}

// EncodeChallenge renders a challenge the way clientDataJSON carries it.
func EncodeChallenge(challenge []byte) string {
	return base64.RawURLEncoding.EncodeToString(challenge)
}

// A login challenge is the issue time in unix seconds (8 bytes, big endian)
// followed by random bytes, so a verifier can bound its age without
// remembering it.
const (
	challengeTimeLen   = 8
	challengeRandomLen = 24
)

var ErrMalformedChallenge = errors.New("malformed challenge")

// NewChallenge draws a login challenge issued at now.
func NewChallenge(now time.Time) ([]byte, error) {
	challenge := make([]byte, challengeTimeLen+challengeRandomLen)
	binary.BigEndian.PutUint64(challenge, uint64(now.Unix()))
	if _, err := rand.Read(challenge[challengeTimeLen:]); err != nil {
		return nil, fmt.Errorf("failed to draw challenge: %w", err)
	}
	return challenge, nil
}

// ChallengeIssuedAt returns the issue time embedded by NewChallenge.
func ChallengeIssuedAt(challenge []byte) (time.Time, error) {
	if len(challenge) != challengeTimeLen+challengeRandomLen {
		return time.Time{}, fmt.Errorf("%w: %d bytes", ErrMalformedChallenge, len(challenge))
	}
	secs := binary.BigEndian.Uint64(challenge[:challengeTimeLen])
	if secs > 1<<62 {
		return time.Time{}, fmt.Errorf("%w: issue time out of range", ErrMalformedChallenge)
	}
	return time.Unix(int64(secs), 0), nil
}

// ParsePasskeyPublicKey decodes a PKIX DER encoded P-256 credential key.
func ParsePasskeyPublicKey(der []byte) (*ecdsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid credential public key: %v", interfaces.ErrAuthenticationFailed, err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: credential key is not ES256", interfaces.ErrAuthenticationFailed)
	}
	return pub, nil
}

// VerifyAssertion checks an ES256 assertion against the credential key for
// rpID. The client data origin must be one of origins, or https://<rpID>
// when none are given. It does not track challenge reuse; callers must.
func VerifyAssertion(credentialPublicKey []byte, a *interfaces.PasskeyAssertion, rpID string, origins ...string) error {
	pub, err := ParsePasskeyPublicKey(credentialPublicKey)
	if err != nil {
		return err
	}

	var cd ClientData
	if err := json.Unmarshal(a.ClientDataJSON, &cd); err != nil {
		return fmt.Errorf("%w: malformed client data", interfaces.ErrAuthenticationFailed)
	}
	if cd.Type != ClientDataTypeGet {
		return fmt.Errorf("%w: unexpected client data type %q", interfaces.ErrAuthenticationFailed, cd.Type)
	}
	if len(a.Challenge) == 0 || cd.Challenge != EncodeChallenge(a.Challenge) {
		return fmt.Errorf("%w: challenge mismatch", interfaces.ErrAuthenticationFailed)
	}
	if !originAllowed(cd.Origin, rpID, origins) {
		return fmt.Errorf("%w: unexpected origin %q", interfaces.ErrAuthenticationFailed, cd.Origin)
	}

	if len(a.AuthenticatorData) < AuthenticatorDataMinLen {
		return fmt.Errorf("%w: authenticator data too short", interfaces.ErrAuthenticationFailed)
	}
	if !bytes.Equal(a.AuthenticatorData[:32], RPIDHash(rpID)) {
		return fmt.Errorf("%w: relying party mismatch", interfaces.ErrAuthenticationFailed)
	}
	if a.AuthenticatorData[32]&FlagUserPresent == 0 {
		return fmt.Errorf("%w: user presence flag not set", interfaces.ErrAuthenticationFailed)
	}

	if !ecdsa.VerifyASN1(pub, AssertionDigest(a.AuthenticatorData, a.ClientDataJSON), a.Signature) {
		return fmt.Errorf("%w: assertion signature is invalid", interfaces.ErrAuthenticationFailed)
	}
	return nil
}

func originAllowed(origin, rpID string, origins []string) bool {
	if len(origins) == 0 {
		return origin == "https://"+rpID
	}
	return slices.Contains(origins, origin)
}
