package factors

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/sharing"
)

// DefaultPasskeyVerifier is the oracle verifier name passkey identities are
// registered under.
const DefaultPasskeyVerifier = "passkey"

// RecordReader reads auxiliary metadata records.
type RecordReader interface {
	GetEnvelope(ctx context.Context, id interfaces.PublicID) (*interfaces.RecordEnvelope, error)
}

// SessionBlob is the login state a passkey can restore on a device that
// has never seen the key.
type SessionBlob struct {
	PostboxKey   string              `json:"postboxKey"`
	PublicID     interfaces.PublicID `json:"publicId"`
	Generation   uint64              `json:"generation"`
	Share        interfaces.Share    `json:"share"`
	SessionToken string              `json:"sessionToken,omitempty"`
}

// Key returns the postbox key held in the blob.
func (b *SessionBlob) Key() (*ecdsa.PrivateKey, error) {
	k, err := interfaces.ParseScalar(b.PostboxKey)
	if err != nil {
		return nil, fmt.Errorf("%w: session blob key: %v", interfaces.ErrDecryptionFailed, err)
	}
	defer sharing.Wipe(k)
	return cryptoutils.PrivateKeyFromScalar(k)
}

// Wipe zeroizes the secrets held in the blob.
func (b *SessionBlob) Wipe() {
	if b == nil {
		return
	}
	b.PostboxKey = ""
	sharing.Wipe(b.Share.Value)
}

// PasskeyRecord is stored under PasskeyRecordID(credentialID). The
// ciphertext is the session blob encrypted to the oracle key of the
// passkey's verifier id.
type PasskeyRecord struct {
	CredentialID        []byte `json:"credentialId"`
	VerifierID          string `json:"verifierId"`
	CredentialPublicKey []byte `json:"credentialPublicKey"`
	Ciphertext          []byte `json:"ciphertext"`
}

type passkeyMaterial struct {
	CredentialID string              `json:"credentialId"`
	VerifierID   string              `json:"verifierId"`
	RecordID     interfaces.PublicID `json:"recordId"`
}

// PasskeyRecordID is the record id a credential's session blob lives under.
func PasskeyRecordID(credentialID []byte) interfaces.PublicID {
	return interfaces.PublicID(interfaces.PasskeyRecordPrefix + cryptoutils.Keccak256Hex(credentialID))
}

// PasskeyVerifierID binds an oracle identity to a credential public key.
func PasskeyVerifierID(credentialPublicKey []byte) string {
	return cryptoutils.Keccak256Hex(credentialPublicKey)
}

// PasskeyModule holds a share inside a session blob that only a passkey
// assertion can unlock. The oracle network keeps a key per credential and
// releases it only for a valid assertion; the blob is encrypted to that key.
type PasskeyModule struct {
	authn    interfaces.Authenticator
	oracle   interfaces.KeyOracle
	records  RecordReader
	verifier string
}

func NewPasskeyModule(authn interfaces.Authenticator, oracle interfaces.KeyOracle, records RecordReader, verifier string) *PasskeyModule {
	if verifier == "" {
		verifier = DefaultPasskeyVerifier
	}
	return &PasskeyModule{authn: authn, oracle: oracle, records: records, verifier: verifier}
}

func (m *PasskeyModule) Kind() interfaces.FactorKind { return interfaces.FactorPasskey }

// Produce registers a new credential and seals the session into its blob.
func (m *PasskeyModule) Produce(ctx context.Context, env *Env, share interfaces.Share, payload Payload) (*Enrollment, error) {
	if err := checkPayload(interfaces.FactorPasskey, payload); err != nil {
		return nil, err
	}
	if env.PostboxKey == nil {
		return nil, fmt.Errorf("%w: passkey registration needs the postbox key", interfaces.ErrConfiguration)
	}

	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}
	cred, err := m.authn.Register(ctx, interfaces.RegistrationOptions{
		UserID:    string(env.PublicID),
		UserName:  payload.(PasskeyPayload).UserName,
		Challenge: challenge,
	})
	if err != nil {
		return nil, err
	}

	verifierID := PasskeyVerifierID(cred.PublicKey)
	rec, err := m.seal(ctx, env, share, cred.ID, verifierID, cred.PublicKey)
	if err != nil {
		return nil, err
	}

	recordID := PasskeyRecordID(cred.ID)
	material, err := json.Marshal(passkeyMaterial{
		CredentialID: hex.EncodeToString(cred.ID),
		VerifierID:   verifierID,
		RecordID:     recordID,
	})
	if err != nil {
		return nil, err
	}

	return &Enrollment{
		Description: describe(interfaces.FactorPasskey, map[string]string{
			interfaces.DescriptionCredential: hex.EncodeToString(cred.ID),
			"userName":                       payload.(PasskeyPayload).UserName,
		}),
		Material:   material,
		AuxRecords: []AuxRecord{{ID: recordID, Signer: env.PostboxKey, Payload: rec}},
	}, nil
}

func (m *PasskeyModule) seal(ctx context.Context, env *Env, share interfaces.Share, credID []byte, verifierID string, credPub []byte) (*PasskeyRecord, error) {
	target, err := m.oracle.GetPublicKey(ctx, m.verifier, verifierID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch passkey oracle key: %w", err)
	}

	plain, err := json.Marshal(SessionBlob{
		PostboxKey:   interfaces.ScalarHex(env.PostboxKey.D),
		PublicID:     env.PublicID,
		Generation:   env.Generation,
		Share:        share,
		SessionToken: env.SessionToken,
	})
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(plain)

	ct, err := cryptoutils.EncryptForPublicKey(target, plain)
	if err != nil {
		return nil, err
	}
	return &PasskeyRecord{
		CredentialID:        credID,
		VerifierID:          verifierID,
		CredentialPublicKey: credPub,
		Ciphertext:          ct,
	}, nil
}

func (m *PasskeyModule) Describe(desc interfaces.ShareDescription) string {
	if name := desc.Data["userName"]; name != "" {
		return fmt.Sprintf("passkey (%s)", name)
	}
	return "passkey"
}

// Login runs an assertion ceremony and opens the session blob it unlocks.
// With no allowed credentials the authenticator picks one itself.
func (m *PasskeyModule) Login(ctx context.Context, allow ...[]byte) (*SessionBlob, error) {
	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}
	assertion, err := m.authn.Authenticate(ctx, interfaces.AssertionOptions{Challenge: challenge, AllowCredentials: allow})
	if err != nil {
		return nil, err
	}

	rec, _, err := m.readRecord(ctx, assertion.CredentialID)
	if err != nil {
		return nil, err
	}
	if len(rec.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: passkey was revoked", interfaces.ErrFactorNotFound)
	}

	result, err := m.oracle.RetrieveShares(ctx,
		interfaces.VerifierParams{Verifier: m.verifier, VerifierID: rec.VerifierID},
		interfaces.IdentityProof{Passkey: &interfaces.PasskeyProof{
			Assertion:           *assertion,
			CredentialPublicKey: rec.CredentialPublicKey,
		}})
	if err != nil {
		return nil, err
	}
	defer sharing.Wipe(result.Key)

	key, err := cryptoutils.PrivateKeyFromScalar(result.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryptionFailed, err)
	}
	defer cryptoutils.WipePrivateKey(key)

	plain, err := cryptoutils.DecryptWithPrivateKey(key, rec.Ciphertext)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(plain)

	var blob SessionBlob
	if err := json.Unmarshal(plain, &blob); err != nil {
		return nil, fmt.Errorf("%w: session blob is malformed", interfaces.ErrDecryptionFailed)
	}
	return &blob, nil
}

func (m *PasskeyModule) readRecord(ctx context.Context, credID []byte) (*PasskeyRecord, interfaces.PublicID, error) {
	id := PasskeyRecordID(credID)
	env, err := m.records.GetEnvelope(ctx, id)
	if err != nil {
		return nil, id, fmt.Errorf("failed to read passkey record: %w", err)
	}
	var rec PasskeyRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return nil, id, fmt.Errorf("%w: passkey record is malformed", interfaces.ErrCorruptShare)
	}
	return &rec, id, nil
}

// Recover unlocks the blob with the credential enrolled at this index.
func (m *PasskeyModule) Recover(ctx context.Context, env *Env, index *big.Int, desc interfaces.ShareDescription, material json.RawMessage, payload Payload) (interfaces.Share, error) {
	stored, credID, err := parsePasskeyMaterial(material)
	if err != nil {
		return interfaces.Share{}, err
	}
	blob, err := m.Login(ctx, credID)
	if err != nil {
		return interfaces.Share{}, err
	}
	defer blob.Wipe()

	if blob.PublicID != env.PublicID {
		return interfaces.Share{}, fmt.Errorf("%w: passkey %s belongs to another key", interfaces.ErrCorruptShare, stored.CredentialID)
	}
	if blob.Generation != env.Generation {
		return interfaces.Share{}, fmt.Errorf("%w: passkey blob holds generation %d, key is at %d",
			interfaces.ErrStaleGeneration, blob.Generation, env.Generation)
	}
	return blob.Share.Clone(), nil
}

// Reissue reseals the blob with the refreshed share. No ceremony is needed:
// the blob is encrypted to the oracle's public key.
func (m *PasskeyModule) Reissue(ctx context.Context, env *Env, old, next interfaces.Share, desc interfaces.ShareDescription, material json.RawMessage) (*Enrollment, error) {
	stored, credID, err := parsePasskeyMaterial(material)
	if err != nil {
		return nil, err
	}
	prev, _, err := m.readRecord(ctx, credID)
	if err != nil {
		return nil, err
	}
	rec, err := m.seal(ctx, env, next, credID, stored.VerifierID, prev.CredentialPublicKey)
	if err != nil {
		return nil, err
	}
	return &Enrollment{
		Description: desc,
		Material:    material,
		AuxRecords:  []AuxRecord{{ID: stored.RecordID, Signer: env.PostboxKey, Payload: rec}},
	}, nil
}

// Revoke empties the credential's session blob so the passkey no longer
// restores the session.
func (m *PasskeyModule) Revoke(ctx context.Context, env *Env, desc interfaces.ShareDescription, material json.RawMessage) ([]AuxRecord, error) {
	stored, credID, err := parsePasskeyMaterial(material)
	if err != nil {
		return nil, err
	}
	prev, _, err := m.readRecord(ctx, credID)
	if err != nil {
		return nil, err
	}
	return []AuxRecord{{
		ID:     stored.RecordID,
		Signer: env.PostboxKey,
		Payload: &PasskeyRecord{
			CredentialID:        credID,
			VerifierID:          stored.VerifierID,
			CredentialPublicKey: prev.CredentialPublicKey,
		},
	}}, nil
}

func parsePasskeyMaterial(material json.RawMessage) (*passkeyMaterial, []byte, error) {
	var stored passkeyMaterial
	if err := json.Unmarshal(material, &stored); err != nil {
		return nil, nil, fmt.Errorf("%w: passkey material is malformed", interfaces.ErrCorruptShare)
	}
	credID, err := hex.DecodeString(stored.CredentialID)
	if err != nil || len(credID) == 0 {
		return nil, nil, fmt.Errorf("%w: passkey credential id is malformed", interfaces.ErrCorruptShare)
	}
	return &stored, credID, nil
}

func newChallenge() ([]byte, error) {
	return cryptoutils.NewChallenge(time.Now())
}
