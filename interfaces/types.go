package interfaces

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ScalarHex renders a field element as a fixed-width 64 character hex string.
func ScalarHex(x *big.Int) string {
	return fmt.Sprintf("%064x", x)
}

// ParseScalar parses a hex encoded field element. A 0x prefix is accepted.
func ParseScalar(s string) (*big.Int, error) {
	clean := strings.TrimPrefix(s, "0x")
	if clean == "" || len(clean) > 64 {
		return nil, fmt.Errorf("invalid scalar length: %d", len(clean))
	}
	x, ok := new(big.Int).SetString(clean, 16)
	if !ok {
		return nil, errors.New("invalid hex format")
	}
	return x, nil
}

// IndexKey is the canonical map key for a share index.
func IndexKey(index *big.Int) string {
	return index.Text(16)
}

// Share is one evaluation point (index, value) of a sharing polynomial.
type Share struct {
	Index *big.Int
	Value *big.Int
}

type shareJSON struct {
	Index string `json:"index"`
	Value string `json:"value"`
}

func (s Share) MarshalJSON() ([]byte, error) {
	if s.Index == nil || s.Value == nil {
		return nil, errors.New("share is not populated")
	}
	return json.Marshal(shareJSON{Index: IndexKey(s.Index), Value: ScalarHex(s.Value)})
}

func (s *Share) UnmarshalJSON(data []byte) error {
	var raw shareJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	index, err := ParseScalar(raw.Index)
	if err != nil {
		return fmt.Errorf("invalid share index: %w", err)
	}
	value, err := ParseScalar(raw.Value)
	if err != nil {
		return fmt.Errorf("invalid share value: %w", err)
	}
	s.Index, s.Value = index, value
	return nil
}

// Key returns the share's index key.
func (s Share) Key() string {
	return IndexKey(s.Index)
}

// Equal reports whether both shares carry the same index and value.
func (s Share) Equal(other Share) bool {
	if s.Index == nil || other.Index == nil || s.Value == nil || other.Value == nil {
		return false
	}
	return s.Index.Cmp(other.Index) == 0 && s.Value.Cmp(other.Value) == 0
}

// Clone returns a deep copy so callers can wipe their own copy independently.
func (s Share) Clone() Share {
	return Share{Index: new(big.Int).Set(s.Index), Value: new(big.Int).Set(s.Value)}
}

// FactorKind enumerates the ways a share can be held.
type FactorKind int

const (
	FactorDevice FactorKind = iota + 1
	FactorPassword
	FactorMnemonic
	FactorPasskey
	FactorSocial
	FactorOracle
)

var factorKindNames = map[FactorKind]string{
	FactorDevice:   "device",
	FactorPassword: "password",
	FactorMnemonic: "mnemonic",
	FactorPasskey:  "passkey",
	FactorSocial:   "social",
	FactorOracle:   "oracle",
}

func (k FactorKind) String() string {
	if name, ok := factorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("factor(%d)", int(k))
}

// ParseFactorKind maps a module name back to its kind.
func ParseFactorKind(name string) (FactorKind, error) {
	for kind, n := range factorKindNames {
		if n == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown factor kind %q", name)
}

func (k FactorKind) MarshalText() ([]byte, error) {
	if _, ok := factorKindNames[k]; !ok {
		return nil, fmt.Errorf("unknown factor kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *FactorKind) UnmarshalText(text []byte) error {
	kind, err := ParseFactorKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ShareDescription is human-readable metadata about how and where a share is held.
type ShareDescription struct {
	Module FactorKind        `json:"module"`
	Data   map[string]string `json:"data,omitempty"`
	Date   time.Time         `json:"date"`
}

// Description data keys shared by several modules.
const (
	DescriptionStale       = "stale"
	DescriptionFingerprint = "fingerprint"
	DescriptionQuestion    = "question"
	DescriptionCredential  = "credentialId"
)

// KeyDetails summarizes the reachability of one logical key.
type KeyDetails struct {
	PublicKey         string                      `json:"publicKey,omitempty"`
	Generation        uint64                      `json:"generation"`
	Threshold         int                         `json:"threshold"`
	TotalShares       int                         `json:"totalShares"`
	RequiredShares    int                         `json:"requiredShares"`
	ShareDescriptions map[string]ShareDescription `json:"shareDescriptions"`
}

// AvailableKinds lists the distinct factor kinds enrolled for the key, in enum order.
func (d KeyDetails) AvailableKinds() []FactorKind {
	seen := make(map[FactorKind]bool)
	for _, desc := range d.ShareDescriptions {
		seen[desc.Module] = true
	}
	var kinds []FactorKind
	for kind := FactorDevice; kind <= FactorOracle; kind++ {
		if seen[kind] {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// TombstoneMessage marks a record that was explicitly reset.
const TombstoneMessage = "KEY_NOT_FOUND"

// MetadataRecord is the persisted state of one logical key.
type MetadataRecord struct {
	// Message is set to TombstoneMessage on reset accounts.
	Message string `json:"message,omitempty"`

	// Generation identifies the current sharing polynomial. It is bumped on
	// every refresh and every reset and never decreases.
	Generation uint64 `json:"generation"`

	Threshold   int      `json:"threshold,omitempty"`
	NextIndex   uint64   `json:"nextIndex,omitempty"`
	Commitments []string `json:"commitments,omitempty"`

	Descriptions map[string]ShareDescription `json:"descriptions,omitempty"`
	Material     map[string]json.RawMessage  `json:"material,omitempty"`
}

// IsTombstone reports whether the record marks a reset account.
func (r *MetadataRecord) IsTombstone() bool {
	return r != nil && r.Message == TombstoneMessage
}

// Tombstone returns the reset marker that replaces r. It keeps r's
// generation; the key created after a reset takes the next one.
func (r *MetadataRecord) Tombstone() *MetadataRecord {
	return &MetadataRecord{Message: TombstoneMessage, Generation: r.Generation}
}

// Clone returns a deep copy of the record.
func (r *MetadataRecord) Clone() *MetadataRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Commitments = append([]string(nil), r.Commitments...)
	if r.Descriptions != nil {
		out.Descriptions = make(map[string]ShareDescription, len(r.Descriptions))
		for k, v := range r.Descriptions {
			data := make(map[string]string, len(v.Data))
			for dk, dv := range v.Data {
				data[dk] = dv
			}
			v.Data = data
			out.Descriptions[k] = v
		}
	}
	if r.Material != nil {
		out.Material = make(map[string]json.RawMessage, len(r.Material))
		for k, v := range r.Material {
			out.Material[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

// Indices returns the index keys of all live shares.
func (r *MetadataRecord) Indices() []string {
	keys := make([]string, 0, len(r.Descriptions))
	for k := range r.Descriptions {
		keys = append(keys, k)
	}
	return keys
}

// PublicID identifies a metadata record. Plain ids are the hex encoded
// compressed public key of the owning key; namespaced ids carry a prefix.
type PublicID string

// PasskeyRecordPrefix namespaces passkey session blob records.
const PasskeyRecordPrefix = "passkey/"

func (id PublicID) String() string {
	return string(id)
}

// Namespaced reports whether the id is outside the plain key namespace.
func (id PublicID) Namespaced() bool {
	return strings.Contains(string(id), "/")
}

// Validate checks the id is either a compressed public key or a known namespace.
func (id PublicID) Validate() error {
	s := string(id)
	if rest, ok := strings.CutPrefix(s, PasskeyRecordPrefix); ok {
		if b, err := hex.DecodeString(rest); err != nil || len(b) != 32 {
			return fmt.Errorf("%w: malformed passkey record id", ErrInvalidRecordID)
		}
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 33 {
		return fmt.Errorf("%w: expected compressed public key hex", ErrInvalidRecordID)
	}
	return nil
}

// RecordEnvelope is the stored form of a record: payload plus ownership and version.
type RecordEnvelope struct {
	ID        PublicID        `json:"id"`
	Version   uint64          `json:"version"`
	Owner     string          `json:"owner"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SetRequest is one signed record write. ExpectedVersion is 0 for a record
// that must not exist yet.
type SetRequest struct {
	ID              PublicID        `json:"id"`
	ExpectedVersion uint64          `json:"expectedVersion"`
	Payload         json.RawMessage `json:"payload"`
	Signature       string          `json:"signature"`
}

// SigningMessage is the byte string covered by the write signature.
func (r *SetRequest) SigningMessage() []byte {
	prefix := fmt.Sprintf("tkey-metadata:%s:%d:", r.ID, r.ExpectedVersion)
	return append([]byte(prefix), r.Payload...)
}

// LookupStatus is the three-way outcome of a metadata read.
type LookupStatus int

const (
	RecordNotFound LookupStatus = iota
	RecordFound
	RecordTombstoned
)

func (s LookupStatus) String() string {
	switch s {
	case RecordFound:
		return "found"
	case RecordTombstoned:
		return "tombstoned"
	default:
		return "not-found"
	}
}

// Lookup is the result of reading a key's metadata record.
type Lookup struct {
	Status  LookupStatus
	Version uint64
	Record  *MetadataRecord
}

// ChainConfig selects the curve and chain a materialized key is meant for.
type ChainConfig struct {
	Namespace string `json:"namespace"`
	ChainID   string `json:"chainId"`
	RPCTarget string `json:"rpcTarget,omitempty"`
}

// Chain namespaces with distinct key derivations.
const (
	NamespaceEIP155 = "eip155"
	NamespaceSolana = "solana"
	NamespaceOther  = "other"
)

// UserType distinguishes legacy single-factor identities from upgraded ones.
type UserType string

const (
	UserTypeV1 UserType = "v1"
	UserTypeV2 UserType = "v2"
)

// VerifierParams names the identity a proof is issued for.
type VerifierParams struct {
	Verifier   string `json:"verifier"`
	VerifierID string `json:"verifierId"`
}

// NodeDetails describes the oracle nodes serving a verifier.
type NodeDetails struct {
	Endpoints  []string `json:"endpoints" yaml:"endpoints"`
	PublicKeys []string `json:"publicKeys" yaml:"publicKeys"`
	Threshold  int      `json:"threshold" yaml:"threshold"`
}

// KeyResult is the combined outcome of an oracle share retrieval.
type KeyResult struct {
	Key       *big.Int
	Nonce     *big.Int
	UserType  UserType
	PublicKey string
}

// PasskeyCredential is the outcome of a WebAuthn registration ceremony.
type PasskeyCredential struct {
	ID        []byte `json:"id"`
	PublicKey []byte `json:"publicKey"`
}

// PasskeyAssertion is the outcome of a WebAuthn authentication ceremony.
type PasskeyAssertion struct {
	CredentialID      []byte `json:"credentialId"`
	Challenge         []byte `json:"challenge"`
	AuthenticatorData []byte `json:"authenticatorData"`
	ClientDataJSON    []byte `json:"clientDataJSON"`
	Signature         []byte `json:"signature"`
}

// RegistrationOptions are passed to the authenticator when creating a credential.
type RegistrationOptions struct {
	UserID    string
	UserName  string
	Challenge []byte
}

// AssertionOptions are passed to the authenticator when requesting an assertion.
type AssertionOptions struct {
	Challenge        []byte
	AllowCredentials [][]byte
}
