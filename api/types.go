package api

import (
	"strings"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// SetBatchRequest is the body of POST /api/metadata/batch.
type SetBatchRequest struct {
	Writes []interfaces.SetRequest `json:"writes"`
}

// ProofType selects how a share request proves the caller's identity.
type ProofType string

const (
	ProofIDToken ProofType = "id_token"
	ProofPasskey ProofType = "passkey"
)

// ShareRequest is the body of POST /api/oracle/shares.
type ShareRequest struct {
	interfaces.VerifierParams

	Type    ProofType                `json:"type"`
	IDToken string                   `json:"idToken,omitempty"`
	Passkey *interfaces.PasskeyProof `json:"passkey,omitempty"`

	// SessionPublicKey is the compressed secp256k1 key the node encrypts
	// its share to.
	SessionPublicKey string `json:"sessionPublicKey"`
}

// ShareResponse carries one node's share of a verifier-scoped key.
type ShareResponse struct {
	// Index is the node's share index, hex encoded.
	Index string `json:"index"`

	// EncryptedShare is the ECIES ciphertext of the share value under
	// the request's session key, hex encoded.
	EncryptedShare string `json:"encryptedShare"`

	// PublicKey is the compressed public key of the combined key the
	// share belongs to, as the node reports it.
	PublicKey string `json:"publicKey"`

	// Nonce is set for v2 users and is added to the combined key.
	Nonce    string              `json:"nonce,omitempty"`
	UserType interfaces.UserType `json:"userType"`

	// Signature is the node key's recoverable signature over SigningMessage.
	Signature string `json:"signature"`
}

// SigningMessage binds a response to the identity it answers and to the
// session key the share was encrypted to.
func (r *ShareResponse) SigningMessage(params interfaces.VerifierParams, sessionPublicKey string) []byte {
	return []byte(strings.Join([]string{
		"tkey-oracle-share",
		params.Verifier,
		params.VerifierID,
		r.Index,
		r.EncryptedShare,
		r.PublicKey,
		r.Nonce,
		string(r.UserType),
		sessionPublicKey,
	}, ":"))
}

// PublicKeyResponse is returned by GET /api/oracle/keys/{verifier}/{verifierId}.
type PublicKeyResponse struct {
	PublicKey string              `json:"publicKey"`
	UserType  interfaces.UserType `json:"userType"`
	Nonce     string              `json:"nonce,omitempty"`
}
