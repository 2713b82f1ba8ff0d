package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// IsSecp256k1 reports whether the key is on secp256k1.
func IsSecp256k1(pub *ecdsa.PublicKey) bool {
	return pub.Curve != nil && pub.Curve.Params().N.Cmp(crypto.S256().Params().N) == 0
}

// PrivateKeyFromScalar builds a secp256k1 private key from a field element.
func PrivateKeyFromScalar(k *big.Int) (*ecdsa.PrivateKey, error) {
	if k == nil || k.Sign() <= 0 {
		return nil, errors.New("private scalar must be positive")
	}
	b := k.FillBytes(make([]byte, 32))
	defer WipeBytes(b)
	return crypto.ToECDSA(b)
}

// GenerateKey returns a random secp256k1 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// PublicKeyHex returns the compressed public key in hex.
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.CompressPubkey(pub))
}

// ParsePublicKeyHex decodes a compressed or uncompressed hex public key.
func ParsePublicKeyHex(s string) (*ecdsa.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex format: %w", err)
	}
	switch len(b) {
	case 33:
		return crypto.DecompressPubkey(b)
	case 65:
		return crypto.UnmarshalPubkey(b)
	default:
		return nil, fmt.Errorf("invalid public key length: %d", len(b))
	}
}

// PublicIDFromKey derives the metadata record id filed under a key.
func PublicIDFromKey(pub *ecdsa.PublicKey) interfaces.PublicID {
	return interfaces.PublicID(PublicKeyHex(pub))
}

// SignRecord produces a recoverable signature over keccak256(message).
func SignRecord(key *ecdsa.PrivateKey, message []byte) (string, error) {
	sig, err := crypto.Sign(crypto.Keccak256(message), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// RecoverSigner returns the public key that produced signature over message.
func RecoverSigner(message []byte, signature string) (*ecdsa.PublicKey, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature hex", interfaces.ErrAuthenticationFailed)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: invalid signature length %d", interfaces.ErrAuthenticationFailed, len(sig))
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(message), sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailed, err)
	}
	return pub, nil
}

// Keccak256Hex hashes the concatenation of data and returns it hex encoded.
func Keccak256Hex(data ...[]byte) string {
	return hex.EncodeToString(crypto.Keccak256(data...))
}

// EthereumAddress returns the checksummed address of a public key.
func EthereumAddress(pub *ecdsa.PublicKey) string {
	return crypto.PubkeyToAddress(*pub).Hex()
}

// Ed25519FromScalar converts a secp256k1 scalar into an ed25519 key by using
// its 32-byte big-endian encoding as the ed25519 seed.
func Ed25519FromScalar(k *big.Int) ed25519.PrivateKey {
	seed := k.FillBytes(make([]byte, ed25519.SeedSize))
	defer WipeBytes(seed)
	return ed25519.NewKeyFromSeed(seed)
}

// WipeBytes securely erases a byte slice by overwriting it with zeros.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WipePrivateKey zeroizes the scalar of an ECDSA private key.
func WipePrivateKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	words := key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	key.D.SetInt64(0)
}
