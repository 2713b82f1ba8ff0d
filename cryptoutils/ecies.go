package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto/ecies"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// ErrEmptyPlaintext is returned for empty input, which ECIES cannot round-trip.
var ErrEmptyPlaintext = errors.New("cannot encrypt empty plaintext")

// EncryptForPublicKey encrypts data to a secp256k1 public key using ECIES.
// A fresh ephemeral key is generated for each encryption operation.
func EncryptForPublicKey(publicKey *ecdsa.PublicKey, data []byte) ([]byte, error) {
	if publicKey == nil || !IsSecp256k1(publicKey) {
		return nil, errors.New("encryption key must be a secp256k1 public key")
	}
	if len(data) == 0 {
		return nil, ErrEmptyPlaintext
	}
	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(publicKey), data, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct, nil
}

// DecryptWithPrivateKey reverses EncryptForPublicKey. A wrong key or a
// tampered ciphertext yields ErrDecryptionFailed.
func DecryptWithPrivateKey(privateKey *ecdsa.PrivateKey, encryptedData []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("%w: no key", interfaces.ErrDecryptionFailed)
	}
	pt, err := ecies.ImportECDSA(privateKey).Decrypt(encryptedData, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryptionFailed, err)
	}
	return pt, nil
}
