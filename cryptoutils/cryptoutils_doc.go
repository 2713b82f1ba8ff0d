// Package cryptoutils provides the cryptographic primitives shared by the key
// manager, its factor modules and the oracle network.
//
// All keys live on secp256k1. The package wraps go-ethereum's curve helpers
// and ECIES implementation:
//
//   - EncryptForPublicKey / DecryptWithPrivateKey: ECIES (ECDH, concatenation
//     KDF, AES-128-CTR with HMAC-SHA-256) over secp256k1
//   - DeriveScalar: argon2id stretching of a low-entropy secret into a field element
//   - SignRecord / RecoverSigner: recoverable signatures authorizing metadata writes
//   - PublicIDFromKey: the record identifier of a key (compressed public key hex)
//   - Ed25519FromScalar: curve conversion for chains that need ed25519 keys
//
// # Encryption Format
//
// Ciphertexts are the go-ethereum ECIES wire format:
//
//	[ephemeral public key (65 bytes)][iv (16 bytes)][ciphertext][hmac (32 bytes)]
//
// Decryption failures of any kind are reported as interfaces.ErrDecryptionFailed.
package cryptoutils
