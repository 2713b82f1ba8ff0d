package cryptoutils

import (
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/argon2"
)

// KDFParams are the argon2id cost parameters.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams matches argon2id's recommended interactive profile.
var DefaultKDFParams = KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}

// DeriveScalar stretches secret with argon2id and reduces the 64 byte output
// modulo the secp256k1 order, so the bias is negligible.
func DeriveScalar(secret, salt []byte, params KDFParams) *big.Int {
	out := argon2.IDKey(secret, salt, params.Time, params.MemoryKiB, params.Threads, 64)
	defer WipeBytes(out)

	k := new(big.Int).SetBytes(out)
	return k.Mod(k, crypto.S256().Params().N)
}

// PasswordSalt binds a password derivation to one record and one question.
func PasswordSalt(publicID, question string) []byte {
	return crypto.Keccak256([]byte("tkey-password:" + publicID + ":" + question))
}
