package orchestrator

import (
	"fmt"
	"math/big"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
)

// DeriveKey turns the reconstructed secp256k1 scalar into the raw key bytes
// a chain expects. EVM chains take the 32-byte scalar; Solana takes the
// 64-byte ed25519 private key seeded by it. The caller wipes the result.
func DeriveKey(secret *big.Int, chain interfaces.ChainConfig) ([]byte, error) {
	switch chain.Namespace {
	case interfaces.NamespaceEIP155, interfaces.NamespaceOther:
		return secret.FillBytes(make([]byte, 32)), nil
	case interfaces.NamespaceSolana:
		return cryptoutils.Ed25519FromScalar(secret), nil
	default:
		return nil, fmt.Errorf("%w: unsupported chain namespace %q", interfaces.ErrConfiguration, chain.Namespace)
	}
}
