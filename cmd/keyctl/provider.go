package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// addressOnly materializes nothing but the account address, so keyctl never
// keeps a copy of the key past login.
type addressOnly struct{}

type addressHandle struct {
	chain   interfaces.ChainConfig
	address string
}

func (h *addressHandle) Chain() interfaces.ChainConfig { return h.chain }
func (h *addressHandle) Address() string               { return h.address }

func (addressOnly) MaterializeProvider(ctx context.Context, rawKey []byte, chain interfaces.ChainConfig) (interfaces.ProviderHandle, error) {
	switch chain.Namespace {
	case interfaces.NamespaceSolana:
		if len(rawKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("unexpected ed25519 key length %d", len(rawKey))
		}
		pub := ed25519.PrivateKey(rawKey).Public().(ed25519.PublicKey)
		return &addressHandle{chain: chain, address: hex.EncodeToString(pub)}, nil
	default:
		key, err := crypto.ToECDSA(rawKey)
		if err != nil {
			return nil, err
		}
		return &addressHandle{chain: chain, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}, nil
	}
}
