package oracle

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
)

// NodeFile is the on-disk configuration of a reference node:
//
//	index: 1
//	threshold: 2
//	seed: 9f86d081...   # shared by every node of the network
//	nodeKey: 4c0883a6... # secp256k1 scalar, unique per node
//	challengeTTL: 5m
//	verifiers:
//	  - {name: google, type: jwt, secret: s3cr3t, userType: v2}
//	  - {name: passkey, type: passkey, rpId: wallet.example, origins: [https://wallet.example], userType: v2}
type NodeFile struct {
	Index        int              `yaml:"index"`
	Threshold    int              `yaml:"threshold"`
	Seed         string           `yaml:"seed"`
	NodeKey      string           `yaml:"nodeKey"`
	ChallengeTTL time.Duration    `yaml:"challengeTTL"`
	Verifiers    []VerifierConfig `yaml:"verifiers"`
}

// LoadNodeFile reads and decodes a node file.
func LoadNodeFile(path string) (*NodeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read node config: %v", interfaces.ErrConfiguration, err)
	}
	var f NodeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: invalid node config: %v", interfaces.ErrConfiguration, err)
	}
	return &f, nil
}

// NodeConfig decodes the key material of f.
func (f *NodeFile) NodeConfig() (NodeConfig, error) {
	seed, err := hex.DecodeString(f.Seed)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("%w: seed is not hex: %v", interfaces.ErrConfiguration, err)
	}
	dealer, err := NewDealer(seed, f.Threshold)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("%w: %v", interfaces.ErrConfiguration, err)
	}

	scalar, ok := new(big.Int).SetString(f.NodeKey, 16)
	if !ok {
		return NodeConfig{}, fmt.Errorf("%w: node key is not hex", interfaces.ErrConfiguration)
	}
	key, err := cryptoutils.PrivateKeyFromScalar(scalar)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("%w: invalid node key: %v", interfaces.ErrConfiguration, err)
	}

	return NodeConfig{
		Index:        f.Index,
		Dealer:       dealer,
		NodeKey:      key,
		Verifiers:    f.Verifiers,
		ChallengeTTL: f.ChallengeTTL,
	}, nil
}
