package oracle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

const nodeFileYAML = `
index: 2
threshold: 2
seed: 000102030405060708090a0b0c0d0e0f
nodeKey: 4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318
challengeTTL: 90s
verifiers:
  - {name: google, type: jwt, secret: s3cr3t, issuer: "https://accounts.example", userType: v2}
  - {name: passkey, type: passkey, rpId: wallet.example, origins: ["https://wallet.example"], userType: v2}
`

func writeNodeFile(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadNodeFile(t *testing.T) {
	f, err := LoadNodeFile(writeNodeFile(t, nodeFileYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, f.Index)
	assert.Equal(t, 90*time.Second, f.ChallengeTTL)
	require.Len(t, f.Verifiers, 2)
	assert.Equal(t, VerifierPasskey, f.Verifiers[1].Type)
	assert.Equal(t, []string{"https://wallet.example"}, f.Verifiers[1].Origins)

	cfg, err := f.NodeConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Dealer.Threshold())

	node, err := NewNode(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, node.Index())
}

func TestLoadNodeFile_Invalid(t *testing.T) {
	_, err := LoadNodeFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)

	_, err = LoadNodeFile(writeNodeFile(t, "index: [1"))
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)

	cases := map[string]NodeFile{
		"seed not hex":   {Index: 1, Threshold: 1, Seed: "zz", NodeKey: "01"},
		"short seed":     {Index: 1, Threshold: 1, Seed: "0001", NodeKey: "01"},
		"zero threshold": {Index: 1, Threshold: 0, Seed: "000102030405060708090a0b0c0d0e0f", NodeKey: "01"},
		"bad node key":   {Index: 1, Threshold: 1, Seed: "000102030405060708090a0b0c0d0e0f", NodeKey: "xyz"},
		"zero node key":  {Index: 1, Threshold: 1, Seed: "000102030405060708090a0b0c0d0e0f", NodeKey: "00"},
	}
	for name, f := range cases {
		_, err := f.NodeConfig()
		assert.ErrorIs(t, err, interfaces.ErrConfiguration, name)
	}
}
