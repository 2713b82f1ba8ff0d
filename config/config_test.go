package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/oracle"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.Metadata.URL)
	assert.Equal(t, 3, cfg.Metadata.Retries)
	assert.Equal(t, "oracle-nodes.yaml", cfg.Oracle.Directory)
	assert.Equal(t, 2, cfg.Oracle.Retries)
	assert.Equal(t, 200*time.Millisecond, cfg.Oracle.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "passkey", cfg.PasskeyVerifier)
	assert.Equal(t, interfaces.NamespaceEIP155, cfg.Chain.Namespace)
	assert.Equal(t, uint32(65536), cfg.KDFParams().MemoryKiB)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected func(*Config)
	}{
		{
			name: "metadata override",
			envVars: map[string]string{
				"KEYKIT_METADATA_URL":     "https://metadata.example:8443",
				"KEYKIT_METADATA_RETRIES": "0",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, "https://metadata.example:8443", cfg.Metadata.URL)
				assert.Equal(t, 0, cfg.Metadata.Retries)
			},
		},
		{
			name: "oracle override",
			envVars: map[string]string{
				"KEYKIT_ORACLE_DIRECTORY":       "dns://nodes.example?resolver=10.0.0.1:53",
				"KEYKIT_ORACLE_INITIAL_BACKOFF": "1s",
				"KEYKIT_REQUEST_TIMEOUT":        "3s",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, "dns://nodes.example?resolver=10.0.0.1:53", cfg.Oracle.Directory)
				assert.Equal(t, time.Second, cfg.Oracle.InitialBackoff)
				assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
			},
		},
		{
			name: "kdf override",
			envVars: map[string]string{
				"KEYKIT_KDF_TIME": "3",
				"KEYKIT_KDF_MEM":  "128000",
				"KEYKIT_KDF_PAR":  "2",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, uint32(3), cfg.KDF.Time)
				assert.Equal(t, uint32(128000), cfg.KDF.MemKiB)
				assert.Equal(t, uint8(2), cfg.KDFParams().Threads)
			},
		},
		{
			name: "chain override",
			envVars: map[string]string{
				"KEYKIT_CHAIN_NAMESPACE": "solana",
				"KEYKIT_CHAIN_ID":        "mainnet",
			},
			expected: func(cfg *Config) {
				chain := cfg.ChainConfig()
				assert.Equal(t, interfaces.NamespaceSolana, chain.Namespace)
				assert.Equal(t, "mainnet", chain.ChainID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}
			cfg, err := Load()
			require.NoError(t, err)
			tt.expected(cfg)
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
	}{
		{"bad url", map[string]string{"KEYKIT_METADATA_URL": "not a url"}},
		{"bad namespace", map[string]string{"KEYKIT_CHAIN_NAMESPACE": "cosmos"}},
		{"weak kdf", map[string]string{"KEYKIT_KDF_TIME": "0"}},
		{"unparsable duration", map[string]string{"KEYKIT_REQUEST_TIMEOUT": "soon"}},
		{"negative retries", map[string]string{"KEYKIT_ORACLE_RETRIES": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}
			_, err := Load()
			assert.ErrorIs(t, err, interfaces.ErrConfiguration)
		})
	}
}

func TestLoad_DotenvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("KEYKIT_DEVICE_FINGERPRINT=laptop\nKEYKIT_METADATA_RETRIES=5\n"), 0600))

	// Real environment wins over the file.
	t.Setenv("KEYKIT_METADATA_RETRIES", "1")
	t.Cleanup(func() { os.Unsetenv("KEYKIT_DEVICE_FINGERPRINT") })

	cfg, err := Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "laptop", cfg.DeviceFingerprint())
	assert.Equal(t, 1, cfg.Metadata.Retries)
}

func TestNodeDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default:
  endpoints: ["http://a", "http://b"]
  publicKeys: ["02aa", "02bb"]
  threshold: 2
`), 0600))

	t.Setenv("KEYKIT_ORACLE_DIRECTORY", path)
	cfg, err := Load()
	require.NoError(t, err)
	d, err := cfg.NodeDirectory(nil)
	require.NoError(t, err)
	assert.IsType(t, &oracle.StaticDirectory{}, d)

	cfg.Oracle.Directory = "dns://nodes.example"
	d, err = cfg.NodeDirectory(nil)
	require.NoError(t, err)
	assert.IsType(t, &oracle.DNSDirectory{}, d)

	cfg.Oracle.Directory = filepath.Join(dir, "absent.yaml")
	_, err = cfg.NodeDirectory(nil)
	assert.Error(t, err)
}
