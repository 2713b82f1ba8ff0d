// Package config loads the client library configuration from the
// environment, optionally seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ruteri/threshold-key-manager/api/metadatahandler"
	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/factors"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/oracle"
)

// Prefix is prepended to every variable name.
const Prefix = "KEYKIT_"

// Config contains client configuration parameters.
type Config struct {
	Metadata Metadata `envPrefix:"METADATA_"`
	Oracle   Oracle   `envPrefix:"ORACLE_"`
	KDF      KDF      `envPrefix:"KDF_"`
	Device   Device   `envPrefix:"DEVICE_"`
	Chain    Chain    `envPrefix:"CHAIN_"`

	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	PasskeyVerifier string        `env:"PASSKEY_VERIFIER" envDefault:"passkey"`
}

// Metadata contains metadata service parameters.
type Metadata struct {
	URL     string `env:"URL" envDefault:"http://localhost:8080"`
	Retries int    `env:"RETRIES" envDefault:"3"`
}

// Oracle contains oracle network parameters.
type Oracle struct {
	// Directory is a YAML file path or dns://<zone>[?resolver=host:port].
	Directory      string        `env:"DIRECTORY" envDefault:"oracle-nodes.yaml"`
	Retries        int           `env:"RETRIES" envDefault:"2"`
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF" envDefault:"200ms"`
}

// KDF contains password factor KDF parameters.
type KDF struct {
	Time   uint32 `env:"TIME" envDefault:"1"`
	MemKiB uint32 `env:"MEM" envDefault:"65536"`
	Par    uint8  `env:"PAR" envDefault:"4"`
}

// Device contains local device share parameters.
type Device struct {
	Dir         string `env:"DIR" envDefault:".keykit"`
	Fingerprint string `env:"FINGERPRINT"`
}

// Chain selects what the reconstructed key is materialized for.
type Chain struct {
	Namespace string `env:"NAMESPACE" envDefault:"eip155"`
	ID        string `env:"ID" envDefault:"1"`
	RPCTarget string `env:"RPC_TARGET"`
}

// Load reads the given .env files, when present, and then parses the
// environment. Variables already set win over .env entries.
func Load(dotenvFiles ...string) (*Config, error) {
	var existing []string
	for _, f := range dotenvFiles {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("%w: failed to load %v: %v", interfaces.ErrConfiguration, existing, err)
		}
	}

	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", interfaces.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that could never work.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.Metadata.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid metadata url %q", c.Metadata.URL))
	}
	if c.Metadata.Retries < 0 || c.Oracle.Retries < 0 {
		errs = append(errs, errors.New("retry counts must not be negative"))
	}
	if c.Oracle.Directory == "" {
		errs = append(errs, errors.New("oracle directory is required"))
	}
	if c.KDF.Time == 0 || c.KDF.MemKiB < 8 || c.KDF.Par == 0 {
		errs = append(errs, errors.New("kdf parameters are too weak"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	switch c.Chain.Namespace {
	case interfaces.NamespaceEIP155, interfaces.NamespaceSolana, interfaces.NamespaceOther:
	default:
		errs = append(errs, fmt.Errorf("unsupported chain namespace %q", c.Chain.Namespace))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", interfaces.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

func (c *Config) KDFParams() cryptoutils.KDFParams {
	return cryptoutils.KDFParams{Time: c.KDF.Time, MemoryKiB: c.KDF.MemKiB, Threads: c.KDF.Par}
}

func (c *Config) ChainConfig() interfaces.ChainConfig {
	return interfaces.ChainConfig{Namespace: c.Chain.Namespace, ChainID: c.Chain.ID, RPCTarget: c.Chain.RPCTarget}
}

// NodeDirectory opens the configured oracle node directory.
func (c *Config) NodeDirectory(log *slog.Logger) (interfaces.NodeDirectory, error) {
	if strings.HasPrefix(c.Oracle.Directory, "dns://") {
		u, err := url.Parse(c.Oracle.Directory)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid dns directory %q", interfaces.ErrConfiguration, c.Oracle.Directory)
		}
		return oracle.NewDNSDirectory(u.Host, u.Query().Get("resolver"), c.RequestTimeout, log), nil
	}
	dir, err := oracle.LoadStaticDirectory(c.Oracle.Directory)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

// KeyOracle builds the oracle client.
func (c *Config) KeyOracle(log *slog.Logger) (*oracle.Client, error) {
	dir, err := c.NodeDirectory(log)
	if err != nil {
		return nil, err
	}
	return oracle.NewClient(oracle.ClientConfig{
		Directory:      dir,
		RequestTimeout: c.RequestTimeout,
		MaxRetries:     c.Oracle.Retries,
		InitialBackoff: c.Oracle.InitialBackoff,
		Log:            log,
	})
}

// MetadataTransport builds the HTTP metadata client.
func (c *Config) MetadataTransport(log *slog.Logger) *metadatahandler.Client {
	return metadatahandler.NewClient(c.Metadata.URL, c.Metadata.Retries, c.RequestTimeout, log)
}

// DeviceStorage opens the local device share directory.
func (c *Config) DeviceStorage() (*factors.FileDeviceStorage, error) {
	return factors.NewFileDeviceStorage(c.Device.Dir)
}

// DeviceFingerprint returns the configured fingerprint or the host default.
func (c *Config) DeviceFingerprint() string {
	if c.Device.Fingerprint != "" {
		return c.Device.Fingerprint
	}
	return factors.DefaultFingerprint()
}
