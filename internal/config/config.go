// Package config loads idcreds settings and the client catalog.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultStoragePath  = "data/credentials.db"
	DefaultClientsDir   = "clients"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultFetchTimeout = 10 * time.Second
)

// Config is the idcreds config file.
type Config struct {
	Log          Log          `yaml:"log"`
	Storage      Storage      `yaml:"storage"`
	Verification Verification `yaml:"verification"`
	ClientsDir   string       `yaml:"clients_dir"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type Storage struct {
	Path string `yaml:"path"`
	// EncryptionKey is base64, 32 bytes decoded. Empty stores plaintext.
	EncryptionKey string `yaml:"encryption_key"`
}

type Verification struct {
	// Leeway in seconds; nil keeps the verifier default.
	Leeway       *int          `yaml:"leeway"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	// CAFile adds a PEM bundle to the trusted roots for issuer requests.
	CAFile string `yaml:"ca_file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: Log{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Storage: Storage{
			Path: DefaultStoragePath,
		},
		Verification: Verification{
			FetchTimeout: DefaultFetchTimeout,
		},
		ClientsDir: DefaultClientsDir,
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config '%s': %w", path, err)
		}
	}

	// Override from env vars if present
	if level := os.Getenv("IDCREDS_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if storagePath := os.Getenv("IDCREDS_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if key := os.Getenv("IDCREDS_ENCRYPTION_KEY"); key != "" {
		cfg.Storage.EncryptionKey = key
	}
	if clientsDir := os.Getenv("IDCREDS_CLIENTS_DIR"); clientsDir != "" {
		cfg.ClientsDir = clientsDir
	}
	if caFile := os.Getenv("IDCREDS_CA_FILE"); caFile != "" {
		cfg.Verification.CAFile = caFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := c.Storage.Key(); err != nil {
		return err
	}
	if c.Verification.Leeway != nil && *c.Verification.Leeway < 0 {
		return fmt.Errorf("verification.leeway must not be negative")
	}
	if c.Verification.FetchTimeout < 0 || c.Verification.JWKSCacheTTL < 0 {
		return fmt.Errorf("verification durations must not be negative")
	}
	return nil
}

// Key decodes the encryption key; nil when none is configured.
func (s Storage) Key() ([]byte, error) {
	if s.EncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(s.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("storage.encryption_key is not base64: %v", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("storage.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// HTTPClient builds the client used for discovery, JWKS, and token
// requests.
func (v Verification) HTTPClient() (*http.Client, error) {
	timeout := v.FetchTimeout
	if timeout == 0 {
		timeout = DefaultFetchTimeout
	}
	client := &http.Client{Timeout: timeout}
	if v.CAFile == "" {
		return client, nil
	}

	pem, err := os.ReadFile(v.CAFile)
	if err != nil {
		return nil, fmt.Errorf("couldn't read ca_file: %w", err)
	}
	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca_file '%s' contains no certificates", v.CAFile)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{RootCAs: roots}
	client.Transport = transport
	return client, nil
}
