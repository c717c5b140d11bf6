// Package config loads the signing tool configuration from YAML, with
// environment-variable overrides for deployment settings.
package config

import (
	"errors"
	"fmt"
	"os"

	env "github.com/Netflix/go-env"
	"gopkg.in/yaml.v3"

	"github.com/sealpdf/sealpdf/sign/digest"
	"github.com/sealpdf/sealpdf/sign/kms"
)

// Common errors.
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
)

// Key provider names accepted in the keys section.
const (
	ProviderPemDer = "pemder"
	ProviderPKCS12 = "pkcs12"
	ProviderAWSKMS = "awskms"
	ProviderPKCS11 = "pkcs11"
)

// ConfigError reports a configuration problem with field context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a ConfigError for a field.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func requiredField(field string) *ConfigError {
	return &ConfigError{Field: field, Message: "required field is missing", Err: ErrMissingRequiredField}
}

// Config is the root configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Signing SigningConfig `yaml:"signing"`
	Keys    KeysConfig    `yaml:"keys"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"SEALPDF_LOG_LEVEL"`

	// Format is "text" for the tint console handler or "json".
	Format string `yaml:"format" env:"SEALPDF_LOG_FORMAT"`
}

// Validate checks the logging section.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return NewConfigError("logging.level", fmt.Sprintf("unknown level %q", c.Level))
	}
	switch c.Format {
	case "", "text", "json":
	default:
		return NewConfigError("logging.format", fmt.Sprintf("unknown format %q", c.Format))
	}
	return nil
}

// SigningConfig carries the signing defaults.
type SigningConfig struct {
	// Algorithm is the signing algorithm family, e.g. "rsa-sha256".
	Algorithm string `yaml:"algorithm" env:"SEALPDF_SIGNING_ALGORITHM"`

	// ReservedBytes is the /Contents placeholder capacity.
	ReservedBytes int `yaml:"reserved-bytes" env:"SEALPDF_RESERVED_BYTES"`

	// ValidityDays bounds self-signed certificate validity.
	ValidityDays int `yaml:"validity-days"`

	// Default signer metadata, overridable per invocation.
	Name        string `yaml:"name"`
	Location    string `yaml:"location"`
	Reason      string `yaml:"reason"`
	ContactInfo string `yaml:"contact-info"`
}

// Validate checks the signing section.
func (c *SigningConfig) Validate() error {
	if c.Algorithm != "" {
		if _, err := kms.Algorithm(c.Algorithm).Hash(); err != nil {
			return &ConfigError{Field: "signing.algorithm", Message: fmt.Sprintf("unknown algorithm %q", c.Algorithm), Err: err}
		}
	}
	if c.ReservedBytes < 0 {
		return NewConfigError("signing.reserved-bytes", "must not be negative")
	}
	if c.ValidityDays < 0 {
		return NewConfigError("signing.validity-days", "must not be negative")
	}
	return nil
}

// DigestAlgorithm returns the digest name paired with the configured
// signing algorithm.
func (c *SigningConfig) DigestAlgorithm() (string, error) {
	algorithm := kms.Algorithm(c.Algorithm)
	if c.Algorithm == "" {
		algorithm = kms.DefaultAlgorithm
	}
	h, err := algorithm.Hash()
	if err != nil {
		return "", err
	}
	return digest.NameFor(h)
}

// KeysConfig selects and configures a key provider.
type KeysConfig struct {
	// Provider is one of pemder, pkcs12, awskms, pkcs11.
	Provider string `yaml:"provider" env:"SEALPDF_KEY_PROVIDER"`

	PemDer PemDerConfig `yaml:"pemder"`
	PKCS12 PKCS12Config `yaml:"pkcs12"`
	AWSKMS AWSKMSConfig `yaml:"awskms"`
	PKCS11 PKCS11Config `yaml:"pkcs11"`
}

// Validate checks the keys section and the selected provider. An empty
// provider is allowed at load time; it resolves to pemder when a signing
// command actually needs a key.
func (c *KeysConfig) Validate() error {
	switch c.Provider {
	case "":
		return nil
	case ProviderPemDer:
		return c.PemDer.Validate()
	case ProviderPKCS12:
		return c.PKCS12.Validate()
	case ProviderAWSKMS:
		return c.AWSKMS.Validate()
	case ProviderPKCS11:
		return c.PKCS11.Validate()
	default:
		return NewConfigError("keys.provider", fmt.Sprintf("unknown provider %q", c.Provider))
	}
}

// PemDerConfig configures signing with PEM or DER key and certificate
// files.
type PemDerConfig struct {
	KeyFile       string `yaml:"key-file" env:"SEALPDF_KEY_FILE"`
	CertFile      string `yaml:"cert-file" env:"SEALPDF_CERT_FILE"`
	KeyPassphrase string `yaml:"key-passphrase" env:"SEALPDF_KEY_PASSPHRASE"`
}

// Validate checks the pemder provider settings.
func (c *PemDerConfig) Validate() error {
	if c.KeyFile == "" {
		return requiredField("keys.pemder.key-file")
	}
	return nil
}

// PassphraseBytes returns the key passphrase as bytes, nil when unset.
func (c *PemDerConfig) PassphraseBytes() []byte {
	if c.KeyPassphrase == "" {
		return nil
	}
	return []byte(c.KeyPassphrase)
}

// PKCS12Config configures signing with a PKCS#12 bundle.
type PKCS12Config struct {
	File       string `yaml:"file" env:"SEALPDF_PKCS12_FILE"`
	Passphrase string `yaml:"passphrase" env:"SEALPDF_PKCS12_PASSPHRASE"`
}

// Validate checks the pkcs12 provider settings.
func (c *PKCS12Config) Validate() error {
	if c.File == "" {
		return requiredField("keys.pkcs12.file")
	}
	return nil
}

// AWSKMSConfig configures signing through AWS KMS.
type AWSKMSConfig struct {
	KeyID  string `yaml:"key-id" env:"SEALPDF_KMS_KEY_ID"`
	Region string `yaml:"region" env:"AWS_REGION"`

	// CertFile optionally pairs the KMS key with a certificate chain file;
	// without it a self-signed certificate is generated per operation.
	CertFile string `yaml:"cert-file"`
}

// Validate checks the awskms provider settings.
func (c *AWSKMSConfig) Validate() error {
	if c.KeyID == "" {
		return requiredField("keys.awskms.key-id")
	}
	return nil
}

// PKCS11Config configures signing through a PKCS#11 token.
type PKCS11Config struct {
	ModulePath string `yaml:"module-path" env:"SEALPDF_PKCS11_MODULE"`
	TokenLabel string `yaml:"token-label"`
	PIN        string `yaml:"pin" env:"SEALPDF_PKCS11_PIN"`
	KeyLabel   string `yaml:"key-label"`
	CertLabel  string `yaml:"cert-label"`
}

// Validate checks the pkcs11 provider settings.
func (c *PKCS11Config) Validate() error {
	if c.ModulePath == "" {
		return requiredField("keys.pkcs11.module-path")
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Signing.Validate(); err != nil {
		return err
	}
	return c.Keys.Validate()
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Signing: SigningConfig{Algorithm: string(kms.DefaultAlgorithm)},
	}
}

// Load reads path as YAML, applies environment overrides, and validates.
// An empty path yields Default() with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrConfigurationError, path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfigurationError, path, err)
		}
	}

	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("%w: applying environment overrides: %v", ErrConfigurationError, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
