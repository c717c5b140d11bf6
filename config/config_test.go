package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sealpdf/sealpdf/sign/digest"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Signing.Algorithm != "rsa-sha256" {
		t.Errorf("default algorithm = %q", cfg.Signing.Algorithm)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration must validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Run("full file", func(t *testing.T) {
		path := writeConfig(t, `
logging:
  level: debug
  format: json
signing:
  algorithm: ecdsa-sha384
  reserved-bytes: 8192
  name: Jane Roe
keys:
  provider: pkcs12
  pkcs12:
    file: /etc/sealpdf/signer.p12
    passphrase: secret
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
			t.Errorf("logging = %+v", cfg.Logging)
		}
		if cfg.Signing.Algorithm != "ecdsa-sha384" || cfg.Signing.ReservedBytes != 8192 {
			t.Errorf("signing = %+v", cfg.Signing)
		}
		if cfg.Signing.Name != "Jane Roe" {
			t.Errorf("name = %q", cfg.Signing.Name)
		}
		if cfg.Keys.Provider != ProviderPKCS12 || cfg.Keys.PKCS12.File != "/etc/sealpdf/signer.p12" {
			t.Errorf("keys = %+v", cfg.Keys)
		}
	})

	t.Run("empty path uses defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Signing.Algorithm != "rsa-sha256" {
			t.Errorf("algorithm = %q", cfg.Signing.Algorithm)
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeConfig(t, "logging:\n  level: info\n")
		t.Setenv("SEALPDF_LOG_LEVEL", "error")
		t.Setenv("SEALPDF_SIGNING_ALGORITHM", "rsa-sha512")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Logging.Level != "error" {
			t.Errorf("level = %q, want env override", cfg.Logging.Level)
		}
		if cfg.Signing.Algorithm != "rsa-sha512" {
			t.Errorf("algorithm = %q, want env override", cfg.Signing.Algorithm)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load("/does/not/exist.yaml"); !errors.Is(err, ErrConfigurationError) {
			t.Errorf("expected ErrConfigurationError, got %v", err)
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "logging: [not a map")
		if _, err := Load(path); !errors.Is(err, ErrConfigurationError) {
			t.Errorf("expected ErrConfigurationError, got %v", err)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad algorithm", func(c *Config) { c.Signing.Algorithm = "rot13" }, "signing.algorithm"},
		{"negative reserve", func(c *Config) { c.Signing.ReservedBytes = -1 }, "signing.reserved-bytes"},
		{"negative validity", func(c *Config) { c.Signing.ValidityDays = -1 }, "signing.validity-days"},
		{"unknown provider", func(c *Config) { c.Keys.Provider = "vault" }, "keys.provider"},
		{"pemder without key", func(c *Config) { c.Keys.Provider = ProviderPemDer }, "keys.pemder.key-file"},
		{"pkcs12 without file", func(c *Config) { c.Keys.Provider = ProviderPKCS12 }, "keys.pkcs12.file"},
		{"awskms without key id", func(c *Config) { c.Keys.Provider = ProviderAWSKMS }, "keys.awskms.key-id"},
		{"pkcs11 without module", func(c *Config) { c.Keys.Provider = ProviderPKCS11 }, "keys.pkcs11.module-path"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %T", err)
			}
			if cfgErr.Field != tc.field {
				t.Errorf("field = %q, want %q", cfgErr.Field, tc.field)
			}
		})
	}
}

func TestRequiredFieldSentinel(t *testing.T) {
	cfg := Default()
	cfg.Keys.Provider = ProviderPKCS12
	if err := cfg.Validate(); !errors.Is(err, ErrMissingRequiredField) {
		t.Errorf("expected ErrMissingRequiredField, got %v", err)
	}
}

func TestDigestAlgorithm(t *testing.T) {
	tests := []struct {
		algorithm string
		want      string
	}{
		{"", digest.SHA256},
		{"rsa-sha256", digest.SHA256},
		{"rsa-pss-sha384", digest.SHA384},
		{"ecdsa-sha512", digest.SHA512},
	}
	for _, tc := range tests {
		c := SigningConfig{Algorithm: tc.algorithm}
		got, err := c.DigestAlgorithm()
		if err != nil {
			t.Errorf("DigestAlgorithm(%q) failed: %v", tc.algorithm, err)
		}
		if got != tc.want {
			t.Errorf("DigestAlgorithm(%q) = %q, want %q", tc.algorithm, got, tc.want)
		}
	}

	if _, err := (&SigningConfig{Algorithm: "md5"}).DigestAlgorithm(); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}
