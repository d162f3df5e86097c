// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the encrypting mail proxy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// defaultEncryptTimeoutSeconds bounds a single OpenPGP engine call.
const defaultEncryptTimeoutSeconds = 30

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	SES      SESConfig     `yaml:"ses"`
	PGP      PGPConfig     `yaml:"pgp"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// SESConfig holds AWS SES delivery configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// PGPConfig holds the OpenPGP encryption stage configuration. EncryptKey
// identifies the recipient public key (email address or fingerprint) and is
// mandatory for the stage to be enabled. SignKey and SignKeyPassphrase are
// optional; a configured sign key makes every encryption also sign.
type PGPConfig struct {
	KeyringDir            string `yaml:"keyring_dir"`
	EncryptKey            string `yaml:"encrypt_key"`
	SignKey               string `yaml:"sign_key"`
	SignKeyPassphrase     string `yaml:"sign_key_passphrase"`
	EncryptTimeoutSeconds int    `yaml:"encrypt_timeout_seconds"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// SESConfigured returns true if the required SES settings are present.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// PGPConfigured returns true if an encryption key is configured. The
// encryption key is the one mandatory piece of the encryption stage;
// everything else about the stage is validated when it is constructed.
func (c *Config) PGPConfigured() bool {
	return c.PGP.EncryptKey != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.PGP.EncryptTimeoutSeconds = defaultEncryptTimeoutSeconds
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("PGP_KEYRING_DIR"); v != "" {
		c.PGP.KeyringDir = v
	}
	if v := os.Getenv("PGP_ENCRYPT_KEY"); v != "" {
		c.PGP.EncryptKey = v
	}
	if v := os.Getenv("PGP_SIGN_KEY"); v != "" {
		c.PGP.SignKey = v
	}
	if v := os.Getenv("PGP_SIGN_KEY_PASSPHRASE"); v != "" {
		c.PGP.SignKeyPassphrase = v
	}
	if v := os.Getenv("PGP_ENCRYPT_TIMEOUT_SECONDS"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			c.PGP.EncryptTimeoutSeconds = seconds
		}
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
