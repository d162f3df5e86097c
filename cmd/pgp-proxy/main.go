// Package main is the entry point for the encrypting SMTP proxy server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/pgp-proxy-lite/internal/config"
	"github.com/shineum/pgp-proxy-lite/internal/pgp"
	"github.com/shineum/pgp-proxy-lite/internal/pgpmail"
	"github.com/shineum/pgp-proxy-lite/internal/provider"
	"github.com/shineum/pgp-proxy-lite/internal/provider/ses"
	"github.com/shineum/pgp-proxy-lite/internal/provider/stdout"
	"github.com/shineum/pgp-proxy-lite/internal/smtp"
	smtptls "github.com/shineum/pgp-proxy-lite/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Load or generate TLS certificates
	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	// Select email delivery provider, then wrap it with the encryption
	// stage when PGP is configured.
	prov := selectProvider(cfg)
	prov = wrapWithEncryption(cfg, prov)

	// Create SMTP server
	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       "localhost",
		Provider:       prov,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	slog.Info("starting pgp-proxy-lite",
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"encryption_enabled", cfg.PGPConfigured(),
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("pgp-proxy-lite stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectProvider chooses the email delivery backend based on configuration.
// If the PROVIDER env var is set, it takes precedence.
// Otherwise, it falls back to auto-detection (SES if configured, else stdout).
func selectProvider(cfg *config.Config) provider.Provider {
	switch cfg.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			slog.Error("SES provider selected but SES_REGION and SES_SENDER are required")
			os.Exit(1)
		}
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(context.Background(), ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			slog.Error("failed to create SES provider", "error", err)
			os.Exit(1)
		}
		return p

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New()

	case "":
		// Auto-detection fallback for backward compatibility
		if cfg.SESConfigured() {
			slog.Info("using AWS SES provider (auto-detected)",
				"region", cfg.SES.Region,
				"sender", cfg.SES.Sender,
			)
			p, err := ses.New(context.Background(), ses.SESProviderConfig{
				Region:          cfg.SES.Region,
				AccessKeyID:     cfg.SES.AccessKeyID,
				SecretAccessKey: cfg.SES.SecretAccessKey,
				Sender:          cfg.SES.Sender,
			})
			if err != nil {
				slog.Error("failed to create SES provider", "error", err)
				os.Exit(1)
			}
			return p
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.New()

	default:
		slog.Error("unknown provider", "provider", cfg.Provider)
		os.Exit(1)
		return nil
	}
}

// wrapWithEncryption decorates the delivery provider with the OpenPGP
// encryption stage when an encryption key is configured. A configured stage
// that cannot be constructed (missing keyring, unknown key file formats,
// missing encryption key) is a fatal startup error: silently relaying
// plaintext when the operator asked for encryption is not acceptable.
func wrapWithEncryption(cfg *config.Config, inner provider.Provider) provider.Provider {
	if !cfg.PGPConfigured() {
		if cfg.PGP.SignKey != "" || cfg.PGP.KeyringDir != "" {
			slog.Error("PGP settings present but PGP_ENCRYPT_KEY is missing")
			os.Exit(1)
		}
		return inner
	}

	engine, err := pgp.NewEngine(cfg.PGP.KeyringDir)
	if err != nil {
		slog.Error("failed to load PGP keyring", "error", err)
		os.Exit(1)
	}

	adapter, err := pgpmail.New(engine, inner, pgpmail.Options{
		EncryptKeyID:      cfg.PGP.EncryptKey,
		SignKeyID:         cfg.PGP.SignKey,
		SignKeyPassphrase: cfg.PGP.SignKeyPassphrase,
		EncryptTimeout:    time.Duration(cfg.PGP.EncryptTimeoutSeconds) * time.Second,
	})
	if err != nil {
		slog.Error("failed to create encryption stage", "error", err)
		os.Exit(1)
	}

	slog.Info("PGP encryption enabled",
		"encrypt_key", cfg.PGP.EncryptKey,
		"signing_enabled", adapter.SigningEnabled(),
	)
	return adapter
}
