// Package main is the entry point for the compose relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shineum/compose-relay/internal/config"
	"github.com/shineum/compose-relay/internal/relay"
	"github.com/shineum/compose-relay/internal/server"
	relaytls "github.com/shineum/compose-relay/internal/tls"
	"github.com/shineum/compose-relay/internal/transport"
	"github.com/shineum/compose-relay/internal/transport/ethereal"
	"github.com/shineum/compose-relay/internal/transport/graph"
	"github.com/shineum/compose-relay/internal/transport/ses"
	"github.com/shineum/compose-relay/internal/transport/smtp"
	"github.com/shineum/compose-relay/internal/transport/stdout"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envPath := flag.String("env", ".env", "path to dotenv file; a missing file is ignored")
	flag.Parse()

	// Values already in the environment win over the dotenv file
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load env file", "path", *envPath, "error", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	tlsConfig, err := relaytls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.SelfSigned)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	acq, err := selectTransport(ctx, cfg)
	if err != nil {
		slog.Error("failed to create transport", "error", err)
		os.Exit(1)
	}

	srv := server.New(server.ServerConfig{
		ListenAddr: cfg.ListenAddr(),
		Acquirer:   acq,
		Relay: relay.Config{
			FromName:      cfg.Relay.FromName,
			MaxBodySize:   cfg.Relay.MaxBodySize,
			ExposeDetails: cfg.Relay.ExposeDetails,
		},
		TLSConfig: tlsConfig,
		Logger:    slog.Default(),
	})

	slog.Info("starting compose-relay",
		"listen", cfg.ListenAddr(),
		"transport", acq.Name(),
		"tls_enabled", tlsConfig != nil,
		"expose_details", cfg.Relay.ExposeDetails,
	)

	// Blocks until a signal cancels ctx
	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("compose-relay stopped")
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
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// selectTransport builds the Acquirer named by cfg.Transport. Validate has
// already checked that its settings are present.
func selectTransport(ctx context.Context, cfg *config.Config) (transport.Acquirer, error) {
	smtpCfg := smtp.Config{
		Host:        cfg.SMTP.Host,
		Port:        cfg.SMTP.Port,
		Username:    cfg.SMTP.Username,
		Password:    cfg.SMTP.Password,
		Sender:      cfg.SMTP.Sender,
		ImplicitTLS: cfg.SMTP.ImplicitTLS,
		StartTLS:    smtp.StartTLSMode(cfg.SMTP.StartTLS),
		Timeout:     cfg.SMTP.Timeout,
	}

	switch cfg.Transport {
	case config.TransportEthereal:
		slog.Info("using Ethereal sandbox transport", "api_url", cfg.Ethereal.APIURL)
		return ethereal.New(ethereal.Config{
			APIURL: cfg.Ethereal.APIURL,
			SMTP:   smtp.Config{Timeout: cfg.SMTP.Timeout},
		}), nil

	case config.TransportSMTP:
		slog.Info("using SMTP transport",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"starttls", cfg.SMTP.StartTLS,
		)
		return smtp.New(smtpCfg), nil

	case config.TransportSES:
		slog.Info("using AWS SES transport",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		t, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		return t, nil

	case config.TransportGraph:
		slog.Info("using Microsoft Graph transport", "sender", cfg.Graph.Sender)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case config.TransportStdout:
		slog.Info("using stdout transport")
		return stdout.New(cfg.SMTP.Sender), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
