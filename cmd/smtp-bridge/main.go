// Package main is the entry point for the SMTP groupware bridge.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/smtp-groupware-bridge/internal/backend"
	"github.com/shineum/smtp-groupware-bridge/internal/backend/dev"
	"github.com/shineum/smtp-groupware-bridge/internal/backend/graph"
	"github.com/shineum/smtp-groupware-bridge/internal/backend/imapsearch"
	"github.com/shineum/smtp-groupware-bridge/internal/bridge"
	"github.com/shineum/smtp-groupware-bridge/internal/config"
	"github.com/shineum/smtp-groupware-bridge/internal/smtp"
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

	// Select the delivery backend
	be := selectBackend(cfg)

	// Duplicate guard and delivery bridge
	var dedup *bridge.Dedup
	if cfg.Dedup.Enabled {
		dedup = bridge.NewDedup(bridge.Policy(cfg.Dedup.Policy), cfg.Dedup.TTL.Std())
	}
	br := bridge.New(bridge.Config{
		Hostname:        cfg.SMTP.Hostname,
		ConfirmAttempts: cfg.Confirm.Attempts,
		ConfirmDelay:    cfg.Confirm.Delay.Std(),
		Dedup:           dedup,
	})

	// Create SMTP server
	server := smtp.New(smtp.ServerConfig{
		ListenAddr: cfg.SMTP.Listen,
		Backend:    be,
		Deliverer:  br,
		Session: smtp.Options{
			Hostname:       cfg.SMTP.Hostname,
			ReadTimeout:    cfg.SMTP.ReadTimeout.Std(),
			MaxLineLength:  cfg.SMTP.MaxLineLength,
			MaxErrors:      cfg.SMTP.MaxErrors,
			AuthAttempts:   cfg.SMTP.AuthAttempts,
			MaxMessageSize: cfg.SMTP.MaxMessageSize,
		},
	})

	slog.Info("starting smtp-groupware-bridge",
		"listen", cfg.SMTP.Listen,
		"backend", be.Name(),
		"confirm_attempts", cfg.Confirm.Attempts,
		"dedup_enabled", cfg.Dedup.Enabled,
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

	slog.Info("smtp-groupware-bridge stopped")
}

// loadConfig loads configuration from the specified path (YAML + env
// override) or from environment variables only if no path is given.
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

// selectBackend builds the delivery backend from configuration,
// optionally wrapping it so sent-store confirmation runs over IMAP.
func selectBackend(cfg *config.Config) backend.Backend {
	var be backend.Backend

	switch cfg.Backend.Name {
	case "graph":
		slog.Info("using groupware API backend",
			"base_url", cfg.Graph.BaseURL,
		)
		be = graph.New(graph.Config{
			BaseURL:  cfg.Graph.BaseURL,
			TokenURL: cfg.Graph.TokenURL,
		})

	case "dev":
		slog.Info("using in-memory dev backend")
		be = dev.New(2 * time.Second)

	default:
		// Load already validated the name; this is unreachable.
		slog.Error("unknown backend", "backend", cfg.Backend.Name)
		os.Exit(1)
	}

	if cfg.Graph.SentSearch == "imap" {
		slog.Info("sent-store confirmation over IMAP", "addr", cfg.Graph.IMAPAddr)
		be = imapsearch.New(be, imapsearch.Config{Addr: cfg.Graph.IMAPAddr})
	}

	return be
}
