package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/whatsapp"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/gateway"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/notify"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/outreach"
)

// newServeCmd creates the `leadclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the outreach daemon",
		Long: `Start LeadClaw as a daemon: connects to WhatsApp, answers incoming
messages from active contacts, runs the outreach scheduler, and exposes
the admin gateway.

Examples:
  leadclaw serve
  leadclaw serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := buildLogger(cmd, cfg)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	}

	// Audit BEFORE resolving: checks the raw config values for hardcoded keys.
	outreach.AuditSecrets(cfg, logger)
	// Resolve from vault -> keyring -> env -> config.
	outreach.ResolveAPIKey(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──
	db, err := outreach.OpenDB(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	store := outreach.NewContactStore(db, logger)
	msgLog := outreach.NewMessageLog(db, logger)

	// ── WhatsApp channel ──
	wa := whatsapp.New(cfg.Channels.WhatsApp, logger)
	if err := wa.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to WhatsApp: %w", err)
	}

	// ── Operator alerts ──
	var notifier outreach.Notifier
	if cfg.Notify.Discord.Enabled {
		d, err := notify.NewDiscord(cfg.Notify.Discord, logger)
		if err != nil {
			logger.Warn("Discord alerts disabled", "error", err)
		} else {
			notifier = d
			logger.Info("Discord alerts enabled", "channel_id", cfg.Notify.Discord.ChannelID)
		}
	}

	// ── Engine ──
	responder := outreach.NewLLMClient(cfg, logger)
	engine := outreach.NewEngine(cfg, wa, store, msgLog, responder, notifier, logger)
	engine.Start(ctx)

	// ── Outreach scheduler ──
	scheduler := outreach.NewScheduler(engine, cfg.Outreach, logger)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting outreach scheduler: %w", err)
	}

	// ── Gateway ──
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(engine, store, cfg.Gateway, logger)
		if err := gw.Start(ctx); err != nil {
			logger.Error("failed to start gateway", "error", err)
		} else {
			logger.Info("gateway running", "address", cfg.Gateway.Address)
		}
	}

	logger.Info("LeadClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", cfg.Model,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		if gw != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = gw.Stop(shutdownCtx)
			cancel()
		}
		engine.Stop()
		_ = wa.Disconnect()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads config from the --config flag or standard locations.
func resolveConfig(cmd *cobra.Command) (*outreach.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := outreach.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := outreach.FindConfigFile(); found != "" {
		cfg, err := outreach.LoadConfigFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}

	return nil, "", fmt.Errorf("no configuration file found, run: leadclaw setup")
}

// buildLogger builds the process logger from config plus the --verbose flag.
func buildLogger(cmd *cobra.Command, cfg *outreach.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
