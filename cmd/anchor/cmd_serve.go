package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/anchor/internal/config"
	"github.com/yairfalse/anchor/internal/daemon"
	"github.com/yairfalse/anchor/internal/telemetry"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the convergence daemon",
	Long: `Run the anchor daemon: the resource API, the convergence workers and the
periodic sweep.

Features:
- Resource API on /resources (JSON or YAML)
- Health checks on /healthz and /readyz
- Prometheus metrics on /metrics
- MVCC storage with full resource history
- Attempt audit log
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  anchor serve                          # Run with defaults
  anchor serve --config anchor.toml     # Load a config file
  anchor serve --log-level debug        # Verbose logging`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads --config, or the defaults when it is unset. Only serve
// needs a config that validates.
func loadConfig(validate bool) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if !validate {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if err := telemetry.SetupLogging(cfg.Log.Level, cfg.Log.Pretty || isTerminal(os.Stderr), os.Stderr); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	d, err := daemon.New(ctx, cfg, daemon.Deps{MetricsHandler: provider.MetricsHandler()})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	defer func() { _ = d.Close() }()

	log.Info().
		Str("version", version).
		Str("listen", d.Addr()).
		Str("metrics", d.MetricsAddr()).
		Msg("anchor starting")

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	return nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
