// Command circuitbreaker checks batch-auction settlements after the fact and
// blacklists solvers whose settlements break the auction rules. It loads the
// configuration, sets up logging and signal handling, and runs the selected
// subcommand.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/circuitbreaker/internal/app"
	"github.com/alanyoungcy/circuitbreaker/internal/config"
	"github.com/alanyoungcy/circuitbreaker/internal/logging"
)

// Exit codes.
const (
	exitInvalid = 1 // at least one settlement is invalid
	exitError   = 2 // the run itself failed
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "circuitbreaker",
	Short: "Post-trade integrity checks for batch-auction settlements",
	Long: `circuitbreaker compares each settled auction with the winning solution
the solver committed to, recomputes the solver's score from the executed
trades, validates pre- and post-hooks, and blacklists solvers whose
settlements fail.

Without a subcommand the mode from the configuration file is run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd.Context(), "", args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, app.ErrInvalidSettlements):
		fmt.Fprintf(os.Stderr, "circuitbreaker: %v\n", err)
		os.Exit(exitInvalid)
	default:
		fmt.Fprintf(os.Stderr, "circuitbreaker: %v\n", err)
		os.Exit(exitError)
	}
}

// loadConfig loads and validates the configuration, forcing mode when it is
// not empty, and returns it with a logger at the configured level.
func loadConfig(mode string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)
	logger.Info("circuitbreaker starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)
	return cfg, logger, nil
}

// runMode runs the application in mode until it finishes or ctx is
// cancelled.
func runMode(ctx context.Context, mode string, args []string) error {
	cfg, logger, err := loadConfig(mode)
	if err != nil {
		return err
	}

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.Run(ctx, args); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("circuitbreaker shut down gracefully")
			return nil
		}
		return err
	}
	logger.Info("circuitbreaker stopped")
	return nil
}
