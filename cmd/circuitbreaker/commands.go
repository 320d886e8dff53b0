package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/circuitbreaker/internal/app"
	"github.com/alanyoungcy/circuitbreaker/internal/crypto"
)

var checkCmd = &cobra.Command{
	Use:   "check <case.json>...",
	Short: "Check settlement case files",
	Long: `Decodes each settlement case file and checks it in order. Verdicts are
recorded in every configured backend. Exits with status 1 when any settlement
is invalid.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd.Context(), "check", args)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Check every case under the configured object storage prefix",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMode(cmd.Context(), "replay", nil)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Check case files as they are dropped into the inbox directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMode(cmd.Context(), "watch", nil)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the WebSocket verdict feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMode(cmd.Context(), "serve", nil)
	},
}

var (
	archiveMonth     string
	archiveOverwrite bool
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Export one month of stored verdicts to object storage",
	Example: `  circuitbreaker archive --month 2026-09
  circuitbreaker archive            # previous calendar month`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		month, err := parseMonth(archiveMonth, time.Now().UTC())
		if err != nil {
			return err
		}
		cfg, logger, err := loadConfig("")
		if err != nil {
			return err
		}
		application := app.New(cfg, logger)
		defer application.Close()

		n, err := application.ArchiveMonth(cmd.Context(), month, archiveOverwrite)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "archived %d verdicts for %s\n", n, month.Format("2006-01"))
		return nil
	},
}

// parseMonth reads a YYYY-MM month. Empty means the month before now.
func parseMonth(s string, now time.Time) (time.Time, error) {
	if s == "" {
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return first.AddDate(0, -1, 0), nil
	}
	month, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --month %q (want YYYY-MM): %w", s, err)
	}
	return month, nil
}

var (
	encryptOut         string
	encryptPasswordEnv string
)

var encryptKeyCmd = &cobra.Command{
	Use:   "encrypt-key",
	Short: "Seal an attestation private key into an encrypted key file",
	Long: `Reads a hex secp256k1 private key from stdin and writes it, encrypted with
the password taken from the environment, to --out. Point
attest.encrypted_key_path at the result.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		password := os.Getenv(encryptPasswordEnv)
		if password == "" {
			return fmt.Errorf("environment variable %s must hold the key password", encryptPasswordEnv)
		}

		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return errors.New("no private key on stdin")
		}
		sealed, err := crypto.SealKey(strings.TrimSpace(line), password)
		if err != nil {
			return err
		}
		if err := os.WriteFile(encryptOut, sealed, 0o600); err != nil {
			return fmt.Errorf("write key file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", encryptOut)
		return nil
	},
}

func init() {
	archiveCmd.Flags().StringVar(&archiveMonth, "month", "", "month to export as YYYY-MM (default: previous month)")
	archiveCmd.Flags().BoolVar(&archiveOverwrite, "overwrite", false, "replace an existing export of the month")

	encryptKeyCmd.Flags().StringVar(&encryptOut, "out", "attest-key.json", "path of the key file to write")
	encryptKeyCmd.Flags().StringVar(&encryptPasswordEnv, "password-env", "CIRCUITBREAKER_KEY_PASSWORD", "environment variable holding the password")

	rootCmd.AddCommand(checkCmd, replayCmd, watchCmd, serveCmd, archiveCmd, encryptKeyCmd)
}
