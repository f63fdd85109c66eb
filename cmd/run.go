package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/local-radar/internal/config"
	"github.com/JakeFAU/local-radar/internal/fetcher"
)

const (
	flagSync    = "sync"
	flagTimeout = "timeout"
)

// newRunCmd creates the 'run' subcommand, which performs one pass over the
// watchlist and prints the run report as JSON.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the pipeline once over the watchlist",
		Long: `Fetches every watchlist source, records the ones that changed since the
last run and prints the run report. A snapshot storage failure or an
expired --timeout fails the run and exits non-zero; per-source failures are
listed in the report.`,
		RunE: runRunCommand,
	}
	cmd.Flags().Bool(flagSync, false, "fetch sources one at a time instead of on the worker pool")
	cmd.Flags().Duration(flagTimeout, 0, "abort the run after this long (overrides run.timeout_seconds)")
	return cmd
}

// applyRunFlags folds run flags into cfg before the application is built.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	if f := cmd.Flags().Lookup(flagSync); f != nil && f.Changed {
		sync, err := cmd.Flags().GetBool(flagSync)
		if err != nil {
			return fmt.Errorf("read --%s: %w", flagSync, err)
		}
		if sync {
			cfg.Concurrency.Mode = fetcher.ModeSequential
		}
	}
	if f := cmd.Flags().Lookup(flagTimeout); f != nil && f.Changed {
		timeout, err := cmd.Flags().GetDuration(flagTimeout)
		if err != nil {
			return fmt.Errorf("read --%s: %w", flagTimeout, err)
		}
		if timeout < 0 {
			return fmt.Errorf("--%s must be >= 0", flagTimeout)
		}
		cfg.Run.TimeoutSeconds = int((timeout + time.Second - 1) / time.Second)
	}
	return nil
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	report, runErr := appInstance.Run(cmd.Context())

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("run: %w", runErr)
	}
	logger.Info("run finished",
		zap.String("run_id", report.RunID),
		zap.Int("changed", len(report.Changed)),
		zap.Int("failures", len(report.Failures)),
	)
	return nil
}
