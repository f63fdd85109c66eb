// Package cmd defines and implements the CLI commands for the radar executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/local-radar/internal/app"
	"github.com/JakeFAU/local-radar/internal/config"
	"github.com/JakeFAU/local-radar/internal/crawler"
	"github.com/JakeFAU/local-radar/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Run(ctx context.Context) (crawler.RunReport, error)
	Handler() http.Handler
	Config() config.Config
	Logger() *zap.Logger
	Close() error
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

type rootOptions struct {
	cfgFile string
	dev     bool
	app     App
}

// closeApp releases the application built by PersistentPreRunE, if any.
func (o *rootOptions) closeApp() {
	if o.app == nil {
		return
	}
	logger := o.app.Logger()
	if err := o.app.Close(); err != nil {
		logger.Warn("close application", zap.Error(err))
	}
	_ = logger.Sync()
	o.app = nil
}

// newRootCmd creates the root command and its subcommands. The caller closes
// the application through opts once the command returns.
func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "radar",
		Short: "Polls local civic sources and records what changed.",
		Long: `radar fetches the feeds, pages and local files on its watchlist,
normalizes them to text, strips recurring boilerplate and appends a
snapshot with a unified diff whenever a source changes.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyRunFlags(cmd, &cfg); err != nil {
				return err
			}
			logger, err := logging.New(opts.dev || cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opts.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML); RADAR_* env vars override it")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "use the development logger")

	cmd.AddCommand(newRunCmd(), newServeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	opts := &rootOptions{}
	err := newRootCmd(opts).ExecuteContext(context.Background())
	opts.closeApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
