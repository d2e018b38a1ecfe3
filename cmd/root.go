// Package cmd defines and implements the CLI commands for the threadscan executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/threadscan/internal/config"
	"github.com/JakeFAU/threadscan/internal/crawler"
	"github.com/JakeFAU/threadscan/internal/logging"
	"github.com/JakeFAU/threadscan/internal/report"
	"github.com/JakeFAU/threadscan/internal/server"
	"github.com/JakeFAU/threadscan/internal/worker"
)

var cfgFile string

type appKeyType string

const appKey appKeyType = "app"

// App is the application surface the commands drive. Tests inject a fake.
type App interface {
	Run(ctx context.Context) error
	Migrate(ctx context.Context) error
	Scan(ctx context.Context, username string) worker.Outcome
	Sweep(ctx context.Context) (crawler.SweepReport, error)
	UserStats(ctx context.Context, username string) (report.UserStats, error)
	Close(ctx context.Context) error
}

// newApp loads configuration, sets up logging and builds the application.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threadscan",
		Short: "Crawl Threads profiles and classify their posts",
		Long: `threadscan crawls public Threads profiles, stores their posts and
replies, labels each text with a remote classifier and reports per-user
statistics. Run "serve" for the HTTP task API or use the one-shot commands.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
					zap.L().Warn("close application", zap.Error(err))
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newSweepCmd(),
		newStatsCmd(),
		newMigrateCmd(),
	)
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
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Fatal("command execution failed", zap.Error(err))
	}
}
