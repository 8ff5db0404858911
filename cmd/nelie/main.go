// Package main is the entry point for the nelie adventure generator.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"nelie/config"
	"nelie/internal/app"
	"nelie/internal/logging"
	"nelie/internal/providers"
	"nelie/internal/providers/anthropic"
	"nelie/internal/providers/openai"
)

// Set with -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "nelie",
		Short:         "Budget-aware generator of interactive lesson adventures",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newGenerateCmd(),
		newPlanCmd(),
		newUsageCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "nelie %s (commit %s, built %s)\n", version, commit, date)
			return err
		},
	}
}

// loadConfig loads the configuration and installs the default logger
// writing to out.
func loadConfig(out io.Writer) (*config.LoadResult, *slog.Logger, error) {
	result, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	handler, err := logging.NewHandler(out, logging.Config{
		Format: result.Config.Log.Format,
		Level:  result.Config.Log.Level,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("setup logging: %w", err)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if len(result.Sources) > 0 {
		logger.Debug("configuration loaded", "sources", result.Sources)
	}
	return result, logger, nil
}

// newApp builds the application with every known provider registered.
func newApp(ctx context.Context, cfg *config.LoadResult, logger *slog.Logger) (*app.App, error) {
	factory := providers.NewProviderFactory()
	factory.Add(openai.Registration)
	factory.Add(anthropic.Registration)

	return app.New(ctx, app.Config{
		AppConfig: cfg,
		Factory:   factory,
		Logger:    logger,
	})
}
