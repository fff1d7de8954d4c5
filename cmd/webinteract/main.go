package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"webinteract/internal/app"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := rootOptions{}

	root := &cobra.Command{
		Use:          "webinteract",
		Short:        "Bridge browser-published tools to MCP agents",
		Version:      app.Version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newServeCmd(&opts),
		newValidateCmd(&opts),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			bootstrap, err := zap.NewProduction()
			if err != nil {
				return err
			}
			cfg, err := app.NewConfigLoader(bootstrap).Load(ctx, opts.configPath)
			_ = bootstrap.Sync()
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}

			logger, err := app.NewLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logging: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			application, err := app.New(app.Options{
				Config:     cfg,
				ConfigPath: opts.configPath,
				Logger:     logger,
			})
			if err != nil {
				logger.Error("startup failed", zap.Error(err))
				return err
			}
			if err := application.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.Error("serve failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file without starting listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			_, err = app.Validate(cmd.Context(), opts.configPath, logger)
			return err
		},
	}
}
