package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/go-chatroom/internal/server"
	"github.com/a-essam23/go-chatroom/pkg/config"
	"github.com/a-essam23/go-chatroom/pkg/logging"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var configName string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Start the chat listener, the worker pool and, when configured, the HTTP
listener serving /metrics and the /ws gateway. Settings come from
<config>.yaml in the working directory and ` + config.EnvPrefix + `_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// bootstrap logger until the configured level is known
			logger := logging.New(logging.LevelInfo)

			cfg, err := config.Load(logger, configName)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger = logging.New(logging.ParseLevel(cfg.Log.Level))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := server.NewApp(logger, ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
			if err := app.Run(); err != nil {
				return fmt.Errorf("server run failed: %w", err)
			}
			logger.Info("Application shut down successfully.")
			return nil
		},
	}

	cmd.Flags().StringVar(&configName, "config", "config", "Config file name (without .yaml) looked up in the working directory")

	return cmd
}
