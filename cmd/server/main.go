package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spotter-app/spotter-server/internal/app"
	"github.com/spotter-app/spotter-server/internal/auth"
	"github.com/spotter-app/spotter-server/internal/config"
	"github.com/spotter-app/spotter-server/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		overrides  config.Config
	)

	root := &cobra.Command{
		Use:           "spotter-server",
		Short:         "Realtime chat server for gym partners",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, overrides)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to config.yaml (default ./config.yaml)")
	flags.StringVar(&overrides.Addr, "addr", "", "HTTP listen address")
	flags.DurationVar(&overrides.ReadHeaderTimeout, "read-header-timeout", 0, "HTTP read header timeout")
	flags.DurationVar(&overrides.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	flags.StringVar(&overrides.DatabasePath, "db", "", "SQLite database path")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&overrides.RedisAddr, "redis-addr", "", "Redis address for the cross-instance relay")
	flags.BoolVar(&overrides.JWTRequired, "jwt-required", false, "require a token on authenticate")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, overrides)
		},
	})
	root.AddCommand(newTokenCmd(&configPath))

	return root
}

func serve(parent context.Context, configPath string, overrides config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLogger := log.New("info", "console")
	cfg, path, err := config.Load(bootLogger, configPath)
	if err != nil {
		return err
	}
	cfg.UpdateFrom(overrides)

	logger := log.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("config", path).Msg("configuration loaded")

	application, err := app.New(ctx, &cfg, logger)
	if err != nil {
		return err
	}

	logger.Info().Str("addr", cfg.Addr).Msg("starting spotter chat server")
	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newTokenCmd(configPath *string) *cobra.Command {
	var userID, displayName string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := config.Load(log.Nop(), *configPath)
			if err != nil {
				return err
			}
			token, err := auth.GenerateToken(app.JWTConfig(&cfg), userID, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to put in the token")
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
