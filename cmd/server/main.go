package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-companion/internal/app"
	"github.com/vovakirdan/wirechat-companion/internal/auth"
	"github.com/vovakirdan/wirechat-companion/internal/config"
	"github.com/vovakirdan/wirechat-companion/internal/log"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath, logLevel string

	cmd := &cobra.Command{
		Use:          "wirechat",
		Short:        "Realtime transport for companion chat rooms",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: WIRECHAT_CONFIG_DEFAULT_PATH or ./config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	load := func() (config.Config, error) {
		bootLogger := log.New("info", "console")
		cfg, path, err := config.Load(bootLogger, configPath)
		if err != nil {
			return cfg, err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		bootLogger.Debug().Str("path", path).Msg("config loaded")
		return cfg, nil
	}

	cmd.AddCommand(serveCmd(load), tokenCmd(load))
	return cmd
}

func serveCmd(load func() (config.Config, error)) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}

			logger := log.New(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(&cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to build application")
				return err
			}

			logger.Info().Str("addr", cfg.Addr).Str("api_base_url", cfg.APIBaseURL).Msg("starting wirechat server")
			if err := application.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("server exited with error")
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

// tokenCmd mints a development credential signed with the configured secret.
func tokenCmd(load func() (config.Config, error)) *cobra.Command {
	var userID, username string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed development token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("jwt_secret is not configured")
			}

			token, err := auth.GenerateToken(&auth.JWTConfig{
				Secret:   []byte(cfg.JWTSecret),
				Issuer:   cfg.JWTIssuer,
				Audience: cfg.JWTAudience,
				TTL:      ttl,
			}, userID, username)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id placed in the subject claim")
	cmd.Flags().StringVar(&username, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
