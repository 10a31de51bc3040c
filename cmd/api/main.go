package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"blockrelay-server/internal/config"
	"blockrelay-server/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		envFile string
		port    int
	)

	rootCmd := &cobra.Command{
		Use:           "blockrelay",
		Short:         "Room relay for multiplayer falling-block games",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			return run(cmd.Context(), cfg, logger)
		},
	}
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.Flags().IntVar(&port, "port", 0, "listen port, overrides SERVER_PORT")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay, httpServer, err := server.NewServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if !cfg.OAuthConfigured() {
		logger.Warn("DISCORD_CLIENT_ID or DISCORD_CLIENT_SECRET unset, /api/token will answer 503")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", httpServer.Addr), zap.String("ws_path", cfg.WSPath))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, press Ctrl+C again to force")
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		// Close sockets first; hijacked connections are invisible to http.Server.
		if err := relay.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("relay shutdown: %w", err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("graceful shutdown complete")
	return nil
}
