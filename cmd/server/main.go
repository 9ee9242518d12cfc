// Termillion backend: hosts PTY sessions for the desktop terminal
// frontend and streams their output over WebSocket.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fosslife/termillion/internal/infrastructure/config"
	"github.com/fosslife/termillion/internal/infrastructure/logging"
	"github.com/fosslife/termillion/internal/infrastructure/monitoring"
	"github.com/fosslife/termillion/internal/infrastructure/server"
	"github.com/fosslife/termillion/internal/profiles"
	"github.com/fosslife/termillion/internal/pty"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.LoadOrDefault()

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		logger = logging.NewDefault()
	}
	defer logger.Sync()

	metrics := monitoring.NewMetrics()

	var profs *profiles.Profiles
	if cfg.Terminal.ProfilesPath != "" {
		profs, err = profiles.Load(cfg.Terminal.ProfilesPath)
		if err != nil {
			logger.Warn("profile file rejected, continuing without profiles",
				zap.String("path", cfg.Terminal.ProfilesPath),
				zap.Error(err),
			)
			profs = nil
		}
	}

	registry := pty.NewRegistry(pty.Config{
		ReadBufferSize:  cfg.Terminal.ReadBufferSize,
		BatchWindow:     cfg.Terminal.BatchWindow,
		MetricsInterval: cfg.Terminal.MetricsInterval,
		Scrollback:      cfg.Terminal.Scrollback,
	}, logger, metrics)

	srv := server.New(cfg, registry, profs, metrics, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	logger.Info("stopped")
}
