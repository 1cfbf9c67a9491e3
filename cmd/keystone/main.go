// Command keystone is the gateway binary. It loads an optional YAML
// configuration file, starts one worker per CPU core, and exposes an
// admin/observability HTTP server, shutting down cleanly on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keystone-gateway/keystone/internal/admin"
	"github.com/keystone-gateway/keystone/internal/config"
	"github.com/keystone-gateway/keystone/internal/metrics"
	"github.com/keystone-gateway/keystone/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	scriptPath := flag.String("script", "", "path to the Lua route script (overrides config's script_path)")
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keystone: %v\n", err)
		os.Exit(1)
	}
	if *scriptPath != "" {
		cfg.ScriptPath = *scriptPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "keystone: config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("keystone starting",
		slog.String("host", cfg.Host),
		slog.Int("port", cfg.Port),
		slog.String("script_path", cfg.ScriptPath),
		slog.Bool("bpf_affinity", cfg.EnableBPFAffinity),
	)

	m := metrics.New()
	pool := worker.NewPool(cfg, logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolErrCh := make(chan error, 1)
	go func() {
		poolErrCh <- pool.Run(ctx)
	}()

	var adminSrv *http.Server
	adminErrCh := make(chan error, 1)
	if cfg.AdminAddr != "" {
		adminSrv = &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: admin.NewRouter(m, pool),
		}
		go func() {
			logger.Info("admin server listening", slog.String("addr", cfg.AdminAddr))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				adminErrCh <- fmt.Errorf("admin server: %w", err)
				return
			}
			adminErrCh <- nil
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-poolErrCh:
		if err != nil {
			logger.Error("worker pool failed", slog.Any("error", err))
			exitCode = 1
		}
		poolErrCh = nil
	case err := <-adminErrCh:
		if err != nil {
			logger.Error("admin server failed", slog.Any("error", err))
			exitCode = 1
		}
		adminErrCh = nil
	}

	cancel()

	if adminSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown error", slog.Any("error", err))
		}
		shutdownCancel()
	}

	if poolErrCh != nil {
		if err := <-poolErrCh; err != nil {
			logger.Error("worker pool exited with error", slog.Any("error", err))
			exitCode = 1
		}
	}

	if exitCode == 0 {
		logger.Info("keystone exited cleanly")
	}
	os.Exit(exitCode)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
