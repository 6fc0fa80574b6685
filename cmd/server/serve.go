package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"zimage-bridge/internal/generation"
	"zimage-bridge/internal/history"
	"zimage-bridge/internal/logging"
	"zimage-bridge/internal/realtime"
	"zimage-bridge/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx)
		},
	}
}

func runServe(cmdCtx context.Context, ctx *commandContext) error {
	if ctx == nil {
		return fmt.Errorf("command context is required")
	}
	if cmdCtx == nil {
		cmdCtx = context.Background()
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := logging.NewFromConfig(cfg, true)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	// One daemon owns the GPU; a second instance would fight over it.
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another zimage-bridge instance is running (lock %s)", cfg.LockPath())
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("release lock", "error", err)
		}
	}()

	var (
		recorder generation.Recorder
		lister   realtime.HistoryLister
	)
	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		logger.Warn("generation history disabled", "path", cfg.HistoryPath(), "error", err)
	} else {
		defer store.Close()
		recorder = store
		lister = store
	}

	var rtServer *realtime.Server
	fileWatch := watcher.New(watcher.Config{
		Debounce:    cfg.Debounce(),
		MaxDeferral: cfg.MaxDeferral(),
		Logger:      logger,
	}, func(f watcher.DetectedFile) {
		if rtServer != nil {
			rtServer.OnFileDetected(f)
		}
	})
	ctrl := generation.New(generation.Config{
		Executable: cfg.Paths.Executable,
		KillGrace:  cfg.KillGrace(),
		Logger:     logger,
		Recorder:   recorder,
	})
	rtServer = realtime.New(ctrl, fileWatch, lister, cfg.Paths.StaticDir, logger)

	if cfg.Paths.OutputDir != "" {
		if err := fileWatch.Start(cfg.Paths.OutputDir); err != nil {
			logger.Warn("initial output directory not watched", "dir", cfg.Paths.OutputDir, "error", err)
		}
	}
	if cfg.Paths.Executable == "" {
		logger.Warn("no generation executable configured; set paths.executable or ZIMAGE_EXECUTABLE")
	}

	listener, err := net.Listen("tcp", cfg.Paths.APIBind)
	if err != nil {
		fileWatch.Close()
		return fmt.Errorf("listen on %s: %w", cfg.Paths.APIBind, err)
	}
	httpServer := &http.Server{
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()
	logger.Info("zimage-bridge listening", "addr", listener.Addr().String(), "config", ctx.configPath)

	select {
	case <-signalCtx.Done():
		logger.Info("zimage-bridge shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			fileWatch.Close()
			ctrl.Shutdown()
			return fmt.Errorf("serve: %w", err)
		}
	}

	fileWatch.Close()
	ctrl.Shutdown()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
		httpServer.Close()
	}
	return nil
}
