// Terminal session broker: hosts long-running interactive programs behind
// PTY or tmux backends and exposes them to browser clients over websockets.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/session-broker/internal/auth"
	"github.com/workspace/session-broker/internal/backend"
	"github.com/workspace/session-broker/internal/config"
	"github.com/workspace/session-broker/internal/gateway"
	"github.com/workspace/session-broker/internal/history"
	"github.com/workspace/session-broker/internal/logging"
	"github.com/workspace/session-broker/internal/session"
)

func main() {
	logging.Setup()
	slog.Info("Starting session broker")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Configuration loaded", "port", cfg.Port, "historyDB", cfg.HistoryDBPath)

	if err := os.MkdirAll(filepath.Dir(cfg.HistoryDBPath), 0o755); err != nil {
		slog.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}
	store, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		slog.Error("Failed to open history store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	validator, err := auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		slog.Error("Failed to initialize JWT validator", "error", err)
		os.Exit(1)
	}

	manager := session.NewManager(session.ManagerConfig{
		DefaultCommand:   cfg.DefaultShell,
		DefaultCols:      cfg.DefaultCols,
		DefaultRows:      cfg.DefaultRows,
		DestroyGrace:     cfg.DestroyGrace,
		RingBufferSize:   cfg.RingBufferSize,
		DetectorWindow:   cfg.DetectorWindow,
		HistoryMaxLines:  cfg.HistoryMaxLines,
		EventChannelSize: cfg.EventChannelSize,
	}, store)

	reattachSurvivors(manager, store)

	gw := gateway.New(cfg, validator, manager, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     gw.Routes(),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", "error", err)
	}

	cancel()

	// PTY sessions die with the broker; tmux sessions are only detached
	// and get reattached on the next boot.
	manager.Shutdown()

	slog.Info("Session broker stopped")
}

// reattachSurvivors restores live handles for tmux sessions that outlived
// the previous broker process. Sessions whose external tmux session is gone
// are marked closed so the store stops advertising them as active.
func reattachSurvivors(manager *session.Manager, store *history.Store) {
	if err := backend.TmuxAvailable(); err != nil {
		slog.Info("tmux not available, skipping session reattach", "reason", err)
		return
	}

	metas, err := store.ActiveSessions()
	if err != nil {
		slog.Error("Failed to list active sessions", "error", err)
		return
	}

	for _, meta := range metas {
		if meta.Backend != string(backend.KindTmux) {
			// PTY sessions cannot survive a restart.
			if err := store.MarkSessionStatus(meta.SessionID, "closed"); err != nil {
				slog.Warn("Mark stale session closed failed", "session", meta.SessionID, "error", err)
			}
			continue
		}
		if err := manager.EnsureSessionAttached(meta.SessionID); err != nil {
			slog.Warn("Reattach failed, marking closed", "session", meta.SessionID, "error", err)
			if err := store.MarkSessionStatus(meta.SessionID, "closed"); err != nil {
				slog.Warn("Mark session closed failed", "session", meta.SessionID, "error", err)
			}
			continue
		}
		slog.Info("Reattached surviving tmux session", "session", meta.SessionID)
	}
}
