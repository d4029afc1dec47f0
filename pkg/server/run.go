package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	defer func() { _ = s.store.Close() }()

	// A crashed run can leave stale online rows behind; presence starts
	// from a clean slate.
	if err := s.auth.SetAllOffline(); err != nil {
		return fmt.Errorf("server: reset presence: %w", err)
	}

	if err := s.StartListener(); err != nil {
		return err
	}
	if err := s.StartBridge(); err != nil {
		return err
	}

	slog.Info("chatline server running",
		"listen", s.cfg.ListenAddr,
		"bridge", s.cfg.BridgeAddr,
	)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server: no new connections, live
// sessions closed, every account swept offline.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.bridge != nil {
		_ = s.bridge.Close()
	}
	s.registry.CloseAll()
	if err := s.auth.SetAllOffline(); err != nil {
		slog.Error("offline sweep failed", "err", err)
	}
}
