package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :9091 by default — configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("chatline_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("chatline_connections_active", "Current active connections.", "gauge",
		m.ActiveConnections.Load())
	write("chatline_connections_total", "Lifetime TCP connections accepted.", "counter",
		m.TotalConnections.Load())
	write("chatline_bridge_connections_total", "Lifetime WebSocket bridge sessions.", "counter",
		m.BridgeConnections.Load())
	write("chatline_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("chatline_auth_success_total", "Successful login attempts.", "counter",
		m.SuccessfulAuths.Load())
	write("chatline_auth_failed_total", "Failed login attempts.", "counter",
		m.FailedAuths.Load())

	write("chatline_messages_total", "Broadcast chat messages relayed.", "counter",
		m.MessagesRelayed.Load())
	write("chatline_private_messages_total", "Direct messages delivered or stored.", "counter",
		m.PrivateMessages.Load())
	write("chatline_files_shared_total", "Files accepted and fanned out.", "counter",
		m.FilesShared.Load())
	write("chatline_broadcast_write_failures_total", "Per-session broadcast write failures.", "counter",
		m.BroadcastWriteFailures.Load())
}
