// Package server implements the chatline relay server.
package server

import (
	"context"
	"net"
	"net/http"

	"github.com/NicolasHaas/chatline/pkg/auth"
	"github.com/NicolasHaas/chatline/pkg/store"
)

// Config holds server configuration.
type Config struct {
	ListenAddr   string // TCP bind address for the line protocol (e.g. ":8081")
	BridgeAddr   string // HTTP bind address for the WebSocket bridge (empty = disabled)
	MetricsAddr  string // HTTP bind address for /metrics endpoint (empty = disabled)
	DBPath       string // SQLite database path
	HistoryLimit int    // default number of messages returned by get_history
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store store.DataStore
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8081",
		BridgeAddr:   ":8082",
		MetricsAddr:  ":9091",
		DBPath:       "chatline.db",
		HistoryLimit: 50,
	}
}

// Server is the main chatline relay server.
type Server struct {
	cfg      Config
	registry *Registry
	metrics  *Metrics
	auth     *auth.Service
	store    store.DataStore
	listener net.Listener
	bridge   *http.Server
	bridgeLn net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		metrics:  NewMetrics(),
		auth:     auth.New(deps.Store),
		store:    deps.Store,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// ListenerAddr returns the bound address of the line listener, or "" when
// the listener has not started. Useful with ":0" configs in tests.
func (s *Server) ListenerAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BridgeHTTPAddr returns the bound address of the bridge HTTP server, or
// "" when the bridge is disabled or not started.
func (s *Server) BridgeHTTPAddr() string {
	if s.bridgeLn == nil {
		return ""
	}
	return s.bridgeLn.Addr().String()
}
