package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/chatline/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The bridge fronts browser clients served from arbitrary origins;
	// auth happens over the relay protocol, not the HTTP handshake.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StartBridge starts the HTTP server that upgrades /ws requests and
// bridges each WebSocket to a fresh line-protocol connection. The line
// listener must be running first.
func (s *Server) StartBridge() error {
	if s.cfg.BridgeAddr == "" {
		return nil
	}

	target, err := s.bridgeTarget()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handleBridgeConn(w, r, target)
	})

	httpSrv := &http.Server{
		Addr:              s.cfg.BridgeAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.bridge = httpSrv

	ln, err := net.Listen("tcp", s.cfg.BridgeAddr)
	if err != nil {
		return fmt.Errorf("server: listen bridge: %w", err)
	}
	s.bridgeLn = ln

	slog.Info("websocket bridge started", "addr", ln.Addr(), "target", target)

	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("bridge server stopped", "err", err)
		}
	}()

	return nil
}

// bridgeTarget derives the dial address for the line listener. A config
// like ":8081" has no host, so loopback is assumed.
func (s *Server) bridgeTarget() (string, error) {
	addr := s.cfg.ListenAddr
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("server: bridge target %q: %w", addr, err)
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

// handleBridgeConn upgrades one WebSocket and pumps frames and lines in
// both directions until either side fails. One frame maps to exactly one
// line; payloads pass through untouched.
func (s *Server) handleBridgeConn(w http.ResponseWriter, r *http.Request, target string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	tcp, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		slog.Error("bridge dial failed", "target", target, "err", err)
		_ = ws.Close()
		return
	}

	s.metrics.BridgeConnections.Add(1)
	slog.Debug("bridge session opened", "remote", r.RemoteAddr)

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			_ = tcp.Close()
			_ = ws.Close()
			slog.Debug("bridge session closed", "remote", r.RemoteAddr)
		})
	}

	// Relay -> WebSocket: each line becomes one text frame.
	go func() {
		defer teardown()
		lr := protocol.NewLineReader(tcp)
		for {
			line, err := lr.ReadLine()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		}
	}()

	// WebSocket -> relay: each frame becomes one line.
	go func() {
		defer teardown()
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if _, err := tcp.Write(append(frame, '\n')); err != nil {
				return
			}
		}
	}()
}
