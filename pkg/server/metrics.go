package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections atomic.Int64 // current active connections
	BridgeConnections atomic.Int64 // lifetime WebSocket bridge sessions
	FailedAuths       atomic.Int64 // failed login attempts
	SuccessfulAuths   atomic.Int64 // successful login attempts
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)

	// Relay counters
	MessagesRelayed        atomic.Int64 // broadcast chat messages relayed
	PrivateMessages        atomic.Int64 // direct messages delivered or stored
	FilesShared            atomic.Int64 // files accepted and fanned out
	BroadcastWriteFailures atomic.Int64 // per-session broadcast write failures
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a
// serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	BridgeConnections int64 `json:"bridge_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	MessagesRelayed        int64 `json:"messages_relayed"`
	PrivateMessages        int64 `json:"private_messages"`
	FilesShared            int64 `json:"files_shared"`
	BroadcastWriteFailures int64 `json:"broadcast_write_failures"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:                 uptime.Truncate(time.Second).String(),
		UptimeSeconds:          int64(uptime.Seconds()),
		ActiveConnections:      m.ActiveConnections.Load(),
		TotalConnections:       m.TotalConnections.Load(),
		BridgeConnections:      m.BridgeConnections.Load(),
		SuccessfulAuths:        m.SuccessfulAuths.Load(),
		FailedAuths:            m.FailedAuths.Load(),
		TotalDisconnects:       m.TotalDisconnects.Load(),
		MessagesRelayed:        m.MessagesRelayed.Load(),
		PrivateMessages:        m.PrivateMessages.Load(),
		FilesShared:            m.FilesShared.Load(),
		BroadcastWriteFailures: m.BroadcastWriteFailures.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"messages", s.MessagesRelayed,
		"private_messages", s.PrivateMessages,
		"files", s.FilesShared,
		"write_failures", s.BroadcastWriteFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
