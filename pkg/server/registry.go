package server

import (
	"errors"
	"sync"

	"github.com/NicolasHaas/chatline/pkg/protocol"
)

// ErrNotConnected is reported by SendTo when the receiver has no session.
// Callers decide whether that is fatal; for direct messages it usually
// means persist-and-forget.
var ErrNotConnected = errors.New("server: recipient not connected")

// Session binds a login identity to a live connection's delivery sink.
// send must be safe for concurrent use; close must be idempotent.
type Session struct {
	Email    string
	Username string

	send  func(*protocol.Envelope) error
	close func()
}

// NewSession creates a session for a freshly authenticated connection.
func NewSession(email, username string, send func(*protocol.Envelope) error, close func()) *Session {
	return &Session{Email: email, Username: username, send: send, close: close}
}

// Send delivers one envelope to the session's connection.
func (s *Session) Send(env *protocol.Envelope) error {
	return s.send(env)
}

// Close tears down the session's underlying connection.
func (s *Session) Close() {
	if s.close != nil {
		s.close()
	}
}

// Registry is the concurrency-safe identity -> session map shared by all
// connection goroutines. Broadcast iterates over a snapshot so sessions
// may register or deregister mid-broadcast without corrupting the map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register inserts or replaces the session for its identity. When an
// entry is replaced, the displaced session is returned so the caller can
// force-close its connection.
func (r *Registry) Register(sess *Session) (displaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	displaced = r.sessions[sess.Email]
	r.sessions[sess.Email] = sess
	return displaced
}

// Unregister removes the mapping for email, but only if sess is still the
// registered session (or sess is nil). A handler displaced by a newer
// login must not remove its replacement. Reports whether an entry was
// removed.
func (r *Registry) Unregister(email string, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[email]
	if !ok {
		return false
	}
	if sess != nil && current != sess {
		return false
	}
	delete(r.sessions, email)
	return true
}

// Lookup returns the session registered for email, if any.
func (r *Registry) Lookup(email string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[email]
	return sess, ok
}

// Broadcast delivers env to every registered session except the one
// matching exclude (pass "" to exclude nobody). Delivery is best-effort
// per session: write failures are collected and returned, never raised.
func (r *Registry) Broadcast(env *protocol.Envelope, exclude string) (failed []string) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		snapshot = append(snapshot, sess)
	}
	r.mu.RUnlock()

	for _, sess := range snapshot {
		if exclude != "" && sess.Email == exclude {
			continue
		}
		if err := sess.Send(env); err != nil {
			failed = append(failed, sess.Email)
		}
	}
	return failed
}

// SendTo delivers env to exactly one session. Returns ErrNotConnected
// when the identity has no registered session.
func (r *Registry) SendTo(email string, env *protocol.Envelope) error {
	sess, ok := r.Lookup(email)
	if !ok {
		return ErrNotConnected
	}
	return sess.Send(env)
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of all registered sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// CloseAll closes every registered session's connection. Used on
// shutdown so blocked reads observe closure and run their cleanup.
func (r *Registry) CloseAll() {
	for _, sess := range r.List() {
		sess.Close()
	}
}
