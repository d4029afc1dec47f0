package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/chatline/pkg/auth"
	"github.com/NicolasHaas/chatline/pkg/model"
	"github.com/NicolasHaas/chatline/pkg/protocol"
)

// StartListener starts the TCP line-protocol listener.
func (s *Server) StartListener() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln

	slog.Info("line listener started", "addr", ln.Addr())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					if errors.Is(err, net.ErrClosed) {
						return
					}
					slog.Error("accept error", "err", err)
					continue
				}
			}
			go s.handleConn(conn)
		}
	}()

	return nil
}

// connHandler owns one client connection: its write lock, the identity
// bound by login, and the idempotent teardown.
type connHandler struct {
	srv  *Server
	conn net.Conn
	tag  string // short connection tag for logs before login binds an identity

	writeMu sync.Mutex

	email    string
	username string
	session  *Session

	cleanupOnce sync.Once
}

// handleConn handles a single client connection lifecycle.
func (s *Server) handleConn(conn net.Conn) {
	h := &connHandler{srv: s, conn: conn, tag: uuid.NewString()[:8]}

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	slog.Debug("client connected", "conn", h.tag, "remote", conn.RemoteAddr())

	defer h.cleanup()

	lr := protocol.NewLineReader(conn)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		line, err := lr.ReadLine()
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				slog.Error("read error", "conn", h.tag, "err", err)
			}
			return
		}

		env, err := protocol.Decode(line)
		if err != nil {
			slog.Warn("malformed envelope", "conn", h.tag, "err", err)
			h.sendError("Invalid message format")
			continue
		}

		h.dispatch(env)
	}
}

// dispatch routes one envelope to the appropriate handler.
func (h *connHandler) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegister:
		h.handleRegister(env)

	case protocol.TypeLogin:
		h.handleLogin(env)

	case protocol.TypeMessage:
		h.handleMessage(env)

	case protocol.TypePrivateMessage:
		h.handlePrivateMessage(env)

	case protocol.TypeFile:
		h.handleFile(env)

	case protocol.TypeGetUsers:
		h.sendUserList()

	case protocol.TypeGetHistory:
		h.handleGetHistory(env)

	case protocol.TypeTyping:
		h.handleTyping(env)

	case protocol.TypeGetFiles:
		h.handleGetFiles()

	case protocol.TypeLogout:
		h.cleanup()

	default:
		h.sendError("Unknown message type: " + env.Type)
	}
}

// cleanup tears the connection down exactly once: presence goes offline,
// the session leaves the registry, and the remaining clients learn about
// the departure. Safe to call from logout and from the read loop's defer.
func (h *connHandler) cleanup() {
	h.cleanupOnce.Do(func() {
		if h.email != "" {
			// A session displaced by a newer login owns neither the
			// registry entry nor the presence state anymore; it must not
			// mark the account offline or announce a departure the
			// replacement already supersedes.
			if h.srv.registry.Unregister(h.email, h.session) {
				if err := h.srv.auth.UpdateStatus(h.email, model.StatusOffline); err != nil {
					slog.Error("mark offline failed", "email", h.email, "err", err)
				}
				slog.Info("client disconnected", "email", h.email, "username", h.username)
				h.srv.broadcast(&protocol.Envelope{
					Type:      protocol.TypeUserLeft,
					Sender:    h.email,
					Username:  h.username,
					Content:   protocol.StringContent(h.username + " left the chat"),
					Timestamp: nowMillis(),
				}, "")
				h.srv.broadcastUserList()
			}
		} else {
			slog.Debug("client disconnected", "conn", h.tag)
		}

		h.srv.metrics.ActiveConnections.Add(-1)
		h.srv.metrics.TotalDisconnects.Add(1)
		_ = h.conn.Close()
	})
}

// send delivers one envelope over the connection. The write lock keeps
// broadcast deliveries from interleaving with direct responses.
func (h *connHandler) send(env *protocol.Envelope) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return protocol.WriteEnvelope(h.conn, env)
}

func (h *connHandler) sendError(message string) {
	err := h.send(&protocol.Envelope{
		Type:      protocol.TypeError,
		Content:   protocol.StringContent(message),
		Timestamp: nowMillis(),
	})
	if err != nil {
		slog.Debug("error response write failed", "conn", h.tag, "err", err)
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

func (h *connHandler) handleRegister(env *protocol.Envelope) {
	var req registerRequest
	if err := env.Content.Decode(&req); err != nil {
		h.sendError("Invalid message format")
		return
	}

	resp := map[string]any{"success": true, "message": "Registration successful"}
	if err := h.srv.auth.Register(req.Email, req.Password, req.Username); err != nil {
		resp["success"] = false
		if errors.Is(err, auth.ErrEmailTaken) {
			resp["message"] = "Email already registered"
		} else {
			resp["message"] = clientMessage(err)
		}
		slog.Debug("registration rejected", "conn", h.tag, "email", req.Email, "err", err)
	} else {
		slog.Info("user registered", "conn", h.tag, "email", req.Email, "username", req.Username)
	}

	content, err := protocol.ObjectContent(resp)
	if err != nil {
		slog.Error("encode register response", "err", err)
		return
	}
	_ = h.send(&protocol.Envelope{
		Type:      protocol.TypeRegisterResponse,
		Content:   content,
		Timestamp: nowMillis(),
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *connHandler) handleLogin(env *protocol.Envelope) {
	var req loginRequest
	if err := env.Content.Decode(&req); err != nil {
		h.sendError("Invalid message format")
		return
	}

	user, err := h.srv.auth.Login(req.Email, req.Password)
	if err != nil {
		h.srv.metrics.FailedAuths.Add(1)
		message := "Invalid credentials"
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			slog.Error("login failed", "conn", h.tag, "err", err)
			message = "Login failed"
		}
		content, _ := protocol.ObjectContent(map[string]any{"success": false, "message": message})
		_ = h.send(&protocol.Envelope{
			Type:      protocol.TypeLoginResponse,
			Content:   content,
			Timestamp: nowMillis(),
		})
		return
	}

	h.email = user.Email
	h.username = user.Username
	h.srv.metrics.SuccessfulAuths.Add(1)

	content, err := protocol.ObjectContent(map[string]any{
		"success":  true,
		"message":  "Login successful",
		"email":    user.Email,
		"username": user.Username,
	})
	if err != nil {
		slog.Error("encode login response", "err", err)
		return
	}
	if err := h.send(&protocol.Envelope{
		Type:      protocol.TypeLoginResponse,
		Content:   content,
		Timestamp: nowMillis(),
	}); err != nil {
		slog.Error("login response write failed", "conn", h.tag, "err", err)
		return
	}

	session := NewSession(user.Email, user.Username, h.send, func() { _ = h.conn.Close() })
	if displaced := h.srv.registry.Register(session); displaced != nil && displaced != h.session {
		_ = displaced.Send(&protocol.Envelope{
			Type:      protocol.TypeError,
			Content:   protocol.StringContent("logged in from another location"),
			Timestamp: nowMillis(),
		})
		displaced.Close()
		slog.Info("displaced previous session", "email", user.Email)
	}
	h.session = session

	slog.Info("client authenticated", "conn", h.tag, "email", user.Email, "username", user.Username)

	// Announce the arrival to everyone else, then sync rosters and push
	// recent history to the newcomer.
	h.srv.broadcast(&protocol.Envelope{
		Type:      protocol.TypeUserJoined,
		Sender:    user.Email,
		Username:  user.Username,
		Content:   protocol.StringContent(user.Username + " joined the chat"),
		Timestamp: nowMillis(),
	}, user.Email)
	h.sendUserList()
	h.srv.broadcastUserList()
	h.sendHistory(h.srv.cfg.HistoryLimit)
}

func (h *connHandler) handleMessage(env *protocol.Envelope) {
	sender := h.email
	if sender == "" {
		sender = env.Sender
	}
	if sender == "" {
		h.sendError("Not authenticated")
		return
	}

	body, ok := env.Content.AsString()
	if !ok {
		h.sendError("Invalid message format")
		return
	}
	msg := model.Message{Sender: sender, Body: body}
	if err := msg.Validate(); err != nil {
		h.sendError(err.Error())
		return
	}

	// Persistence is best-effort; a failed save never blocks the relay.
	if err := h.srv.store.SaveMessage(sender, "", body); err != nil {
		slog.Error("save message failed", "sender", sender, "err", err)
	}

	h.srv.metrics.MessagesRelayed.Add(1)
	h.srv.broadcast(&protocol.Envelope{
		Type:      protocol.TypeMessage,
		Sender:    sender,
		Username:  h.senderName(sender),
		Content:   protocol.StringContent(body),
		Timestamp: nowMillis(),
	}, "")
}

func (h *connHandler) handlePrivateMessage(env *protocol.Envelope) {
	if h.email == "" {
		h.sendError("Not authenticated")
		return
	}
	if env.Receiver == "" {
		h.sendError("Private message requires a receiver")
		return
	}

	body, ok := env.Content.AsString()
	if !ok {
		h.sendError("Invalid message format")
		return
	}
	msg := model.Message{Sender: h.email, Receiver: env.Receiver, Body: body}
	if err := msg.Validate(); err != nil {
		h.sendError(err.Error())
		return
	}

	if err := h.srv.store.SaveMessage(h.email, env.Receiver, body); err != nil {
		slog.Error("save private message failed", "sender", h.email, "err", err)
	}

	out := &protocol.Envelope{
		Type:      protocol.TypePrivateMessage,
		Sender:    h.email,
		Receiver:  env.Receiver,
		Username:  h.username,
		Content:   protocol.StringContent(body),
		Timestamp: nowMillis(),
	}

	// An offline receiver is not an error: the message is stored and the
	// sender still gets the echo.
	if err := h.srv.registry.SendTo(env.Receiver, out); err != nil && !errors.Is(err, ErrNotConnected) {
		h.srv.metrics.BroadcastWriteFailures.Add(1)
		slog.Error("private message delivery failed", "to", env.Receiver, "err", err)
	}
	_ = h.send(out)
	h.srv.metrics.PrivateMessages.Add(1)
}

func (h *connHandler) handleFile(env *protocol.Envelope) {
	sender := h.email
	if sender == "" {
		sender = env.Sender
	}
	if sender == "" {
		h.sendError("Not authenticated")
		return
	}

	var payload protocol.FilePayload
	if err := env.Content.Decode(&payload); err != nil {
		h.sendError("Invalid message format")
		return
	}
	data, err := protocol.DecodeFileData(payload.Data)
	if err != nil {
		h.sendError("Failed to process file: invalid file data")
		return
	}

	// Shared files are stored for everyone: the receiver is cleared both
	// in the record and on the fanned-out envelope.
	record := model.FileRecord{
		Filename:  payload.Filename,
		Data:      data,
		MediaType: payload.Type,
		Sender:    sender,
	}
	if err := h.srv.store.SaveFile(&record); err != nil {
		slog.Error("save file failed", "sender", sender, "filename", payload.Filename, "err", err)
		h.sendError("Failed to process file: " + clientMessage(err))
		return
	}

	slog.Info("file shared", "sender", sender, "filename", payload.Filename, "bytes", len(data))
	h.srv.metrics.FilesShared.Add(1)

	h.srv.broadcast(&protocol.Envelope{
		Type:      protocol.TypeFile,
		Sender:    sender,
		Username:  h.senderName(sender),
		Content:   env.Content,
		Timestamp: nowMillis(),
	}, sender)
}

func (h *connHandler) handleGetHistory(env *protocol.Envelope) {
	limit := h.srv.cfg.HistoryLimit
	var requested int
	if err := env.Content.Decode(&requested); err == nil && requested > 0 {
		limit = requested
	}
	h.sendHistory(limit)
}

func (h *connHandler) handleTyping(env *protocol.Envelope) {
	if h.email == "" {
		h.sendError("Not authenticated")
		return
	}
	h.srv.broadcast(&protocol.Envelope{
		Type:      protocol.TypeTyping,
		Sender:    h.email,
		Username:  h.username,
		Content:   env.Content,
		Timestamp: nowMillis(),
	}, h.email)
}

// fileEntry is one element of a files_list response. Data is re-encoded
// as a data URL so browser clients can render it directly.
type fileEntry struct {
	ID        int64  `json:"id"`
	Filename  string `json:"filename"`
	Type      string `json:"fileType"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver,omitempty"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func (h *connHandler) handleGetFiles() {
	if h.email == "" {
		h.sendError("Not authenticated")
		return
	}

	files, err := h.srv.store.ListVisibleTo(h.email)
	if err != nil {
		slog.Error("list files failed", "email", h.email, "err", err)
		h.sendError("Failed to load files")
		return
	}

	entries := make([]fileEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, fileEntry{
			ID:        f.ID,
			Filename:  f.Filename,
			Type:      f.MediaType,
			Sender:    f.Sender,
			Receiver:  f.Receiver,
			Data:      protocol.EncodeDataURL(f.MediaType, f.Data),
			Timestamp: f.CreatedAt.UnixMilli(),
		})
	}

	content, err := protocol.ObjectContent(entries)
	if err != nil {
		slog.Error("encode files list", "err", err)
		return
	}
	_ = h.send(&protocol.Envelope{
		Type:      protocol.TypeFilesList,
		Content:   content,
		Timestamp: nowMillis(),
	})
}

// sendUserList sends the online roster to this connection only.
func (h *connHandler) sendUserList() {
	users, err := h.srv.auth.ListOnline()
	if err != nil {
		slog.Error("list online users failed", "err", err)
		h.sendError("Failed to load user list")
		return
	}
	content, err := protocol.ObjectContent(users)
	if err != nil {
		slog.Error("encode user list", "err", err)
		return
	}
	_ = h.send(&protocol.Envelope{
		Type:      protocol.TypeUserList,
		Content:   content,
		Timestamp: nowMillis(),
	})
}

// sendHistory pushes the most recent broadcast messages, oldest first,
// rendered as message envelopes so clients reuse their display path.
func (h *connHandler) sendHistory(limit int) {
	msgs, err := h.srv.store.RecentBroadcast(limit)
	if err != nil {
		slog.Error("load history failed", "err", err)
		h.sendError("Failed to load history")
		return
	}

	names := make(map[string]string)
	entries := make([]protocol.Envelope, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, protocol.Envelope{
			Type:      protocol.TypeMessage,
			Sender:    m.Sender,
			Username:  h.srv.displayName(m.Sender, names),
			Content:   protocol.StringContent(m.Body),
			Timestamp: m.CreatedAt.UnixMilli(),
		})
	}

	content, err := protocol.ObjectContent(entries)
	if err != nil {
		slog.Error("encode history", "err", err)
		return
	}
	_ = h.send(&protocol.Envelope{
		Type:      protocol.TypeHistory,
		Content:   content,
		Timestamp: nowMillis(),
	})
}

// senderName resolves the display name for an envelope this handler is
// about to relay.
func (h *connHandler) senderName(sender string) string {
	if sender == h.email && h.username != "" {
		return h.username
	}
	return h.srv.displayName(sender, make(map[string]string))
}

// broadcast fans env out to every session except exclude ("" excludes
// nobody), counting write failures instead of raising them.
func (s *Server) broadcast(env *protocol.Envelope, exclude string) {
	for _, email := range s.registry.Broadcast(env, exclude) {
		s.metrics.BroadcastWriteFailures.Add(1)
		slog.Error("broadcast write failed", "to", email, "type", env.Type)
	}
}

// broadcastUserList pushes the online roster to every session.
func (s *Server) broadcastUserList() {
	users, err := s.auth.ListOnline()
	if err != nil {
		slog.Error("list online users failed", "err", err)
		return
	}
	content, err := protocol.ObjectContent(users)
	if err != nil {
		slog.Error("encode user list", "err", err)
		return
	}
	s.broadcast(&protocol.Envelope{
		Type:      protocol.TypeUserList,
		Content:   content,
		Timestamp: nowMillis(),
	}, "")
}

// displayName resolves an email to its username, falling back to the
// email itself for accounts that no longer exist. cache spans one
// response so history rendering does not hit the store per message.
func (s *Server) displayName(email string, cache map[string]string) string {
	if name, ok := cache[email]; ok {
		return name
	}
	name := email
	if user, err := s.auth.GetUserByEmail(email); err == nil && user != nil {
		name = user.Username
	}
	cache[email] = name
	return name
}

// clientMessage extracts the innermost error text for a client-facing
// response, without the internal wrap prefixes.
func clientMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		msg = msg[i+2:]
	}
	return msg
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
