package server

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/NicolasHaas/chatline/pkg/model"
	"github.com/NicolasHaas/chatline/pkg/protocol"
	"github.com/NicolasHaas/chatline/pkg/store"
)

func newRelay(t *testing.T) *Server {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.BridgeAddr = ""
	cfg.MetricsAddr = ""

	srv := New(cfg, Dependencies{Store: store.NewMemory()})
	if err := srv.StartListener(); err != nil {
		t.Fatalf("StartListener: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

// testClient drives one line-protocol connection with strict, in-order
// envelope expectations.
type testClient struct {
	t    *testing.T
	conn net.Conn
	lr   *protocol.LineReader
}

func dialRelay(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.ListenerAddr())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, lr: protocol.NewLineReader(conn)}
}

func (c *testClient) send(env *protocol.Envelope) {
	c.t.Helper()
	if err := protocol.WriteEnvelope(c.conn, env); err != nil {
		c.t.Fatalf("send %s: %v", env.Type, err)
	}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("send raw: %v", err)
	}
}

func (c *testClient) recv() *protocol.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	env, err := c.lr.ReadEnvelope()
	if err != nil {
		c.t.Fatalf("recv: %v", err)
	}
	return env
}

func (c *testClient) recvType(want string) *protocol.Envelope {
	c.t.Helper()
	env := c.recv()
	if env.Type != want {
		c.t.Fatalf("received %q envelope, want %q (content %s)", env.Type, want, string(env.Content))
	}
	return env
}

func (c *testClient) register(email, username string) {
	c.t.Helper()
	content, err := protocol.ObjectContent(map[string]string{
		"email": email, "password": "hunter22", "username": username,
	})
	if err != nil {
		c.t.Fatalf("encode register: %v", err)
	}
	c.send(&protocol.Envelope{Type: protocol.TypeRegister, Content: content})

	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	env := c.recvType(protocol.TypeRegisterResponse)
	if err := env.Content.Decode(&resp); err != nil {
		c.t.Fatalf("decode register response: %v", err)
	}
	if !resp.Success {
		c.t.Fatalf("registration rejected: %s", resp.Message)
	}
}

// login authenticates and consumes the full login sequence, returning the
// pushed history entries.
func (c *testClient) login(email string) []protocol.Envelope {
	c.t.Helper()
	content, err := protocol.ObjectContent(map[string]string{
		"email": email, "password": "hunter22",
	})
	if err != nil {
		c.t.Fatalf("encode login: %v", err)
	}
	c.send(&protocol.Envelope{Type: protocol.TypeLogin, Content: content})

	var resp struct {
		Success  bool   `json:"success"`
		Message  string `json:"message"`
		Email    string `json:"email"`
		Username string `json:"username"`
	}
	env := c.recvType(protocol.TypeLoginResponse)
	if err := env.Content.Decode(&resp); err != nil {
		c.t.Fatalf("decode login response: %v", err)
	}
	if !resp.Success {
		c.t.Fatalf("login rejected: %s", resp.Message)
	}
	if resp.Email != email {
		c.t.Fatalf("login response email = %q, want %q", resp.Email, email)
	}

	c.recvType(protocol.TypeUserList) // direct roster
	c.recvType(protocol.TypeUserList) // roster broadcast includes self
	h := c.recvType(protocol.TypeHistory)

	var entries []protocol.Envelope
	if err := h.Content.Decode(&entries); err != nil {
		c.t.Fatalf("decode history: %v", err)
	}
	return entries
}

// drainArrival consumes the user_joined/user_list pair an existing client
// sees when another client logs in.
func (c *testClient) drainArrival() {
	c.t.Helper()
	c.recvType(protocol.TypeUserJoined)
	c.recvType(protocol.TypeUserList)
}

func (c *testClient) expectError(message string) {
	c.t.Helper()
	env := c.recvType(protocol.TypeError)
	got, ok := env.Content.AsString()
	if !ok || got != message {
		c.t.Fatalf("error content = %q, want %q", got, message)
	}
}

func TestRegisterLoginFlow(t *testing.T) {
	srv := newRelay(t)
	c := dialRelay(t, srv)

	c.register("alice@example.com", "alice")

	// Duplicate registration is a rejected response, not a dropped
	// connection.
	content, _ := protocol.ObjectContent(map[string]string{
		"email": "alice@example.com", "password": "hunter22", "username": "alice2",
	})
	c.send(&protocol.Envelope{Type: protocol.TypeRegister, Content: content})
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	env := c.recvType(protocol.TypeRegisterResponse)
	if err := env.Content.Decode(&resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if resp.Success || resp.Message != "Email already registered" {
		t.Fatalf("duplicate register response = %+v", resp)
	}

	history := c.login("alice@example.com")
	if len(history) != 0 {
		t.Errorf("fresh server history = %d entries, want 0", len(history))
	}

	c.send(&protocol.Envelope{Type: protocol.TypeGetUsers})
	ul := c.recvType(protocol.TypeUserList)
	var users []model.User
	if err := ul.Content.Decode(&users); err != nil {
		t.Fatalf("decode user list: %v", err)
	}
	if len(users) != 1 || users[0].Username != "alice" || users[0].Status != model.StatusOnline {
		t.Errorf("user list = %+v", users)
	}
}

func TestLoginStringWrappedContent(t *testing.T) {
	srv := newRelay(t)
	c := dialRelay(t, srv)
	c.register("a@x.com", "alice")

	// Older clients stringify the credentials object before sending.
	c.send(&protocol.Envelope{
		Type:    protocol.TypeLogin,
		Content: protocol.StringContent(`{"email":"a@x.com","password":"hunter22"}`),
	})

	var resp struct {
		Success  bool   `json:"success"`
		Username string `json:"username"`
	}
	env := c.recvType(protocol.TypeLoginResponse)
	if err := env.Content.Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if !resp.Success || resp.Username != "alice" {
		t.Fatalf("login response = %+v", resp)
	}
}

func TestBroadcastMessageAndHistory(t *testing.T) {
	srv := newRelay(t)

	a := dialRelay(t, srv)
	a.register("a@x.com", "alice")
	a.login("a@x.com")

	b := dialRelay(t, srv)
	b.register("b@x.com", "bob")
	b.login("b@x.com")
	a.drainArrival()

	a.send(&protocol.Envelope{
		Type:    protocol.TypeMessage,
		Content: protocol.StringContent("hello everyone"),
	})

	// Broadcast messages echo to the sender too.
	for _, c := range []*testClient{a, b} {
		env := c.recvType(protocol.TypeMessage)
		if env.Sender != "a@x.com" || env.Username != "alice" {
			t.Errorf("message sender = %q/%q", env.Sender, env.Username)
		}
		body, ok := env.Content.AsString()
		if !ok || body != "hello everyone" {
			t.Errorf("message body = %q", body)
		}
		if env.Timestamp == 0 {
			t.Error("message has no timestamp")
		}
	}

	// A newcomer sees the message in the pushed history.
	c := dialRelay(t, srv)
	c.register("c@x.com", "carol")
	history := c.login("c@x.com")
	if len(history) != 1 {
		t.Fatalf("history = %d entries, want 1", len(history))
	}
	if history[0].Sender != "a@x.com" || history[0].Username != "alice" {
		t.Errorf("history entry sender = %q/%q", history[0].Sender, history[0].Username)
	}
	if body, _ := history[0].Content.AsString(); body != "hello everyone" {
		t.Errorf("history entry body = %q", body)
	}
}

func TestMessageValidation(t *testing.T) {
	srv := newRelay(t)
	a := dialRelay(t, srv)
	a.register("a@x.com", "alice")
	a.login("a@x.com")

	content, _ := protocol.ObjectContent(map[string]string{"not": "a string"})
	a.send(&protocol.Envelope{Type: protocol.TypeMessage, Content: content})
	a.expectError("Invalid message format")

	a.send(&protocol.Envelope{Type: protocol.TypeMessage, Content: protocol.StringContent("   ")})
	a.expectError("message body cannot be empty")

	// The connection survives rejected messages.
	a.send(&protocol.Envelope{Type: protocol.TypeMessage, Content: protocol.StringContent("still here")})
	env := a.recvType(protocol.TypeMessage)
	if body, _ := env.Content.AsString(); body != "still here" {
		t.Errorf("message body = %q", body)
	}
}

func TestPrivateMessage(t *testing.T) {
	srv := newRelay(t)

	a := dialRelay(t, srv)
	a.register("a@x.com", "alice")
	a.login("a@x.com")

	b := dialRelay(t, srv)
	b.register("b@x.com", "bob")
	b.login("b@x.com")
	a.drainArrival()

	c := dialRelay(t, srv)
	c.register("c@x.com", "carol")
	c.login("c@x.com")
	a.drainArrival()
	b.drainArrival()

	a.send(&protocol.Envelope{
		Type:     protocol.TypePrivateMessage,
		Receiver: "b@x.com",
		Content:  protocol.StringContent("between us"),
	})

	// Receiver and sender both get the envelope; nobody else does.
	for _, cl := range []*testClient{b, a} {
		env := cl.recvType(protocol.TypePrivateMessage)
		if env.Sender != "a@x.com" || env.Receiver != "b@x.com" || env.Username != "alice" {
			t.Errorf("private message routing = %q -> %q (%q)", env.Sender, env.Receiver, env.Username)
		}
		if body, _ := env.Content.AsString(); body != "between us" {
			t.Errorf("private message body = %q", body)
		}
	}

	c.send(&protocol.Envelope{Type: protocol.TypeGetUsers})
	c.recvType(protocol.TypeUserList)
}

func TestPrivateMessageOfflineReceiverStored(t *testing.T) {
	srv := newRelay(t)
	a := dialRelay(t, srv)
	a.register("a@x.com", "alice")
	a.login("a@x.com")

	a.send(&protocol.Envelope{
		Type:     protocol.TypePrivateMessage,
		Receiver: "ghost@x.com",
		Content:  protocol.StringContent("anyone home?"),
	})

	// Sender still gets the echo; the message is persisted regardless.
	env := a.recvType(protocol.TypePrivateMessage)
	if env.Receiver != "ghost@x.com" {
		t.Errorf("echo receiver = %q", env.Receiver)
	}
}

func TestTypingExcludesSender(t *testing.T) {
	srv := newRelay(t)

	a := dialRelay(t, srv)
	a.register("a@x.com", "alice")
	a.login("a@x.com")

	b := dialRelay(t, srv)
	b.register("b@x.com", "bob")
	b.login("b@x.com")
	a.drainArrival()

	a.send(&protocol.Envelope{Type: protocol.TypeTyping, Content: protocol.StringContent("true")})

	env := b.recvType(protocol.TypeTyping)
	if env.Sender != "a@x.com" || env.Username != "alice" {
		t.Errorf("typing sender = %q/%q", env.Sender, env.Username)
	}

	// The sender must not see their own typing event: the next envelope a
	// receives is the probe's roster, not the typing echo.
	a.send(&protocol.Envelope{Type: protocol.TypeGetUsers})
	a.recvType(protocol.TypeUserList)
}

func TestFileShareAndList(t *testing.T) {
	srv := newRelay(t)

	a := dialRelay(t, srv)
	a.register("a@x.com", "alice")
	a.login("a@x.com")

	b := dialRelay(t, srv)
	b.register("b@x.com", "bob")
	b.login("b@x.com")
	a.drainArrival()

	raw := []byte{1, 2, 3}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)
	content, err := protocol.ObjectContent(protocol.FilePayload{
		Filename: "cat.png", Data: dataURL, Type: "image/png",
	})
	if err != nil {
		t.Fatalf("encode file payload: %v", err)
	}
	a.send(&protocol.Envelope{Type: protocol.TypeFile, Content: content})

	env := b.recvType(protocol.TypeFile)
	if env.Sender != "a@x.com" || env.Username != "alice" {
		t.Errorf("file sender = %q/%q", env.Sender, env.Username)
	}
	var payload protocol.FilePayload
	if err := env.Content.Decode(&payload); err != nil {
		t.Fatalf("decode file payload: %v", err)
	}
	if payload.Filename != "cat.png" || payload.Data != dataURL {
		t.Errorf("file payload = %+v", payload)
	}

	// The sender is excluded from the fan-out but sees the file in the
	// stored listing.
	a.send(&protocol.Envelope{Type: protocol.TypeGetUsers})
	a.recvType(protocol.TypeUserList)

	a.send(&protocol.Envelope{Type: protocol.TypeGetFiles})
	fl := a.recvType(protocol.TypeFilesList)
	var entries []fileEntry
	if err := fl.Content.Decode(&entries); err != nil {
		t.Fatalf("decode files list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("files list = %d entries, want 1", len(entries))
	}
	if entries[0].Filename != "cat.png" || entries[0].Sender != "a@x.com" || entries[0].Data != dataURL {
		t.Errorf("files list entry = %+v", entries[0])
	}
}

func TestGetHistoryLimit(t *testing.T) {
	srv := newRelay(t)
	a := dialRelay(t, srv)
	a.register("a@x.com", "alice")
	a.login("a@x.com")

	for _, body := range []string{"one", "two", "three"} {
		a.send(&protocol.Envelope{Type: protocol.TypeMessage, Content: protocol.StringContent(body)})
		a.recvType(protocol.TypeMessage)
	}

	limit, _ := protocol.ObjectContent(2)
	a.send(&protocol.Envelope{Type: protocol.TypeGetHistory, Content: limit})
	h := a.recvType(protocol.TypeHistory)
	var entries []protocol.Envelope
	if err := h.Content.Decode(&entries); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("history = %d entries, want 2", len(entries))
	}
	first, _ := entries[0].Content.AsString()
	second, _ := entries[1].Content.AsString()
	if first != "two" || second != "three" {
		t.Errorf("history bodies = %q, %q; want oldest first", first, second)
	}
}

func TestUnauthenticatedAndMalformed(t *testing.T) {
	srv := newRelay(t)
	c := dialRelay(t, srv)

	c.send(&protocol.Envelope{Type: protocol.TypeTyping})
	c.expectError("Not authenticated")

	c.send(&protocol.Envelope{Type: protocol.TypeGetFiles})
	c.expectError("Not authenticated")

	c.send(&protocol.Envelope{Type: "wibble"})
	c.expectError("Unknown message type: wibble")

	c.sendRaw("this is not json")
	c.expectError("Invalid message format")

	c.sendRaw(`{"content":"no type"}`)
	c.expectError("Invalid message format")

	// All of the above leave the connection usable.
	c.register("a@x.com", "alice")
}

func TestLogoutAnnouncesDeparture(t *testing.T) {
	srv := newRelay(t)

	a := dialRelay(t, srv)
	a.register("a@x.com", "alice")
	a.login("a@x.com")

	b := dialRelay(t, srv)
	b.register("b@x.com", "bob")
	b.login("b@x.com")
	a.drainArrival()

	b.send(&protocol.Envelope{Type: protocol.TypeLogout})

	env := a.recvType(protocol.TypeUserLeft)
	if env.Sender != "b@x.com" {
		t.Errorf("user_left sender = %q", env.Sender)
	}
	if body, _ := env.Content.AsString(); body != "bob left the chat" {
		t.Errorf("user_left content = %q", body)
	}

	ul := a.recvType(protocol.TypeUserList)
	var users []model.User
	if err := ul.Content.Decode(&users); err != nil {
		t.Fatalf("decode user list: %v", err)
	}
	if len(users) != 1 || users[0].Email != "a@x.com" {
		t.Errorf("roster after logout = %+v", users)
	}

	_ = b.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := b.lr.ReadEnvelope(); err == nil {
		t.Error("logged-out connection still delivered an envelope")
	}
}

func TestDuplicateLoginDisplacesOldSession(t *testing.T) {
	srv := newRelay(t)

	a1 := dialRelay(t, srv)
	a1.register("a@x.com", "alice")
	a1.login("a@x.com")

	a2 := dialRelay(t, srv)
	a2.login("a@x.com")

	// The first connection is told why and then closed.
	a1.expectError("logged in from another location")
	_ = a1.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := a1.lr.ReadEnvelope(); err == nil {
		t.Fatal("displaced connection still delivered an envelope")
	}

	// Wait for the displaced handler to finish its teardown.
	deadline := time.Now().Add(5 * time.Second)
	for srv.metrics.ActiveConnections.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("displaced connection never cleaned up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if srv.registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", srv.registry.Count())
	}
	user, err := srv.auth.GetUserByEmail("a@x.com")
	if err != nil || user == nil {
		t.Fatalf("GetUserByEmail: %v, %v", user, err)
	}
	if user.Status != model.StatusOnline {
		t.Errorf("status after displacement = %q, want online", user.Status)
	}

	// The replacement session works normally.
	a2.send(&protocol.Envelope{Type: protocol.TypeMessage, Content: protocol.StringContent("still me")})
	env := a2.recvType(protocol.TypeMessage)
	if body, _ := env.Content.AsString(); body != "still me" {
		t.Errorf("message body = %q", body)
	}
}
