// Package protocol defines the envelope exchanged over the line and frame
// transports, and the newline-delimited JSON codec for it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope type tags understood by the dispatcher.
const (
	TypeRegister         = "register"
	TypeRegisterResponse = "register_response"
	TypeLogin            = "login"
	TypeLoginResponse    = "login_response"
	TypeMessage          = "message"
	TypePrivateMessage   = "private_message"
	TypeFile             = "file"
	TypeGetUsers         = "get_users"
	TypeUserList         = "user_list"
	TypeGetHistory       = "get_history"
	TypeHistory          = "history"
	TypeTyping           = "typing"
	TypeLogout           = "logout"
	TypeGetFiles         = "get_files"
	TypeFilesList        = "files_list"
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypeError            = "error"
)

var (
	ErrMissingType  = errors.New("protocol: envelope has no type")
	ErrNotString    = errors.New("protocol: content is not a string")
	ErrEmptyContent = errors.New("protocol: content is empty")
)

// Envelope is the sole wire unit. An absent Receiver means broadcast.
// Unknown extra fields on inbound envelopes are ignored by the decoder.
type Envelope struct {
	Type      string  `json:"type"`
	Sender    string  `json:"sender,omitempty"`
	Receiver  string  `json:"receiver,omitempty"`
	Content   Content `json:"content,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"` // milliseconds since epoch
	Username  string  `json:"username,omitempty"`
}

// Content carries the envelope payload, which may be a plain JSON string
// or a structured value depending on the envelope type. It preserves the
// raw bytes so encode(decode(x)) keeps the payload intact; each handler
// asserts the shape it needs via AsString or Decode.
type Content []byte

// StringContent wraps a plain string payload.
func StringContent(s string) Content {
	raw, _ := json.Marshal(s)
	return Content(raw)
}

// ObjectContent marshals v as a structured payload.
func ObjectContent(v any) (Content, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal content: %w", err)
	}
	return Content(raw), nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("null"), nil
	}
	return c, nil
}

func (c *Content) UnmarshalJSON(data []byte) error {
	*c = append((*c)[:0], data...)
	return nil
}

// IsZero reports whether the payload is absent or JSON null.
func (c Content) IsZero() bool {
	return len(c) == 0 || string(c) == "null"
}

// AsString returns the payload as a plain string. ok is false when the
// payload is absent or structured.
func (c Content) AsString() (string, bool) {
	if c.IsZero() {
		return "", false
	}
	var s string
	if err := json.Unmarshal(c, &s); err != nil {
		return "", false
	}
	return s, true
}

// Decode unmarshals a structured payload into v. A payload that is itself
// a JSON-encoded string is unwrapped first: gson-era clients send
// `"{\"email\": ...}"` where newer ones send the object directly.
func (c Content) Decode(v any) error {
	if c.IsZero() {
		return ErrEmptyContent
	}
	raw := []byte(c)
	if s, ok := c.AsString(); ok {
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("protocol: decode content: %w", err)
	}
	return nil
}

// Decode parses one wire line into an envelope. A missing type tag is a
// protocol error; unknown fields are dropped silently.
func Decode(line []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(line, env); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	return env, nil
}

// Encode serializes an envelope to one line, without the trailing newline.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return data, nil
}
