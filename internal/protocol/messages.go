// Package protocol defines the JSON frames exchanged over the chat relay
// socket. Every frame carries a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/counselly/edge/internal/identity"
)

// Client -> Server message types.
const (
	TypeMessage = "message"
	TypePing    = "ping"
)

// Server -> Client message types. TypeMessage is shared with the client.
const (
	TypeSession     = "session"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadFrame       = "bad_frame"
	CodeInvalidMessage = "invalid_message"
	CodeUnavailable    = "unavailable"
)

// Envelope holds the message type and the raw JSON for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full frame and extracts only "type".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ChatMsg is a text message typed by the student or visitor. ClientID is an
// optional client-side correlation id echoed back in errors.
type ChatMsg struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ClientID string `json:"client_id,omitempty"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// SessionMsg tells the client which identity tags its traffic. It is the
// first frame on every connection.
type SessionMsg struct {
	Type    string               `json:"type"`
	Session identity.SessionData `json:"session"`
}

// ServerChatMsg is a message relayed from the counselling side.
type ServerChatMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// RateLimitedMsg is sent when a message was dropped by the rate limiter.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg reports a rejected frame.
type ErrorMsg struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"client_id,omitempty"`
}

// PongMsg answers a ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage decodes a client frame. It returns the message type and
// the concrete struct, or an error for malformed, unknown or server-only
// types.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload and forces its "type" field to msgType.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
