// Package chat holds the chat frames the edge relays between browsers and
// the chat backend, the checks applied to outgoing text, and a short
// per-session transcript used to replay context on reconnect.
package chat

import (
	"github.com/counselly/edge/internal/identity"
)

// Event types.
const (
	EventMessage = "message"
	EventJoined  = "joined"
	EventLeft    = "left"
)

// Event is published to chat.outbound for every frame a browser sends. Each
// event carries the sender's SessionData so the chat backend can attribute
// it to a user, visitor or counsellor without trusting the browser.
type Event struct {
	Type    string               `json:"type"`
	Session identity.SessionData `json:"session"`
	Text    string               `json:"text,omitempty"`
	Ts      int64                `json:"ts"`
}

// Reply is what the chat backend publishes to chat.inbound.<session_id>.
type Reply struct {
	Type string `json:"type"`
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}
