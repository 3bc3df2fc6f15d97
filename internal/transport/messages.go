// ABOUTME: JSON control frames exchanged over the WebSocket
// ABOUTME: Agent event frames are defined by the bridge

package transport

import (
	"time"

	"github.com/2389/netra-gateway/internal/tracectx"
)

const maxMessageSize = 64 * 1024

const (
	msgConnectionEstablished = "connection_established"
	msgPing                  = "ping"
	msgPong                  = "pong"
	msgSessionUpdate         = "session_update"
	msgSessionUpdated        = "session_updated"
	msgError                 = "error"
)

type clientMessage struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type connectionEstablished struct {
	Type         string               `json:"type"`
	ConnectionID string               `json:"connection_id"`
	UserID       string               `json:"user_id"`
	AuthMethod   string               `json:"auth_method"`
	Degraded     bool                 `json:"degraded"`
	Restored     bool                 `json:"restored"`
	Session      map[string]any       `json:"session,omitempty"`
	Trace        tracectx.WireContext `json:"trace"`
	Timestamp    time.Time            `json:"timestamp"`
}

type pongMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type ackMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
