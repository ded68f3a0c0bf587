package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Command types accepted over the wire.
const (
	CommandSend     = "session:send"
	CommandAbort    = "session:abort"
	CommandComplete = "session:complete"
	CommandDelete   = "session:delete"
)

// Wire error codes, matching the error taxonomy.
const (
	CodeValidation  = "validation_error"
	CodeState       = "state_error"
	CodeNotFound    = "not_found"
	CodePersistence = "persistence_error"
	CodeAdapter     = "adapter_error"
	CodeAuth        = "auth_required"
	CodeRateLimit   = "rate_limited"
)

// Command is the inbound client envelope. Content is either a plain
// string or an array of content parts; it stays raw until dispatch.
type Command struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// EventEnvelope wraps one session event for the wire.
type EventEnvelope struct {
	Type      string      `json:"type"` // always "event"
	SessionID string      `json:"sessionId"`
	EventName string      `json:"eventName"`
	EventData interface{} `json:"eventData,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// WireError is the structured error payload.
type WireError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope reports a failed command without dropping the
// connection.
type ErrorEnvelope struct {
	Type      string    `json:"type"` // always "error"
	SessionID string    `json:"sessionId,omitempty"`
	Error     WireError `json:"error"`
	Timestamp int64     `json:"timestamp"`
}

// NewErrorEnvelope builds a timestamped error envelope.
func NewErrorEnvelope(sessionID, code, message string) ErrorEnvelope {
	return ErrorEnvelope{
		Type:      "error",
		SessionID: sessionID,
		Error:     WireError{Message: message, Code: code},
		Timestamp: time.Now().UnixMilli(),
	}
}

// AuthChallenge is the server's authentication challenge message.
type AuthChallenge struct {
	Type      string `json:"type"` // "auth.challenge"
	Challenge string `json:"challenge"`
}

// AuthResponse is the client's signed reply.
type AuthResponse struct {
	Type      string `json:"type"` // "auth.response"
	Signature string `json:"signature"`
}

// AuthResult reports the outcome of authentication.
type AuthResult struct {
	Type    string `json:"type"` // "auth.result"
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ClientState tracks where a connection is in its lifecycle.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// Client is one connected WebSocket peer. Writes are serialized so
// concurrent bridges cannot interleave frames.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState
	Bridges       *BridgeSet

	writeMu sync.Mutex
}

// WriteJSON writes one frame under the connection's write lock.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// ClientInfo is the externally visible connection summary.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
}
