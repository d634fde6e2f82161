package protocol

import "time"

// Namespaces partition device traffic from operator traffic. A connection
// belongs to exactly one namespace for its whole lifetime.
const (
	NamespaceDevice   = "/device"
	NamespaceOperator = "/operator"
)

// ValidNamespace reports whether ns is one of the two known namespaces.
func ValidNamespace(ns string) bool {
	return ns == NamespaceDevice || ns == NamespaceOperator
}

// Handshake is the CONNECT packet body, sent once per connection before any
// namespace join. Namespace rides in the packet path; it is repeated here so
// the credential can bind to it.
type Handshake struct {
	TenantID    string `json:"tenantId"`
	PrincipalID string `json:"principalId"`
	Credential  string `json:"credential"`
	Namespace   string `json:"namespace"`
}

// Outbound events delivered to the device namespace.
const (
	EventConnected          = "connected"
	EventMessageNew         = "message:new"
	EventAgentTyping        = "agent:typing"
	EventConversationJoined = "conversation:joined"
	EventError              = "error"
	EventServerShutdown     = "server:shutdown"
	EventPong               = "pong"
)

// Outbound events delivered to the operator namespace only.
const (
	EventSessionConnect    = "session:connect"
	EventSessionDisconnect = "session:disconnect"
	EventPresenceChange    = "presence:change"
	EventUserTyping        = "user:typing"
)

// Inbound events accepted from clients.
const (
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventPing              = "ping"
	EventMessageSend       = "message:send" // operator only
	EventSessionsList      = "sessions:list" // operator only
)

// Error codes carried by ERROR packets and `error` events.
const (
	CodeAuthFailed        = "AUTH_FAILED"
	CodeProtocolError     = "PROTOCOL_ERROR"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeRoomAccessDenied  = "ROOM_ACCESS_DENIED"
	CodeNotFound          = "NOT_FOUND"
	CodeOperatorOnly      = "OPERATOR_ONLY"
	CodeShuttingDown      = "SHUTTING_DOWN"
)

// ConnectedPayload confirms a successful handshake.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// MessageNewPayload is the canonical broadcast form of a persisted message.
type MessageNewPayload struct {
	ID             string    `json:"id"`
	LocalID        string    `json:"localId"`
	ConversationID string    `json:"conversationId"`
	Body           string    `json:"body"`
	Sender         string    `json:"sender"`
	CreatedAt      time.Time `json:"createdAt"`
	Status         string    `json:"status"`
}

// TypingPayload serves agent:typing (to devices) and user:typing (to
// operators, with DeviceID set).
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	DeviceID       string `json:"deviceId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// ConversationJoinedPayload confirms a room join.
type ConversationJoinedPayload struct {
	ConversationID string `json:"conversationId"`
	LastMessageID  string `json:"lastMessageId,omitempty"`
}

// ErrorPayload rides in ERROR packets, `error` events and failed acks.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// ServerShutdownPayload is the advance notice broadcast before a planned
// gateway stop. Clients reconnect after the advised delay, not immediately.
type ServerShutdownPayload struct {
	Message          string `json:"message"`
	ReconnectDelayMs int64  `json:"reconnectDelayMs"`
}

// SessionConnectPayload announces a device connection to operators.
type SessionConnectPayload struct {
	DeviceID     string    `json:"deviceId"`
	ConnectionID string    `json:"connectionId"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// SessionDisconnectPayload announces a device disconnection to operators.
type SessionDisconnectPayload struct {
	DeviceID     string `json:"deviceId"`
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason"`
}

// PresenceChangePayload is broadcast exactly once per online/offline
// boundary crossing of a device.
type PresenceChangePayload struct {
	DeviceID          string `json:"deviceId"`
	IsOnline          bool   `json:"isOnline"`
	ActiveConnections int64  `json:"activeConnections"`
}

// ConversationJoinRequest is the body of conversation:join and
// conversation:leave.
type ConversationJoinRequest struct {
	ConversationID string `json:"conversationId"`
}

// TypingRequest is the body of typing:start and typing:stop.
type TypingRequest struct {
	ConversationID string `json:"conversationId"`
}

// MessageSendRequest is the body of message:send. LocalID doubles as the
// idempotency key, scoped to (tenant, conversation).
type MessageSendRequest struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	LocalID        string `json:"localId"`
}

// JoinAck answers conversation:join.
type JoinAck struct {
	Success       bool          `json:"success"`
	LastMessageID string        `json:"lastMessageId,omitempty"`
	Error         *ErrorPayload `json:"error,omitempty"`
}

// SendAck answers message:send.
type SendAck struct {
	Success bool               `json:"success"`
	Message *MessageNewPayload `json:"message,omitempty"`
	Error   *ErrorPayload      `json:"error,omitempty"`
}

// SessionInfo is one entry of a sessions:list ack.
type SessionInfo struct {
	DeviceID          string   `json:"deviceId"`
	ConnectionIDs     []string `json:"connectionIds"`
	ActiveConnections int64    `json:"activeConnections"`
}

// SessionsAck answers sessions:list.
type SessionsAck struct {
	Success  bool          `json:"success"`
	Sessions []SessionInfo `json:"sessions"`
	Error    *ErrorPayload `json:"error,omitempty"`
}

// inboundEvents is the closed set of events the gateway accepts. Anything
// outside this set is treated like a malformed frame and dropped.
var inboundEvents = map[string]struct{}{
	EventConversationJoin:  {},
	EventConversationLeave: {},
	EventTypingStart:       {},
	EventTypingStop:        {},
	EventPing:              {},
	EventMessageSend:       {},
	EventSessionsList:      {},
}

// KnownInbound reports whether the gateway accepts the named event.
func KnownInbound(event string) bool {
	_, ok := inboundEvents[event]
	return ok
}
