// Package backend declares the collaborator services the realtime core
// consumes: persistence of conversations and messages, and push-notification
// dispatch for offline devices. The core only creates and reads through
// these interfaces; their implementations live outside this subsystem.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation or message does not exist
// under the given tenant. A conversation owned by another tenant is
// indistinguishable from a missing one.
var ErrNotFound = errors.New("backend: not found")

// MessageStatusSent is the status of a freshly persisted message.
const MessageStatusSent = "sent"

// Conversation is the read model the core needs for joins and routing.
type Conversation struct {
	ID            string
	TenantID      string
	DeviceID      string // end-user device owning the conversation
	LastMessageID string
}

// Message is the persisted form of one conversation message.
type Message struct {
	ID             string
	LocalID        string
	ConversationID string
	Body           string
	Sender         string
	Status         string
	CreatedAt      time.Time
}

// Messages is the persistence collaborator, keyed by tenant throughout.
type Messages interface {
	// Conversation returns ErrNotFound for missing or cross-tenant ids.
	Conversation(ctx context.Context, tenant, id string) (Conversation, error)

	// CreateMessage persists a message and returns it with ID, CreatedAt
	// and Status filled in.
	CreateMessage(ctx context.Context, tenant string, msg Message) (Message, error)
}

// Pusher dispatches a push notification when a broadcast target device is
// currently offline.
type Pusher interface {
	Notify(ctx context.Context, tenant, device, event string, payload []byte) error
}

// NopPusher discards notifications.
type NopPusher struct{}

func (NopPusher) Notify(context.Context, string, string, string, []byte) error { return nil }
