package bus

import "time"

// Event represents a notification published on the bus for the UI layer.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Notification kinds. Subscribers filter by prefix ("cache.", "typing.", ...).
const (
	MessagesChanged          = "cache.messages_changed"
	ConversationsChanged     = "cache.conversations_changed"
	ConversationsInvalidated = "cache.conversations_invalidated"
	TypingChanged            = "typing.changed"
	UnreadChanged            = "unread.changed"
	PresenceChanged          = "presence.changed"
	ConnectionChanged        = "connection.state_changed"
	MessageSendAck           = "message.send_ack"
	MessageSendFailed        = "message.send_failed"
	NotifyError              = "notify.error"
)

// ChatPayload is attached to events scoped to a single conversation.
type ChatPayload struct {
	ChatID string
}

// ErrorPayload is the user-visible notification for a failed optimistic mutation.
type ErrorPayload struct {
	ChatID    string
	Operation string
	Err       error
}
