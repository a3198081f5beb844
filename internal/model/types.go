package model

import "time"

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText  MessageType = "TEXT"
	TypeImage MessageType = "IMAGE"
	TypeVideo MessageType = "VIDEO"
	TypeAudio MessageType = "AUDIO"
	TypeFile  MessageType = "FILE"
)

// IsMedia reports whether the type carries a media reference instead of text.
func (t MessageType) IsMedia() bool {
	switch t {
	case TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	}
	return false
}

// MessageState is the delivery lifecycle of a message: SENT -> DELIVERED -> READ.
type MessageState string

const (
	StateSent      MessageState = "SENT"
	StateDelivered MessageState = "DELIVERED"
	StateRead      MessageState = "READ"
)

// Message is a single chat message, either server-confirmed or a pending local echo.
type Message struct {
	ID             MessageID
	ConversationID string
	SenderID       string
	Content        *string // nil for media messages
	Type           MessageType
	State          MessageState
	MediaID        *string
	CreatedAt      time.Time
}

// LastMessage is the denormalized preview stored on a conversation.
type LastMessage struct {
	Content       *string
	Type          MessageType
	CreatedAt     time.Time
	SenderMediaID *string
}

// Conversation is one entry of the conversation list.
type Conversation struct {
	ID            string
	ParticipantID string
	LastMessage   *LastMessage
	UnreadCount   int
}

// Presence is a user's online status.
type Presence struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

// Page is one page of a conversation's message history in server order
// (most recent first).
type Page struct {
	Messages      []Message
	Number        int
	Size          int
	TotalElements int
	Last          bool
}

// Preview builds the denormalized last-message fields from a message.
func (m Message) Preview() *LastMessage {
	return &LastMessage{
		Content:       m.Content,
		Type:          m.Type,
		CreatedAt:     m.CreatedAt,
		SenderMediaID: m.MediaID,
	}
}

// Text returns the content or "" for media messages.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// String returns a pointer to s, for optional fields.
func String(s string) *string {
	return &s
}

// Draft is a message the local user is about to send.
type Draft struct {
	ChatID  string
	Content *string
	Type    MessageType
	MediaID *string
}
