package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// EventType is the discriminant of an inbound server event.
type EventType string

const (
	NewMessage        EventType = "NEW_MESSAGE"
	MessagesRead      EventType = "MESSAGES_READ"
	UserTyping        EventType = "USER_TYPING"
	UserStoppedTyping EventType = "USER_STOPPED_TYPING"
	UserOnline        EventType = "USER_ONLINE"
	UserOffline       EventType = "USER_OFFLINE"
)

// ErrMalformed is returned for payloads that cannot be decoded into an event.
var ErrMalformed = errors.New("malformed event")

// Event is a decoded inbound server event. Which fields are set depends on Type.
type Event struct {
	Type    EventType
	Message *model.Message // NEW_MESSAGE
	ChatID  string         // MESSAGES_READ, USER_TYPING, USER_STOPPED_TYPING
	UserID  string         // USER_TYPING, USER_STOPPED_TYPING, USER_ONLINE, USER_OFFLINE
}

type wireEvent struct {
	Type    EventType    `json:"type"`
	Message *WireMessage `json:"message,omitempty"`
	ChatID  string       `json:"chatId,omitempty"`
	UserID  string       `json:"userId,omitempty"`
}

// WireMessage is the JSON shape of a message on the wire and in REST bodies.
type WireMessage struct {
	ID        model.MessageID    `json:"id"`
	ChatID    string             `json:"chatId"`
	SenderID  string             `json:"senderId"`
	Content   *string            `json:"content"`
	Type      model.MessageType  `json:"type"`
	Status    model.MessageState `json:"status,omitempty"`
	ImageID   *string            `json:"imageId,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// Model converts the wire shape into a domain message. A missing status
// defaults to SENT.
func (w WireMessage) Model() model.Message {
	state := w.Status
	if state == "" {
		state = model.StateSent
	}
	typ := w.Type
	if typ == "" {
		typ = model.TypeText
	}
	return model.Message{
		ID:             w.ID,
		ConversationID: w.ChatID,
		SenderID:       w.SenderID,
		Content:        w.Content,
		Type:           typ,
		State:          state,
		MediaID:        w.ImageID,
		CreatedAt:      w.CreatedAt,
	}
}

// FromModel converts a confirmed domain message into its wire shape.
func FromModel(m model.Message) WireMessage {
	return WireMessage{
		ID:        m.ID,
		ChatID:    m.ConversationID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
		Status:    m.State,
		ImageID:   m.MediaID,
		CreatedAt: m.CreatedAt,
	}
}

// DecodeEvent parses an inbound event payload. Unknown types decode without
// error so the caller can ignore them; missing required fields yield ErrMalformed.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	evt := Event{Type: w.Type, ChatID: w.ChatID, UserID: w.UserID}
	switch w.Type {
	case NewMessage:
		if w.Message == nil || w.Message.ID.IsZero() || w.Message.ChatID == "" {
			return Event{}, fmt.Errorf("%w: %s without message id or chat", ErrMalformed, w.Type)
		}
		m := w.Message.Model()
		evt.Message = &m
		evt.ChatID = m.ConversationID
	case MessagesRead:
		if w.ChatID == "" {
			return Event{}, fmt.Errorf("%w: %s without chatId", ErrMalformed, w.Type)
		}
	case UserTyping, UserStoppedTyping:
		if w.ChatID == "" || w.UserID == "" {
			return Event{}, fmt.Errorf("%w: %s without chatId or userId", ErrMalformed, w.Type)
		}
	case UserOnline, UserOffline:
		if w.UserID == "" {
			return Event{}, fmt.Errorf("%w: %s without userId", ErrMalformed, w.Type)
		}
	}
	return evt, nil
}

// EncodeEvent is the inverse of DecodeEvent. It is used by test servers.
func EncodeEvent(evt Event) ([]byte, error) {
	w := wireEvent{Type: evt.Type, ChatID: evt.ChatID, UserID: evt.UserID}
	if evt.Message != nil {
		wm := FromModel(*evt.Message)
		w.Message = &wm
	}
	return json.Marshal(w)
}
