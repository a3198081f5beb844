// Package outbox sends the local user's messages with an optimistic
// placeholder that is confirmed or rolled back once the server answers.
package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/protocol"
)

// Mode selects how messages reach the server.
type Mode string

const (
	// ModeREST creates messages with a REST call and confirms the placeholder
	// from the response.
	ModeREST Mode = "rest"
	// ModeTransport publishes SEND_MESSAGE and lets the echo confirm it.
	ModeTransport Mode = "transport"
)

var (
	ErrInvalidDraft = errors.New("invalid draft")
	ErrNotConnected = errors.New("not connected")
)

// Creator creates messages over REST.
type Creator interface {
	CreateMessage(ctx context.Context, d model.Draft) (model.Message, error)
}

// Cache holds the placeholders. cache.Store implements it.
type Cache interface {
	InsertPending(m model.Message)
	ConfirmPending(pending model.MessageID, m model.Message)
	RemovePending(chatID string, pending model.MessageID)
}

// Publisher sends realtime commands.
type Publisher interface {
	Publish(cmd protocol.Command) bool
}

// Flusher ends the local typing indicator before a send.
type Flusher interface {
	Flush(chatID string)
}

// Ack is the payload of bus.MessageSendAck.
type Ack struct {
	ChatID   string
	LocalID  model.MessageID
	ServerID model.MessageID
}

// Failure is the payload of bus.MessageSendFailed.
type Failure struct {
	ChatID  string
	LocalID model.MessageID
	Err     error
}

// Sender performs optimistic sends.
type Sender struct {
	selfID string
	mode   Mode
	api    Creator
	cache  Cache
	pub    Publisher
	typing Flusher
	clock  clock.Clock
	bus    *bus.Bus
	logger *zap.Logger
}

// Config holds the sender's collaborators. Nil Clock and Logger take defaults.
type Config struct {
	SelfID string
	Mode   Mode
	API    Creator
	Cache  Cache
	Pub    Publisher
	Typing Flusher
	Clock  clock.Clock
	Bus    *bus.Bus
	Logger *zap.Logger
}

// NewSender creates a sender. An empty mode means ModeREST.
func NewSender(cfg Config) *Sender {
	if cfg.Mode == "" {
		cfg.Mode = ModeREST
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Sender{
		selfID: cfg.SelfID,
		mode:   cfg.Mode,
		api:    cfg.API,
		cache:  cfg.Cache,
		pub:    cfg.Pub,
		typing: cfg.Typing,
		clock:  cfg.Clock,
		bus:    cfg.Bus,
		logger: cfg.Logger,
	}
}

// Validate checks that a draft can be sent.
func Validate(d model.Draft) error {
	switch {
	case d.ChatID == "":
		return fmt.Errorf("%w: missing chat id", ErrInvalidDraft)
	case d.Type == "" || d.Type == model.TypeText:
		if d.Content == nil || *d.Content == "" {
			return fmt.Errorf("%w: empty text", ErrInvalidDraft)
		}
	case d.Type.IsMedia():
		if d.MediaID == nil || *d.MediaID == "" {
			return fmt.Errorf("%w: %s without media id", ErrInvalidDraft, d.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDraft, d.Type)
	}
	return nil
}

// Send shows d immediately as a pending message and delivers it. In REST
// mode the confirmed message is returned; in transport mode the placeholder
// is returned and the server echo confirms it later. On failure the
// placeholder is removed and the error is also published on the bus.
func (s *Sender) Send(ctx context.Context, d model.Draft) (model.Message, error) {
	if err := Validate(d); err != nil {
		return model.Message{}, err
	}
	if d.Type == "" {
		d.Type = model.TypeText
	}
	s.typing.Flush(d.ChatID)

	pending := model.Message{
		ID:             model.NewPending(),
		ConversationID: d.ChatID,
		SenderID:       s.selfID,
		Content:        d.Content,
		Type:           d.Type,
		State:          model.StateSent,
		MediaID:        d.MediaID,
		CreatedAt:      s.clock.Now(),
	}
	s.cache.InsertPending(pending)

	if s.mode == ModeTransport {
		if !s.pub.Publish(protocol.SendMessageCommand(d.ChatID, d.Content, d.Type, d.MediaID)) {
			return model.Message{}, s.fail(pending, ErrNotConnected)
		}
		return pending, nil
	}

	confirmed, err := s.api.CreateMessage(ctx, d)
	if err != nil {
		return model.Message{}, s.fail(pending, err)
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = d.ChatID
	}
	s.cache.ConfirmPending(pending.ID, confirmed)

	s.logger.Info("message sent",
		zap.String("chat_id", d.ChatID),
		zap.Stringer("local_id", pending.ID),
		zap.Stringer("server_id", confirmed.ID))
	s.bus.Emit(bus.MessageSendAck, Ack{ChatID: d.ChatID, LocalID: pending.ID, ServerID: confirmed.ID})
	return confirmed, nil
}

func (s *Sender) fail(pending model.Message, err error) error {
	s.cache.RemovePending(pending.ConversationID, pending.ID)
	s.logger.Error("failed to send message",
		zap.String("chat_id", pending.ConversationID),
		zap.Stringer("local_id", pending.ID),
		zap.Error(err))
	s.bus.Emit(bus.MessageSendFailed, Failure{ChatID: pending.ConversationID, LocalID: pending.ID, Err: err})
	s.bus.Emit(bus.NotifyError, bus.ErrorPayload{ChatID: pending.ConversationID, Operation: "send_message", Err: err})
	return fmt.Errorf("send message: %w", err)
}
