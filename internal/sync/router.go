// Package sync routes decoded realtime events to the components that own the
// affected state.
package sync

import (
	"errors"
	"fmt"
	gosync "sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/status"
)

// Source delivers events and connection changes. transport.Client implements it.
type Source interface {
	Subscribe(fn func(protocol.Event)) func()
	SubscribeConnection(fn func(status.State)) func()
}

// Cache receives authoritative message changes. cache.Store implements it.
type Cache interface {
	ApplyMessage(m model.Message)
	MarkMessagesRead(chatID string)
}

// Unread decides unread accounting for new messages.
type Unread interface {
	OnNewMessage(m model.Message)
}

// Typing tracks remote typing indicators.
type Typing interface {
	Start(chatID, userID string)
	Stop(chatID, userID string)
	Reset()
}

// Presence tracks online status.
type Presence interface {
	SetOnline(userID string, online bool)
}

// Ledger remembers processed message ids.
type Ledger interface {
	MarkProcessed(id string) bool
	Clear()
}

// Deps are the router's collaborators.
type Deps struct {
	SelfID   string
	Cache    Cache
	Unread   Unread
	Typing   Typing
	Presence Presence
	Ledger   Ledger
	Clock    clock.Clock
	Logger   *zap.Logger
}

var errNoMessage = errors.New("event without message")

// Router dispatches each event to exactly one handler. A failing or
// panicking handler is logged and does not affect later events.
type Router struct {
	deps     Deps
	logger   *zap.Logger
	handlers map[protocol.EventType]func(protocol.Event) error

	mu     gosync.Mutex
	unsubs []func()
}

// NewRouter creates a router. Nil Clock and Logger take defaults.
func NewRouter(deps Deps) *Router {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := &Router{deps: deps, logger: deps.Logger}
	r.handlers = map[protocol.EventType]func(protocol.Event) error{
		protocol.NewMessage:        r.onNewMessage,
		protocol.MessagesRead:      r.onMessagesRead,
		protocol.UserTyping:        r.onUserTyping,
		protocol.UserStoppedTyping: r.onUserStoppedTyping,
		protocol.UserOnline:        r.onUserOnline,
		protocol.UserOffline:       r.onUserOffline,
	}
	return r
}

// Start subscribes the router to src. Calling Stop undoes it.
func (r *Router) Start(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubs = append(r.unsubs,
		src.Subscribe(r.Dispatch),
		src.SubscribeConnection(r.OnConnection),
	)
}

// Stop unsubscribes from the source. It is idempotent.
func (r *Router) Stop() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Dispatch routes one event. Unknown event types are ignored.
func (r *Router) Dispatch(evt protocol.Event) {
	h, ok := r.handlers[evt.Type]
	if !ok {
		r.logger.Debug("ignoring unknown event", zap.String("type", string(evt.Type)))
		return
	}
	if err := r.safely(evt, h); err != nil {
		r.logger.Error("event handler failed",
			zap.String("type", string(evt.Type)),
			zap.String("chat_id", evt.ChatID),
			zap.Error(err))
	}
}

// OnConnection reacts to connection changes: a fresh connection starts a new
// dedup window, a lost one clears remote typing state.
func (r *Router) OnConnection(s status.State) {
	switch s {
	case status.Connected:
		r.deps.Ledger.Clear()
	case status.Disconnected:
		r.deps.Typing.Reset()
	}
}

func (r *Router) safely(evt protocol.Event, h func(protocol.Event) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h(evt)
}

func (r *Router) onNewMessage(evt protocol.Event) error {
	if evt.Message == nil {
		return errNoMessage
	}
	m := *evt.Message
	if !r.deps.Ledger.MarkProcessed(m.ID.Value()) {
		r.logger.Debug("duplicate message dropped", zap.String("msg_id", m.ID.Value()))
		return nil
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.deps.Clock.Now()
	}

	r.deps.Cache.ApplyMessage(m)
	r.deps.Unread.OnNewMessage(m)
	if m.SenderID != r.deps.SelfID {
		r.deps.Typing.Stop(m.ConversationID, m.SenderID)
	}
	return nil
}

func (r *Router) onMessagesRead(evt protocol.Event) error {
	r.deps.Cache.MarkMessagesRead(evt.ChatID)
	return nil
}

func (r *Router) onUserTyping(evt protocol.Event) error {
	if evt.UserID == r.deps.SelfID {
		return nil
	}
	r.deps.Typing.Start(evt.ChatID, evt.UserID)
	return nil
}

func (r *Router) onUserStoppedTyping(evt protocol.Event) error {
	r.deps.Typing.Stop(evt.ChatID, evt.UserID)
	return nil
}

func (r *Router) onUserOnline(evt protocol.Event) error {
	r.deps.Presence.SetOnline(evt.UserID, true)
	return nil
}

func (r *Router) onUserOffline(evt protocol.Event) error {
	r.deps.Presence.SetOnline(evt.UserID, false)
	return nil
}
