// Package unread keeps the per-conversation and global unread counters and
// decides when the local user has read a conversation.
package unread

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/protocol"
)

// Counters holds the per-conversation unread counts. cache.Store implements it.
type Counters interface {
	AddUnread(chatID string, delta int) (int, bool)
	SetUnread(chatID string, n int) (prev int, ok bool)
}

// Publisher sends realtime commands.
type Publisher interface {
	Publish(cmd protocol.Command) bool
}

// Marker confirms a mark-as-read with the server.
type Marker interface {
	MarkRead(ctx context.Context, chatID string) error
}

// Changed is the payload of bus.UnreadChanged.
type Changed struct {
	ChatID string
	Total  int
}

// Coordinator applies unread rules to incoming messages and user actions.
type Coordinator struct {
	selfID   string
	counters Counters
	pub      Publisher
	api      Marker
	bus      *bus.Bus
	logger   *zap.Logger

	mu       sync.Mutex
	selected string
	visible  bool
	pending  bool
	total    int
}

// New creates a coordinator for the local user selfID. The page starts visible.
func New(selfID string, counters Counters, pub Publisher, api Marker, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		selfID:   selfID,
		counters: counters,
		pub:      pub,
		api:      api,
		bus:      b,
		logger:   logger,
		visible:  true,
	}
}

// OnNewMessage counts an incoming message as unread unless the local user is
// looking at its conversation, in which case a read receipt goes out instead.
func (c *Coordinator) OnNewMessage(m model.Message) {
	if m.SenderID == c.selfID {
		return
	}
	chatID := m.ConversationID

	c.mu.Lock()
	if c.selected == chatID && c.visible {
		c.mu.Unlock()
		c.pub.Publish(protocol.MarkReadCommand(chatID))
		return
	}
	c.counters.AddUnread(chatID, 1)
	c.total++
	if c.selected == chatID {
		c.pending = true
	}
	total := c.total
	c.mu.Unlock()

	c.bus.Emit(bus.UnreadChanged, Changed{ChatID: chatID, Total: total})
}

// SetVisible records whether the page is in the foreground.
func (c *Coordinator) SetVisible(visible bool) {
	c.mu.Lock()
	c.visible = visible
	c.mu.Unlock()
}

// Activity records user interaction. The first activity after messages arrived
// in the selected conversation while hidden marks it read.
func (c *Coordinator) Activity(ctx context.Context) error {
	c.mu.Lock()
	if !c.visible || !c.pending || c.selected == "" {
		c.mu.Unlock()
		return nil
	}
	c.pending = false
	chatID := c.selected
	c.mu.Unlock()

	return c.MarkRead(ctx, chatID)
}

// Select makes chatID the open conversation; "" closes it. Opening a
// conversation while the page is visible marks it read.
func (c *Coordinator) Select(ctx context.Context, chatID string) error {
	c.mu.Lock()
	c.selected = chatID
	c.pending = false
	visible := c.visible
	c.mu.Unlock()

	if chatID == "" || !visible {
		return nil
	}
	return c.MarkRead(ctx, chatID)
}

// MarkRead zeroes chatID's counter optimistically, notifies the server over
// the realtime connection and REST, and restores the counters if REST fails.
func (c *Coordinator) MarkRead(ctx context.Context, chatID string) error {
	c.mu.Lock()
	prev, _ := c.counters.SetUnread(chatID, 0)
	c.total = max(c.total-prev, 0)
	total := c.total
	c.mu.Unlock()
	c.bus.Emit(bus.UnreadChanged, Changed{ChatID: chatID, Total: total})

	c.pub.Publish(protocol.MarkReadCommand(chatID))

	err := c.api.MarkRead(ctx, chatID)
	if err == nil {
		return nil
	}

	c.mu.Lock()
	if prev > 0 {
		c.counters.AddUnread(chatID, prev)
		c.total += prev
	}
	total = c.total
	c.mu.Unlock()

	c.logger.Warn("mark read failed, restoring unread count",
		zap.String("chat_id", chatID), zap.Int("restored", prev), zap.Error(err))
	c.bus.Emit(bus.UnreadChanged, Changed{ChatID: chatID, Total: total})
	c.bus.Emit(bus.NotifyError, bus.ErrorPayload{ChatID: chatID, Operation: "mark_read", Err: err})
	return fmt.Errorf("mark read %s: %w", chatID, err)
}

// SetTotal seeds the global counter, typically from REST.
func (c *Coordinator) SetTotal(n int) {
	c.mu.Lock()
	c.total = max(n, 0)
	total := c.total
	c.mu.Unlock()
	c.bus.Emit(bus.UnreadChanged, Changed{Total: total})
}

// Total returns the global unread counter.
func (c *Coordinator) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
