package unread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/protocol"
)

type recorder struct {
	mu    sync.Mutex
	cmds  []protocol.Command
	marks []string
	err   error
}

func (r *recorder) Publish(cmd protocol.Command) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return true
}

func (r *recorder) MarkRead(_ context.Context, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks = append(r.marks, chatID)
	return r.err
}

func (r *recorder) markCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.marks)
}

func incoming(chatID, sender string) model.Message {
	return model.Message{
		ID:             model.Confirmed(sender + "-" + chatID),
		ConversationID: chatID,
		SenderID:       sender,
		Content:        model.String("hi"),
		Type:           model.TypeText,
		State:          model.StateSent,
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func setup(t *testing.T, convs ...model.Conversation) (*Coordinator, *cache.Store, *recorder) {
	t.Helper()
	store := cache.NewStore(nil, zap.NewNop())
	store.SetConversations(convs)
	rec := &recorder{}
	return New("me", store, rec, rec, nil, zap.NewNop()), store, rec
}

func unreadOf(t *testing.T, s *cache.Store, chatID string) int {
	t.Helper()
	n, ok := s.Unread(chatID)
	if !ok {
		t.Fatalf("conversation %s missing", chatID)
	}
	return n
}

func TestOwnMessagesIgnored(t *testing.T) {
	c, store, _ := setup(t, model.Conversation{ID: "c1"})
	c.OnNewMessage(incoming("c1", "me"))
	if unreadOf(t, store, "c1") != 0 || c.Total() != 0 {
		t.Error("own message counted as unread")
	}
}

func TestUnselectedConversationIncrements(t *testing.T) {
	c, store, rec := setup(t, model.Conversation{ID: "c1"}, model.Conversation{ID: "c2"})
	ctx := context.Background()
	if err := c.Select(ctx, "c2"); err != nil {
		t.Fatal(err)
	}

	c.OnNewMessage(incoming("c1", "u2"))
	c.OnNewMessage(incoming("c1", "u3"))

	if got := unreadOf(t, store, "c1"); got != 2 {
		t.Errorf("unread(c1) = %d, want 2", got)
	}
	if c.Total() != 2 {
		t.Errorf("total = %d, want 2", c.Total())
	}
	// Selecting c2 marked it read; nothing else.
	if rec.markCalls() != 1 {
		t.Errorf("mark calls = %d, want 1", rec.markCalls())
	}
}

func TestSelectedVisibleConversationSendsReceipt(t *testing.T) {
	c, store, rec := setup(t, model.Conversation{ID: "c1"})
	if err := c.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	rec.cmds = nil

	c.OnNewMessage(incoming("c1", "u2"))

	if unreadOf(t, store, "c1") != 0 || c.Total() != 0 {
		t.Error("message in open visible conversation counted as unread")
	}
	if len(rec.cmds) != 1 || rec.cmds[0].Type != protocol.MarkRead {
		t.Errorf("commands = %+v, want one MARK_READ", rec.cmds)
	}
}

// Conversation open, page hidden: the message counts as unread until the
// first activity after the page is visible again, which marks read once.
func TestHiddenPagePendingMarkRead(t *testing.T) {
	c, store, rec := setup(t, model.Conversation{ID: "c1"})
	ctx := context.Background()
	_ = c.Select(ctx, "c1")
	before := rec.markCalls()

	c.SetVisible(false)
	c.OnNewMessage(incoming("c1", "u2"))

	if got := unreadOf(t, store, "c1"); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
	if err := c.Activity(ctx); err != nil {
		t.Fatal(err)
	}
	if rec.markCalls() != before {
		t.Fatal("activity while hidden marked read")
	}

	c.SetVisible(true)
	if rec.markCalls() != before {
		t.Fatal("becoming visible marked read without activity")
	}

	if err := c.Activity(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Activity(ctx); err != nil {
		t.Fatal(err)
	}
	if got := rec.markCalls() - before; got != 1 {
		t.Errorf("mark calls after activity = %d, want exactly 1", got)
	}
	if unreadOf(t, store, "c1") != 0 || c.Total() != 0 {
		t.Error("counters not cleared by mark read")
	}
}

func TestMarkReadRollback(t *testing.T) {
	c, store, rec := setup(t, model.Conversation{ID: "c1", UnreadCount: 4})
	c.SetTotal(6)
	rec.err = errors.New("503 service unavailable")

	b := bus.New()
	events, unsub := b.Subscribe("notify.", 4)
	defer unsub()
	c.bus = b

	err := c.MarkRead(context.Background(), "c1")
	if err == nil {
		t.Fatal("MarkRead succeeded, want error")
	}
	if got := unreadOf(t, store, "c1"); got != 4 {
		t.Errorf("unread after rollback = %d, want 4", got)
	}
	if c.Total() != 6 {
		t.Errorf("total after rollback = %d, want 6", c.Total())
	}
	select {
	case e := <-events:
		p, ok := e.Payload.(bus.ErrorPayload)
		if e.Kind != bus.NotifyError || !ok || p.ChatID != "c1" {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Error("no notify.error published")
	}
}

func TestCountersNeverNegative(t *testing.T) {
	c, store, _ := setup(t, model.Conversation{ID: "c1", UnreadCount: 3})
	c.SetTotal(1)
	ctx := context.Background()

	_ = c.MarkRead(ctx, "c1")
	_ = c.MarkRead(ctx, "c1")

	if c.Total() != 0 {
		t.Errorf("total = %d, want 0", c.Total())
	}
	if unreadOf(t, store, "c1") != 0 {
		t.Error("unread not zero")
	}
	c.SetTotal(-5)
	if c.Total() != 0 {
		t.Errorf("total after negative seed = %d, want 0", c.Total())
	}
}

// Every OnNewMessage for a non-selected conversation raises both counters by
// exactly one; only MarkRead lowers them.
func TestUnreadMonotonicity(t *testing.T) {
	c, store, _ := setup(t, model.Conversation{ID: "c1"}, model.Conversation{ID: "c2"})
	for i := 1; i <= 10; i++ {
		chat := "c1"
		if i%2 == 0 {
			chat = "c2"
		}
		prevTotal := c.Total()
		prevChat := unreadOf(t, store, chat)
		c.OnNewMessage(incoming(chat, "u2"))
		if c.Total() != prevTotal+1 || unreadOf(t, store, chat) != prevChat+1 {
			t.Fatalf("message %d: counters did not rise by one", i)
		}
	}
}
