package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/protocol"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// mockAPI records calls and returns configurable results. When before is set
// it runs inside CreateMessage, letting tests observe the optimistic state.
type mockAPI struct {
	calls  []model.Draft
	err    error
	before func()
}

func (m *mockAPI) CreateMessage(_ context.Context, d model.Draft) (model.Message, error) {
	m.calls = append(m.calls, d)
	if m.before != nil {
		m.before()
	}
	if m.err != nil {
		return model.Message{}, m.err
	}
	return model.Message{
		ID: model.Confirmed("srv-1"), ConversationID: d.ChatID, SenderID: "me",
		Content: d.Content, Type: d.Type, State: model.StateSent, MediaID: d.MediaID, CreatedAt: t0.Add(time.Second),
	}, nil
}

type mockPub struct {
	connected bool
	cmds      []protocol.Command
}

func (p *mockPub) Publish(cmd protocol.Command) bool {
	if !p.connected {
		return false
	}
	p.cmds = append(p.cmds, cmd)
	return true
}

type mockTyping struct{ flushed []string }

func (m *mockTyping) Flush(chatID string) { m.flushed = append(m.flushed, chatID) }

type fixture struct {
	sender *Sender
	store  *cache.Store
	api    *mockAPI
	pub    *mockPub
	typing *mockTyping
	bus    *bus.Bus
}

func newFixture(t *testing.T, mode Mode) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(t0)
	logger, _ := zap.NewDevelopment()
	f := &fixture{
		api:    &mockAPI{},
		pub:    &mockPub{connected: true},
		typing: &mockTyping{},
		bus:    bus.New(),
	}
	f.store = cache.NewStore(f.bus, logger)
	f.store.SetConversations([]model.Conversation{{ID: "c1"}})
	f.sender = NewSender(Config{
		SelfID: "me", Mode: mode, API: f.api, Cache: f.store, Pub: f.pub,
		Typing: f.typing, Clock: mock, Bus: f.bus, Logger: logger,
	})
	return f
}

func textDraft(s string) model.Draft {
	return model.Draft{ChatID: "c1", Content: model.String(s), Type: model.TypeText}
}

func TestSendRESTConfirms(t *testing.T) {
	f := newFixture(t, ModeREST)
	ch, unsub := f.bus.Subscribe("message.send_ack", 4)
	defer unsub()

	var during []model.Message
	f.api.before = func() { during = f.store.Messages("c1").View() }

	got, err := f.sender.Send(context.Background(), textDraft("hello"))
	if err != nil {
		t.Fatal(err)
	}

	// The placeholder was visible while the request was in flight.
	if len(during) != 1 || !during[0].ID.IsPending() || during[0].Text() != "hello" {
		t.Errorf("optimistic state = %+v, want one pending 'hello'", during)
	}
	if got.ID != model.Confirmed("srv-1") {
		t.Errorf("returned id = %s, want srv-1", got.ID)
	}
	view := f.store.Messages("c1").View()
	if len(view) != 1 || view[0].ID != model.Confirmed("srv-1") {
		t.Errorf("cache = %+v, want only srv-1", view)
	}
	if len(f.typing.flushed) != 1 || f.typing.flushed[0] != "c1" {
		t.Errorf("flushed = %v, want [c1]", f.typing.flushed)
	}
	c, _ := f.store.Conversations().Get("c1")
	if c.LastMessage == nil || *c.LastMessage.Content != "hello" {
		t.Errorf("preview = %+v", c.LastMessage)
	}

	select {
	case evt := <-ch:
		ack := evt.Payload.(Ack)
		if ack.ServerID != model.Confirmed("srv-1") || !ack.LocalID.IsPending() {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}
}

// The echo can arrive over the realtime connection before the REST response.
func TestSendRESTEchoFirst(t *testing.T) {
	f := newFixture(t, ModeREST)
	f.api.before = func() {
		f.store.ApplyMessage(model.Message{
			ID: model.Confirmed("srv-1"), ConversationID: "c1", SenderID: "me",
			Content: model.String("hello"), Type: model.TypeText, State: model.StateDelivered, CreatedAt: t0.Add(time.Second),
		})
	}

	if _, err := f.sender.Send(context.Background(), textDraft("hello")); err != nil {
		t.Fatal(err)
	}
	view := f.store.Messages("c1").View()
	if len(view) != 1 || view[0].ID != model.Confirmed("srv-1") {
		t.Errorf("cache = %+v, want only srv-1", view)
	}
}

func TestSendRESTFailureRollsBack(t *testing.T) {
	f := newFixture(t, ModeREST)
	f.api.err = errors.New("network error")
	failed, unsub := f.bus.Subscribe("message.send_failed", 4)
	defer unsub()
	notify, unsub2 := f.bus.Subscribe("notify.", 4)
	defer unsub2()

	_, err := f.sender.Send(context.Background(), textDraft("hello"))
	if err == nil {
		t.Fatal("Send succeeded, want error")
	}
	if f.store.Messages("c1").Len() != 0 {
		t.Error("placeholder not removed after failure")
	}
	for _, ch := range []<-chan bus.Event{failed, notify} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for failure events")
		}
	}
}

func TestSendTransport(t *testing.T) {
	f := newFixture(t, ModeTransport)

	got, err := f.sender.Send(context.Background(), model.Draft{ChatID: "c1", Type: model.TypeImage, MediaID: model.String("img-1")})
	if err != nil {
		t.Fatal(err)
	}
	if !got.ID.IsPending() {
		t.Errorf("returned id = %s, want pending", got.ID)
	}
	if len(f.api.calls) != 0 {
		t.Error("transport mode called REST")
	}
	if len(f.pub.cmds) != 1 || f.pub.cmds[0].Type != protocol.SendMessage || *f.pub.cmds[0].ImageID != "img-1" {
		t.Errorf("commands = %+v", f.pub.cmds)
	}

	// The echo confirms the placeholder through the media match rule.
	f.store.ApplyMessage(model.Message{
		ID: model.Confirmed("srv-9"), ConversationID: "c1", SenderID: "me",
		Type: model.TypeImage, MediaID: model.String("img-1"), State: model.StateSent, CreatedAt: t0.Add(time.Minute),
	})
	view := f.store.Messages("c1").View()
	if len(view) != 1 || view[0].ID != model.Confirmed("srv-9") {
		t.Errorf("cache = %+v, want only srv-9", view)
	}
}

func TestSendTransportDisconnected(t *testing.T) {
	f := newFixture(t, ModeTransport)
	f.pub.connected = false

	_, err := f.sender.Send(context.Background(), textDraft("hello"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if f.store.Messages("c1").Len() != 0 {
		t.Error("placeholder not rolled back")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		draft model.Draft
		ok    bool
	}{
		{"text", textDraft("hi"), true},
		{"implicit text", model.Draft{ChatID: "c1", Content: model.String("hi")}, true},
		{"empty text", textDraft(""), false},
		{"no chat", model.Draft{Content: model.String("hi")}, false},
		{"image", model.Draft{ChatID: "c1", Type: model.TypeImage, MediaID: model.String("i")}, true},
		{"file without media", model.Draft{ChatID: "c1", Type: model.TypeFile}, false},
		{"unknown type", model.Draft{ChatID: "c1", Type: "STICKER", Content: model.String("x")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.draft)
			if (err == nil) != tt.ok {
				t.Errorf("Validate = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidDraft) {
				t.Errorf("err = %v, want ErrInvalidDraft", err)
			}
		})
	}
}
