package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu     gosync.Mutex
	state  status.State
	cmds   []protocol.Command
	events bus.Observers[protocol.Event]
	conns  bus.Observers[status.State]
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: status.Disconnected}
}

func (f *fakeTransport) set(s status.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.conns.Notify(s)
}

func (f *fakeTransport) Connect(context.Context) { f.set(status.Connected) }
func (f *fakeTransport) Disconnect()             { f.set(status.Disconnected) }

func (f *fakeTransport) Connected() bool { return f.State() == status.Connected }

func (f *fakeTransport) State() status.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Publish(cmd protocol.Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != status.Connected {
		return false
	}
	f.cmds = append(f.cmds, cmd)
	return true
}

func (f *fakeTransport) Subscribe(fn func(protocol.Event)) func() { return f.events.Add(fn) }

func (f *fakeTransport) SubscribeConnection(fn func(status.State)) func() { return f.conns.Add(fn) }

// sent returns the published commands as "TYPE chatId" strings.
func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cmds))
	for i, c := range f.cmds {
		out[i] = fmt.Sprintf("%s %s", c.Type, c.ChatID)
	}
	return out
}

type fakeAPI struct {
	mu        gosync.Mutex
	convs     []model.Conversation
	listErr   error
	listCalls int
	pages     map[string]model.Page
	total     int
	marked    []string
	created   []model.Draft
	presence  map[string]model.Presence
	batched   [][]string
}

func (a *fakeAPI) ListConversations(context.Context) ([]model.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	if a.listErr != nil {
		return nil, a.listErr
	}
	return a.convs, nil
}

func (a *fakeAPI) ListMessages(_ context.Context, chatID string, page, size int) (model.Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pages[chatID]
	if !ok || page > 0 {
		return model.Page{Number: page, Size: size, Last: true}, nil
	}
	return p, nil
}

func (a *fakeAPI) CreateMessage(_ context.Context, d model.Draft) (model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, d)
	return model.Message{
		ID: model.Confirmed(fmt.Sprintf("srv-%d", len(a.created))), ConversationID: d.ChatID, SenderID: "me",
		Content: d.Content, Type: d.Type, State: model.StateSent, CreatedAt: t0.Add(time.Second),
	}, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, chatID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marked = append(a.marked, chatID)
	return nil
}

func (a *fakeAPI) GetPresence(_ context.Context, userID string) (model.Presence, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.presence[userID], nil
}

func (a *fakeAPI) BatchPresence(_ context.Context, userIDs []string) ([]model.Presence, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batched = append(a.batched, userIDs)
	var out []model.Presence
	for _, id := range userIDs {
		if p, ok := a.presence[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (a *fakeAPI) UnreadTotal(context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total, nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "snapshot.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seededAPI() *fakeAPI {
	return &fakeAPI{
		convs: []model.Conversation{
			{ID: "c1", ParticipantID: "u2", UnreadCount: 2, LastMessage: &model.LastMessage{
				Content: model.String("b"), Type: model.TypeText, CreatedAt: t0.Add(time.Second),
			}},
			{ID: "c2", ParticipantID: "u3"},
		},
		total: 2,
		pages: map[string]model.Page{"c1": {
			Messages: []model.Message{
				{ID: model.Confirmed("m2"), ConversationID: "c1", SenderID: "u2", Content: model.String("b"), Type: model.TypeText, State: model.StateSent, CreatedAt: t0.Add(time.Second)},
				{ID: model.Confirmed("m1"), ConversationID: "c1", SenderID: "u2", Content: model.String("a"), Type: model.TypeText, State: model.StateSent, CreatedAt: t0},
			},
			Size: 20, TotalElements: 2, Last: true,
		}},
		presence: map[string]model.Presence{
			"u2": {UserID: "u2", Online: true, LastSeen: t0},
			"u3": {UserID: "u3", LastSeen: t0.Add(-time.Hour)},
		},
	}
}

func newTestSession(t *testing.T, api *fakeAPI, snaps Snapshots) (*Session, *fakeTransport) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(t0)
	tr := newFakeTransport()
	s := New(Options{SelfID: "me", SendMode: outbox.ModeREST, SnapshotOnExit: true},
		tr, api, snaps, mock, bus.New(), zap.NewNop())
	t.Cleanup(func() { _ = s.Dispose(context.Background()) })
	return s, tr
}

func TestInitFetchesAndConnects(t *testing.T) {
	api := seededAPI()
	s, _ := newTestSession(t, api, nil)
	ctx := context.Background()

	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if s.State() != status.Connected {
		t.Errorf("state = %s, want connected", s.State())
	}
	convs, err := s.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0].ID != "c1" {
		t.Errorf("conversations = %+v", convs)
	}
	if api.listCalls != 1 {
		t.Errorf("list calls = %d, want 1 (fresh list is not refetched)", api.listCalls)
	}
	if s.UnreadTotal() != 2 {
		t.Errorf("unread total = %d, want 2", s.UnreadTotal())
	}
}

func TestOpenJoinsLoadsAndMarksRead(t *testing.T) {
	api := seededAPI()
	s, tr := newTestSession(t, api, nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if got := s.Messages("c1"); len(got) != 2 || got[0].ID != model.Confirmed("m1") {
		t.Errorf("messages = %+v, want m1, m2", got)
	}
	if len(api.marked) != 1 || api.marked[0] != "c1" {
		t.Errorf("REST marked = %v, want [c1]", api.marked)
	}
	if s.UnreadTotal() != 0 {
		t.Errorf("unread total = %d after open, want 0", s.UnreadTotal())
	}

	s.Keystroke("c1", "draft")
	if err := s.Open(ctx, "c2"); err != nil {
		t.Fatal(err)
	}
	want := []string{"JOIN_CHAT c1", "MARK_READ c1", "TYPING_START c1", "TYPING_STOP c1", "LEAVE_CHAT c1", "JOIN_CHAT c2", "MARK_READ c2"}
	got := tr.sent()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("commands = %v\nwant %v", got, want)
	}

	s.Close("c1")
	if s.OpenChat() != "c2" {
		t.Errorf("Close of a non-open chat changed the selection to %q", s.OpenChat())
	}
	s.Close("c2")
	if s.OpenChat() != "" {
		t.Errorf("open chat = %q after Close, want none", s.OpenChat())
	}
}

func TestRealtimeMessagesUpdateUnread(t *testing.T) {
	api := seededAPI()
	api.convs[0].UnreadCount = 0
	api.total = 0
	s, tr := newTestSession(t, api, nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	msg := func(id, chatID, sender string) protocol.Event {
		m := model.Message{
			ID: model.Confirmed(id), ConversationID: chatID, SenderID: sender,
			Content: model.String("hi"), Type: model.TypeText, State: model.StateSent, CreatedAt: t0.Add(time.Minute),
		}
		return protocol.Event{Type: protocol.NewMessage, ChatID: chatID, Message: &m}
	}

	tr.events.Notify(msg("m10", "c2", "u3"))
	tr.events.Notify(msg("m10", "c2", "u3"))
	if s.UnreadTotal() != 1 {
		t.Errorf("unread total = %d, want 1", s.UnreadTotal())
	}

	before := len(tr.sent())
	tr.events.Notify(msg("m11", "c1", "u2"))
	sent := tr.sent()
	if len(sent) != before+1 || sent[len(sent)-1] != "MARK_READ c1" {
		t.Errorf("commands after message in open chat = %v", sent[before:])
	}
	if s.UnreadTotal() != 1 {
		t.Errorf("unread total = %d, want 1 (open chat does not count)", s.UnreadTotal())
	}

	tr.events.Notify(protocol.Event{Type: protocol.UserTyping, ChatID: "c2", UserID: "u3"})
	if got := s.Typing("c2"); len(got) != 1 || got[0] != "u3" {
		t.Errorf("typing = %v, want [u3]", got)
	}
}

func TestSendConfirmsOverREST(t *testing.T) {
	api := seededAPI()
	s, tr := newTestSession(t, api, nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}

	s.Keystroke("c2", "hel")
	m, err := s.Send(ctx, model.Draft{ChatID: "c2", Content: model.String("hello")})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != model.Confirmed("srv-1") {
		t.Errorf("sent id = %s, want srv-1", m.ID)
	}
	if got := s.Messages("c2"); len(got) != 1 || got[0].ID != model.Confirmed("srv-1") {
		t.Errorf("messages = %+v, want only srv-1", got)
	}
	if got := tr.sent(); fmt.Sprint(got) != "[TYPING_START c2 TYPING_STOP c2]" {
		t.Errorf("commands = %v", got)
	}
}

func TestReconnectMarksListStale(t *testing.T) {
	api := seededAPI()
	s, tr := newTestSession(t, api, nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}

	tr.set(status.Disconnected)
	tr.set(status.Connected)

	if _, err := s.Conversations(ctx); err != nil {
		t.Fatal(err)
	}
	if api.listCalls != 2 {
		t.Errorf("list calls = %d, want 2 (refetch after reconnect)", api.listCalls)
	}
}

func TestRefreshEvictsRemovedConversations(t *testing.T) {
	api := seededAPI()
	s, tr := newTestSession(t, api, nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadMessages(ctx, "c1", 0); err != nil {
		t.Fatal(err)
	}
	if len(s.Messages("c1")) != 2 {
		t.Fatalf("messages(c1) = %d, want 2", len(s.Messages("c1")))
	}

	api.mu.Lock()
	api.convs = api.convs[1:]
	api.mu.Unlock()
	tr.set(status.Disconnected)
	tr.set(status.Connected)

	convs, err := s.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != "c2" {
		t.Errorf("conversations = %+v, want only c2", convs)
	}
	if got := s.Messages("c1"); len(got) != 0 {
		t.Errorf("messages of removed c1 = %d, want 0", len(got))
	}
}

func TestFetchPresence(t *testing.T) {
	api := seededAPI()
	s, _ := newTestSession(t, api, nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}

	ps, err := s.FetchPresence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 2 || len(api.batched) != 1 || fmt.Sprint(api.batched[0]) != "[u2 u3]" {
		t.Errorf("presence = %+v, batched = %v", ps, api.batched)
	}
	if p, ok := s.Presence("u2"); !ok || !p.Online {
		t.Errorf("u2 = %+v, want online", p)
	}

	if _, err := s.FetchPresence(ctx, "u3"); err != nil {
		t.Fatal(err)
	}
	if len(api.batched) != 1 {
		t.Error("single user fetch used the batch endpoint")
	}
}

func TestWarmStartFromSnapshot(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first, _ := newTestSession(t, seededAPI(), db)
	if err := first.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := first.LoadMessages(ctx, "c1", 0); err != nil {
		t.Fatal(err)
	}
	if err := first.Dispose(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.GetState(store.KeyLastConnectedAt); !ok {
		t.Error("connection time not recorded")
	}

	offline := &fakeAPI{listErr: errors.New("connection refused")}
	second, _ := newTestSession(t, offline, db)
	if err := second.Init(ctx); err != nil {
		t.Fatal(err)
	}

	convs, err := second.Conversations(ctx)
	if err == nil {
		t.Error("Conversations() hid the failed refetch")
	}
	if len(convs) != 2 || convs[0].UnreadCount != 2 {
		t.Errorf("restored conversations = %+v", convs)
	}
	if got := second.Messages("c1"); len(got) != 2 {
		t.Errorf("restored messages = %d, want 2", len(got))
	}
	if p, ok := second.Presence("u2"); ok {
		t.Errorf("presence restored without being fetched: %+v", p)
	}
	if second.UnreadTotal() != 2 {
		t.Errorf("restored unread total = %d, want 2", second.UnreadTotal())
	}
}

func TestDisposeIsFinal(t *testing.T) {
	s, tr := newTestSession(t, seededAPI(), nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Open(ctx, "c2"); err != nil {
		t.Fatal(err)
	}

	if err := s.Dispose(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Dispose(ctx); err != nil {
		t.Errorf("second Dispose() = %v", err)
	}
	if tr.Connected() {
		t.Error("still connected after Dispose")
	}
	if tr.events.Len() != 0 || tr.conns.Len() != 0 {
		t.Errorf("observers left: %d events, %d connection", tr.events.Len(), tr.conns.Len())
	}
	if sent := tr.sent(); sent[len(sent)-1] != "LEAVE_CHAT c2" {
		t.Errorf("last command = %q, want LEAVE_CHAT c2", sent[len(sent)-1])
	}
	if err := s.Open(ctx, "c1"); !errors.Is(err, ErrDisposed) {
		t.Errorf("Open after Dispose = %v, want ErrDisposed", err)
	}
	if err := s.Init(ctx); !errors.Is(err, ErrDisposed) {
		t.Errorf("Init after Dispose = %v, want ErrDisposed", err)
	}
}
