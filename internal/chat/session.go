// Package chat assembles the sync components of one signed-in user into a
// Session with an explicit Init/Dispose lifecycle.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	gosync "sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/dedup"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/typing"
	"github.com/matheus3301/chatsync/internal/unread"
)

var ErrDisposed = errors.New("session disposed")

// Transport is the realtime connection. transport.Client implements it.
type Transport interface {
	Connect(ctx context.Context)
	Disconnect()
	Connected() bool
	State() status.State
	Publish(cmd protocol.Command) bool
	Subscribe(fn func(protocol.Event)) func()
	SubscribeConnection(fn func(status.State)) func()
}

// Snapshots persists warm-start state. *store.DB implements it.
type Snapshots interface {
	LoadSnapshot(pageSize int) (store.Snapshot, error)
	SaveSnapshot(s store.Snapshot) error
	SetState(key, value string) error
}

// Options tune a session. Zero values take the component defaults.
type Options struct {
	SelfID         string
	PageSize       int
	SendMode       outbox.Mode
	DedupCapacity  int
	TypingIdle     time.Duration
	RemoteExpiry   time.Duration
	SnapshotOnExit bool
}

// Session is the sync engine of one signed-in user. Each session owns its
// caches, timers and subscriptions; nothing is shared between sessions.
type Session struct {
	opts      Options
	transport Transport
	api       rest.API
	snapshots Snapshots
	clock     clock.Clock
	bus       *bus.Bus
	logger    *zap.Logger

	cache    *cache.Store
	ledger   *dedup.Ledger
	outbound *typing.Outbound
	remote   *typing.Remote
	presence *presence.Registry
	unread   *unread.Coordinator
	sender   *outbox.Sender
	router   *sync.Router

	refreshMu gosync.Mutex

	mu          gosync.Mutex
	open        string
	started     bool
	disposed    bool
	wasOnline   bool
	unsubscribe func()
}

// New builds a session. snapshots may be nil to run without warm start.
func New(opts Options, t Transport, api rest.API, snapshots Snapshots, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *Session {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}

	s := &Session{
		opts:      opts,
		transport: t,
		api:       api,
		snapshots: snapshots,
		clock:     clk,
		bus:       b,
		logger:    logger,
	}
	s.cache = cache.NewStore(b, logger.Named("cache"))
	s.ledger = dedup.New(opts.DedupCapacity)
	s.outbound = typing.NewOutbound(t, clk, opts.TypingIdle, logger.Named("typing"))
	s.remote = typing.NewRemote(clk, opts.RemoteExpiry, b, logger.Named("typing"))
	s.presence = presence.NewRegistry(b, clk.Now)
	s.unread = unread.New(opts.SelfID, s.cache, t, api, b, logger.Named("unread"))
	s.sender = outbox.NewSender(outbox.Config{
		SelfID: opts.SelfID,
		Mode:   opts.SendMode,
		API:    api,
		Cache:  s.cache,
		Pub:    t,
		Typing: s.outbound,
		Clock:  clk,
		Bus:    b,
		Logger: logger.Named("outbox"),
	})
	s.router = sync.NewRouter(sync.Deps{
		SelfID:   opts.SelfID,
		Cache:    s.cache,
		Unread:   s.unread,
		Typing:   s.remote,
		Presence: s.presence,
		Ledger:   s.ledger,
		Clock:    clk,
		Logger:   logger.Named("router"),
	})
	return s
}

// Init restores the saved snapshot, starts routing realtime events and
// connects. A failed first fetch leaves the restored data in place and the
// list stale, so the next Conversations call retries.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.restore()

	s.router.Start(s.transport)
	unsub := s.transport.SubscribeConnection(s.onConnection)
	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()

	s.transport.Connect(ctx)

	if err := s.refresh(ctx); err != nil {
		s.logger.Warn("initial fetch failed, serving restored data", zap.Error(err))
	}
	s.logger.Info("session started",
		zap.String("user_id", s.opts.SelfID),
		zap.String("state", string(s.transport.State())),
		zap.Int("conversations", s.cache.Conversations().Len()))
	return nil
}

// Dispose tears the session down: typing indicators are flushed, timers
// cancelled, subscriptions dropped and the connection closed. The snapshot
// is saved last. Dispose is idempotent.
func (s *Session) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	started := s.started
	open := s.open
	s.open = ""
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	s.outbound.FlushAll()
	if open != "" {
		s.transport.Publish(protocol.LeaveChatCommand(open))
	}
	s.router.Stop()
	if unsub != nil {
		unsub()
	}
	s.transport.Disconnect()
	s.remote.Reset()

	if !started || !s.opts.SnapshotOnExit {
		return nil
	}
	if err := s.persist(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Session) restore() {
	if s.snapshots == nil {
		return
	}
	snap, err := s.snapshots.LoadSnapshot(s.opts.PageSize)
	if err != nil {
		s.logger.Warn("failed to load snapshot", zap.Error(err))
		return
	}
	if len(snap.Conversations) == 0 {
		return
	}
	s.cache.Restore(snap.Conversations, snap.Messages)
	s.presence.ApplyAll(snap.Presence)
	s.unread.SetTotal(snap.UnreadTotal)
	s.logger.Info("restored snapshot",
		zap.Int("conversations", len(snap.Conversations)),
		zap.Time("saved_at", snap.SavedAt))
}

func (s *Session) persist() error {
	if s.snapshots == nil {
		return nil
	}
	convs := s.cache.Conversations().Items()
	if len(convs) == 0 {
		return nil
	}
	snap := store.Snapshot{
		Conversations: convs,
		Messages:      make(map[string][]model.Message, len(convs)),
		UnreadTotal:   s.unread.Total(),
	}
	for _, c := range convs {
		msgs := s.cache.RecentPage(c.ID)
		if len(msgs) > s.opts.PageSize {
			msgs = msgs[:s.opts.PageSize]
		}
		snap.Messages[c.ID] = msgs
	}
	for _, p := range s.presence.Snapshot() {
		snap.Presence = append(snap.Presence, p)
	}
	return s.snapshots.SaveSnapshot(snap)
}

// onConnection marks the list stale after a reconnect, since events sent
// while offline were missed.
func (s *Session) onConnection(st status.State) {
	if st != status.Connected {
		return
	}
	s.mu.Lock()
	reconnect := s.wasOnline
	s.wasOnline = true
	s.mu.Unlock()

	if reconnect {
		s.cache.Invalidate()
	}
	if s.snapshots != nil {
		if err := s.snapshots.SetState(store.KeyLastConnectedAt, s.clock.Now().UTC().Format(time.RFC3339)); err != nil {
			s.logger.Debug("failed to record connection time", zap.Error(err))
		}
	}
}

func (s *Session) refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	s.cache.SetConversations(convs)
	s.evictRemoved(convs)

	total, err := s.api.UnreadTotal(ctx)
	if err != nil {
		s.logger.Debug("unread total unavailable, summing conversations", zap.Error(err))
		total = s.cache.Conversations().TotalUnread()
	}
	s.unread.SetTotal(total)
	return nil
}

// evictRemoved drops the message caches of conversations the server no
// longer lists.
func (s *Session) evictRemoved(convs []model.Conversation) {
	listed := make(map[string]struct{}, len(convs))
	for _, c := range convs {
		listed[c.ID] = struct{}{}
	}
	for _, id := range s.cache.ChatIDs() {
		if _, ok := listed[id]; ok {
			continue
		}
		s.cache.Evict(id)
		s.logger.Debug("evicted removed conversation", zap.String("chat_id", id))
	}
}

// Conversations returns the conversation list, refetching it first when it
// is stale. On a failed refetch the last known list is returned with the error.
func (s *Session) Conversations(ctx context.Context) ([]model.Conversation, error) {
	if s.cache.Stale() {
		if err := s.refresh(ctx); err != nil {
			return s.cache.Conversations().Items(), err
		}
	}
	return s.cache.Conversations().Items(), nil
}

// LoadMessages fetches a page of history (0 is the most recent) into the
// cache and returns the conversation's loaded messages, oldest first.
func (s *Session) LoadMessages(ctx context.Context, chatID string, page int) ([]model.Message, error) {
	p, err := s.api.ListMessages(ctx, chatID, page, s.opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("load messages %s page %d: %w", chatID, page, err)
	}
	s.cache.LoadPage(chatID, p)
	return s.cache.Messages(chatID).View(), nil
}

// Messages returns the cached messages of a conversation, oldest first.
func (s *Session) Messages(chatID string) []model.Message {
	return s.cache.Messages(chatID).View()
}

// Open makes chatID the open conversation. It joins the conversation's
// realtime room, marks it read when the page is visible and loads its most
// recent page if nothing is cached yet.
func (s *Session) Open(ctx context.Context, chatID string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	prev := s.open
	s.open = chatID
	s.mu.Unlock()

	if prev == chatID {
		return nil
	}
	if prev != "" {
		s.leave(prev)
	}
	s.transport.Publish(protocol.JoinChatCommand(chatID))

	var errs []error
	if s.cache.Messages(chatID).Len() == 0 {
		if _, err := s.LoadMessages(ctx, chatID, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.unread.Select(ctx, chatID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close leaves chatID if it is the open conversation.
func (s *Session) Close(chatID string) {
	s.mu.Lock()
	if s.open != chatID {
		s.mu.Unlock()
		return
	}
	s.open = ""
	s.mu.Unlock()

	s.leave(chatID)
	_ = s.unread.Select(context.Background(), "")
}

func (s *Session) leave(chatID string) {
	s.outbound.Flush(chatID)
	s.transport.Publish(protocol.LeaveChatCommand(chatID))
}

// OpenChat returns the open conversation, or "".
func (s *Session) OpenChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Keystroke reports the composer content of chatID after an edit.
func (s *Session) Keystroke(chatID, content string) {
	s.outbound.Keystroke(chatID, content)
}

// Send sends a message optimistically. See outbox.Sender.Send.
func (s *Session) Send(ctx context.Context, d model.Draft) (model.Message, error) {
	return s.sender.Send(ctx, d)
}

// MarkRead marks every message of chatID read.
func (s *Session) MarkRead(ctx context.Context, chatID string) error {
	return s.unread.MarkRead(ctx, chatID)
}

// SetVisible records whether the page is in the foreground.
func (s *Session) SetVisible(visible bool) {
	s.unread.SetVisible(visible)
}

// Activity records user interaction with the page.
func (s *Session) Activity(ctx context.Context) error {
	return s.unread.Activity(ctx)
}

// FetchPresence refreshes the presence of the given users. With no ids it
// refreshes every conversation participant.
func (s *Session) FetchPresence(ctx context.Context, userIDs ...string) ([]model.Presence, error) {
	if len(userIDs) == 0 {
		for _, c := range s.cache.Conversations().Items() {
			if c.ParticipantID != "" && !slices.Contains(userIDs, c.ParticipantID) {
				userIDs = append(userIDs, c.ParticipantID)
			}
		}
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	var (
		ps  []model.Presence
		err error
	)
	if len(userIDs) == 1 {
		var p model.Presence
		p, err = s.api.GetPresence(ctx, userIDs[0])
		ps = []model.Presence{p}
	} else {
		ps, err = s.api.BatchPresence(ctx, userIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch presence: %w", err)
	}
	s.presence.ApplyAll(ps)
	return ps, nil
}

// Presence returns the last known presence of a user.
func (s *Session) Presence(userID string) (model.Presence, bool) {
	return s.presence.Get(userID)
}

// Typing returns the users currently typing in chatID.
func (s *Session) Typing(chatID string) []string {
	return s.remote.Typing(chatID)
}

// UnreadTotal returns the global unread counter.
func (s *Session) UnreadTotal() int {
	return s.unread.Total()
}

// State returns the realtime connection state.
func (s *Session) State() status.State {
	return s.transport.State()
}
