package cache

import (
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// Store owns the current cache snapshots and is their only writer. Readers
// get immutable snapshots; writers swap in a new snapshot under the lock.
type Store struct {
	mu            sync.RWMutex
	conversations ConversationList
	stale         bool
	messages      map[string]Pages
	bus           *bus.Bus
	logger        *zap.Logger
}

// NewStore creates an empty store. The conversation list starts stale until
// the first SetConversations.
func NewStore(b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		stale:    true,
		messages: make(map[string]Pages),
		bus:      b,
		logger:   logger,
	}
}

// Conversations returns the current conversation list snapshot.
func (s *Store) Conversations() ConversationList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversations
}

// Stale reports whether the conversation list needs a refetch.
func (s *Store) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// Messages returns the paged cache of a conversation.
func (s *Store) Messages(chatID string) Pages {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages[chatID]
}

// ChatIDs returns the ids of conversations with a message cache.
func (s *Store) ChatIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.messages))
	for id := range s.messages {
		ids = append(ids, id)
	}
	return ids
}

// SetConversations replaces the list with a fetched one and clears staleness.
func (s *Store) SetConversations(items []model.Conversation) {
	s.mu.Lock()
	s.conversations = NewConversationList(items)
	s.stale = false
	s.mu.Unlock()
	s.bus.Emit(bus.ConversationsChanged, nil)
}

// Invalidate marks the conversation list stale. The next reader refetches.
func (s *Store) Invalidate() {
	s.mu.Lock()
	already := s.stale
	s.stale = true
	s.mu.Unlock()
	if !already {
		s.bus.Emit(bus.ConversationsInvalidated, nil)
	}
}

// Restore seeds the caches from a saved snapshot. The list stays stale so
// the first reader still fetches fresh data.
func (s *Store) Restore(items []model.Conversation, recent map[string][]model.Message) {
	s.mu.Lock()
	s.conversations = NewConversationList(items)
	s.stale = true
	for chatID, msgs := range recent {
		if len(msgs) == 0 {
			continue
		}
		s.messages[chatID] = Pages{{Messages: msgs, Size: len(msgs), TotalElements: len(msgs)}}
	}
	s.mu.Unlock()
	s.bus.Emit(bus.ConversationsChanged, nil)
}

// RecentPage returns the confirmed messages of a conversation's most recent
// page, newest first.
func (s *Store) RecentPage(chatID string) []model.Message {
	s.mu.RLock()
	p := s.messages[chatID]
	s.mu.RUnlock()
	if len(p) == 0 {
		return nil
	}
	out := make([]model.Message, 0, len(p[0].Messages))
	for _, m := range p[0].Messages {
		if !m.ID.IsPending() {
			out = append(out, m)
		}
	}
	return out
}

// LoadPage merges a fetched page into a conversation's cache.
func (s *Store) LoadPage(chatID string, page model.Page) {
	s.updateMessages(chatID, func(p Pages) Pages { return LoadPage(p, page) })
}

// ApplyMessage upserts an authoritative message and refreshes the
// conversation preview. A conversation missing from the list is not
// fabricated from partial data; the list is invalidated instead.
func (s *Store) ApplyMessage(m model.Message) {
	s.updateMessages(m.ConversationID, func(p Pages) Pages { return Upsert(p, m) })

	s.mu.Lock()
	next, ok := s.conversations.WithLastMessage(m)
	if ok {
		s.conversations = next
	}
	s.mu.Unlock()

	if ok {
		s.bus.Emit(bus.ConversationsChanged, bus.ChatPayload{ChatID: m.ConversationID})
		return
	}
	s.logger.Debug("message for unknown conversation, invalidating list",
		zap.String("chat_id", m.ConversationID))
	s.Invalidate()
}

// InsertPending adds an optimistic placeholder to the most recent page.
func (s *Store) InsertPending(m model.Message) {
	s.updateMessages(m.ConversationID, func(p Pages) Pages { return Upsert(p, m) })
}

// ConfirmPending swaps a placeholder for the server's message and refreshes
// the conversation preview.
func (s *Store) ConfirmPending(pending model.MessageID, m model.Message) {
	s.updateMessages(m.ConversationID, func(p Pages) Pages { return Replace(p, pending, m) })

	s.mu.Lock()
	next, ok := s.conversations.WithLastMessage(m)
	if ok {
		s.conversations = next
	}
	s.mu.Unlock()
	if ok {
		s.bus.Emit(bus.ConversationsChanged, bus.ChatPayload{ChatID: m.ConversationID})
	}
}

// RemovePending rolls back a placeholder.
func (s *Store) RemovePending(chatID string, pending model.MessageID) {
	s.updateMessages(chatID, func(p Pages) Pages { return Remove(p, pending) })
}

// MarkMessagesRead sweeps every loaded message of a conversation to READ.
func (s *Store) MarkMessagesRead(chatID string) {
	s.mu.Lock()
	p, ok := s.messages[chatID]
	if ok {
		s.messages[chatID] = MarkAllRead(p)
	}
	s.mu.Unlock()
	if ok {
		s.bus.Emit(bus.MessagesChanged, bus.ChatPayload{ChatID: chatID})
	}
}

// Unread returns a conversation's unread counter.
func (s *Store) Unread(chatID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations.Get(chatID)
	return c.UnreadCount, ok
}

// SetUnread sets a conversation's unread counter and returns the previous value.
func (s *Store) SetUnread(chatID string, n int) (prev int, ok bool) {
	s.mu.Lock()
	c, ok := s.conversations.Get(chatID)
	if ok {
		prev = c.UnreadCount
		s.conversations, _ = s.conversations.WithUnread(chatID, n)
	}
	s.mu.Unlock()
	if ok {
		s.bus.Emit(bus.ConversationsChanged, bus.ChatPayload{ChatID: chatID})
	}
	return prev, ok
}

// AddUnread adjusts a conversation's unread counter and returns the new value.
func (s *Store) AddUnread(chatID string, delta int) (int, bool) {
	s.mu.Lock()
	next, ok := s.conversations.WithUnreadDelta(chatID, delta)
	var n int
	if ok {
		s.conversations = next
		c, _ := next.Get(chatID)
		n = c.UnreadCount
	}
	s.mu.Unlock()
	if ok {
		s.bus.Emit(bus.ConversationsChanged, bus.ChatPayload{ChatID: chatID})
	}
	return n, ok
}

// Evict drops every cached trace of a deleted conversation.
func (s *Store) Evict(chatID string) {
	s.mu.Lock()
	delete(s.messages, chatID)
	s.conversations = s.conversations.Without(chatID)
	s.mu.Unlock()
	s.bus.Emit(bus.ConversationsChanged, bus.ChatPayload{ChatID: chatID})
}

func (s *Store) updateMessages(chatID string, fn func(Pages) Pages) {
	s.mu.Lock()
	s.messages[chatID] = fn(s.messages[chatID])
	s.mu.Unlock()
	s.bus.Emit(bus.MessagesChanged, bus.ChatPayload{ChatID: chatID})
}
