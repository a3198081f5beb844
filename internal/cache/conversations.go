package cache

import (
	"slices"

	"github.com/matheus3301/chatsync/internal/model"
)

// ConversationList is an immutable snapshot of the conversation list with
// lookup by id. The zero value is an empty list.
type ConversationList struct {
	items []model.Conversation
	index map[string]int
}

// NewConversationList indexes items. Later duplicates of an id win.
func NewConversationList(items []model.Conversation) ConversationList {
	l := ConversationList{
		items: make([]model.Conversation, 0, len(items)),
		index: make(map[string]int, len(items)),
	}
	for _, c := range items {
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if i, ok := l.index[c.ID]; ok {
			l.items[i] = c
			continue
		}
		l.index[c.ID] = len(l.items)
		l.items = append(l.items, c)
	}
	return l
}

// Get returns the conversation with the given id.
func (l ConversationList) Get(id string) (model.Conversation, bool) {
	i, ok := l.index[id]
	if !ok {
		return model.Conversation{}, false
	}
	return l.items[i], true
}

// Len returns the number of conversations.
func (l ConversationList) Len() int {
	return len(l.items)
}

// Items returns a copy of the conversations in list order.
func (l ConversationList) Items() []model.Conversation {
	return slices.Clone(l.items)
}

// TotalUnread sums the per-conversation unread counters.
func (l ConversationList) TotalUnread() int {
	total := 0
	for _, c := range l.items {
		total += c.UnreadCount
	}
	return total
}

func (l ConversationList) with(id string, fn func(*model.Conversation)) (ConversationList, bool) {
	i, ok := l.index[id]
	if !ok {
		return l, false
	}
	items := slices.Clone(l.items)
	fn(&items[i])
	// Ids never change, so the index is shared between snapshots.
	return ConversationList{items: items, index: l.index}, true
}

// WithLastMessage updates the denormalized preview unless the conversation
// already shows a newer message. It reports whether the conversation exists.
func (l ConversationList) WithLastMessage(m model.Message) (ConversationList, bool) {
	return l.with(m.ConversationID, func(c *model.Conversation) {
		if c.LastMessage != nil && c.LastMessage.CreatedAt.After(m.CreatedAt) {
			return
		}
		c.LastMessage = m.Preview()
	})
}

// WithUnread sets the unread counter, clamped at zero.
func (l ConversationList) WithUnread(id string, n int) (ConversationList, bool) {
	return l.with(id, func(c *model.Conversation) {
		c.UnreadCount = max(n, 0)
	})
}

// WithUnreadDelta adds delta to the unread counter, clamped at zero.
func (l ConversationList) WithUnreadDelta(id string, delta int) (ConversationList, bool) {
	return l.with(id, func(c *model.Conversation) {
		c.UnreadCount = max(c.UnreadCount+delta, 0)
	})
}

// Without removes a conversation, used when it is deleted elsewhere.
func (l ConversationList) Without(id string) ConversationList {
	if _, ok := l.index[id]; !ok {
		return l
	}
	items := make([]model.Conversation, 0, len(l.items)-1)
	for _, c := range l.items {
		if c.ID != id {
			items = append(items, c)
		}
	}
	return NewConversationList(items)
}
