// Package cache holds the reconciliation functions that merge pushed events,
// optimistic writes and REST responses into the local conversation and message
// caches. Every function returns a new snapshot and leaves its input untouched.
package cache

import (
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// MatchWindow is the maximum timestamp skew between a pending text message
// and its server echo.
const MatchWindow = 30 * time.Second

// Pages is the paged message cache of one conversation. Page 0 holds the most
// recent messages; within a page messages are newest first.
type Pages []model.Page

// Matches reports whether incoming is the same logical message as existing.
// Ids match exactly, or existing is a pending placeholder from the same sender
// and incoming is the server version of it. The incoming type picks the rule:
// equal media reference for media messages, equal content within MatchWindow
// for text.
func Matches(existing, incoming model.Message) bool {
	if existing.ID == incoming.ID {
		return true
	}
	if !existing.ID.IsPending() || incoming.ID.IsPending() {
		return false
	}
	if existing.SenderID != incoming.SenderID {
		return false
	}
	switch {
	case incoming.Type.IsMedia():
		return incoming.MediaID != nil && existing.MediaID != nil && *incoming.MediaID == *existing.MediaID
	case incoming.Type == model.TypeText:
		return existing.Text() == incoming.Text() && absDuration(incoming.CreatedAt.Sub(existing.CreatedAt)) < MatchWindow
	}
	return false
}

type location struct {
	page, index int
}

func (p Pages) find(pred func(model.Message) bool) (location, bool) {
	for pi, page := range p {
		for mi, m := range page.Messages {
			if pred(m) {
				return location{pi, mi}, true
			}
		}
	}
	return location{}, false
}

// Len returns the number of loaded messages across all pages.
func (p Pages) Len() int {
	n := 0
	for _, page := range p {
		n += len(page.Messages)
	}
	return n
}

// View returns the loaded messages oldest first, the order a thread renders.
func (p Pages) View() []model.Message {
	out := make([]model.Message, 0, p.Len())
	for i := len(p) - 1; i >= 0; i-- {
		msgs := p[i].Messages
		for j := len(msgs) - 1; j >= 0; j-- {
			out = append(out, msgs[j])
		}
	}
	return out
}

func (p Pages) clone() Pages {
	out := make(Pages, len(p))
	copy(out, p)
	return out
}

func (p Pages) replaceAt(loc location, m model.Message) Pages {
	out := p.clone()
	msgs := slices.Clone(out[loc.page].Messages)
	msgs[loc.index] = m
	out[loc.page].Messages = msgs
	return out
}

func (p Pages) removeAt(loc location) Pages {
	out := p.clone()
	msgs := slices.Delete(slices.Clone(out[loc.page].Messages), loc.index, loc.index+1)
	out[loc.page].Messages = msgs
	if out[loc.page].TotalElements > 0 {
		out[loc.page].TotalElements--
	}
	return out
}

func (p Pages) prepend(m model.Message) Pages {
	if len(p) == 0 {
		return Pages{{Messages: []model.Message{m}, TotalElements: 1}}
	}
	out := p.clone()
	msgs := make([]model.Message, 0, len(out[0].Messages)+1)
	msgs = append(msgs, m)
	msgs = append(msgs, out[0].Messages...)
	out[0].Messages = msgs
	out[0].TotalElements++
	return out
}

// Upsert replaces the single entry matching m, or prepends m to the most
// recent page and bumps its element count.
func Upsert(p Pages, m model.Message) Pages {
	if loc, ok := p.find(func(existing model.Message) bool { return Matches(existing, m) }); ok {
		return p.replaceAt(loc, m)
	}
	return p.prepend(m)
}

// Replace confirms the placeholder pending with m. If an echo already put m
// in the cache, that entry is refreshed and the placeholder dropped.
func Replace(p Pages, pending model.MessageID, m model.Message) Pages {
	if loc, ok := p.find(func(existing model.Message) bool { return existing.ID == m.ID }); ok {
		return Remove(p.replaceAt(loc, m), pending)
	}
	if loc, ok := p.find(func(existing model.Message) bool { return existing.ID == pending }); ok {
		return p.replaceAt(loc, m)
	}
	return Upsert(p, m)
}

// Remove drops the message with the given id, used to roll back a failed send.
func Remove(p Pages, id model.MessageID) Pages {
	loc, ok := p.find(func(m model.Message) bool { return m.ID == id })
	if !ok {
		return p
	}
	return p.removeAt(loc)
}

// MarkAllRead sets every loaded message to READ.
func MarkAllRead(p Pages) Pages {
	out := p.clone()
	for i := range out {
		msgs := slices.Clone(out[i].Messages)
		for j := range msgs {
			msgs[j].State = model.StateRead
		}
		out[i].Messages = msgs
	}
	return out
}

// LoadPage merges a page fetched over REST. Page 0 restarts the cache but
// keeps unconfirmed placeholders; any other page lands at the index of its
// number, padding pages not fetched yet with empty ones, so pages may arrive
// in any order. Messages already represented elsewhere are refreshed in place
// rather than duplicated.
func LoadPage(p Pages, page model.Page) Pages {
	if page.Number == 0 {
		fresh := Pages{page}
		fresh[0].Messages = slices.Clone(page.Messages)
		for _, existing := range p.View() {
			if !existing.ID.IsPending() {
				continue
			}
			if _, dup := fresh.find(func(m model.Message) bool { return Matches(existing, m) }); dup {
				continue
			}
			fresh = fresh.prepend(existing)
		}
		return fresh
	}

	out := p.clone()
	for len(out) <= page.Number {
		out = append(out, model.Page{Number: len(out)})
	}
	out[page.Number] = model.Page{Number: page.Number}
	kept := make([]model.Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		if loc, ok := out.find(func(existing model.Message) bool { return Matches(existing, m) }); ok {
			out = out.replaceAt(loc, m)
			continue
		}
		kept = append(kept, m)
	}
	page.Messages = kept
	out[page.Number] = page
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
