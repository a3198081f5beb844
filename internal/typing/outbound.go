// Package typing coordinates typing indicators in both directions: the local
// user's debounced TYPING_START/TYPING_STOP commands, and the set of remote
// users currently typing in each conversation.
package typing

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/protocol"
)

// DefaultIdleTimeout is how long after the last keystroke TYPING_STOP is sent.
const DefaultIdleTimeout = 2 * time.Second

// Publisher sends commands over the realtime connection.
type Publisher interface {
	Publish(cmd protocol.Command) bool
	Connected() bool
}

// Phase is the local typing state of one conversation.
type Phase string

const (
	Idle   Phase = "idle"
	Typing Phase = "typing"
)

type input int

const (
	keystroke input = iota // non-empty content
	cleared                // content emptied
	expired                // idle timer fired
	flushed                // send or teardown
)

// outboundTransitions is the IDLE/TYPING state machine. Inputs missing for a
// phase are ignored.
var outboundTransitions = map[Phase]map[input]Phase{
	Idle: {
		keystroke: Typing,
	},
	Typing: {
		keystroke: Typing,
		cleared:   Idle,
		expired:   Idle,
		flushed:   Idle,
	},
}

type composer struct {
	phase Phase
	timer *clock.Timer
	gen   uint64 // generation of the armed timer, 0 when disarmed
}

// Outbound debounces the local user's keystrokes per conversation.
type Outbound struct {
	pub    Publisher
	clock  clock.Clock
	idle   time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	chats map[string]*composer
	seq   uint64
}

// NewOutbound creates an outbound coordinator. A zero idle uses DefaultIdleTimeout.
func NewOutbound(pub Publisher, clk clock.Clock, idle time.Duration, logger *zap.Logger) *Outbound {
	if clk == nil {
		clk = clock.New()
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbound{
		pub:    pub,
		clock:  clk,
		idle:   idle,
		logger: logger,
		chats:  make(map[string]*composer),
	}
}

// Keystroke records an edit of the compose box. Non-empty content starts or
// extends typing; empty content stops it.
func (o *Outbound) Keystroke(chatID, content string) {
	in := keystroke
	if strings.TrimSpace(content) == "" {
		in = cleared
	}
	o.apply(chatID, in, 0)
}

// Flush forces TYPING_STOP if the local user is typing in chatID.
func (o *Outbound) Flush(chatID string) {
	o.apply(chatID, flushed, 0)
}

// FlushAll flushes every conversation and cancels every idle timer.
func (o *Outbound) FlushAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.chats))
	for id := range o.chats {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.Flush(id)
	}
}

// Phase returns the local typing state of chatID.
func (o *Outbound) Phase(chatID string) Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.chats[chatID]; ok {
		return c.phase
	}
	return Idle
}

// apply feeds one input to chatID's state machine. gen is non-zero only for
// timer expiries and must match the composer's current generation.
func (o *Outbound) apply(chatID string, in input, gen uint64) {
	o.mu.Lock()
	c, ok := o.chats[chatID]
	if !ok {
		c = &composer{phase: Idle}
	}
	if in == expired && c.gen != gen {
		o.mu.Unlock()
		return
	}
	if c.phase == Idle && in == keystroke && !o.pub.Connected() {
		o.mu.Unlock()
		return
	}
	next, valid := outboundTransitions[c.phase][in]
	if !valid {
		o.mu.Unlock()
		return
	}

	var cmd *protocol.Command
	switch {
	case c.phase == Idle && next == Typing:
		start := protocol.TypingStartCommand(chatID)
		cmd = &start
		o.armLocked(chatID, c)
	case next == Typing:
		o.armLocked(chatID, c)
	case next == Idle:
		o.disarmLocked(c)
		stop := protocol.TypingStopCommand(chatID)
		cmd = &stop
	}
	c.phase = next
	if next == Idle {
		delete(o.chats, chatID)
	} else {
		o.chats[chatID] = c
	}
	o.mu.Unlock()

	if cmd != nil && !o.pub.Publish(*cmd) {
		o.logger.Debug("typing command dropped", zap.String("chat_id", chatID), zap.String("type", string(cmd.Type)))
	}
}

func (o *Outbound) armLocked(chatID string, c *composer) {
	o.disarmLocked(c)
	o.seq++
	gen := o.seq
	c.gen = gen
	c.timer = o.clock.AfterFunc(o.idle, func() { o.apply(chatID, expired, gen) })
}

func (o *Outbound) disarmLocked(c *composer) {
	c.gen = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
