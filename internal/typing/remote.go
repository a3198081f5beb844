package typing

import (
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
)

// DefaultRemoteExpiry is how long a remote typing indicator lives without a refresh.
const DefaultRemoteExpiry = 3 * time.Second

// Key identifies one remote typist.
type Key struct {
	ChatID string
	UserID string
}

type indicator struct {
	timer *clock.Timer
	gen   uint64
}

// Remote tracks which remote users are typing in which conversation.
type Remote struct {
	clock  clock.Clock
	expiry time.Duration
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	active map[Key]*indicator
	seq    uint64
}

// NewRemote creates an empty indicator set. A zero expiry uses DefaultRemoteExpiry.
func NewRemote(clk clock.Clock, expiry time.Duration, b *bus.Bus, logger *zap.Logger) *Remote {
	if clk == nil {
		clk = clock.New()
	}
	if expiry <= 0 {
		expiry = DefaultRemoteExpiry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{
		clock:  clk,
		expiry: expiry,
		bus:    b,
		logger: logger,
		active: make(map[Key]*indicator),
	}
}

// Start marks userID as typing in chatID and (re)starts its expiry.
func (r *Remote) Start(chatID, userID string) {
	k := Key{ChatID: chatID, UserID: userID}
	r.mu.Lock()
	ind, existed := r.active[k]
	if existed {
		ind.timer.Stop()
	} else {
		ind = &indicator{}
		r.active[k] = ind
	}
	r.seq++
	gen := r.seq
	ind.gen = gen
	ind.timer = r.clock.AfterFunc(r.expiry, func() { r.expire(k, gen) })
	r.mu.Unlock()

	if !existed {
		r.bus.Emit(bus.TypingChanged, bus.ChatPayload{ChatID: chatID})
	}
}

// Stop clears userID's indicator in chatID.
func (r *Remote) Stop(chatID, userID string) {
	k := Key{ChatID: chatID, UserID: userID}
	r.mu.Lock()
	ind, ok := r.active[k]
	if ok {
		ind.timer.Stop()
		delete(r.active, k)
	}
	r.mu.Unlock()

	if ok {
		r.bus.Emit(bus.TypingChanged, bus.ChatPayload{ChatID: chatID})
	}
}

func (r *Remote) expire(k Key, gen uint64) {
	r.mu.Lock()
	ind, ok := r.active[k]
	if !ok || ind.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.active, k)
	r.mu.Unlock()

	r.logger.Debug("typing indicator expired", zap.String("chat_id", k.ChatID), zap.String("user_id", k.UserID))
	r.bus.Emit(bus.TypingChanged, bus.ChatPayload{ChatID: k.ChatID})
}

// IsTyping reports whether userID is typing in chatID.
func (r *Remote) IsTyping(chatID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[Key{ChatID: chatID, UserID: userID}]
	return ok
}

// Typing returns the users typing in chatID, sorted.
func (r *Remote) Typing(chatID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var users []string
	for k := range r.active {
		if k.ChatID == chatID {
			users = append(users, k.UserID)
		}
	}
	slices.Sort(users)
	return users
}

// Reset clears every indicator and stops every timer.
func (r *Remote) Reset() {
	r.mu.Lock()
	chats := make(map[string]struct{})
	for k, ind := range r.active {
		ind.timer.Stop()
		chats[k.ChatID] = struct{}{}
	}
	clear(r.active)
	r.mu.Unlock()

	for id := range chats {
		r.bus.Emit(bus.TypingChanged, bus.ChatPayload{ChatID: id})
	}
}
