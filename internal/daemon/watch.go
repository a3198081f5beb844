package daemon

import (
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/unread"
)

// Watcher reports the user-visible notifications of a headless session in
// the log.
type Watcher struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	unsubs []func()
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewWatcher(b *bus.Bus, logger *zap.Logger) *Watcher {
	return &Watcher{bus: b, logger: logger.Named("watch")}
}

// Start subscribes to the notification namespaces.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}
	w.done = make(chan struct{})
	done := w.done
	for _, ns := range []string{"connection.", "notify.", "unread.", "message."} {
		ch, unsub := w.bus.Subscribe(ns, 64)
		w.unsubs = append(w.unsubs, unsub)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case evt := <-ch:
					w.report(evt)
				case <-done:
					return
				}
			}
		}()
	}
}

// Stop unsubscribes and waits for pending reports. It is idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	unsubs, done := w.unsubs, w.done
	w.unsubs, w.done = nil, nil
	w.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	if done != nil {
		close(done)
	}
	w.wg.Wait()
}

func (w *Watcher) report(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		w.logger.Info("connection state changed",
			zap.String("from", string(p.From)),
			zap.String("to", string(p.To)))
	case bus.ErrorPayload:
		w.logger.Warn("operation failed",
			zap.String("operation", p.Operation),
			zap.String("chat_id", p.ChatID),
			zap.Error(p.Err))
	case unread.Changed:
		w.logger.Debug("unread changed", zap.String("chat_id", p.ChatID), zap.Int("total", p.Total))
	default:
		w.logger.Debug("event", zap.String("kind", evt.Kind))
	}
}
