package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// newBackend serves the REST endpoints a session needs at startup and a
// realtime endpoint that pushes one message once the conversation list has
// been fetched.
func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	listed := make(chan struct{})
	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chats", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":"c1","participantId":"u2","unreadCount":1,"lastMessage":null}]`)
	})
	mux.HandleFunc("GET /api/chats/unread", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"total":1}`)
		once.Do(func() { close(listed) })
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
		reply, _ := protocol.Frame{Op: protocol.OpConnected}.Marshal()
		if err := ws.Write(ctx, websocket.MessageText, reply); err != nil {
			return
		}
		for i := 0; i < 2; i++ {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
		select {
		case <-listed:
		case <-ctx.Done():
			return
		}
		evt, _ := protocol.Frame{
			Op:          protocol.OpMessage,
			Destination: protocol.UserQueue("u1"),
			Body: json.RawMessage(`{"type":"NEW_MESSAGE","message":{"id":"m1","chatId":"c1","senderId":"u2",
				"content":"hi","type":"TEXT","createdAt":"2026-03-01T12:00:00Z"}}`),
		}.Marshal()
		if err := ws.Write(ctx, websocket.MessageText, evt); err != nil {
			return
		}
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testParams(t *testing.T, serverURL string) Params {
	t.Helper()
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	cfg := config.Default()
	cfg.Server.URL = serverURL
	cfg.Server.RealtimeURL = "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	cfg.Server.Token = "opaque-token"
	cfg.Server.UserID = "u1"
	return Params{Profile: "test", Config: cfg, Logger: zap.NewNop()}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	srv := newBackend(t)
	p := testParams(t, srv.URL)

	var (
		sess *chat.Session
		b    *bus.Bus
	)
	app := fx.New(Module(p), fx.NopLogger, fx.Populate(&sess, &b))
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if sess.State() != status.Connected {
		t.Errorf("state = %s, want connected", sess.State())
	}
	eventually(t, func() bool { return len(sess.Messages("c1")) == 1 })
	if got := sess.Messages("c1"); got[0].Text() != "hi" {
		t.Errorf("messages = %+v", got)
	}
	convs, err := sess.Conversations(ctx)
	if err != nil || len(convs) != 1 || convs[0].UnreadCount != 2 {
		t.Errorf("conversations = %+v, %v; want c1 with 2 unread", convs, err)
	}

	// A second daemon on the same profile is refused while the first runs.
	second := fx.New(Module(p), fx.NopLogger)
	if err := second.Err(); err == nil || !strings.Contains(err.Error(), "profile in use") {
		t.Errorf("second daemon error = %v, want profile in use", err)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if sess.State() != status.Disconnected {
		t.Errorf("state after stop = %s, want disconnected", sess.State())
	}

	// The snapshot outlives the daemon.
	db, err := store.Open(profile.SnapshotDBPath(p.Profile))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	snap, err := db.LoadSnapshot(20)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Conversations) != 1 || snap.Conversations[0].UnreadCount != 2 || len(snap.Messages["c1"]) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestDaemonRequiresCredentials(t *testing.T) {
	p := testParams(t, "http://127.0.0.1:1")
	p.Config.Server.Token = ""

	app := fx.New(Module(p), fx.NopLogger)
	err := app.Err()
	if err == nil || !strings.Contains(err.Error(), "no usable credentials") {
		t.Errorf("fx.New() error = %v, want missing credentials", err)
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	b := bus.New()
	w := NewWatcher(b, zap.NewNop())
	w.Start()
	w.Start()
	b.Emit(bus.NotifyError, bus.ErrorPayload{Operation: "mark_read"})
	w.Stop()
	w.Stop()
}
