// Package daemon wires a chatsync profile into an fx application.
package daemon

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Config  *config.Config
	Logger  *zap.Logger      // optional; nil builds the profile's file logger
	Dialer  transport.Dialer // optional override for testing; nil dials websockets
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideClock,
			provideLock,
			provideStore,
			provideCredentials,
			provideTransport,
			provideAPI,
			provideSession,
			NewWatcher,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Config.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.New()
}

func provideLock(p Params, logger *zap.Logger) (*profile.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	l, err := profile.AcquireLock(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("dir", profile.Dir(p.Profile)))
	return l, nil
}

// provideStore depends on the lock so only the lock holder opens the database.
func provideStore(p Params, _ *profile.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.SnapshotDBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCredentials(p Params, clk clock.Clock) (transport.Credentials, error) {
	creds, ok := transport.ResolveCredentials(p.Config.Server.Token, p.Config.Server.UserID, clk.Now())
	if !ok {
		return transport.Credentials{}, fmt.Errorf("no usable credentials: set server.token (and server.user_id for opaque tokens)")
	}
	return creds, nil
}

func provideTransport(p Params, creds transport.Credentials, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *transport.Client {
	rt := p.Config.Realtime
	dialer := p.Dialer
	if dialer == nil {
		dialer = transport.WebsocketDialer{}
	}
	return transport.New(transport.Config{
		URL:                  p.Config.Server.RealtimeURL,
		Token:                creds.Token,
		UserID:               creds.UserID,
		HeartbeatInterval:    rt.HeartbeatInterval.Duration,
		HandshakeTimeout:     rt.HandshakeTimeout.Duration,
		WriteTimeout:         rt.WriteTimeout.Duration,
		ReconnectBaseDelay:   rt.ReconnectBaseDelay.Duration,
		ReconnectMaxDelay:    rt.ReconnectMaxDelay.Duration,
		MaxReconnectAttempts: rt.MaxReconnectAttempts,
	}, dialer, clk, b, logger.Named("transport"))
}

func provideAPI(p Params, creds transport.Credentials) rest.API {
	return rest.NewHTTPClient(p.Config.Server.URL, creds.Token, rest.WithTimeout(p.Config.Server.Timeout.Duration))
}

func provideSession(p Params, creds transport.Credentials, client *transport.Client, api rest.API, db *store.DB, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *chat.Session {
	cfg := p.Config
	return chat.New(chat.Options{
		SelfID:         creds.UserID,
		PageSize:       cfg.Cache.PageSize,
		SendMode:       outbox.Mode(cfg.Send.Mode),
		DedupCapacity:  cfg.Cache.DedupCapacity,
		TypingIdle:     cfg.Typing.IdleTimeout.Duration,
		RemoteExpiry:   cfg.Typing.RemoteExpiry.Duration,
		SnapshotOnExit: cfg.Cache.SnapshotOnExit,
	}, client, api, db, clk, b, logger.Named("chat"))
}

func registerLifecycle(lc fx.Lifecycle, sess *chat.Session, w *Watcher, db *store.DB, lk *profile.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			w.Start()
			return sess.Init(ctx)
		},
		OnStop: func(ctx context.Context) error {
			if err := sess.Dispose(ctx); err != nil {
				logger.Warn("error disposing session", zap.Error(err))
			}
			w.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
