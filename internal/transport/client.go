// Package transport maintains the persistent realtime connection: handshake,
// channel subscriptions, heartbeat, bounded reconnect, and fan-out of decoded
// server events to observers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/status"
)

// ErrRejected is returned when the server answers the handshake with an ERROR frame.
var ErrRejected = errors.New("connection rejected")

// Config holds the connection settings. Zero durations and counts take defaults.
type Config struct {
	URL    string
	Token  string
	UserID string

	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

func (c *Config) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// Client is the realtime connection. Every decoded event is delivered to the
// event observers sequentially on the read goroutine.
type Client struct {
	cfg    Config
	dialer Dialer
	clock  clock.Clock
	logger *zap.Logger
	state  *status.Machine

	events bus.Observers[protocol.Event]
	conns  bus.Observers[status.State]

	mu      sync.Mutex
	epoch   uint64 // bumped by every connect attempt and by Disconnect
	conn    Conn
	stop    context.CancelFunc
	attempt int
	retry   *clock.Timer
}

// New creates a disconnected client. A nil dialer uses websockets, a nil
// clock the wall clock.
func New(cfg Config, dialer Dialer, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *Client {
	cfg.defaults()
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		dialer: dialer,
		clock:  clk,
		logger: logger,
		state:  status.NewMachine(b),
	}
	c.events.OnPanic = func(err error) {
		logger.Error("event observer panicked", zap.Error(err))
	}
	c.conns.OnPanic = func(err error) {
		logger.Error("connection observer panicked", zap.Error(err))
	}
	return c
}

// State returns the connection state.
func (c *Client) State() status.State {
	return c.state.Current()
}

// Connected reports whether commands can be published.
func (c *Client) Connected() bool {
	return c.state.Is(status.Connected)
}

// Subscribe registers an observer for decoded server events.
func (c *Client) Subscribe(fn func(protocol.Event)) func() {
	return c.events.Add(fn)
}

// SubscribeConnection registers an observer for connection state changes.
func (c *Client) SubscribeConnection(fn func(status.State)) func() {
	return c.conns.Add(fn)
}

// Connect dials and performs the handshake, blocking until it completes or
// fails. It is a no-op while connecting or connected, and when no valid
// credentials are configured. Failures are logged and retried in the
// background; they are never returned.
func (c *Client) Connect(ctx context.Context) {
	creds, ok := ResolveCredentials(c.cfg.Token, c.cfg.UserID, c.clock.Now())
	if !ok {
		c.logger.Debug("connect skipped: no valid credentials")
		return
	}

	c.mu.Lock()
	if !c.state.Is(status.Disconnected) {
		c.mu.Unlock()
		return
	}
	c.stopRetryLocked()
	c.attempt = 0
	epoch := c.beginLocked()
	c.mu.Unlock()

	c.conns.Notify(status.Connecting)
	c.dial(ctx, creds, epoch)
}

// Disconnect tears down the connection and cancels any pending reconnect.
// It is idempotent and discards a connection whose handshake is in flight.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.stopRetryLocked()
	conn, stop := c.conn, c.stop
	c.conn, c.stop = nil, nil
	changed := false
	if !c.state.Is(status.Disconnected) {
		changed = c.state.Transition(status.Disconnected) == nil
	}
	c.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		for _, f := range unsubscribeFrames() {
			if err := writeFrame(ctx, conn, f); err != nil {
				c.logger.Debug("unsubscribe failed", zap.String("destination", f.Destination), zap.Error(err))
				break
			}
		}
		cancel()
	}
	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close("client disconnect")
	}
	if changed {
		c.logger.Info("disconnected")
		c.conns.Notify(status.Disconnected)
	}
}

// Publish sends a command. It reports whether the command was written;
// commands issued while not connected are dropped.
func (c *Client) Publish(cmd protocol.Command) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.Connected() {
		c.logger.Debug("publish dropped: not connected", zap.String("type", string(cmd.Type)))
		return false
	}

	f, err := protocol.SendFrame(cmd)
	if err != nil {
		c.logger.Warn("publish encode failed", zap.Error(err))
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := writeFrame(ctx, conn, f); err != nil {
		c.logger.Debug("publish failed", zap.String("type", string(cmd.Type)), zap.Error(err))
		return false
	}
	return true
}

// beginLocked starts a new connect attempt and returns its epoch.
func (c *Client) beginLocked() uint64 {
	c.epoch++
	_ = c.state.Transition(status.Connecting)
	return c.epoch
}

func (c *Client) dial(ctx context.Context, creds Credentials, epoch uint64) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	conn, err := c.handshake(hctx, creds)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close("superseded")
		}
		c.logger.Debug("discarding superseded connection attempt")
		return
	}
	if err != nil {
		_ = c.state.Transition(status.Disconnected)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logger.Warn("connect failed", zap.String("url", c.cfg.URL), zap.Error(err))
		c.conns.Notify(status.Disconnected)
		return
	}
	if !c.state.TransitionFrom(status.Connecting, status.Connected) {
		c.mu.Unlock()
		_ = conn.Close("superseded")
		c.logger.Debug("discarding connection: state changed during handshake")
		return
	}
	loopCtx, stop := context.WithCancel(context.Background())
	c.conn, c.stop = conn, stop
	c.attempt = 0
	c.mu.Unlock()

	c.logger.Info("connected",
		zap.String("url", c.cfg.URL),
		zap.String("user_id", creds.UserID),
		zap.Int("observers", c.events.Len()))
	c.conns.Notify(status.Connected)
	go c.readLoop(loopCtx, conn, epoch)
	go c.heartbeat(loopCtx)
}

func (c *Client) handshake(ctx context.Context, creds Credentials) (Conn, error) {
	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	fail := func(err error) (Conn, error) {
		_ = conn.Close("handshake failed")
		return nil, err
	}

	if err := writeFrame(ctx, conn, protocol.Frame{Op: protocol.OpConnect, Token: creds.Token}); err != nil {
		return fail(fmt.Errorf("send connect: %w", err))
	}
	if err := c.awaitConnected(ctx, conn); err != nil {
		return fail(err)
	}
	for _, f := range subscribeFrames(creds.UserID) {
		if err := writeFrame(ctx, conn, f); err != nil {
			return fail(fmt.Errorf("subscribe %s: %w", f.Destination, err))
		}
	}
	return conn, nil
}

func (c *Client) awaitConnected(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await connected: %w", err)
		}
		f, err := protocol.ParseFrame(data)
		if err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		switch f.Op {
		case protocol.OpConnected:
			return nil
		case protocol.OpError:
			return fmt.Errorf("%w: %s", ErrRejected, f.Body)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn Conn, epoch uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.connectionLost(epoch, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		c.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}
	switch f.Op {
	case protocol.OpMessage:
		evt, err := protocol.DecodeEvent(f.Body)
		if err != nil {
			c.logger.Debug("dropping malformed event", zap.String("destination", f.Destination), zap.Error(err))
			return
		}
		c.events.Notify(evt)
	case protocol.OpError:
		c.logger.Warn("server error frame", zap.ByteString("body", f.Body))
	default:
		c.logger.Debug("ignoring frame", zap.String("op", string(f.Op)))
	}
}

func (c *Client) connectionLost(epoch uint64, cause error) {
	c.mu.Lock()
	if epoch != c.epoch {
		// Disconnect or a newer attempt owns the state now.
		c.mu.Unlock()
		return
	}
	conn, stop := c.conn, c.stop
	c.conn, c.stop = nil, nil
	_ = c.state.Transition(status.Disconnected)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close("connection lost")
	}
	c.logger.Warn("connection lost", zap.Error(cause))
	c.conns.Notify(status.Disconnected)
}

func (c *Client) scheduleReconnectLocked() {
	if c.attempt >= c.cfg.MaxReconnectAttempts {
		c.logger.Warn("giving up reconnecting", zap.Int("attempts", c.attempt))
		return
	}
	delay := jitteredBackoff(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, c.attempt)
	c.attempt++
	epoch := c.epoch
	c.logger.Info("reconnect scheduled", zap.Int("attempt", c.attempt), zap.Duration("delay", delay))
	c.retry = c.clock.AfterFunc(delay, func() { c.reconnect(epoch) })
}

func (c *Client) reconnect(scheduled uint64) {
	creds, ok := ResolveCredentials(c.cfg.Token, c.cfg.UserID, c.clock.Now())
	if !ok {
		c.logger.Warn("reconnect abandoned: credentials no longer valid")
		return
	}

	c.mu.Lock()
	if scheduled != c.epoch || !c.state.Is(status.Disconnected) {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	epoch := c.beginLocked()
	c.mu.Unlock()

	c.conns.Notify(status.Connecting)
	c.dial(context.Background(), creds, epoch)
}

func (c *Client) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	t := c.clock.Ticker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Publish(protocol.HeartbeatCommand())
		}
	}
}

func subscribeFrames(userID string) []protocol.Frame {
	dests := []string{protocol.UserQueue(userID), protocol.PresenceTopic}
	frames := make([]protocol.Frame, len(dests))
	for i, d := range dests {
		frames[i] = protocol.Frame{Op: protocol.OpSubscribe, ID: "sub-" + strconv.Itoa(i), Destination: d}
	}
	return frames
}

func unsubscribeFrames() []protocol.Frame {
	return []protocol.Frame{
		{Op: protocol.OpUnsubscribe, ID: "sub-0"},
		{Op: protocol.OpUnsubscribe, ID: "sub-1"},
	}
}

func writeFrame(ctx context.Context, conn Conn, f protocol.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}
