// Package transport keeps a websocket connection to a relay channel alive. It queues outbound frames until the relay
// echoes them back, reconnects with exponential backoff, and resumes the channel from the last sequence it saw.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/listmap/pkg/wire"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Synchronizing
	Live
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Synchronizing:
		return "synchronizing"
	case Live:
		return "live"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	// PingInterval must be well below the relay's read timeout.
	PingInterval time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// EventBuffer is the capacity of the Events channel. A full channel blocks the reader.
	EventBuffer int

	Header http.Header
	Logger *slog.Logger
}

func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingInterval:     5 * time.Second,
		InitialBackoff:   250 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		EventBuffer:      64,
	}
}

func withDefaults(settings *Settings) *Settings {
	defaults := DefaultSettings()
	if settings == nil {
		return defaults
	}
	out := *settings
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = defaults.WriteTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = defaults.ReadTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = defaults.PingInterval
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = defaults.InitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = defaults.MaxBackoff
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = defaults.EventBuffer
	}
	return &out
}

type Event interface {
	isEvent()
}

type StateChanged struct {
	From, To State
	// Err is the failure that caused the transition, if any.
	Err error
}

// Frame is a relayed payload. Frames arrive in sequence order, including the ones this transport sent.
type Frame struct {
	Seq     uint64
	ID      string
	Payload []byte
}

// Synced marks the end of a history replay. Everything up to Seq has been delivered.
type Synced struct {
	Seq uint64
}

// Reset reports that the relay no longer holds the log this transport resumed from, for example after its store was
// wiped. The whole new log is replayed after it. Queued frames are discarded: whatever the relay lost has to be sent
// again by the owner.
type Reset struct {
	Head uint64
}

func (StateChanged) isEvent() {}
func (Frame) isEvent()        {}
func (Synced) isEvent()       {}
func (Reset) isEvent()        {}

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type pending struct {
	id      string
	payload []byte
}

type Transport struct {
	url      string
	channel  string
	settings *Settings
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	lastSeq uint64
	lastID  string
	queue   []pending
	closed  bool
	// resync is set by Resync until the next connection starts; frames still arriving on the old one are ignored.
	resync     bool
	connCancel context.CancelFunc

	wake   chan struct{}
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
}

// New prepares a transport for one channel. endpoint is the relay base url (http, https, ws or wss). Nothing happens
// until Run is called.
func New(endpoint, channel string, settings *Settings) (*Transport, error) {
	settings = withDefaults(settings)
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if channel == "" {
		return nil, errors.New("channel must not be empty")
	}
	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		url:      u.JoinPath("channels", url.PathEscape(channel), "ws").String(),
		channel:  channel,
		settings: settings,
		logger:   logger.With("channel", channel),
		wake:     make(chan struct{}, 1),
		events:   make(chan Event, settings.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Events is closed once Run returns.
func (t *Transport) Events() <-chan Event {
	return t.events
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastSeq is the highest relayed sequence received.
func (t *Transport) LastSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

// Pending is the number of sent frames not yet echoed by the relay.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Send queues payload for delivery and returns the frame id. The frame stays queued across reconnects until the relay
// relays it back.
func (t *Transport) Send(payload []byte) string {
	id := ulid.Make().String()
	t.mu.Lock()
	if !t.closed {
		t.queue = append(t.queue, pending{id: id, payload: payload})
	}
	t.mu.Unlock()
	t.poke()
	return id
}

// Close stops Run and discards queued frames.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	t.queue = nil
	t.mu.Unlock()
	t.cancel()
}

// Resync drops the current connection and replays the channel from its first frame. Frames are delivered again, so
// the consumer must tolerate duplicates.
func (t *Transport) Resync() {
	t.mu.Lock()
	t.lastSeq, t.lastID = 0, ""
	t.resync = true
	cancel := t.connCancel
	t.mu.Unlock()
	t.logger.Info("resyncing from the start of the channel")
	if cancel != nil {
		cancel()
	}
}

func (t *Transport) poke() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) setState(to State, err error) {
	t.mu.Lock()
	from := t.state
	t.state = to
	t.mu.Unlock()
	if from == to && err == nil {
		return
	}
	t.logger.Debug("transport state", "from", from, "to", to, "err", err)
	t.emit(StateChanged{From: from, To: to, Err: err})
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// Run connects and keeps reconnecting until ctx is cancelled or Close is called.
func (t *Transport) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, t.cancel)
	defer stop()
	defer close(t.events)
	ctx = t.ctx

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.settings.InitialBackoff
	b.MaxInterval = t.settings.MaxBackoff

	for {
		t.setState(Connecting, nil)
		err := t.connectAndServe(ctx, b)
		if ctx.Err() != nil {
			break
		}
		delay := b.NextBackOff()
		t.logger.Info("connection lost, reconnecting", "err", err, "delay", delay)
		t.setState(Connecting, err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		if ctx.Err() != nil {
			break
		}
	}

	t.mu.Lock()
	from := t.state
	t.state = Disconnected
	t.mu.Unlock()
	// ctx is already done so emit would drop it.
	select {
	case t.events <- StateChanged{From: from, To: Disconnected}:
	default:
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.settings.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, t.url, t.settings.Header)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

func (t *Transport) write(conn *websocket.Conn, env *wire.Envelope) error {
	raw, err := wire.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *Transport) connectAndServe(ctx context.Context, b *backoff.ExponentialBackOff) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.mu.Lock()
	t.resync = false
	t.connCancel = cancel
	hello := &wire.Envelope{Kind: wire.KindHello, Channel: t.channel, Seq: t.lastSeq, ID: t.lastID}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.connCancel = nil
		t.mu.Unlock()
	}()

	if err := t.write(conn, hello); err != nil {
		return err
	}
	t.setState(Synchronizing, nil)
	live := make(chan struct{})

	wg := new(sync.WaitGroup)
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		errs <- t.readLoop(connCtx, conn, live, b)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		errs <- t.writeLoop(connCtx, conn, live)
	}()

	<-connCtx.Done()
	// Unblock the reader.
	_ = conn.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, live chan struct{}, b *backoff.ExponentialBackOff) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
		mt, p, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "read", Err: err}
		}
		if mt != websocket.BinaryMessage || len(p) == 0 {
			// ping
			continue
		}
		env, err := wire.DecodeEnvelope(p)
		if err != nil {
			return &TransportError{Op: "decode", Err: err}
		}
		t.mu.Lock()
		stale := t.resync
		t.mu.Unlock()
		if stale {
			continue
		}
		switch env.Kind {
		case wire.KindReset:
			t.mu.Lock()
			dropped := len(t.queue)
			t.lastSeq, t.lastID = 0, ""
			t.queue = nil
			t.mu.Unlock()
			t.logger.Warn("relay lost the channel log, replaying it from the start", "head", env.Seq, "dropped", dropped)
			t.emit(Reset{Head: env.Seq})
		case wire.KindFrame:
			t.mu.Lock()
			if env.Seq <= t.lastSeq {
				t.mu.Unlock()
				continue
			}
			t.lastSeq, t.lastID = env.Seq, env.ID
			for i, q := range t.queue {
				if q.id == env.ID {
					t.queue = append(t.queue[:i:i], t.queue[i+1:]...)
					break
				}
			}
			t.mu.Unlock()
			t.emit(Frame{Seq: env.Seq, ID: env.ID, Payload: env.Payload})
		case wire.KindSynced:
			select {
			case <-live:
				continue
			default:
			}
			b.Reset()
			t.setState(Live, nil)
			t.emit(Synced{Seq: env.Seq})
			close(live)
		case wire.KindError:
			return &TransportError{Op: "relay", Err: errors.New(env.Error)}
		default:
			t.logger.Warn("ignoring unexpected envelope", "kind", env.Kind)
		}
	}
}

// writeLoop flushes the queue once the connection is live, in the original order, and pings while idle.
func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn, live chan struct{}) error {
	ping := time.NewTicker(t.settings.PingInterval)
	defer ping.Stop()
	sent := map[string]bool{}
	isLive := false
	for {
		if isLive {
			t.mu.Lock()
			batch := make([]pending, 0, len(t.queue))
			for _, q := range t.queue {
				if !sent[q.id] {
					batch = append(batch, q)
				}
			}
			t.mu.Unlock()
			for _, q := range batch {
				if err := t.write(conn, &wire.Envelope{Kind: wire.KindSubmit, ID: q.id, Payload: q.payload}); err != nil {
					return err
				}
				sent[q.id] = true
			}
		}

		var liveC <-chan struct{}
		if !isLive {
			liveC = live
		}
		select {
		case <-ctx.Done():
			return nil
		case <-liveC:
			isLive = true
		case <-t.wake:
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return &TransportError{Op: "ping", Err: err}
			}
		}
	}
}
