// Package listmap is a replicated, end to end encrypted map shared by every client of a relay channel. Clients mutate
// it through a Proxy; edits are applied locally at once, sealed, relayed and merged on every other client, and
// observers are told about every change whether it was made locally or remotely.
package listmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/astromechza/listmap/pkg/codec"
	"github.com/astromechza/listmap/pkg/crypt"
	"github.com/astromechza/listmap/pkg/engine"
	"github.com/astromechza/listmap/pkg/transport"
	"github.com/astromechza/listmap/pkg/wire"
)

var ErrClosed = errors.New("session closed")

type Config struct {
	// Endpoint is the relay base url.
	Endpoint string
	Channel  string
	// Key is the shared secret. It is stretched into the channel key with KDF.
	Key string
	// InitialData seeds the document when the channel turns out to be empty at the first sync.
	InitialData map[string]any

	// Codec encodes document values inside edits. Defaults to codec.JSON.
	Codec codec.Codec
	// Cipher overrides the cipher built from Key and CipherName.
	Cipher     crypt.Cipher
	CipherName string
	// KDF defaults to crypt.DefaultKDFParams.
	KDF crypt.KDFParams
	// MaxBuffered defaults to engine.DefaultMaxBuffered.
	MaxBuffered int

	Transport *transport.Settings
	Logger    *slog.Logger
}

type Session struct {
	channel string
	codec   codec.Codec
	cipher  crypt.Cipher
	logger  *slog.Logger
	initial map[string]any

	transport *transport.Transport
	observers *observers
	proxy     *Proxy

	// mu guards the engine and the session flags below. It is never held while a handler runs.
	mu     sync.Mutex
	engine *engine.Engine
	ready  bool
	live   bool
	closed bool
	// replayWanted is set when the engine dropped a buffered edit; replayedAt is the applied edit count at the last
	// replay.
	replayWanted bool
	replayedAt   int

	cancel context.CancelFunc
	done   chan struct{}
	// dispatching is set while the event loop runs handlers.
	dispatching atomic.Bool
}

// Create starts a session and returns without waiting for the relay. Register observers on Proxy straight away; ready
// fires once the channel history has been merged.
func Create(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Channel == "" {
		return nil, errors.New("channel is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", cfg.Channel)

	c := cfg.Codec
	if c == nil {
		c = codec.JSON{}
	}

	var initial map[string]any
	if cfg.InitialData != nil {
		nv, err := codec.Normalize(cfg.InitialData)
		if err != nil {
			return nil, fmt.Errorf("invalid initial data: %w", err)
		}
		initial = nv.(map[string]any)
	}

	ciph := cfg.Cipher
	if ciph == nil {
		params := cfg.KDF
		if params == (crypt.KDFParams{}) {
			params = crypt.DefaultKDFParams
		}
		key, err := crypt.DeriveKey(cfg.Key, cfg.Channel, params)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key: %w", err)
		}
		if ciph, err = crypt.ByName(cfg.CipherName, key, cfg.Channel); err != nil {
			return nil, err
		}
	}

	ts := transport.DefaultSettings()
	if cfg.Transport != nil {
		copied := *cfg.Transport
		ts = &copied
	}
	if ts.Logger == nil {
		ts.Logger = logger
	}
	tr, err := transport.New(cfg.Endpoint, cfg.Channel, ts)
	if err != nil {
		return nil, err
	}

	origin := uuid.NewString()
	s := &Session{
		channel:   cfg.Channel,
		codec:     c,
		cipher:    ciph,
		logger:    logger.With("origin", origin),
		initial:   initial,
		transport: tr,
		observers: &observers{logger: logger},
		engine:    engine.New(origin, engineOptions(cfg, logger)...),
		done:      make(chan struct{}),
	}
	s.proxy = &Proxy{s: s}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go tr.Run(runCtx)
	go s.loop()
	return s, nil
}

func engineOptions(cfg Config, logger *slog.Logger) []engine.Option {
	opts := []engine.Option{engine.WithLogger(logger)}
	if cfg.MaxBuffered > 0 {
		opts = append(opts, engine.WithMaxBuffered(cfg.MaxBuffered))
	}
	return opts
}

func (s *Session) Proxy() *Proxy {
	return s.proxy
}

func (s *Session) Origin() string {
	return s.engine.Origin()
}

func (s *Session) State() transport.State {
	return s.transport.State()
}

func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// History returns the edits merged so far, in the order this session applied them.
func (s *Session) History() []*engine.Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.History()
}

// Close releases the connection and stops notifications. Edits the relay has not acknowledged are discarded. Called
// from a handler, Close returns without waiting for the event loop, which stops once the handler returns.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.observers.close()
	s.transport.Close()
	s.cancel()
	if !s.dispatching.Load() {
		<-s.done
	}
	return nil
}

func (s *Session) loop() {
	defer close(s.done)
	for ev := range s.transport.Events() {
		switch e := ev.(type) {
		case transport.Frame:
			s.receive(e)
		case transport.Synced:
			s.synced(e)
		case transport.StateChanged:
			s.stateChanged(e)
		case transport.Reset:
			s.republish(e)
		}
		s.dispatching.Store(true)
		s.observers.drain()
		s.dispatching.Store(false)
		s.maybeResync()
	}
}

// maybeResync replays the channel after the engine dropped a buffered edit. It waits until the backlog is consumed
// and the engine applied something since the last replay, so the dropped edits come back after their dependencies.
func (s *Session) maybeResync() {
	if len(s.transport.Events()) > 0 || s.transport.State() != transport.Live {
		return
	}
	s.mu.Lock()
	applied := s.engine.Applied()
	replay := s.replayWanted && !s.closed && applied > s.replayedAt
	if replay {
		s.replayWanted = false
		s.replayedAt = applied
	}
	s.mu.Unlock()
	if replay {
		s.logger.Warn("replaying the channel to recover dropped edits", "applied", applied)
		s.transport.Resync()
	}
}

// receive merges one relayed frame. Frames that fail to open or decode are dropped without touching the document.
func (s *Session) receive(f transport.Frame) {
	plain, err := s.cipher.Open(f.Payload)
	if err != nil {
		s.logger.Warn("dropping frame that failed authentication", "seq", f.Seq, "id", f.ID, "err", err)
		return
	}
	edit, err := wire.DecodeEdit(plain, s.codec)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", "seq", f.Seq, "id", f.ID, "err", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changes, err := s.engine.Remote(edit)
	if s.ready {
		s.notifyChanges(changes)
	}
	overflowed := errors.Is(err, engine.ErrBufferFull)
	if overflowed {
		s.replayWanted = true
	}
	s.mu.Unlock()

	switch {
	case overflowed:
		s.logger.Warn("edit buffer overflowed", "seq", f.Seq, "err", err)
	case err != nil:
		s.logger.Warn("rejected remote edit", "seq", f.Seq, "err", err)
	}
}

// republish sends every merged edit again after the relay lost its log. Replicas that already hold an edit ignore it.
func (s *Session) republish(e transport.Reset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	history := s.engine.History()
	s.logger.Warn("relay lost the channel log, publishing merged history again", "head", e.Head, "edits", len(history))
	for _, edit := range history {
		s.publish(edit)
	}
}

func (s *Session) synced(e transport.Synced) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready || s.closed {
		return
	}
	if s.initial != nil && len(s.engine.Snapshot()) == 0 {
		s.logger.Info("seeding empty channel", "head", e.Seq)
		if _, err := s.commit(codec.Patch{Op: codec.OpSet, Path: codec.Path{}, Value: s.initial}); err != nil {
			s.logger.Error("failed to seed initial data", "err", err)
		}
	}
	s.ready = true
	s.logger.Info("ready", "head", e.Seq)
	// Enqueued under s.mu so addObserver cannot also deliver this ready to a handler registered concurrently.
	s.observers.enqueue(queued{n: Notification{Event: EventReady, Document: s.engine.Snapshot()}})
}

func (s *Session) stateChanged(e transport.StateChanged) {
	s.mu.Lock()
	wasLive := s.live
	s.live = e.To == transport.Live
	s.mu.Unlock()
	if wasLive && e.To != transport.Live {
		s.logger.Info("disconnected", "err", e.Err)
		s.observers.enqueue(queued{n: Notification{Event: EventDisconnect, Err: e.Err}})
	}
}

// notifyChanges queues change notifications in engine order. s.mu must be held.
func (s *Session) notifyChanges(changes []engine.Change) {
	items := make([]queued, len(changes))
	for i, c := range changes {
		items[i] = queued{n: Notification{Event: EventChange, Path: c.Path, Old: c.Old, New: c.New, Source: c.Source}}
	}
	s.observers.enqueue(items...)
}

// commit runs patches through the engine and hands the resulting edit to the transport. s.mu must be held.
func (s *Session) commit(patches ...codec.Patch) ([]engine.Change, error) {
	edit, changes, err := s.engine.Local(patches...)
	if err != nil || edit == nil {
		return nil, err
	}
	s.publish(edit)
	return changes, nil
}

// publish seals edit and queues it on the transport. Failures are logged: the edit is already merged here, so this
// replica then holds state nobody else will see.
func (s *Session) publish(edit *engine.Edit) {
	plain, err := wire.EncodeEdit(edit, s.codec)
	if err != nil {
		s.logger.Error("failed to encode edit", "edit", edit.String(), "err", err)
		return
	}
	sealed, err := s.cipher.Seal(plain)
	if err != nil {
		s.logger.Error("failed to seal edit", "edit", edit.String(), "err", err)
		return
	}
	id := s.transport.Send(sealed)
	s.logger.Debug("queued edit", "edit", edit.String(), "frame", id)
}

// mutate is the single entry point for local writes. build sees the current document and returns the patches to
// apply; it runs under the session lock so the patches cannot go stale.
func (s *Session) mutate(build func(doc map[string]any) ([]codec.Patch, error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	patches, err := build(s.engine.Snapshot())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changes, err := s.commit(patches...)
	// Before ready, changes are folded into the ready document instead.
	if err == nil && s.ready {
		s.notifyChanges(changes)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.observers.drain()
	return nil
}

func (s *Session) snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Snapshot()
}

func (s *Session) addObserver(r *registration) {
	s.mu.Lock()
	s.observers.add(r)
	late := r.event == EventReady && s.ready
	var doc map[string]any
	if late {
		doc = s.engine.Snapshot()
		s.observers.enqueue(queued{n: Notification{Event: EventReady, Document: doc}, only: r})
	}
	s.mu.Unlock()
	if late {
		s.observers.drain()
	}
}
