// Package relay is the coordinating endpoint of a channel. It assigns every submitted frame the next sequence number
// of its channel, stores it and relays it to every subscriber. The relay only ever sees sealed payloads.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/listmap/pkg/relay/store"
	"github.com/astromechza/listmap/pkg/wire"
)

type Settings struct {
	// SendBuffer is the number of frames queued per subscriber before it is dropped as too slow.
	SendBuffer   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	Logger       *slog.Logger
}

func DefaultSettings() Settings {
	return Settings{
		SendBuffer:   256,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
		PingInterval: 5 * time.Second,
	}
}

type Server struct {
	store    store.Store
	settings Settings
	logger   *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
}

type channel struct {
	// mu orders appends with fan-out so subscribers see frames in sequence order.
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	conn    *websocket.Conn
	send    chan wire.Frame
	dropped chan struct{}
	reason  error
	once    sync.Once
}

var (
	errTooSlow  = errors.New("subscriber too slow")
	errShutdown = errors.New("relay shutting down")
)

func (s *subscriber) drop(reason error) {
	s.once.Do(func() {
		s.reason = reason
		close(s.dropped)
	})
}

func New(st store.Store, settings Settings) *Server {
	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultSettings()
	if settings.SendBuffer <= 0 {
		settings.SendBuffer = defaults.SendBuffer
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = defaults.WriteTimeout
	}
	if settings.ReadTimeout <= 0 {
		settings.ReadTimeout = defaults.ReadTimeout
	}
	if settings.PingInterval <= 0 {
		settings.PingInterval = defaults.PingInterval
	}
	return &Server{store: st, settings: settings, logger: logger, channels: map[string]*channel{}}
}

// Handler routes the relay endpoints and logs every request.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/channels/{channel}/frames").HandlerFunc(s.getFrames)
	r.Methods(http.MethodGet).Path("/channels/{channel}/ws").HandlerFunc(s.syncChannel)
	return r
}

// Close disconnects every subscriber. Hijacked websocket connections are not closed by http.Server.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, ch := range s.channels {
		ch.mu.Lock()
		for sub := range ch.subscribers {
			sub.drop(errShutdown)
			_ = sub.conn.Close()
		}
		ch.mu.Unlock()
	}
}

func (s *Server) channel(name string) (*channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	ch, ok := s.channels[name]
	if !ok {
		ch = &channel{subscribers: map[*subscriber]struct{}{}}
		s.channels[name] = ch
	}
	return ch, true
}

func (s *Server) healthz(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "text/plain")
	_, _ = writer.Write([]byte("ok\n"))
}

// getFrames exports the stored, still sealed, frames of a channel as JSON.
func (s *Server) getFrames(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["channel"]
	var since uint64
	if raw := request.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(writer, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = v
	}
	frames, err := s.store.Since(request.Context(), name, since)
	if err != nil {
		s.logger.Error("failed to read frames", "channel", name, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if frames == nil {
		frames = []wire.Frame{}
	}
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(frames); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) write(conn *websocket.Conn, env *wire.Envelope) error {
	raw, err := wire.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, raw)
}

func (s *Server) syncChannel(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["channel"]
	logger := s.logger.With("channel", name)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	hello, err := s.readHello(conn, name)
	if err != nil {
		logger.Warn("bad hello", "err", err)
		_ = s.write(conn, &wire.Envelope{Kind: wire.KindError, Error: err.Error()})
		return
	}

	ch, ok := s.channel(name)
	if !ok {
		return
	}
	sub := &subscriber{conn: conn, send: make(chan wire.Frame, s.settings.SendBuffer), dropped: make(chan struct{})}

	// Subscribing and reading the head under the channel lock means every frame after head reaches sub.send.
	ch.mu.Lock()
	ch.subscribers[sub] = struct{}{}
	head, err := s.store.Head(request.Context(), name)
	ch.mu.Unlock()
	defer func() {
		ch.mu.Lock()
		delete(ch.subscribers, sub)
		ch.mu.Unlock()
	}()
	if err != nil {
		logger.Error("failed to read head", "err", err)
		return
	}
	logger.Info("subscriber joined", "since", hello.Seq, "head", head)

	ctx, cancel := context.WithCancel(request.Context())
	defer cancel()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := s.writeLoop(ctx, sub, name, hello, head); err != nil {
			logger.Info("subscriber writer stopped", "err", err)
		}
		_ = conn.Close()
	}()

	if err := s.readLoop(ctx, conn, ch, name); err != nil && ctx.Err() == nil {
		logger.Info("subscriber reader stopped", "err", err)
	}
	cancel()
	wg.Wait()
}

func (s *Server) readHello(conn *websocket.Conn, name string) (*wire.Envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage || len(p) == 0 {
			continue
		}
		env, err := wire.DecodeEnvelope(p)
		if err != nil {
			return nil, err
		}
		if env.Kind != wire.KindHello {
			return nil, errors.New("expected hello, got " + env.Kind.String())
		}
		if env.Channel != "" && env.Channel != name {
			return nil, errors.New("hello names channel " + env.Channel)
		}
		return env, nil
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, ch *channel, name string) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage || len(p) == 0 {
			// ping
			continue
		}
		env, err := wire.DecodeEnvelope(p)
		if err != nil {
			return err
		}
		if env.Kind != wire.KindSubmit {
			s.logger.Warn("ignoring unexpected envelope", "channel", name, "kind", env.Kind)
			continue
		}
		if env.ID == "" {
			return errors.New("submit without id")
		}
		if err := s.submit(ctx, ch, name, env.ID, env.Payload); err != nil {
			return err
		}
	}
}

func (s *Server) submit(ctx context.Context, ch *channel, name, id string, payload []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	seq, duplicate, err := s.store.Append(ctx, name, id, payload)
	if err != nil {
		return err
	}
	if duplicate {
		s.logger.Debug("duplicate frame", "channel", name, "id", id, "seq", seq)
		return nil
	}
	frame := wire.Frame{Seq: seq, ID: id, Payload: payload}
	for sub := range ch.subscribers {
		select {
		case sub.send <- frame:
		default:
			s.logger.Warn("dropping slow subscriber", "channel", name)
			delete(ch.subscribers, sub)
			sub.drop()
		}
	}
	return nil
}

// replay loads the frames a subscriber resuming from hello is missing. When the log does not hold the frame the hello
// names, because the store was wiped or replaced, reset is set and the whole log is returned instead.
func (s *Server) replay(ctx context.Context, name string, hello *wire.Envelope, head uint64) ([]wire.Frame, bool, error) {
	since := hello.Seq
	if since > 0 && since <= head {
		frames, err := s.store.Since(ctx, name, since-1)
		if err != nil {
			return nil, false, err
		}
		if len(frames) > 0 && frames[0].Seq == since && (hello.ID == "" || frames[0].ID == hello.ID) {
			return frames[1:], false, nil
		}
	}
	reset := since > 0
	if head == 0 {
		return nil, reset, nil
	}
	frames, err := s.store.Since(ctx, name, 0)
	return frames, reset, err
}

// writeLoop replays history after the hello, marks the replay done and then relays live frames.
func (s *Server) writeLoop(ctx context.Context, sub *subscriber, name string, hello *wire.Envelope, head uint64) error {
	frames, reset, err := s.replay(ctx, name, hello, head)
	if err != nil {
		return err
	}
	if reset {
		s.logger.Warn("subscriber resumes from a frame this log does not hold, replaying everything", "channel", name, "since", hello.Seq, "head", head)
		if err := s.write(sub.conn, &wire.Envelope{Kind: wire.KindReset, Seq: head}); err != nil {
			return err
		}
	}
	for _, f := range frames {
		if f.Seq > head {
			break
		}
		if err := s.write(sub.conn, &wire.Envelope{Kind: wire.KindFrame, Seq: f.Seq, ID: f.ID, Payload: f.Payload}); err != nil {
			return err
		}
	}
	if err := s.write(sub.conn, &wire.Envelope{Kind: wire.KindSynced, Seq: head}); err != nil {
		return err
	}

	ping := time.NewTicker(s.settings.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.dropped:
			return sub.reason
		case f := <-sub.send:
			if f.Seq <= head {
				continue
			}
			if err := s.write(sub.conn, &wire.Envelope{Kind: wire.KindFrame, Seq: f.Seq, ID: f.ID, Payload: f.Payload}); err != nil {
				return err
			}
		case <-ping.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return err
			}
		}
	}
}
