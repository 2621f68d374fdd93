package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/listmap/pkg/relay/store"
	"github.com/astromechza/listmap/pkg/wire"
)

func newTestRelay(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	st := store.NewMemory()
	rs := New(st, Settings{PingInterval: 50 * time.Millisecond})
	srv := httptest.NewServer(rs.Handler())
	t.Cleanup(func() {
		rs.Close()
		srv.Close()
	})
	return srv, st
}

func dialRaw(t *testing.T, srv *httptest.Server, channel string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/channels/" + channel + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func dial(t *testing.T, srv *httptest.Server, channel string, since uint64) *websocket.Conn {
	t.Helper()
	conn := dialRaw(t, srv, channel)
	send(t, conn, &wire.Envelope{Kind: wire.KindHello, Channel: channel, Seq: since})
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env *wire.Envelope) {
	t.Helper()
	raw, err := wire.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next returns the next non-ping envelope.
func next(t *testing.T, conn *websocket.Conn) *wire.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(p) == 0 {
			continue
		}
		env, err := wire.DecodeEnvelope(p)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return env
	}
}

func TestEmptyChannelSyncsImmediately(t *testing.T) {
	srv, _ := newTestRelay(t)
	conn := dial(t, srv, "empty", 0)
	env := next(t, conn)
	if env.Kind != wire.KindSynced || env.Seq != 0 {
		t.Fatalf("got %s seq %d, want synced 0", env.Kind, env.Seq)
	}
}

func TestSubmitIsRelayedToEverySubscriber(t *testing.T) {
	srv, _ := newTestRelay(t)
	alice := dial(t, srv, "book", 0)
	bob := dial(t, srv, "book", 0)
	next(t, alice)
	next(t, bob)

	send(t, alice, &wire.Envelope{Kind: wire.KindSubmit, ID: "f1", Payload: []byte("sealed")})
	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		env := next(t, conn)
		if env.Kind != wire.KindFrame || env.Seq != 1 || env.ID != "f1" || string(env.Payload) != "sealed" {
			t.Fatalf("%s got %+v", name, env)
		}
	}

	// A resubmission is stored once and not relayed again.
	send(t, alice, &wire.Envelope{Kind: wire.KindSubmit, ID: "f1", Payload: []byte("sealed")})
	send(t, alice, &wire.Envelope{Kind: wire.KindSubmit, ID: "f2", Payload: []byte("second")})
	env := next(t, bob)
	if env.Seq != 2 || env.ID != "f2" {
		t.Fatalf("bob got %+v, want f2 at seq 2", env)
	}
}

func TestHelloReplaysHistoryAfterSeq(t *testing.T) {
	srv, st := newTestRelay(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := st.Append(ctx, "book", id, []byte(id)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	conn := dial(t, srv, "book", 1)
	for _, want := range []string{"b", "c"} {
		env := next(t, conn)
		if env.Kind != wire.KindFrame || env.ID != want {
			t.Fatalf("got %+v, want frame %s", env, want)
		}
	}
	env := next(t, conn)
	if env.Kind != wire.KindSynced || env.Seq != 3 {
		t.Fatalf("got %+v, want synced 3", env)
	}
}

func TestHelloNamingAnUnknownFrameReplaysEverything(t *testing.T) {
	srv, st := newTestRelay(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := st.Append(ctx, "book", id, []byte(id)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	for name, hello := range map[string]*wire.Envelope{
		"ahead of head": {Kind: wire.KindHello, Channel: "book", Seq: 7, ID: "g"},
		"other frame":   {Kind: wire.KindHello, Channel: "book", Seq: 2, ID: "not-b"},
	} {
		t.Run(name, func(t *testing.T) {
			conn := dialRaw(t, srv, "book")
			send(t, conn, hello)
			env := next(t, conn)
			if env.Kind != wire.KindReset || env.Seq != 3 {
				t.Fatalf("got %+v, want reset 3", env)
			}
			for _, want := range []string{"a", "b", "c"} {
				env := next(t, conn)
				if env.Kind != wire.KindFrame || env.ID != want {
					t.Fatalf("got %+v, want frame %s", env, want)
				}
			}
			if env := next(t, conn); env.Kind != wire.KindSynced || env.Seq != 3 {
				t.Fatalf("got %+v, want synced 3", env)
			}
		})
	}

	// a matching frame resumes without a reset
	conn := dialRaw(t, srv, "book")
	send(t, conn, &wire.Envelope{Kind: wire.KindHello, Channel: "book", Seq: 2, ID: "b"})
	if env := next(t, conn); env.Kind != wire.KindFrame || env.ID != "c" {
		t.Fatalf("got %+v, want frame c", env)
	}
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	st := store.NewMemory()
	rs := New(st, Settings{PingInterval: 50 * time.Millisecond})
	srv := httptest.NewServer(rs.Handler())
	defer srv.Close()

	conn := dial(t, srv, "book", 0)
	next(t, conn)
	rs.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatal("connection still open after Close")
			}
			return
		}
	}
}

func TestDropKeepsFirstReason(t *testing.T) {
	sub := &subscriber{dropped: make(chan struct{})}
	sub.drop(errShutdown)
	sub.drop(errTooSlow)
	<-sub.dropped
	if sub.reason != errShutdown {
		t.Fatalf("reason = %v, want %v", sub.reason, errShutdown)
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	srv, _ := newTestRelay(t)
	a := dial(t, srv, "one", 0)
	b := dial(t, srv, "two", 0)
	next(t, a)
	next(t, b)
	send(t, a, &wire.Envelope{Kind: wire.KindSubmit, ID: "x", Payload: []byte("x")})
	next(t, a)
	send(t, b, &wire.Envelope{Kind: wire.KindSubmit, ID: "y", Payload: []byte("y")})
	env := next(t, b)
	if env.ID != "y" || env.Seq != 1 {
		t.Fatalf("channel two got %+v", env)
	}
}

func TestHelloForOtherChannelIsRejected(t *testing.T) {
	srv, _ := newTestRelay(t)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/channels/book/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	send(t, conn, &wire.Envelope{Kind: wire.KindHello, Channel: "other"})
	env := next(t, conn)
	if env.Kind != wire.KindError {
		t.Fatalf("got %s, want error", env.Kind)
	}
}

func TestFramesExport(t *testing.T) {
	srv, st := newTestRelay(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, _, err := st.Append(ctx, "book", id, []byte(id+"!")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	resp, err := http.Get(srv.URL + "/channels/book/frames?since=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var frames []wire.Frame
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frames) != 1 || frames[0].Seq != 2 || string(frames[0].Payload) != "b!" {
		t.Fatalf("frames = %+v", frames)
	}

	resp2, err := http.Get(srv.URL + "/channels/book/frames?since=nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp2.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestRelay(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}
}
