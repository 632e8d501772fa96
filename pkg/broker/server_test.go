package broker

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wsbroker/broker/internal/codec"
	"github.com/wsbroker/broker/internal/config"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		MaxConnections:       10,
		CompressionThreshold: 1024,
		CompressionLevel:     6,
		RateLimitWindow:      time.Second,
		RateLimitMaxRequests: 1000,
		EnableRateLimiting:   true,
		AckTimeout:           200 * time.Millisecond,
		ConnectionTimeout:    time.Minute,
	}
	srv, err := NewServer(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

// connectSocket builds a Socket bound to ns without going through the HTTP
// upgrade path, since the dispatch and broadcast logic under test here
// doesn't touch the wire transport at all — frames land directly in
// sock.send, the same channel the write pump would otherwise drain.
func connectSocket(t *testing.T, srv *Server, ns *Namespace) *Socket {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	sock := newSocket(srv.nextSocketID(), srv, ns, serverConn)
	sock.setState(StateOpen)
	srv.registerSocket(sock)
	ns.addMember(sock)
	return sock
}

func recvFrame(t *testing.T, srv *Server, sock *Socket) *codec.DecodeOutput {
	t.Helper()
	select {
	case raw := <-sock.send:
		out, err := srv.codec.Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, sock *Socket) {
	t.Helper()
	select {
	case raw := <-sock.send:
		t.Fatalf("expected no frame, got %v", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestS1SingleRoomFanOut exercises spec scenario S1: three sockets join a
// room; a room-targeted emit reaches all three, sender included.
func TestS1SingleRoomFanOut(t *testing.T) {
	srv := testServer(t)
	ns := srv.Namespace("/chat")

	a := connectSocket(t, srv, ns)
	b := connectSocket(t, srv, ns)
	c := connectSocket(t, srv, ns)

	a.Join("R1")
	b.Join("R1")
	c.Join("R1")

	ns.To("R1").Emit("said", map[string]any{"from": "a", "text": "hi"})

	for _, sock := range []*Socket{a, b, c} {
		out := recvFrame(t, srv, sock)
		if out.Frame.Event != "said" {
			t.Fatalf("expected event 'said', got %q", out.Frame.Event)
		}
		payload, ok := out.Value.(map[string]any)
		if !ok || payload["from"] != "a" || payload["text"] != "hi" {
			t.Fatalf("unexpected payload %#v", out.Value)
		}
	}
}

// TestSocketToExcludesSender covers the one broadcast form that never
// echoes to the sender (spec §4.4 table).
func TestSocketToExcludesSender(t *testing.T) {
	srv := testServer(t)
	ns := srv.Namespace("/chat")

	a := connectSocket(t, srv, ns)
	b := connectSocket(t, srv, ns)
	a.Join("R1")
	b.Join("R1")

	a.To("R1").Emit("said", map[string]any{"text": "hi"})

	out := recvFrame(t, srv, b)
	if out.Frame.Event != "said" {
		t.Fatalf("expected event 'said', got %q", out.Frame.Event)
	}
	expectNoFrame(t, a)
}

// TestS4NamespaceIsolation exercises spec scenario S4: a namespace-wide
// emit never crosses into a different namespace.
func TestS4NamespaceIsolation(t *testing.T) {
	srv := testServer(t)
	chat := srv.Namespace("/chat")
	game := srv.Namespace("/game")

	a := connectSocket(t, srv, chat)
	b := connectSocket(t, srv, game)

	chat.Emit("ping", map[string]any{})

	out := recvFrame(t, srv, a)
	if out.Frame.Event != "ping" {
		t.Fatalf("expected event 'ping', got %q", out.Frame.Event)
	}
	expectNoFrame(t, b)
}

// TestBroadcastToEmptyRoomIsNoop covers the room-index invariant that a
// broadcast to a room with no members never panics and delivers nothing.
func TestBroadcastToEmptyRoomIsNoop(t *testing.T) {
	srv := testServer(t)
	ns := srv.Namespace("/chat")
	a := connectSocket(t, srv, ns)

	ns.To("does-not-exist").Emit("said", map[string]any{})

	expectNoFrame(t, a)
}

// TestDispatchRoutesToNamespaceThenSocketThenRoot exercises the routing
// lookup order documented in spec §4.4.
func TestDispatchRoutesToNamespaceThenSocketThenRoot(t *testing.T) {
	srv := testServer(t)
	root := srv.Namespace(RootPath)
	ns := srv.Namespace("/chat")

	var calledVia string
	root.On("greet", func(s *Socket, data any, ack AckFunc) { calledVia = "root" })

	sock := connectSocket(t, srv, ns)

	encodeAndDispatch(t, srv, sock, "greet", nil)
	if calledVia != "root" {
		t.Fatalf("expected root fallback, got %q", calledVia)
	}

	sock.On("greet", func(s *Socket, data any, ack AckFunc) { calledVia = "socket" })
	encodeAndDispatch(t, srv, sock, "greet", nil)
	if calledVia != "socket" {
		t.Fatalf("expected socket handler to take priority over root, got %q", calledVia)
	}

	ns.On("greet", func(s *Socket, data any, ack AckFunc) { calledVia = "namespace" })
	encodeAndDispatch(t, srv, sock, "greet", nil)
	if calledVia != "namespace" {
		t.Fatalf("expected namespace handler to take priority over socket, got %q", calledVia)
	}
}

// TestAckRoundTrip exercises spec scenario S2: a handler that calls ack
// gets its reply delivered back as an ACK frame with the same id.
func TestAckRoundTrip(t *testing.T) {
	srv := testServer(t)
	ns := srv.Namespace("/chat")
	ns.On("save", func(s *Socket, data any, ack AckFunc) {
		ack(map[string]any{"ok": true})
	})

	sock := connectSocket(t, srv, ns)

	raw, err := srv.codec.Encode(codec.EncodeInput{
		Type: codec.TypeEvent, Namespace: "/chat", Event: "save",
		HasAckID: true, AckID: 7, Value: map[string]any{"k": float64(1)},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	srv.processInbound(sock, raw)

	out := recvFrame(t, srv, sock)
	if out.Frame.Type != codec.TypeAck || out.Frame.AckID != 7 {
		t.Fatalf("expected ack frame id 7, got type=%v id=%v", out.Frame.Type, out.Frame.AckID)
	}
	payload, ok := out.Value.(map[string]any)
	if !ok || payload["ok"] != true {
		t.Fatalf("unexpected ack payload %#v", out.Value)
	}
}

// TestRateLimitedEventYieldsRateLimitedFrame exercises spec scenario S6's
// notification side: once admission is denied, the sender gets a
// __rate-limited__ frame instead of the handler running.
func TestRateLimitedEventYieldsRateLimitedFrame(t *testing.T) {
	srv := testServer(t)
	srv.cfg.RateLimitMaxRequests = 1
	ns := srv.Namespace("/chat")

	called := 0
	ns.On("spam", func(s *Socket, data any, ack AckFunc) { called++ })

	sock := connectSocket(t, srv, ns)

	encodeAndDispatch(t, srv, sock, "spam", nil) // admitted; the handler itself emits nothing
	expectNoFrame(t, sock)
	if called != 1 {
		t.Fatalf("expected handler to run once, ran %d times", called)
	}

	encodeAndDispatch(t, srv, sock, "spam", nil) // denied by the limiter
	out := recvFrame(t, srv, sock)
	if out.Frame.Event != "__rate-limited__" {
		t.Fatalf("expected __rate-limited__ frame, got %q", out.Frame.Event)
	}
	if called != 1 {
		t.Fatalf("handler must not run on a denied event, ran %d times", called)
	}
}

func encodeAndDispatch(t *testing.T, srv *Server, sock *Socket, event string, value any) {
	t.Helper()
	raw, err := srv.codec.Encode(codec.EncodeInput{Type: codec.TypeEvent, Namespace: sock.ns.path, Event: event, Value: value})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	srv.processInbound(sock, raw)
}
