package broker

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wsbroker/broker/internal/ack"
	"github.com/wsbroker/broker/internal/codec"
	"github.com/wsbroker/broker/internal/ratelimit"
)

// State is the socket's lifecycle state, modeled as an explicit enum rather
// than a pair of booleans so that a race can never leave a socket
// half-closed (spec §9 design note).
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socket is one accepted connection, bound to exactly one Namespace for its
// whole lifetime (spec §3). It is owned exclusively by the server's
// per-socket dispatch goroutine; all mutation of its fields happens there
// or through the methods in this file, which take their own locks.
type Socket struct {
	id     string
	server *Server
	ns     *Namespace
	conn   net.Conn

	send chan []byte // outbound frame bytes, drained by the write pump

	state       int32 // atomic State
	connectedAt time.Time

	dataMu sync.RWMutex
	data   map[string]any // arbitrary user data scratchpad

	roomsMu sync.Mutex
	rooms   map[string]struct{}

	limiter *ratelimit.SocketLimiter

	// sendAcks tracks acks this socket, as sender, is waiting on from its
	// remote peer — i.e. emits this socket made with an ack callback.
	sendAcks *ack.Table

	onMu       sync.RWMutex
	onHandlers map[string]Handler // per-socket handlers registered via socket.On

	lastActivity atomic.Value // time.Time
	closeOnce    sync.Once
	closeCh      chan struct{}

	heartbeatMisses int32
	sendFailures    int32 // consecutive full-send-buffer attempts, reset on success
}

func newSocket(id string, server *Server, ns *Namespace, conn net.Conn) *Socket {
	s := &Socket{
		id:         id,
		server:     server,
		ns:         ns,
		conn:       conn,
		send:       make(chan []byte, 256),
		data:       make(map[string]any),
		rooms:      make(map[string]struct{}),
		onHandlers: make(map[string]Handler),
		sendAcks:   ack.NewTable(),
		closeCh:    make(chan struct{}),
	}
	s.state = int32(StateConnecting)
	s.connectedAt = time.Now()
	s.lastActivity.Store(time.Now())
	s.limiter = ratelimit.NewSocketLimiter(server.rateLimitConfig(), server.perEventRateLimits())
	return s
}

// ID is the socket's stable, process-unique identifier.
func (s *Socket) ID() string { return s.id }

// Namespace returns the namespace this socket is bound to.
func (s *Socket) Namespace() *Namespace { return s.ns }

func (s *Socket) setState(state State) { atomic.StoreInt32(&s.state, int32(state)) }
func (s *Socket) State() State         { return State(atomic.LoadInt32(&s.state)) }

func (s *Socket) touch() { s.lastActivity.Store(time.Now()) }

func (s *Socket) lastActivityAt() time.Time {
	t, _ := s.lastActivity.Load().(time.Time)
	return t
}

// Set stores a value in the socket's user-data scratchpad, e.g. for an
// auth middleware to record `authenticated`.
func (s *Socket) Set(key string, value any) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.data[key] = value
}

// Get reads a value from the socket's scratchpad.
func (s *Socket) Get(key string) (any, bool) {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// On registers a per-socket handler for event, consulted when the owning
// namespace has no handler for it (lookup order, spec §4.4).
func (s *Socket) On(event string, handler Handler) {
	s.onMu.Lock()
	defer s.onMu.Unlock()
	s.onHandlers[event] = handler
}

func (s *Socket) onHandlerFor(event string) (Handler, bool) {
	s.onMu.RLock()
	defer s.onMu.RUnlock()
	h, ok := s.onHandlers[event]
	return h, ok
}

// Join adds the socket to room within its namespace. Idempotent (spec §4.3).
func (s *Socket) Join(room string) {
	s.roomsMu.Lock()
	s.rooms[room] = struct{}{}
	s.roomsMu.Unlock()
	s.ns.rooms.Join(room, s.id)
}

// Leave removes the socket from room. A no-op if it wasn't a member.
func (s *Socket) Leave(room string) {
	s.roomsMu.Lock()
	delete(s.rooms, room)
	s.roomsMu.Unlock()
	s.ns.rooms.Leave(room, s.id)
}

// Rooms returns a snapshot of the rooms this socket currently belongs to.
func (s *Socket) Rooms() []string {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Emit sends event directly to this socket only, with no ack requested.
func (s *Socket) Emit(event string, data any) {
	s.writeEvent(event, data)
}

// To targets a room within this socket's namespace, excluding this socket
// from the fan-out (spec §4.4 table: "socket.to(room).emit" is the one
// broadcast form that never echoes back to the sender).
func (s *Socket) To(room string) *Target {
	return &Target{ns: s.ns, room: room, exclude: s.id}
}

// EmitWithAck sends event to this socket requesting an ack, resolving
// resolver with the reply (or a TimedOut Response) per spec §4.5. The
// timeout clock starts only once the frame is actually registered here,
// immediately before the write — not when the caller decided to send it.
func (s *Socket) EmitWithAck(event string, data any, resolver func(ack.Response)) {
	s.server.metrics.AcksOutstanding.Inc()
	id := s.sendAcks.Register(s.server.ackTimeout(), func(r ack.Response) {
		s.server.metrics.AcksOutstanding.Dec()
		if r.TimedOut {
			s.server.metrics.AckTimeouts.Inc()
			s.server.logger.Debug().Str("socket", s.id).Str("event", event).Str("code", CodeAckTimeout).Msg("emit ack timed out")
		}
		resolver(r)
	})
	s.writeFrame(codec.EncodeInput{
		Type:      codec.TypeEvent,
		Namespace: s.ns.path,
		Event:     event,
		AckID:     id,
		HasAckID:  true,
		Value:     data,
	})
}

// resolveAck feeds an inbound ACK frame's payload back to the resolver this
// socket registered when it made the matching EmitWithAck call. An id with
// no matching entry (already resolved, already timed out, or never
// registered) is logged rather than silently dropped, since it usually
// means a peer sent a stray or duplicate ACK frame.
func (s *Socket) resolveAck(id uint32, value any) {
	if !s.sendAcks.Resolve(id, value) {
		s.server.logger.Warn().
			Str("socket", s.id).
			Uint32("ack_id", id).
			Str("code", CodeAckUnknownID).
			Msg("ack frame referenced an unknown or already-resolved ack id")
	}
}

// resetHeartbeat clears the miss counter on a HEARTBEAT_ACK reply.
func (s *Socket) resetHeartbeat() {
	atomic.StoreInt32(&s.heartbeatMisses, 0)
}

func (s *Socket) writeEvent(event string, data any) {
	s.writeFrame(codec.EncodeInput{
		Type:      codec.TypeEvent,
		Namespace: s.ns.path,
		Event:     event,
		Value:     data,
	})
}

func (s *Socket) writeFrame(in codec.EncodeInput) {
	encoded, err := s.server.codec.Encode(in)
	if err != nil {
		s.server.logger.Error().Err(err).Str("socket", s.id).Msg("failed to encode outbound frame")
		return
	}
	select {
	case s.send <- encoded:
		atomic.StoreInt32(&s.sendFailures, 0)
	default:
		s.server.handleSlowClient(s)
	}
}

// requestClose closes the underlying connection and runs the server's
// one-shot cleanup exactly once, regardless of which path triggered it
// (read error, slow-client eviction, heartbeat timeout, or shutdown drain).
func (s *Socket) requestClose(reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.closeCh)
		_ = s.conn.Close()
		s.server.cleanupSocket(s, reason)
	})
}

// writeError sends an ERROR frame naming the offending event, used for
// middleware rejections (spec §4.4) and frame decode failures (spec §7).
func (s *Socket) writeError(code, message, event string) {
	payload := map[string]any{"code": code, "message": message}
	if event != "" {
		payload["event"] = event
	}
	s.writeFrame(codec.EncodeInput{
		Type:      codec.TypeError,
		Namespace: s.ns.path,
		Event:     "error",
		Value:     payload,
	})
}
