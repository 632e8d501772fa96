package broker

import (
	"sync"

	"github.com/wsbroker/broker/internal/room"
)

// RootPath is the namespace every server always has (spec §3).
const RootPath = "/"

// Reserved event names that application handlers must not shadow (spec §6).
var reservedEvents = map[string]bool{
	"connected":        true,
	"disconnected":     true,
	"error":            true,
	"__rate-limited__": true,
	"heartbeat":        true,
	"heartbeat-ack":    true,
}

// Namespace is a named routing scope: a handler table, an ordered
// middleware chain, and a room index, all owned exclusively by this
// namespace (spec §3, §4.4). Namespaces are created explicitly before
// accepting connections and live for the process lifetime.
type Namespace struct {
	path   string
	server *Server

	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
	members    map[string]*Socket // sockets currently bound to this namespace

	rooms *room.Index
}

func newNamespace(path string, server *Server) *Namespace {
	return &Namespace{
		path:     path,
		server:   server,
		handlers: make(map[string]Handler),
		members:  make(map[string]*Socket),
		rooms:    room.New(),
	}
}

// Path returns the namespace's routing path.
func (ns *Namespace) Path() string { return ns.path }

// On registers a handler for event on this namespace. Registering a
// reserved event name (spec §6) panics, mirroring the teacher's pattern of
// failing fast on programmer error during bootstrap rather than silently
// misrouting traffic at runtime.
func (ns *Namespace) On(event string, handler Handler) {
	if reservedEvents[event] {
		panic("broker: cannot register handler for reserved event " + event)
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.handlers[event] = handler
}

// onLifecycle registers a handler for a reserved lifecycle event
// ("connected"/"disconnected"); used internally since application code goes
// through On, which rejects reserved names.
func (ns *Namespace) onLifecycle(event string, handler Handler) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.handlers[event] = handler
}

// Use appends mw to the namespace's middleware chain. Middleware installed
// after sockets have already connected still applies to every subsequent
// event those sockets send (spec §5: "write-once during bootstrap" is the
// common case, but runtime registration is not forbidden as long as it's
// guarded — which the mutex here provides).
func (ns *Namespace) Use(mw Middleware) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.middleware = append(ns.middleware, mw)
}

func (ns *Namespace) handlerFor(event string) (Handler, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	h, ok := ns.handlers[event]
	return h, ok
}

func (ns *Namespace) middlewareChain() []Middleware {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]Middleware, len(ns.middleware))
	copy(out, ns.middleware)
	return out
}

func (ns *Namespace) addMember(s *Socket) {
	ns.mu.Lock()
	ns.members[s.id] = s
	ns.mu.Unlock()
}

func (ns *Namespace) removeMember(s *Socket) {
	ns.mu.Lock()
	delete(ns.members, s.id)
	ns.mu.Unlock()
}

func (ns *Namespace) memberSnapshot() []*Socket {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]*Socket, 0, len(ns.members))
	for _, s := range ns.members {
		out = append(out, s)
	}
	return out
}

func (ns *Namespace) memberByID(id string) (*Socket, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	s, ok := ns.members[id]
	return s, ok
}

// Emit broadcasts event to every socket currently in the namespace,
// including the sender if it happens to be a member — there is no
// sender concept for a namespace-wide emit triggered from application code
// (spec §4.4 table).
func (ns *Namespace) Emit(event string, data any) {
	for _, s := range ns.memberSnapshot() {
		s.writeEvent(event, data)
	}
}

// To targets a room within this namespace. The returned Target's Emit
// includes every current member of the room (spec §4.4 table:
// "namespace.to(roomId).emit" includes the sender if present).
func (ns *Namespace) To(roomID string) *Target {
	return &Target{ns: ns, room: roomID}
}

// Target is a fan-out destination produced by Namespace.To / Socket.To /
// Server.To.
type Target struct {
	ns      *Namespace
	room    string
	exclude string // socket id to exclude from the room fan-out, if any
	direct  *Socket
}

// Emit serialises data once (conceptually — each destination writes its own
// bytes since compression/encryption are currently fixed per-server) and
// delivers it to every socket the target resolves to. Broadcast to a
// missing or empty room is a silent no-op (spec §3, §4.4), logged at warn.
func (t *Target) Emit(event string, data any) {
	if t.direct != nil {
		t.direct.writeEvent(event, data)
		return
	}
	if t.ns == nil {
		return // Server.To resolved to no socket; a unicast to nobody is a no-op.
	}

	members := t.ns.rooms.Members(t.room)
	if len(members) == 0 {
		t.ns.server.logger.Warn().
			Str("namespace", t.ns.path).
			Str("room", t.room).
			Str("event", event).
			Msg("broadcast to empty or missing room, dropped")
		return
	}

	for _, id := range members {
		if id == t.exclude {
			continue
		}
		if s, ok := t.ns.memberByID(id); ok {
			s.writeEvent(event, data)
		}
	}
}
