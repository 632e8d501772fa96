package client

import (
	"math"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wsbroker/broker/internal/ack"
	"github.com/wsbroker/broker/internal/codec"
)

// Options configures a Client. Zero-value fields fall back to the spec
// §4.7 defaults applied in New.
type Options struct {
	// BaseURL is the server's ws:// or wss:// origin, with no path.
	BaseURL string
	// Namespace is the namespace path to connect to, e.g. "/chat".
	Namespace string

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	AckTimeout time.Duration

	QueueMax int
	QueueTTL time.Duration

	HeartbeatInterval time.Duration
	HeartbeatAckWait  time.Duration

	Codec codec.Options

	Logger zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 30 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatAckWait <= 0 {
		o.HeartbeatAckWait = 5 * time.Second
	}
	if o.Namespace == "" {
		o.Namespace = "/"
	}
}

// EventHandler is a client-side inbound event callback.
type EventHandler func(data any)

// Client is a WebSocket client implementing the broker's wire codec plus
// reconnection, an offline queue, and heartbeating (spec §4.7). Grounded on
// the teacher's server-side gobwas/ws usage; the teacher ships no client of
// its own, so the dial path mirrors ws.UpgradeHTTP's accept-side idiom
// using ws.Dialer instead.
type Client struct {
	opts  Options
	codec *codec.Codec

	state      int32 // atomic State
	userClosed int32 // atomic bool

	connMu sync.Mutex
	conn   net.Conn
	send   chan []byte

	attempt      int32 // atomic, consecutive reconnect attempts since last Open
	reconnecting int32 // atomic bool, guards against overlapping reconnectLoop runs

	queue *offlineQueue
	acks  *ack.Table

	handlersMu sync.RWMutex
	handlers   map[string]EventHandler

	heartbeatMu     sync.Mutex
	pendingProbe    chan struct{}
	heartbeatMisses int32

	done chan struct{} // closed exactly once, by Close
	wg   sync.WaitGroup

	logger zerolog.Logger
}

// New builds a Client. Connect must be called to actually dial.
func New(opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		opts:     opts,
		codec:    codec.New(opts.Codec),
		queue:    newOfflineQueue(opts.QueueMax, opts.QueueTTL),
		acks:     ack.NewTable(),
		handlers: make(map[string]EventHandler),
		done:     make(chan struct{}),
		logger:   opts.Logger,
	}
}

func (c *Client) State() State { return State(atomic.LoadInt32(&c.state)) }
func (c *Client) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

// On registers a handler for an inbound event.
func (c *Client) On(event string, handler EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = handler
}

func (c *Client) handlerFor(event string) (EventHandler, bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	h, ok := c.handlers[event]
	return h, ok
}

// fireLocal invokes a locally-registered handler (e.g. "reconnected",
// "max_reconnect_reached") with no ack plumbing, since these never
// correspond to a wire frame.
func (c *Client) fireLocal(event string, data any) {
	if h, ok := c.handlerFor(event); ok {
		h(data)
	}
}

// buildURL joins base and ns as a path, never a query parameter — the
// explicit correction of a documented bug in source (spec §4.7).
func buildURL(base, ns string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if ns == "" {
		ns = "/"
	}
	if !strings.HasPrefix(ns, "/") {
		ns = "/" + ns
	}
	u.Path = strings.TrimRight(u.Path, "/") + ns
	return u.String(), nil
}

// backoff computes the delay before reconnect attempt n (0-indexed),
// reconnectDelay * 1.5^attempt capped at 60s (spec §4.7).
func backoff(base time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(1.5, float64(attempt)))
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

// Connect dials the server and starts the read/write pumps. Safe to call
// only once; reconnection after transport loss is automatic.
func (c *Client) Connect() error {
	c.setState(StateConnecting)
	if err := c.dial(); err != nil {
		c.setState(StateIdle)
		return err
	}
	c.setState(StateOpen)
	c.flushQueue()
	return nil
}

// Close is a user-requested disconnect: no further reconnection attempts
// are made.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.userClosed, 0, 1) {
		return nil
	}
	close(c.done)
	c.setState(StateClosed)
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.acks.CancelAll()
	c.wg.Wait()
	return nil
}

// Emit sends event with no ack requested. If the client isn't Open, it is
// buffered in the offline queue instead (spec §4.7).
func (c *Client) Emit(event string, data any) {
	c.sendOrQueue(event, data, nil)
}

// EmitWithAck sends event requesting an ack, resolving resolver with the
// server's reply or a timeout Response. If the client isn't Open, the
// emit (and its ack registration) is deferred until the frame is actually
// flushed on reconnect.
func (c *Client) EmitWithAck(event string, data any, resolver func(ack.Response)) {
	c.sendOrQueue(event, data, resolver)
}

func (c *Client) sendOrQueue(event string, data any, resolver func(ack.Response)) {
	if c.State() == StateOpen {
		c.sendNow(event, data, resolver)
		return
	}
	if c.queue.push(queuedFrame{event: event, data: data, resolver: resolver, enqueuedAt: time.Now()}) {
		c.logger.Warn().Str("event", event).Msg("offline queue full, discarded oldest entry")
	}
}

func (c *Client) sendNow(event string, data any, resolver func(ack.Response)) {
	in := codec.EncodeInput{Type: codec.TypeEvent, Namespace: c.opts.Namespace, Event: event, Value: data}
	if resolver != nil {
		in.HasAckID = true
		in.AckID = c.acks.Register(c.opts.AckTimeout, resolver)
	}
	c.writeFrame(in)
}

func (c *Client) writeFrame(in codec.EncodeInput) {
	encoded, err := c.codec.Encode(in)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode outbound frame")
		return
	}
	c.connMu.Lock()
	ch := c.send
	c.connMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- encoded:
	default:
		c.logger.Warn().Msg("client send buffer full, dropping frame")
	}
}

// flushQueue sends every live queued frame in FIFO order, resolving any
// TTL-expired entry's ack (if it requested one) with a timeout response
// instead of silently dropping it.
func (c *Client) flushQueue() {
	live, expired := c.queue.drain(time.Now())
	for _, f := range expired {
		if f.resolver != nil {
			f.resolver(ack.Response{TimedOut: true, Err: "queue_ttl_expired"})
		}
	}
	for _, f := range live {
		c.sendNow(f.event, f.data, f.resolver)
	}
}

func (c *Client) url() (string, error) {
	return buildURL(c.opts.BaseURL, c.opts.Namespace)
}
