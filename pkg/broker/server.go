package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wsbroker/broker/internal/codec"
	"github.com/wsbroker/broker/internal/config"
	"github.com/wsbroker/broker/internal/observability"
	"github.com/wsbroker/broker/internal/ratelimit"
)

// Server owns every namespace, the accepted-connection registry, and the
// admission/observability machinery shared across them. One Server
// corresponds to one process's worth of the broker (spec §2: single-process
// design, clustering explicitly out of scope).
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	codec  *codec.Codec

	metrics       *observability.Metrics
	resourceGuard *observability.ResourceGuard
	connLimiter   *ratelimit.ConnectionLimiter

	nsMu       sync.RWMutex
	namespaces map[string]*Namespace

	socketsMu sync.RWMutex
	sockets   map[string]*Socket // every connected socket, across all namespaces, keyed by id

	connSemaphore chan struct{}
	socketCount   int64 // atomic
	shuttingDown  int32 // atomic
	idCounter     uint64 // atomic

	httpSrv    *http.Server
	metricsSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a Server from cfg, wiring the codec, rate limiters,
// resource guard and metrics registry per spec §6's Config surface.
// Grounded on ws/internal/shared/server.go's NewServer wiring.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	if cfg.MaxConnections <= 0 {
		return nil, newError("invalid_config", "maxConnections must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := codec.New(codec.Options{
		CompressionThreshold: cfg.CompressionThreshold,
		CompressionLevel:     cfg.CompressionLevel,
		EnableEncryption:     cfg.EnableEncryption,
		EncryptionKey:        cfg.EncryptionKey,
	})

	var connLimiter *ratelimit.ConnectionLimiter
	if cfg.ConnRateLimitEnabled {
		connLimiter = ratelimit.NewConnectionLimiter(ratelimit.ConnectionLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
		})
	}

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		codec:         c,
		metrics:       observability.NewMetrics("broker-ws"),
		resourceGuard: observability.NewResourceGuard(logger, cfg.CPURejectThreshold),
		connLimiter:   connLimiter,
		namespaces:    make(map[string]*Namespace),
		sockets:       make(map[string]*Socket),
		connSemaphore: make(chan struct{}, cfg.MaxConnections),
		ctx:           ctx,
		cancel:        cancel,
	}
	s.metrics.ConnectionsMax.Set(float64(cfg.MaxConnections))

	s.namespaces[RootPath] = newNamespace(RootPath, s)

	return s, nil
}

func (s *Server) rateLimitConfig() ratelimit.Config {
	if !s.cfg.EnableRateLimiting {
		return ratelimit.Config{Window: time.Hour, Max: 1 << 30}
	}
	return ratelimit.Config{Window: s.cfg.RateLimitWindow, Max: s.cfg.RateLimitMaxRequests}
}

// perEventRateLimits returns per-event overrides; none are configured via
// env today; applications compose them through Namespace.Use if needed.
func (s *Server) perEventRateLimits() ratelimit.EventConfig { return nil }

func (s *Server) ackTimeout() time.Duration { return s.cfg.AckTimeout }

// Namespace registers (or returns, if already registered) the namespace at
// path. Applications call this during bootstrap, before Start, to install
// handlers and middleware (spec §3).
func (s *Server) Namespace(path string) *Namespace {
	s.nsMu.Lock()
	defer s.nsMu.Unlock()
	ns, ok := s.namespaces[path]
	if !ok {
		ns = newNamespace(path, s)
		s.namespaces[path] = ns
	}
	return ns
}

func (s *Server) namespaceByPath(path string) (*Namespace, bool) {
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()
	ns, ok := s.namespaces[path]
	return ns, ok
}

func (s *Server) nextSocketID() string {
	id := atomic.AddUint64(&s.idCounter, 1)
	return fmt.Sprintf("sock_%d_%d", time.Now().UnixNano(), id)
}

// To targets a single socket by id for server-level unicast, e.g. from a
// background job with no Socket of its own in hand (spec §4.4 table:
// "server.to(socketId).emit").
func (s *Server) To(socketID string) *Target {
	s.socketsMu.RLock()
	sock := s.sockets[socketID]
	s.socketsMu.RUnlock()
	if sock == nil {
		return &Target{}
	}
	return &Target{direct: sock}
}

func (s *Server) registerSocket(sock *Socket) {
	s.socketsMu.Lock()
	s.sockets[sock.id] = sock
	s.socketsMu.Unlock()
}

func (s *Server) unregisterSocket(sock *Socket) {
	s.socketsMu.Lock()
	delete(s.sockets, sock.id)
	s.socketsMu.Unlock()
}

// slowClientThreshold is the number of consecutive full-send-buffer
// attempts a socket tolerates before it's disconnected as a slow client,
// mirroring the teacher's sendAttempts/slowClientWarned pattern: a single
// momentary burst (e.g. a large room fan-out landing on an already-busy
// socket) is dropped and logged, not fatal on its own.
const slowClientThreshold = 3

// handleSlowClient is called every time a write finds sock's outbound
// buffer full. The frame in question is simply dropped (the caller never
// blocks); only after slowClientThreshold consecutive drops is the socket
// actually disconnected, rather than blocking the writer that tried to
// enqueue to it (spec §5, §9: a slow consumer must never stall the rest of
// the broker).
func (s *Server) handleSlowClient(sock *Socket) {
	failures := atomic.AddInt32(&sock.sendFailures, 1)
	if failures < slowClientThreshold {
		s.logger.Warn().
			Str("socket", sock.id).
			Int32("consecutive_full_buffer", failures).
			Msg("outbound buffer full, dropping frame")
		return
	}

	atomic.StoreInt32(&sock.sendFailures, 0)
	s.logger.Warn().Str("socket", sock.id).Msg("slow client exceeded consecutive full-buffer threshold, disconnecting")
	sock.requestClose(CodeConnectionLost)
}

// cleanupSocket runs once per socket (guarded by the socket's own
// closeOnce, via requestClose) and undoes every piece of state the socket
// accumulated while connected (spec §4.6): room membership, namespace
// membership, the server-wide socket registry, its own outstanding sender
// acks, and its rate-limiter rings. Ack timers owned by other sockets that
// happen to be waiting on this one are left untouched — they time out on
// their own schedule (spec §5 cancellation note).
func (s *Server) cleanupSocket(sock *Socket, reason string) {
	sock.ns.rooms.LeaveAll(sock.id, sock.Rooms())
	sock.ns.removeMember(sock)
	s.unregisterSocket(sock)
	sock.sendAcks.CancelAll()
	sock.limiter.Reset(sock.id)

	select {
	case <-s.connSemaphore:
	default:
	}

	atomic.AddInt64(&s.socketCount, -1)
	s.metrics.ConnectionsActive.Dec()
	s.metrics.Disconnects.WithLabelValues(reason).Inc()
	sock.setState(StateClosed)

	s.invokeLifecycle(sock.ns, sock, "disconnected")
}

// invokeLifecycle calls the namespace's "connected"/"disconnected" handler,
// if one is registered, with the same panic recovery as an ordinary event
// handler (spec §9 Open Question: lifecycle handlers are just handlers
// registered on the reserved event name, not a distinct callback type).
func (s *Server) invokeLifecycle(ns *Namespace, sock *Socket, event string) {
	h, ok := ns.handlerFor(event)
	if !ok {
		return
	}
	s.invokeHandler(h, sock, nil, event, false, 0)
}

// startBufferSampling periodically snapshots every connected socket and
// records its outbound buffer occupancy (len(send)/cap(send)) into the
// SendBufferSaturation histogram, grounded on the teacher's
// sampleClientBuffers (ws/internal/single/core/monitoring_collectors.go)
// which walks the same kind of connection snapshot on a ticker. Unlike the
// per-write slow-client check in handleSlowClient, this runs independently
// of traffic so a socket sitting at high occupancy between writes still
// shows up in the distribution.
func (s *Server) startBufferSampling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sampleBufferSaturation()
			}
		}
	}()
}

func (s *Server) sampleBufferSaturation() {
	s.socketsMu.RLock()
	sockets := make([]*Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		sockets = append(sockets, sock)
	}
	s.socketsMu.RUnlock()

	for _, sock := range sockets {
		s.metrics.SendBufferSaturation.Observe(float64(len(sock.send)) / float64(cap(sock.send)))
	}
}

// Start begins accepting connections on cfg.Host:cfg.Port, and, if enabled,
// serves Prometheus metrics on a second listener (spec §6).
func (s *Server) Start() error {
	s.resourceGuard.StartMonitoring(s.ctx, s.cfg.MetricsInterval)
	s.startBufferSampling(s.ctx, s.cfg.MetricsInterval)
	if s.connLimiter != nil {
		s.connLimiter.StartCleanup(5 * time.Minute)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: mux,
	}

	if s.cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		s.metricsSrv = &http.Server{Addr: s.cfg.MetricsListenAddr, Handler: metricsMux}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
			}
		}()
	}

	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("broker listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections, drains existing ones up to
// grace, then force-closes whatever remains — grounded on
// ws/internal/shared/server.go's Shutdown grace-period loop.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.logger.Info().Msg("broker shutting down, draining connections")

	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		select {
		case <-ctx.Done():
			break drain
		case <-ticker.C:
			if atomic.LoadInt64(&s.socketCount) == 0 {
				break drain
			}
		}
	}

	s.socketsMu.RLock()
	remaining := make([]*Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		remaining = append(remaining, sock)
	}
	s.socketsMu.RUnlock()
	for _, sock := range remaining {
		sock.requestClose("server_shutdown")
	}

	if s.connLimiter != nil {
		s.connLimiter.Stop()
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("broker shutdown complete")
	return nil
}

func (s *Server) isShuttingDown() bool { return atomic.LoadInt32(&s.shuttingDown) == 1 }
