package broker

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/wsbroker/broker/internal/codec"
)

const writeWait = 5 * time.Second

// handleUpgrade is the HTTP entry point for every connection: admission
// checks, then a protocol upgrade, then handing the connection off to its
// own read/write pump pair. Grounded on
// ws/internal/shared/handlers_ws.go's handleWebSocket.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.isShuttingDown() {
		http.Error(w, CodeConnRefused+": server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.connLimiter != nil && !s.connLimiter.Allow(ip) {
		s.metrics.ConnectionsRejected.Inc()
		http.Error(w, CodeRateLimited+": rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if !s.resourceGuard.AllowConnection() {
		s.metrics.ConnectionsRejected.Inc()
		http.Error(w, CodeConnRefused+": server overloaded", http.StatusServiceUnavailable)
		return
	}

	nsPath := r.URL.Path
	if nsPath == "" {
		nsPath = RootPath
	}
	ns, ok := s.namespaceByPath(nsPath)
	if !ok {
		s.metrics.ConnectionsRejected.Inc()
		http.Error(w, CodeUnknownNamespace+": unknown namespace", http.StatusNotFound)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
	default:
		s.metrics.ConnectionsRejected.Inc()
		http.Error(w, CodeMaxConnections+": max connections reached", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connSemaphore
		s.metrics.ConnectionsRejected.Inc()
		s.logger.Error().Err(err).Str("code", CodeHandshakeFailed).Str("client_ip", ip).Msg("websocket upgrade failed")
		return
	}

	sock := newSocket(s.nextSocketID(), s, ns, conn)
	sock.setState(StateOpen)
	s.registerSocket(sock)
	ns.addMember(sock)

	atomic.AddInt64(&s.socketCount, 1)
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()

	s.logger.Info().Str("socket", sock.id).Str("namespace", nsPath).Str("client_ip", ip).Msg("socket connected")
	s.invokeLifecycle(ns, sock, "connected")

	s.wg.Add(2)
	go s.readPump(sock)
	go s.writePump(sock)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readPump is the socket's single reader: it owns frame ordering for
// everything that socket sends (spec §5). Any read error is treated as a
// client-initiated disconnect, mirroring
// ws/internal/shared/pump_read.go.
func (s *Server) readPump(sock *Socket) {
	defer s.wg.Done()
	defer sock.requestClose("read_error")

	for {
		msg, op, err := wsutil.ReadClientData(sock.conn)
		if err != nil {
			return
		}

		s.metrics.FramesReceived.Inc()
		s.metrics.BytesReceived.Add(float64(len(msg)))

		switch op {
		case ws.OpText, ws.OpBinary:
			s.processInbound(sock, msg)
		case ws.OpClose:
			return
		case ws.OpPing, ws.OpPong:
			sock.touch()
		}
	}
}

// writePump is the socket's single writer, draining its send channel and
// running the idle-heartbeat probe on a timer (spec §4.6). Grounded on
// ws/internal/shared/pump_write.go, minus that file's batching — this
// broker's frames are already self-delimiting on the wire, so batching
// would only add latency without a corresponding throughput win here.
func (s *Server) writePump(sock *Socket) {
	defer s.wg.Done()

	checkInterval := s.cfg.ConnectionTimeout / 4
	if checkInterval < time.Second {
		checkInterval = time.Second
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sock.closeCh:
			return

		case data := <-sock.send:
			sock.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(sock.conn, ws.OpBinary, data); err != nil {
				sock.requestClose("write_error")
				return
			}
			s.metrics.FramesSent.Inc()
			s.metrics.BytesSent.Add(float64(len(data)))

		case <-ticker.C:
			s.checkHeartbeat(sock)
		}
	}
}

// checkHeartbeat implements spec §4.6's server-side half: if no inbound
// frame has arrived for connectionTimeout, probe with a HEARTBEAT frame;
// after three unanswered probes, close with connection_lost.
func (s *Server) checkHeartbeat(sock *Socket) {
	if time.Since(sock.lastActivityAt()) < s.cfg.ConnectionTimeout {
		return
	}

	misses := atomic.AddInt32(&sock.heartbeatMisses, 1)
	if misses > 3 {
		sock.requestClose(CodeConnectionLost)
		return
	}

	sock.writeFrame(codec.EncodeInput{Type: codec.TypeHeartbeat, Namespace: sock.ns.path})
}
