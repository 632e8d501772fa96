package broker

import (
	"sync"
	"time"

	"github.com/wsbroker/broker/internal/codec"
)

// processInbound decodes one raw WebSocket message and routes it to the
// right frame handler. It is called from the read pump, so it runs on the
// socket's single reader goroutine — frame order from one sender is
// preserved by construction (spec §5).
func (s *Server) processInbound(sock *Socket, raw []byte) {
	out, err := s.codec.Decode(raw)
	if err != nil {
		s.writeDecodeError(sock, err)
		return
	}
	sock.touch()

	frame := out.Frame
	switch frame.Type {
	case codec.TypeHeartbeat:
		sock.writeFrame(codec.EncodeInput{Type: codec.TypeHeartbeatAck, Namespace: sock.ns.path})
	case codec.TypeHeartbeatAck:
		sock.resetHeartbeat()
	case codec.TypeAck:
		var value any = out.Value
		if out.Raw != nil {
			value = out.Raw
		}
		sock.resolveAck(frame.AckID, value)
	case codec.TypeDisconnect:
		sock.requestClose("client_disconnect")
	case codec.TypeEvent:
		s.dispatchEvent(sock, frame, out)
	default:
		s.logger.Debug().Str("socket", sock.id).Str("type", frame.Type.String()).Msg("ignoring unsupported inbound frame type")
	}
}

func (s *Server) writeDecodeError(sock *Socket, err error) {
	code := CodeFrameInvalid
	if cerr, ok := err.(*codec.Error); ok {
		switch cerr.Code {
		case codec.CodeDecompressFailed:
			code = CodeDecompressFailed
		case codec.CodeDecryptFailed:
			code = CodeDecryptFailed
		case codec.CodePayloadTooLarge:
			code = CodePayloadTooLarge
		}
	}
	sock.writeError(code, err.Error(), "")
}

// dispatchEvent runs the rate limiter, the routing lookup (spec §4.4), and
// the namespace's middleware chain before invoking the resolved handler.
func (s *Server) dispatchEvent(sock *Socket, frame codec.Frame, out *codec.DecodeOutput) {
	if s.cfg.EnableRateLimiting && !sock.limiter.Admit(sock.id, frame.Event, time.Now()) {
		s.metrics.RateLimited.WithLabelValues("socket").Inc()
		sock.writeEvent("__rate-limited__", map[string]any{
			"event":        frame.Event,
			"code":         CodeEventRateLimited,
			"retryAfterMs": s.cfg.RateLimitWindow.Milliseconds(),
		})
		return
	}

	handler, ok := s.resolveHandler(sock, frame.Event)
	if !ok {
		s.logger.Debug().Str("socket", sock.id).Str("event", frame.Event).Msg("no handler for event, dropped")
		return
	}

	var value any = out.Value
	if out.Raw != nil {
		value = out.Raw
	}

	chain := sock.ns.middlewareChain()
	s.runMiddleware(chain, 0, sock, frame.Event, value, func(err error) {
		if err != nil {
			code := "middleware_rejected"
			if berr, ok := err.(*BrokerError); ok {
				code = berr.Code
			}
			sock.writeError(code, err.Error(), frame.Event)
			return
		}
		s.invokeHandler(handler, sock, value, frame.Event, frame.HasAckID, frame.AckID)
	})
}

// resolveHandler implements the lookup order from spec §4.4: a documented
// fix over the namespace's original two-step lookup — namespace handler,
// then the sending socket's own handler, then the root namespace's
// handler as a last-resort catch-all, then drop.
func (s *Server) resolveHandler(sock *Socket, event string) (Handler, bool) {
	if h, ok := sock.ns.handlerFor(event); ok {
		return h, true
	}
	if h, ok := sock.onHandlerFor(event); ok {
		return h, true
	}
	if sock.ns.path != RootPath {
		if root, ok := s.namespaceByPath(RootPath); ok {
			if h, ok := root.handlerFor(event); ok {
				return h, true
			}
		}
	}
	return nil, false
}

// runMiddleware threads the chain through next() one link at a time.
// Middleware is expected to call next synchronously, matching the
// teacher's synchronous handler-chain style; an async middleware that
// never calls next simply never completes the event.
func (s *Server) runMiddleware(chain []Middleware, i int, sock *Socket, event string, data any, final func(error)) {
	if i >= len(chain) {
		final(nil)
		return
	}
	chain[i](sock, event, data, func(err error) {
		if err != nil {
			final(err)
			return
		}
		s.runMiddleware(chain, i+1, sock, event, data, final)
	})
}

// invokeHandler runs h with panic recovery (spec §9 Open Question: a
// panicking handler is recovered and logged, never surfaced to the sender
// as an ERROR frame — the sender asked for a specific event's handling,
// not a health report on the handler's internals).
func (s *Server) invokeHandler(h Handler, sock *Socket, data any, event string, hasAck bool, ackID uint32) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("socket", sock.id).
				Str("event", event).
				Msg("handler panicked, recovered")
		}
	}()

	var ackFn AckFunc
	if hasAck {
		ackFn = s.ackResponder(sock, ackID)
	}
	h(sock, data, ackFn)
}

// ackResponder builds the one-shot AckFunc a handler calls to answer a
// frame that requested an ack (spec §4.5); calling it more than once is a
// no-op after the first.
func (s *Server) ackResponder(sock *Socket, ackID uint32) AckFunc {
	var once sync.Once
	return func(value any) {
		once.Do(func() {
			sock.writeFrame(codec.EncodeInput{
				Type:      codec.TypeAck,
				Namespace: sock.ns.path,
				AckID:     ackID,
				HasAckID:  true,
				Value:     value,
			})
		})
	}
}
