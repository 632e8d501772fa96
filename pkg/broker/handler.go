package broker

// AckFunc is the one-shot function a handler calls to reply to an
// ack-requested frame. Calling it more than once is a no-op after the
// first (spec §4.5). It is nil when the inbound frame did not request an
// ack.
type AckFunc func(value any)

// Handler is an application-defined event handler, registered against a
// namespace, a socket, or (by registering on the root namespace "/") the
// server-level fallback. The sender socket is always the first implicit
// argument (spec §3).
type Handler func(s *Socket, data any, ack AckFunc)

// Middleware runs before a handler, in registration order, for every event
// dispatched on the namespace it's installed on. It must call next(nil) to
// continue the chain, or next(err) to reject the event — in which case the
// handler is not invoked and the sender receives an ERROR frame naming the
// offending event (spec §4.4).
type Middleware func(s *Socket, event string, data any, next func(error))
