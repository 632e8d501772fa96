package ratelimit

import (
	"sync"
	"time"
)

// EventConfig maps event names to a dedicated per-event Config, overriding
// the socket's global limiter for that event (spec §4.2).
type EventConfig map[string]Config

// SocketLimiter bundles the two limiter instances spec §4.2 mandates per
// socket: a default global window and, for events with a registered
// override, a per-event window.
type SocketLimiter struct {
	global *Window
	events EventConfig

	mu      sync.Mutex
	byEvent map[string]*Window // lazily created, one Window per overridden event
}

// NewSocketLimiter builds a SocketLimiter. globalCfg is always active;
// events supplies the subset of event names with their own Config.
func NewSocketLimiter(globalCfg Config, events EventConfig) *SocketLimiter {
	return &SocketLimiter{
		global: New(globalCfg),
		events: events,
	}
}

// Admit checks a frame for the given socket key and event name against the
// global limiter, and additionally against the per-event limiter if event
// has a registered override.
//
// Open question (spec §9) resolved: an event with no registered override
// falls through to the global limiter only — it is not separately
// unlimited, since the global limiter is described as "the default one"
// that is always active.
func (s *SocketLimiter) Admit(socketKey, event string, now time.Time) bool {
	if !s.global.Admit(socketKey, now) {
		return false
	}

	cfg, ok := s.events[event]
	if !ok {
		return true
	}

	return s.windowFor(event, cfg).Admit(socketKey, now)
}

// windowFor returns (creating if needed) the Window sized for a specific
// event's Config. Distinct events may carry distinct (window,max) pairs, so
// each gets its own Window rather than sharing one ring.
func (s *SocketLimiter) windowFor(event string, cfg Config) *Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byEvent == nil {
		s.byEvent = make(map[string]*Window)
	}
	w, ok := s.byEvent[event]
	if !ok {
		w = New(cfg)
		s.byEvent[event] = w
	}
	return w
}

// Reset clears all per-key state for a socket, called on disconnect.
func (s *SocketLimiter) Reset(socketKey string) {
	s.global.Reset(socketKey)
	s.mu.Lock()
	for _, w := range s.byEvent {
		w.Reset(socketKey)
	}
	s.mu.Unlock()
}
