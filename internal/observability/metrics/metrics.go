package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Relay event names recorded by the gateway, relay, and supervisor.
const (
	EventPublished      = "published"
	EventQueued         = "queued"
	EventDrained        = "drained"
	EventDelivered      = "delivered"
	EventDropped        = "dropped"
	EventPresence       = "presence"
	EventDecryptFailure = "decrypt_failure"
	EventAuthFailure    = "auth_failure"
)

// Recorder aggregates in-memory counters for relay message flow and a gauge
// for live websocket connections. It coordinates concurrent writers via a
// RWMutex while exposing a thread-safe gauge for connection tracking.
type Recorder struct {
	mu                sync.RWMutex
	relayEvents       map[string]uint64
	activeConnections atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		relayEvents: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across packages that
// do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRelayEvent accumulates a named relay event.
func (r *Recorder) ObserveRelayEvent(event string) {
	if r == nil {
		return
	}
	normalized := strings.ToLower(strings.TrimSpace(event))
	if normalized == "" {
		normalized = "unknown"
	}
	r.mu.Lock()
	r.relayEvents[normalized]++
	r.mu.Unlock()
}

// ConnectionOpened increments the live connection gauge.
func (r *Recorder) ConnectionOpened() {
	if r == nil {
		return
	}
	r.activeConnections.Add(1)
}

// ConnectionClosed decrements the live connection gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) ConnectionClosed() {
	if r == nil {
		return
	}
	for {
		current := r.activeConnections.Load()
		if current <= 0 {
			return
		}
		if r.activeConnections.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// ActiveConnections reports the current live connection gauge value.
func (r *Recorder) ActiveConnections() int64 {
	if r == nil {
		return 0
	}
	return r.activeConnections.Load()
}

// RelayEvents returns a copy of the accumulated event counters.
func (r *Recorder) RelayEvents() map[string]uint64 {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.relayEvents))
	for event, count := range r.relayEvents {
		out[event] = count
	}
	return out
}

// Handler serves the counters in a plain-text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		events := r.RelayEvents()
		names := make([]string, 0, len(events))
		for name := range events {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "relay_events_total{event=%q} %d\n", name, events[name])
		}
		fmt.Fprintf(w, "relay_active_connections %d\n", r.ActiveConnections())
	})
}
