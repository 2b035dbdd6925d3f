// Package degraded decides what a store outage means for a route. The
// limiter and idempotency store report failure; this engine owns the
// allow-or-reject call and the operational alerting for every fail-open
// activation.
package degraded

import (
	"log"
	"sync"
	"time"
)

// Mode is a route's configured behavior when the shared store cannot be
// reached. The zero value fails closed: fail-open is always an explicit
// opt-in, never what you get by forgetting a field.
type Mode int

const (
	FailClosed Mode = iota
	FailOpen
)

func (m Mode) String() string {
	if m == FailOpen {
		return "fail_open"
	}
	return "fail_closed"
}

type Action int

const (
	Reject Action = iota
	Allow
)

// Subsystem names the guard stage that lost its store.
type Subsystem string

const (
	SubsystemRateLimit   Subsystem = "ratelimit"
	SubsystemIdempotency Subsystem = "idempotency"
)

// Event carries only low-cardinality metadata. No paths, no principals, no
// payload content.
type Event struct {
	Subsystem Subsystem `json:"subsystem"`
	RouteKey  string    `json:"route_key"`
	Policy    string    `json:"policy"`
	At        time.Time `json:"at"`
}

// Sink receives deduplicated degraded-mode events. Emit must not block the
// request path.
type Sink interface {
	Emit(evt Event)
}

// DefaultDedupeWindow suppresses repeat alerts for the same
// (subsystem, routeKey) pair during an extended outage.
const DefaultDedupeWindow = time.Minute

// Engine resolves degraded decisions and dedupes the resulting alerts.
// Dedupe state is per-process on purpose: alerts fire exactly when the
// shared store is unreachable, so the store cannot host the dedupe state.
type Engine struct {
	Window time.Duration
	Sinks  []Sink

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewEngine(window time.Duration, sinks ...Sink) *Engine {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &Engine{Window: window, Sinks: sinks, seen: map[string]time.Time{}}
}

// Resolve maps the route's configured mode to an action. Every Allow under a
// degraded condition emits at most one event per (subsystem, routeKey) per
// dedupe window, regardless of request volume.
func (e *Engine) Resolve(sub Subsystem, routeKey string, mode Mode) Action {
	if mode != FailOpen {
		return Reject
	}
	if e != nil {
		e.emit(sub, routeKey, mode)
	}
	return Allow
}

func (e *Engine) emit(sub Subsystem, routeKey string, mode Mode) {
	now := time.Now().UTC()
	key := string(sub) + "|" + routeKey
	e.mu.Lock()
	last, ok := e.seen[key]
	if ok && now.Sub(last) < e.Window {
		e.mu.Unlock()
		return
	}
	e.seen[key] = now
	for k, at := range e.seen {
		if now.Sub(at) >= e.Window {
			delete(e.seen, k)
		}
	}
	e.mu.Unlock()

	evt := Event{Subsystem: sub, RouteKey: routeKey, Policy: mode.String(), At: now}
	for _, sink := range e.Sinks {
		sink.Emit(evt)
	}
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Emit(evt Event) {
	log.Printf("degraded-mode fail-open: subsystem=%s route=%s", evt.Subsystem, evt.RouteKey)
}
