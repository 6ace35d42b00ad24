// Package breaker implements the gateway's per-route circuit breaker:
// a Closed/Open/HalfOpen state machine admitting exactly one probe
// request when a cooldown elapses.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config configures one route's breaker.
type Config struct {
	Enabled          bool
	FailureThreshold int
	Cooldown         time.Duration
}

// Breaker is a single route's circuit breaker. Transitions are
// serialized under a mutex — the decision of "who gets to probe" must
// never race.
type Breaker struct {
	mu sync.Mutex

	enabled          bool
	failureThreshold int
	cooldown         time.Duration

	state      State
	failures   int
	openedAt   time.Time
	probeInUse bool
}

func New(cfg Config) *Breaker {
	return &Breaker{
		enabled:          cfg.Enabled,
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		state:            Closed,
	}
}

// Stats is a JSON-friendly snapshot of a breaker's state.
type Stats struct {
	State            State `json:"state"`
	ConsecutiveFails int   `json:"consecutive_failures"`
	FailureThreshold int   `json:"failure_threshold"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:            b.state,
		ConsecutiveFails: b.failures,
		FailureThreshold: b.failureThreshold,
	}
}

// Allow decides whether a request may proceed. When it returns true
// with isProbe true, the caller holds the exclusive HalfOpen probe
// slot and MUST report the outcome via Done.
func (b *Breaker) Allow(now time.Time) (allowed bool, isProbe bool) {
	if !b.enabled {
		return true, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, false

	case Open:
		if now.Sub(b.openedAt) < b.cooldown {
			return false, false
		}
		// Cooldown elapsed: transition to HalfOpen and this caller
		// becomes the exclusive probe.
		b.state = HalfOpen
		b.probeInUse = true
		return true, true

	case HalfOpen:
		if b.probeInUse {
			return false, false
		}
		// HalfOpen with no probe in flight happens after Abandon freed
		// the previous probe's slot; this caller becomes the new probe
		// rather than the route staying wedged open forever.
		b.probeInUse = true
		return true, true

	default:
		return true, false
	}
}

// Done reports the outcome of a request that Allow admitted. isProbe
// must match the value Allow returned for this same request.
func (b *Breaker) Done(success bool, isProbe bool, now time.Time) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if isProbe {
		b.probeInUse = false
		if success {
			b.state = Closed
			b.failures = 0
		} else {
			b.state = Open
			b.openedAt = now
			b.failures = b.failureThreshold
		}
		return
	}

	if success {
		b.failures = 0
		return
	}

	b.failures++
	if b.state == Closed && b.failures >= b.failureThreshold {
		b.state = Open
		b.openedAt = now
	}
}

// Abandon releases a probe slot granted by Allow without recording a
// success or failure — used when the request ends without an outcome
// that says anything about the route's health (a bulkhead rejection,
// or a client that disconnected before any response was written). The breaker stays
// HalfOpen so the next request becomes the probe instead of being
// wedged open forever.
func (b *Breaker) Abandon() {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probeInUse = false
	}
}

// Table manages one breaker per route name.
type Table struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewTable() *Table {
	return &Table{breakers: map[string]*Breaker{}}
}

func (t *Table) Add(route string, cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breakers[route] = New(cfg)
}

func (t *Table) Get(route string) *Breaker {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.breakers[route]
}

func (t *Table) Snapshots() map[string]Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Stats, len(t.breakers))
	for name, b := range t.breakers {
		out[name] = b.Stats()
	}
	return out
}
