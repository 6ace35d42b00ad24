// Package ratelimit implements fixed-window request counting: one
// counter per (route, client), reset wholesale when its window rolls
// over. Deliberately not a token bucket or sliding window.
package ratelimit

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Decision is the outcome of an Allow call.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Remaining         int
	Limit             int
}

type window struct {
	start atomic.Int64 // unix nanoseconds of the window's start
	count atomic.Int64
}

// Limiter is a process-local fixed-window limiter keyed by an
// arbitrary string (the caller composes "route:clientID" or similar).
// Safe for concurrent use.
type Limiter struct {
	windows sync.Map // key -> *window

	stopOnce sync.Once
	stop     chan struct{}
}

// NewLimiter starts a limiter with a background sweep that evicts
// counters whose window started more than staleAfter ago. The sweep
// does not know each key's window length: when staleAfter is at least
// the longest window used with this limiter it only removes expired
// counters; otherwise a counter can be evicted while its window is
// still open, and that key's count starts again from zero.
func NewLimiter(staleAfter, sweepEvery time.Duration) *Limiter {
	l := &Limiter{stop: make(chan struct{})}
	if sweepEvery > 0 {
		go l.sweepLoop(staleAfter, sweepEvery)
	}
	return l
}

func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweepLoop(staleAfter, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			l.windows.Range(func(k, v any) bool {
				w := v.(*window)
				start := time.Unix(0, w.start.Load())
				if now.Sub(start) > staleAfter {
					l.windows.Delete(k)
				}
				return true
			})
		}
	}
}

// Allow applies the fixed-window rule for key: limit requests per
// window duration. A fresh window is created lazily on first use and
// replaced wholesale (not decremented) the instant now has moved past
// start+window — concurrent rollovers may undercount by a request or
// two, which is an accepted race, not a bug.
func (l *Limiter) Allow(key string, limit int, window_ time.Duration, now time.Time) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: math.MaxInt32, Limit: limit}
	}

	v, _ := l.windows.LoadOrStore(key, newWindowAt(now))
	w := v.(*window)

	start := time.Unix(0, w.start.Load())
	if now.Sub(start) >= window_ {
		// Roll over: replace this window wholesale with a fresh one
		// starting now. If another goroutine wins the swap first, we
		// fall through using its fresh window instead of inventing a
		// second one for the same key.
		fresh := newWindowAt(now)
		if l.windows.CompareAndSwap(key, v, fresh) {
			w = fresh
		} else {
			if cur, ok := l.windows.Load(key); ok {
				w = cur.(*window)
			}
		}
	}

	count := w.count.Add(1)
	if count > int64(limit) {
		retryAfter := retryAfterSeconds(time.Unix(0, w.start.Load()), window_, now)
		return Decision{Allowed: false, RetryAfterSeconds: retryAfter, Remaining: 0, Limit: limit}
	}

	remaining := int(int64(limit) - count)
	return Decision{Allowed: true, Remaining: remaining, Limit: limit}
}

func newWindowAt(now time.Time) *window {
	w := &window{}
	w.start.Store(now.UnixNano())
	return w
}

func retryAfterSeconds(start time.Time, window_ time.Duration, now time.Time) int {
	end := start.Add(window_)
	remaining := end.Sub(now)
	if remaining <= 0 {
		return 1
	}
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
