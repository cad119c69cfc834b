// Package ratelimit implements a per-connection sliding-window rate
// limiter: at most N frames admitted per rolling window of duration W.
//
// A Limiter is owned by exactly one connection's read loop and must not
// be shared across goroutines: rate-limiter state is per-connection and
// touched only by that connection's reader.
package ratelimit

import "time"

// Limiter is a fixed-capacity ring buffer of admit timestamps, holding
// the last N admit timestamps, generalizing the sliding-window deque
// used by the original relay's over_rate_limit check.
type Limiter struct {
	n     int
	w     time.Duration
	times []time.Time
	head  int // index of the oldest recorded timestamp
	count int // number of valid entries in times
}

// New creates a Limiter admitting at most n frames per window w. Both
// must be positive; callers own validating their configuration.
func New(n int, w time.Duration) *Limiter {
	return &Limiter{
		n:     n,
		w:     w,
		times: make([]time.Time, n),
	}
}

// TryAdmit reports whether a frame arriving at now is within the
// sliding window budget. On admission it records now and returns true;
// on denial it leaves state untouched and returns false.
//
// The Nth frame within W is admitted, the (N+1)th is denied, and
// admission resumes once the oldest recorded timestamp falls outside
// now-W.
func (l *Limiter) TryAdmit(now time.Time) bool {
	if l.count < l.n {
		l.times[(l.head+l.count)%l.n] = now
		l.count++
		return true
	}

	oldest := l.times[l.head]
	if now.Sub(oldest) > l.w {
		l.times[l.head] = now
		l.head = (l.head + 1) % l.n
		return true
	}
	return false
}
