// Package ratelimit paces background I/O to a configured throughput.
package ratelimit

import (
	"sync"
	"time"
)

// minPauseCheck is the shortest pause worth checking for. Callers that
// account bytes themselves should not call Pause more often than once per
// MinPauseCheckBytes.
const minPauseCheck = 5 * time.Millisecond

// Limiter caps the sustained rate of bytes passing through its callers.
type Limiter interface {
	// SetMBPerSec changes the rate. Zero or less disables pacing.
	SetMBPerSec(mbPerSec float64)
	MBPerSec() float64
	// Pause accounts for bytes and sleeps as long as needed to stay under
	// the rate. It returns how long it slept.
	Pause(bytes int64) time.Duration
	// MinPauseCheckBytes is how many bytes should accumulate between calls
	// to Pause.
	MinPauseCheckBytes() int64
}

// Clock is the time source a SimpleRateLimiter sleeps against.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

type Option func(*SimpleRateLimiter)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(l *SimpleRateLimiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// SimpleRateLimiter schedules each caller's bytes after the bytes of the
// callers before it and sleeps until its slot arrives. It is safe for
// concurrent use, but under contention the pacing is only approximate: the
// long-run rate stays at or below the target.
type SimpleRateLimiter struct {
	clock Clock
	epoch time.Time

	mu                 sync.Mutex
	mbPerSec           float64
	nsPerByte          float64
	minPauseCheckBytes int64
	// last is the time, relative to epoch, at which the bytes paused for
	// so far will have been transferred at the target rate.
	last time.Duration
}

var _ Limiter = (*SimpleRateLimiter)(nil)

func NewSimpleRateLimiter(mbPerSec float64, opts ...Option) *SimpleRateLimiter {
	l := &SimpleRateLimiter{clock: systemClock{}}
	for _, opt := range opts {
		opt(l)
	}
	l.epoch = l.clock.Now()
	l.SetMBPerSec(mbPerSec)
	return l
}

func (l *SimpleRateLimiter) SetMBPerSec(mbPerSec float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mbPerSec <= 0 {
		l.mbPerSec = 0
		l.nsPerByte = 0
		l.minPauseCheckBytes = 0
		return
	}
	l.mbPerSec = mbPerSec
	l.nsPerByte = float64(time.Second) / (1024 * 1024 * mbPerSec)
	l.minPauseCheckBytes = int64(minPauseCheck.Seconds() * mbPerSec * 1024 * 1024)
}

func (l *SimpleRateLimiter) MBPerSec() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mbPerSec
}

func (l *SimpleRateLimiter) MinPauseCheckBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minPauseCheckBytes
}

func (l *SimpleRateLimiter) now() time.Duration {
	return l.clock.Now().Sub(l.epoch)
}

// Pause moves the schedule forward by bytes at the current rate and sleeps
// until the schedule is reached. A schedule that fell behind the clock is
// pulled up to now, so idle time is not banked as credit for later bursts.
func (l *SimpleRateLimiter) Pause(bytes int64) time.Duration {
	l.mu.Lock()
	if l.nsPerByte == 0 || bytes <= 0 {
		l.mu.Unlock()
		return 0
	}
	target := l.last + time.Duration(float64(bytes)*l.nsPerByte)
	l.last = target
	start := l.now()
	if l.last < start {
		l.last = start
	}
	l.mu.Unlock()

	cur := start
	// Sleep can return early, so keep going until the target is reached.
	for pause := target - cur; pause > 0; pause = target - cur {
		l.clock.Sleep(pause)
		cur = l.now()
	}
	return cur - start
}
