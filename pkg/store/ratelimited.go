package store

import (
	"sync"

	"flagstone/pkg/ratelimit"
)

// RateLimitedDirectory paces the outputs of a directory by the kind of
// work they are created for, typically so that merges cannot starve
// searches of disk bandwidth. Everything else passes through to the
// delegate.
type RateLimitedDirectory struct {
	Directory

	mu       sync.RWMutex
	limiters map[Context]ratelimit.Limiter
}

func NewRateLimitedDirectory(delegate Directory) *RateLimitedDirectory {
	return &RateLimitedDirectory{
		Directory: delegate,
		limiters:  make(map[Context]ratelimit.Limiter),
	}
}

// Delegate returns the wrapped directory.
func (d *RateLimitedDirectory) Delegate() Directory {
	return d.Directory
}

// SetMaxWriteMBPerSec caps the write rate of outputs created with the
// given context kind. Zero or less removes the cap.
func (d *RateLimitedDirectory) SetMaxWriteMBPerSec(mbPerSec float64, kind Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mbPerSec <= 0 {
		if l, ok := d.limiters[kind]; ok {
			l.SetMBPerSec(0)
			delete(d.limiters, kind)
		}
		return
	}
	if l, ok := d.limiters[kind]; ok {
		l.SetMBPerSec(mbPerSec)
		return
	}
	d.limiters[kind] = ratelimit.NewSimpleRateLimiter(mbPerSec)
}

// SetRateLimiter installs l for outputs created with the given kind,
// replacing any limiter set before. A nil l removes it.
func (d *RateLimitedDirectory) SetRateLimiter(l ratelimit.Limiter, kind Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l == nil {
		delete(d.limiters, kind)
		return
	}
	d.limiters[kind] = l
}

// MaxWriteMBPerSec returns the cap for kind, or zero if there is none.
func (d *RateLimitedDirectory) MaxWriteMBPerSec(kind Context) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if l, ok := d.limiters[kind]; ok {
		return l.MBPerSec()
	}
	return 0
}

func (d *RateLimitedDirectory) CreateOutput(name string, ctx IOContext) (IndexOutput, error) {
	out, err := d.Directory.CreateOutput(name, ctx)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	l, ok := d.limiters[ctx.Context]
	d.mu.RUnlock()
	if !ok {
		return out, nil
	}
	return &rateLimitedOutput{IndexOutput: out, limiter: l}, nil
}

func (d *RateLimitedDirectory) String() string {
	return "RateLimitedDirectory(" + describe(d.Directory) + ")"
}

// rateLimitedOutput pauses once enough bytes have accumulated to be worth
// a pause check.
type rateLimitedOutput struct {
	IndexOutput
	limiter ratelimit.Limiter
	pending int64
}

func (o *rateLimitedOutput) account(n int) {
	o.pending += int64(n)
	if o.pending >= o.limiter.MinPauseCheckBytes() {
		o.limiter.Pause(o.pending)
		o.pending = 0
	}
}

func (o *rateLimitedOutput) WriteByte(b byte) error {
	if err := o.IndexOutput.WriteByte(b); err != nil {
		return err
	}
	o.account(1)
	return nil
}

func (o *rateLimitedOutput) Write(p []byte) (int, error) {
	n, err := o.IndexOutput.Write(p)
	o.account(n)
	return n, err
}

// CopyBytes goes through Write so that copied bytes are paced too.
func (o *rateLimitedOutput) CopyBytes(in DataInput, n int64) error {
	return CopyThrough(o, in, n)
}
