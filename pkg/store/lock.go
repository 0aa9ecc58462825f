package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Lock is an advisory lock on a name. A Lock value is not safe for
// concurrent use; every owner makes its own through LockFactory.MakeLock.
type Lock interface {
	fmt.Stringer

	// Obtain tries once, without blocking, to take the lock.
	Obtain() (bool, error)
	// Release frees the lock. Releasing a lock that is not held is a
	// no-op; failing to free a held one returns *LockReleaseFailedError.
	Release() error
	// IsLocked reports whether anyone, this Lock included, holds the lock.
	IsLocked() (bool, error)
}

// LockFactory makes Locks that exclude each other by name.
type LockFactory interface {
	MakeLock(name string) (Lock, error)
	// ClearLock forcibly removes a lock left behind by a crashed owner.
	ClearLock(name string) error
	// SetLockPrefix sets a prefix prepended to every lock name so that
	// several directories can share one lock directory.
	SetLockPrefix(prefix string)
	LockPrefix() string
}

// LockFailureReasoner is implemented by locks that remember why the last
// Obtain returned false.
type LockFailureReasoner interface {
	FailureReason() error
}

type lockPrefix struct {
	mu     sync.Mutex
	prefix string
}

func (p *lockPrefix) SetLockPrefix(prefix string) {
	p.mu.Lock()
	p.prefix = prefix
	p.mu.Unlock()
}

func (p *lockPrefix) LockPrefix() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefix
}

func (p *lockPrefix) qualify(name string) string {
	if prefix := p.LockPrefix(); prefix != "" {
		return prefix + "-" + name
	}
	return name
}

// LockRegistry records the lock files this process holds, so that two
// owners inside one process contend on the same lock instead of both
// succeeding. Some platforms grant an OS lock twice to the same process.
type LockRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// DefaultLockRegistry is shared by every native lock factory that is not
// given its own registry.
var DefaultLockRegistry = NewLockRegistry()

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{held: make(map[string]struct{})}
}

func (r *LockRegistry) acquire(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[path]; ok {
		return false
	}
	r.held[path] = struct{}{}
	return true
}

func (r *LockRegistry) release(path string) {
	r.mu.Lock()
	delete(r.held, path)
	r.mu.Unlock()
}

// Held reports whether path is held by this process.
func (r *LockRegistry) Held(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[path]
	return ok
}

// WaitForever makes ObtainLock poll until the lock is obtained.
const WaitForever time.Duration = -1

// DefaultLockPollInterval is how long ObtainLock sleeps between attempts.
const DefaultLockPollInterval = time.Second

type obtainOptions struct {
	poll   time.Duration
	logger *zap.Logger
	sleep  func(time.Duration)
}

type ObtainOption func(*obtainOptions)

func WithPollInterval(d time.Duration) ObtainOption {
	return func(o *obtainOptions) {
		if d > 0 {
			o.poll = d
		}
	}
}

func WithObtainLogger(logger *zap.Logger) ObtainOption {
	return func(o *obtainOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// ObtainLock polls l until it is obtained or timeout elapses. A timeout of
// WaitForever never gives up. On timeout it returns *LockObtainFailedError
// carrying the lock's last failure reason, if it has one.
func ObtainLock(l Lock, timeout time.Duration, opts ...ObtainOption) error {
	o := obtainOptions{
		poll:   DefaultLockPollInterval,
		logger: zap.NewNop(),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if timeout < 0 && timeout != WaitForever {
		return errors.Wrapf(ErrInvalidArgument, "lock timeout must be non-negative or WaitForever, got %s", timeout)
	}

	locked, err := l.Obtain()
	if err != nil {
		return err
	}
	maxSleeps := int64(timeout / o.poll)
	for sleeps := int64(0); !locked; sleeps++ {
		if timeout != WaitForever && sleeps >= maxSleeps {
			failed := &LockObtainFailedError{Lock: l.String()}
			if r, ok := l.(LockFailureReasoner); ok {
				failed.Cause = r.FailureReason()
			}
			return failed
		}
		o.logger.Debug("lock busy, retrying", zap.Stringer("lock", l), zap.Duration("poll", o.poll))
		o.sleep(o.poll)
		if locked, err = l.Obtain(); err != nil {
			return err
		}
	}
	return nil
}

// WithLock obtains l, runs fn and releases l.
func WithLock(l Lock, timeout time.Duration, fn func() error, opts ...ObtainOption) error {
	if err := ObtainLock(l, timeout, opts...); err != nil {
		return err
	}
	var result *multierror.Error
	if err := fn(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := l.Release(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// NoLockFactory makes locks that always succeed. Only use it when something
// outside the directory already guarantees a single writer.
type NoLockFactory struct {
	lockPrefix
}

var _ LockFactory = (*NoLockFactory)(nil)

func (f *NoLockFactory) MakeLock(string) (Lock, error) { return noLock{}, nil }

func (f *NoLockFactory) ClearLock(string) error { return nil }

type noLock struct{}

func (noLock) Obtain() (bool, error)   { return true, nil }
func (noLock) Release() error          { return nil }
func (noLock) IsLocked() (bool, error) { return false, nil }
func (noLock) String() string          { return "NoLock" }
