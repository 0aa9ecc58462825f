package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NativeFSLockFactory locks with flock(2) on a file in a lock directory.
// The OS drops the lock when the owning process dies, so a lock file left
// on disk after a crash does not keep the lock held.
type NativeFSLockFactory struct {
	lockPrefix

	mu       sync.Mutex
	dir      string
	registry *LockRegistry
	logger   *zap.Logger
}

var _ LockFactory = (*NativeFSLockFactory)(nil)

// NewNativeFSLockFactory returns a factory keeping lock files in dir. An
// empty dir is filled in by the FS directory the factory is given to.
func NewNativeFSLockFactory(dir string, opts ...Option) *NativeFSLockFactory {
	o := newOptions(opts)
	registry := o.lockRegistry
	if registry == nil {
		registry = DefaultLockRegistry
	}
	return &NativeFSLockFactory{dir: dir, registry: registry, logger: o.logger}
}

func (f *NativeFSLockFactory) LockDir() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dir
}

func (f *NativeFSLockFactory) SetLockDir(dir string) {
	f.mu.Lock()
	f.dir = dir
	f.mu.Unlock()
}

func (f *NativeFSLockFactory) MakeLock(name string) (Lock, error) {
	dir := f.LockDir()
	if dir == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "native lock factory has no lock directory")
	}
	path, err := filepath.Abs(filepath.Join(dir, f.qualify(name)))
	if err != nil {
		return nil, err
	}
	return &nativeFSLock{dir: dir, path: path, registry: f.registry, logger: f.logger}, nil
}

// ClearLock removes the lock file if nobody holds the lock.
func (f *NativeFSLockFactory) ClearLock(name string) error {
	l, err := f.MakeLock(name)
	if err != nil {
		return err
	}
	nl := l.(*nativeFSLock)
	ok, err := nl.Obtain()
	if err != nil || !ok {
		return err
	}
	if err := nl.Release(); err != nil {
		return err
	}
	if err := os.Remove(nl.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "clear lock %s", nl.path)
	}
	return nil
}

type nativeFSLock struct {
	dir      string
	path     string
	registry *LockRegistry
	logger   *zap.Logger

	file    *os.File
	failure error
}

func (l *nativeFSLock) Obtain() (bool, error) {
	if l.file != nil {
		return false, nil
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return false, errors.Wrapf(err, "create lock directory %s", l.dir)
	}
	if !l.registry.acquire(l.path) {
		return false, nil
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		l.registry.release(l.path)
		l.failure = err
		return false, nil
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		l.registry.release(l.path)
		if !errors.Is(err, unix.EWOULDBLOCK) {
			l.failure = errors.Wrapf(err, "flock %s", l.path)
			l.logger.Debug("native lock failed", zap.String("path", l.path), zap.Error(err))
		}
		return false, nil
	}
	l.file = file
	l.failure = nil
	return true, nil
}

func (l *nativeFSLock) FailureReason() error {
	return l.failure
}

func (l *nativeFSLock) Release() error {
	if l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil
	defer l.registry.release(l.path)

	if err := unix.Flock(int(file.Fd()), unix.LOCK_UN); err != nil {
		_ = file.Close()
		return &LockReleaseFailedError{Lock: l.String(), Cause: err}
	}
	if err := file.Close(); err != nil {
		return &LockReleaseFailedError{Lock: l.String(), Cause: err}
	}
	return nil
}

func (l *nativeFSLock) IsLocked() (bool, error) {
	if l.file != nil {
		return true, nil
	}
	ok, err := l.Obtain()
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return false, l.Release()
}

func (l *nativeFSLock) String() string {
	return "NativeFSLock@" + l.path
}
