package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// SimpleFSLockFactory holds a lock by creating a marker file. A process that
// dies while holding the lock leaves the file behind, and the lock stays
// held until ClearLock removes it.
type SimpleFSLockFactory struct {
	lockPrefix

	mu  sync.Mutex
	dir string
}

var _ LockFactory = (*SimpleFSLockFactory)(nil)

func NewSimpleFSLockFactory(dir string) *SimpleFSLockFactory {
	return &SimpleFSLockFactory{dir: dir}
}

func (f *SimpleFSLockFactory) LockDir() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dir
}

func (f *SimpleFSLockFactory) SetLockDir(dir string) {
	f.mu.Lock()
	f.dir = dir
	f.mu.Unlock()
}

func (f *SimpleFSLockFactory) MakeLock(name string) (Lock, error) {
	dir := f.LockDir()
	if dir == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "simple lock factory has no lock directory")
	}
	return &simpleFSLock{dir: dir, path: filepath.Join(dir, f.qualify(name))}, nil
}

func (f *SimpleFSLockFactory) ClearLock(name string) error {
	dir := f.LockDir()
	if dir == "" {
		return nil
	}
	path := filepath.Join(dir, f.qualify(name))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "cannot delete %s", path)
	}
	return nil
}

type simpleFSLock struct {
	dir     string
	path    string
	held    bool
	failure error
}

func (l *simpleFSLock) Obtain() (bool, error) {
	if l.held {
		return false, nil
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return false, errors.Wrapf(err, "create lock directory %s", l.dir)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if !os.IsExist(err) {
			l.failure = err
		}
		return false, nil
	}
	if err := file.Close(); err != nil {
		l.failure = err
		_ = os.Remove(l.path)
		return false, nil
	}
	l.held = true
	l.failure = nil
	return true, nil
}

func (l *simpleFSLock) FailureReason() error {
	return l.failure
}

func (l *simpleFSLock) Release() error {
	if !l.held {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return &LockReleaseFailedError{Lock: l.String(), Cause: err}
	}
	l.held = false
	return nil
}

func (l *simpleFSLock) IsLocked() (bool, error) {
	_, err := os.Stat(l.path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	}
	return false, err
}

func (l *simpleFSLock) String() string {
	return "SimpleFSLock@" + l.path
}
