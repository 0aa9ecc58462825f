package store

import "sync"

// SingleInstanceLockFactory keeps held lock names in memory. It only
// excludes owners that share the factory, which is enough for a directory
// no other process can open.
type SingleInstanceLockFactory struct {
	lockPrefix

	mu    sync.Mutex
	locks map[string]struct{}
}

var _ LockFactory = (*SingleInstanceLockFactory)(nil)

func NewSingleInstanceLockFactory() *SingleInstanceLockFactory {
	return &SingleInstanceLockFactory{locks: make(map[string]struct{})}
}

func (f *SingleInstanceLockFactory) MakeLock(name string) (Lock, error) {
	return &singleInstanceLock{f: f, name: f.qualify(name)}, nil
}

func (f *SingleInstanceLockFactory) ClearLock(name string) error {
	f.mu.Lock()
	delete(f.locks, f.qualify(name))
	f.mu.Unlock()
	return nil
}

type singleInstanceLock struct {
	f    *SingleInstanceLockFactory
	name string
	held bool
}

func (l *singleInstanceLock) Obtain() (bool, error) {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	if _, ok := l.f.locks[l.name]; ok {
		return false, nil
	}
	l.f.locks[l.name] = struct{}{}
	l.held = true
	return true, nil
}

func (l *singleInstanceLock) Release() error {
	if !l.held {
		return nil
	}
	l.f.mu.Lock()
	delete(l.f.locks, l.name)
	l.f.mu.Unlock()
	l.held = false
	return nil
}

func (l *singleInstanceLock) IsLocked() (bool, error) {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	_, ok := l.f.locks[l.name]
	return ok, nil
}

func (l *singleInstanceLock) String() string {
	return "SingleInstanceLock: " + l.name
}
