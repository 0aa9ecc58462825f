package lockverify

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"flagstone/pkg/store"
)

// VerifyingLockFactory wraps a lock factory and reports every obtain and
// release of its locks to a Server over conn.
type VerifyingLockFactory struct {
	store.LockFactory

	mu   sync.Mutex
	conn io.ReadWriter
}

var _ store.LockFactory = (*VerifyingLockFactory)(nil)

func NewVerifyingLockFactory(lf store.LockFactory, conn io.ReadWriter) *VerifyingLockFactory {
	return &VerifyingLockFactory{LockFactory: lf, conn: conn}
}

func (f *VerifyingLockFactory) MakeLock(name string) (store.Lock, error) {
	l, err := f.LockFactory.MakeLock(name)
	if err != nil {
		return nil, err
	}
	return &checkedLock{f: f, lock: l}, nil
}

// verify sends msg and waits for the server to echo it.
func (f *VerifyingLockFactory) verify(msg byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.conn.Write([]byte{msg}); err != nil {
		return errors.Wrap(err, "report to lock verify server")
	}
	var reply [1]byte
	if _, err := io.ReadFull(f.conn, reply[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.Wrap(ErrLockViolation, "lock verify server died because of locking error")
		}
		return errors.Wrap(err, "read from lock verify server")
	}
	if reply[0] != msg {
		return errors.Wrapf(ErrProtocolViolation, "sent %d, server answered %d", msg, reply[0])
	}
	return nil
}

type checkedLock struct {
	f    *VerifyingLockFactory
	lock store.Lock
	held bool
}

func (l *checkedLock) Obtain() (bool, error) {
	ok, err := l.lock.Obtain()
	if err != nil || !ok {
		return ok, err
	}
	l.held = true
	return true, l.f.verify(CmdObtained)
}

func (l *checkedLock) FailureReason() error {
	if r, ok := l.lock.(store.LockFailureReasoner); ok {
		return r.FailureReason()
	}
	return nil
}

// Release reports the release before freeing the lock, so the server never
// sees two holders when the lock really changes hands.
func (l *checkedLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	var result *multierror.Error
	if err := l.f.verify(CmdReleased); err != nil {
		result = multierror.Append(result, err)
	}
	if err := l.lock.Release(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (l *checkedLock) IsLocked() (bool, error) {
	return l.lock.IsLocked()
}

func (l *checkedLock) String() string {
	return l.lock.String()
}

// StressConfig describes one stress client.
type StressConfig struct {
	ID   byte
	Addr string
	// Factory makes the locks under test.
	Factory  store.LockFactory
	LockName string
	// Sleep is how long the lock is held, and how long the client waits
	// between attempts.
	Sleep time.Duration
	Count int
}

// RunStress connects to the server at cfg.Addr and tries cfg.Count times
// to obtain and briefly hold the lock, reporting each transition.
func RunStress(ctx context.Context, cfg StressConfig, opts ...Option) (retErr error) {
	o := newOptions(opts)
	if cfg.LockName == "" {
		cfg.LockName = "test.lock"
	}
	if cfg.Sleep <= 0 {
		cfg.Sleep = 50 * time.Millisecond
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "connect to %s", cfg.Addr)
	}
	defer func() {
		if err := conn.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := conn.Write([]byte{cfg.ID}); err != nil {
		return errors.Wrap(err, "send id")
	}
	var start [1]byte
	if _, err := io.ReadFull(conn, start[:]); err != nil {
		return errors.Wrap(err, "wait for start signal")
	}
	if start[0] != StartSignal {
		return errors.Wrapf(ErrProtocolViolation, "expected start signal, got %d", start[0])
	}

	lf := NewVerifyingLockFactory(cfg.Factory, conn)
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ID)))
	for i := 0; i < cfg.Count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		l, err := lf.MakeLock(cfg.LockName)
		if err != nil {
			return err
		}
		timeout := time.Duration(rnd.Int63n(int64(cfg.Sleep)))
		err = store.ObtainLock(l, timeout, store.WithPollInterval(max(cfg.Sleep/10, time.Millisecond)), store.WithObtainLogger(o.logger))
		switch {
		case err == nil:
			time.Sleep(cfg.Sleep)
			if err := l.Release(); err != nil {
				return err
			}
		case errors.Is(err, store.ErrLockObtainFailed):
		default:
			return err
		}
		if i%500 == 0 {
			o.logger.Info("stress progress", zap.Int("id", int(cfg.ID)), zap.Float64("done_pct", float64(i)*100/float64(cfg.Count)))
		}
		time.Sleep(cfg.Sleep)
	}
	return nil
}
