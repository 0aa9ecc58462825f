// Package lockverify checks empirically that a lock factory never lets two
// owners hold the same lock. Stress clients report every obtain and release
// to a Server, which fails the run as soon as two clients hold the lock at
// once.
//
// The protocol is one byte at a time: a client sends its id, waits for
// StartSignal, then sends CmdObtained or CmdReleased for each transition
// and waits for the server to echo the command back.
package lockverify

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	CmdReleased byte = 0
	CmdObtained byte = 1
	// StartSignal is sent to every client once all of them are connected.
	StartSignal byte = 43

	noHolder = -1
)

var (
	ErrLockViolation     = errors.New("flagstone: lock held by two clients at once")
	ErrProtocolViolation = errors.New("flagstone: lock verify protocol violation")
)

type options struct {
	logger *zap.Logger
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Server arbitrates a fixed number of stress clients.
type Server struct {
	listener net.Listener
	clients  int
	logger   *zap.Logger

	mu     sync.Mutex
	holder int
}

// Listen starts a server on addr expecting clients connections.
func Listen(addr string, clients int, opts ...Option) (*Server, error) {
	if clients < 1 {
		return nil, errors.Errorf("need at least one client, got %d", clients)
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	o := newOptions(opts)
	return &Server{listener: l, clients: clients, logger: o.logger, holder: noHolder}, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve waits for every client to connect, starts them all at once and
// checks their reports until they all disconnect. It returns an error
// matching ErrLockViolation if two clients held the lock together. The
// listener is closed when Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	defer s.listener.Close()

	conns := make([]net.Conn, 0, s.clients)
	ids := make([]int, 0, s.clients)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	for len(conns) < s.clients {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "accept")
		}
		conns = append(conns, conn)
		var id [1]byte
		if _, err := io.ReadFull(conn, id[:]); err != nil {
			return errors.Wrapf(err, "read id from %s", conn.RemoteAddr())
		}
		ids = append(ids, int(id[0]))
		s.logger.Info("client connected", zap.Int("id", int(id[0])), zap.Stringer("addr", conn.RemoteAddr()))
	}
	stop()

	s.logger.Info("all clients connected, starting", zap.Int("clients", s.clients))
	for _, c := range conns {
		if _, err := c.Write([]byte{StartSignal}); err != nil {
			return errors.Wrap(err, "send start signal")
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for i, c := range conns {
		c, id := c, ids[i]
		eg.Go(func() error {
			return s.handle(c, id)
		})
	}
	// A failing client closes every connection so the others stop too.
	done := make(chan struct{})
	go func() {
		select {
		case <-egCtx.Done():
			for _, c := range conns {
				_ = c.Close()
			}
		case <-done:
		}
	}()
	err := eg.Wait()
	close(done)
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		s.logger.Info("lock verification passed")
	}
	return err
}

func (s *Server) handle(conn net.Conn, id int) error {
	var cmd [1]byte
	for {
		if _, err := io.ReadFull(conn, cmd[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrapf(err, "read from client %d", id)
		}
		if err := s.apply(id, cmd[0]); err != nil {
			s.logger.Error("lock verification failed", zap.Int("id", id), zap.Error(err))
			return err
		}
		if _, err := conn.Write(cmd[:]); err != nil {
			return errors.Wrapf(err, "reply to client %d", id)
		}
	}
}

func (s *Server) apply(id int, cmd byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd {
	case CmdObtained:
		if s.holder != noHolder {
			return errors.Wrap(ErrLockViolation, fmt.Sprintf("client %d got lock, but %d already holds the lock", id, s.holder))
		}
		s.holder = id
	case CmdReleased:
		if s.holder != id {
			return errors.Wrap(ErrLockViolation, fmt.Sprintf("client %d released the lock, but %d is the one holding the lock", id, s.holder))
		}
		s.holder = noHolder
	default:
		return errors.Wrapf(ErrProtocolViolation, "unrecognized command %d from client %d", cmd, id)
	}
	return nil
}
