package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"flagstone/internal/arch"
)

const (
	syncRetries    = 5
	syncRetryDelay = 5 * time.Millisecond
)

// FSDirectory holds what every file-system backed directory shares: the
// path, the lock factory, open handles and the set of files written since
// they were last synced. SimpleFSDirectory and MMapDirectory embed it and
// add the way inputs are opened.
type FSDirectory struct {
	path   string
	closed atomic.Bool

	lockFactory LockFactory
	handles     openHandles
	opts        options

	staleMu sync.Mutex
	stale   map[string]struct{}
}

// lockDirSetter is implemented by the lock factories that keep lock files
// in a directory.
type lockDirSetter interface {
	LockDir() string
	SetLockDir(dir string)
}

func newFSDirectory(path string, opts []Option) (*FSDirectory, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return nil, errors.Wrapf(ErrNoSuchDirectory, "%s exists but is not a directory", abs)
	}

	o := newOptions(opts)
	d := &FSDirectory{
		path:  abs,
		opts:  o,
		stale: make(map[string]struct{}),
	}

	lf := o.lockFactory
	if lf == nil {
		lf = NewNativeFSLockFactory(abs, opts...)
	}
	if fl, ok := lf.(lockDirSetter); ok {
		dir := fl.LockDir()
		if dir == "" {
			fl.SetLockDir(abs)
			dir = abs
		}
		// Locks in a lock directory shared with other indexes are told apart
		// by this directory's id.
		if lockDir, err := filepath.Abs(dir); err == nil && lockDir == abs {
			lf.SetLockPrefix("")
		} else {
			lf.SetLockPrefix(d.LockID())
		}
	}
	d.lockFactory = lf
	return d, nil
}

// Path returns the absolute path of the directory.
func (d *FSDirectory) Path() string {
	return d.path
}

func (d *FSDirectory) ensureOpen() error {
	if d.closed.Load() {
		return alreadyClosed(d.path)
	}
	return nil
}

func (d *FSDirectory) ListAll() ([]string, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNoSuchDirectory, d.path)
		}
		return nil, errors.Wrapf(err, "list %s", d.path)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *FSDirectory) FileExists(name string) (bool, error) {
	if err := d.ensureOpen(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(d.path, name))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	}
	return false, err
}

func (d *FSDirectory) FileLength(name string) (int64, error) {
	if err := d.ensureOpen(); err != nil {
		return 0, err
	}
	info, err := os.Stat(filepath.Join(d.path, name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fileNotFound(name)
		}
		return 0, err
	}
	return info.Size(), nil
}

func (d *FSDirectory) DeleteFile(name string) error {
	if err := d.ensureOpen(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(d.path, name)); err != nil {
		if os.IsNotExist(err) {
			return fileNotFound(name)
		}
		return errors.Wrapf(err, "cannot delete %s", name)
	}
	d.staleMu.Lock()
	delete(d.stale, name)
	d.staleMu.Unlock()
	d.opts.logger.Debug("deleted file", zap.String("dir", d.path), zap.String("name", name))
	return nil
}

// CreateOutput creates name, replacing any existing file. Merge outputs
// expected to be large enough go through direct I/O when it is enabled.
func (d *FSDirectory) CreateOutput(name string, ctx IOContext) (IndexOutput, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.path, 0755); err != nil {
		return nil, errors.Wrapf(err, "cannot create directory %s", d.path)
	}
	path := filepath.Join(d.path, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "cannot overwrite %s", path)
	}

	var sink io.WriteCloser
	desc := "FSIndexOutput(path=" + path + ")"
	if d.useDirectIO(ctx, ctx.MergeSize) {
		if w, ok := d.createDirect(path); ok {
			sink, desc = w, "DirectIndexOutput(path="+path+")"
		}
	}
	if sink == nil {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "create %s", name)
		}
		sink = f
	}
	d.opts.logger.Debug("created file", zap.String("dir", d.path), zap.String("name", name), zap.Stringer("context", ctx.Context))

	out := NewBufferedOutput(desc, &fsSink{WriteCloser: sink, onClose: func() { d.markStale(name) }},
		d.opts.outputBufferSize, d.opts.checksum)
	t := &trackedOutput{BufferedOutput: out, handles: &d.handles}
	t.id = d.handles.add(out)
	return t, nil
}

// fsSink marks its file as needing a sync once it is closed.
type fsSink struct {
	io.WriteCloser
	onClose func()
}

func (s *fsSink) Close() error {
	err := s.WriteCloser.Close()
	s.onClose()
	return err
}

func (d *FSDirectory) markStale(name string) {
	d.staleMu.Lock()
	d.stale[name] = struct{}{}
	d.staleMu.Unlock()
}

// Sync fsyncs each named file written since it was last synced, then the
// directory itself so that the new names are durable too.
func (d *FSDirectory) Sync(names []string) error {
	if err := d.ensureOpen(); err != nil {
		return err
	}
	d.staleMu.Lock()
	toSync := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := d.stale[name]; ok {
			toSync = append(toSync, name)
		}
	}
	d.staleMu.Unlock()

	for _, name := range toSync {
		if err := d.fsync(name); err != nil {
			return err
		}
	}
	d.staleMu.Lock()
	for _, name := range toSync {
		delete(d.stale, name)
	}
	d.staleMu.Unlock()

	if len(toSync) > 0 {
		d.syncDir()
	}
	return nil
}

func (d *FSDirectory) fsync(name string) error {
	path := filepath.Join(d.path, name)
	var err error
	for i := 0; i < syncRetries; i++ {
		if err = fsyncPath(path, os.O_RDWR); err == nil {
			return nil
		}
		if os.IsNotExist(err) {
			return fileNotFound(name)
		}
		d.opts.logger.Warn("fsync failed, retrying", zap.String("path", path), zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(syncRetryDelay)
	}
	return errors.Wrapf(err, "fsync %s", path)
}

// syncDir fsyncs the directory. Not every platform or file system allows
// it, so failures are only logged.
func (d *FSDirectory) syncDir() {
	if err := fsyncPath(d.path, os.O_RDONLY); err != nil {
		d.opts.logger.Warn("fsync of directory failed", zap.String("path", d.path), zap.Error(err))
	}
}

func fsyncPath(path string, flag int) error {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return err
	}
	err = unix.Fsync(int(f.Fd()))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *FSDirectory) MakeLock(name string) (Lock, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	return d.lockFactory.MakeLock(name)
}

func (d *FSDirectory) ClearLock(name string) error {
	if err := d.ensureOpen(); err != nil {
		return err
	}
	return d.lockFactory.ClearLock(name)
}

func (d *FSDirectory) LockFactory() LockFactory {
	return d.lockFactory
}

// LockID is derived from the directory's absolute path.
func (d *FSDirectory) LockID() string {
	return fmt.Sprintf("flagstone-%016x", xxhash.Sum64String(d.path))
}

// Close closes every stream still open on the directory.
func (d *FSDirectory) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.handles.closeAll()
}

// trackedReader unregisters its input from the directory's open handles
// when the input releases it.
type trackedReader struct {
	RangeReader
	handles *openHandles
	id      uint64
}

func (r *trackedReader) Close() error {
	r.handles.remove(r.id)
	return r.RangeReader.Close()
}

// openBuffered returns a BufferedInput over src registered with the
// directory.
func (d *FSDirectory) openBuffered(desc string, src RangeReader, length int64, ctx IOContext) IndexInput {
	r := &trackedReader{RangeReader: src, handles: &d.handles}
	in := NewBufferedInput(desc, r, length, ctx.InputBufferSize())
	r.id = d.handles.add(in)
	return in
}

// SimpleFSDirectory reads files with positional reads through a
// BufferedInput.
type SimpleFSDirectory struct {
	*FSDirectory
}

var _ Directory = (*SimpleFSDirectory)(nil)

func NewSimpleFSDirectory(path string, opts ...Option) (*SimpleFSDirectory, error) {
	fsd, err := newFSDirectory(path, opts)
	if err != nil {
		return nil, err
	}
	return &SimpleFSDirectory{FSDirectory: fsd}, nil
}

func (d *SimpleFSDirectory) OpenInput(name string, ctx IOContext) (IndexInput, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	if in, ok, err := d.openDirect(name, ctx); ok || err != nil {
		return in, err
	}
	path := filepath.Join(d.path, name)
	f, length, err := openForRead(path, name)
	if err != nil {
		return nil, err
	}
	return d.openBuffered("SimpleFSIndexInput(path="+path+")", f, length, ctx), nil
}

func (d *SimpleFSDirectory) String() string {
	return "SimpleFSDirectory@" + d.path
}

func openForRead(path, name string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fileNotFound(name)
		}
		return nil, 0, errors.Wrapf(err, "open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, errors.Wrapf(err, "stat %s", path)
	}
	return f, info.Size(), nil
}

// OpenFS opens the best FS directory for the platform: an MMapDirectory
// where the address space is 64 bits wide, a SimpleFSDirectory otherwise.
func OpenFS(path string, opts ...Option) (Directory, error) {
	if arch.Is64Bit {
		return NewMMapDirectory(path, opts...)
	}
	return NewSimpleFSDirectory(path, opts...)
}
