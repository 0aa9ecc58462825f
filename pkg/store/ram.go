package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	ramBufferPower = 10
	// RAMBufferSize is the size of each buffer a RAMFile grows by.
	RAMBufferSize = 1 << ramBufferPower
)

// RAMFile is a file held as a list of RAMBufferSize buffers. Bytes below
// Length never change once written, so readers can share the buffers with a
// writer that is still appending.
type RAMFile struct {
	mu          sync.Mutex
	dir         *RAMDirectory
	buffers     [][]byte
	length      int64
	sizeInBytes int64
}

func newRAMFile(dir *RAMDirectory) *RAMFile {
	return &RAMFile{dir: dir}
}

func (f *RAMFile) Length() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.length
}

// SizeInBytes returns the memory allocated for the file's buffers.
func (f *RAMFile) SizeInBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizeInBytes
}

// detach stops the file's growth from being charged to its directory and
// returns its current size.
func (f *RAMFile) detach() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dir = nil
	return f.sizeInBytes
}

// Write appends p. RAMFile is the sink of a RAM output.
func (f *RAMFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		off := int(f.length & (RAMBufferSize - 1))
		if off == 0 && int64(len(f.buffers))<<ramBufferPower == f.length {
			f.buffers = append(f.buffers, make([]byte, RAMBufferSize))
			f.sizeInBytes += RAMBufferSize
			if f.dir != nil {
				f.dir.size.Add(RAMBufferSize)
			}
		}
		buf := f.buffers[f.length>>ramBufferPower]
		c := copy(buf[off:], p)
		p = p[c:]
		f.length += int64(c)
	}
	return n, nil
}

// chunks returns the file's contents as chunks for a ChunkedInput: every
// full buffer, then the written part of the last one, which is empty when
// the length is a multiple of RAMBufferSize.
func (f *RAMFile) chunks() ([][]byte, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	full := int(f.length >> ramBufferPower)
	chunks := make([][]byte, full+1)
	copy(chunks, f.buffers[:full])
	if rem := f.length & (RAMBufferSize - 1); rem > 0 {
		chunks[full] = f.buffers[full][:rem]
	} else {
		chunks[full] = []byte{}
	}
	return chunks, f.length
}

// ramSink adapts a RAMFile to the io.WriteCloser a BufferedOutput flushes
// into.
type ramSink struct {
	file *RAMFile
}

func (s ramSink) Write(p []byte) (int, error) { return s.file.Write(p) }

func (s ramSink) Close() error { return nil }

// RAMDirectory keeps every file on the heap. It is meant for small or
// transient indexes and as the cache of an NRTCachingDirectory; large
// indexes belong in an FS directory.
type RAMDirectory struct {
	mu     sync.RWMutex
	files  map[string]*RAMFile
	size   atomic.Int64
	closed atomic.Bool

	handles     openHandles
	lockFactory LockFactory
	opts        options
}

var _ Directory = (*RAMDirectory)(nil)

// NewRAMDirectory returns an empty directory. Its lock factory is a
// SingleInstanceLockFactory unless WithLockFactory says otherwise.
func NewRAMDirectory(opts ...Option) *RAMDirectory {
	o := newOptions(opts)
	lf := o.lockFactory
	if lf == nil {
		lf = NewSingleInstanceLockFactory()
	}
	d := &RAMDirectory{
		files:       make(map[string]*RAMFile),
		lockFactory: lf,
		opts:        o,
	}
	return d
}

// NewRAMDirectoryFrom returns a RAM directory holding a copy of every file
// in src.
func NewRAMDirectoryFrom(src ReadOnlyDirectory, ctx IOContext, opts ...Option) (*RAMDirectory, error) {
	d := NewRAMDirectory(opts...)
	names, err := src.ListAll()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := Copy(src, d, name, name, ctx); err != nil {
			return nil, multierror.Append(err, d.Close())
		}
	}
	return d, nil
}

func (d *RAMDirectory) ensureOpen() error {
	if d.closed.Load() {
		return alreadyClosed(d.String())
	}
	return nil
}

func (d *RAMDirectory) ListAll() ([]string, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (d *RAMDirectory) FileExists(name string) (bool, error) {
	if err := d.ensureOpen(); err != nil {
		return false, err
	}
	d.mu.RLock()
	_, ok := d.files[name]
	d.mu.RUnlock()
	return ok, nil
}

func (d *RAMDirectory) file(name string) (*RAMFile, error) {
	d.mu.RLock()
	f, ok := d.files[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fileNotFound(name)
	}
	return f, nil
}

func (d *RAMDirectory) FileLength(name string) (int64, error) {
	if err := d.ensureOpen(); err != nil {
		return 0, err
	}
	f, err := d.file(name)
	if err != nil {
		return 0, err
	}
	return f.Length(), nil
}

// SizeInBytes returns the memory allocated by all files in the directory.
func (d *RAMDirectory) SizeInBytes() int64 {
	return d.size.Load()
}

func (d *RAMDirectory) DeleteFile(name string) error {
	if err := d.ensureOpen(); err != nil {
		return err
	}
	d.mu.Lock()
	f, ok := d.files[name]
	if ok {
		delete(d.files, name)
	}
	d.mu.Unlock()
	if !ok {
		return fileNotFound(name)
	}
	d.size.Add(-f.detach())
	d.opts.logger.Debug("deleted file", zap.String("name", name))
	return nil
}

// CreateOutput creates name, replacing any existing file. The file is
// listed as soon as it is created.
func (d *RAMDirectory) CreateOutput(name string, ctx IOContext) (IndexOutput, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	f := newRAMFile(d)
	d.mu.Lock()
	old, ok := d.files[name]
	d.files[name] = f
	d.mu.Unlock()
	if ok {
		d.size.Add(-old.detach())
	}

	out := NewBufferedOutput("RAMOutput(name="+name+")", ramSink{f}, d.opts.outputBufferSize, d.opts.checksum)
	return d.track(out), nil
}

func (d *RAMDirectory) OpenInput(name string, ctx IOContext) (IndexInput, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	f, err := d.file(name)
	if err != nil {
		return nil, err
	}
	chunks, length := f.chunks()
	var id uint64
	in, err := NewChunkedInput("RAMInput(name="+name+")", chunks, ramBufferPower, length, func() error {
		d.handles.remove(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	id = d.handles.add(in)
	return in, nil
}

// Sync is a no-op: nothing in a RAM directory is durable.
func (d *RAMDirectory) Sync([]string) error {
	return d.ensureOpen()
}

func (d *RAMDirectory) MakeLock(name string) (Lock, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	return d.lockFactory.MakeLock(name)
}

func (d *RAMDirectory) ClearLock(name string) error {
	if err := d.ensureOpen(); err != nil {
		return err
	}
	return d.lockFactory.ClearLock(name)
}

func (d *RAMDirectory) LockFactory() LockFactory {
	return d.lockFactory
}

func (d *RAMDirectory) LockID() string {
	return fmt.Sprintf("ramdirectory-%p", d)
}

// Close closes every stream still open on the directory and drops all
// files.
func (d *RAMDirectory) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := d.handles.closeAll()
	d.mu.Lock()
	for name, f := range d.files {
		d.size.Add(-f.detach())
		delete(d.files, name)
	}
	d.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "close RAM directory streams")
	}
	return nil
}

func (d *RAMDirectory) String() string {
	return fmt.Sprintf("RAMDirectory@%p", d)
}

// track registers out with the directory until it is closed.
func (d *RAMDirectory) track(out *BufferedOutput) IndexOutput {
	t := &trackedOutput{BufferedOutput: out, handles: &d.handles}
	t.id = d.handles.add(out)
	return t
}

// trackedOutput unregisters itself from its directory's open handles when
// closed.
type trackedOutput struct {
	*BufferedOutput
	handles *openHandles
	id      uint64
}

func (t *trackedOutput) Close() error {
	t.handles.remove(t.id)
	return t.BufferedOutput.Close()
}
