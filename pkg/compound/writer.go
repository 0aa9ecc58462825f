package compound

import (
	"hash"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"flagstone/pkg/codec"
	"flagstone/pkg/store"
)

type writerEntry struct {
	name   string
	offset int64
	length int64
}

// Writer builds a compound container in a directory. Members are written
// through outputs from CreateOutput. One output at a time appends straight
// to the data file; outputs created while it is busy are written to a file
// of their own and copied in once the data file is free again. Close seals
// the container, after which it can only be read with Open.
type Writer struct {
	dir         store.Directory
	dataName    string
	entriesName string
	logger      *zap.Logger

	// outputTaken is set while an output appends to the data file.
	outputTaken atomic.Bool

	mu      sync.Mutex
	entries map[string]*writerEntry
	ids     map[string]struct{}
	pending []*writerEntry
	// open counts member outputs not yet closed.
	open    int
	dataOut store.IndexOutput
	sealed  bool
}

// NewWriter returns a writer for the container named name, e.g. "_1.cfs".
// The entry table is written next to it with the ".cfe" extension.
func NewWriter(dir store.Directory, name string, opts ...Option) (*Writer, error) {
	if name == "" {
		return nil, errors.Wrap(store.ErrInvalidArgument, "compound file name must not be empty")
	}
	o := newOptions(opts)
	return &Writer{
		dir:         dir,
		dataName:    name,
		entriesName: EntriesFileName(name),
		logger:      o.logger,
		entries:     make(map[string]*writerEntry),
		ids:         make(map[string]struct{}),
	}, nil
}

// Name returns the data file name.
func (w *Writer) Name() string {
	return w.dataName
}

// output returns the data file output, creating it and writing its header
// on first use. w.mu must be held.
func (w *Writer) output(ctx store.IOContext) (store.IndexOutput, error) {
	if w.dataOut != nil {
		return w.dataOut, nil
	}
	out, err := w.dir.CreateOutput(w.dataName, ctx)
	if err != nil {
		return nil, err
	}
	if err := codec.WriteHeader(out, DataCodec, VersionCurrent); err != nil {
		return nil, multierror.Append(err, out.Close())
	}
	w.dataOut = out
	return out, nil
}

// CreateOutput adds a member named name. Names are expected to start with
// the container's segment name, e.g. "_1.fdt" in "_1.cfs". They are stored
// without it, so two names that differ only in the segment collide, and a
// name such as "foo_bar" written to "seg.cfs" is stored as "_bar" and listed
// as "seg_bar".
func (w *Writer) CreateOutput(name string, ctx store.IOContext) (store.IndexOutput, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return nil, errors.Wrap(ErrAlreadySealed, w.dataName)
	}
	id := StripSegmentName(name)
	if _, ok := w.entries[name]; ok {
		return nil, errors.Wrapf(ErrFileExists, "file %s already exists in %s", name, w.dataName)
	}
	if _, ok := w.ids[id]; ok {
		return nil, errors.Wrapf(ErrFileExists, "file %s maps to id %s, which was already written to %s", name, id, w.dataName)
	}

	entry := &writerEntry{name: name}
	var m *memberOutput
	if w.outputTaken.CompareAndSwap(false, true) {
		out, err := w.output(ctx)
		if err != nil {
			w.outputTaken.Store(false)
			return nil, err
		}
		entry.offset = out.FilePointer()
		m = newMemberOutput(w, out, entry, false)
	} else {
		out, err := w.dir.CreateOutput(name, ctx)
		if err != nil {
			return nil, err
		}
		m = newMemberOutput(w, out, entry, true)
		w.logger.Debug("data file busy, writing member separately", zap.String("cfs", w.dataName), zap.String("name", name))
	}
	w.entries[name] = entry
	w.ids[id] = struct{}{}
	w.open++
	return m, nil
}

// Add copies name from src into the container.
func (w *Writer) Add(src store.ReadOnlyDirectory, name string, ctx store.IOContext) (retErr error) {
	in, err := src.OpenInput(name, store.IOContextReadOnce)
	if err != nil {
		return err
	}
	defer func() {
		if err := in.Close(); err != nil {
			retErr = multierror.Append(retErr, err)
		}
	}()

	out, err := w.CreateOutput(name, ctx)
	if err != nil {
		return err
	}
	copyErr := out.CopyBytes(in, in.Length())
	if err := out.Close(); err != nil {
		copyErr = multierror.Append(copyErr, err)
	}
	return copyErr
}

// ListAll returns the names of the members created so far, sorted.
func (w *Writer) ListAll() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.entries))
	for name := range w.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w *Writer) FileExists(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[name]
	return ok
}

// FileLength returns the length of a member. It is only final once the
// member's output is closed.
func (w *Writer) FileLength(name string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[name]
	if !ok {
		return 0, errors.Wrapf(store.ErrFileNotFound, "%s does not exist in %s", name, w.dataName)
	}
	return e.length, nil
}

// releaseOutput frees the data file after a direct member is closed and
// copies in whatever was written separately meanwhile.
func (w *Writer) releaseOutput() error {
	w.outputTaken.Store(false)
	return w.prunePending()
}

func (w *Writer) enqueue(e *writerEntry) error {
	w.mu.Lock()
	w.pending = append(w.pending, e)
	w.mu.Unlock()
	return w.prunePending()
}

// forget drops an entry whose output failed.
func (w *Writer) forget(e *writerEntry) {
	w.mu.Lock()
	delete(w.entries, e.name)
	delete(w.ids, StripSegmentName(e.name))
	w.mu.Unlock()
}

// prunePending copies separately written members into the data file if no
// output currently holds it.
func (w *Writer) prunePending() error {
	if !w.outputTaken.CompareAndSwap(false, true) {
		return nil
	}
	defer w.outputTaken.Store(false)

	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.pending) > 0 {
		e := w.pending[0]
		out, err := w.output(store.FlushContext(0))
		if err != nil {
			return err
		}
		if err := w.copyEntry(out, e); err != nil {
			return err
		}
		w.pending = w.pending[1:]
	}
	return nil
}

// copyEntry appends a separately written member to the data file and
// deletes its file.
func (w *Writer) copyEntry(out store.IndexOutput, e *writerEntry) (retErr error) {
	in, err := w.dir.OpenInput(e.name, store.IOContextReadOnce)
	if err != nil {
		return err
	}
	start := out.FilePointer()
	if err := out.CopyBytes(in, e.length); err != nil {
		return multierror.Append(err, in.Close())
	}
	if diff := out.FilePointer() - start; diff != e.length {
		return multierror.Append(errors.Errorf("difference in the output file offsets %d does not match the original file length %d", diff, e.length), in.Close())
	}
	e.offset = start
	if err := in.Close(); err != nil {
		return err
	}
	w.logger.Debug("copied pending member", zap.String("cfs", w.dataName), zap.String("name", e.name), zap.Int64("offset", start), zap.Int64("length", e.length))
	return w.dir.DeleteFile(e.name)
}

// Close seals the container: it writes the data file's footer and then the
// entry table. It fails if a member output is still open. Sealing twice
// fails with ErrAlreadySealed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return errors.Wrap(ErrAlreadySealed, w.dataName)
	}
	if w.open > 0 || len(w.pending) > 0 || w.outputTaken.Load() {
		return errors.Wrap(ErrPendingOutputs, w.dataName)
	}
	w.sealed = true

	out, err := w.output(store.IOContextDefault)
	if err != nil {
		return err
	}
	var result *multierror.Error
	if err := codec.WriteFooter(out); err != nil {
		result = multierror.Append(result, err)
	}
	if err := out.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	table, err := w.dir.CreateOutput(w.entriesName, store.IOContextDefault)
	if err != nil {
		return err
	}
	if err := w.writeEntryTable(table); err != nil {
		result = multierror.Append(result, err)
	}
	if err := table.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	w.logger.Debug("sealed compound file", zap.String("cfs", w.dataName), zap.Int("members", len(w.entries)))
	return result.ErrorOrNil()
}

func (w *Writer) writeEntryTable(out store.IndexOutput) error {
	if err := codec.WriteHeader(out, EntryCodec, VersionCurrent); err != nil {
		return err
	}
	entries := make([]*writerEntry, 0, len(w.entries))
	for _, e := range w.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].offset < entries[j].offset })

	if err := store.WriteVInt32(out, int32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := store.WriteString(out, StripSegmentName(e.name)); err != nil {
			return err
		}
		if err := store.WriteInt64(out, e.offset); err != nil {
			return err
		}
		if err := store.WriteInt64(out, e.length); err != nil {
			return err
		}
	}
	return codec.WriteFooter(out)
}

// memberOutput writes one member, either straight into the data file or
// into a separate file. Its checksum covers only the member's bytes.
type memberOutput struct {
	w        *Writer
	delegate store.IndexOutput
	entry    *writerEntry
	separate bool

	digest  hash.Hash64
	written int64
	closed  bool
	one     [1]byte
}

var _ store.IndexOutput = (*memberOutput)(nil)

func newMemberOutput(w *Writer, delegate store.IndexOutput, entry *writerEntry, separate bool) *memberOutput {
	return &memberOutput{
		w:        w,
		delegate: delegate,
		entry:    entry,
		separate: separate,
		digest:   delegate.ChecksumAlgorithm().New(),
	}
}

func (m *memberOutput) ensureOpen() error {
	if m.closed {
		return errors.Wrap(store.ErrAlreadyClosed, m.String())
	}
	return nil
}

func (m *memberOutput) WriteByte(b byte) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	if err := m.delegate.WriteByte(b); err != nil {
		return err
	}
	m.one[0] = b
	_, _ = m.digest.Write(m.one[:])
	m.written++
	return nil
}

func (m *memberOutput) Write(p []byte) (int, error) {
	if err := m.ensureOpen(); err != nil {
		return 0, err
	}
	n, err := m.delegate.Write(p)
	_, _ = m.digest.Write(p[:n])
	m.written += int64(n)
	return n, err
}

func (m *memberOutput) CopyBytes(in store.DataInput, n int64) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	return store.CopyThrough(m, in, n)
}

func (m *memberOutput) FilePointer() int64 {
	return m.written
}

func (m *memberOutput) Checksum() (uint64, error) {
	return m.digest.Sum64(), nil
}

func (m *memberOutput) ChecksumAlgorithm() store.ChecksumAlgorithm {
	return m.delegate.ChecksumAlgorithm()
}

// Close records the member's length and hands the data file back.
func (m *memberOutput) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.w.mu.Lock()
	m.entry.length = m.written
	m.w.open--
	m.w.mu.Unlock()

	if !m.separate {
		return m.w.releaseOutput()
	}
	if err := m.delegate.Close(); err != nil {
		m.w.forget(m.entry)
		if derr := m.w.dir.DeleteFile(m.entry.name); derr != nil && !errors.Is(derr, store.ErrFileNotFound) {
			m.w.logger.Warn("failed to delete partial member", zap.String("name", m.entry.name), zap.Error(derr))
		}
		return err
	}
	return m.w.enqueue(m.entry)
}

func (m *memberOutput) String() string {
	return "CompoundMemberOutput(" + m.entry.name + " in " + m.w.dataName + ")"
}
