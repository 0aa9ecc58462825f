package store

import (
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// IndexInput is a random-access read cursor over one file. An IndexInput is
// not safe for concurrent use; goroutines that need to read the same file
// concurrently each take a Clone.
type IndexInput interface {
	DataInput
	io.Closer
	fmt.Stringer

	// FilePointer returns the current read position.
	FilePointer() int64
	// SeekTo sets the read position. Seeking past Length fails with ErrEOF.
	SeekTo(pos int64) error
	// Length returns the number of bytes in the file (or slice).
	Length() int64
	// Clone returns an independent cursor over the same bytes, positioned
	// where this one is. Only the original releases the underlying
	// resource; once it is closed, clones fail with ErrAlreadyClosed.
	Clone() IndexInput
	// Slice returns an input restricted to [offset, offset+length). Slices
	// share the underlying resource like clones do. Slicing a slice fails
	// with ErrSliceOfSlice.
	Slice(desc string, offset, length int64) (IndexInput, error)
}

// IndexOutput is an append-only write cursor over one file. It maintains a
// running checksum over every byte written.
type IndexOutput interface {
	DataOutput
	io.Closer
	fmt.Stringer

	// FilePointer returns the number of bytes written so far.
	FilePointer() int64
	// Checksum flushes and returns the checksum of all bytes written.
	Checksum() (uint64, error)
	ChecksumAlgorithm() ChecksumAlgorithm
	// CopyBytes appends n bytes read from in.
	CopyBytes(in DataInput, n int64) error
}

// ReadOnlyDirectory is a named collection of immutable files that can only
// be listed and read.
type ReadOnlyDirectory interface {
	io.Closer

	// ListAll returns the names of all files, sorted.
	ListAll() ([]string, error)
	FileExists(name string) (bool, error)
	// FileLength returns the length of name, or an error matching
	// ErrFileNotFound.
	FileLength(name string) (int64, error)
	// OpenInput opens name for reading, or fails with ErrFileNotFound.
	OpenInput(name string, ctx IOContext) (IndexInput, error)
}

// Directory is a flat collection of files that can be created, read and
// deleted. Every method fails with ErrAlreadyClosed once the directory is
// closed.
type Directory interface {
	ReadOnlyDirectory

	// CreateOutput creates name, replacing any existing file.
	CreateOutput(name string, ctx IOContext) (IndexOutput, error)
	DeleteFile(name string) error
	// Sync makes the named files durable. Backends without durable storage
	// treat it as a no-op.
	Sync(names []string) error
	MakeLock(name string) (Lock, error)
	ClearLock(name string) error
	LockFactory() LockFactory
	// LockID identifies this directory's locks when they are kept in a
	// shared lock directory.
	LockID() string
}

// Copy copies src from one directory to dest in another. If the copy fails
// partway the partial destination is deleted.
func Copy(from ReadOnlyDirectory, to Directory, src, dest string, ctx IOContext) (retErr error) {
	in, err := from.OpenInput(src, ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := in.Close(); err != nil {
			retErr = multierror.Append(retErr, err)
		}
	}()

	out, err := to.CreateOutput(dest, ctx)
	if err != nil {
		return err
	}

	var result *multierror.Error
	if err := out.CopyBytes(in, in.Length()); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "copy %s to %s", src, dest))
	}
	if err := out.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if result.ErrorOrNil() != nil {
		if err := to.DeleteFile(dest); err != nil && !errors.Is(err, ErrFileNotFound) {
			result = multierror.Append(result, errors.Wrapf(err, "delete partial copy %s", dest))
		}
	}
	return result.ErrorOrNil()
}

// openHandles tracks the streams a directory opened so that closing the
// directory closes them too.
type openHandles struct {
	mu   sync.Mutex
	next uint64
	m    map[uint64]io.Closer
}

func (h *openHandles) add(c io.Closer) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[uint64]io.Closer)
	}
	h.next++
	h.m[h.next] = c
	return h.next
}

func (h *openHandles) remove(id uint64) {
	h.mu.Lock()
	delete(h.m, id)
	h.mu.Unlock()
}

func (h *openHandles) closeAll() error {
	h.mu.Lock()
	handles := h.m
	h.m = nil
	h.mu.Unlock()

	var result *multierror.Error
	for _, c := range handles {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
