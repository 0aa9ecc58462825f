package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
)

// DefaultBlocks is the number of directio blocks buffered by a Writer or
// fetched per read by a Reader.
const DefaultBlocks = 16

// Writer is a wrapper around a directio file. Data is staged in an aligned
// buffer and written to the file in multiples of the block size. The final
// partial block is padded on Close and the file is then truncated back to
// the number of bytes actually written, so the padding never becomes part of
// the file.
type Writer struct {
	file    *os.File
	buf     []byte
	n       int
	flushed int64
	closed  bool
}

var _ io.WriteCloser = (*Writer)(nil)

// NewWriter creates (or truncates) name for direct writing. blocks is the
// size of the staging buffer in directio blocks.
func NewWriter(name string, blocks int) (*Writer, error) {
	if blocks < 1 {
		blocks = DefaultBlocks
	}
	file, err := directio.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &Writer{
		file: file,
		buf:  directio.AlignedBlock(directio.BlockSize * blocks),
	}, nil
}

// Write stages buf and writes every filled staging buffer to the file.
func (w *Writer) Write(buf []byte) (n int, err error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	for len(buf) > 0 {
		c := copy(w.buf[w.n:], buf)
		w.n += c
		n += c
		buf = buf[c:]
		if w.n == len(w.buf) {
			if err = w.dump(len(w.buf)); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Length returns the logical number of bytes written so far.
func (w *Writer) Length() int64 {
	return w.flushed + int64(w.n)
}

// dump writes size bytes of the staging buffer. size must be a multiple of
// the block size.
func (w *Writer) dump(size int) error {
	if _, err := w.file.Write(w.buf[:size]); err != nil {
		return err
	}
	w.flushed += int64(w.n)
	w.n = 0
	return nil
}

// Close pads and writes the last partial block, truncates the file to its
// logical length and closes it.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	length := w.Length()
	if w.n > 0 {
		padded := (w.n + directio.BlockSize - 1) &^ (directio.BlockSize - 1)
		clear(w.buf[w.n:padded])
		if err := w.dump(padded); err != nil {
			errs = append(errs, fmt.Errorf("failed to write final block: %w", err))
		}
	}
	if err := w.file.Truncate(length); err != nil {
		errs = append(errs, fmt.Errorf("failed to truncate to %d: %w", length, err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Reader reads a file opened with O_DIRECT. Arbitrary offsets and lengths
// are served by reading the enclosing aligned blocks into pooled aligned
// buffers. It is safe for concurrent use.
type Reader struct {
	file *os.File
	size int64
	pool sync.Pool
}

var _ io.ReaderAt = (*Reader)(nil)

// OpenReader opens name for direct reading.
func OpenReader(name string, blocks int) (*Reader, error) {
	if blocks < 1 {
		blocks = DefaultBlocks
	}
	file, err := directio.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	r := &Reader{file: file, size: info.Size()}
	r.pool.New = func() any {
		b := directio.AlignedBlock(directio.BlockSize * blocks)
		return &b
	}
	return r, nil
}

// Size returns the file size at open time.
func (r *Reader) Size() int64 {
	return r.size
}

func (r *Reader) ReadAt(p []byte, off int64) (n int, err error) {
	bp := r.pool.Get().(*[]byte)
	defer r.pool.Put(bp)
	buf := *bp

	for n < len(p) {
		pos := off + int64(n)
		if pos >= r.size {
			return n, io.EOF
		}
		start := pos &^ int64(directio.BlockSize-1)
		m, rerr := r.file.ReadAt(buf, start)
		skip := int(pos - start)
		if m <= skip {
			if rerr == nil || errors.Is(rerr, io.EOF) {
				return n, io.EOF
			}
			return n, rerr
		}
		n += copy(p[n:], buf[skip:m])
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return n, rerr
		}
	}
	return n, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}
