package store

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
)

// RangeReader is the positional read primitive a BufferedInput is built on.
// Clones share it, so ReadAt must be safe for concurrent use.
type RangeReader interface {
	io.ReaderAt
	io.Closer
}

// bufferedBacking is what an original BufferedInput shares with its clones
// and slices.
type bufferedBacking struct {
	src    RangeReader
	closed atomic.Bool
}

// BufferedInput reads through a fixed-size buffer over a RangeReader. Reads
// smaller than the buffer refill it; larger reads go straight into the
// caller's slice.
type BufferedInput struct {
	desc    string
	backing *bufferedBacking
	isClone bool
	isSlice bool
	closed  bool

	// offset is where this view starts in the underlying source.
	offset int64
	length int64

	buf      []byte
	bufSize  int
	bufStart int64
	bufLen   int
	bufPos   int
}

var _ IndexInput = (*BufferedInput)(nil)

// NewBufferedInput returns an input over the first length bytes of src.
// Closing it closes src.
func NewBufferedInput(desc string, src RangeReader, length int64, bufferSize int) *BufferedInput {
	return &BufferedInput{
		desc:    desc,
		backing: &bufferedBacking{src: src},
		length:  length,
		bufSize: max(bufferSize, MinBufferSize),
	}
}

func (in *BufferedInput) ensureOpen() error {
	if in.closed || in.backing.closed.Load() {
		return alreadyClosed(in.desc)
	}
	return nil
}

func (in *BufferedInput) ReadByte() (byte, error) {
	if err := in.ensureOpen(); err != nil {
		return 0, err
	}
	if in.bufPos >= in.bufLen {
		if err := in.refill(); err != nil {
			return 0, err
		}
	}
	b := in.buf[in.bufPos]
	in.bufPos++
	return b, nil
}

func (in *BufferedInput) ReadFull(b []byte) error {
	if err := in.ensureOpen(); err != nil {
		return err
	}

	available := in.bufLen - in.bufPos
	if len(b) <= available {
		copy(b, in.buf[in.bufPos:in.bufPos+len(b)])
		in.bufPos += len(b)
		return nil
	}

	// Drain what is resident first.
	if available > 0 {
		copy(b, in.buf[in.bufPos:in.bufLen])
		b = b[available:]
		in.bufPos += available
	}

	if len(b) < in.bufSize {
		if err := in.refill(); err != nil {
			return err
		}
		if in.bufLen < len(b) {
			copy(b, in.buf[:in.bufLen])
			in.bufPos = in.bufLen
			return readPastEOF(in.desc)
		}
		copy(b, in.buf[:len(b)])
		in.bufPos = len(b)
		return nil
	}

	// Too big for the buffer: read directly into b and leave the buffer
	// empty.
	pos := in.bufStart + int64(in.bufPos)
	after := pos + int64(len(b))
	if after > in.length {
		return readPastEOF(in.desc)
	}
	if err := in.readInternal(b, pos); err != nil {
		return err
	}
	in.bufStart = after
	in.bufPos = 0
	in.bufLen = 0
	return nil
}

func (in *BufferedInput) next(n int) []byte {
	if in.closed || in.backing.closed.Load() || in.bufLen-in.bufPos < n {
		return nil
	}
	b := in.buf[in.bufPos : in.bufPos+n]
	in.bufPos += n
	return b
}

func (in *BufferedInput) refill() error {
	start := in.bufStart + int64(in.bufPos)
	end := min(start+int64(in.bufSize), in.length)
	n := int(end - start)
	if n <= 0 {
		return readPastEOF(in.desc)
	}
	if in.buf == nil {
		in.buf = make([]byte, in.bufSize)
	}
	if err := in.readInternal(in.buf[:n], start); err != nil {
		return err
	}
	in.bufLen = n
	in.bufStart = start
	in.bufPos = 0
	return nil
}

func (in *BufferedInput) readInternal(p []byte, pos int64) error {
	n, err := in.backing.src.ReadAt(p, in.offset+pos)
	if n == len(p) {
		return nil
	}
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return readPastEOF(in.desc)
	case errors.Is(err, os.ErrClosed):
		return alreadyClosed(in.desc)
	}
	return errors.Wrapf(err, "read %s at %d", in.desc, pos)
}

func (in *BufferedInput) FilePointer() int64 {
	return in.bufStart + int64(in.bufPos)
}

func (in *BufferedInput) SeekTo(pos int64) error {
	if err := in.ensureOpen(); err != nil {
		return err
	}
	if pos < 0 {
		return errors.Wrapf(ErrInvalidArgument, "seek to negative position %d: %s", pos, in.desc)
	}
	if pos > in.length {
		return errors.Wrapf(ErrEOF, "seek past EOF: pos=%d length=%d: %s", pos, in.length, in.desc)
	}
	if pos >= in.bufStart && pos < in.bufStart+int64(in.bufLen) {
		in.bufPos = int(pos - in.bufStart)
		return nil
	}
	in.bufStart = pos
	in.bufPos = 0
	in.bufLen = 0
	return nil
}

func (in *BufferedInput) Length() int64 {
	return in.length
}

// Clone returns an input sharing the source but with an empty buffer of its
// own, positioned at this input's file pointer.
func (in *BufferedInput) Clone() IndexInput {
	return &BufferedInput{
		desc:     in.desc,
		backing:  in.backing,
		isClone:  true,
		isSlice:  in.isSlice,
		closed:   in.closed,
		offset:   in.offset,
		length:   in.length,
		bufSize:  in.bufSize,
		bufStart: in.FilePointer(),
	}
}

func (in *BufferedInput) Slice(desc string, offset, length int64) (IndexInput, error) {
	if err := in.ensureOpen(); err != nil {
		return nil, err
	}
	if in.isSlice {
		return nil, errors.Wrapf(ErrSliceOfSlice, "slice %q of %s", desc, in.desc)
	}
	if offset < 0 || length < 0 || offset+length > in.length {
		return nil, errors.Wrapf(ErrInvalidArgument, "slice() %s out of bounds: offset=%d length=%d fileLength=%d: %s",
			desc, offset, length, in.length, in.desc)
	}
	return &BufferedInput{
		desc:    in.desc + " [slice=" + desc + "]",
		backing: in.backing,
		isClone: true,
		isSlice: true,
		offset:  in.offset + offset,
		length:  length,
		bufSize: in.bufSize,
	}, nil
}

// Close releases the source if this is the original input; clones and
// slices only stop being usable.
func (in *BufferedInput) Close() error {
	if in.closed {
		return nil
	}
	in.closed = true
	in.buf = nil
	if in.isClone {
		return nil
	}
	in.backing.closed.Store(true)
	return in.backing.src.Close()
}

func (in *BufferedInput) String() string {
	return in.desc
}
