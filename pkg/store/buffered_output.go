package store

import (
	"hash"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// BufferedOutput accumulates writes in a buffer and hands full buffers to a
// sink. Every byte passed to the sink is folded into the running checksum
// first.
type BufferedOutput struct {
	desc   string
	sink   io.WriteCloser
	alg    ChecksumAlgorithm
	digest hash.Hash64
	closed bool

	buf []byte
	pos int
	// start is the number of bytes already handed to the sink.
	start int64
}

var _ IndexOutput = (*BufferedOutput)(nil)

func NewBufferedOutput(desc string, sink io.WriteCloser, bufferSize int, alg ChecksumAlgorithm) *BufferedOutput {
	if bufferSize <= 0 {
		bufferSize = DefaultOutputBufferSize
	}
	return &BufferedOutput{
		desc:   desc,
		sink:   sink,
		alg:    alg,
		digest: alg.New(),
		buf:    make([]byte, bufferSize),
	}
}

func (o *BufferedOutput) ensureOpen() error {
	if o.closed {
		return alreadyClosed(o.desc)
	}
	return nil
}

func (o *BufferedOutput) WriteByte(b byte) error {
	if err := o.ensureOpen(); err != nil {
		return err
	}
	if o.pos >= len(o.buf) {
		if err := o.flush(); err != nil {
			return err
		}
	}
	o.buf[o.pos] = b
	o.pos++
	return nil
}

func (o *BufferedOutput) Write(p []byte) (int, error) {
	if err := o.ensureOpen(); err != nil {
		return 0, err
	}

	left := len(o.buf) - o.pos
	switch {
	case left >= len(p):
		copy(o.buf[o.pos:], p)
		o.pos += len(p)
		if o.pos == len(o.buf) {
			if err := o.flush(); err != nil {
				return len(p), err
			}
		}
		return len(p), nil

	case len(p) > len(o.buf):
		// Larger than the buffer: flush what is pending, then hand p to the
		// sink directly.
		if err := o.flush(); err != nil {
			return 0, err
		}
		if err := o.writeSink(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	written := 0
	for written < len(p) {
		c := copy(o.buf[o.pos:], p[written:])
		o.pos += c
		written += c
		if o.pos == len(o.buf) {
			if err := o.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (o *BufferedOutput) reserve(n int) []byte {
	if o.closed || len(o.buf)-o.pos < n {
		return nil
	}
	b := o.buf[o.pos : o.pos+n]
	o.pos += n
	return b
}

// CopyBytes reads n bytes from in directly into the output buffer.
func (o *BufferedOutput) CopyBytes(in DataInput, n int64) error {
	if err := o.ensureOpen(); err != nil {
		return err
	}
	if n < 0 {
		return errors.Wrapf(ErrInvalidArgument, "cannot copy %d bytes", n)
	}
	for n > 0 {
		if o.pos == len(o.buf) {
			if err := o.flush(); err != nil {
				return err
			}
		}
		c := min(int64(len(o.buf)-o.pos), n)
		if err := in.ReadFull(o.buf[o.pos : o.pos+int(c)]); err != nil {
			return err
		}
		o.pos += int(c)
		n -= c
	}
	return nil
}

// Flush hands buffered bytes to the sink.
func (o *BufferedOutput) Flush() error {
	if err := o.ensureOpen(); err != nil {
		return err
	}
	return o.flush()
}

func (o *BufferedOutput) flush() error {
	if o.pos == 0 {
		return nil
	}
	if err := o.writeSink(o.buf[:o.pos]); err != nil {
		return err
	}
	o.pos = 0
	return nil
}

func (o *BufferedOutput) writeSink(p []byte) error {
	_, _ = o.digest.Write(p)
	if _, err := o.sink.Write(p); err != nil {
		return errors.Wrapf(err, "write %s", o.desc)
	}
	o.start += int64(len(p))
	return nil
}

func (o *BufferedOutput) FilePointer() int64 {
	return o.start + int64(o.pos)
}

func (o *BufferedOutput) Checksum() (uint64, error) {
	if !o.closed {
		if err := o.flush(); err != nil {
			return 0, err
		}
	}
	return o.digest.Sum64(), nil
}

func (o *BufferedOutput) ChecksumAlgorithm() ChecksumAlgorithm {
	return o.alg
}

// Close flushes and closes the sink. Closing twice is a no-op.
func (o *BufferedOutput) Close() error {
	if o.closed {
		return nil
	}
	var result *multierror.Error
	if err := o.flush(); err != nil {
		result = multierror.Append(result, err)
	}
	o.closed = true
	if err := o.sink.Close(); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "close %s", o.desc))
	}
	return result.ErrorOrNil()
}

func (o *BufferedOutput) String() string {
	return o.desc
}
