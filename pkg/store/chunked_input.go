package store

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// chunkRegistry is owned by an original ChunkedInput. It tracks every clone
// and slice taken from it so that closing the original invalidates them
// before the chunk memory is released.
type chunkRegistry struct {
	mu       sync.Mutex
	nextID   uint64
	clones   map[uint64]*ChunkedInput
	released bool
	release  func() error
}

func (r *chunkRegistry) register(in *ChunkedInput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		in.closed.Store(true)
		return
	}
	if r.clones == nil {
		r.clones = make(map[uint64]*ChunkedInput)
	}
	r.nextID++
	in.id = r.nextID
	r.clones[in.id] = in
}

func (r *chunkRegistry) unregister(id uint64) {
	r.mu.Lock()
	delete(r.clones, id)
	r.mu.Unlock()
}

func (r *chunkRegistry) releaseAll() error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil
	}
	r.released = true
	for _, c := range r.clones {
		c.closed.Store(true)
	}
	r.clones = nil
	r.mu.Unlock()

	if r.release == nil {
		return nil
	}
	return r.release()
}

// ChunkedInput reads a file held in memory as a list of power-of-two sized
// chunks. Chunk i covers positions [i<<power, (i+1)<<power). Every chunk but
// the last is full; the last holds the remainder and may be empty, so there
// are always length>>power + 1 chunks.
//
// Closing the original input invalidates every clone and slice and then
// calls the release function given to NewChunkedInput. Closing a clone or
// slice does not release anything. Closing the original while another
// goroutine is still reading a clone is a programming error.
type ChunkedInput struct {
	desc    string
	reg     *chunkRegistry
	id      uint64
	isClone bool
	isSlice bool
	closed  atomic.Bool

	chunks [][]byte
	power  uint
	mask   int64
	// offset is where position 0 lies inside chunks[0]; non-zero only for
	// slices.
	offset int64
	length int64

	cur      []byte
	curIndex int
	curPos   int
}

var _ IndexInput = (*ChunkedInput)(nil)

// NewChunkedInput returns an input over chunks. release, which may be nil,
// is called once when the returned input is closed.
func NewChunkedInput(desc string, chunks [][]byte, power uint, length int64, release func() error) (*ChunkedInput, error) {
	if power > 62 {
		return nil, errors.Wrapf(ErrInvalidArgument, "chunk size power %d out of range", power)
	}
	size := int64(1) << power
	if want := int(length>>power) + 1; len(chunks) != want {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s: got %d chunks for length %d, want %d", desc, len(chunks), length, want)
	}
	for i, c := range chunks[:len(chunks)-1] {
		if int64(len(c)) != size {
			return nil, errors.Wrapf(ErrInvalidArgument, "%s: chunk %d has %d bytes, want %d", desc, i, len(c), size)
		}
	}
	if last := chunks[len(chunks)-1]; int64(len(last)) != length&(size-1) {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s: last chunk has %d bytes, want %d", desc, len(last), length&(size-1))
	}

	in := &ChunkedInput{
		desc:   desc,
		reg:    &chunkRegistry{release: release},
		chunks: chunks,
		power:  power,
		mask:   size - 1,
		length: length,
	}
	in.seek(0)
	return in, nil
}

func (in *ChunkedInput) ReadByte() (byte, error) {
	if in.closed.Load() {
		return 0, alreadyClosed(in.desc)
	}
	if in.curPos >= len(in.cur) {
		if err := in.advance(); err != nil {
			return 0, err
		}
	}
	b := in.cur[in.curPos]
	in.curPos++
	return b, nil
}

func (in *ChunkedInput) ReadFull(b []byte) error {
	if in.closed.Load() {
		return alreadyClosed(in.desc)
	}
	for len(b) > 0 {
		if in.curPos >= len(in.cur) {
			if err := in.advance(); err != nil {
				return err
			}
		}
		c := copy(b, in.cur[in.curPos:])
		in.curPos += c
		b = b[c:]
	}
	return nil
}

// advance moves to the start of the next non-empty chunk.
func (in *ChunkedInput) advance() error {
	for i := in.curIndex + 1; i < len(in.chunks); i++ {
		if len(in.chunks[i]) > 0 {
			in.curIndex = i
			in.cur = in.chunks[i]
			in.curPos = 0
			return nil
		}
	}
	return readPastEOF(in.desc)
}

func (in *ChunkedInput) next(n int) []byte {
	if in.closed.Load() || len(in.cur)-in.curPos < n {
		return nil
	}
	b := in.cur[in.curPos : in.curPos+n]
	in.curPos += n
	return b
}

func (in *ChunkedInput) FilePointer() int64 {
	return int64(in.curIndex)<<in.power + int64(in.curPos) - in.offset
}

func (in *ChunkedInput) SeekTo(pos int64) error {
	if in.closed.Load() {
		return alreadyClosed(in.desc)
	}
	if pos < 0 {
		return errors.Wrapf(ErrInvalidArgument, "seek to negative position %d: %s", pos, in.desc)
	}
	if pos > in.length {
		return errors.Wrapf(ErrEOF, "seek past EOF: pos=%d length=%d: %s", pos, in.length, in.desc)
	}
	in.seek(pos)
	return nil
}

// seek positions the cursor at pos, which must be within [0, length].
func (in *ChunkedInput) seek(pos int64) {
	p := pos + in.offset
	in.curIndex = int(p >> in.power)
	in.cur = in.chunks[in.curIndex]
	in.curPos = int(p & in.mask)
}

func (in *ChunkedInput) Length() int64 {
	return in.length
}

// Clone returns a view over the same chunks positioned at this input's file
// pointer. The chunk memory is shared, the cursor is not.
func (in *ChunkedInput) Clone() IndexInput {
	c := &ChunkedInput{
		desc:    in.desc,
		reg:     in.reg,
		isClone: true,
		isSlice: in.isSlice,
		chunks:  in.chunks,
		power:   in.power,
		mask:    in.mask,
		offset:  in.offset,
		length:  in.length,
	}
	if in.closed.Load() {
		c.closed.Store(true)
		return c
	}
	in.reg.register(c)
	c.seek(in.FilePointer())
	return c
}

// Slice returns a view of [offset, offset+length) built from the chunks
// that range touches, with the last one cut at the slice's end.
func (in *ChunkedInput) Slice(desc string, offset, length int64) (IndexInput, error) {
	if in.closed.Load() {
		return nil, alreadyClosed(in.desc)
	}
	if in.isSlice {
		return nil, errors.Wrapf(ErrSliceOfSlice, "slice %q of %s", desc, in.desc)
	}
	if offset < 0 || length < 0 || offset+length > in.length {
		return nil, errors.Wrapf(ErrInvalidArgument, "slice() %s out of bounds: offset=%d length=%d fileLength=%d: %s",
			desc, offset, length, in.length, in.desc)
	}

	start := offset + in.offset
	end := start + length
	first := int(start >> in.power)
	last := int(end >> in.power)

	chunks := make([][]byte, last-first+1)
	copy(chunks, in.chunks[first:last+1])
	chunks[len(chunks)-1] = chunks[len(chunks)-1][:end&in.mask]

	s := &ChunkedInput{
		desc:    in.desc + " [slice=" + desc + "]",
		reg:     in.reg,
		isClone: true,
		isSlice: true,
		chunks:  chunks,
		power:   in.power,
		mask:    in.mask,
		offset:  start & in.mask,
		length:  length,
	}
	in.reg.register(s)
	if s.closed.Load() {
		return nil, alreadyClosed(in.desc)
	}
	s.seek(0)
	return s, nil
}

func (in *ChunkedInput) Close() error {
	if !in.closed.CompareAndSwap(false, true) {
		return nil
	}
	in.cur = nil
	if in.isClone {
		in.reg.unregister(in.id)
		return nil
	}
	return in.reg.releaseAll()
}

func (in *ChunkedInput) String() string {
	return in.desc
}
