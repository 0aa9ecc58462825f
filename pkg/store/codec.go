package store

import (
	"encoding/binary"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// DataInput is the byte source the codec decodes from.
type DataInput interface {
	io.ByteReader
	// ReadFull fills b completely or fails with ErrEOF.
	ReadFull(b []byte) error
}

// DataOutput is the byte sink the codec encodes into.
type DataOutput interface {
	io.ByteWriter
	io.Writer
}

// peeker is implemented by inputs that can hand out resident bytes without a
// copy. next returns the next n bytes and advances past them, or nil if
// they are not resident.
type peeker interface {
	next(n int) []byte
}

// reserver is the output side of peeker: reserve returns n writable bytes
// of the output's buffer and advances past them, or nil.
type reserver interface {
	reserve(n int) []byte
}

const copyBufferSize = 16 << 10

var copyBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

func readFixed(in DataInput, n int, scratch []byte) ([]byte, error) {
	if p, ok := in.(peeker); ok {
		if b := p.next(n); b != nil {
			return b, nil
		}
	}
	if err := in.ReadFull(scratch[:n]); err != nil {
		return nil, err
	}
	return scratch[:n], nil
}

func writeFixed(out DataOutput, b []byte) error {
	if r, ok := out.(reserver); ok {
		if dst := r.reserve(len(b)); dst != nil {
			copy(dst, b)
			return nil
		}
	}
	_, err := out.Write(b)
	return err
}

// ReadInt16 reads two bytes, big-endian.
func ReadInt16(in DataInput) (int16, error) {
	var scratch [2]byte
	b, err := readFixed(in, 2, scratch[:])
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

// ReadInt32 reads four bytes, big-endian.
func ReadInt32(in DataInput) (int32, error) {
	var scratch [4]byte
	b, err := readFixed(in, 4, scratch[:])
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// ReadInt64 reads eight bytes, big-endian.
func ReadInt64(in DataInput) (int64, error) {
	var scratch [8]byte
	b, err := readFixed(in, 8, scratch[:])
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func WriteInt16(out DataOutput, v int16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return writeFixed(out, b[:])
}

func WriteInt32(out DataOutput, v int32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return writeFixed(out, b[:])
}

func WriteInt64(out DataOutput, v int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return writeFixed(out, b[:])
}

// ReadVInt32 reads a non-negative int32 stored in 1-5 bytes, seven bits per
// byte, low-order group first, with the high bit set on every byte but the
// last.
func ReadVInt32(in DataInput) (int32, error) {
	var v uint32
	for shift := uint(0); ; shift += 7 {
		b, err := in.ReadByte()
		if err != nil {
			return 0, err
		}
		if shift == 28 && b&0xF8 != 0 {
			// The fifth byte may only carry bits 28-30.
			return 0, NewCorruptIndexError(describe(in), "invalid vInt detected (too many bits)")
		}
		v |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return int32(v), nil
		}
	}
}

// ReadVInt64 reads a non-negative int64 stored in 1-9 bytes.
func ReadVInt64(in DataInput) (int64, error) {
	var v uint64
	for shift := uint(0); ; shift += 7 {
		b, err := in.ReadByte()
		if err != nil {
			return 0, err
		}
		if shift == 56 && b&0x80 != 0 {
			return 0, NewCorruptIndexError(describe(in), "invalid vLong detected (negative values disallowed)")
		}
		v |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return int64(v), nil
		}
	}
}

// WriteVInt32 writes v in 1-5 bytes. Negative values cannot be encoded.
func WriteVInt32(out DataOutput, v int32) error {
	if v < 0 {
		return errors.Wrapf(ErrInvalidArgument, "cannot write negative vInt: %d", v)
	}
	var b [binary.MaxVarintLen32]byte
	return writeFixed(out, b[:putVarint(b[:], uint64(v))])
}

// WriteVInt64 writes v in 1-9 bytes. Negative values cannot be encoded.
func WriteVInt64(out DataOutput, v int64) error {
	if v < 0 {
		return errors.Wrapf(ErrInvalidArgument, "cannot write negative vLong: %d", v)
	}
	var b [9]byte
	return writeFixed(out, b[:putVarint(b[:], uint64(v))])
}

func putVarint(b []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		b[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	b[i] = byte(v)
	return i + 1
}

// VInt32Size returns the number of bytes WriteVInt32 uses for v.
func VInt32Size(v int32) int {
	var b [binary.MaxVarintLen32]byte
	return putVarint(b[:], uint64(uint32(v)))
}

// VInt64Size returns the number of bytes WriteVInt64 uses for v.
func VInt64Size(v int64) int {
	var b [binary.MaxVarintLen64]byte
	return putVarint(b[:], uint64(v))
}

// remainder is implemented by inputs that know how many bytes are left.
type remainder interface {
	Length() int64
	FilePointer() int64
}

// ReadString reads a vint byte length followed by that many UTF-8 bytes.
func ReadString(in DataInput) (string, error) {
	n, err := ReadVInt32(in)
	if err != nil {
		return "", err
	}
	if r, ok := in.(remainder); ok {
		if left := r.Length() - r.FilePointer(); int64(n) > left {
			return "", NewCorruptIndexError(describe(in), "string length %d exceeds the %d bytes left", n, left)
		}
	}
	b := make([]byte, n)
	if err := in.ReadFull(b); err != nil {
		return "", err
	}
	return string(b), nil
}

func WriteString(out DataOutput, s string) error {
	if len(s) > math.MaxInt32 {
		return errors.Wrapf(ErrInvalidArgument, "string too long: %d bytes", len(s))
	}
	if err := WriteVInt32(out, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(out, s)
	return err
}

// ReadStringMap reads an int32 count followed by count key/value strings.
func ReadStringMap(in DataInput) (map[string]string, error) {
	n, err := ReadInt32(in)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, NewCorruptIndexError(describe(in), "invalid string map size: %d", n)
	}
	m := make(map[string]string, min(int(n), 1024))
	for i := int32(0); i < n; i++ {
		k, err := ReadString(in)
		if err != nil {
			return nil, err
		}
		v, err := ReadString(in)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// WriteStringMap writes m with keys in sorted order so equal maps always
// encode to equal bytes.
func WriteStringMap(out DataOutput, m map[string]string) error {
	if err := WriteInt32(out, int32(len(m))); err != nil {
		return err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := WriteString(out, k); err != nil {
			return err
		}
		if err := WriteString(out, m[k]); err != nil {
			return err
		}
	}
	return nil
}

// ReadStringSet reads an int32 count followed by count strings.
func ReadStringSet(in DataInput) (map[string]struct{}, error) {
	n, err := ReadInt32(in)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, NewCorruptIndexError(describe(in), "invalid string set size: %d", n)
	}
	set := make(map[string]struct{}, min(int(n), 1024))
	for i := int32(0); i < n; i++ {
		s, err := ReadString(in)
		if err != nil {
			return nil, err
		}
		set[s] = struct{}{}
	}
	return set, nil
}

// WriteStringSet writes set in sorted order.
func WriteStringSet(out DataOutput, set map[string]struct{}) error {
	if err := WriteInt32(out, int32(len(set))); err != nil {
		return err
	}
	values := make([]string, 0, len(set))
	for s := range set {
		values = append(values, s)
	}
	sort.Strings(values)
	for _, s := range values {
		if err := WriteString(out, s); err != nil {
			return err
		}
	}
	return nil
}

// CopyBytes copies n bytes from in to out. Outputs that buffer read
// straight into their own buffer; anything else goes through a pooled
// scratch buffer.
func CopyBytes(out DataOutput, in DataInput, n int64) error {
	if c, ok := out.(interface {
		CopyBytes(DataInput, int64) error
	}); ok {
		return c.CopyBytes(in, n)
	}
	return CopyThrough(out, in, n)
}

// CopyThrough copies n bytes from in to out through a pooled scratch
// buffer, one Write per buffer.
func CopyThrough(out DataOutput, in DataInput, n int64) error {
	if n < 0 {
		return errors.Wrapf(ErrInvalidArgument, "cannot copy %d bytes", n)
	}
	bp := copyBuffers.Get().(*[]byte)
	defer copyBuffers.Put(bp)
	buf := *bp

	for n > 0 {
		chunk := buf[:min(int64(len(buf)), n)]
		if err := in.ReadFull(chunk); err != nil {
			return err
		}
		if _, err := out.Write(chunk); err != nil {
			return err
		}
		n -= int64(len(chunk))
	}
	return nil
}
