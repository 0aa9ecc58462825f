package store

import (
	"bytes"
	"math"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSource is a RangeReader over a byte slice.
type memSource struct {
	*bytes.Reader
	closed bool
}

func newMemSource(b []byte) *memSource {
	return &memSource{Reader: bytes.NewReader(b)}
}

func (s *memSource) Close() error {
	s.closed = true
	return nil
}

func newMemInput(b []byte) *BufferedInput {
	return NewBufferedInput("mem", newMemSource(b), int64(len(b)), BufferSize)
}

// encode runs fn against a fresh RAM output and returns the bytes written.
func encode(t *testing.T, fn func(out IndexOutput)) []byte {
	t.Helper()
	dir := NewRAMDirectory()
	t.Cleanup(func() { _ = dir.Close() })
	out, err := dir.CreateOutput("enc", IOContextDefault)
	require.NoError(t, err)
	fn(out)
	require.NoError(t, out.Close())
	return readFile(t, dir, "enc")
}

func readFile(t *testing.T, dir ReadOnlyDirectory, name string) []byte {
	t.Helper()
	in, err := dir.OpenInput(name, IOContextReadOnce)
	require.NoError(t, err)
	defer in.Close()
	b := make([]byte, in.Length())
	require.NoError(t, in.ReadFull(b))
	return b
}

func writeFile(t *testing.T, dir Directory, name string, data []byte) {
	t.Helper()
	out, err := dir.CreateOutput(name, IOContextDefault)
	require.NoError(t, err)
	_, err = out.Write(data)
	require.NoError(t, err)
	require.NoError(t, out.Close())
}

func TestVIntBoundaries(t *testing.T) {
	tests := []struct {
		v    int32
		size int
	}{
		{0, 1},
		{1, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{1<<21 - 1, 3},
		{1 << 21, 4},
		{1<<28 - 1, 4},
		{1 << 28, 5},
		{math.MaxInt32, 5},
	}
	for _, tt := range tests {
		b := encode(t, func(out IndexOutput) {
			require.NoError(t, WriteVInt32(out, tt.v))
		})
		assert.Len(t, b, tt.size, "value %d", tt.v)
		assert.Equal(t, tt.size, VInt32Size(tt.v))

		got, err := ReadVInt32(newMemInput(b))
		require.NoError(t, err)
		assert.Equal(t, tt.v, got)
	}

	assert.Equal(t, []byte{0x80, 0x01}, encode(t, func(out IndexOutput) {
		require.NoError(t, WriteVInt32(out, 128))
	}))
}

func TestVLongBoundaries(t *testing.T) {
	for _, v := range []int64{0, 127, 128, 1 << 35, 1<<56 - 1, 1 << 56, math.MaxInt64} {
		b := encode(t, func(out IndexOutput) {
			require.NoError(t, WriteVInt64(out, v))
		})
		assert.Equal(t, VInt64Size(v), len(b))
		assert.LessOrEqual(t, len(b), 9)

		got, err := ReadVInt64(newMemInput(b))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestVIntRejectsNegative(t *testing.T) {
	dir := NewRAMDirectory()
	defer dir.Close()
	out, err := dir.CreateOutput("neg", IOContextDefault)
	require.NoError(t, err)
	defer out.Close()

	assert.ErrorIs(t, WriteVInt32(out, -1), ErrInvalidArgument)
	assert.ErrorIs(t, WriteVInt64(out, math.MinInt64), ErrInvalidArgument)
	assert.Zero(t, out.FilePointer())
}

func TestVIntCorrupt(t *testing.T) {
	_, err := ReadVInt32(newMemInput([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F}))
	assert.ErrorIs(t, err, ErrCorruptIndex)

	_, err = ReadVInt64(newMemInput([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x80}))
	assert.ErrorIs(t, err, ErrCorruptIndex)

	_, err = ReadVInt32(newMemInput([]byte{0x80, 0x80}))
	assert.ErrorIs(t, err, ErrEOF)
}

func TestReadStringLengthBeyondInput(t *testing.T) {
	b := encode(t, func(out IndexOutput) {
		require.NoError(t, WriteVInt32(out, 1<<30))
		_, err := out.Write([]byte("abc"))
		require.NoError(t, err)
	})
	_, err := ReadString(newMemInput(b))
	assert.ErrorIs(t, err, ErrCorruptIndex)

	// The checksum input knows its remaining length too.
	_, err = ReadString(NewChecksumInput(newMemInput(b), ChecksumCRC32))
	assert.ErrorIs(t, err, ErrCorruptIndex)

	b = encode(t, func(out IndexOutput) {
		require.NoError(t, WriteString(out, "abc"))
	})
	s, err := ReadString(newMemInput(b))
	require.NoError(t, err)
	assert.Equal(t, "abc", s)
}

func TestFixedWidthBigEndian(t *testing.T) {
	b := encode(t, func(out IndexOutput) {
		require.NoError(t, WriteInt16(out, 0x0102))
		require.NoError(t, WriteInt32(out, 0x03040506))
		require.NoError(t, WriteInt64(out, -2))
	})
	assert.Equal(t, []byte{
		0x01, 0x02,
		0x03, 0x04, 0x05, 0x06,
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFE,
	}, b)

	in := newMemInput(b)
	i16, err := ReadInt16(in)
	require.NoError(t, err)
	assert.Equal(t, int16(0x0102), i16)
	i32, err := ReadInt32(in)
	require.NoError(t, err)
	assert.Equal(t, int32(0x03040506), i32)
	i64, err := ReadInt64(in)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), i64)

	_, err = ReadInt16(in)
	assert.ErrorIs(t, err, ErrEOF)
}

func TestCodecFuzzRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 16)
	for i := 0; i < 200; i++ {
		var (
			u32 uint32
			u64 uint64
			i16 int16
			i64 int64
			s   string
			m   map[string]string
			set map[string]struct{}
		)
		f.Fuzz(&u32)
		f.Fuzz(&u64)
		f.Fuzz(&i16)
		f.Fuzz(&i64)
		f.Fuzz(&s)
		f.Fuzz(&m)
		f.Fuzz(&set)
		v32 := int32(u32 >> 1)
		v64 := int64(u64 >> 1)

		b := encode(t, func(out IndexOutput) {
			require.NoError(t, WriteVInt32(out, v32))
			require.NoError(t, WriteVInt64(out, v64))
			require.NoError(t, WriteInt16(out, i16))
			require.NoError(t, WriteInt64(out, i64))
			require.NoError(t, WriteString(out, s))
			require.NoError(t, WriteStringMap(out, m))
			require.NoError(t, WriteStringSet(out, set))
		})

		in := newMemInput(b)
		gotV32, err := ReadVInt32(in)
		require.NoError(t, err)
		assert.Equal(t, v32, gotV32)
		gotV64, err := ReadVInt64(in)
		require.NoError(t, err)
		assert.Equal(t, v64, gotV64)
		gotI16, err := ReadInt16(in)
		require.NoError(t, err)
		assert.Equal(t, i16, gotI16)
		gotI64, err := ReadInt64(in)
		require.NoError(t, err)
		assert.Equal(t, i64, gotI64)
		gotS, err := ReadString(in)
		require.NoError(t, err)
		assert.Equal(t, s, gotS)
		gotM, err := ReadStringMap(in)
		require.NoError(t, err)
		assert.Equal(t, m, gotM)
		gotSet, err := ReadStringSet(in)
		require.NoError(t, err)
		assert.Equal(t, set, gotSet)
		assert.Equal(t, in.Length(), in.FilePointer())
	}
}

func TestStringMapIsDeterministic(t *testing.T) {
	m := map[string]string{"b": "2", "a": "1", "c": "3"}
	first := encode(t, func(out IndexOutput) { require.NoError(t, WriteStringMap(out, m)) })
	for i := 0; i < 10; i++ {
		again := encode(t, func(out IndexOutput) { require.NoError(t, WriteStringMap(out, m)) })
		assert.Equal(t, first, again)
	}
}

func TestStringMapNegativeCount(t *testing.T) {
	_, err := ReadStringMap(newMemInput([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	assert.ErrorIs(t, err, ErrCorruptIndex)
	_, err = ReadStringSet(newMemInput([]byte{0x80, 0x00, 0x00, 0x00}))
	assert.ErrorIs(t, err, ErrCorruptIndex)
}

func TestChecksumAlgorithm(t *testing.T) {
	for _, name := range []string{"", "crc32", "CRC32"} {
		alg, err := ParseChecksumAlgorithm(name)
		require.NoError(t, err)
		assert.Equal(t, ChecksumCRC32, alg)
	}
	alg, err := ParseChecksumAlgorithm("xxh64")
	require.NoError(t, err)
	assert.Equal(t, ChecksumXXH64, alg)
	assert.Equal(t, "xxh64", alg.String())

	_, err = ParseChecksumAlgorithm("md5")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.False(t, ChecksumAlgorithm(7).Valid())
}

func TestChecksumInputMatchesOutput(t *testing.T) {
	data := bytes.Repeat([]byte("flagstone"), 1000)
	for _, alg := range []ChecksumAlgorithm{ChecksumCRC32, ChecksumXXH64} {
		dir := NewRAMDirectory(WithChecksum(alg))
		out, err := dir.CreateOutput("f", IOContextDefault)
		require.NoError(t, err)
		assert.Equal(t, alg, out.ChecksumAlgorithm())
		_, err = out.Write(data)
		require.NoError(t, err)
		want, err := out.Checksum()
		require.NoError(t, err)
		require.NoError(t, out.Close())

		raw, err := dir.OpenInput("f", IOContextDefault)
		require.NoError(t, err)
		in := NewChecksumInput(raw, alg)
		require.NoError(t, in.SeekTo(100))
		b := make([]byte, len(data)-100)
		require.NoError(t, in.ReadFull(b))
		assert.Equal(t, want, in.Checksum(), alg.String())

		assert.ErrorIs(t, in.SeekTo(5), ErrUnsupported)
		require.NoError(t, in.Close())
		require.NoError(t, dir.Close())
	}
}

func TestCopyBytes(t *testing.T) {
	data := make([]byte, 3*copyBufferSize+17)
	for i := range data {
		data[i] = byte(i * 31)
	}
	got := encode(t, func(out IndexOutput) {
		require.NoError(t, CopyBytes(out, newMemInput(data), int64(len(data))))
	})
	assert.Equal(t, data, got)

	var buf bytes.Buffer
	require.NoError(t, CopyBytes(&buf, newMemInput(data), 10))
	assert.Equal(t, data[:10], buf.Bytes())
	assert.ErrorIs(t, CopyBytes(&buf, newMemInput(data), -1), ErrInvalidArgument)
	assert.ErrorIs(t, CopyBytes(&buf, newMemInput(data[:4]), 5), ErrEOF)
}
