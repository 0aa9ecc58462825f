package compound

import (
	"hash/crc32"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"flagstone/pkg/codec"
	"flagstone/pkg/store"
)

func writeMember(t *testing.T, w *Writer, name string, data []byte) {
	t.Helper()
	out, err := w.CreateOutput(name, store.IOContextDefault)
	require.NoError(t, err)
	_, err = out.Write(data)
	require.NoError(t, err)
	require.NoError(t, out.Close())
}

func readMember(t *testing.T, d store.ReadOnlyDirectory, name string) []byte {
	t.Helper()
	in, err := d.OpenInput(name, store.IOContextDefault)
	require.NoError(t, err)
	defer in.Close()
	b := make([]byte, in.Length())
	require.NoError(t, in.ReadFull(b))
	return b
}

func rawFile(t *testing.T, dir store.Directory, name string, data []byte) {
	t.Helper()
	out, err := dir.CreateOutput(name, store.IOContextDefault)
	require.NoError(t, err)
	_, err = out.Write(data)
	require.NoError(t, err)
	require.NoError(t, out.Close())
}

func TestWriteAndOpen(t *testing.T) {
	dir := store.NewRAMDirectory()
	defer dir.Close()
	logger := zaptest.NewLogger(t)

	w, err := NewWriter(dir, "seg.cfs", WithLogger(logger))
	require.NoError(t, err)
	writeMember(t, w, "a", []byte{1, 2, 3})
	writeMember(t, w, "b", []byte{0xFF})
	assert.Equal(t, []string{"a", "b"}, w.ListAll())
	length, err := w.FileLength("a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)
	require.NoError(t, w.Close())

	names, err := dir.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"seg.cfe", "seg.cfs"}, names)

	cfs, err := Open(dir, "seg.cfs", store.IOContextDefault, WithLogger(logger))
	require.NoError(t, err)
	defer cfs.Close()
	assert.Equal(t, VersionCurrent, cfs.Version())
	assert.False(t, cfs.Legacy())

	names, err = cfs.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, []byte{1, 2, 3}, readMember(t, cfs, "a"))
	assert.Equal(t, []byte{0xFF}, readMember(t, cfs, "b"))

	length, err = cfs.FileLength("b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
	ok, err := cfs.FileExists("c")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = cfs.OpenInput("c", store.IOContextDefault)
	assert.ErrorIs(t, err, store.ErrFileNotFound)
	_, err = cfs.FileLength("c")
	assert.ErrorIs(t, err, store.ErrFileNotFound)
}

func TestSegmentNamesAreStripped(t *testing.T) {
	dir := store.NewRAMDirectory()
	defer dir.Close()

	w, err := NewWriter(dir, "_4.cfs")
	require.NoError(t, err)
	writeMember(t, w, "_4.fdt", []byte("fields"))
	writeMember(t, w, "_4_Lucene41_0.doc", []byte("postings"))

	// Two names that only differ in their segment share an id.
	_, err = w.CreateOutput("_9.fdt", store.IOContextDefault)
	assert.ErrorIs(t, err, ErrFileExists)
	_, err = w.CreateOutput("_4.fdt", store.IOContextDefault)
	assert.ErrorIs(t, err, ErrFileExists)
	require.NoError(t, w.Close())

	cfs, err := Open(dir, "_4.cfs", store.IOContextDefault)
	require.NoError(t, err)
	defer cfs.Close()

	e, ok := cfs.Entry("_4.fdt")
	require.True(t, ok)
	assert.Equal(t, int64(6), e.Length)

	names, err := cfs.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"_4.fdt", "_4_Lucene41_0.doc"}, names)
	assert.Equal(t, []byte("postings"), readMember(t, cfs, "_4_Lucene41_0.doc"))
}

func TestMemberChecksum(t *testing.T) {
	dir := store.NewRAMDirectory()
	defer dir.Close()
	w, err := NewWriter(dir, "seg.cfs")
	require.NoError(t, err)
	writeMember(t, w, "first", []byte("some leading member"))

	out, err := w.CreateOutput("second", store.IOContextDefault)
	require.NoError(t, err)
	_, err = out.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.FilePointer())
	sum, err := out.Checksum()
	require.NoError(t, err)
	assert.Equal(t, uint64(crc32.ChecksumIEEE([]byte("hello"))), sum)
	require.NoError(t, out.Close())

	// Closing twice is a no-op, writing after close fails.
	require.NoError(t, out.Close())
	assert.ErrorIs(t, out.WriteByte(1), store.ErrAlreadyClosed)
	require.NoError(t, w.Close())
}

func TestConcurrentOutputsSpill(t *testing.T) {
	dir := store.NewRAMDirectory()
	defer dir.Close()
	w, err := NewWriter(dir, "seg.cfs", WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	direct, err := w.CreateOutput("direct", store.IOContextDefault)
	require.NoError(t, err)
	_, err = direct.Write([]byte("written in place"))
	require.NoError(t, err)

	// The data file is busy, so this member goes to a file of its own.
	spilled, err := w.CreateOutput("spilled", store.IOContextDefault)
	require.NoError(t, err)
	_, err = spilled.Write([]byte("written aside"))
	require.NoError(t, err)
	require.NoError(t, spilled.Close())

	ok, err := dir.FileExists("spilled")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, w.Close(), ErrPendingOutputs)

	require.NoError(t, direct.Close())
	ok, err = dir.FileExists("spilled")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, w.Close())

	cfs, err := Open(dir, "seg.cfs", store.IOContextDefault)
	require.NoError(t, err)
	defer cfs.Close()
	assert.Equal(t, []byte("written in place"), readMember(t, cfs, "direct"))
	assert.Equal(t, []byte("written aside"), readMember(t, cfs, "spilled"))

	d, _ := cfs.Entry("direct")
	s, _ := cfs.Entry("spilled")
	assert.Equal(t, d.Offset+d.Length, s.Offset)
}

func TestAddCopiesFromDirectory(t *testing.T) {
	src := store.NewRAMDirectory()
	defer src.Close()
	rawFile(t, src, "_2.tim", []byte("terms dictionary"))

	dir := store.NewRAMDirectory()
	defer dir.Close()
	w, err := NewWriter(dir, "_2.cfs")
	require.NoError(t, err)
	require.NoError(t, w.Add(src, "_2.tim", store.FlushContext(16)))
	assert.ErrorIs(t, w.Add(src, "missing", store.IOContextDefault), store.ErrFileNotFound)
	assert.True(t, w.FileExists("_2.tim"))
	require.NoError(t, w.Close())

	cfs, err := Open(dir, "_2.cfs", store.IOContextDefault)
	require.NoError(t, err)
	defer cfs.Close()
	assert.Equal(t, []byte("terms dictionary"), readMember(t, cfs, "_2.tim"))
}

func TestSealing(t *testing.T) {
	dir := store.NewRAMDirectory()
	defer dir.Close()

	_, err := NewWriter(dir, "")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	w, err := NewWriter(dir, "seg.cfs")
	require.NoError(t, err)
	out, err := w.CreateOutput("a", store.IOContextDefault)
	require.NoError(t, err)
	assert.ErrorIs(t, w.Close(), ErrPendingOutputs)
	require.NoError(t, out.Close())

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), ErrAlreadySealed)
	_, err = w.CreateOutput("b", store.IOContextDefault)
	assert.ErrorIs(t, err, ErrAlreadySealed)
}

func TestEmptyContainer(t *testing.T) {
	dir := store.NewRAMDirectory()
	defer dir.Close()
	w, err := NewWriter(dir, "seg.cfs")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	cfs, err := Open(dir, "seg.cfs", store.IOContextDefault)
	require.NoError(t, err)
	names, err := cfs.ListAll()
	require.NoError(t, err)
	assert.Empty(t, names)
	require.NoError(t, cfs.Close())

	_, err = cfs.ListAll()
	assert.ErrorIs(t, err, store.ErrAlreadyClosed)
	_, err = cfs.OpenInput("a", store.IOContextDefault)
	assert.ErrorIs(t, err, store.ErrAlreadyClosed)
}

func TestOpenDetectsCorruption(t *testing.T) {
	dir := store.NewRAMDirectory()
	defer dir.Close()
	w, err := NewWriter(dir, "seg.cfs")
	require.NoError(t, err)
	writeMember(t, w, "a", []byte("a member long enough to flip a byte in"))
	require.NoError(t, w.Close())

	data := readMember(t, dir, "seg.cfs")
	entries := readMember(t, dir, "seg.cfe")

	t.Run("data file", func(t *testing.T) {
		corrupt := store.NewRAMDirectory()
		defer corrupt.Close()
		b := append([]byte(nil), data...)
		b[len(b)/2] ^= 0x20
		rawFile(t, corrupt, "seg.cfs", b)
		rawFile(t, corrupt, "seg.cfe", entries)

		_, err := Open(corrupt, "seg.cfs", store.IOContextDefault)
		assert.ErrorIs(t, err, store.ErrCorruptIndex)
	})

	t.Run("entry table", func(t *testing.T) {
		corrupt := store.NewRAMDirectory()
		defer corrupt.Close()
		b := append([]byte(nil), entries...)
		b[len(b)-20] ^= 0x01
		rawFile(t, corrupt, "seg.cfs", data)
		rawFile(t, corrupt, "seg.cfe", b)

		_, err := Open(corrupt, "seg.cfs", store.IOContextDefault)
		assert.ErrorIs(t, err, store.ErrCorruptIndex)
	})

	t.Run("missing entry table", func(t *testing.T) {
		partial := store.NewRAMDirectory()
		defer partial.Close()
		rawFile(t, partial, "seg.cfs", data)

		_, err := Open(partial, "seg.cfs", store.IOContextDefault)
		assert.ErrorIs(t, err, store.ErrFileNotFound)
	})

	t.Run("bad magic", func(t *testing.T) {
		corrupt := store.NewRAMDirectory()
		defer corrupt.Close()
		b := append([]byte(nil), data...)
		b[2] = 0
		rawFile(t, corrupt, "seg.cfs", b)
		rawFile(t, corrupt, "seg.cfe", entries)

		_, err := Open(corrupt, "seg.cfs", store.IOContextDefault)
		assert.ErrorIs(t, err, store.ErrCorruptIndex)
	})
}

func TestOpenLegacyWithSegmentNames(t *testing.T) {
	dir := store.NewRAMDirectory()
	defer dir.Close()

	// Table: count, then offset and id per entry. The table takes 31 bytes,
	// so the members start right after it.
	out, err := dir.CreateOutput("_1.cfs", store.IOContextDefault)
	require.NoError(t, err)
	require.NoError(t, store.WriteVInt32(out, 2))
	require.NoError(t, store.WriteInt64(out, 31))
	require.NoError(t, store.WriteString(out, "_1.fdt"))
	require.NoError(t, store.WriteInt64(out, 34))
	require.NoError(t, store.WriteString(out, "_1.fdx"))
	require.Equal(t, int64(31), out.FilePointer())
	_, err = out.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, out.Close())

	cfs, err := Open(dir, "_1.cfs", store.IOContextDefault)
	require.NoError(t, err)
	defer cfs.Close()
	assert.True(t, cfs.Legacy())
	assert.Equal(t, VersionStart, cfs.Version())

	names, err := cfs.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"_1.fdt", "_1.fdx"}, names)
	assert.Equal(t, []byte{1, 2, 3}, readMember(t, cfs, "_1.fdt"))
	assert.Equal(t, []byte{4, 5}, readMember(t, cfs, "_1.fdx"))
}

func TestOpenLegacyWithoutSegmentNames(t *testing.T) {
	dir := store.NewRAMDirectory()
	defer dir.Close()

	// -1 as a vint, then the count and entries with bare ids.
	out, err := dir.CreateOutput("_5.cfs", store.IOContextDefault)
	require.NoError(t, err)
	_, err = out.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F})
	require.NoError(t, err)
	require.NoError(t, store.WriteVInt32(out, 1))
	require.NoError(t, store.WriteInt64(out, 17))
	require.NoError(t, store.WriteString(out, ".x"))
	require.Equal(t, int64(17), out.FilePointer())
	_, err = out.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	cfs, err := Open(dir, "_5.cfs", store.IOContextDefault)
	require.NoError(t, err)
	defer cfs.Close()
	assert.True(t, cfs.Legacy())
	names, err := cfs.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"_5.x"}, names)
	assert.Equal(t, []byte("data"), readMember(t, cfs, "_5.x"))
}

func TestOpenLegacyRejectsBadTables(t *testing.T) {
	tests := map[string][]byte{
		// -2 as a vint is an unknown format.
		"unknown format": {0xFE, 0xFF, 0xFF, 0xFF, 0x0F, 0},
		// One entry pointing past the end of the file.
		"offset past end": {1, 0, 0, 0, 0, 0, 0, 0x10, 0, 1, 'a'},
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			dir := store.NewRAMDirectory()
			defer dir.Close()
			rawFile(t, dir, "_0.cfs", b)
			_, err := Open(dir, "_0.cfs", store.IOContextDefault)
			assert.ErrorIs(t, err, store.ErrCorruptIndex)
		})
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "_1.cfs", FileName("_1", DataExtension))
	assert.Equal(t, "segments", FileName("segments", ""))
	assert.Equal(t, "_1.cfe", EntriesFileName("_1.cfs"))
	assert.Equal(t, "seg.cfe", EntriesFileName("seg.cfs"))

	tests := []struct {
		name, stripped, segment string
	}{
		{"_1.cfs", ".cfs", "_1"},
		{"_1_2.pos", "_2.pos", "_1"},
		{"_1_Lucene41_0.doc", "_Lucene41_0.doc", "_1"},
		{"a", "a", "a"},
		{"segments_2", "_2", "segments"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.stripped, StripSegmentName(tt.name), tt.name)
		assert.Equal(t, tt.segment, ParseSegmentName(tt.name), tt.name)
	}
}

// faultyDirectory fails CreateOutput once for names in failCreate, and hands
// out outputs whose Close fails for names in failClose.
type faultyDirectory struct {
	store.Directory
	failCreate map[string]error
	failClose  map[string]error
}

func (d *faultyDirectory) CreateOutput(name string, ctx store.IOContext) (store.IndexOutput, error) {
	if err, ok := d.failCreate[name]; ok {
		delete(d.failCreate, name)
		return nil, err
	}
	out, err := d.Directory.CreateOutput(name, ctx)
	if err != nil {
		return nil, err
	}
	if err, ok := d.failClose[name]; ok {
		return &failingCloseOutput{IndexOutput: out, err: err}, nil
	}
	return out, nil
}

type failingCloseOutput struct {
	store.IndexOutput
	err error
}

func (o *failingCloseOutput) Close() error {
	_ = o.IndexOutput.Close()
	return o.err
}

func TestWriterRecoversFromFailedDataFile(t *testing.T) {
	ram := store.NewRAMDirectory()
	defer ram.Close()
	diskFull := errors.New("disk full")
	dir := &faultyDirectory{Directory: ram, failCreate: map[string]error{"x.cfs": diskFull}}

	w, err := NewWriter(dir, "x.cfs")
	require.NoError(t, err)
	_, err = w.CreateOutput("a", store.IOContextDefault)
	assert.ErrorIs(t, err, diskFull)
	assert.False(t, w.FileExists("a"))

	// The data file slot was handed back, so the retry writes in place.
	writeMember(t, w, "a", []byte("after the failure"))
	ok, err := ram.FileExists("a")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, w.Close())

	cfs, err := Open(ram, "x.cfs", store.IOContextDefault)
	require.NoError(t, err)
	defer cfs.Close()
	assert.Equal(t, []byte("after the failure"), readMember(t, cfs, "a"))
}

func TestWriterForgetsFailedSpill(t *testing.T) {
	ram := store.NewRAMDirectory()
	defer ram.Close()
	closeFailed := errors.New("close failed")
	dir := &faultyDirectory{Directory: ram, failClose: map[string]error{"spilled": closeFailed}}

	w, err := NewWriter(dir, "seg.cfs", WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	direct, err := w.CreateOutput("direct", store.IOContextDefault)
	require.NoError(t, err)
	_, err = direct.Write([]byte("kept"))
	require.NoError(t, err)

	spilled, err := w.CreateOutput("spilled", store.IOContextDefault)
	require.NoError(t, err)
	_, err = spilled.Write([]byte("lost"))
	require.NoError(t, err)
	assert.ErrorIs(t, spilled.Close(), closeFailed)

	// The failed member is dropped along with its partial file.
	assert.False(t, w.FileExists("spilled"))
	ok, err := ram.FileExists("spilled")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, direct.Close())
	require.NoError(t, w.Close())

	cfs, err := Open(ram, "seg.cfs", store.IOContextDefault)
	require.NoError(t, err)
	defer cfs.Close()
	names, err := cfs.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"direct"}, names)
}

type tableEntry struct {
	id             string
	offset, length int64
}

// writeTable writes a checksummed entry table holding entries.
func writeTable(t *testing.T, dir store.Directory, name string, entries []tableEntry) {
	t.Helper()
	out, err := dir.CreateOutput(name, store.IOContextDefault)
	require.NoError(t, err)
	require.NoError(t, codec.WriteHeader(out, EntryCodec, VersionCurrent))
	require.NoError(t, store.WriteVInt32(out, int32(len(entries))))
	for _, e := range entries {
		require.NoError(t, store.WriteString(out, e.id))
		require.NoError(t, store.WriteInt64(out, e.offset))
		require.NoError(t, store.WriteInt64(out, e.length))
	}
	require.NoError(t, codec.WriteFooter(out))
	require.NoError(t, out.Close())
}

func TestOpenRejectsBadEntryRanges(t *testing.T) {
	src := store.NewRAMDirectory()
	defer src.Close()
	w, err := NewWriter(src, "seg.cfs")
	require.NoError(t, err)
	writeMember(t, w, "a", []byte{1, 2, 3})
	require.NoError(t, w.Close())
	data := readMember(t, src, "seg.cfs")

	start := int64(codec.HeaderLength(DataCodec))
	tests := map[string][]tableEntry{
		"past the end":      {{"a", start, 1000}},
		"into the footer":   {{"a", start, 4}},
		"inside the header": {{"a", 0, 3}},
		"negative length":   {{"a", start, -1}},
		"overlapping":       {{"a", start, 2}, {"b", start + 1, 2}},
		"negative offset":   {{"a", -5, 3}},
	}
	for name, entries := range tests {
		t.Run(name, func(t *testing.T) {
			dir := store.NewRAMDirectory()
			defer dir.Close()
			rawFile(t, dir, "seg.cfs", data)
			writeTable(t, dir, "seg.cfe", entries)

			_, err := Open(dir, "seg.cfs", store.IOContextDefault)
			assert.ErrorIs(t, err, store.ErrCorruptIndex)
		})
	}

	// The same layout written by hand is accepted.
	dir := store.NewRAMDirectory()
	defer dir.Close()
	rawFile(t, dir, "seg.cfs", data)
	writeTable(t, dir, "seg.cfe", []tableEntry{{"a", start, 1}, {"b", start + 1, 2}})
	cfs, err := Open(dir, "seg.cfs", store.IOContextDefault)
	require.NoError(t, err)
	defer cfs.Close()
	assert.Equal(t, []byte{2, 3}, readMember(t, cfs, "b"))
}

func TestOpenLegacyRejectsDescendingOffsets(t *testing.T) {
	dir := store.NewRAMDirectory()
	defer dir.Close()

	// The table takes 27 bytes; "_1.a" at 40 would run to "_1.b" at 30.
	out, err := dir.CreateOutput("_1.cfs", store.IOContextDefault)
	require.NoError(t, err)
	require.NoError(t, store.WriteVInt32(out, 2))
	require.NoError(t, store.WriteInt64(out, 40))
	require.NoError(t, store.WriteString(out, "_1.a"))
	require.NoError(t, store.WriteInt64(out, 30))
	require.NoError(t, store.WriteString(out, "_1.b"))
	require.Equal(t, int64(27), out.FilePointer())
	_, err = out.Write(make([]byte, 23))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	_, err = Open(dir, "_1.cfs", store.IOContextDefault)
	assert.ErrorIs(t, err, store.ErrCorruptIndex)
}

func TestOpenLegacyRejectsOffsetInsideTable(t *testing.T) {
	dir := store.NewRAMDirectory()
	defer dir.Close()

	out, err := dir.CreateOutput("_1.cfs", store.IOContextDefault)
	require.NoError(t, err)
	require.NoError(t, store.WriteVInt32(out, 1))
	require.NoError(t, store.WriteInt64(out, 3))
	require.NoError(t, store.WriteString(out, "_1.a"))
	_, err = out.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	_, err = Open(dir, "_1.cfs", store.IOContextDefault)
	assert.ErrorIs(t, err, store.ErrCorruptIndex)
}

func TestForeignSegmentNameIsListedUnderContainer(t *testing.T) {
	dir := store.NewRAMDirectory()
	defer dir.Close()
	w, err := NewWriter(dir, "seg.cfs")
	require.NoError(t, err)
	writeMember(t, w, "foo_bar", []byte("x"))
	require.NoError(t, w.Close())

	cfs, err := Open(dir, "seg.cfs", store.IOContextDefault)
	require.NoError(t, err)
	defer cfs.Close()
	names, err := cfs.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"seg_bar"}, names)
	assert.Equal(t, []byte("x"), readMember(t, cfs, "seg_bar"))
}
