package compound

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"flagstone/pkg/codec"
	"flagstone/pkg/store"
)

// Directory is a sealed container opened for reading. Its members can be
// listed and read but never created, deleted or renamed.
type Directory struct {
	name    string
	segment string
	version int32
	legacy  bool
	handle  store.IndexInput
	entries map[string]FileEntry
	closed  atomic.Bool
	logger  *zap.Logger
}

var _ store.ReadOnlyDirectory = (*Directory)(nil)

// Open opens the container name in dir. The entry table and the footer of
// the data file are verified before Open returns. Containers whose table is
// embedded in the data file are recognised and read as well.
func Open(dir store.ReadOnlyDirectory, name string, ctx store.IOContext, opts ...Option) (_ *Directory, retErr error) {
	o := newOptions(opts)
	handle, err := dir.OpenInput(name, ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			retErr = multierror.Append(retErr, handle.Close())
		}
	}()

	d := &Directory{
		name:    name,
		segment: ParseSegmentName(name),
		handle:  handle,
		logger:  o.logger,
	}

	firstInt, err := readLegacyVInt(handle)
	if err != nil {
		return nil, err
	}
	if firstInt == magicByte1 {
		var rest [3]byte
		if err := handle.ReadFull(rest[:]); err != nil {
			return nil, err
		}
		if rest != [3]byte{magicByte2, magicByte3, magicByte4} {
			return nil, store.NewCorruptIndexError(handle.String(), "illegal/impossible header for CFS file: %#x,%#x,%#x", rest[0], rest[1], rest[2])
		}
		if d.version, err = codec.CheckHeaderNoMagic(handle, DataCodec, VersionStart, VersionCurrent); err != nil {
			return nil, err
		}
		if d.entries, err = readEntries(dir, EntriesFileName(name), d.version); err != nil {
			return nil, err
		}
		end := handle.Length()
		if d.version >= VersionChecksum {
			end -= codec.FooterLength
		}
		if err := checkEntries(handle.String(), d.entries, handle.FilePointer(), end); err != nil {
			return nil, err
		}
		if d.version >= VersionChecksum {
			if _, err := codec.ChecksumEntireFile(handle); err != nil {
				return nil, err
			}
		}
	} else {
		d.legacy = true
		if d.entries, err = readLegacyEntries(handle, firstInt); err != nil {
			return nil, err
		}
		if err := checkEntries(handle.String(), d.entries, handle.FilePointer(), handle.Length()); err != nil {
			return nil, err
		}
	}
	o.logger.Debug("opened compound file", zap.String("cfs", name), zap.Int32("version", d.version),
		zap.Bool("legacy", d.legacy), zap.Int("members", len(d.entries)))
	return d, nil
}

// readLegacyVInt decodes a vint without rejecting negative values, which
// legacy data files use as a format marker.
func readLegacyVInt(in store.IndexInput) (int32, error) {
	var v uint32
	for shift := uint(0); shift <= 28; shift += 7 {
		b, err := in.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return int32(v), nil
		}
	}
	return 0, store.NewCorruptIndexError(in.String(), "invalid vInt detected (too many bits)")
}

func readEntries(dir store.ReadOnlyDirectory, name string, version int32) (_ map[string]FileEntry, retErr error) {
	raw, err := dir.OpenInput(name, store.IOContextReadOnce)
	if err != nil {
		return nil, err
	}
	var in *store.ChecksumInput
	if version >= VersionChecksum {
		if in, err = codec.OpenChecksumInput(raw); err != nil {
			return nil, multierror.Append(err, raw.Close())
		}
	} else {
		in = store.NewChecksumInput(raw, store.ChecksumCRC32)
	}
	defer func() {
		if err := in.Close(); err != nil {
			retErr = multierror.Append(retErr, err)
		}
	}()

	if _, err := codec.CheckHeader(in, EntryCodec, VersionStart, VersionCurrent); err != nil {
		return nil, err
	}
	n, err := store.ReadVInt32(in)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]FileEntry, min(int(n), 1024))
	for i := int32(0); i < n; i++ {
		id, err := store.ReadString(in)
		if err != nil {
			return nil, err
		}
		if _, ok := entries[id]; ok {
			return nil, store.NewCorruptIndexError(in.String(), "duplicate cfs entry id=%s", id)
		}
		var e FileEntry
		if e.Offset, err = store.ReadInt64(in); err != nil {
			return nil, err
		}
		if e.Length, err = store.ReadInt64(in); err != nil {
			return nil, err
		}
		entries[id] = e
	}
	if version >= VersionChecksum {
		_, err = codec.CheckFooter(in)
	} else {
		err = codec.CheckEOF(in)
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// readLegacyEntries reads a table embedded at the start of the data file.
// firstInt is either the entry count, in which case ids carry the segment
// name, or -1 followed by the count of ids without it. Each entry runs up to
// the next one's offset, the last to the end of the file.
func readLegacyEntries(in store.IndexInput, firstInt int32) (map[string]FileEntry, error) {
	var count int32
	strip := true
	if firstInt < formatPreVersion {
		if firstInt < formatNoSegmentPrefix {
			return nil, store.NewCorruptIndexError(in.String(), "incompatible format version: %d expected >= %d", firstInt, formatNoSegmentPrefix)
		}
		var err error
		if count, err = store.ReadVInt32(in); err != nil {
			return nil, err
		}
		strip = false
	} else {
		count = firstInt
	}

	streamLength := in.Length()
	entries := make(map[string]FileEntry, min(int(count), 1024))
	var prevID string
	var prev *FileEntry
	for i := int32(0); i < count; i++ {
		offset, err := store.ReadInt64(in)
		if err != nil {
			return nil, err
		}
		if offset < 0 || offset > streamLength {
			return nil, store.NewCorruptIndexError(in.String(), "invalid CFS entry offset: %d", offset)
		}
		id, err := store.ReadString(in)
		if err != nil {
			return nil, err
		}
		if strip {
			id = StripSegmentName(id)
		}
		if prev != nil {
			prev.Length = offset - prev.Offset
			entries[prevID] = *prev
		}
		if _, ok := entries[id]; ok {
			return nil, store.NewCorruptIndexError(in.String(), "duplicate cfs entry id=%s", id)
		}
		prevID, prev = id, &FileEntry{Offset: offset}
		entries[id] = *prev
	}
	if prev != nil {
		prev.Length = streamLength - prev.Offset
		entries[prevID] = *prev
	}
	return entries, nil
}

// checkEntries verifies that every entry lies within [start, end) of the
// data file and that no two entries overlap.
func checkEntries(resource string, entries map[string]FileEntry, start, end int64) error {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := entries[ids[i]], entries[ids[j]]
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return a.Length < b.Length
	})

	prevEnd, prevID := start, ""
	for i, id := range ids {
		e := entries[id]
		switch {
		case e.Length < 0:
			return store.NewCorruptIndexError(resource, "negative length %d for cfs entry %s", e.Length, id)
		case e.Offset < prevEnd && i == 0:
			return store.NewCorruptIndexError(resource, "cfs entry %s at offset %d starts before the data region at %d", id, e.Offset, start)
		case e.Offset < prevEnd:
			return store.NewCorruptIndexError(resource, "cfs entry %s at offset %d overlaps %s ending at %d", id, e.Offset, prevID, prevEnd)
		case e.Length > end-e.Offset:
			return store.NewCorruptIndexError(resource, "cfs entry %s [%d, %d) extends past the data region ending at %d", id, e.Offset, e.Offset+e.Length, end)
		}
		prevEnd, prevID = e.Offset+e.Length, id
	}
	return nil
}

func (d *Directory) ensureOpen() error {
	if d.closed.Load() {
		return errors.Wrap(store.ErrAlreadyClosed, d.String())
	}
	return nil
}

// Version returns the container's format version. Legacy containers
// report VersionStart.
func (d *Directory) Version() int32 {
	return d.version
}

// Legacy reports whether the entry table is embedded in the data file.
func (d *Directory) Legacy() bool {
	return d.legacy
}

// Entry returns where the member name lives in the data file.
func (d *Directory) Entry(name string) (FileEntry, bool) {
	e, ok := d.entries[StripSegmentName(name)]
	return e, ok
}

// ListAll returns the member names. Ids that were stored without their
// segment name get the container's segment name back.
func (d *Directory) ListAll() ([]string, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(d.entries))
	for id := range d.entries {
		if strings.HasPrefix(id, ".") || strings.HasPrefix(id, "_") {
			id = d.segment + id
		}
		names = append(names, id)
	}
	sort.Strings(names)
	return names, nil
}

func (d *Directory) FileExists(name string) (bool, error) {
	if err := d.ensureOpen(); err != nil {
		return false, err
	}
	_, ok := d.entries[StripSegmentName(name)]
	return ok, nil
}

func (d *Directory) FileLength(name string) (int64, error) {
	if err := d.ensureOpen(); err != nil {
		return 0, err
	}
	e, ok := d.entries[StripSegmentName(name)]
	if !ok {
		return 0, errors.Wrap(store.ErrFileNotFound, name)
	}
	return e.Length, nil
}

// OpenInput returns a slice of the data file covering the member. Closing
// the Directory invalidates it.
func (d *Directory) OpenInput(name string, _ store.IOContext) (store.IndexInput, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	id := StripSegmentName(name)
	e, ok := d.entries[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrFileNotFound, "no sub-file with id %s found (fileName=%s)", id, d.name)
	}
	return d.handle.Slice(name, e.Offset, e.Length)
}

func (d *Directory) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.handle.Close()
}

func (d *Directory) String() string {
	return "CompoundDirectory(file=" + d.name + ")"
}
