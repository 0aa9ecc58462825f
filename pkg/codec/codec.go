// Package codec writes and verifies the header and footer that frame every
// versioned index file.
//
// A header is the int32 Magic, the codec name as a string and an int32
// version. A footer is the int32 FooterMagic, the int32 id of the checksum
// algorithm and the int64 checksum of every byte of the file before the
// checksum itself.
package codec

import (
	"fmt"

	"github.com/pkg/errors"

	"flagstone/pkg/store"
)

const (
	// Magic starts every header.
	Magic int32 = 0x3fd76c17
	// FooterMagic starts every footer.
	FooterMagic = ^Magic
	// FooterLength is the size of a footer in bytes.
	FooterLength = 16

	maxCodecNameLength = 128
)

var (
	ErrIndexFormatTooOld = errors.New("flagstone: index format too old")
	ErrIndexFormatTooNew = errors.New("flagstone: index format too new")
)

// IndexFormatError reports a version outside the range a reader supports.
// It matches store.ErrCorruptIndex as well as ErrIndexFormatTooOld or
// ErrIndexFormatTooNew.
type IndexFormatError struct {
	Resource string
	Version  int32
	Min, Max int32
}

func (e *IndexFormatError) tooOld() bool { return e.Version < e.Min }

func (e *IndexFormatError) Error() string {
	kind := "too new"
	if e.tooOld() {
		kind = "too old"
	}
	return fmt.Sprintf("format version is %s (resource: %s): %d (needs to be between %d and %d)",
		kind, e.Resource, e.Version, e.Min, e.Max)
}

func (e *IndexFormatError) Is(target error) bool {
	switch target {
	case store.ErrCorruptIndex:
		return true
	case ErrIndexFormatTooOld:
		return e.tooOld()
	case ErrIndexFormatTooNew:
		return !e.tooOld()
	}
	return false
}

func resourceOf(v any) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", v)
}

// HeaderLength returns the number of bytes WriteHeader writes for codec.
func HeaderLength(codec string) int {
	return 4 + store.VInt32Size(int32(len(codec))) + len(codec) + 4
}

// WriteHeader writes a header for codec at version. The codec name must be
// ASCII and shorter than 128 bytes.
func WriteHeader(out store.DataOutput, codec string, version int32) error {
	if len(codec) >= maxCodecNameLength {
		return errors.Wrapf(store.ErrInvalidArgument, "codec must be simple ASCII, less than 128 characters in length [got %s]", codec)
	}
	for i := 0; i < len(codec); i++ {
		if codec[i] >= 0x80 {
			return errors.Wrapf(store.ErrInvalidArgument, "codec must be simple ASCII, less than 128 characters in length [got %s]", codec)
		}
	}
	if err := store.WriteInt32(out, Magic); err != nil {
		return err
	}
	if err := store.WriteString(out, codec); err != nil {
		return err
	}
	return store.WriteInt32(out, version)
}

// CheckHeader reads and verifies a header, returning its version.
func CheckHeader(in store.DataInput, codec string, minVersion, maxVersion int32) (int32, error) {
	actual, err := store.ReadInt32(in)
	if err != nil {
		return 0, err
	}
	if actual != Magic {
		return 0, store.NewCorruptIndexError(resourceOf(in),
			"codec header mismatch: actual header=%d vs expected header=%d", actual, Magic)
	}
	return CheckHeaderNoMagic(in, codec, minVersion, maxVersion)
}

// CheckHeaderNoMagic is CheckHeader for callers that already consumed and
// checked the magic.
func CheckHeaderNoMagic(in store.DataInput, codec string, minVersion, maxVersion int32) (int32, error) {
	actual, err := store.ReadString(in)
	if err != nil {
		return 0, err
	}
	if actual != codec {
		return 0, store.NewCorruptIndexError(resourceOf(in),
			"codec mismatch: actual codec=%s vs expected codec=%s", actual, codec)
	}
	version, err := store.ReadInt32(in)
	if err != nil {
		return 0, err
	}
	if version < minVersion || version > maxVersion {
		return 0, &IndexFormatError{Resource: resourceOf(in), Version: version, Min: minVersion, Max: maxVersion}
	}
	return version, nil
}

// WriteFooter writes a footer carrying the output's running checksum.
func WriteFooter(out store.IndexOutput) error {
	if err := store.WriteInt32(out, FooterMagic); err != nil {
		return err
	}
	if err := store.WriteInt32(out, int32(out.ChecksumAlgorithm())); err != nil {
		return err
	}
	sum, err := out.Checksum()
	if err != nil {
		return err
	}
	return store.WriteInt64(out, int64(sum))
}

// validateFooter reads the footer magic and algorithm id.
func validateFooter(in store.DataInput) (store.ChecksumAlgorithm, error) {
	magic, err := store.ReadInt32(in)
	if err != nil {
		return 0, err
	}
	if magic != FooterMagic {
		return 0, store.NewCorruptIndexError(resourceOf(in),
			"codec footer mismatch: actual footer=%d vs expected footer=%d", magic, FooterMagic)
	}
	id, err := store.ReadInt32(in)
	if err != nil {
		return 0, err
	}
	alg := store.ChecksumAlgorithm(id)
	if !alg.Valid() {
		return 0, store.NewCorruptIndexError(resourceOf(in), "codec footer mismatch: unknown algorithmID: %d", id)
	}
	return alg, nil
}

// CheckFooter verifies that in is positioned exactly at the footer and that
// the footer's checksum matches what in computed. It returns the checksum.
func CheckFooter(in *store.ChecksumInput) (uint64, error) {
	remaining := in.Length() - in.FilePointer()
	switch {
	case remaining < FooterLength:
		return 0, store.NewCorruptIndexError(in.String(), "misplaced codec footer (file truncated?): remaining=%d, expected=%d", remaining, FooterLength)
	case remaining > FooterLength:
		return 0, store.NewCorruptIndexError(in.String(), "misplaced codec footer (file extended?): remaining=%d, expected=%d", remaining, FooterLength)
	}

	alg, err := validateFooter(in)
	if err != nil {
		return 0, err
	}
	if alg != in.ChecksumAlgorithm() {
		return 0, store.NewCorruptIndexError(in.String(), "checksum algorithm mismatch: footer=%s input=%s", alg, in.ChecksumAlgorithm())
	}
	actual := in.Checksum()
	expected, err := store.ReadInt64(in)
	if err != nil {
		return 0, err
	}
	if uint64(expected) != actual {
		return 0, store.NewCorruptIndexError(in.String(), "checksum failed (hardware problem?) : expected=%x actual=%x", uint64(expected), actual)
	}
	return actual, nil
}

// RetrieveChecksum returns the checksum recorded in in's footer without
// verifying it.
func RetrieveChecksum(in store.IndexInput) (uint64, error) {
	if in.Length() < FooterLength {
		return 0, store.NewCorruptIndexError(in.String(), "file too short to hold a footer: %d", in.Length())
	}
	if err := in.SeekTo(in.Length() - FooterLength); err != nil {
		return 0, err
	}
	if _, err := validateFooter(in); err != nil {
		return 0, err
	}
	sum, err := store.ReadInt64(in)
	if err != nil {
		return 0, err
	}
	return uint64(sum), nil
}

// FooterAlgorithm returns the checksum algorithm named by in's footer,
// leaving in's position unchanged.
func FooterAlgorithm(in store.IndexInput) (store.ChecksumAlgorithm, error) {
	if in.Length() < FooterLength {
		return 0, store.NewCorruptIndexError(in.String(), "file too short to hold a footer: %d", in.Length())
	}
	c := in.Clone()
	defer c.Close()
	if err := c.SeekTo(in.Length() - FooterLength); err != nil {
		return 0, err
	}
	return validateFooter(c)
}

// OpenChecksumInput wraps in, which must be positioned at 0, in a
// ChecksumInput using the algorithm its footer names.
func OpenChecksumInput(in store.IndexInput) (*store.ChecksumInput, error) {
	alg, err := FooterAlgorithm(in)
	if err != nil {
		return nil, err
	}
	return store.NewChecksumInput(in, alg), nil
}

// CheckEOF verifies that in has been read to its end. Files written before
// footers existed end with nothing to verify but this.
func CheckEOF(in interface {
	FilePointer() int64
	Length() int64
}) error {
	if in.FilePointer() != in.Length() {
		return store.NewCorruptIndexError(resourceOf(in), "did not read all bytes from file: read %d vs size %d", in.FilePointer(), in.Length())
	}
	return nil
}

// ChecksumEntireFile reads all of in, using a clone so in's position is
// kept, and verifies the footer. It returns the checksum.
func ChecksumEntireFile(in store.IndexInput) (uint64, error) {
	clone := in.Clone()
	defer clone.Close()
	if err := clone.SeekTo(0); err != nil {
		return 0, err
	}
	ci, err := OpenChecksumInput(clone)
	if err != nil {
		return 0, err
	}
	if err := ci.SeekTo(in.Length() - FooterLength); err != nil {
		return 0, err
	}
	return CheckFooter(ci)
}
