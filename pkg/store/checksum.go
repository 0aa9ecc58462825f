package store

import (
	"hash"
	"hash/crc32"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// ChecksumAlgorithm identifies the running checksum of a stream. The value
// is persisted in file footers.
type ChecksumAlgorithm int32

const (
	ChecksumCRC32 ChecksumAlgorithm = 0
	ChecksumXXH64 ChecksumAlgorithm = 1
)

func (a ChecksumAlgorithm) String() string {
	switch a {
	case ChecksumCRC32:
		return "crc32"
	case ChecksumXXH64:
		return "xxh64"
	default:
		return "unknown"
	}
}

func (a ChecksumAlgorithm) Valid() bool {
	return a == ChecksumCRC32 || a == ChecksumXXH64
}

// New returns a fresh digest for a.
func (a ChecksumAlgorithm) New() hash.Hash64 {
	if a == ChecksumXXH64 {
		return xxhash.New()
	}
	return crc32Hash{crc32.NewIEEE()}
}

// ParseChecksumAlgorithm parses the names returned by String. The empty
// string selects CRC-32.
func ParseChecksumAlgorithm(s string) (ChecksumAlgorithm, error) {
	switch strings.ToLower(s) {
	case "", "crc32":
		return ChecksumCRC32, nil
	case "xxh64", "xxhash":
		return ChecksumXXH64, nil
	}
	return 0, errors.Wrapf(ErrInvalidArgument, "unknown checksum algorithm %q", s)
}

type crc32Hash struct {
	hash.Hash32
}

func (h crc32Hash) Sum64() uint64 {
	return uint64(h.Sum32())
}

// ChecksumInput reads forward through an IndexInput and maintains a running
// checksum over every byte read. It cannot be cloned, sliced, or seeked
// backwards.
type ChecksumInput struct {
	main   IndexInput
	alg    ChecksumAlgorithm
	digest hash.Hash64
	one    [1]byte
}

// NewChecksumInput wraps main, which should be positioned at 0.
func NewChecksumInput(main IndexInput, alg ChecksumAlgorithm) *ChecksumInput {
	return &ChecksumInput{main: main, alg: alg, digest: alg.New()}
}

func (c *ChecksumInput) ReadByte() (byte, error) {
	b, err := c.main.ReadByte()
	if err != nil {
		return 0, err
	}
	c.one[0] = b
	_, _ = c.digest.Write(c.one[:])
	return b, nil
}

func (c *ChecksumInput) ReadFull(b []byte) error {
	if err := c.main.ReadFull(b); err != nil {
		return err
	}
	_, _ = c.digest.Write(b)
	return nil
}

// Checksum returns the checksum of every byte read so far.
func (c *ChecksumInput) Checksum() uint64 {
	return c.digest.Sum64()
}

func (c *ChecksumInput) ChecksumAlgorithm() ChecksumAlgorithm {
	return c.alg
}

func (c *ChecksumInput) FilePointer() int64 {
	return c.main.FilePointer()
}

func (c *ChecksumInput) Length() int64 {
	return c.main.Length()
}

// SeekTo moves forward to pos by reading, and checksumming, the skipped
// bytes.
func (c *ChecksumInput) SeekTo(pos int64) error {
	cur := c.main.FilePointer()
	if pos < cur {
		return errors.Wrapf(ErrUnsupported, "%s cannot seek backwards (pos=%d filePointer=%d)", c, pos, cur)
	}
	bp := copyBuffers.Get().(*[]byte)
	defer copyBuffers.Put(bp)
	buf := *bp
	for skip := pos - cur; skip > 0; {
		chunk := buf[:min(int64(len(buf)), skip)]
		if err := c.ReadFull(chunk); err != nil {
			return err
		}
		skip -= int64(len(chunk))
	}
	return nil
}

func (c *ChecksumInput) Close() error {
	return c.main.Close()
}

func (c *ChecksumInput) String() string {
	return "ChecksumInput(" + c.main.String() + ")"
}
