package store

import (
	"math/bits"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"flagstone/internal/arch"
	"flagstone/internal/mmap"
)

// MMapDirectory maps files into memory read-only and reads them through a
// ChunkedInput. Files larger than the maximum chunk size are mapped as
// several regions. Writes go through the page cache like every FSDirectory.
type MMapDirectory struct {
	*FSDirectory
	chunkPower uint
}

var _ Directory = (*MMapDirectory)(nil)

func NewMMapDirectory(path string, opts ...Option) (*MMapDirectory, error) {
	fsd, err := newFSDirectory(path, opts)
	if err != nil {
		return nil, err
	}
	maxChunk := fsd.opts.maxChunkSize
	if maxChunk <= 0 {
		maxChunk = arch.MaxChunkSize
	}
	return &MMapDirectory{
		FSDirectory: fsd,
		chunkPower:  uint(bits.Len64(uint64(maxChunk)) - 1),
	}, nil
}

// MaxChunkSize returns the size of each chunk files are split into.
func (d *MMapDirectory) MaxChunkSize() int64 {
	return 1 << d.chunkPower
}

func (d *MMapDirectory) OpenInput(name string, ctx IOContext) (IndexInput, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	if in, ok, err := d.openDirect(name, ctx); ok || err != nil {
		return in, err
	}

	path := filepath.Join(d.path, name)
	f, length, err := openForRead(path, name)
	if err != nil {
		return nil, err
	}
	// The mapping outlives the descriptor.
	defer f.Close()

	chunks, regions, err := mapChunks(f, length, d.chunkPower)
	if err != nil {
		return nil, err
	}
	d.opts.logger.Debug("mapped file", zap.String("path", path), zap.Int64("length", length), zap.Int("regions", len(regions)))

	var id uint64
	in, err := NewChunkedInput("MMapIndexInput(path="+path+")", chunks, d.chunkPower, length, func() error {
		d.handles.remove(id)
		return unmapAll(regions)
	})
	if err != nil {
		return nil, multierror.Append(err, unmapAll(regions))
	}
	id = d.handles.add(in)
	return in, nil
}

func (d *MMapDirectory) String() string {
	return "MMapDirectory@" + d.path
}

// mapChunks maps f into regions and cuts them into length>>power+1 chunks.
// Regions are at least a page long since mappings must start on a page
// boundary; both sizes are powers of two, so no chunk spans two regions. If
// any mapping fails, everything mapped so far is unmapped.
func mapChunks(f *os.File, length int64, power uint) (chunks, regions [][]byte, err error) {
	chunkSize := int64(1) << power
	regionSize := max(chunkSize, mmap.PageSize)

	defer func() {
		if err != nil {
			err = multierror.Append(err, unmapAll(regions))
			regions = nil
		}
	}()
	for off := int64(0); off < length; off += regionSize {
		region, mapErr := mmap.Map(f, off, min(regionSize, length-off))
		if mapErr != nil {
			return nil, regions, errors.Wrapf(mapErr, "map %s", f.Name())
		}
		regions = append(regions, region)
	}

	chunks = make([][]byte, length>>power+1)
	for i := range chunks {
		start := int64(i) << power
		if start >= length {
			chunks[i] = []byte{}
			continue
		}
		end := min(start+chunkSize, length)
		region := regions[start/regionSize]
		rs := start % regionSize
		chunks[i] = region[rs : rs+end-start]
	}
	return chunks, regions, nil
}

func unmapAll(regions [][]byte) error {
	var result *multierror.Error
	for _, r := range regions {
		if err := mmap.Free(r); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
