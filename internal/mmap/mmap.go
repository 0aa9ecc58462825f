package mmap

import (
	"fmt"
	"os"

	"github.com/tysonmote/gommap"
)

// PageSize is the granularity mapping offsets must be aligned to.
var PageSize = int64(os.Getpagesize())

// Map maps size bytes of f starting at offset read-only into memory. The
// offset must be a multiple of PageSize. The mapping stays valid after f is
// closed and must be released with Free.
func Map(f *os.File, offset, size int64) ([]byte, error) {
	if size < 1 {
		return nil, fmt.Errorf("mmap: invalid size; size must be greater than 0: %d", size)
	}
	if offset%PageSize != 0 {
		return nil, fmt.Errorf("mmap: offset %d is not aligned to page size %d", offset, PageSize)
	}

	data, err := gommap.MapRegion(f.Fd(), offset, size, gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: map %s at %d (%d bytes): %w", f.Name(), offset, size, err)
	}
	return data, nil
}

// Free unmaps a region returned by Map. The slice must not be used
// afterwards.
func Free(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return gommap.MMap(data).UnsafeUnmap()
}
