//go:build !(386 || arm)

package arch

// Is64Bit reports whether the platform has a 64-bit address space. Memory
// mapping whole index files is only the default where this holds.
const Is64Bit = true

// MaxChunkSize is the default upper bound on a single mapped region. Files
// larger than this are mapped as several regions.
const MaxChunkSize = 1 << 30
