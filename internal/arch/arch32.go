//go:build 386 || arm

package arch

// Is64Bit reports whether the platform has a 64-bit address space. Memory
// mapping whole index files is only the default where this holds.
const Is64Bit = false

// MaxChunkSize is the default upper bound on a single mapped region. It is
// kept small on 32-bit platforms where address space fragments quickly.
const MaxChunkSize = 1 << 28
