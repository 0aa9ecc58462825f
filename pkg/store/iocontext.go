package store

// Context is the kind of work a stream is opened for.
type Context int

const (
	ContextDefault Context = iota
	ContextRead
	ContextFlush
	ContextMerge
)

func (c Context) String() string {
	switch c {
	case ContextRead:
		return "read"
	case ContextFlush:
		return "flush"
	case ContextMerge:
		return "merge"
	default:
		return "default"
	}
}

const (
	// BufferSize is the input buffer size for random access.
	BufferSize = 1024
	// MergeBufferSize is the input buffer size for merges, which read
	// sequentially and benefit from larger refills.
	MergeBufferSize = 4096
	// MinBufferSize is the smallest accepted input buffer size.
	MinBufferSize = 8
	// DefaultOutputBufferSize is the default output buffer size.
	DefaultOutputBufferSize = 8192
)

// IOContext describes why a file is being opened or created. Directories use
// it to size buffers, route merge I/O through direct I/O, decide what to
// cache and what to rate limit.
type IOContext struct {
	Context  Context
	ReadOnce bool
	// MergeSize is the expected size in bytes of a merge output.
	MergeSize int64
	// FlushSize is the expected size in bytes of a flushed output.
	FlushSize int64
	// BufferSize overrides the input buffer size when positive.
	BufferSize int
}

var (
	IOContextDefault  = IOContext{}
	IOContextRead     = IOContext{Context: ContextRead}
	IOContextReadOnce = IOContext{Context: ContextRead, ReadOnce: true}
)

// MergeContext returns the context for a merge producing about size bytes.
func MergeContext(size int64) IOContext {
	return IOContext{Context: ContextMerge, MergeSize: size}
}

// FlushContext returns the context for a flush producing about size bytes.
func FlushContext(size int64) IOContext {
	return IOContext{Context: ContextFlush, FlushSize: size}
}

// InputBufferSize returns the buffer size an input opened with c uses.
func (c IOContext) InputBufferSize() int {
	switch {
	case c.BufferSize > 0:
		return max(c.BufferSize, MinBufferSize)
	case c.Context == ContextMerge:
		return MergeBufferSize
	default:
		return BufferSize
	}
}

// expectedSize is the size hint carried by c, or zero.
func (c IOContext) expectedSize() int64 {
	switch c.Context {
	case ContextMerge:
		return c.MergeSize
	case ContextFlush:
		return c.FlushSize
	default:
		return 0
	}
}
