package store

import "go.uber.org/zap"

type options struct {
	logger           *zap.Logger
	lockFactory      LockFactory
	lockRegistry     *LockRegistry
	checksum         ChecksumAlgorithm
	maxChunkSize     int64
	directMinBytes   int64
	outputBufferSize int
}

// Option configures a directory or lock factory. Options a constructor has
// no use for are ignored.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		logger:           zap.NewNop(),
		outputBufferSize: DefaultOutputBufferSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLockFactory replaces the directory's default lock factory.
func WithLockFactory(lf LockFactory) Option {
	return func(o *options) {
		o.lockFactory = lf
	}
}

// WithLockRegistry sets the registry native locks use to detect lock files
// already held by this process. Factories share DefaultLockRegistry unless
// told otherwise.
func WithLockRegistry(r *LockRegistry) Option {
	return func(o *options) {
		o.lockRegistry = r
	}
}

// WithChecksum selects the running checksum outputs compute.
func WithChecksum(alg ChecksumAlgorithm) Option {
	return func(o *options) {
		o.checksum = alg
	}
}

// WithMaxChunkSize bounds the size of a single memory-mapped region. It is
// rounded down to a power of two.
func WithMaxChunkSize(n int64) Option {
	return func(o *options) {
		o.maxChunkSize = n
	}
}

// WithDirectIO routes merge inputs and outputs of at least minBytes through
// O_DIRECT so merges do not evict the page cache. Zero disables it.
func WithDirectIO(minBytes int64) Option {
	return func(o *options) {
		o.directMinBytes = minBytes
	}
}

func WithOutputBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.outputBufferSize = n
		}
	}
}
