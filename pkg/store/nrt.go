package store

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// segmentsGen is never cached: it is rewritten in place and must always be
// read from durable storage.
const segmentsGen = "segments.gen"

const mb = 1024 * 1024

// NRTCachingDirectory writes small newly flushed or merged files to a RAM
// directory in front of a delegate. Cached files move to the delegate when
// they are synced or the directory is closed, so a near-real-time reader can
// open fresh segments without paying for their durability first.
type NRTCachingDirectory struct {
	delegate Directory
	cache    *RAMDirectory
	closed   atomic.Bool

	maxMergeSizeBytes int64
	maxCachedBytes    int64

	// mu serializes creating outputs with moving files out of the cache.
	mu     sync.Mutex
	logger *zap.Logger
}

var _ Directory = (*NRTCachingDirectory)(nil)

// NewNRTCachingDirectory caches outputs whose expected size is at most
// maxMergeSizeMB, as long as the cache stays under maxCachedMB.
func NewNRTCachingDirectory(delegate Directory, maxMergeSizeMB, maxCachedMB float64, opts ...Option) *NRTCachingDirectory {
	o := newOptions(opts)
	return &NRTCachingDirectory{
		delegate:          delegate,
		cache:             NewRAMDirectory(WithChecksum(o.checksum), WithOutputBufferSize(o.outputBufferSize), WithLogger(o.logger)),
		maxMergeSizeBytes: int64(maxMergeSizeMB * mb),
		maxCachedBytes:    int64(maxCachedMB * mb),
		logger:            o.logger,
	}
}

// Delegate returns the directory cached files end up in.
func (d *NRTCachingDirectory) Delegate() Directory {
	return d.delegate
}

func (d *NRTCachingDirectory) ensureOpen() error {
	if d.closed.Load() {
		return alreadyClosed(d.String())
	}
	return nil
}

// CachedFiles lists the files currently held in memory.
func (d *NRTCachingDirectory) CachedFiles() ([]string, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	return d.cache.ListAll()
}

// SizeInBytes returns the memory used by cached files.
func (d *NRTCachingDirectory) SizeInBytes() int64 {
	return d.cache.SizeInBytes()
}

// ListAll returns files from both the cache and the delegate. A file in
// both is an error: it means the two copies may differ.
func (d *NRTCachingDirectory) ListAll() ([]string, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	cached, err := d.cache.ListAll()
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(cached))
	for _, name := range cached {
		names[name] = struct{}{}
	}
	delegated, err := d.delegate.ListAll()
	if err != nil && !(errors.Is(err, ErrNoSuchDirectory) && len(cached) > 0) {
		return nil, err
	}
	for _, name := range delegated {
		if _, ok := names[name]; ok {
			return nil, errors.Errorf("file %s exists both in cache and in delegate directory %s", name, d.delegate)
		}
		names[name] = struct{}{}
	}

	all := make([]string, 0, len(names))
	for name := range names {
		all = append(all, name)
	}
	sort.Strings(all)
	return all, nil
}

func (d *NRTCachingDirectory) FileExists(name string) (bool, error) {
	if err := d.ensureOpen(); err != nil {
		return false, err
	}
	if ok, _ := d.cache.FileExists(name); ok {
		return true, nil
	}
	return d.delegate.FileExists(name)
}

func (d *NRTCachingDirectory) FileLength(name string) (int64, error) {
	if err := d.ensureOpen(); err != nil {
		return 0, err
	}
	if ok, _ := d.cache.FileExists(name); ok {
		return d.cache.FileLength(name)
	}
	return d.delegate.FileLength(name)
}

func (d *NRTCachingDirectory) DeleteFile(name string) error {
	if err := d.ensureOpen(); err != nil {
		return err
	}
	if ok, _ := d.cache.FileExists(name); ok {
		return d.cache.DeleteFile(name)
	}
	return d.delegate.DeleteFile(name)
}

// doCacheWrite decides whether an output opened with ctx goes to the
// cache.
func (d *NRTCachingDirectory) doCacheWrite(name string, ctx IOContext) bool {
	bytes := ctx.expectedSize()
	return name != segmentsGen &&
		bytes <= d.maxMergeSizeBytes &&
		bytes+d.cache.SizeInBytes() <= d.maxCachedBytes
}

func (d *NRTCachingDirectory) CreateOutput(name string, ctx IOContext) (IndexOutput, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.doCacheWrite(name, ctx) {
		if err := d.delegate.DeleteFile(name); err != nil && !errors.Is(err, ErrFileNotFound) && !errors.Is(err, ErrNoSuchDirectory) {
			return nil, err
		}
		d.logger.Debug("caching output", zap.String("name", name), zap.Stringer("context", ctx.Context))
		return d.cache.CreateOutput(name, ctx)
	}
	if ok, _ := d.cache.FileExists(name); ok {
		if err := d.cache.DeleteFile(name); err != nil {
			return nil, err
		}
	}
	return d.delegate.CreateOutput(name, ctx)
}

func (d *NRTCachingDirectory) OpenInput(name string, ctx IOContext) (IndexInput, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	if ok, _ := d.cache.FileExists(name); ok {
		return d.cache.OpenInput(name, ctx)
	}
	return d.delegate.OpenInput(name, ctx)
}

// Sync moves the named files out of the cache and syncs them in the
// delegate.
func (d *NRTCachingDirectory) Sync(names []string) error {
	if err := d.ensureOpen(); err != nil {
		return err
	}
	for _, name := range names {
		if err := d.unCache(name); err != nil {
			return err
		}
	}
	return d.delegate.Sync(names)
}

func (d *NRTCachingDirectory) unCache(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ok, _ := d.cache.FileExists(name); !ok {
		return nil
	}
	if ok, err := d.delegate.FileExists(name); err != nil {
		return err
	} else if ok {
		return errors.Errorf("cannot uncache file %s: it was separately also created in the delegate directory", name)
	}
	if err := Copy(d.cache, d.delegate, name, name, IOContextDefault); err != nil {
		return err
	}
	d.logger.Debug("uncached file", zap.String("name", name))
	return d.cache.DeleteFile(name)
}

func (d *NRTCachingDirectory) MakeLock(name string) (Lock, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	return d.delegate.MakeLock(name)
}

func (d *NRTCachingDirectory) ClearLock(name string) error {
	if err := d.ensureOpen(); err != nil {
		return err
	}
	return d.delegate.ClearLock(name)
}

func (d *NRTCachingDirectory) LockFactory() LockFactory {
	return d.delegate.LockFactory()
}

func (d *NRTCachingDirectory) LockID() string {
	return d.delegate.LockID()
}

// Close moves every cached file to the delegate and closes both
// directories.
func (d *NRTCachingDirectory) Close() error {
	if d.closed.Load() {
		return nil
	}
	var result *multierror.Error
	cached, err := d.cache.ListAll()
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, name := range cached {
		if err := d.unCache(name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	d.closed.Store(true)
	if err := d.cache.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.delegate.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (d *NRTCachingDirectory) String() string {
	return "NRTCachingDirectory(" + describe(d.delegate) + ")"
}
