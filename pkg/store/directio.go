package store

import (
	"path/filepath"

	"go.uber.org/zap"

	"flagstone/internal/storage"
)

// useDirectIO reports whether a stream of about size bytes opened with ctx
// should bypass the page cache.
func (d *FSDirectory) useDirectIO(ctx IOContext, size int64) bool {
	return d.opts.directMinBytes > 0 && ctx.Context == ContextMerge && size >= d.opts.directMinBytes
}

// createDirect opens path for O_DIRECT writing. ok is false when the file
// system refuses O_DIRECT; the caller then writes through the page cache.
func (d *FSDirectory) createDirect(path string) (*storage.Writer, bool) {
	w, err := storage.NewWriter(path, storage.DefaultBlocks)
	if err != nil {
		d.opts.logger.Warn("direct I/O unavailable, writing through page cache", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	return w, true
}

// openDirect opens name with O_DIRECT if ctx and the file's size call for
// it. ok is false when the caller should open the file normally.
func (d *FSDirectory) openDirect(name string, ctx IOContext) (in IndexInput, ok bool, err error) {
	if d.opts.directMinBytes <= 0 || ctx.Context != ContextMerge {
		return nil, false, nil
	}
	length, err := d.FileLength(name)
	if err != nil {
		return nil, false, err
	}
	if !d.useDirectIO(ctx, length) {
		return nil, false, nil
	}

	path := filepath.Join(d.path, name)
	r, err := storage.OpenReader(path, storage.DefaultBlocks)
	if err != nil {
		d.opts.logger.Warn("direct I/O unavailable, reading through page cache", zap.String("path", path), zap.Error(err))
		return nil, false, nil
	}
	return d.openBuffered("DirectIndexInput(path="+path+")", r, r.Size(), ctx), true, nil
}
