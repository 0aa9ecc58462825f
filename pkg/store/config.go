package store

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config describes a directory to open. It is usually loaded from YAML:
//
//	type: mmap
//	path: /var/lib/index
//	lock_factory: native
//	checksum: crc32
//	direct_io_min_bytes: 10485760
//	merge_write_mb_per_sec: 20
//	nrt_cache:
//	  max_merge_size_mb: 5
//	  max_cached_mb: 60
type Config struct {
	// Type is one of ram, fs, simplefs or mmap. fs picks the best FS
	// directory for the platform.
	Type string `yaml:"type"`
	Path string `yaml:"path"`
	// LockFactory is one of native, simple, single or none. FS directories
	// default to native, RAM directories to single.
	LockFactory string `yaml:"lock_factory"`
	// LockDir keeps lock files outside the index directory.
	LockDir            string  `yaml:"lock_dir"`
	MaxChunkSize       int64   `yaml:"max_chunk_size"`
	DirectIOMinBytes   int64   `yaml:"direct_io_min_bytes"`
	Checksum           string  `yaml:"checksum"`
	OutputBufferSize   int     `yaml:"output_buffer_size"`
	MergeWriteMBPerSec float64 `yaml:"merge_write_mb_per_sec"`

	NRTCache *NRTCacheConfig `yaml:"nrt_cache"`
}

type NRTCacheConfig struct {
	MaxMergeSizeMB float64 `yaml:"max_merge_size_mb"`
	MaxCachedMB    float64 `yaml:"max_cached_mb"`
}

// LoadConfig decodes YAML from r. Unknown keys are an error.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decode directory config")
	}
	return cfg, cfg.Validate()
}

func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return LoadConfig(f)
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Type) {
	case "ram":
	case "", "fs", "simplefs", "mmap":
		if c.Path == "" {
			return errors.Wrap(ErrInvalidArgument, "directory config: path is required")
		}
	default:
		return errors.Wrapf(ErrInvalidArgument, "directory config: unknown type %q", c.Type)
	}
	switch strings.ToLower(c.LockFactory) {
	case "", "native", "simple", "single", "none":
	default:
		return errors.Wrapf(ErrInvalidArgument, "directory config: unknown lock factory %q", c.LockFactory)
	}
	if strings.EqualFold(c.Type, "ram") && c.LockDir == "" {
		switch strings.ToLower(c.LockFactory) {
		case "native", "simple":
			return errors.Wrapf(ErrInvalidArgument, "directory config: %s locks on a ram directory need lock_dir", c.LockFactory)
		}
	}
	if _, err := ParseChecksumAlgorithm(c.Checksum); err != nil {
		return errors.Wrap(err, "directory config")
	}
	if c.MaxChunkSize < 0 || c.DirectIOMinBytes < 0 || c.MergeWriteMBPerSec < 0 {
		return errors.Wrap(ErrInvalidArgument, "directory config: sizes and rates must not be negative")
	}
	if n := c.NRTCache; n != nil && (n.MaxMergeSizeMB < 0 || n.MaxCachedMB < 0) {
		return errors.Wrap(ErrInvalidArgument, "directory config: nrt cache sizes must not be negative")
	}
	return nil
}

// Open builds the directory cfg describes. opts are applied after the
// options derived from cfg, so they win.
func Open(cfg Config, opts ...Option) (Directory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	alg, _ := ParseChecksumAlgorithm(cfg.Checksum)
	base := []Option{
		WithChecksum(alg),
		WithMaxChunkSize(cfg.MaxChunkSize),
		WithDirectIO(cfg.DirectIOMinBytes),
		WithOutputBufferSize(cfg.OutputBufferSize),
	}
	o := newOptions(append(base, opts...))
	if lf := cfg.lockFactory(o); lf != nil {
		base = append(base, WithLockFactory(lf))
	}
	opts = append(base, opts...)

	var dir Directory
	var err error
	switch strings.ToLower(cfg.Type) {
	case "ram":
		dir = NewRAMDirectory(opts...)
	case "simplefs":
		dir, err = NewSimpleFSDirectory(cfg.Path, opts...)
	case "mmap":
		dir, err = NewMMapDirectory(cfg.Path, opts...)
	default:
		dir, err = OpenFS(cfg.Path, opts...)
	}
	if err != nil {
		return nil, err
	}

	if cfg.MergeWriteMBPerSec > 0 {
		rl := NewRateLimitedDirectory(dir)
		rl.SetMaxWriteMBPerSec(cfg.MergeWriteMBPerSec, ContextMerge)
		dir = rl
	}
	if n := cfg.NRTCache; n != nil {
		dir = NewNRTCachingDirectory(dir, n.MaxMergeSizeMB, n.MaxCachedMB, opts...)
	}
	return dir, nil
}

// lockFactory returns the factory named by cfg, or nil to keep the
// directory's default.
func (c Config) lockFactory(o options) LockFactory {
	lockDir := c.LockDir
	switch strings.ToLower(c.LockFactory) {
	case "native":
		return NewNativeFSLockFactory(lockDir, WithLockRegistry(o.lockRegistry), WithLogger(o.logger))
	case "simple":
		return NewSimpleFSLockFactory(lockDir)
	case "single":
		return NewSingleInstanceLockFactory()
	case "none":
		return &NoLockFactory{}
	}
	if lockDir != "" {
		return NewNativeFSLockFactory(lockDir, WithLockRegistry(o.lockRegistry), WithLogger(o.logger))
	}
	return nil
}
