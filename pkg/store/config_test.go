package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(`
type: mmap
path: /var/lib/index
lock_factory: native
checksum: xxh64
max_chunk_size: 1048576
direct_io_min_bytes: 10485760
merge_write_mb_per_sec: 20
nrt_cache:
  max_merge_size_mb: 5
  max_cached_mb: 60
`))
	require.NoError(t, err)
	assert.Equal(t, Config{
		Type:               "mmap",
		Path:               "/var/lib/index",
		LockFactory:        "native",
		Checksum:           "xxh64",
		MaxChunkSize:       1 << 20,
		DirectIOMinBytes:   10 << 20,
		MergeWriteMBPerSec: 20,
		NRTCache:           &NRTCacheConfig{MaxMergeSizeMB: 5, MaxCachedMB: 60},
	}, cfg)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := map[string]string{
		"unknown key":      "type: ram\nflavour: vanilla\n",
		"unknown type":     "type: tape\n",
		"missing path":     "type: mmap\n",
		"bad lock factory": "type: ram\nlock_factory: hope\n",
		"bad checksum":     "type: ram\nchecksum: md5\n",
		"negative rate":    "type: ram\nmerge_write_mb_per_sec: -1\n",
		"negative cache":   "type: ram\nnrt_cache:\n  max_cached_mb: -1\n",
		"ram native locks": "type: ram\nlock_factory: native\n",
	}
	for name, doc := range tests {
		_, err := LoadConfig(strings.NewReader(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadConfigEmpty(t *testing.T) {
	// An empty document is a fs directory without a path.
	_, err := LoadConfig(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	cfg, err := LoadConfig(strings.NewReader("type: ram\n"))
	require.NoError(t, err)
	assert.Equal(t, "ram", cfg.Type)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.yaml")
	require.NoError(t, os.WriteFile(path, []byte("type: simplefs\npath: /tmp/x\n"), 0644))
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "simplefs", cfg.Type)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOpenConfig(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		check func(t *testing.T, dir Directory)
	}{
		{
			name: "ram",
			cfg:  Config{Type: "ram"},
			check: func(t *testing.T, dir Directory) {
				assert.IsType(t, &RAMDirectory{}, dir)
				assert.IsType(t, &SingleInstanceLockFactory{}, dir.LockFactory())
			},
		},
		{
			name: "simplefs",
			cfg:  Config{Type: "simplefs", LockFactory: "simple"},
			check: func(t *testing.T, dir Directory) {
				assert.IsType(t, &SimpleFSDirectory{}, dir)
				assert.IsType(t, &SimpleFSLockFactory{}, dir.LockFactory())
			},
		},
		{
			name: "mmap",
			cfg:  Config{Type: "mmap", MaxChunkSize: 1 << 16},
			check: func(t *testing.T, dir Directory) {
				require.IsType(t, &MMapDirectory{}, dir)
				assert.Equal(t, int64(1<<16), dir.(*MMapDirectory).MaxChunkSize())
				assert.IsType(t, &NativeFSLockFactory{}, dir.LockFactory())
			},
		},
		{
			name: "rate limited",
			cfg:  Config{Type: "simplefs", MergeWriteMBPerSec: 50, LockFactory: "none"},
			check: func(t *testing.T, dir Directory) {
				require.IsType(t, &RateLimitedDirectory{}, dir)
				assert.Equal(t, 50.0, dir.(*RateLimitedDirectory).MaxWriteMBPerSec(ContextMerge))
				assert.IsType(t, &NoLockFactory{}, dir.LockFactory())
			},
		},
		{
			name: "nrt over rate limited",
			cfg: Config{
				Type:               "fs",
				MergeWriteMBPerSec: 50,
				NRTCache:           &NRTCacheConfig{MaxMergeSizeMB: 1, MaxCachedMB: 8},
			},
			check: func(t *testing.T, dir Directory) {
				require.IsType(t, &NRTCachingDirectory{}, dir)
				assert.IsType(t, &RateLimitedDirectory{}, dir.(*NRTCachingDirectory).Delegate())
			},
		},
		{
			name: "xxh64 checksums",
			cfg:  Config{Type: "ram", Checksum: "xxh64"},
			check: func(t *testing.T, dir Directory) {
				out, err := dir.CreateOutput("f", IOContextDefault)
				require.NoError(t, err)
				defer out.Close()
				assert.Equal(t, ChecksumXXH64, out.ChecksumAlgorithm())
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cfg.Type != "ram" {
				tt.cfg.Path = t.TempDir()
			}
			dir, err := Open(tt.cfg)
			require.NoError(t, err)
			defer dir.Close()
			tt.check(t, dir)

			writeFile(t, dir, "probe", []byte("probe"))
			assert.Equal(t, []byte("probe"), readFile(t, dir, "probe"))
		})
	}
}

func TestOpenConfigSeparateLockDir(t *testing.T) {
	lockDir := t.TempDir()
	dir, err := Open(Config{Type: "ram", LockFactory: "simple", LockDir: lockDir})
	require.NoError(t, err)
	defer dir.Close()

	l, err := dir.MakeLock("write.lock")
	require.NoError(t, err)
	ok, err := l.Obtain()
	require.NoError(t, err)
	require.True(t, ok)
	defer l.Release()
	_, err = os.Stat(filepath.Join(lockDir, "write.lock"))
	assert.NoError(t, err)
}
