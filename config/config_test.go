package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojostore/api/store"
)

// TestLoad reads a full file and converts the engine section.
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojostore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  path: /tmp/data.gojo
  backend: mmap
  strategy: two-phase
  initial_size: 64MiB
  region_pages: 1024
  cache_size: 8MB
logger:
  level: debug
  format: json
telemetry:
  enabled: true
  metrics_addr: "127.0.0.1:9999"
`), 0o644))

	// 1. Every section is decoded; unset keys keep defaults.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/data.gojo", cfg.Engine.Path)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "stderr", cfg.Logger.OutputFile)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "gojostore", cfg.Telemetry.ServiceName)

	// 2. The engine section becomes store options.
	opts, err := cfg.Engine.StoreOptions()
	require.NoError(t, err)
	assert.Equal(t, store.BackendMmap, opts.Backend)
	assert.Equal(t, store.StrategyTwoPhase, opts.Strategy)
	assert.Equal(t, uint64(64<<20), opts.InitialSize)
	assert.Equal(t, uint32(1024), opts.RegionPages)
	assert.Equal(t, int64(8_000_000), opts.CacheSize)
}

// TestDefaults checks an empty file is valid.
func TestDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	opts, err := cfg.Engine.StoreOptions()
	require.NoError(t, err)
	assert.Equal(t, store.BackendFile, opts.Backend)
	assert.Equal(t, store.StrategyChecksum, opts.Strategy)
}

// TestInvalid rejects values the engine cannot use.
func TestInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"backend":      "engine: {backend: tape}",
		"strategy":     "engine: {strategy: three-phase}",
		"size":         "engine: {initial_size: lots}",
		"region pages": "engine: {region_pages: 100}",
		"small region": "engine: {region_pages: 8}",
		"unknown key":  "engine: {page_size: 8192}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
