// Package config loads the YAML configuration of gojostore binaries.
//
//	engine:
//	  path: /var/lib/gojostore/data.gojo
//	  backend: file
//	  strategy: two-phase
//	  initial_size: 64MiB
//	  region_pages: 4096
//	  cache_size: 32MiB
//	logger:
//	  level: info
//	  format: console
//	telemetry:
//	  enabled: true
//	  service_name: gojostore
//	  metrics_addr: ":9464"
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojostore/api/store"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/metapage"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

// ErrInvalid reports a config value that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Config is the whole file.
type Config struct {
	Engine    EngineConfig     `yaml:"engine"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// EngineConfig selects and shapes the database file. Sizes accept units such
// as "64MiB" or "1GB".
type EngineConfig struct {
	Path        string `yaml:"path"`
	Backend     string `yaml:"backend"`
	Strategy    string `yaml:"strategy"`
	InitialSize string `yaml:"initial_size"`
	RegionPages uint32 `yaml:"region_pages"`
	CacheSize   string `yaml:"cache_size"`
}

// Default returns the settings used for missing keys.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Path:     "data.gojo",
			Backend:  string(flushmanager.BackendFile),
			Strategy: metapage.StrategyChecksum.String(),
		},
		Logger: logger.Config{Level: "info", Format: "console", OutputFile: "stderr"},
		Telemetry: telemetry.Config{
			ServiceName: logger.DefaultService,
			MetricsAddr: ":9464",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// an empty file decodes to io.EOF and keeps the defaults
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := cfg.Engine.StoreOptions(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StoreOptions converts the engine section. Logger and telemetry are left for
// the caller to attach.
func (e EngineConfig) StoreOptions() (store.Options, error) {
	var opts store.Options
	backend, err := flushmanager.ParseBackendType(e.Backend)
	if err != nil {
		return opts, fmt.Errorf("%w: engine.backend: %v", ErrInvalid, err)
	}
	strategy, err := metapage.ParseStrategy(e.Strategy)
	if err != nil {
		return opts, fmt.Errorf("%w: engine.strategy: %v", ErrInvalid, err)
	}
	initial, err := parseSize("engine.initial_size", e.InitialSize)
	if err != nil {
		return opts, err
	}
	cache, err := parseSize("engine.cache_size", e.CacheSize)
	if err != nil {
		return opts, err
	}
	if cache > 1<<62 {
		return opts, fmt.Errorf("%w: engine.cache_size %s is too large", ErrInvalid, e.CacheSize)
	}
	if rp := e.RegionPages; rp != 0 && (rp < pagemanager.MinRegionPages || bits.OnesCount32(rp) != 1) {
		return opts, fmt.Errorf("%w: engine.region_pages must be a power of two of at least %d, got %d",
			ErrInvalid, pagemanager.MinRegionPages, rp)
	}
	return store.Options{
		Backend:     backend,
		Strategy:    strategy,
		InitialSize: initial,
		RegionPages: e.RegionPages,
		CacheSize:   int64(cache),
	}, nil
}

func parseSize(field, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, field, err)
	}
	return n, nil
}
