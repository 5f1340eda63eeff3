// Package config loads server configuration from defaults, an optional
// YAML file and PACS_-prefixed environment variables, in that order of
// precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/halcyonimaging/pacscore/types"
)

// Config is the full server configuration.
type Config struct {
	AETitle    string `koanf:"ae_title"`
	ListenAddr string `koanf:"listen_addr"`
	HTTPAddr   string `koanf:"http_addr"`

	Storage    StorageConfig    `koanf:"storage"`
	Timeouts   TimeoutConfig    `koanf:"timeouts"`
	Cache      CacheConfig      `koanf:"cache"`
	Window     WindowConfig     `koanf:"window"`
	Geometry   GeometryConfig   `koanf:"geometry"`
	Log        LogConfig        `koanf:"log"`
	Facilities []types.Facility `koanf:"facilities"`
}

// StorageConfig places the metadata database and pixel blobs on disk.
type StorageConfig struct {
	MetaDir string `koanf:"meta_dir"`
	BlobDir string `koanf:"blob_dir"`
}

// TimeoutConfig bounds protocol waits: how long an association may sit
// idle, how long one PDU body may take to arrive once its header is
// read, and how long a single write may block.
type TimeoutConfig struct {
	AssociationIdle time.Duration `koanf:"association_idle"`
	ObjectRead      time.Duration `koanf:"object_read"`
	Write           time.Duration `koanf:"write"`
}

// CacheConfig sizes the reconstruction cache and its worker pool.
type CacheConfig struct {
	MaxBytes int64 `koanf:"max_bytes"`
	Workers  int64 `koanf:"workers"`
	MaxQueue int64 `koanf:"max_queue"`
}

// WindowConfig tunes the auto-window percentile span for non-CT
// modalities.
type WindowConfig struct {
	LowQuantile  float64 `koanf:"low_quantile"`
	HighQuantile float64 `koanf:"high_quantile"`
}

// GeometryConfig tunes volume reconstruction strictness.
type GeometryConfig struct {
	// SpacingTolerance is the allowed relative deviation of inter-slice
	// gaps from their median.
	SpacingTolerance float64 `koanf:"spacing_tolerance"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text, json
}

func defaults() Config {
	return Config{
		AETitle:    "PACSCORE",
		ListenAddr: ":11112",
		HTTPAddr:   ":8080",
		Storage: StorageConfig{
			MetaDir: "data/meta",
			BlobDir: "data/blobs",
		},
		Timeouts: TimeoutConfig{
			AssociationIdle: 60 * time.Second,
			ObjectRead:      30 * time.Second,
			Write:           30 * time.Second,
		},
		Cache: CacheConfig{
			MaxBytes: 1 << 30,
			Workers:  2,
			MaxQueue: 8,
		},
		Window: WindowConfig{
			LowQuantile:  0.02,
			HighQuantile: 0.98,
		},
		Geometry: GeometryConfig{
			SpacingTolerance: 0.25,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. path may be empty or point to a YAML
// file; environment variables use the PACS_ prefix with underscores for
// nesting, e.g. PACS_CACHE_MAX_BYTES.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load config defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider("PACS_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "PACS_"))
		// Nest one level on the known section names; the rest of the
		// underscores belong to the key itself.
		for _, section := range []string{"storage", "timeouts", "cache", "window", "geometry", "log"} {
			if strings.HasPrefix(key, section+"_") {
				return section + "." + strings.TrimPrefix(key, section+"_")
			}
		}
		return key
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load environment config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.AETitle == "" || len(c.AETitle) > 16 {
		return fmt.Errorf("ae_title must be 1..16 characters, got %q", c.AETitle)
	}
	for _, r := range c.AETitle {
		if r < 0x20 || r > 0x7E {
			return fmt.Errorf("ae_title must be printable ASCII, got %q", c.AETitle)
		}
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Cache.MaxBytes < 0 || c.Cache.Workers < 0 || c.Cache.MaxQueue < 0 {
		return fmt.Errorf("cache limits must be non-negative")
	}
	if c.Timeouts.AssociationIdle < 0 || c.Timeouts.ObjectRead < 0 || c.Timeouts.Write < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	w := c.Window
	if w.LowQuantile <= 0 || w.HighQuantile >= 1 || w.LowQuantile >= w.HighQuantile {
		return fmt.Errorf("window quantiles must satisfy 0 < low < high < 1, got %g/%g", w.LowQuantile, w.HighQuantile)
	}
	if c.Geometry.SpacingTolerance <= 0 {
		return fmt.Errorf("geometry spacing_tolerance must be positive, got %g", c.Geometry.SpacingTolerance)
	}
	seen := make(map[string]string, len(c.Facilities))
	for _, f := range c.Facilities {
		if f.ID == "" || f.AETitle == "" {
			return fmt.Errorf("facility entries need both id and ae_title")
		}
		if len(f.AETitle) > 16 {
			return fmt.Errorf("facility %s: ae_title %q exceeds 16 characters", f.ID, f.AETitle)
		}
		if prev, dup := seen[f.AETitle]; dup {
			return fmt.Errorf("facilities %s and %s share ae_title %q", prev, f.ID, f.AETitle)
		}
		seen[f.AETitle] = f.ID
	}
	return nil
}
