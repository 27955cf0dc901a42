// Package appconfig loads the devbuild application settings.
package appconfig

import (
	"time"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
	"github.com/altuslabsxyz/devbuild/internal/history"
	"github.com/altuslabsxyz/devbuild/internal/paths"
)

// Config is the application configuration.
// Priority: defaults < config file < environment variables < CLI flags
type Config struct {
	Build   BuildConfig   `toml:"build"`
	Workers WorkersConfig `toml:"workers"`
	Log     LogConfig     `toml:"log"`
	Paths   PathsConfig   `toml:"paths"`
	Metrics MetricsConfig `toml:"metrics"`
	History HistoryConfig `toml:"history"`
}

// BuildConfig holds build defaults.
type BuildConfig struct {
	// Parallelism is the default job count for new configurations; zero
	// means one job per CPU.
	Parallelism    int           `toml:"parallelism"`
	WritebackDelay time.Duration `toml:"writeback_delay"`
	DefaultPhase   string        `toml:"default_phase"`
}

// WorkersConfig sizes the background pools.
type WorkersConfig struct {
	Compiler int `toml:"compiler"` // zero = NumCPU
	Indexer  int `toml:"indexer"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// PathsConfig overrides the XDG directories.
type PathsConfig struct {
	CacheDir string `toml:"cache_dir"`
	DataDir  string `toml:"data_dir"`
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	Address string `toml:"address"` // empty = disabled
}

// HistoryConfig holds build history settings.
type HistoryConfig struct {
	Keep int `toml:"keep"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Build: BuildConfig{
			Parallelism:    0,
			WritebackDelay: configuration.DefaultWritebackDelay,
			DefaultPhase:   "build",
		},
		Workers: WorkersConfig{
			Compiler: 0,
			Indexer:  1,
		},
		Log: LogConfig{
			Level: "info",
		},
		Paths: PathsConfig{
			CacheDir: paths.CacheDir(),
			DataDir:  paths.DataDir(),
		},
		History: HistoryConfig{
			Keep: history.DefaultKeep,
		},
	}
}

// Apply installs the directory overrides.
func (c *Config) Apply() {
	paths.SetCacheDir(c.Paths.CacheDir)
	paths.SetDataDir(c.Paths.DataDir)
}
