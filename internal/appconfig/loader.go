package appconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/altuslabsxyz/devbuild/internal/paths"
)

// Environment variable names
const (
	EnvParallelism    = "DEVBUILD_PARALLELISM"
	EnvWritebackDelay = "DEVBUILD_WRITEBACK_DELAY"
	EnvDefaultPhase   = "DEVBUILD_DEFAULT_PHASE"
	EnvCompiler       = "DEVBUILD_COMPILER_WORKERS"
	EnvIndexer        = "DEVBUILD_INDEXER_WORKERS"
	EnvLogLevel       = "DEVBUILD_LOG_LEVEL"
	EnvCacheDir       = "DEVBUILD_CACHE_DIR"
	EnvDataDir        = "DEVBUILD_DATA_DIR"
	EnvMetricsAddress = "DEVBUILD_METRICS_ADDR"
	EnvHistoryKeep    = "DEVBUILD_HISTORY_KEEP"
)

// Loader loads configuration from file, environment, and applies defaults.
type Loader struct {
	configPath string
}

// NewLoader creates a loader. An empty configPath means paths.ConfigFile().
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Path returns the config file the loader reads.
func (l *Loader) Path() string {
	if l.configPath == "" {
		return paths.ConfigFile()
	}
	return l.configPath
}

// Load loads configuration with priority: defaults < file < env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	fileCfg, err := l.loadFile()
	if err != nil {
		return nil, err
	}
	if fileCfg != nil {
		if err := mergeFileConfig(cfg, fileCfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", l.Path(), err)
		}
	}

	applyEnvVars(cfg)

	return cfg, nil
}

// loadFile returns nil if no config file exists.
func (l *Loader) loadFile() (*FileConfig, error) {
	configPath := l.Path()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fileCfg FileConfig
	if err := toml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("invalid TOML in %s: %w", configPath, err)
	}

	return &fileCfg, nil
}

// mergeFileConfig merges non-nil FileConfig values into Config.
func mergeFileConfig(cfg *Config, file *FileConfig) error {
	// Build
	if file.Build.Parallelism != nil {
		cfg.Build.Parallelism = *file.Build.Parallelism
	}
	if file.Build.WritebackDelay != nil {
		d, err := time.ParseDuration(*file.Build.WritebackDelay)
		if err != nil {
			return fmt.Errorf("build.writeback_delay: %w", err)
		}
		cfg.Build.WritebackDelay = d
	}
	if file.Build.DefaultPhase != nil {
		cfg.Build.DefaultPhase = *file.Build.DefaultPhase
	}

	// Workers
	if file.Workers.Compiler != nil {
		cfg.Workers.Compiler = *file.Workers.Compiler
	}
	if file.Workers.Indexer != nil {
		cfg.Workers.Indexer = *file.Workers.Indexer
	}

	if file.Log.Level != nil {
		cfg.Log.Level = *file.Log.Level
	}

	// Paths
	if file.Paths.CacheDir != nil {
		cfg.Paths.CacheDir = *file.Paths.CacheDir
	}
	if file.Paths.DataDir != nil {
		cfg.Paths.DataDir = *file.Paths.DataDir
	}

	if file.Metrics.Address != nil {
		cfg.Metrics.Address = *file.Metrics.Address
	}
	if file.History.Keep != nil {
		cfg.History.Keep = *file.History.Keep
	}
	return nil
}

// applyEnvVars applies environment variable overrides to config.
func applyEnvVars(cfg *Config) {
	if v := os.Getenv(EnvParallelism); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Build.Parallelism = i
		}
	}
	if v := os.Getenv(EnvWritebackDelay); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Build.WritebackDelay = d
		}
	}
	if v := os.Getenv(EnvDefaultPhase); v != "" {
		cfg.Build.DefaultPhase = v
	}
	if v := os.Getenv(EnvCompiler); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Compiler = i
		}
	}
	if v := os.Getenv(EnvIndexer); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Indexer = i
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvCacheDir); v != "" {
		cfg.Paths.CacheDir = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := os.Getenv(EnvMetricsAddress); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv(EnvHistoryKeep); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.History.Keep = i
		}
	}
}

// Marshal encodes cfg as TOML.
func Marshal(cfg *Config) ([]byte, error) {
	file := FileConfig{
		Build: FileBuildConfig{
			Parallelism:    &cfg.Build.Parallelism,
			WritebackDelay: ptr(cfg.Build.WritebackDelay.String()),
			DefaultPhase:   &cfg.Build.DefaultPhase,
		},
		Workers: FileWorkersConfig{
			Compiler: &cfg.Workers.Compiler,
			Indexer:  &cfg.Workers.Indexer,
		},
		Log: FileLogConfig{Level: &cfg.Log.Level},
		Paths: FilePathsConfig{
			CacheDir: &cfg.Paths.CacheDir,
			DataDir:  &cfg.Paths.DataDir,
		},
		Metrics: FileMetricsConfig{Address: &cfg.Metrics.Address},
		History: FileHistoryConfig{Keep: &cfg.History.Keep},
	}
	data, err := toml.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

func ptr[T any](v T) *T { return &v }
