package appconfig

// FileConfig represents the raw config.toml contents.
// All fields are pointers to distinguish "not set" from "set to zero/false".
type FileConfig struct {
	Build   FileBuildConfig   `toml:"build"`
	Workers FileWorkersConfig `toml:"workers"`
	Log     FileLogConfig     `toml:"log"`
	Paths   FilePathsConfig   `toml:"paths"`
	Metrics FileMetricsConfig `toml:"metrics"`
	History FileHistoryConfig `toml:"history"`
}

// FileBuildConfig is the TOML representation of BuildConfig.
// Durations are strings since TOML cannot decode directly to time.Duration.
type FileBuildConfig struct {
	Parallelism    *int    `toml:"parallelism"`
	WritebackDelay *string `toml:"writeback_delay"`
	DefaultPhase   *string `toml:"default_phase"`
}

type FileWorkersConfig struct {
	Compiler *int `toml:"compiler"`
	Indexer  *int `toml:"indexer"`
}

type FileLogConfig struct {
	Level *string `toml:"level"`
}

type FilePathsConfig struct {
	CacheDir *string `toml:"cache_dir"`
	DataDir  *string `toml:"data_dir"`
}

type FileMetricsConfig struct {
	Address *string `toml:"address"`
}

type FileHistoryConfig struct {
	Keep *int `toml:"keep"`
}

// IsEmpty returns true if no configuration values are set.
func (f *FileConfig) IsEmpty() bool {
	return f.Build.Parallelism == nil &&
		f.Build.WritebackDelay == nil &&
		f.Build.DefaultPhase == nil &&
		f.Workers.Compiler == nil &&
		f.Workers.Indexer == nil &&
		f.Log.Level == nil &&
		f.Paths.CacheDir == nil &&
		f.Paths.DataDir == nil &&
		f.Metrics.Address == nil &&
		f.History.Keep == nil
}
