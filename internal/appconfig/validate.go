package appconfig

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/altuslabsxyz/devbuild/internal/pipeline"
)

// ValidLogLevels are the allowed log level values.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration and returns an error if invalid.
func Validate(cfg *Config) error {
	var errs []string

	if !slices.Contains(ValidLogLevels, cfg.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log level %q (must be one of: %s)",
			cfg.Log.Level, strings.Join(ValidLogLevels, ", ")))
	}

	if cfg.Build.Parallelism < 0 {
		errs = append(errs, "parallelism must be non-negative")
	}
	if cfg.Build.WritebackDelay < 0 {
		errs = append(errs, "writeback_delay must be non-negative")
	}
	if p, err := pipeline.ParsePhase(cfg.Build.DefaultPhase); err != nil || !p.IsBase() {
		errs = append(errs, fmt.Sprintf("invalid default_phase %q", cfg.Build.DefaultPhase))
	}

	if cfg.Workers.Compiler < 0 {
		errs = append(errs, "compiler workers must be non-negative")
	}
	if cfg.Workers.Indexer < 1 {
		errs = append(errs, "indexer workers must be at least 1")
	}

	if cfg.Paths.CacheDir == "" {
		errs = append(errs, "cache_dir must not be empty")
	}
	if cfg.Paths.DataDir == "" {
		errs = append(errs, "data_dir must not be empty")
	}

	if cfg.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Address); err != nil {
			errs = append(errs, fmt.Sprintf("invalid metrics address %q", cfg.Metrics.Address))
		}
	}

	if cfg.History.Keep < 0 {
		errs = append(errs, "history keep must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
