// Package paths resolves the per-user directories devbuild reads and writes.
package paths

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/adrg/xdg"
)

// AppName is the directory name used under each XDG base directory.
const AppName = "devbuild"

var (
	mu       sync.RWMutex
	cacheDir string
	dataDir  string
)

// CacheDir returns the devbuild cache directory.
func CacheDir() string {
	mu.RLock()
	defer mu.RUnlock()
	if cacheDir != "" {
		return cacheDir
	}
	return filepath.Join(xdg.CacheHome, AppName)
}

// DataDir returns the devbuild data directory.
func DataDir() string {
	mu.RLock()
	defer mu.RUnlock()
	if dataDir != "" {
		return dataDir
	}
	return filepath.Join(xdg.DataHome, AppName)
}

// SetCacheDir overrides the cache directory. An empty dir restores the XDG
// default.
func SetCacheDir(dir string) {
	mu.Lock()
	defer mu.Unlock()
	cacheDir = dir
}

// SetDataDir overrides the data directory. An empty dir restores the XDG
// default.
func SetDataDir(dir string) {
	mu.Lock()
	defer mu.Unlock()
	dataDir = dir
}

// ConfigDir returns the devbuild config directory.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// ConfigFile returns the default application config file path.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// HistoryDB returns the path of the build history database.
func HistoryDB() string {
	return filepath.Join(DataDir(), "history.db")
}

// BuildDir returns the build directory for a project, configuration and
// device: <cache>/devbuild/builds/<project>/<config>/<device>.
func BuildDir(project, configID, deviceID string) string {
	return filepath.Join(CacheDir(), "builds", sanitize(project), sanitize(configID), sanitize(deviceID))
}

// IsCachePath reports whether path is strictly inside the devbuild cache
// directory.
func IsCachePath(path string) bool {
	return IsWithin(CacheDir(), path)
}

// IsWithin reports whether path is strictly inside dir.
func IsWithin(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func sanitize(name string) string {
	if name == "" {
		return "_"
	}
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(name)
}
