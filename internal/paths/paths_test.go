package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildDir(t *testing.T) {
	dir := BuildDir("myproject", "default", "local")
	assert.Equal(t, filepath.Join(CacheDir(), "builds", "myproject", "default", "local"), dir)
	assert.True(t, IsCachePath(dir))
}

func TestBuildDirSanitizes(t *testing.T) {
	dir := BuildDir("../escape", "a/b", "")
	assert.True(t, IsCachePath(dir))
	assert.Equal(t, filepath.Join(CacheDir(), "builds", "__escape", "a_b", "_"), dir)
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		path string
		want bool
	}{
		{"child", "/a/b", "/a/b/c", true},
		{"nested", "/a/b", "/a/b/c/d", true},
		{"same", "/a/b", "/a/b", false},
		{"parent", "/a/b", "/a", false},
		{"sibling", "/a/b", "/a/bc", false},
		{"dotdot", "/a/b", "/a/b/../c", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWithin(tt.dir, tt.path))
		})
	}
}

func TestFiles(t *testing.T) {
	assert.Equal(t, "config.toml", filepath.Base(ConfigFile()))
	assert.Equal(t, "history.db", filepath.Base(HistoryDB()))
}

func TestOverrides(t *testing.T) {
	cache := t.TempDir()
	data := t.TempDir()
	SetCacheDir(cache)
	SetDataDir(data)
	t.Cleanup(func() {
		SetCacheDir("")
		SetDataDir("")
	})

	assert.Equal(t, cache, CacheDir())
	assert.Equal(t, filepath.Join(data, "history.db"), HistoryDB())
	assert.True(t, IsCachePath(BuildDir("p", "c", "d")))

	SetCacheDir("")
	assert.NotEqual(t, cache, CacheDir())
}
