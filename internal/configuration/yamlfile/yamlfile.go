// Package yamlfile persists build configurations in a project's
// .devbuild.yaml file and reloads them when the file is edited externally.
package yamlfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"gopkg.in/yaml.v3"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
)

// FileName is the configuration file looked up in the project directory.
const FileName = ".devbuild.yaml"

// reloadDelay coalesces the burst of events an editor produces on save.
const reloadDelay = 100 * time.Millisecond

// File is the document stored in FileName.
type File struct {
	Configurations []Entry `yaml:"configurations"`
}

// Entry is one configuration in the file. Optional scalars are pointers so
// an absent field keeps the configuration default.
type Entry struct {
	ID                  string            `yaml:"id"`
	Name                string            `yaml:"name,omitempty"`
	Runtime             string            `yaml:"runtime,omitempty"`
	Device              string            `yaml:"device,omitempty"`
	AppID               string            `yaml:"app-id,omitempty"`
	Prefix              string            `yaml:"prefix,omitempty"`
	ConfigOpts          string            `yaml:"config-opts,omitempty"`
	Env                 map[string]string `yaml:"env,omitempty"`
	ConfigCommands      []string          `yaml:"config-commands,omitempty"`
	BuildCommands       []string          `yaml:"build-commands,omitempty"`
	PostInstallCommands []string          `yaml:"post-install-commands,omitempty"`
	Parallelism         *int              `yaml:"parallelism,omitempty"`
	Debug               *bool             `yaml:"debug,omitempty"`
	Locality            string            `yaml:"locality,omitempty"`
	Internal            map[string]any    `yaml:"internal,omitempty"`
}

// Options configures a Provider.
type Options struct {
	// Dir is the project directory holding FileName.
	Dir string

	// Watch reloads the file when it changes on disk.
	Watch bool

	Logger *slog.Logger
}

// Provider loads and saves configurations from FileName.
type Provider struct {
	path   string
	watch  bool
	logger *slog.Logger

	mu      sync.Mutex
	manager *configuration.Manager
	owned   map[string]*configuration.Configuration
	written []byte

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a provider for the project in opts.Dir.
func New(opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		path:   filepath.Join(opts.Dir, FileName),
		watch:  opts.Watch,
		logger: logger,
		owned:  make(map[string]*configuration.Configuration),
	}
}

func (p *Provider) Name() string { return "yaml" }

// Path returns the file the provider reads and writes.
func (p *Provider) Path() string { return p.path }

// Load reads the file and adds its configurations to m. A missing file is
// not an error.
func (p *Provider) Load(ctx context.Context, m *configuration.Manager) error {
	data, err := os.ReadFile(p.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", p.path, err)
	}

	var settings []configuration.Settings
	if len(data) > 0 {
		settings, err = Decode(data)
		if err != nil {
			return fmt.Errorf("invalid configuration file %s: %w", p.path, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.manager = m
	p.written = data
	p.mu.Unlock()

	for _, s := range settings {
		c := configuration.FromSettings(s)
		p.mu.Lock()
		p.owned[c.ID()] = c
		p.mu.Unlock()
		m.AddFrom(p, c)
	}
	p.logger.Debug("loaded configurations", "path", p.path, "count", len(settings))

	if p.watch {
		if err := p.startWatcher(); err != nil {
			p.logger.Warn("failed to watch configuration file", "path", p.path, "error", err)
		}
	}
	return nil
}

// Save writes configs to the file. The file is not created when there is
// nothing to store, and it is not rewritten when the content is unchanged.
func (p *Provider) Save(ctx context.Context, configs []*configuration.Configuration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	settings := make([]configuration.Settings, len(configs))
	owned := make(map[string]*configuration.Configuration, len(configs))
	for i, c := range configs {
		settings[i] = c.Settings()
		owned[c.ID()] = c
	}

	data, err := Encode(settings)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.owned = owned

	if bytes.Equal(data, p.written) {
		return nil
	}
	if len(configs) == 0 && len(p.written) == 0 {
		return nil
	}

	if err := writeFile(p.path, data); err != nil {
		return err
	}
	p.written = data
	p.logger.Debug("saved configurations", "path", p.path, "count", len(configs))
	return nil
}

// Unload stops the watcher.
func (p *Provider) Unload(m *configuration.Manager) {
	p.mu.Lock()
	watcher := p.watcher
	done := p.done
	p.watcher = nil
	p.done = nil
	p.manager = nil
	p.mu.Unlock()

	if watcher == nil {
		return
	}
	close(done)
	_ = watcher.Close()
	p.wg.Wait()
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".devbuild-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// startWatcher watches the project directory rather than the file so that
// editors replacing the file by rename are noticed.
func (p *Provider) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.watcher = watcher
	p.done = done
	p.mu.Unlock()

	p.wg.Add(1)
	go p.watchLoop(watcher, done)
	return nil
}

func (p *Provider) watchLoop(watcher *fsnotify.Watcher, done <-chan struct{}) {
	defer p.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("configuration file watcher error", "path", p.path, "error", err)
		case <-fire:
			fire = nil
			if err := p.Reload(); err != nil {
				p.logger.Warn("failed to reload configuration file", "path", p.path, "error", err)
			}
		}
	}
}

// Reload re-reads the file and reconciles the manager with it: new entries
// are added, changed entries are updated in place and entries missing from
// the file are removed. Content identical to the last write is ignored.
func (p *Provider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", p.path, err)
	}

	p.mu.Lock()
	m := p.manager
	unchanged := bytes.Equal(data, p.written)
	p.mu.Unlock()

	if m == nil || unchanged {
		return nil
	}

	var settings []configuration.Settings
	if len(data) > 0 {
		if settings, err = Decode(data); err != nil {
			return fmt.Errorf("invalid configuration file %s: %w", p.path, err)
		}
	}

	p.mu.Lock()
	p.written = data
	previous := p.owned
	p.owned = make(map[string]*configuration.Configuration, len(settings))
	p.mu.Unlock()

	seen := make(map[string]bool, len(settings))
	for _, s := range settings {
		seen[s.ID] = true
		if c := m.Get(s.ID); c != nil && m.ProviderOf(c) == configuration.Provider(p) {
			c.Apply(s)
			p.track(c)
			continue
		}
		c := configuration.FromSettings(s)
		p.track(c)
		m.AddFrom(p, c)
	}

	for id, c := range previous {
		if !seen[id] {
			m.Remove(c)
		}
	}

	p.logger.Info("reloaded configuration file", "path", p.path, "count", len(settings))
	return nil
}

func (p *Provider) track(c *configuration.Configuration) {
	p.mu.Lock()
	p.owned[c.ID()] = c
	p.mu.Unlock()
}

// Decode parses a configuration file.
func Decode(data []byte) ([]configuration.Settings, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(file.Configurations))
	out := make([]configuration.Settings, 0, len(file.Configurations))
	for i, e := range file.Configurations {
		if e.ID == "" {
			return nil, fmt.Errorf("configuration %d: id is required", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("configuration %d: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true

		s, err := e.settings()
		if err != nil {
			return nil, fmt.Errorf("configuration %q: %w", e.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Encode renders settings as a configuration file.
func Encode(settings []configuration.Settings) ([]byte, error) {
	file := File{Configurations: make([]Entry, 0, len(settings))}
	for _, s := range settings {
		e, err := entryOf(s)
		if err != nil {
			return nil, fmt.Errorf("configuration %q: %w", s.ID, err)
		}
		file.Configurations = append(file.Configurations, e)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(file); err != nil {
		return nil, fmt.Errorf("failed to encode configurations: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode configurations: %w", err)
	}
	return buf.Bytes(), nil
}

func (e Entry) settings() (configuration.Settings, error) {
	s := configuration.DefaultSettings(e.ID)
	if e.Name != "" {
		s.DisplayName = e.Name
	}
	if e.Runtime != "" {
		s.RuntimeID = e.Runtime
	}
	if e.Device != "" {
		s.DeviceID = e.Device
	}
	s.AppID = e.AppID
	s.Prefix = e.Prefix
	s.ConfigOpts = e.ConfigOpts
	if e.Env != nil {
		s.Env = e.Env
	}
	s.ConfigCommands = e.ConfigCommands
	s.BuildCommands = e.BuildCommands
	s.PostInstallCommands = e.PostInstallCommands
	if e.Parallelism != nil {
		s.Parallelism = *e.Parallelism
	}
	if e.Debug != nil {
		s.Debug = *e.Debug
	}
	if e.Locality != "" {
		s.Locality = configuration.ParseLocality(e.Locality)
	}

	s.Internal = make(map[string]cty.Value, len(e.Internal))
	for k, raw := range e.Internal {
		v, err := toCty(raw)
		if err != nil {
			return s, fmt.Errorf("internal value %q: %w", k, err)
		}
		s.Internal[k] = v
	}
	return s, nil
}

func entryOf(s configuration.Settings) (Entry, error) {
	def := configuration.DefaultSettings(s.ID)
	e := Entry{
		ID:                  s.ID,
		AppID:               s.AppID,
		Prefix:              s.Prefix,
		ConfigOpts:          s.ConfigOpts,
		ConfigCommands:      s.ConfigCommands,
		BuildCommands:       s.BuildCommands,
		PostInstallCommands: s.PostInstallCommands,
	}
	if s.DisplayName != s.ID {
		e.Name = s.DisplayName
	}
	if s.RuntimeID != def.RuntimeID {
		e.Runtime = s.RuntimeID
	}
	if s.DeviceID != def.DeviceID {
		e.Device = s.DeviceID
	}
	if len(s.Env) > 0 {
		e.Env = s.Env
	}
	if s.Parallelism != def.Parallelism {
		n := s.Parallelism
		e.Parallelism = &n
	}
	if s.Debug != def.Debug {
		d := s.Debug
		e.Debug = &d
	}
	if s.Locality != def.Locality {
		e.Locality = s.Locality.String()
	}

	if len(s.Internal) > 0 {
		e.Internal = make(map[string]any, len(s.Internal))
		for k, v := range s.Internal {
			raw, err := fromCty(v)
			if err != nil {
				return e, fmt.Errorf("internal value %q: %w", k, err)
			}
			e.Internal[k] = raw
		}
	}
	return e, nil
}

// toCty converts a decoded YAML value to a cty value by way of JSON, which
// gives lists tuple types and numbers the cty number type.
func toCty(raw any) (cty.Value, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return cty.NilVal, err
	}
	ty, err := ctyjson.ImpliedType(data)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(data, ty)
}

func fromCty(v cty.Value) (any, error) {
	data, err := ctyjson.SimpleJSONValue{Value: v}.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
