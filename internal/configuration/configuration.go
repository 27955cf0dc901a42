// Package configuration holds build configurations and the manager that
// tracks which one is current.
package configuration

import (
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"

	"github.com/altuslabsxyz/devbuild/internal/notify"
)

// Default identifiers used when a configuration does not specify its own.
const (
	DefaultID        = "default"
	DefaultName      = "Default"
	DefaultRuntimeID = "host"
	DefaultDeviceID  = "local"
)

// Locality controls where a configuration may be built.
type Locality int

const (
	LocalityLocal Locality = 1 << iota
	LocalityRemote

	LocalityDefault = LocalityLocal | LocalityRemote
)

// String returns the locality name.
func (l Locality) String() string {
	switch l {
	case LocalityLocal:
		return "local"
	case LocalityRemote:
		return "remote"
	case LocalityDefault:
		return "default"
	default:
		return "none"
	}
}

// ParseLocality converts a locality name. Unknown names map to LocalityDefault.
func ParseLocality(s string) Locality {
	switch s {
	case "local":
		return LocalityLocal
	case "remote":
		return LocalityRemote
	default:
		return LocalityDefault
	}
}

// Property names carried by Change.
const (
	PropChanged     = "changed"
	PropDirty       = "dirty"
	PropDisplayName = "display-name"
	PropReady       = "ready"
)

// Change is emitted when an observable property of a Configuration changes.
// PropChanged means the configuration needs writing back.
type Change struct {
	Config   *Configuration
	Property string
}

// Configuration is a named build profile. All methods are safe for
// concurrent use; a running pipeline works from a Snapshot instead of
// reading the live object repeatedly.
type Configuration struct {
	mu sync.RWMutex

	id                  string
	displayName         string
	runtimeID           string
	deviceID            string
	appID               string
	prefix              string
	configOpts          string
	env                 map[string]string
	configCommands      []string
	buildCommands       []string
	postInstallCommands []string
	parallelism         int
	debug               bool
	locality            Locality
	internal            map[string]cty.Value

	dirty        bool
	sequence     uint64
	ready        bool
	blockChanged int

	changes notify.Notifier[Change]
}

// New creates a configuration with the given id and default settings.
func New(id string) *Configuration {
	return &Configuration{
		id:          id,
		displayName: id,
		runtimeID:   DefaultRuntimeID,
		deviceID:    DefaultDeviceID,
		parallelism: -1,
		debug:       true,
		locality:    LocalityDefault,
		env:         make(map[string]string),
		internal:    make(map[string]cty.Value),
	}
}

// NewDefault creates the configuration used when a project has none.
func NewDefault() *Configuration {
	c := New(DefaultID)
	c.displayName = DefaultName
	return c
}

// Subscribe registers a handler for property changes.
func (c *Configuration) Subscribe(h func(Change)) (unsubscribe func()) {
	return c.changes.Subscribe(h)
}

func (c *Configuration) emit(props ...string) {
	for _, p := range props {
		c.changes.Emit(Change{Config: c, Property: p})
	}
}

// BlockChanged suppresses dirty tracking until UnblockChanged is called.
// Providers use it while populating a freshly loaded configuration.
func (c *Configuration) BlockChanged() {
	c.mu.Lock()
	c.blockChanged++
	c.mu.Unlock()
}

// UnblockChanged reverses a BlockChanged call.
func (c *Configuration) UnblockChanged() {
	c.mu.Lock()
	if c.blockChanged > 0 {
		c.blockChanged--
	}
	c.mu.Unlock()
}

// ID returns the immutable identifier.
func (c *Configuration) ID() string {
	return c.id
}

func (c *Configuration) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

// SetDisplayName renames the configuration. Renaming does not invalidate
// build state, so the sequence is left alone.
func (c *Configuration) SetDisplayName(name string) {
	c.mu.Lock()
	if c.displayName == name {
		c.mu.Unlock()
		return
	}
	c.displayName = name
	blocked := c.blockChanged > 0
	c.mu.Unlock()

	c.emit(PropDisplayName)
	if !blocked {
		c.emit(PropChanged)
	}
}

func (c *Configuration) RuntimeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runtimeID
}

func (c *Configuration) SetRuntimeID(id string) {
	if id == "" {
		id = DefaultRuntimeID
	}
	c.setString(&c.runtimeID, id)
}

func (c *Configuration) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

func (c *Configuration) SetDeviceID(id string) {
	if id == "" {
		id = DefaultDeviceID
	}
	c.setString(&c.deviceID, id)
}

func (c *Configuration) AppID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.appID
}

func (c *Configuration) SetAppID(id string) {
	c.setString(&c.appID, id)
}

func (c *Configuration) Prefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prefix
}

func (c *Configuration) SetPrefix(prefix string) {
	c.setString(&c.prefix, prefix)
}

func (c *Configuration) ConfigOpts() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configOpts
}

func (c *Configuration) SetConfigOpts(opts string) {
	c.setString(&c.configOpts, opts)
}

func (c *Configuration) setString(field *string, value string) {
	c.mu.Lock()
	if *field == value {
		c.mu.Unlock()
		return
	}
	*field = value
	c.mu.Unlock()
	c.SetDirty(true)
}

// Parallelism returns the requested job count, or -1 for the global default.
func (c *Configuration) Parallelism() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parallelism
}

func (c *Configuration) SetParallelism(n int) {
	if n < -1 {
		n = -1
	}
	c.mu.Lock()
	if c.parallelism == n {
		c.mu.Unlock()
		return
	}
	c.parallelism = n
	c.mu.Unlock()
	c.SetDirty(true)
}

func (c *Configuration) Debug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.debug
}

func (c *Configuration) SetDebug(debug bool) {
	c.mu.Lock()
	if c.debug == debug {
		c.mu.Unlock()
		return
	}
	c.debug = debug
	c.mu.Unlock()
	c.SetDirty(true)
}

func (c *Configuration) Locality() Locality {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.locality
}

func (c *Configuration) SetLocality(l Locality) {
	c.mu.Lock()
	if c.locality == l {
		c.mu.Unlock()
		return
	}
	c.locality = l
	c.mu.Unlock()
	c.SetDirty(true)
}

// Getenv returns a variable from the environment overlay.
func (c *Configuration) Getenv(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.env[key]
}

// Setenv sets a variable in the environment overlay. An empty value
// removes the variable.
func (c *Configuration) Setenv(key, value string) {
	c.mu.Lock()
	old, ok := c.env[key]
	if value == "" {
		if !ok {
			c.mu.Unlock()
			return
		}
		delete(c.env, key)
	} else {
		if ok && old == value {
			c.mu.Unlock()
			return
		}
		c.env[key] = value
	}
	c.mu.Unlock()
	c.SetDirty(true)
}

// Environment returns a copy of the environment overlay.
func (c *Configuration) Environment() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyEnv(c.env)
}

// SetEnvironment replaces the environment overlay.
func (c *Configuration) SetEnvironment(env map[string]string) {
	c.mu.Lock()
	c.env = copyEnv(env)
	c.mu.Unlock()
	c.SetDirty(true)
}

func (c *Configuration) ConfigCommands() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyStrings(c.configCommands)
}

func (c *Configuration) SetConfigCommands(cmds []string) {
	c.setStrings(&c.configCommands, cmds)
}

func (c *Configuration) BuildCommands() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyStrings(c.buildCommands)
}

func (c *Configuration) SetBuildCommands(cmds []string) {
	c.setStrings(&c.buildCommands, cmds)
}

func (c *Configuration) PostInstallCommands() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyStrings(c.postInstallCommands)
}

func (c *Configuration) SetPostInstallCommands(cmds []string) {
	c.setStrings(&c.postInstallCommands, cmds)
}

func (c *Configuration) setStrings(field *[]string, value []string) {
	c.mu.Lock()
	if equalStrings(*field, value) {
		c.mu.Unlock()
		return
	}
	*field = copyStrings(value)
	c.mu.Unlock()
	c.SetDirty(true)
}

// Dirty reports whether cached build state must be regenerated.
func (c *Configuration) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// Sequence returns a number that increases every time the configuration
// is marked dirty. Capture it before stateful work and pass it to
// ClearDirtyIfSequence afterwards.
func (c *Configuration) Sequence() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// SetDirty updates the dirty flag. Marking dirty bumps the sequence and
// emits PropChanged so the manager can queue a writeback. It is a no-op
// while changes are blocked.
func (c *Configuration) SetDirty(dirty bool) {
	c.mu.Lock()
	if c.blockChanged > 0 {
		c.mu.Unlock()
		return
	}

	var props []string
	if c.dirty != dirty {
		c.dirty = dirty
		props = append(props, PropDirty)
	}
	if dirty {
		c.sequence++
		props = append(props, PropChanged)
	}
	c.mu.Unlock()

	c.emit(props...)
}

// ClearDirtyIfSequence clears the dirty flag only if the configuration has
// not changed since seq was captured. It reports whether the flag was cleared.
func (c *Configuration) ClearDirtyIfSequence(seq uint64) bool {
	c.mu.Lock()
	if c.sequence != seq {
		c.mu.Unlock()
		return false
	}
	changed := c.dirty
	c.dirty = false
	c.mu.Unlock()

	if changed {
		c.emit(PropDirty)
	}
	return true
}

// Ready reports whether the configuration's runtime is registered.
func (c *Configuration) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// setReady returns true when the value changed.
func (c *Configuration) setReady(ready bool) bool {
	c.mu.Lock()
	if c.ready == ready {
		c.mu.Unlock()
		return false
	}
	c.ready = ready
	c.mu.Unlock()

	c.emit(PropReady)
	return true
}

// Copy returns a new configuration with the same settings and a new id.
// The copy starts clean with sequence zero.
func (c *Configuration) Copy(id string) *Configuration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Configuration{
		id:                  id,
		displayName:         c.displayName,
		runtimeID:           c.runtimeID,
		deviceID:            c.deviceID,
		appID:               c.appID,
		prefix:              c.prefix,
		configOpts:          c.configOpts,
		env:                 copyEnv(c.env),
		configCommands:      copyStrings(c.configCommands),
		buildCommands:       copyStrings(c.buildCommands),
		postInstallCommands: copyStrings(c.postInstallCommands),
		parallelism:         c.parallelism,
		debug:               c.debug,
		locality:            c.locality,
		internal:            copyInternal(c.internal),
	}
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// environ renders env as sorted KEY=VALUE pairs.
func environ(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
