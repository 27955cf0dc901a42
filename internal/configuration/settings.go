package configuration

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// Settings is the persisted form of a Configuration. Providers translate
// their file formats to and from Settings.
type Settings struct {
	ID                  string
	DisplayName         string
	RuntimeID           string
	DeviceID            string
	AppID               string
	Prefix              string
	ConfigOpts          string
	Env                 map[string]string
	ConfigCommands      []string
	BuildCommands       []string
	PostInstallCommands []string
	Parallelism         int
	Debug               bool
	Locality            Locality
	Internal            map[string]cty.Value
}

// DefaultSettings returns the settings of New(id).
func DefaultSettings(id string) Settings {
	return New(id).Settings()
}

// Settings returns a copy of the persisted fields.
func (c *Configuration) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Settings{
		ID:                  c.id,
		DisplayName:         c.displayName,
		RuntimeID:           c.runtimeID,
		DeviceID:            c.deviceID,
		AppID:               c.appID,
		Prefix:              c.prefix,
		ConfigOpts:          c.configOpts,
		Env:                 copyEnv(c.env),
		ConfigCommands:      copyStrings(c.configCommands),
		BuildCommands:       copyStrings(c.buildCommands),
		PostInstallCommands: copyStrings(c.postInstallCommands),
		Parallelism:         c.parallelism,
		Debug:               c.debug,
		Locality:            c.locality,
		Internal:            copyInternal(c.internal),
	}
}

// FromSettings builds a clean configuration from s. The result is not
// dirty and its sequence is zero.
func FromSettings(s Settings) *Configuration {
	c := New(s.ID)
	c.BlockChanged()
	c.Apply(s)
	c.UnblockChanged()
	return c
}

// Apply copies s onto c, marking c dirty when anything but the display
// name changes. The id is not changed.
func (c *Configuration) Apply(s Settings) {
	if s.DisplayName == "" {
		s.DisplayName = c.id
	}
	if s.Locality == 0 {
		s.Locality = LocalityDefault
	}

	c.SetDisplayName(s.DisplayName)
	c.SetRuntimeID(s.RuntimeID)
	c.SetDeviceID(s.DeviceID)
	c.SetAppID(s.AppID)
	c.SetPrefix(s.Prefix)
	c.SetConfigOpts(s.ConfigOpts)
	if !equalEnv(c.Environment(), s.Env) {
		c.SetEnvironment(s.Env)
	}
	c.SetConfigCommands(s.ConfigCommands)
	c.SetBuildCommands(s.BuildCommands)
	c.SetPostInstallCommands(s.PostInstallCommands)
	c.SetParallelism(s.Parallelism)
	c.SetDebug(s.Debug)
	c.SetLocality(s.Locality)

	if c.replaceInternal(s.Internal) {
		c.SetDirty(true)
	}
}

func (c *Configuration) replaceInternal(values map[string]cty.Value) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]cty.Value, len(values))
	for k, v := range values {
		if v.IsNull() {
			continue
		}
		next[k] = v
	}

	changed := len(next) != len(c.internal)
	if !changed {
		for k, v := range next {
			old, ok := c.internal[k]
			if !ok || !old.RawEquals(v) {
				changed = true
				break
			}
		}
	}
	c.internal = next
	return changed
}

func equalEnv(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// SettableKeys lists the keys accepted by Set, excluding the env.* and
// internal.* prefixes.
var SettableKeys = []string{
	"name", "runtime", "device", "app-id", "prefix", "config-opts",
	"config-commands", "build-commands", "post-install-commands",
	"parallelism", "debug", "locality",
}

// Set updates a single field by key. Command lists are separated by ";".
// Keys of the form env.NAME set an environment variable and internal.NAME
// sets a string value in the internal bag. Boolean-looking internal values
// are stored as bools.
func (c *Configuration) Set(key, value string) error {
	switch {
	case strings.HasPrefix(key, "env."):
		name := strings.TrimPrefix(key, "env.")
		if name == "" {
			return fmt.Errorf("missing variable name in %q", key)
		}
		c.Setenv(name, value)
		return nil
	case strings.HasPrefix(key, "internal."):
		name := strings.TrimPrefix(key, "internal.")
		if name == "" {
			return fmt.Errorf("missing internal key in %q", key)
		}
		if b, err := strconv.ParseBool(value); err == nil {
			c.SetInternalBool(name, b)
		} else if value == "" {
			c.SetInternalValue(name, cty.NilVal)
		} else {
			c.SetInternalString(name, value)
		}
		c.SetDirty(true)
		return nil
	}

	switch key {
	case "name":
		c.SetDisplayName(value)
	case "runtime":
		c.SetRuntimeID(value)
	case "device":
		c.SetDeviceID(value)
	case "app-id":
		c.SetAppID(value)
	case "prefix":
		c.SetPrefix(value)
	case "config-opts":
		c.SetConfigOpts(value)
	case "config-commands":
		c.SetConfigCommands(splitCommands(value))
	case "build-commands":
		c.SetBuildCommands(splitCommands(value))
	case "post-install-commands":
		c.SetPostInstallCommands(splitCommands(value))
	case "parallelism":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid parallelism %q: %w", value, err)
		}
		c.SetParallelism(n)
	case "debug":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid debug value %q: %w", value, err)
		}
		c.SetDebug(b)
	case "locality":
		switch value {
		case "local", "remote", "default":
			c.SetLocality(ParseLocality(value))
		default:
			return fmt.Errorf("invalid locality %q (must be one of: local, remote, default)", value)
		}
	default:
		return fmt.Errorf("unknown key %q (must be one of: %s, env.NAME, internal.NAME)",
			key, strings.Join(SettableKeys, ", "))
	}
	return nil
}

func splitCommands(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
