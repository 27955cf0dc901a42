package configuration

import "github.com/zclconf/go-cty/cty"

// Snapshot is an immutable copy of a Configuration taken when a pipeline is
// constructed. Background execution reads from the snapshot so concurrent
// edits to the live configuration do not affect a running build.
type Snapshot struct {
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
	Sequence            uint64

	internal map[string]cty.Value
}

// Snapshot deep-copies the configuration.
func (c *Configuration) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Snapshot{
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
		Sequence:            c.sequence,
		internal:            copyInternal(c.internal),
	}
}

// Environ returns the environment overlay as sorted KEY=VALUE pairs.
func (s *Snapshot) Environ() []string {
	return environ(s.Env)
}

func (s *Snapshot) InternalValue(key string) cty.Value {
	v, ok := s.internal[key]
	if !ok {
		return cty.NilVal
	}
	return v
}

func (s *Snapshot) InternalString(key string) string {
	return ctyString(s.InternalValue(key))
}

func (s *Snapshot) InternalStrings(key string) []string {
	return ctyStrings(s.InternalValue(key))
}

func (s *Snapshot) InternalBool(key string) bool {
	return ctyBool(s.InternalValue(key))
}

func (s *Snapshot) InternalInt64(key string) int64 {
	return ctyInt64(s.InternalValue(key))
}
