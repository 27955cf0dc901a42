// Package runtime holds the execution environments builds run in and the
// manager that ensures a configuration's runtime is available.
package runtime

import (
	"os"
	"strings"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
)

// HostID is the runtime that is always registered.
const HostID = "host"

// Runtime is an environment a build compiles for. Runtimes are looked up by
// id through the Manager each time they are needed.
type Runtime struct {
	id          string
	DisplayName string
	Category    string
	Version     string

	// PathPrepend is placed in front of PATH for commands run in this runtime.
	PathPrepend []string

	// Env is applied over the inherited environment.
	Env map[string]string

	// Prepare is called once when a configuration first sees this runtime
	// as ready, so the runtime can fill in defaults.
	Prepare func(c *configuration.Configuration)
}

// New creates a runtime.
func New(id, displayName string) *Runtime {
	return &Runtime{
		id:          id,
		DisplayName: displayName,
		Category:    "Host System",
	}
}

// NewHost returns the host operating system runtime.
func NewHost() *Runtime {
	return New(HostID, "Host operating system")
}

// ID returns the runtime id.
func (r *Runtime) ID() string {
	return r.id
}

// PrepareConfiguration lets the runtime adjust a configuration that just
// became ready.
func (r *Runtime) PrepareConfiguration(c *configuration.Configuration) {
	if r.Prepare != nil {
		r.Prepare(c)
	}
}

// Environ builds a process environment: the host environment, then the
// runtime's Env and PATH additions, then overlay (usually the configuration
// snapshot's environment).
func (r *Runtime) Environ(overlay map[string]string) []string {
	env := make(map[string]string)
	order := make([]string, 0)

	set := func(k, v string) {
		if _, ok := env[k]; !ok {
			order = append(order, k)
		}
		env[k] = v
	}

	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			set(k, v)
		}
	}
	for k, v := range r.Env {
		set(k, v)
	}
	if len(r.PathPrepend) > 0 {
		path := strings.Join(r.PathPrepend, string(os.PathListSeparator))
		if cur := env["PATH"]; cur != "" {
			path += string(os.PathListSeparator) + cur
		}
		set("PATH", path)
	}
	for k, v := range overlay {
		set(k, v)
	}

	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+env[k])
	}
	return out
}
