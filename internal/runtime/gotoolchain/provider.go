// Package gotoolchain provides runtimes backed by the Go toolchain found on
// the host. Runtime ids are "go" or "go@<constraint>", for example
// "go@>=1.22". Toolchains are never downloaded; Install only checks that the
// toolchain on PATH satisfies the constraint.
package gotoolchain

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-version"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
	"github.com/altuslabsxyz/devbuild/internal/runtime"
)

// IDPrefix is the runtime id prefix handled by this provider.
const IDPrefix = "go"

// Category groups Go runtimes in listings.
const Category = "Go"

// Toolchain describes an installed Go toolchain.
type Toolchain struct {
	GOROOT  string
	Version *version.Version
	Raw     string
}

// ProbeFunc locates the Go toolchain.
type ProbeFunc func(ctx context.Context) (*Toolchain, error)

// Provider registers Go toolchain runtimes.
type Provider struct {
	probe ProbeFunc

	mu         sync.Mutex
	reg        *runtime.Registry
	registered []string
}

// New creates a provider. A nil probe runs "go env" from PATH.
func New(probe ProbeFunc) *Provider {
	if probe == nil {
		probe = ProbeHost
	}
	return &Provider{probe: probe}
}

func (p *Provider) Name() string { return "gotoolchain" }

// Load registers the plain "go" runtime when a toolchain is present. A
// missing toolchain is not an error.
func (p *Provider) Load(ctx context.Context, r *runtime.Registry) error {
	p.mu.Lock()
	p.reg = r
	p.mu.Unlock()

	tc, err := p.probe(ctx)
	if err != nil {
		return nil
	}
	p.register(r, IDPrefix, tc)
	return nil
}

// Unload removes every runtime this provider registered.
func (p *Provider) Unload(r *runtime.Registry) {
	p.mu.Lock()
	ids := p.registered
	p.registered = nil
	p.reg = nil
	p.mu.Unlock()

	for _, id := range ids {
		r.Remove(id)
	}
}

// CanInstall reports whether id names a Go runtime with a valid constraint.
func (p *Provider) CanInstall(id string) bool {
	_, ok, err := ParseID(id)
	return ok && err == nil
}

// Install probes the host toolchain and registers id if it satisfies the
// constraint carried in id.
func (p *Provider) Install(ctx context.Context, id string) error {
	constraints, ok, err := ParseID(id)
	if !ok {
		return fmt.Errorf("%s is not a go runtime", id)
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	r := p.reg
	p.mu.Unlock()
	if r == nil {
		return fmt.Errorf("gotoolchain provider is not loaded")
	}

	tc, err := p.probe(ctx)
	if err != nil {
		return err
	}
	if constraints != nil && !constraints.Check(tc.Version) {
		return fmt.Errorf("installed go %s does not satisfy %s", tc.Version, constraints)
	}

	p.register(r, id, tc)
	return nil
}

func (p *Provider) register(r *runtime.Registry, id string, tc *Toolchain) {
	rt := runtime.New(id, "Go "+tc.Version.String())
	rt.Category = Category
	rt.Version = tc.Version.String()
	if tc.GOROOT != "" {
		rt.PathPrepend = []string{filepath.Join(tc.GOROOT, "bin")}
		rt.Env = map[string]string{"GOROOT": tc.GOROOT, "GOTOOLCHAIN": "local"}
	}
	goVersion := tc.Version.String()
	rt.Prepare = func(c *configuration.Configuration) {
		c.SetInternalString("go.version", goVersion)
	}
	r.Add(rt)

	p.mu.Lock()
	if !slices.Contains(p.registered, id) {
		p.registered = append(p.registered, id)
	}
	p.mu.Unlock()
}

// ParseID splits a runtime id into its version constraint. ok is false when
// id is not a Go runtime id. A bare "go" has a nil constraint.
func ParseID(id string) (c version.Constraints, ok bool, err error) {
	if id == IDPrefix {
		return nil, true, nil
	}
	rest, found := strings.CutPrefix(id, IDPrefix+"@")
	if !found {
		return nil, false, nil
	}
	if rest == "" {
		return nil, true, fmt.Errorf("empty go version constraint in %q", id)
	}
	c, err = version.NewConstraint(rest)
	if err != nil {
		return nil, true, fmt.Errorf("invalid go version constraint %q: %w", rest, err)
	}
	return c, true, nil
}

// ProbeHost runs "go env GOROOT GOVERSION" using the go binary on PATH.
func ProbeHost(ctx context.Context) (*Toolchain, error) {
	bin, err := exec.LookPath("go")
	if err != nil {
		return nil, fmt.Errorf("go toolchain not found on PATH: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "env", "GOROOT", "GOVERSION")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to run go env: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("unexpected go env output: %q", stdout.String())
	}
	return ParseToolchain(strings.TrimSpace(lines[0]), strings.TrimSpace(lines[1]))
}

// ParseToolchain builds a Toolchain from GOROOT and a GOVERSION string such
// as "go1.22.3" or "go1.23rc1".
func ParseToolchain(goroot, goversion string) (*Toolchain, error) {
	raw := goversion
	// Custom builds append build tags after a space.
	if i := strings.IndexByte(raw, ' '); i >= 0 {
		raw = raw[:i]
	}
	v, err := version.NewVersion(strings.TrimPrefix(raw, "go"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse go version %q: %w", goversion, err)
	}
	return &Toolchain{GOROOT: goroot, Version: v, Raw: goversion}, nil
}
