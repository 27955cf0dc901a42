// Package hclfile persists build configurations as configuration blocks in a
// project's .devbuild.hcl file.
//
//	configuration "dev" {
//	  name           = "Development"
//	  runtime        = "go@>=1.22"
//	  env            = { CGO_ENABLED = "0" }
//	  build_commands = ["go build ./..."]
//	  internal       = { "export.enabled" = true }
//	}
package hclfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
)

// FileName is the configuration file looked up in the project directory.
const FileName = ".devbuild.hcl"

type hclFile struct {
	Configurations []*hclConfiguration `hcl:"configuration,block"`
}

type hclConfiguration struct {
	ID                  string            `hcl:"id,label"`
	Name                *string           `hcl:"name,optional"`
	Runtime             *string           `hcl:"runtime,optional"`
	Device              *string           `hcl:"device,optional"`
	AppID               *string           `hcl:"app_id,optional"`
	Prefix              *string           `hcl:"prefix,optional"`
	ConfigOpts          *string           `hcl:"config_opts,optional"`
	Env                 map[string]string `hcl:"env,optional"`
	ConfigCommands      []string          `hcl:"config_commands,optional"`
	BuildCommands       []string          `hcl:"build_commands,optional"`
	PostInstallCommands []string          `hcl:"post_install_commands,optional"`
	Parallelism         *int              `hcl:"parallelism,optional"`
	Debug               *bool             `hcl:"debug,optional"`
	Locality            *string           `hcl:"locality,optional"`
	Internal            *cty.Value        `hcl:"internal,optional"`
}

// Provider loads and saves configurations from FileName.
type Provider struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	written []byte
}

// New creates a provider for the project in dir. A nil logger uses
// slog.Default().
func New(dir string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		path:   filepath.Join(dir, FileName),
		logger: logger,
	}
}

func (p *Provider) Name() string { return "hcl" }

// Path returns the file the provider reads and writes.
func (p *Provider) Path() string { return p.path }

// Load parses the file and adds its configurations to m. A missing file is
// not an error.
func (p *Provider) Load(ctx context.Context, m *configuration.Manager) error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", p.path, err)
	}

	settings, err := Decode(data, p.path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.written = data
	p.mu.Unlock()

	for _, s := range settings {
		m.AddFrom(p, configuration.FromSettings(s))
	}
	p.logger.Debug("loaded configurations", "path", p.path, "count", len(settings))
	return nil
}

// Save rewrites the file from configs. Nothing is written when the file
// does not exist and there is nothing to store.
func (p *Provider) Save(ctx context.Context, configs []*configuration.Configuration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	settings := make([]configuration.Settings, len(configs))
	for i, c := range configs {
		settings[i] = c.Settings()
	}
	data := Encode(settings)

	p.mu.Lock()
	defer p.mu.Unlock()

	if bytes.Equal(data, p.written) || (len(configs) == 0 && len(p.written) == 0) {
		return nil
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p.path, err)
	}
	p.written = data
	p.logger.Debug("saved configurations", "path", p.path, "count", len(configs))
	return nil
}

func (p *Provider) Unload(m *configuration.Manager) {}

// Decode parses HCL source. filename is used in diagnostics.
func Decode(src []byte, filename string) ([]configuration.Settings, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	seen := make(map[string]bool, len(parsed.Configurations))
	out := make([]configuration.Settings, 0, len(parsed.Configurations))
	for _, block := range parsed.Configurations {
		if seen[block.ID] {
			return nil, fmt.Errorf("duplicate configuration %q in %s", block.ID, filename)
		}
		seen[block.ID] = true

		s, err := block.settings()
		if err != nil {
			return nil, fmt.Errorf("configuration %q in %s: %w", block.ID, filename, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *hclConfiguration) settings() (configuration.Settings, error) {
	s := configuration.DefaultSettings(b.ID)
	setString(&s.DisplayName, b.Name)
	setString(&s.RuntimeID, b.Runtime)
	setString(&s.DeviceID, b.Device)
	setString(&s.AppID, b.AppID)
	setString(&s.Prefix, b.Prefix)
	setString(&s.ConfigOpts, b.ConfigOpts)
	if b.Env != nil {
		s.Env = b.Env
	}
	s.ConfigCommands = b.ConfigCommands
	s.BuildCommands = b.BuildCommands
	s.PostInstallCommands = b.PostInstallCommands
	if b.Parallelism != nil {
		s.Parallelism = *b.Parallelism
	}
	if b.Debug != nil {
		s.Debug = *b.Debug
	}
	if b.Locality != nil {
		s.Locality = configuration.ParseLocality(*b.Locality)
	}

	if b.Internal != nil && !b.Internal.IsNull() {
		v := *b.Internal
		ty := v.Type()
		if !ty.IsObjectType() && !ty.IsMapType() {
			return s, fmt.Errorf("internal must be an object, got %s", ty.FriendlyName())
		}
		for it := v.ElementIterator(); it.Next(); {
			k, elem := it.Element()
			s.Internal[k.AsString()] = elem
		}
	}
	return s, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Encode renders settings as HCL. Fields equal to their defaults are
// omitted.
func Encode(settings []configuration.Settings) []byte {
	f := hclwrite.NewEmptyFile()
	root := f.Body()

	for i, s := range settings {
		if i > 0 {
			root.AppendNewline()
		}
		def := configuration.DefaultSettings(s.ID)
		body := root.AppendNewBlock("configuration", []string{s.ID}).Body()

		if s.DisplayName != s.ID {
			body.SetAttributeValue("name", cty.StringVal(s.DisplayName))
		}
		setAttr(body, "runtime", s.RuntimeID, def.RuntimeID)
		setAttr(body, "device", s.DeviceID, def.DeviceID)
		setAttr(body, "app_id", s.AppID, "")
		setAttr(body, "prefix", s.Prefix, "")
		setAttr(body, "config_opts", s.ConfigOpts, "")
		if len(s.Env) > 0 {
			body.SetAttributeValue("env", stringMap(s.Env))
		}
		setList(body, "config_commands", s.ConfigCommands)
		setList(body, "build_commands", s.BuildCommands)
		setList(body, "post_install_commands", s.PostInstallCommands)
		if s.Parallelism != def.Parallelism {
			body.SetAttributeValue("parallelism", cty.NumberIntVal(int64(s.Parallelism)))
		}
		if s.Debug != def.Debug {
			body.SetAttributeValue("debug", cty.BoolVal(s.Debug))
		}
		if s.Locality != def.Locality {
			body.SetAttributeValue("locality", cty.StringVal(s.Locality.String()))
		}
		if len(s.Internal) > 0 {
			body.SetAttributeValue("internal", cty.ObjectVal(s.Internal))
		}
	}
	return f.Bytes()
}

func setAttr(body *hclwrite.Body, name, value, def string) {
	if value != def {
		body.SetAttributeValue(name, cty.StringVal(value))
	}
}

func setList(body *hclwrite.Body, name string, values []string) {
	if len(values) == 0 {
		return
	}
	vals := make([]cty.Value, len(values))
	for i, v := range values {
		vals[i] = cty.StringVal(v)
	}
	body.SetAttributeValue(name, cty.ListVal(vals))
}

func stringMap(m map[string]string) cty.Value {
	vals := make(map[string]cty.Value, len(m))
	for k, v := range m {
		vals[k] = cty.StringVal(v)
	}
	return cty.MapVal(vals)
}
