// Package version provides version information and the version command.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Build-time variables injected via ldflags:
//
//	-X github.com/altuslabsxyz/devbuild/internal/version.Version={{.Version}}
//	-X github.com/altuslabsxyz/devbuild/internal/version.GitCommit={{.FullCommit}}
//	-X github.com/altuslabsxyz/devbuild/internal/version.BuildDate={{.Date}}
var (
	// Version defaults to "0.1.0-dev" for local builds.
	Version = "0.1.0-dev"

	// GitCommit falls back to the vcs.revision build setting.
	GitCommit = "unknown"

	BuildDate = "unknown"
)

// Info contains all version and build information.
type Info struct {
	Name      string   `json:"name" yaml:"name"`
	Version   string   `json:"version" yaml:"version"`
	GitCommit string   `json:"commit" yaml:"commit"`
	Modified  bool     `json:"modified,omitempty" yaml:"modified,omitempty"`
	BuildDate string   `json:"build_date,omitempty" yaml:"build_date,omitempty"`
	GoVersion string   `json:"go" yaml:"go"`
	Platform  string   `json:"platform" yaml:"platform"`
	BuildTags string   `json:"build_tags,omitempty" yaml:"build_tags,omitempty"`
	BuildDeps []string `json:"build_deps,omitempty" yaml:"build_deps,omitempty"`
}

// NewInfo creates an Info for the named binary.
func NewInfo(name string) Info {
	info := Info{
		Name:      name,
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		info = info.withSettings(buildInfo.Settings)
	}
	return info
}

func (i Info) withSettings(settings []debug.BuildSetting) Info {
	var tags []string
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if i.GitCommit == "unknown" && s.Value != "" {
				i.GitCommit = s.Value
			}
		case "vcs.modified":
			i.Modified = s.Value == "true"
		case "vcs.time":
			if i.BuildDate == "unknown" && s.Value != "" {
				i.BuildDate = s.Value
			}
		case "-tags":
			if s.Value != "" {
				tags = append(tags, s.Value)
			}
		}
	}
	if len(tags) > 0 {
		i.BuildTags = strings.Join(tags, ",")
	}
	return i
}

// WithBuildDeps populates the build dependencies from runtime/debug.
func (i Info) WithBuildDeps() Info {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return i
	}
	i.BuildDeps = formatDeps(buildInfo.Deps)
	return i
}

func formatDeps(mods []*debug.Module) []string {
	deps := make([]string, 0, len(mods))
	for _, dep := range mods {
		depStr := fmt.Sprintf("%s@%s", dep.Path, dep.Version)
		if dep.Replace != nil {
			depStr = fmt.Sprintf("%s@%s => %s@%s", dep.Path, dep.Version, dep.Replace.Path, dep.Replace.Version)
		}
		deps = append(deps, depStr)
	}
	sort.Strings(deps)
	return deps
}

// String returns a formatted string representation of the version info.
func (i Info) String() string {
	commit := i.GitCommit
	if i.Modified {
		commit += " (modified)"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s version %s\n", i.Name, i.Version)
	fmt.Fprintf(&sb, "  commit:     %s\n", commit)
	fmt.Fprintf(&sb, "  build date: %s\n", i.BuildDate)
	fmt.Fprintf(&sb, "  go:         %s %s\n", i.GoVersion, i.Platform)
	return sb.String()
}

// LongString returns a YAML rendering including build dependencies.
func (i Info) LongString() string {
	data, err := yaml.Marshal(i)
	if err != nil {
		return i.String()
	}
	return string(data)
}

// JSON returns the version info as a JSON string.
func (i Info) JSON() (string, error) {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// NewCmd creates the version command. It supports --long for build
// dependencies and --json for machine-readable output.
func NewCmd(name string) *cobra.Command {
	var (
		long       bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print version information including build details. Use --long for detailed dependency info.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := NewInfo(name)
			if long {
				info = info.WithBuildDeps()
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				data, err := info.JSON()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, data)
				return nil
			}

			if long {
				fmt.Fprint(out, info.LongString())
			} else {
				fmt.Fprint(out, info.String())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&long, "long", false, "Show detailed version info including build dependencies")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info in JSON format")

	return cmd
}
