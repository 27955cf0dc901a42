package output

import (
	"strings"

	"github.com/fatih/color"

	"github.com/altuslabsxyz/devbuild/internal/pipeline"
)

// Visual separator constants for error output formatting.
const (
	SeparatorWidth = 60
	SeparatorChar  = "─"
)

// Separator returns a separator line of the default width.
func Separator() string {
	return strings.Repeat(SeparatorChar, SeparatorWidth)
}

// SeverityColor returns the color diagnostics of sev are printed in.
func SeverityColor(sev pipeline.Severity) *color.Color {
	switch {
	case sev.IsError():
		return color.New(color.FgRed)
	case sev == pipeline.SeverityWarning:
		return color.New(color.FgYellow)
	case sev == pipeline.SeverityDeprecated, sev == pipeline.SeverityUnused:
		return color.New(color.FgMagenta)
	default:
		return color.New(color.FgCyan)
	}
}
