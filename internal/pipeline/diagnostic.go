package pipeline

import (
	"fmt"
	"strings"
)

// Severity of a diagnostic.
type Severity int

const (
	SeverityIgnored Severity = iota
	SeverityNote
	SeverityUnused
	SeverityDeprecated
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityIgnored:
		return "ignored"
	case SeverityNote:
		return "note"
	case SeverityUnused:
		return "unused"
	case SeverityDeprecated:
		return "deprecated"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// IsError reports whether s counts as an error.
func (s Severity) IsError() bool {
	return s >= SeverityError
}

// ParseSeverity maps a compiler level string to a Severity. Matching is by
// substring so "fatal error" is fatal. Unknown or empty levels are warnings.
func ParseSeverity(level string) Severity {
	lower := strings.ToLower(level)

	switch {
	case lower == "":
		return SeverityWarning
	case strings.Contains(lower, "fatal"):
		return SeverityFatal
	case strings.Contains(lower, "error"):
		return SeverityError
	case strings.Contains(lower, "warning"):
		return SeverityWarning
	case strings.Contains(lower, "ignored"):
		return SeverityIgnored
	case strings.Contains(lower, "unused"):
		return SeverityUnused
	case strings.Contains(lower, "deprecated"):
		return SeverityDeprecated
	case strings.Contains(lower, "note"):
		return SeverityNote
	default:
		return SeverityWarning
	}
}

// Diagnostic is a message attached to a source location. Line and Column
// are 1-based; zero means unknown.
type Diagnostic struct {
	Severity Severity
	Message  string
	File     string
	Line     int
	Column   int
}

func (d *Diagnostic) String() string {
	var b strings.Builder
	if d.File != "" {
		b.WriteString(d.File)
		if d.Line > 0 {
			fmt.Fprintf(&b, ":%d", d.Line)
			if d.Column > 0 {
				fmt.Fprintf(&b, ":%d", d.Column)
			}
		}
		b.WriteString(": ")
	}
	b.WriteString(d.Severity.String())
	b.WriteString(": ")
	b.WriteString(d.Message)
	return b.String()
}
