package output

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"

	"github.com/altuslabsxyz/devbuild/internal/pipeline"
)

// Logger provides colored output functions for CLI feedback.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	errOut   io.Writer
	noColor  bool
	verbose  bool
	jsonMode bool
}

// NewLogger creates a Logger writing to stdout and stderr.
func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout, os.Stderr)
}

// NewLoggerTo creates a Logger writing to out and errOut.
func NewLoggerTo(out, errOut io.Writer) *Logger {
	return &Logger{
		out:    out,
		errOut: errOut,
	}
}

// SetNoColor disables colored output.
func (l *Logger) SetNoColor(noColor bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.noColor = noColor
}

// SetVerbose enables verbose logging.
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

// SetJSONMode enables JSON output mode (suppresses text output).
func (l *Logger) SetJSONMode(jsonMode bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jsonMode = jsonMode
}

// IsVerbose reports whether verbose output is enabled.
func (l *Logger) IsVerbose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

// Writer returns the standard output writer.
func (l *Logger) Writer() io.Writer { return l.out }

// ErrWriter returns the error output writer.
func (l *Logger) ErrWriter() io.Writer { return l.errOut }

func (l *Logger) printf(w io.Writer, c *color.Color, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		return
	}
	if c == nil {
		fmt.Fprintf(w, format, args...)
		return
	}
	if l.noColor {
		c.DisableColor()
	}
	c.Fprintf(w, format, args...)
}

// Info prints an informational message in default color.
func (l *Logger) Info(format string, args ...interface{}) {
	l.printf(l.out, nil, format+"\n", args...)
}

// Warn prints a warning message in yellow.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.printf(l.errOut, color.New(color.FgYellow), "Warning: "+format+"\n", args...)
}

// Error prints an error message in red.
func (l *Logger) Error(format string, args ...interface{}) {
	l.printf(l.errOut, color.New(color.FgRed), "Error: "+format+"\n", args...)
}

// Success prints a success message in green with checkmark.
func (l *Logger) Success(format string, args ...interface{}) {
	l.printf(l.out, color.New(color.FgGreen), "✓ "+format+"\n", args...)
}

// Debug prints a debug message if verbose mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	l.printf(l.out, color.New(color.FgHiBlack), "[DEBUG] "+format+"\n", args...)
}

// Bold prints a message in bold.
func (l *Logger) Bold(format string, args ...interface{}) {
	l.printf(l.out, color.New(color.Bold), format+"\n", args...)
}

// Cyan prints a message in cyan (for highlights).
func (l *Logger) Cyan(format string, args ...interface{}) {
	l.printf(l.out, color.New(color.FgCyan), format+"\n", args...)
}

// Print prints a plain message without newline.
func (l *Logger) Print(format string, args ...interface{}) {
	l.printf(l.out, nil, format, args...)
}

// Println prints a plain message with newline.
func (l *Logger) Println(format string, args ...interface{}) {
	l.printf(l.out, nil, format+"\n", args...)
}

// Output prints a line of build output. Stderr lines go to the error
// writer.
func (l *Logger) Output(stream pipeline.LogStream, line string) {
	w := l.out
	if stream == pipeline.StreamStderr {
		w = l.errOut
	}
	l.printf(w, nil, "%s\n", line)
}

// Diagnostic prints d colored by severity.
func (l *Logger) Diagnostic(d *pipeline.Diagnostic) {
	if d == nil {
		return
	}
	l.printf(l.errOut, SeverityColor(d.Severity), "%s\n", d.String())
}

// BuildFailure prints a framed summary of a failed build.
func (l *Logger) BuildFailure(info *BuildFailureInfo) {
	if info == nil {
		return
	}
	red := color.New(color.FgRed)
	l.printf(l.errOut, red, "%s\n", Separator())
	l.printf(l.errOut, color.New(color.FgRed, color.Bold), "Build failed: %v\n", info.Err)
	if info.Stage != "" {
		l.printf(l.errOut, nil, "  Stage:     %s\n", info.Stage)
		l.printf(l.errOut, nil, "  Phase:     %s\n", info.Phase)
	}
	if info.Command != "" {
		l.printf(l.errOut, nil, "  Command:   %s\n", info.Command)
		l.printf(l.errOut, nil, "  Exit code: %d\n", info.ExitCode)
	}
	if info.Errors > 0 || info.Warnings > 0 {
		l.printf(l.errOut, nil, "  Diagnostics: %d errors, %d warnings\n", info.Errors, info.Warnings)
	}
	if len(info.LogLines) > 0 {
		l.printf(l.errOut, nil, "\n  Last %d lines of output:\n", len(info.LogLines))
		gray := color.New(color.FgHiBlack)
		for _, line := range info.LogLines {
			l.printf(l.errOut, gray, "    %s\n", line)
		}
	}
	l.printf(l.errOut, red, "%s\n", Separator())
}
