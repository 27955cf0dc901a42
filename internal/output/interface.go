package output

import (
	"io"

	"github.com/altuslabsxyz/devbuild/internal/pipeline"
)

// LoggerInterface defines the CLI output surface commands depend on.
type LoggerInterface interface {
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Debug(format string, args ...interface{})
	Success(format string, args ...interface{})

	Print(format string, args ...interface{})
	Println(format string, args ...interface{})
	Bold(format string, args ...interface{})
	Cyan(format string, args ...interface{})

	SetVerbose(verbose bool)
	SetNoColor(noColor bool)
	SetJSONMode(jsonMode bool)
	IsVerbose() bool

	Writer() io.Writer
	ErrWriter() io.Writer

	// Build output
	Output(stream pipeline.LogStream, line string)
	Diagnostic(d *pipeline.Diagnostic)
	BuildFailure(info *BuildFailureInfo)
}

// Verify that Logger implements LoggerInterface at compile time.
var _ LoggerInterface = (*Logger)(nil)
