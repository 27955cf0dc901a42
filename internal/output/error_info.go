package output

import (
	"errors"

	"github.com/altuslabsxyz/devbuild/internal/errdefs"
	"github.com/altuslabsxyz/devbuild/internal/pipeline"
)

// BuildFailureInfo describes a failed build for BuildFailure.
type BuildFailureInfo struct {
	Err      error
	Stage    string   // Failing stage name
	Phase    string   // Phase the stage is attached to
	Command  string   // Shell command, when a launcher failed
	ExitCode int      // Exit code of Command
	Errors   int      // Error diagnostics seen during the build
	Warnings int      // Warning diagnostics seen during the build
	LogLines []string // Last lines of build output
}

// NewBuildFailureInfo extracts stage and command details from err.
func NewBuildFailureInfo(err error, logLines []string) *BuildFailureInfo {
	info := &BuildFailureInfo{Err: err, LogLines: logLines}

	var stageErr *errdefs.StageError
	if errors.As(err, &stageErr) {
		info.Stage = stageErr.Stage
		info.Phase = stageErr.Phase
	}
	var cmdErr *pipeline.CommandError
	if errors.As(err, &cmdErr) {
		info.Command = cmdErr.Command
		info.ExitCode = cmdErr.ExitCode
	}
	return info
}
