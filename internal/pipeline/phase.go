package pipeline

import (
	"fmt"
	"strings"
)

// Phase is a pipeline phase. Base phases are distinct powers of two in
// execution order; the high bits carry modifiers.
type Phase uint32

const (
	PhaseNone         Phase = 0
	PhasePrepare      Phase = 1 << 0
	PhaseDownloads    Phase = 1 << 1
	PhaseDependencies Phase = 1 << 2
	PhaseConfigure    Phase = 1 << 3
	PhaseBuild        Phase = 1 << 4
	PhaseInstall      Phase = 1 << 5
	PhaseExport       Phase = 1 << 6

	// PhaseMask selects the base phase bits.
	PhaseMask Phase = 0x00FFFFFF

	// PhaseBefore and PhaseAfter order entries inside a phase.
	PhaseBefore Phase = 1 << 28
	PhaseAfter  Phase = 1 << 29

	PhaseWhenceMask = PhaseBefore | PhaseAfter

	PhaseFinished Phase = 1 << 30
	PhaseFailed   Phase = 1 << 31
)

// Phases lists the base phases in execution order.
var Phases = []Phase{
	PhasePrepare,
	PhaseDownloads,
	PhaseDependencies,
	PhaseConfigure,
	PhaseBuild,
	PhaseInstall,
	PhaseExport,
}

var phaseNames = map[Phase]string{
	PhasePrepare:      "prepare",
	PhaseDownloads:    "downloads",
	PhaseDependencies: "dependencies",
	PhaseConfigure:    "configure",
	PhaseBuild:        "build",
	PhaseInstall:      "install",
	PhaseExport:       "export",
}

var phaseMessages = map[Phase]string{
	PhasePrepare:      "Preparing…",
	PhaseDownloads:    "Downloading…",
	PhaseDependencies: "Building dependencies…",
	PhaseConfigure:    "Configuring…",
	PhaseBuild:        "Building…",
	PhaseInstall:      "Installing…",
	PhaseExport:       "Exporting…",
}

// Base strips modifier bits.
func (p Phase) Base() Phase {
	return p & PhaseMask
}

// Whence returns the BEFORE/AFTER bits.
func (p Phase) Whence() Phase {
	return p & PhaseWhenceMask
}

// IsBase reports whether p is exactly one known base phase.
func (p Phase) IsBase() bool {
	_, ok := phaseNames[p]
	return ok
}

// Through returns the mask of p and every lower phase.
func (p Phase) Through() Phase {
	b := p.Base()
	if b == 0 {
		return 0
	}
	return b | (b - 1)
}

// From returns the mask of the lowest phase in p and every higher phase.
func (p Phase) From() Phase {
	b := p.Base()
	if b == 0 {
		return 0
	}
	low := b & -b
	return ^(low - 1) & PhaseMask
}

// String returns names like "build", "build|after" or "finished".
func (p Phase) String() string {
	var parts []string
	if name, ok := phaseNames[p.Base()]; ok {
		parts = append(parts, name)
	} else if p.Base() != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(p.Base())))
	}
	switch p.Whence() {
	case PhaseBefore:
		parts = append(parts, "before")
	case PhaseAfter:
		parts = append(parts, "after")
	}
	if p&PhaseFinished != 0 {
		parts = append(parts, "finished")
	}
	if p&PhaseFailed != 0 {
		parts = append(parts, "failed")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Message returns the progress message shown while p runs.
func (p Phase) Message() string {
	return phaseMessages[p.Base()]
}

// ParsePhase parses a base phase name, optionally followed by "|before"
// or "|after".
func ParsePhase(s string) (Phase, error) {
	name, whence, _ := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "|")

	var phase Phase
	for p, n := range phaseNames {
		if n == name {
			phase = p
			break
		}
	}
	if phase == PhaseNone {
		return PhaseNone, fmt.Errorf("unknown phase %q", s)
	}

	switch whence {
	case "":
	case "before":
		phase |= PhaseBefore
	case "after":
		phase |= PhaseAfter
	default:
		return PhaseNone, fmt.Errorf("unknown phase modifier %q", whence)
	}
	return phase, nil
}

// whenceRank orders BEFORE < plain < AFTER.
func whenceRank(p Phase) int {
	switch p.Whence() {
	case PhaseBefore:
		return 0
	case PhaseAfter:
		return 2
	default:
		return 1
	}
}
