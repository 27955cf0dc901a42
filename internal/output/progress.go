package output

import (
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/altuslabsxyz/devbuild/internal/pipeline"
)

// Progress prints "[N/M] Building…" lines as a build walks its phases.
type Progress struct {
	out     io.Writer
	noColor bool
	phases  []pipeline.Phase
	last    pipeline.Phase
}

// NewProgress creates a Progress for a build up to target.
func NewProgress(target pipeline.Phase) *Progress {
	p := &Progress{out: os.Stdout}
	p.SetTarget(target)
	return p
}

// SetWriter redirects output.
func (p *Progress) SetWriter(w io.Writer) {
	p.out = w
}

// SetNoColor disables colored output.
func (p *Progress) SetNoColor(noColor bool) {
	p.noColor = noColor
}

// SetTarget resets the progress for a build up to target.
func (p *Progress) SetTarget(target pipeline.Phase) {
	p.phases = p.phases[:0]
	mask := target.Through()
	for _, ph := range pipeline.Phases {
		if ph&mask != 0 {
			p.phases = append(p.phases, ph)
		}
	}
	p.last = pipeline.PhaseNone
}

// Total returns the number of phases in the build.
func (p *Progress) Total() int {
	return len(p.phases)
}

// Step returns the 1-based position of phase, or zero when it is not part
// of the build.
func (p *Progress) Step(phase pipeline.Phase) int {
	base := phase.Base()
	for i, ph := range p.phases {
		if ph == base {
			return i + 1
		}
	}
	return 0
}

// Phase prints a progress line the first time each phase is seen.
func (p *Progress) Phase(phase pipeline.Phase) {
	base := phase.Base()
	step := p.Step(base)
	if step == 0 || base == p.last {
		return
	}
	p.last = base

	cyan := color.New(color.FgCyan)
	if p.noColor {
		cyan.DisableColor()
	}
	cyan.Fprintf(p.out, "[%d/%d] %s\n", step, p.Total(), base.Message())
}
