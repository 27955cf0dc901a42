package pipeline

import (
	"strings"
)

// EventType identifies a pipeline event.
type EventType int

const (
	EventStarted EventType = iota
	EventFinished
	EventProperty
	EventDiagnostic
	EventLog
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventFinished:
		return "finished"
	case EventProperty:
		return "property"
	case EventDiagnostic:
		return "diagnostic"
	case EventLog:
		return "log"
	default:
		return "unknown"
	}
}

// Properties announced by EventProperty.
const (
	PropBusy    = "busy"
	PropMessage = "message"
	PropPhase   = "phase"
)

// LogStream identifies where a log line came from.
type LogStream int

const (
	StreamStdout LogStream = iota
	StreamStderr
)

func (s LogStream) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// Event is delivered to pipeline subscribers. Which fields are set depends
// on Type.
type Event struct {
	Type EventType

	// Started and finished.
	Phase     Phase
	Operation Operation
	Failed    bool
	Err       error

	// Property.
	Property string

	// Diagnostic.
	Diagnostic *Diagnostic

	// Log.
	Stream LogStream
	Line   string
}

// Log publishes a line of stage output.
func (p *Pipeline) Log(stream LogStream, line string) {
	p.emit(Event{Type: EventLog, Stream: stream, Line: line})
}

// ReportDiagnostic records d and notifies subscribers.
func (p *Pipeline) ReportDiagnostic(d *Diagnostic) {
	if d == nil {
		return
	}
	p.mu.Lock()
	p.diagnostics = append(p.diagnostics, d)
	p.mu.Unlock()

	p.emit(Event{Type: EventDiagnostic, Diagnostic: d})
}

// Diagnostics returns every diagnostic reported so far.
func (p *Pipeline) Diagnostics() []*Diagnostic {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Diagnostic, len(p.diagnostics))
	copy(out, p.diagnostics)
	return out
}

// ClearDiagnostics drops recorded diagnostics.
func (p *Pipeline) ClearDiagnostics() {
	p.mu.Lock()
	p.diagnostics = nil
	p.mu.Unlock()
}

// AddErrorFormat registers a regular expression that turns output lines
// into diagnostics. It must have a "message" group and may have
// "filename", "line", "column" and "level" groups.
func (p *Pipeline) AddErrorFormat(expr string, caseInsensitive bool) (uint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := newErrorFormat(p.nextFmtID+1, expr, caseInsensitive)
	if err != nil {
		return 0, err
	}
	p.nextFmtID++
	p.errfmts = append(p.errfmts, f)
	return f.id, nil
}

// RemoveErrorFormat removes a format added by AddErrorFormat.
func (p *Pipeline) RemoveErrorFormat(id uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, f := range p.errfmts {
		if f.id == id {
			p.errfmts = append(p.errfmts[:i], p.errfmts[i+1:]...)
			return true
		}
	}
	return false
}

// ExtractDiagnostics matches each line of output against the error formats
// and reports what matches. Directory change lines from make update the
// directory relative filenames resolve against.
func (p *Pipeline) ExtractDiagnostics(output string) {
	p.mu.Lock()
	formats := make([]*errorFormat, len(p.errfmts))
	copy(formats, p.errfmts)
	p.mu.Unlock()

	if len(formats) == 0 {
		return
	}

	for _, line := range strings.Split(stripANSI(output), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		p.logMu.Lock()
		changed := p.dirs.observe(line)
		dir := p.dirs.current()
		p.logMu.Unlock()
		if changed {
			continue
		}

		for _, f := range formats {
			d := f.match(line)
			if d == nil {
				continue
			}
			d.File = resolveFile(d.File, dir, p.builddir, p.srcdir)
			p.ReportDiagnostic(d)
			break
		}
	}
}
