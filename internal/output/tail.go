package output

import "sync"

// DefaultTailLines is how many output lines a Tail keeps by default.
const DefaultTailLines = 20

// Tail keeps the last lines written to it.
type Tail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewTail creates a Tail holding n lines; n <= 0 means DefaultTailLines.
func NewTail(n int) *Tail {
	if n <= 0 {
		n = DefaultTailLines
	}
	return &Tail{lines: make([]string, n)}
}

// Add records a line.
func (t *Tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

// Lines returns the recorded lines, oldest first.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		out := make([]string, t.next)
		copy(out, t.lines[:t.next])
		return out
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}

// Reset drops every line.
func (t *Tail) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = 0
	t.full = false
}
