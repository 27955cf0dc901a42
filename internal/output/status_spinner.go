package output

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// DefaultSpinnerInterval is the frame interval of NewStatusSpinner.
const DefaultSpinnerInterval = 100 * time.Millisecond

var statusSpinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// StatusSpinner shows the build message and elapsed time on one line.
// Thread-safe for concurrent updates.
type StatusSpinner struct {
	out      io.Writer
	interval time.Duration
	frameIdx int
	message  string
	started  time.Time
	stop     chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewStatusSpinner creates a StatusSpinner writing to stderr.
func NewStatusSpinner() *StatusSpinner {
	return NewStatusSpinnerTo(os.Stderr, DefaultSpinnerInterval)
}

// NewStatusSpinnerTo creates a StatusSpinner writing to out every interval.
func NewStatusSpinnerTo(out io.Writer, interval time.Duration) *StatusSpinner {
	return &StatusSpinner{out: out, interval: interval}
}

// Start begins the animation with message.
func (s *StatusSpinner) Start(message string) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.message = message
	s.started = time.Now()
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		defer close(done)

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.render()
			}
		}
	}()
}

// Update changes the message.
func (s *StatusSpinner) Update(message string) {
	s.mu.Lock()
	s.message = message
	running := s.running
	s.mu.Unlock()
	if running {
		s.render()
	}
}

// Running reports whether the spinner is animating.
func (s *StatusSpinner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop stops the spinner and clears the line.
func (s *StatusSpinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.mu.Lock()
	fmt.Fprintf(s.out, "\r%80s\r", "")
	s.mu.Unlock()
}

func (s *StatusSpinner) render() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	msg := s.message
	idx := s.frameIdx
	s.frameIdx = (s.frameIdx + 1) % len(statusSpinnerFrames)
	elapsed := time.Since(s.started).Truncate(time.Second)

	fmt.Fprintf(s.out, "\r%s %s (%s)          ", statusSpinnerFrames[idx], msg, elapsed)
}
