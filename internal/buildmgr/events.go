package buildmgr

import (
	"sync"
	"time"

	"github.com/altuslabsxyz/devbuild/internal/pipeline"
)

// EventType identifies a build manager event.
type EventType string

const (
	EventBuildStarted  EventType = "build-started"
	EventBuildFinished EventType = "build-finished"
	EventBuildFailed   EventType = "build-failed"
	EventSetupFailed   EventType = "setup-failed"
	EventProperty      EventType = "property"
	EventDiagnostic    EventType = "diagnostic"
	EventLog           EventType = "log"
)

// Observable properties.
const (
	PropBusy           = "busy"
	PropCanBuild       = "can-build"
	PropMessage        = "message"
	PropLastBuildTime  = "last-build-time"
	PropRunningTime    = "running-time"
	PropErrorCount     = "error-count"
	PropWarningCount   = "warning-count"
	PropHasDiagnostics = "has-diagnostics"
	PropPipeline       = "pipeline"
)

// Event is delivered to manager subscribers.
type Event struct {
	Timestamp time.Time
	Type      EventType

	// Build and setup events.
	Pipeline  *pipeline.Pipeline
	Phase     pipeline.Phase
	Operation pipeline.Operation
	Err       error

	// Property events.
	Property string

	// Diagnostic and log events.
	Diagnostic *pipeline.Diagnostic
	Stream     pipeline.LogStream
	Line       string
}

func newEvent(t EventType) Event {
	return Event{Timestamp: time.Now(), Type: t}
}

func propertyEvent(name string) Event {
	ev := newEvent(EventProperty)
	ev.Property = name
	return ev
}

// recorded reports whether the event belongs in the event ring.
func (e Event) recorded() bool {
	switch e.Type {
	case EventBuildStarted, EventBuildFinished, EventBuildFailed, EventSetupFailed:
		return true
	default:
		return false
	}
}

// DefaultEventRingSize is how many build events the manager remembers.
const DefaultEventRingSize = 100

// EventRing is a fixed-size ring buffer keeping the most recent events.
type EventRing struct {
	events []Event
	size   int
	mu     sync.RWMutex
}

// NewEventRing creates an event ring with the given capacity.
func NewEventRing(capacity int) *EventRing {
	if capacity < 1 {
		capacity = DefaultEventRingSize
	}
	return &EventRing{
		events: make([]Event, 0, capacity),
		size:   capacity,
	}
}

// Add appends e, evicting the oldest event when full.
func (r *EventRing) Add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.events) >= r.size {
		copy(r.events, r.events[1:])
		r.events = r.events[:len(r.events)-1]
	}
	r.events = append(r.events, e)
}

// List returns the events oldest first.
func (r *EventRing) List() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Event, len(r.events))
	copy(result, r.events)
	return result
}
