package workflow

import (
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// EventType identifies a coordinator event
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventRunRetried     EventType = "run_retried"
	EventPhaseStarted   EventType = "phase_started"
	EventPhaseCompleted EventType = "phase_completed"
	EventPhaseFailed    EventType = "phase_failed"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
)

// Event describes a state change of a run. Run is a snapshot without phases.
type Event struct {
	Type    EventType
	Run     domain.WorkflowRun
	Phase   domain.Phase
	Attempt int
	Message string
	At      time.Time
}

// Listener receives coordinator events. OnEvent is called synchronously from
// the executing goroutine and must not block.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface
type ListenerFunc func(Event)

// OnEvent calls f
func (f ListenerFunc) OnEvent(e Event) { f(e) }

func snapshot(run *domain.WorkflowRun) domain.WorkflowRun {
	s := *run
	s.Phases = nil
	return s
}
