package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	adwerrors "github.com/hochfrequenz/adw-orchestrator/internal/errors"
)

// WorkflowRun represents one end-to-end automation attempt for one issue
type WorkflowRun struct {
	ADWID                 string
	IssueNumber           int
	Type                  WorkflowType
	Status                RunStatus
	BranchName            string
	PlanFile              string
	PullRequestURL        string
	ImplementationSummary string
	ErrorMessage          string
	ErrorPhase            Phase
	ErrorKind             ErrorKind
	CreatedAt             time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time

	// ResumedAt is set each time a failed run is retried
	ResumedAt *time.Time

	// Phases holds every phase attempt ordered by creation. Only populated on reads.
	Phases []*PhaseRun
}

// PhaseRun represents a single attempt of one phase within a workflow run
type PhaseRun struct {
	ID           int64
	ADWID        string
	Phase        Phase
	Attempt      int
	Status       PhaseStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	OutputRef    string
	Artifacts    Artifacts
	ErrorMessage string
	ErrorKind    ErrorKind
	CreatedAt    time.Time
}

// LogEntry represents an append-only log message tied to a run
type LogEntry struct {
	ID        int64
	ADWID     string
	Phase     Phase
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Context   map[string]any
}

// String renders the entry as a single log line
func (l *LogEntry) String() string {
	return fmt.Sprintf("[%s] [%s] %s", l.Timestamp.UTC().Format(time.RFC3339Nano), l.Level, l.Message)
}

// NewADWID returns a short opaque run identifier
func NewADWID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewWorkflowRun creates a pending run for the given issue
func NewWorkflowRun(issueNumber int, t WorkflowType, now time.Time) *WorkflowRun {
	return &WorkflowRun{
		ADWID:       NewADWID(),
		IssueNumber: issueNumber,
		Type:        t,
		Status:      RunPending,
		CreatedAt:   now,
	}
}

// CanTransition reports whether the run state machine permits from -> to
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunPending:
		return to == RunRunning
	case RunRunning:
		return to == RunCompleted || to == RunFailed
	case RunFailed:
		return to == RunRunning
	}
	return false
}

// TransitionTo moves the run to status and maintains the timestamp invariants:
// StartedAt is set once the run leaves pending, CompletedAt is set iff terminal.
func (r *WorkflowRun) TransitionTo(to RunStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return adwerrors.NewWithDetails(adwerrors.EInvalidStateTransition,
			fmt.Sprintf("cannot move run %s from %s to %s", r.ADWID, r.Status, to),
			map[string]string{"adw_id": r.ADWID, "from": string(r.Status), "to": string(to)})
	}

	switch to {
	case RunRunning:
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
		if r.Status == RunFailed {
			r.ResumedAt = &now
		}
		// Leaving failed via retry clears the previous outcome.
		r.CompletedAt = nil
		r.ErrorMessage = ""
		r.ErrorPhase = ""
		r.ErrorKind = KindNone
	case RunCompleted, RunFailed:
		r.CompletedAt = &now
	}
	r.Status = to
	return nil
}

// Fail transitions a running run to failed and records the failing phase
func (r *WorkflowRun) Fail(phase Phase, kind ErrorKind, msg string, now time.Time) error {
	if err := r.TransitionTo(RunFailed, now); err != nil {
		return err
	}
	r.ErrorPhase = phase
	r.ErrorKind = kind
	r.ErrorMessage = msg
	return nil
}

// IsTerminal reports whether the run is completed or failed
func (r *WorkflowRun) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// ApplyArtifacts copies non-empty artifact fields onto the run
func (r *WorkflowRun) ApplyArtifacts(a Artifacts) {
	if a.Branch != "" {
		r.BranchName = a.Branch
	}
	if a.PlanFile != "" {
		r.PlanFile = a.PlanFile
	}
	if a.PRURL != "" {
		r.PullRequestURL = a.PRURL
	}
	if a.Summary != "" {
		r.ImplementationSummary = a.Summary
	}
}

// Errors returns the run's errors formatted as "[phase] message"
func (r *WorkflowRun) Errors() []string {
	if r.ErrorMessage == "" {
		return []string{}
	}
	return []string{fmt.Sprintf("[%s] %s", r.ErrorPhase, r.ErrorMessage)}
}

// Duration returns how long the run has been (or was) executing
func (r *WorkflowRun) Duration(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(*r.StartedAt)
	}
	return now.Sub(*r.StartedAt)
}

// ActiveSince is when the current execution began: the first start, or the
// latest retry of a failed run. Automatic phase retries do not move it.
func (r *WorkflowRun) ActiveSince() time.Time {
	var t time.Time
	if r.StartedAt != nil {
		t = *r.StartedAt
	}
	if r.ResumedAt != nil && r.ResumedAt.After(t) {
		t = *r.ResumedAt
	}
	return t
}

// LatestAttempt returns the most recent attempt of phase, or nil
func (r *WorkflowRun) LatestAttempt(phase Phase) *PhaseRun {
	for i := len(r.Phases) - 1; i >= 0; i-- {
		if r.Phases[i].Phase == phase {
			return r.Phases[i]
		}
	}
	return nil
}

// Finish marks a running phase attempt as completed or failed
func (p *PhaseRun) Finish(status PhaseStatus, now time.Time) {
	p.Status = status
	p.CompletedAt = &now
}
