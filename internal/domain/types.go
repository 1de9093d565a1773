package domain

import (
	"fmt"
	"strings"

	adwerrors "github.com/hochfrequenz/adw-orchestrator/internal/errors"
)

// WorkflowType is the requested automation for an issue
type WorkflowType string

const (
	WorkflowPlan          WorkflowType = "plan"
	WorkflowBuild         WorkflowType = "build"
	WorkflowTest          WorkflowType = "test"
	WorkflowPlanBuild     WorkflowType = "plan_build"
	WorkflowPlanBuildTest WorkflowType = "plan_build_test"
)

// WorkflowTypes lists every recognized workflow type
var WorkflowTypes = []WorkflowType{
	WorkflowPlan,
	WorkflowBuild,
	WorkflowTest,
	WorkflowPlanBuild,
	WorkflowPlanBuildTest,
}

// ParseWorkflowType validates s. The legacy "adw_" prefixed names are accepted.
func ParseWorkflowType(s string) (WorkflowType, error) {
	name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "adw_")
	for _, t := range WorkflowTypes {
		if string(t) == name {
			return t, nil
		}
	}
	return "", adwerrors.NewWithDetails(adwerrors.EInvalidWorkflowType,
		fmt.Sprintf("unknown workflow type %q", s),
		map[string]string{"workflow_type": s})
}

// Phase is one stage of a workflow run
type Phase string

const (
	PhasePlan  Phase = "plan"
	PhaseBuild Phase = "build"
	PhaseTest  Phase = "test"
)

// ParsePhase validates s as a phase name
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(strings.ToLower(strings.TrimSpace(s))); p {
	case PhasePlan, PhaseBuild, PhaseTest:
		return p, nil
	}
	return "", adwerrors.New(adwerrors.EInvalidPhase, fmt.Sprintf("unknown phase %q", s))
}

// RunStatus represents the lifecycle state of a workflow run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ParseRunStatus validates s as a run status
func ParseRunStatus(s string) (RunStatus, error) {
	switch st := RunStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case RunPending, RunRunning, RunCompleted, RunFailed:
		return st, nil
	}
	return "", adwerrors.New(adwerrors.EInvalidArgument, fmt.Sprintf("unknown status %q", s))
}

// IsTerminal reports whether no automatic transition leaves s
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// PhaseStatus represents the execution state of a single phase attempt
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
)

// ErrorKind classifies a phase failure
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindTimeout               ErrorKind = "timeout"
	KindAgentUnavailable      ErrorKind = "agent_unavailable"
	KindAuthenticationFailure ErrorKind = "authentication_failure"
	KindTestFailure           ErrorKind = "test_failure"
	KindNoActionNeeded        ErrorKind = "no_action_needed"
	KindMergeConflict         ErrorKind = "merge_conflict"
	KindInvalidIssueContent   ErrorKind = "invalid_issue_content"
	KindUnknown               ErrorKind = "unknown"
)

// ParseErrorKind maps a wire value to a kind. Unrecognized values yield KindNone.
func ParseErrorKind(s string) ErrorKind {
	switch k := ErrorKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindTimeout, KindAgentUnavailable, KindAuthenticationFailure, KindTestFailure,
		KindNoActionNeeded, KindMergeConflict, KindInvalidIssueContent, KindUnknown:
		return k
	}
	return KindNone
}

// LogLevel is the severity of a workflow log entry
type LogLevel string

const (
	LevelDebug    LogLevel = "DEBUG"
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelCritical LogLevel = "CRITICAL"
)
