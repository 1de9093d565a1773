// Package recovery classifies phase failures into error kinds and decides
// whether the coordinator may retry them on its own.
package recovery

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// Severity grades how much human work a failure needs
type Severity string

const (
	SeverityRecoverable          Severity = "recoverable"
	SeverityPartiallyRecoverable Severity = "partially_recoverable"
	SeverityFatal                Severity = "fatal"
)

// Classification is the verdict for one failure
type Classification struct {
	Kind     domain.ErrorKind
	Severity Severity

	// Retryable is false when a human has to fix something before a retry can succeed
	Retryable bool

	// AutoRetry marks kinds the coordinator may retry itself, up to the policy cap
	AutoRetry bool

	Steps []string
}

type profile struct {
	severity  Severity
	retryable bool
	autoRetry bool
	steps     []string
}

var profiles = map[domain.ErrorKind]profile{
	domain.KindTimeout: {SeverityRecoverable, true, false, []string{
		"Check whether the agent is hanging on an interactive prompt",
		"Raise the phase timeout if the task is large",
		"Retry the failed phase",
	}},
	domain.KindAgentUnavailable: {SeverityRecoverable, true, false, []string{
		"Check the agent CLI is installed and on PATH",
		"Check network connectivity and API status",
		"Retry the failed phase",
	}},
	domain.KindAuthenticationFailure: {SeverityFatal, false, false, []string{
		"Verify the GitHub token is valid",
		"Check the token and agent credentials have the required permissions",
		"Retry once credentials are fixed",
	}},
	domain.KindTestFailure: {SeverityPartiallyRecoverable, true, true, []string{
		"Review the test failure details",
		"Check whether the implementation is correct",
		"Fix the implementation and retry the test phase",
	}},
	domain.KindNoActionNeeded: {SeverityFatal, false, false, []string{
		"Confirm the issue is already resolved",
		"Close the issue or clarify what is still missing",
	}},
	domain.KindMergeConflict: {SeverityPartiallyRecoverable, true, false, []string{
		"Resolve the branch conflict manually",
		"Rebase the branch on the base branch",
		"Retry the failed phase",
	}},
	domain.KindInvalidIssueContent: {SeverityFatal, false, false, []string{
		"Add reproduction steps or acceptance criteria to the issue",
		"Retry the workflow once the issue is updated",
	}},
	domain.KindUnknown: {SeverityPartiallyRecoverable, true, true, []string{
		"Review the error message carefully",
		"Check the run logs for more details",
		"Retry the workflow",
		"If the failure persists, report it",
	}},
}

type rule struct {
	kind     domain.ErrorKind
	keywords []string

	// status matches HTTP status codes only where they read as a status,
	// not inside file names or issue references
	status *regexp.Regexp
	phase  domain.Phase
}

func statusPattern(codes, reasons string) *regexp.Regexp {
	return regexp.MustCompile(`(?:\b(?:status|http(?:/[\d.]+)?|code|error|returned|response)[\s:=]*(?:` + codes +
		`)\b)|(?:(?:^|[\s(\[])(?:` + codes + `)\s+(?:` + reasons + `)\b)`)
}

// Rules are checked in order; the first match wins.
var rules = []rule{
	{kind: domain.KindTimeout, keywords: []string{"timeout", "timed out", "deadline exceeded"}},
	{
		kind:     domain.KindAuthenticationFailure,
		keywords: []string{"authentication", "unauthorized", "bad credentials", "invalid token", "token expired", "permission denied"},
		status:   statusPattern("401|403", "unauthorized|forbidden"),
	},
	{
		kind:     domain.KindAgentUnavailable,
		keywords: []string{"executable file not found", "command not found", "connection refused", "service unavailable", "too many requests", "rate limit"},
		status:   statusPattern("429|502|503", "too many requests|bad gateway|service unavailable"),
	},
	{kind: domain.KindMergeConflict, keywords: []string{"merge conflict", "conflict"}},
	{kind: domain.KindNoActionNeeded, keywords: []string{"no changes", "already resolved", "already implemented", "nothing to do", "no action needed"}},
	{kind: domain.KindInvalidIssueContent, keywords: []string{"invalid issue", "issue body", "not enough information", "unclear requirements"}},
	{kind: domain.KindTestFailure, keywords: []string{"test", "fail"}, phase: domain.PhaseTest},
}

// Classify assigns an error kind to a phase failure. A non-empty hint from
// the runner wins over message keywords.
func Classify(phase domain.Phase, message string, hint domain.ErrorKind) Classification {
	kind := hint
	if _, known := profiles[kind]; !known {
		kind = classifyMessage(phase, message)
	}
	return ForKind(kind)
}

func classifyMessage(phase domain.Phase, message string) domain.ErrorKind {
	lower := strings.ToLower(message)
	for _, r := range rules {
		if r.phase != "" && r.phase != phase {
			continue
		}
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.kind
			}
		}
		if r.status != nil && r.status.MatchString(lower) {
			return r.kind
		}
	}
	return domain.KindUnknown
}

// ForKind returns the classification profile of kind. Unrecognised kinds
// are treated as unknown.
func ForKind(kind domain.ErrorKind) Classification {
	p, ok := profiles[kind]
	if !ok {
		kind = domain.KindUnknown
		p = profiles[kind]
	}
	steps := make([]string, len(p.steps))
	copy(steps, p.steps)
	return Classification{
		Kind:      kind,
		Severity:  p.severity,
		Retryable: p.retryable,
		AutoRetry: p.autoRetry,
		Steps:     steps,
	}
}

// Retryable reports whether a failure of kind can succeed on retry without
// human intervention
func Retryable(kind domain.ErrorKind) bool {
	return ForKind(kind).Retryable
}

// Policy caps automatic retries of the same phase
type Policy struct {
	MaxAutoRetries int
}

// DefaultPolicy matches the default configuration
func DefaultPolicy() Policy {
	return Policy{MaxAutoRetries: 3}
}

// ShouldAutoRetry decides whether the coordinator re-runs a phase on its own.
// attempt is the 1-based number of the attempt that just failed within the
// current execution; a value of MaxAutoRetries or more stops retrying.
func (p Policy) ShouldAutoRetry(kind domain.ErrorKind, attempt int) (bool, string) {
	c := ForKind(kind)
	if !c.AutoRetry {
		return false, fmt.Sprintf("%s failures are not retried automatically", c.Kind)
	}
	if attempt >= p.MaxAutoRetries {
		return false, fmt.Sprintf("max retries (%d) exceeded", p.MaxAutoRetries)
	}
	return true, fmt.Sprintf("will retry (attempt %d/%d)", attempt+1, p.MaxAutoRetries)
}

// Instructions renders human-readable recovery steps
func Instructions(c Classification) string {
	recoverable := "No"
	if c.Retryable {
		recoverable = "Yes"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Error Type: %s\n", c.Kind)
	fmt.Fprintf(&b, "Severity: %s\n", c.Severity)
	fmt.Fprintf(&b, "Recoverable: %s\n\n", recoverable)
	b.WriteString("Recovery Steps:")
	for i, step := range c.Steps {
		fmt.Fprintf(&b, "\n%d. %s", i+1, step)
	}
	return b.String()
}
