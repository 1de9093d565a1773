// Package agent defines the External Agent Runner capability and its
// Claude Code CLI implementation.
package agent

import (
	"context"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// Outcome is the verdict of one agent invocation
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Request describes one phase invocation
type Request struct {
	ADWID        string
	Phase        domain.Phase
	Attempt      int
	IssueNumber  int
	WorkflowType domain.WorkflowType
	Prior        domain.Artifacts
}

// Result is what the agent reports back
type Result struct {
	Outcome      Outcome
	Artifacts    domain.Artifacts
	ErrorMessage string

	// KindHint is the agent's own classification of a failure, if it gave one
	KindHint domain.ErrorKind

	SessionID    string
	TokensInput  int
	TokensOutput int
	CostUSD      float64
}

// Runner performs the AI-driven work of a single phase. Implementations
// must return promptly once ctx is done; the returned error is reserved for
// that case and for failures to report a result at all.
type Runner interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, req Request) (*Result, error)

// Execute calls f
func (f RunnerFunc) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Succeeded returns a successful result carrying artifacts
func Succeeded(a domain.Artifacts) *Result {
	return &Result{Outcome: OutcomeSuccess, Artifacts: a}
}

// Failed returns a failed result
func Failed(msg string, hint domain.ErrorKind) *Result {
	return &Result{Outcome: OutcomeFailure, ErrorMessage: msg, KindHint: hint}
}
