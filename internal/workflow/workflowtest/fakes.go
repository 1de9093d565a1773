// Package workflowtest provides a scripted agent runner and a recording
// GitHub collaborator for exercising the workflow engine without Claude or
// the GitHub API.
package workflowtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/agent"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// Step is one scripted agent invocation
type Step struct {
	Result *agent.Result
	Err    error

	// Block, when set, holds the invocation until it is closed or the
	// context ends
	Block <-chan struct{}
	Delay time.Duration
}

// Succeed returns a step reporting success with artifacts
func Succeed(a domain.Artifacts) Step {
	return Step{Result: agent.Succeeded(a)}
}

// Fail returns a step reporting an agent failure
func Fail(msg string, hint domain.ErrorKind) Step {
	return Step{Result: agent.Failed(msg, hint)}
}

// Hang returns a step that only ends with its context
func Hang() Step {
	return Step{Block: make(chan struct{})}
}

// Runner is an agent.Runner that replays scripted steps per phase. Phases
// without remaining steps succeed with default artifacts.
type Runner struct {
	mu    sync.Mutex
	steps map[domain.Phase][]Step
	calls []agent.Request

	// Started receives every request as the invocation begins, if non-nil
	Started chan agent.Request
}

// NewRunner creates a runner with an empty script
func NewRunner() *Runner {
	return &Runner{steps: make(map[domain.Phase][]Step)}
}

// On appends steps for phase
func (r *Runner) On(phase domain.Phase, steps ...Step) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[phase] = append(r.steps[phase], steps...)
	return r
}

// Execute replays the next step for req.Phase
func (r *Runner) Execute(ctx context.Context, req agent.Request) (*agent.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	var step Step
	if queue := r.steps[req.Phase]; len(queue) > 0 {
		step, r.steps[req.Phase] = queue[0], queue[1:]
	} else {
		step = Succeed(DefaultArtifacts(req))
	}
	started := r.Started
	r.mu.Unlock()

	if started != nil {
		started <- req
	}
	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Result == nil {
		return agent.Succeeded(DefaultArtifacts(req)), nil
	}
	res := *step.Result
	return &res, nil
}

// Calls returns every request received so far
func (r *Runner) Calls() []agent.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Request(nil), r.calls...)
}

// CallsFor returns the requests received for phase
func (r *Runner) CallsFor(phase domain.Phase) []agent.Request {
	var out []agent.Request
	for _, c := range r.Calls() {
		if c.Phase == phase {
			out = append(out, c)
		}
	}
	return out
}

// DefaultArtifacts are what a phase produces when nothing was scripted
func DefaultArtifacts(req agent.Request) domain.Artifacts {
	switch req.Phase {
	case domain.PhasePlan:
		return domain.Artifacts{
			Branch:   fmt.Sprintf("adw-%s-issue-%d", req.ADWID, req.IssueNumber),
			PlanFile: fmt.Sprintf("specs/issue-%d.md", req.IssueNumber),
		}
	case domain.PhaseBuild:
		return domain.Artifacts{Summary: fmt.Sprintf("Implemented #%d", req.IssueNumber)}
	default:
		return domain.Artifacts{Summary: "All tests pass"}
	}
}

// Comment is a recorded issue comment
type Comment struct {
	Issue int
	Text  string
}

// PullRequest is a recorded CreateOrUpdatePR call
type PullRequest struct {
	Branch string
	Title  string
	Body   string
}

// Collaborator records GitHub side effects
type Collaborator struct {
	mu       sync.Mutex
	comments []Comment
	prs      []PullRequest

	PRURL      string
	CommentErr error
	PRErr      error
}

// PostComment records the comment and returns CommentErr
func (c *Collaborator) PostComment(_ context.Context, issue int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.comments = append(c.comments, Comment{Issue: issue, Text: text})
	return c.CommentErr
}

// CreateOrUpdatePR records the call and returns PRURL or PRErr
func (c *Collaborator) CreateOrUpdatePR(_ context.Context, branch, title, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prs = append(c.prs, PullRequest{Branch: branch, Title: title, Body: body})
	if c.PRErr != nil {
		return "", c.PRErr
	}
	return c.PRURL, nil
}

// Comments returns the recorded comments
func (c *Collaborator) Comments() []Comment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Comment(nil), c.comments...)
}

// PullRequests returns the recorded pull request calls
func (c *Collaborator) PullRequests() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PullRequest(nil), c.prs...)
}
