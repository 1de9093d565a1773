package workflow

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/recovery"
)

// Comments are prefixed so runs can be told apart from human discussion
const commentPrefix = "[ADW]"

const prBodyTemplate = `## Summary
%s

## Plan
%s

## Workflow
- ADW ID: %s
- Workflow: %s
- Phases: %s

Closes #%d

---
Autonomous implementation by ADW Orchestrator
`

func phaseList(phases []domain.Phase) string {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func startedComment(run *domain.WorkflowRun, phases []domain.Phase) string {
	return fmt.Sprintf("%s Workflow `%s` started for this issue.\n\nADW ID: `%s`\nPhases: %s",
		commentPrefix, run.Type, run.ADWID, phaseList(phases))
}

func retriedComment(run *domain.WorkflowRun, from domain.Phase) string {
	return fmt.Sprintf("%s Retrying workflow `%s` from the %s phase.\n\nADW ID: `%s`",
		commentPrefix, run.Type, from, run.ADWID)
}

func failedComment(run *domain.WorkflowRun) string {
	c := recovery.ForKind(run.ErrorKind)
	return fmt.Sprintf("%s Workflow `%s` failed in the %s phase.\n\nADW ID: `%s`\n\n```\n%s\n```\n\n%s",
		commentPrefix, run.Type, run.ErrorPhase, run.ADWID, run.ErrorMessage, recovery.Instructions(c))
}

func completedComment(run *domain.WorkflowRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Workflow `%s` completed.\n\nADW ID: `%s`", commentPrefix, run.Type, run.ADWID)
	if run.PullRequestURL != "" {
		fmt.Fprintf(&b, "\nPull request: %s", run.PullRequestURL)
	}
	if run.ImplementationSummary != "" {
		fmt.Fprintf(&b, "\n\n%s", run.ImplementationSummary)
	}
	return b.String()
}

func prTitle(run *domain.WorkflowRun) string {
	return fmt.Sprintf("adw(%s): resolve #%d", run.Type, run.IssueNumber)
}

func prBody(run *domain.WorkflowRun, phases []domain.Phase) string {
	summary := run.ImplementationSummary
	if summary == "" {
		summary = fmt.Sprintf("Implements #%d", run.IssueNumber)
	}
	plan := "_no plan file_"
	if run.PlanFile != "" {
		plan = "`" + run.PlanFile + "`"
	}
	return fmt.Sprintf(prBodyTemplate, summary, plan, run.ADWID, run.Type, phaseList(phases), run.IssueNumber)
}
