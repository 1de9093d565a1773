package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/recovery"
	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	labelStyle  = lipgloss.NewStyle().Bold(true)
)

func styledStatus(status string) string {
	switch status {
	case string(domain.RunCompleted):
		return okStyle.Render(status)
	case string(domain.RunFailed):
		return failStyle.Render(status)
	case string(domain.RunRunning):
		return activeStyle.Render(status)
	}
	return status
}

func printEvent(w io.Writer, ev workflow.Event) {
	ts := ev.At.Format("15:04:05")
	switch ev.Type {
	case workflow.EventPhaseStarted:
		fmt.Fprintf(w, "%s  %s started (attempt %d)\n", ts, ev.Phase, ev.Attempt)
	case workflow.EventPhaseCompleted:
		fmt.Fprintf(w, "%s  %s %s\n", ts, ev.Phase, okStyle.Render("completed"))
	case workflow.EventPhaseFailed:
		fmt.Fprintf(w, "%s  %s %s: %s\n", ts, ev.Phase, failStyle.Render("failed"), ev.Message)
	}
}

func printRun(w io.Writer, run *domain.WorkflowRun) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Run:     "), run.ADWID)
	fmt.Fprintf(w, "%s #%d\n", labelStyle.Render("Issue:   "), run.IssueNumber)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Workflow:"), run.Type)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Status:  "), styledStatus(string(run.Status)))
	if run.BranchName != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Branch:  "), run.BranchName)
	}
	if run.PullRequestURL != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("PR:      "), run.PullRequestURL)
	}
	if run.Status == domain.RunFailed {
		fmt.Fprintf(w, "%s [%s] %s in %s\n", labelStyle.Render("Error:   "), run.ErrorKind, run.ErrorMessage, run.ErrorPhase)
		fmt.Fprintf(w, "\n%s\n", recovery.Instructions(recovery.ForKind(run.ErrorKind)))
	}

	if len(run.Phases) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tATTEMPT\tSTATUS\tDURATION\tOUTPUT\tERROR")
	for _, p := range run.Phases {
		dur := "-"
		if p.StartedAt != nil && p.CompletedAt != nil {
			dur = p.CompletedAt.Sub(*p.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			p.Phase, p.Attempt, p.Status, dur, dash(p.OutputRef), dash(p.ErrorMessage))
	}
	tw.Flush()
}

func printRunList(w io.Writer, page *workflow.RunPage, now time.Time) {
	if len(page.Items) == 0 {
		fmt.Fprintln(w, "No runs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADW ID\tISSUE\tWORKFLOW\tSTATUS\tDURATION\tERROR")
	for _, r := range page.Items {
		errMsg := ""
		if r.Status == domain.RunFailed {
			errMsg = fmt.Sprintf("%s: [%s] %s", r.ErrorPhase, r.ErrorKind, r.ErrorMessage)
		}
		fmt.Fprintf(tw, "%s\t#%d\t%s\t%s\t%s\t%s\n",
			r.ADWID, r.IssueNumber, r.Type, r.Status,
			r.Duration(now).Round(time.Second), dash(errMsg))
	}
	tw.Flush()
	fmt.Fprintf(w, "\nShowing %d-%d of %d\n", page.Offset+1, page.Offset+len(page.Items), page.Total)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
