package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
)

func TestPrintRun(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(95 * time.Second)
	run := &domain.WorkflowRun{
		ADWID:        "a1b2c3d4",
		IssueNumber:  42,
		Type:         domain.WorkflowPlanBuild,
		Status:       domain.RunFailed,
		BranchName:   "feat-issue-42-adw-a1b2c3d4",
		ErrorPhase:   domain.PhaseBuild,
		ErrorKind:    domain.KindTestFailure,
		ErrorMessage: "2 tests failed",
		Phases: []*domain.PhaseRun{
			{Phase: domain.PhasePlan, Attempt: 1, Status: domain.PhaseCompleted, StartedAt: &start, CompletedAt: &end, OutputRef: "specs/issue-42.md"},
			{Phase: domain.PhaseBuild, Attempt: 1, Status: domain.PhaseFailed, StartedAt: &start, CompletedAt: &end, ErrorMessage: "2 tests failed"},
		},
	}

	var buf bytes.Buffer
	printRun(&buf, run)
	out := buf.String()

	for _, want := range []string{
		"a1b2c3d4", "#42", "plan_build", "feat-issue-42-adw-a1b2c3d4",
		"[test_failure] 2 tests failed in build",
		"Recovery Steps:",
		"specs/issue-42.md", "1m35s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("printRun output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintRunList(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	start := now.Add(-2 * time.Minute)

	tests := []struct {
		name string
		page *workflow.RunPage
		want []string
	}{
		{
			name: "empty",
			page: &workflow.RunPage{},
			want: []string{"No runs"},
		},
		{
			name: "page",
			page: &workflow.RunPage{
				Items: []*domain.WorkflowRun{
					{ADWID: "a1b2c3d4", IssueNumber: 1, Type: domain.WorkflowPlan, Status: domain.RunRunning, StartedAt: &start},
					{ADWID: "e5f6a7b8", IssueNumber: 2, Type: domain.WorkflowTest, Status: domain.RunFailed,
						ErrorPhase: domain.PhaseTest, ErrorKind: domain.KindTimeout, ErrorMessage: "timed out"},
				},
				Total:  12,
				Offset: 10,
			},
			want: []string{"a1b2c3d4", "#1", "2m0s", "test: [timeout] timed out", "Showing 11-12 of 12"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printRunList(&buf, tt.page, now)
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("printRunList output missing %q:\n%s", want, buf.String())
				}
			}
		})
	}
}

func TestPrintEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		ev   workflow.Event
		want string
	}{
		{workflow.Event{Type: workflow.EventPhaseStarted, Phase: domain.PhasePlan, Attempt: 2, At: at}, "plan started (attempt 2)"},
		{workflow.Event{Type: workflow.EventPhaseFailed, Phase: domain.PhaseBuild, Message: "boom", At: at}, "failed: boom"},
		{workflow.Event{Type: workflow.EventRunStarted, At: at}, ""},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		printEvent(&buf, tt.ev)
		if tt.want == "" {
			if buf.Len() != 0 {
				t.Errorf("printEvent(%s) = %q, want no output", tt.ev.Type, buf.String())
			}
			continue
		}
		if !strings.Contains(buf.String(), tt.want) {
			t.Errorf("printEvent(%s) = %q, want %q", tt.ev.Type, buf.String(), tt.want)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "run", "status", "list", "logs", "retry", "sweep", "watch"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}
