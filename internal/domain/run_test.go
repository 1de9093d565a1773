package domain

import (
	"testing"
	"time"

	adwerrors "github.com/hochfrequenz/adw-orchestrator/internal/errors"
)

func TestParseWorkflowType(t *testing.T) {
	tests := []struct {
		input   string
		want    WorkflowType
		wantErr bool
	}{
		{"plan", WorkflowPlan, false},
		{"plan_build_test", WorkflowPlanBuildTest, false},
		{"adw_plan_build", WorkflowPlanBuild, false},
		{" BUILD ", WorkflowBuild, false},
		{"deploy", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseWorkflowType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseWorkflowType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && adwerrors.GetCode(err) != adwerrors.EInvalidWorkflowType {
				t.Errorf("code = %q, want %q", adwerrors.GetCode(err), adwerrors.EInvalidWorkflowType)
			}
			if got != tt.want {
				t.Errorf("ParseWorkflowType(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPhasesFor(t *testing.T) {
	tests := []struct {
		wt   WorkflowType
		want []Phase
	}{
		{WorkflowPlan, []Phase{PhasePlan}},
		{WorkflowBuild, []Phase{PhaseBuild}},
		{WorkflowTest, []Phase{PhaseTest}},
		{WorkflowPlanBuild, []Phase{PhasePlan, PhaseBuild}},
		{WorkflowPlanBuildTest, []Phase{PhasePlan, PhaseBuild, PhaseTest}},
	}

	for _, tt := range tests {
		got := PhasesFor(tt.wt)
		if len(got) != len(tt.want) {
			t.Fatalf("PhasesFor(%s) = %v, want %v", tt.wt, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("PhasesFor(%s)[%d] = %s, want %s", tt.wt, i, got[i], tt.want[i])
			}
		}
	}

	if PhasesFor("nope") != nil {
		t.Error("unknown workflow type should have no phases")
	}
}

func TestPhaseTable_PhasesReturnsCopy(t *testing.T) {
	plan := DefaultPhaseTable()
	phases := plan.Phases(WorkflowPlanBuild)
	phases[0] = PhaseTest

	if plan.Phases(WorkflowPlanBuild)[0] != PhasePlan {
		t.Error("mutating the returned slice changed the plan")
	}
}

func TestPhaseTable_Validate(t *testing.T) {
	if err := DefaultPhaseTable().Validate(); err != nil {
		t.Errorf("default plan should be valid: %v", err)
	}
	bad := PhaseTable{WorkflowPlanBuild: {PhasePlan, PhasePlan}}
	if err := bad.Validate(); err == nil {
		t.Error("repeated phase should be rejected")
	}
	bad = PhaseTable{WorkflowPlan: {"deploy"}}
	if err := bad.Validate(); err == nil {
		t.Error("unknown phase should be rejected")
	}
}

func TestCanTransition(t *testing.T) {
	statuses := []RunStatus{RunPending, RunRunning, RunCompleted, RunFailed}
	allowed := map[[2]RunStatus]bool{
		{RunPending, RunRunning}:   true,
		{RunRunning, RunCompleted}: true,
		{RunRunning, RunFailed}:    true,
		{RunFailed, RunRunning}:    true,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]RunStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestWorkflowRun_TimestampInvariants(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	run := NewWorkflowRun(42, WorkflowPlanBuild, t0)

	checkInvariants := func(step string) {
		t.Helper()
		if (run.CompletedAt != nil) != run.Status.IsTerminal() {
			t.Errorf("%s: completed_at set = %v with status %s", step, run.CompletedAt != nil, run.Status)
		}
		if (run.StartedAt != nil) != (run.Status != RunPending) {
			t.Errorf("%s: started_at set = %v with status %s", step, run.StartedAt != nil, run.Status)
		}
	}

	checkInvariants("created")

	if err := run.TransitionTo(RunRunning, t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	checkInvariants("running")

	if err := run.Fail(PhaseBuild, KindTimeout, "agent timed out", t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	checkInvariants("failed")
	if run.ErrorPhase != PhaseBuild || run.ErrorKind != KindTimeout {
		t.Errorf("error = (%s, %s), want (build, timeout)", run.ErrorPhase, run.ErrorKind)
	}

	if err := run.TransitionTo(RunRunning, t0.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	checkInvariants("retried")
	if run.ErrorMessage != "" || run.ErrorPhase != "" {
		t.Error("retry should clear the previous error")
	}
	if !run.StartedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("StartedAt = %v, want first start time", run.StartedAt)
	}

	if err := run.TransitionTo(RunCompleted, t0.Add(3*time.Minute)); err != nil {
		t.Fatal(err)
	}
	checkInvariants("completed")
}

func TestWorkflowRun_ActiveSince(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	run := NewWorkflowRun(7, WorkflowPlanBuild, t0)

	if got := run.ActiveSince(); !got.IsZero() {
		t.Errorf("pending ActiveSince = %v, want zero", got)
	}

	if err := run.TransitionTo(RunRunning, t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if run.ResumedAt != nil {
		t.Error("first start must not set ResumedAt")
	}
	if got := run.ActiveSince(); !got.Equal(t0.Add(time.Second)) {
		t.Errorf("ActiveSince = %v, want first start", got)
	}

	if err := run.Fail(PhaseBuild, KindUnknown, "crashed", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := run.TransitionTo(RunRunning, t0.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if got := run.ActiveSince(); !got.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("ActiveSince after retry = %v, want retry time", got)
	}
	if !run.StartedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("StartedAt = %v, want first start time", run.StartedAt)
	}
}

func TestWorkflowRun_InvalidTransition(t *testing.T) {
	run := NewWorkflowRun(1, WorkflowPlan, time.Now())

	err := run.TransitionTo(RunCompleted, time.Now())
	if adwerrors.GetCode(err) != adwerrors.EInvalidStateTransition {
		t.Fatalf("code = %q, want %q", adwerrors.GetCode(err), adwerrors.EInvalidStateTransition)
	}
	if run.Status != RunPending {
		t.Errorf("Status = %s, want pending after rejected transition", run.Status)
	}
}

func TestNewADWID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewADWID()
		if len(id) != 8 {
			t.Fatalf("len(%q) = %d, want 8", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestArtifacts_Merge(t *testing.T) {
	base := Artifacts{Branch: "feat-1", PlanFile: "specs/plan.md"}
	got := base.Merge(Artifacts{Branch: "feat-2", PRURL: "https://github.com/o/r/pull/3"})

	want := Artifacts{Branch: "feat-2", PlanFile: "specs/plan.md", PRURL: "https://github.com/o/r/pull/3"}
	if got != want {
		t.Errorf("Merge = %+v, want %+v", got, want)
	}
}

func TestWorkflowRun_Errors(t *testing.T) {
	run := &WorkflowRun{}
	if len(run.Errors()) != 0 {
		t.Error("run without error should have no errors")
	}
	run.ErrorPhase = PhaseTest
	run.ErrorMessage = "3 tests failed"
	if got := run.Errors(); len(got) != 1 || got[0] != "[test] 3 tests failed" {
		t.Errorf("Errors() = %v", got)
	}
}
