package recovery

import (
	"strings"
	"testing"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

func TestClassify_Keywords(t *testing.T) {
	tests := []struct {
		phase   domain.Phase
		message string
		want    domain.ErrorKind
	}{
		{domain.PhaseBuild, "agent timed out after 30m", domain.KindTimeout},
		{domain.PhasePlan, "context deadline exceeded", domain.KindTimeout},
		{domain.PhasePlan, `exec: "claude": executable file not found in $PATH`, domain.KindAgentUnavailable},
		{domain.PhaseBuild, "dial tcp: connection refused", domain.KindAgentUnavailable},
		{domain.PhaseBuild, "GitHub API returned 401 Bad credentials", domain.KindAuthenticationFailure},
		{domain.PhaseBuild, "API Error: 401 invalid x-api-key", domain.KindAuthenticationFailure},
		{domain.PhaseBuild, "HTTP/1.1 403 Forbidden", domain.KindAuthenticationFailure},
		{domain.PhasePlan, "request failed with status 429", domain.KindAgentUnavailable},
		{domain.PhasePlan, "503 Service Unavailable", domain.KindAgentUnavailable},
		{domain.PhaseBuild, "compile error in handler_4031.go", domain.KindUnknown},
		{domain.PhasePlan, "see issue #403 for the original report", domain.KindUnknown},
		{domain.PhaseBuild, "processed 5030 records then crashed", domain.KindUnknown},
		{domain.PhaseBuild, "CONFLICT (content): Merge conflict in main.go", domain.KindMergeConflict},
		{domain.PhasePlan, "Issue already resolved in #12", domain.KindNoActionNeeded},
		{domain.PhasePlan, "issue body is empty, not enough information", domain.KindInvalidIssueContent},
		{domain.PhaseTest, "3 tests failed", domain.KindTestFailure},
		{domain.PhaseBuild, "3 tests failed", domain.KindUnknown},
		{domain.PhaseBuild, "segfault", domain.KindUnknown},
		{domain.PhaseBuild, "", domain.KindUnknown},
	}

	for _, tt := range tests {
		got := Classify(tt.phase, tt.message, domain.KindNone)
		if got.Kind != tt.want {
			t.Errorf("Classify(%s, %q) = %s, want %s", tt.phase, tt.message, got.Kind, tt.want)
		}
	}
}

func TestClassify_HintWins(t *testing.T) {
	got := Classify(domain.PhaseBuild, "timed out", domain.KindMergeConflict)
	if got.Kind != domain.KindMergeConflict {
		t.Errorf("Kind = %s, want merge_conflict", got.Kind)
	}

	got = Classify(domain.PhaseBuild, "timed out", "bogus")
	if got.Kind != domain.KindTimeout {
		t.Errorf("unknown hint should fall back to keywords, got %s", got.Kind)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind      domain.ErrorKind
		retryable bool
		autoRetry bool
	}{
		{domain.KindTimeout, true, false},
		{domain.KindAgentUnavailable, true, false},
		{domain.KindMergeConflict, true, false},
		{domain.KindAuthenticationFailure, false, false},
		{domain.KindInvalidIssueContent, false, false},
		{domain.KindNoActionNeeded, false, false},
		{domain.KindTestFailure, true, true},
		{domain.KindUnknown, true, true},
	}

	for _, tt := range tests {
		c := ForKind(tt.kind)
		if c.Retryable != tt.retryable {
			t.Errorf("%s Retryable = %v, want %v", tt.kind, c.Retryable, tt.retryable)
		}
		if c.AutoRetry != tt.autoRetry {
			t.Errorf("%s AutoRetry = %v, want %v", tt.kind, c.AutoRetry, tt.autoRetry)
		}
		if Retryable(tt.kind) != tt.retryable {
			t.Errorf("Retryable(%s) = %v, want %v", tt.kind, Retryable(tt.kind), tt.retryable)
		}
	}
}

func TestPolicy_ShouldAutoRetry(t *testing.T) {
	p := Policy{MaxAutoRetries: 3}

	tests := []struct {
		kind    domain.ErrorKind
		attempt int
		want    bool
	}{
		{domain.KindTestFailure, 1, true},
		{domain.KindTestFailure, 2, true},
		{domain.KindTestFailure, 3, false},
		{domain.KindUnknown, 1, true},
		{domain.KindTimeout, 1, false},
		{domain.KindAuthenticationFailure, 1, false},
	}

	for _, tt := range tests {
		got, reason := p.ShouldAutoRetry(tt.kind, tt.attempt)
		if got != tt.want {
			t.Errorf("ShouldAutoRetry(%s, %d) = %v (%s), want %v", tt.kind, tt.attempt, got, reason, tt.want)
		}
		if reason == "" {
			t.Errorf("ShouldAutoRetry(%s, %d) gave no reason", tt.kind, tt.attempt)
		}
	}

	if ok, _ := (Policy{}).ShouldAutoRetry(domain.KindUnknown, 1); ok {
		t.Error("zero cap should disable auto retry")
	}
}

func TestInstructions(t *testing.T) {
	out := Instructions(ForKind(domain.KindAuthenticationFailure))

	for _, want := range []string{"Error Type: authentication_failure", "Severity: fatal", "Recoverable: No", "1. Verify the GitHub token is valid"} {
		if !strings.Contains(out, want) {
			t.Errorf("Instructions missing %q:\n%s", want, out)
		}
	}
}

func TestForKind_StepsAreCopied(t *testing.T) {
	c := ForKind(domain.KindTimeout)
	c.Steps[0] = "mutated"

	if ForKind(domain.KindTimeout).Steps[0] == "mutated" {
		t.Error("ForKind should return a copy of the steps")
	}
}
