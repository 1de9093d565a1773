package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

func TestParseResultLine(t *testing.T) {
	line := `{"type":"result","subtype":"success","is_error":false,"result":"done","usage":{"input_tokens":120,"output_tokens":45},"total_cost_usd":0.25}`

	msg, ok := parseResultLine(line)
	if !ok {
		t.Fatal("result line not recognised")
	}
	if msg.Usage.InputTokens != 120 || msg.Usage.OutputTokens != 45 {
		t.Errorf("usage = %+v", msg.Usage)
	}
	if msg.cost() != 0.25 {
		t.Errorf("cost = %v, want 0.25", msg.cost())
	}

	for _, other := range []string{`{"type":"assistant"}`, "plain text", `{"type":`} {
		if _, ok := parseResultLine(other); ok {
			t.Errorf("parseResultLine(%q) should not match", other)
		}
	}
}

func TestParseReport(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantFound bool
		wantErr   bool
		want      report
	}{
		{
			name:      "success block",
			text:      "All done.\n\n```adw\n{\"status\":\"success\",\"branch\":\"feat-1\",\"plan_file\":\"specs/1.md\"}\n```\n",
			wantFound: true,
			want:      report{Status: "success", Branch: "feat-1", PlanFile: "specs/1.md"},
		},
		{
			name:      "last block wins",
			text:      "```adw\n{\"status\":\"failure\"}\n```\nretrying\n```adw\n{\"status\":\"SUCCESS\",\"pr_url\":\"https://x/pull/1\"}\n```",
			wantFound: true,
			want:      report{Status: "success", PRURL: "https://x/pull/1"},
		},
		{
			name: "no block",
			text: "I changed three files.",
		},
		{
			name:      "malformed json",
			text:      "```adw\n{status: ok}\n```",
			wantFound: true,
			wantErr:   true,
		},
		{
			name:      "unknown status",
			text:      "```adw\n{\"status\":\"maybe\"}\n```",
			wantFound: true,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found, err := parseReport(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if found != tt.wantFound {
				t.Errorf("found = %v, want %v", found, tt.wantFound)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("report = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestExtractError(t *testing.T) {
	lines := []string{
		`{"type":"assistant"}`,
		`{"type":"error","error":"API Error: 401 invalid x-api-key"}`,
		"trailing noise",
	}
	if got := extractError(lines); got != "API Error: 401 invalid x-api-key" {
		t.Errorf("extractError = %q", got)
	}
	if got := extractError([]string{"nothing", "here"}); got != "" {
		t.Errorf("extractError = %q, want empty", got)
	}
}

func TestStreamState_Result(t *testing.T) {
	t.Run("success with report", func(t *testing.T) {
		s := &streamState{}
		s.add(`{"type":"result","result":"ok\n`+"```adw\\n{\\\"status\\\":\\\"success\\\",\\\"branch\\\":\\\"b\\\",\\\"summary\\\":\\\"did it\\\"}\\n```"+`","usage":{"input_tokens":1,"output_tokens":2}}`, true)

		res := s.result(nil)
		assert.Equal(t, OutcomeSuccess, res.Outcome)
		assert.Equal(t, "b", res.Artifacts.Branch)
		assert.Equal(t, "did it", res.Artifacts.Summary)
		assert.Equal(t, 2, res.TokensOutput)
	})

	t.Run("agent reported failure", func(t *testing.T) {
		s := &streamState{}
		s.add(`{"type":"result","result":"`+"```adw\\n{\\\"status\\\":\\\"failure\\\",\\\"error\\\":\\\"2 tests failed\\\",\\\"error_kind\\\":\\\"test_failure\\\"}\\n```"+`"}`, true)

		res := s.result(nil)
		assert.Equal(t, OutcomeFailure, res.Outcome)
		assert.Equal(t, "2 tests failed", res.ErrorMessage)
		assert.Equal(t, domain.KindTestFailure, res.KindHint)
	})

	t.Run("non-zero exit uses stderr", func(t *testing.T) {
		s := &streamState{}
		s.add("fatal: not a git repository", false)

		res := s.result(errors.New("exit status 1"))
		assert.Equal(t, OutcomeFailure, res.Outcome)
		assert.Equal(t, "exit status 1: fatal: not a git repository", res.ErrorMessage)
	})

	t.Run("no result message", func(t *testing.T) {
		res := (&streamState{}).result(nil)
		assert.Equal(t, OutcomeFailure, res.Outcome)
	})
}

func TestSessionID_Deterministic(t *testing.T) {
	a := SessionID("abcd1234", "build", 1)
	if a != SessionID("abcd1234", "build", 1) {
		t.Error("same attempt should map to the same session")
	}
	if a == SessionID("abcd1234", "build", 2) {
		t.Error("different attempts should map to different sessions")
	}
}

// writeScript creates an executable fake agent CLI
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestClaudeRunner_Execute(t *testing.T) {
	script := writeScript(t, `
case "$*" in
  *--session-id*) ;;
  *) echo "missing session id" >&2; exit 2 ;;
esac
printf '%s\n' '{"type":"system","subtype":"init"}'
printf '%s\n' '{"type":"result","subtype":"success","is_error":false,"result":"` + "```" + `adw\n{\"status\":\"success\",\"branch\":\"adw-1\",\"plan_file\":\"specs/1.md\"}\n` + "```" + `","usage":{"input_tokens":10,"output_tokens":5},"total_cost_usd":0.01}'
`)

	r := &ClaudeRunner{Command: script, WorkDir: t.TempDir()}
	res, err := r.Execute(context.Background(), Request{ADWID: "abcd1234", Phase: domain.PhasePlan, Attempt: 1, IssueNumber: 1})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, res.Outcome, res.ErrorMessage)
	assert.Equal(t, "adw-1", res.Artifacts.Branch)
	assert.Equal(t, "specs/1.md", res.Artifacts.PlanFile)
	assert.Equal(t, 10, res.TokensInput)
	assert.Equal(t, SessionID("abcd1234", "plan", 1), res.SessionID)
}

func TestClaudeRunner_NonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "Error: Invalid API key" >&2
exit 1
`)

	r := &ClaudeRunner{Command: script}
	res, err := r.Execute(context.Background(), Request{ADWID: "x", Phase: domain.PhaseBuild, Attempt: 1, IssueNumber: 1})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.True(t, strings.Contains(res.ErrorMessage, "Invalid API key"), res.ErrorMessage)
}

func TestClaudeRunner_MissingExecutable(t *testing.T) {
	r := &ClaudeRunner{Command: "adw-definitely-not-installed"}
	res, err := r.Execute(context.Background(), Request{ADWID: "x", Phase: domain.PhasePlan, Attempt: 1, IssueNumber: 1})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, domain.KindAgentUnavailable, res.KindHint)
}

func TestClaudeRunner_Timeout(t *testing.T) {
	script := writeScript(t, "exec sleep 10\n")

	r := &ClaudeRunner{Command: script, WaitDelay: 100 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Execute(ctx, Request{ADWID: "x", Phase: domain.PhaseTest, Attempt: 1, IssueNumber: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
