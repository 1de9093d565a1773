package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// resultMessage is the final stream-json message from Claude Code
type resultMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Result    string `json:"result,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

func (m *resultMessage) cost() float64 {
	if m.TotalCostUSD != 0 {
		return m.TotalCostUSD
	}
	return m.CostUSD
}

// parseResultLine returns the result message if line is one
func parseResultLine(line string) (*resultMessage, bool) {
	if !strings.HasPrefix(strings.TrimSpace(line), "{") {
		return nil, false
	}
	var msg resultMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, false
	}
	if msg.Type != "result" {
		return nil, false
	}
	return &msg, true
}

// report is the fenced ```adw block the phase prompts ask the agent to end with
type report struct {
	Status    string `json:"status"`
	Branch    string `json:"branch"`
	PlanFile  string `json:"plan_file"`
	PRURL     string `json:"pr_url"`
	Summary   string `json:"summary"`
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

func (r report) artifacts() domain.Artifacts {
	return domain.Artifacts{
		Branch:   r.Branch,
		PlanFile: r.PlanFile,
		PRURL:    r.PRURL,
		Summary:  r.Summary,
	}
}

func (r report) kind() domain.ErrorKind {
	if r.ErrorKind == "" {
		return domain.KindNone
	}
	return domain.ParseErrorKind(r.ErrorKind)
}

var reportBlock = regexp.MustCompile("(?s)```adw[ \t]*\r?\n(.*?)\r?\n?```")

// parseReport extracts the last ```adw block from the agent's final text.
// found is false when there is no block.
func parseReport(text string) (report, bool, error) {
	matches := reportBlock.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return report{}, false, nil
	}
	body := matches[len(matches)-1][1]

	var r report
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &r); err != nil {
		return report{}, true, fmt.Errorf("malformed adw report: %w", err)
	}
	r.Status = strings.ToLower(strings.TrimSpace(r.Status))
	if r.Status != "" && r.Status != string(OutcomeSuccess) && r.Status != string(OutcomeFailure) {
		return report{}, true, fmt.Errorf("adw report has unknown status %q", r.Status)
	}
	return r, true, nil
}

// extractError scans output lines for error messages from the CLI and
// returns a human-readable message
func extractError(lines []string) string {
	// Scan in reverse (errors usually at the end)
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var claudeErr struct {
			Type    string `json:"type"`
			Subtype string `json:"subtype"`
			Error   string `json:"error"`
			Result  string `json:"result"`
			IsError bool   `json:"is_error"`
		}
		if err := json.Unmarshal([]byte(line), &claudeErr); err != nil {
			continue
		}
		if claudeErr.Type == "error" && claudeErr.Error != "" {
			return claudeErr.Error
		}
		if claudeErr.Type == "result" && claudeErr.IsError {
			return firstNonEmpty(claudeErr.Result, claudeErr.Subtype)
		}
	}
	return ""
}
