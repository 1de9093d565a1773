package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	queuedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("238"))

	completedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

// statusStyle colours a run or phase status
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(domain.RunCompleted):
		return completedStyle
	case string(domain.RunFailed):
		return failedStyle
	case string(domain.RunRunning):
		return runningStyle
	default:
		return queuedStyle
	}
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	counts := map[domain.RunStatus]int{}
	for _, r := range m.runs {
		counts[r.Status]++
	}
	header := fmt.Sprintf(" ADW Orchestrator │ Runs: %d │ Running: %d │ Failed: %d ",
		m.total, counts[domain.RunRunning], counts[domain.RunFailed])
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRuns()))
	b.WriteString("\n")

	if m.showDetail {
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderDetail()))
		b.WriteString("\n")
	}

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabs() string {
	var parts []string
	for i, f := range filters {
		name := "All"
		if f != "" {
			name = strings.ToUpper(string(f[:1])) + string(f[1:])
		}
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", name)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", name)))
		}
	}
	return strings.Join(parts, "│")
}

func (m Model) renderRuns() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNS"))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(failedStyle.Render("  Error: " + m.err.Error()))
		b.WriteString("\n")
	}
	if len(m.runs) == 0 {
		b.WriteString(queuedStyle.Render("  No runs. Trigger one with 'adw run <issue>'."))
		return b.String()
	}

	b.WriteString(dimmedStyle.Render(fmt.Sprintf("  %-8s %-6s %-15s %-10s %-9s %-7s %s",
		"ADW ID", "ISSUE", "WORKFLOW", "STATUS", "PHASE", "TIME", "ERROR")))
	b.WriteString("\n")

	for i, r := range m.runs {
		b.WriteString(m.formatRunLine(r, i == m.selectedRow))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) formatRunLine(r *domain.WorkflowRun, selected bool) string {
	phase := "-"
	if n := len(r.Phases); n > 0 {
		phase = string(r.Phases[n-1].Phase)
	}
	errMsg := ""
	if r.Status == domain.RunFailed {
		errMsg = fmt.Sprintf("[%s] %s", r.ErrorKind, r.ErrorMessage)
	}
	maxErr := max(m.width-70, 10)

	cursor := "  "
	if selected {
		cursor = "▸ "
	}
	line := fmt.Sprintf("%s%-8s #%-5d %-15s %s %-9s %-7s %s",
		cursor,
		r.ADWID,
		r.IssueNumber,
		r.Type,
		statusStyle(string(r.Status)).Render(fmt.Sprintf("%-10s", r.Status)),
		phase,
		formatDuration(r.Duration(time.Now())),
		truncate(errMsg, maxErr),
	)
	if selected {
		return selectedStyle.Render(line)
	}
	return line
}

func (m Model) renderDetail() string {
	var b strings.Builder

	r := m.detail
	if sel := m.selected(); r == nil || sel == nil || r.ADWID != sel.ADWID {
		b.WriteString(queuedStyle.Render("  Loading..."))
		return b.String()
	}

	b.WriteString(titleStyle.Render(fmt.Sprintf("RUN %s", r.ADWID)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Issue #%d │ %s │ %s\n", r.IssueNumber, r.Type, statusStyle(string(r.Status)).Render(string(r.Status)))
	if r.BranchName != "" {
		fmt.Fprintf(&b, "  Branch: %s\n", r.BranchName)
	}
	if r.PullRequestURL != "" {
		fmt.Fprintf(&b, "  PR: %s\n", r.PullRequestURL)
	}
	if r.Status == domain.RunFailed {
		b.WriteString(warningStyle.Render(fmt.Sprintf("  Failed in %s [%s]: %s", r.ErrorPhase, r.ErrorKind, r.ErrorMessage)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("PHASES"))
	b.WriteString("\n")
	for _, p := range r.Phases {
		line := fmt.Sprintf("  %-9s #%d %s", p.Phase, p.Attempt, statusStyle(string(p.Status)).Render(string(p.Status)))
		if p.StartedAt != nil && p.CompletedAt != nil {
			line += dimmedStyle.Render(" " + p.CompletedAt.Sub(*p.StartedAt).Round(time.Second).String())
		}
		if p.ErrorMessage != "" {
			line += " " + failedStyle.Render(truncate(p.ErrorMessage, max(m.width-40, 10)))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("LOG"))
	b.WriteString("\n")
	logs := m.logs
	// Show the tail that fits
	if limit := max(m.height-len(m.runs)-len(r.Phases)-20, 5); len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	for _, l := range logs {
		line := truncate(l.String(), max(m.width-8, 20))
		switch l.Level {
		case domain.LevelError:
			line = failedStyle.Render(line)
		case domain.LevelWarning:
			line = warningStyle.Render(line)
		case domain.LevelDebug:
			line = dimmedStyle.Render(line)
		}
		b.WriteString("  " + line + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderStatusBar() string {
	refreshed := "never"
	if !m.lastRefresh.IsZero() {
		refreshed = m.lastRefresh.Format("15:04:05")
	}
	bar := fmt.Sprintf(" [tab] filter  [j/k] select  [enter] details  [r] refresh  [q] quit │ refreshed %s ", refreshed)
	return statusBarStyle.Width(m.width).Render(bar)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	if m < 60 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", m/60, m%60)
}
