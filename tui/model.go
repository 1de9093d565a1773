// Package tui renders a live terminal dashboard of workflow runs
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
)

// DefaultRefresh is how often runs are polled
const DefaultRefresh = 2 * time.Second

// pageSize is how many runs the dashboard loads
const pageSize = 50

// RunSource is the read side of the coordinator
type RunSource interface {
	ListRuns(ctx context.Context, q workflow.ListQuery) (*workflow.RunPage, error)
	GetStatus(ctx context.Context, adwID string) (*domain.WorkflowRun, error)
	GetLogs(ctx context.Context, adwID string) ([]*domain.LogEntry, error)
}

// filters are the status tabs, "" meaning all runs
var filters = []domain.RunStatus{"", domain.RunRunning, domain.RunFailed, domain.RunCompleted}

// Model is the TUI application model
type Model struct {
	source  RunSource
	refresh time.Duration

	// Data
	runs   []*domain.WorkflowRun
	total  int
	detail *domain.WorkflowRun
	logs   []*domain.LogEntry
	err    error

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	showDetail  bool

	// Refresh
	lastRefresh time.Time
}

// ModelConfig holds the dependencies of the TUI model
type ModelConfig struct {
	Source  RunSource
	Refresh time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultRefresh
	}
	return Model{
		source:  cfg.Source,
		refresh: cfg.Refresh,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.loadRuns(),
		tickCmd(m.refresh),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// RunsMsg carries a freshly loaded page of runs
type RunsMsg struct {
	Page *workflow.RunPage
	Err  error
}

// DetailMsg carries the selected run with its log
type DetailMsg struct {
	Run  *domain.WorkflowRun
	Logs []*domain.LogEntry
	Err  error
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) filter() domain.RunStatus {
	return filters[m.activeTab]
}

func (m Model) loadRuns() tea.Cmd {
	source, status := m.source, m.filter()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		page, err := source.ListRuns(ctx, workflow.ListQuery{Status: string(status), Limit: pageSize})
		return RunsMsg{Page: page, Err: err}
	}
}

func (m Model) loadDetail(adwID string) tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		run, err := source.GetStatus(ctx, adwID)
		if err != nil {
			return DetailMsg{Err: err}
		}
		logs, err := source.GetLogs(ctx, adwID)
		return DetailMsg{Run: run, Logs: logs, Err: err}
	}
}

func (m Model) selected() *domain.WorkflowRun {
	if m.selectedRow < 0 || m.selectedRow >= len(m.runs) {
		return nil
	}
	return m.runs[m.selectedRow]
}
