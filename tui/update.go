package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		case "j", "down":
			if m.selectedRow < len(m.runs)-1 {
				m.selectedRow++
			}
			return m, m.followSelection()
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
			return m, m.followSelection()
		case "tab":
			m.activeTab = (m.activeTab + 1) % len(filters)
			m.selectedRow = 0
			m.showDetail = false
			return m, m.loadRuns()
		case "enter":
			m.showDetail = !m.showDetail
			if m.showDetail {
				if run := m.selected(); run != nil {
					return m, m.loadDetail(run.ADWID)
				}
			}
		case "esc":
			m.showDetail = false
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd(m.refresh))

	case RunsMsg:
		m.err = msg.Err
		if msg.Err != nil {
			return m, nil
		}
		m.runs = msg.Page.Items
		m.total = msg.Page.Total
		m.lastRefresh = time.Now()
		if m.selectedRow >= len(m.runs) {
			m.selectedRow = max(len(m.runs)-1, 0)
		}

	case DetailMsg:
		m.err = msg.Err
		if msg.Run != nil {
			m.detail = msg.Run
			m.logs = msg.Logs
		}
	}

	return m, nil
}

// refreshCmd reloads the list, and the detail pane when it is open
func (m Model) refreshCmd() tea.Cmd {
	if run := m.selected(); m.showDetail && run != nil {
		return tea.Batch(m.loadRuns(), m.loadDetail(run.ADWID))
	}
	return m.loadRuns()
}

func (m Model) followSelection() tea.Cmd {
	if run := m.selected(); m.showDetail && run != nil {
		return m.loadDetail(run.ADWID)
	}
	return nil
}
