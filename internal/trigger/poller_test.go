package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	adwerrors "github.com/hochfrequenz/adw-orchestrator/internal/errors"
	"github.com/hochfrequenz/adw-orchestrator/internal/github"
	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
)

type fakeIssues struct {
	issues map[string][]github.Issue
	err    error
}

func (f *fakeIssues) ListLabeledIssues(_ context.Context, label string) ([]github.Issue, error) {
	return f.issues[label], f.err
}

type fakeStarter struct {
	mu      sync.Mutex
	started []int
	known   map[int]bool
	active  map[int]bool
}

func (f *fakeStarter) Start(_ context.Context, issue int, wt domain.WorkflowType) (*domain.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[issue] {
		return nil, adwerrors.New(adwerrors.EDuplicateRunInProgress, "busy")
	}
	f.started = append(f.started, issue)
	return domain.NewWorkflowRun(issue, wt, time.Now()), nil
}

func (f *fakeStarter) ListRuns(_ context.Context, q workflow.ListQuery) (*workflow.RunPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := &workflow.RunPage{Items: []*domain.WorkflowRun{}}
	if f.known[q.IssueNumber] {
		page.Total = 1
	}
	return page, nil
}

var nightly = config.ScheduleConfig{Name: "nightly", Cron: "0 22 * * *", Label: "adw", Workflow: "adw_plan_build"}

func TestNewPoller_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfgs []config.ScheduleConfig
	}{
		{"missing label", []config.ScheduleConfig{{Name: "a", Cron: "* * * * *", Workflow: "plan"}}},
		{"bad cron", []config.ScheduleConfig{{Name: "a", Cron: "whenever", Label: "adw", Workflow: "plan"}}},
		{"bad workflow", []config.ScheduleConfig{{Name: "a", Cron: "* * * * *", Label: "adw", Workflow: "deploy"}}},
		{"duplicate name", []config.ScheduleConfig{nightly, nightly}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPoller(tt.cfgs, &fakeIssues{}, &fakeStarter{}, nil)
			if err == nil {
				t.Errorf("NewPoller() error = nil, want error")
			}
		})
	}
}

func TestPoller_RunOnce(t *testing.T) {
	issues := &fakeIssues{issues: map[string][]github.Issue{
		"adw": {{Number: 1}, {Number: 2}, {Number: 3}, {Number: 4}},
	}}
	starter := &fakeStarter{
		known:  map[int]bool{2: true},
		active: map[int]bool{3: true},
	}
	p, err := NewPoller([]config.ScheduleConfig{nightly}, issues, starter, nil)
	require.NoError(t, err)

	n := p.RunOnce(context.Background(), "nightly")
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1, 4}, starter.started)

	statuses := p.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.WorkflowPlanBuild, statuses[0].Workflow)
	assert.Equal(t, 2, statuses[0].Started)
	assert.False(t, statuses[0].LastRun.IsZero())
	assert.True(t, statuses[0].NextRun.After(time.Now()))

	assert.Zero(t, p.RunOnce(context.Background(), "unknown"))
}

func TestPoller_ListingFailure(t *testing.T) {
	starter := &fakeStarter{}
	p, err := NewPoller([]config.ScheduleConfig{nightly}, &fakeIssues{err: errors.New("502 Bad Gateway")}, starter, nil)
	require.NoError(t, err)

	assert.Zero(t, p.RunOnce(context.Background(), "nightly"))
	assert.Empty(t, starter.started)
}

func TestPoller_StartStop(t *testing.T) {
	p, err := NewPoller([]config.ScheduleConfig{nightly}, &fakeIssues{}, &fakeStarter{}, nil)
	require.NoError(t, err)
	p.Start()
	p.Stop()
}
