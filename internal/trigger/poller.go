// Package trigger starts workflow runs for labeled issues on cron schedules
package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	adwerrors "github.com/hochfrequenz/adw-orchestrator/internal/errors"
	"github.com/hochfrequenz/adw-orchestrator/internal/github"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
)

// pollTimeout bounds a single poll of one schedule
const pollTimeout = 2 * time.Minute

// Starter is the part of the coordinator the poller drives
type Starter interface {
	Start(ctx context.Context, issueNumber int, wt domain.WorkflowType) (*domain.WorkflowRun, error)
	ListRuns(ctx context.Context, q workflow.ListQuery) (*workflow.RunPage, error)
}

// Schedule is a validated schedule entry
type Schedule struct {
	Name     string
	Label    string
	Workflow domain.WorkflowType
	sched    cron.Schedule
}

// Status describes a schedule for display
type Status struct {
	Name     string
	Label    string
	Workflow domain.WorkflowType
	NextRun  time.Time
	LastRun  time.Time
	Started  int
}

// Poller runs the configured schedules
type Poller struct {
	issues    github.IssueLister
	starter   Starter
	schedules []Schedule
	cron      *cron.Cron
	log       *zap.Logger

	mu      sync.RWMutex
	entries map[string]cron.EntryID
	lastRun map[string]time.Time
	started map[string]int
}

// NewPoller validates the schedule entries and registers them
func NewPoller(cfgs []config.ScheduleConfig, issues github.IssueLister, starter Starter, log *zap.Logger) (*Poller, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cl := logging.CronLogger(log)
	p := &Poller{
		issues:  issues,
		starter: starter,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:     log.Named("trigger"),
		entries: make(map[string]cron.EntryID),
		lastRun: make(map[string]time.Time),
		started: make(map[string]int),
	}

	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := p.entries[cfg.Name]; dup {
			return nil, fmt.Errorf("schedule %s is defined twice", cfg.Name)
		}
		// Both were checked by Validate
		sched, _ := config.ParseCron(cfg.Cron)
		wt, _ := domain.ParseWorkflowType(cfg.Workflow)

		s := Schedule{Name: cfg.Name, Label: cfg.Label, Workflow: wt, sched: sched}
		p.schedules = append(p.schedules, s)
		p.entries[s.Name] = p.cron.Schedule(sched, cron.FuncJob(func() { p.RunOnce(context.Background(), s.Name) }))
	}
	return p, nil
}

// Start begins polling in the background
func (p *Poller) Start() {
	p.cron.Start()
}

// Stop stops scheduling and waits for polls in progress
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}

// RunOnce polls the named schedule now and returns how many runs it started
func (p *Poller) RunOnce(ctx context.Context, name string) int {
	s, ok := p.schedule(name)
	if !ok {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	log := p.log.With(zap.String("schedule", s.Name), zap.String("label", s.Label))
	defer func() {
		p.mu.Lock()
		p.lastRun[s.Name] = time.Now()
		p.mu.Unlock()
	}()

	issues, err := p.issues.ListLabeledIssues(ctx, s.Label)
	if err != nil {
		log.Error("listing labeled issues failed", zap.Error(err))
		return 0
	}

	started := 0
	for _, issue := range issues {
		if ctx.Err() != nil {
			break
		}
		seen, err := p.hasRun(ctx, issue.Number)
		if err != nil {
			log.Warn("checking previous runs failed", zap.Int("issue", issue.Number), zap.Error(err))
			continue
		}
		if seen {
			continue
		}

		run, err := p.starter.Start(ctx, issue.Number, s.Workflow)
		if err != nil {
			if adwerrors.GetCode(err) == adwerrors.EDuplicateRunInProgress {
				log.Debug("issue already has an active run", zap.Int("issue", issue.Number))
				continue
			}
			log.Error("starting workflow failed", zap.Int("issue", issue.Number), zap.Error(err))
			continue
		}
		log.Info("started workflow",
			zap.Int("issue", issue.Number),
			zap.String("adw_id", run.ADWID),
			zap.String("workflow_type", string(s.Workflow)))
		started++
	}

	p.mu.Lock()
	p.started[s.Name] += started
	p.mu.Unlock()
	return started
}

// hasRun reports whether the issue was ever picked up, so failed runs are
// left to a manual retry
func (p *Poller) hasRun(ctx context.Context, issue int) (bool, error) {
	page, err := p.starter.ListRuns(ctx, workflow.ListQuery{IssueNumber: issue, Limit: 1})
	if err != nil {
		return false, err
	}
	return page.Total > 0, nil
}

func (p *Poller) schedule(name string) (Schedule, bool) {
	for _, s := range p.schedules {
		if s.Name == name {
			return s, true
		}
	}
	return Schedule{}, false
}

// Statuses returns every schedule ordered by name
func (p *Poller) Statuses() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	out := make([]Status, 0, len(p.schedules))
	for _, s := range p.schedules {
		out = append(out, Status{
			Name:     s.Name,
			Label:    s.Label,
			Workflow: s.Workflow,
			NextRun:  s.sched.Next(now),
			LastRun:  p.lastRun[s.Name],
			Started:  p.started[s.Name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
