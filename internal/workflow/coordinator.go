// Package workflow drives workflow runs: it sequences phases, applies the
// retry policy, keeps the persisted run state consistent with execution and
// reveals runs that stopped making progress.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/adw-orchestrator/internal/agent"
	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	adwerrors "github.com/hochfrequenz/adw-orchestrator/internal/errors"
	"github.com/hochfrequenz/adw-orchestrator/internal/github"
	"github.com/hochfrequenz/adw-orchestrator/internal/recovery"
	"github.com/hochfrequenz/adw-orchestrator/internal/runstore"
)

const (
	// DefaultPageSize is used when a list query has no limit
	DefaultPageSize = 20
	// MaxPageSize bounds every list query
	MaxPageSize = 100

	commentTimeout = 30 * time.Second
)

// Config holds the coordinator settings fixed at construction
type Config struct {
	Phases          domain.PhaseTable
	PhaseTimeouts   map[domain.Phase]time.Duration
	Policy          recovery.Policy
	MaxParallelRuns int

	// MaxRunDuration is how long a run may stay running before the sweep
	// fails it. Zero disables the sweep.
	MaxRunDuration time.Duration
}

// ConfigFrom derives the coordinator settings from the application config
func ConfigFrom(cfg *config.Config) (Config, error) {
	table, err := cfg.PhaseTable()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Phases:          table,
		PhaseTimeouts:   cfg.PhaseTimeouts(),
		Policy:          recovery.Policy{MaxAutoRetries: cfg.Orchestrator.MaxAutoRetries},
		MaxParallelRuns: cfg.Orchestrator.MaxParallelRuns,
		MaxRunDuration:  cfg.Orchestrator.MaxRunDuration.Duration(),
	}, nil
}

// ListQuery filters and pages ListRuns
type ListQuery struct {
	Status      string
	IssueNumber int
	Limit       int
	Offset      int
}

// RunPage is one page of runs, newest first
type RunPage struct {
	Items  []*domain.WorkflowRun
	Total  int
	Limit  int
	Offset int
}

// Coordinator drives workflow runs from creation to a terminal status. It
// is the only writer of run state.
type Coordinator struct {
	store          *runstore.Store
	executor       *PhaseExecutor
	github         github.Collaborator
	phases         domain.PhaseTable
	policy         recovery.Policy
	maxRunDuration time.Duration

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	closing   bool
	active    map[string]context.CancelFunc // executions in this process, by adw_id
	listeners []Listener

	journal *journal
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

// New creates a coordinator. A nil collaborator disables GitHub side effects.
func New(store *runstore.Store, runner agent.Runner, gh github.Collaborator, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if gh == nil {
		gh = github.Noop{}
	}
	if cfg.Phases == nil {
		cfg.Phases = domain.DefaultPhaseTable()
	}
	if cfg.MaxParallelRuns <= 0 {
		cfg.MaxParallelRuns = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:          store,
		executor:       NewPhaseExecutor(store, runner, cfg.PhaseTimeouts, log),
		github:         gh,
		phases:         cfg.Phases,
		policy:         cfg.Policy,
		maxRunDuration: cfg.MaxRunDuration,
		sem:            semaphore.NewWeighted(int64(cfg.MaxParallelRuns)),
		baseCtx:        ctx,
		cancel:         cancel,
		active:         make(map[string]context.CancelFunc),
		log:            log,
		metrics:        NewMetrics(),
		now:            time.Now,
	}
	c.journal = &journal{store: store, log: log, now: func() time.Time { return c.now() }}
	return c
}

// SetClock replaces the time source of the coordinator and its executor
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.executor.now = now
}

// AddListener registers l for run events
func (c *Coordinator) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Phases returns the ordered phase list of wt, or nil if wt is unknown
func (c *Coordinator) Phases(wt domain.WorkflowType) []domain.Phase {
	return c.phases.Phases(wt)
}

// Start creates a run for the issue, moves it to running and schedules its
// phases in the background. It returns the acknowledged run as created, in
// pending, without waiting for any phase.
func (c *Coordinator) Start(ctx context.Context, issueNumber int, wt domain.WorkflowType) (*domain.WorkflowRun, error) {
	phases := c.phases.Phases(wt)
	if phases == nil {
		return nil, adwerrors.NewWithDetails(adwerrors.EInvalidWorkflowType,
			fmt.Sprintf("unknown workflow type %q", wt),
			map[string]string{"workflow_type": string(wt)})
	}
	if issueNumber <= 0 {
		return nil, adwerrors.NewWithDetails(adwerrors.EInvalidArgument,
			fmt.Sprintf("issue number must be positive, got %d", issueNumber),
			map[string]string{"issue_number": strconv.Itoa(issueNumber)})
	}
	if c.isClosing() {
		return nil, adwerrors.New(adwerrors.EInternal, "orchestrator is shutting down")
	}

	run := domain.NewWorkflowRun(issueNumber, wt, c.now())
	if err := c.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, runstore.ErrActiveRunExists) {
			return nil, duplicateRun(issueNumber)
		}
		return nil, adwerrors.Wrap(adwerrors.EPersistFailed, "creating workflow run", err)
	}
	ack := snapshot(run)
	c.journal.record(ctx, run.ADWID, "", domain.LevelInfo,
		fmt.Sprintf("Workflow %s created for issue #%d", wt, issueNumber),
		map[string]any{"workflow_type": string(wt), "issue_number": issueNumber})

	if err := run.TransitionTo(domain.RunRunning, c.now()); err != nil {
		return nil, err
	}
	if err := c.store.UpdateRun(ctx, run, domain.RunPending); err != nil {
		if errors.Is(err, runstore.ErrConflict) {
			// Recovered by another process between create and start
			return c.GetStatus(ctx, run.ADWID)
		}
		return nil, adwerrors.Wrap(adwerrors.EPersistFailed, "starting workflow run", err)
	}
	c.journal.record(ctx, run.ADWID, "", domain.LevelInfo,
		fmt.Sprintf("Workflow started with phases: %s", phaseList(phases)),
		map[string]any{"phases": phaseList(phases)})

	c.emit(EventRunStarted, run, "", 0, "")
	c.launch(run, 0, domain.Artifacts{}, startedComment(run, phases))
	return &ack, nil
}

// Retry resumes a failed run. Without a phase it resumes at the failed
// phase; an earlier phase re-executes everything from there on. Earlier
// attempts stay in the audit trail.
func (c *Coordinator) Retry(ctx context.Context, adwID string, phase *domain.Phase) (*domain.WorkflowRun, error) {
	if c.isClosing() {
		return nil, adwerrors.New(adwerrors.EInternal, "orchestrator is shutting down")
	}
	run, err := c.GetStatus(ctx, adwID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.RunFailed {
		return nil, adwerrors.NewWithDetails(adwerrors.EInvalidRetryState,
			fmt.Sprintf("run %s is %s, only failed runs can be retried", adwID, run.Status),
			map[string]string{"adw_id": adwID, "status": string(run.Status)})
	}
	if c.isActive(adwID) {
		return nil, adwerrors.NewWithDetails(adwerrors.EInvalidRetryState,
			fmt.Sprintf("run %s is still winding down, retry shortly", adwID),
			map[string]string{"adw_id": adwID})
	}

	phases := c.phases.Phases(run.Type)
	if phases == nil {
		return nil, adwerrors.NewWithDetails(adwerrors.EInvalidWorkflowType,
			fmt.Sprintf("workflow type %q is no longer configured", run.Type),
			map[string]string{"workflow_type": string(run.Type)})
	}
	failedAt := 0
	if i := c.phases.Index(run.Type, run.ErrorPhase); i >= 0 {
		failedAt = i
	}
	from := failedAt
	if phase != nil {
		i := c.phases.Index(run.Type, *phase)
		if i < 0 {
			return nil, adwerrors.NewWithDetails(adwerrors.EInvalidPhase,
				fmt.Sprintf("phase %s is not part of workflow %s", *phase, run.Type),
				map[string]string{"phase": string(*phase), "workflow_type": string(run.Type)})
		}
		if i > failedAt {
			return nil, adwerrors.NewWithDetails(adwerrors.EInvalidRetryState,
				fmt.Sprintf("cannot retry from %s, the run failed earlier in %s", *phase, phases[failedAt]),
				map[string]string{"phase": string(*phase), "error_phase": string(phases[failedAt])})
		}
		from = i
	}
	prior, from := priorArtifacts(run, phases, from)

	if err := run.TransitionTo(domain.RunRunning, c.now()); err != nil {
		return nil, err
	}
	if err := c.store.UpdateRun(ctx, run, domain.RunFailed); err != nil {
		switch {
		case errors.Is(err, runstore.ErrActiveRunExists):
			return nil, duplicateRun(run.IssueNumber)
		case errors.Is(err, runstore.ErrConflict):
			return nil, adwerrors.NewWithDetails(adwerrors.EInvalidRetryState,
				fmt.Sprintf("run %s changed while retrying", adwID),
				map[string]string{"adw_id": adwID})
		default:
			return nil, adwerrors.Wrap(adwerrors.EPersistFailed, "retrying workflow run", err)
		}
	}
	c.journal.record(ctx, run.ADWID, phases[from], domain.LevelInfo,
		fmt.Sprintf("Retrying workflow from %s phase", phases[from]),
		map[string]any{"phase": string(phases[from])})

	out := snapshot(run)
	c.emit(EventRunRetried, run, phases[from], 0, "")
	c.launch(run, from, prior, retriedComment(run, phases[from]))
	return &out, nil
}

// priorArtifacts merges the artifacts of the latest completed attempt of
// every phase before from. If an earlier phase never completed, execution
// has to start there instead.
func priorArtifacts(run *domain.WorkflowRun, phases []domain.Phase, from int) (domain.Artifacts, int) {
	var prior domain.Artifacts
	for i := 0; i < from; i++ {
		pr := latestCompleted(run, phases[i])
		if pr == nil {
			return prior, i
		}
		prior = prior.Merge(pr.Artifacts)
	}
	return prior, from
}

func latestCompleted(run *domain.WorkflowRun, phase domain.Phase) *domain.PhaseRun {
	for i := len(run.Phases) - 1; i >= 0; i-- {
		if pr := run.Phases[i]; pr.Phase == phase && pr.Status == domain.PhaseCompleted {
			return pr
		}
	}
	return nil
}

// GetStatus returns the run with its phase attempts. It has no side effects.
func (c *Coordinator) GetStatus(ctx context.Context, adwID string) (*domain.WorkflowRun, error) {
	run, err := c.store.GetRun(ctx, adwID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			return nil, runNotFound(adwID)
		}
		return nil, adwerrors.Wrap(adwerrors.EInternal, "loading workflow run", err)
	}
	return run, nil
}

// ListRuns returns one page of runs, newest first
func (c *Coordinator) ListRuns(ctx context.Context, q ListQuery) (*RunPage, error) {
	opts := runstore.ListOptions{IssueNumber: q.IssueNumber, Limit: q.Limit, Offset: q.Offset}
	if q.Status != "" {
		status, err := domain.ParseRunStatus(q.Status)
		if err != nil {
			return nil, adwerrors.NewWithDetails(adwerrors.EInvalidArgument,
				fmt.Sprintf("unknown status filter %q", q.Status),
				map[string]string{"status": q.Status})
		}
		opts.Status = status
	}
	if opts.Limit < 0 || opts.Offset < 0 || opts.IssueNumber < 0 {
		return nil, adwerrors.New(adwerrors.EInvalidArgument, "limit, offset and issue number must not be negative")
	}
	if opts.Limit == 0 {
		opts.Limit = DefaultPageSize
	}
	if opts.Limit > MaxPageSize {
		opts.Limit = MaxPageSize
	}

	runs, total, err := c.store.ListRuns(ctx, opts)
	if err != nil {
		return nil, adwerrors.Wrap(adwerrors.EInternal, "listing workflow runs", err)
	}
	if runs == nil {
		runs = []*domain.WorkflowRun{}
	}
	return &RunPage{Items: runs, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// GetLogs returns the log entries of a run in insertion order
func (c *Coordinator) GetLogs(ctx context.Context, adwID string) ([]*domain.LogEntry, error) {
	if _, err := c.GetStatus(ctx, adwID); err != nil {
		return nil, err
	}
	logs, err := c.store.ListLogs(ctx, adwID)
	if err != nil {
		return nil, adwerrors.Wrap(adwerrors.EInternal, "loading workflow logs", err)
	}
	return logs, nil
}

// HandleIssueEvent starts the workflow an issue event asks for. Events that
// trigger nothing return a nil run and no error.
func (c *Coordinator) HandleIssueEvent(ctx context.Context, ev *github.IssueEvent) (*domain.WorkflowRun, error) {
	wt, reason, ok := ev.WorkflowType()
	if !ok {
		c.log.Debug("ignoring issue event",
			zap.String("event", ev.Event),
			zap.String("action", ev.Action),
			zap.String("reason", reason))
		return nil, nil
	}
	if ev.IssueNumber <= 0 {
		return nil, adwerrors.New(adwerrors.EInvalidArgument, "No issue number found")
	}
	return c.Start(ctx, ev.IssueNumber, wt)
}

// Recover resumes runs left pending by a crash between creation and start.
// It returns how many runs were resumed.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	pending, err := c.store.ListRunsByStatus(ctx, domain.RunPending)
	if err != nil {
		return 0, fmt.Errorf("listing pending runs: %w", err)
	}

	resumed := 0
	for _, run := range pending {
		phases := c.phases.Phases(run.Type)
		if phases == nil {
			c.log.Warn("pending run has an unknown workflow type",
				zap.String("adw_id", run.ADWID), zap.String("workflow_type", string(run.Type)))
			continue
		}
		if err := run.TransitionTo(domain.RunRunning, c.now()); err != nil {
			continue
		}
		if err := c.store.UpdateRun(ctx, run, domain.RunPending); err != nil {
			if !errors.Is(err, runstore.ErrConflict) {
				c.log.Error("failed to resume pending run", zap.String("adw_id", run.ADWID), zap.Error(err))
			}
			continue
		}
		c.journal.record(ctx, run.ADWID, "", domain.LevelWarning, "Resuming run left pending by a previous process", nil)
		c.emit(EventRunStarted, run, "", 0, "")
		c.launch(run, 0, domain.Artifacts{}, startedComment(run, phases))
		resumed++
	}
	return resumed, nil
}

// SweepOverdue fails running runs that have been active for longer than the
// maximum run duration, together with their running phase attempts. The
// clock restarts at the latest failed phase attempt, so retries get a fresh
// budget. It returns how many runs were failed.
func (c *Coordinator) SweepOverdue(ctx context.Context) (int, error) {
	if c.maxRunDuration <= 0 {
		return 0, nil
	}
	now := c.now()
	cutoff := now.Add(-c.maxRunDuration)

	candidates, err := c.store.ListOverdueRuns(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing overdue runs: %w", err)
	}

	swept := 0
	for _, candidate := range candidates {
		run, err := c.store.GetRun(ctx, candidate.ADWID)
		if err != nil {
			c.log.Warn("failed to load overdue run", zap.String("adw_id", candidate.ADWID), zap.Error(err))
			continue
		}
		if run.Status != domain.RunRunning || run.ActiveSince().After(cutoff) {
			continue
		}

		msg := fmt.Sprintf("run exceeded the maximum duration of %s", c.maxRunDuration)
		phase := stalledPhase(run, c.phases.Phases(run.Type))
		if err := run.Fail(phase, domain.KindTimeout, msg, now); err != nil {
			continue
		}
		if err := c.store.UpdateRun(ctx, run, domain.RunRunning); err != nil {
			if !errors.Is(err, runstore.ErrConflict) {
				c.log.Error("failed to fail overdue run", zap.String("adw_id", run.ADWID), zap.Error(err))
			}
			continue
		}
		for _, pr := range run.Phases {
			if pr.Status != domain.PhaseRunning {
				continue
			}
			pr.ErrorMessage = msg
			pr.ErrorKind = domain.KindTimeout
			pr.Finish(domain.PhaseFailed, now)
			if err := c.store.UpdatePhaseRun(ctx, pr); err != nil {
				c.log.Warn("failed to fail stalled phase", zap.String("adw_id", run.ADWID), zap.Error(err))
			}
		}

		// Stop a stalled execution in this process; its own writes lose the
		// compare-and-set from here on.
		c.mu.Lock()
		if cancel, ok := c.active[run.ADWID]; ok {
			cancel()
		}
		c.mu.Unlock()

		c.metrics.SweptRuns.Inc()
		c.metrics.RunsTotal.WithLabelValues(string(run.Type), string(domain.RunFailed)).Inc()
		c.journal.record(ctx, run.ADWID, phase, domain.LevelError, "Workflow failed: "+msg,
			map[string]any{"phase": string(phase), "error_kind": string(domain.KindTimeout)})
		c.emit(EventRunFailed, run, phase, 0, msg)
		c.comment(ctx, run, failedComment(run))
		swept++
	}
	return swept, nil
}

// stalledPhase picks the phase a swept run is blamed on
func stalledPhase(run *domain.WorkflowRun, phases []domain.Phase) domain.Phase {
	for i := len(run.Phases) - 1; i >= 0; i-- {
		if run.Phases[i].Status == domain.PhaseRunning {
			return run.Phases[i].Phase
		}
	}
	if n := len(run.Phases); n > 0 {
		return run.Phases[n-1].Phase
	}
	if len(phases) > 0 {
		return phases[0]
	}
	return ""
}

// Wait blocks until every execution started by this coordinator has ended
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown stops accepting runs and waits for executions to finish. When
// ctx ends first, running phases are interrupted and recorded as failed.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

func (c *Coordinator) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Coordinator) isActive(adwID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[adwID]
	return ok
}

// launch executes run from phase index from in the background. The
// goroutine owns run from here on.
func (c *Coordinator) launch(run *domain.WorkflowRun, from int, prior domain.Artifacts, comment string) {
	ctx, cancel := context.WithCancel(c.baseCtx)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		cancel()
		phases := c.phases.Phases(run.Type)
		c.failRun(context.Background(), run, phases[from], domain.KindUnknown, "orchestrator shut down before the run could execute")
		return
	}
	c.active[run.ADWID] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.RunsActive.Inc()
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.active, run.ADWID)
			c.mu.Unlock()
			cancel()
			c.metrics.RunsActive.Dec()
		}()

		if comment != "" {
			c.comment(ctx, run, comment)
		}
		c.execute(ctx, run, from, prior)
	}()
}

// execute runs the phases of run strictly in order, starting at index from
func (c *Coordinator) execute(ctx context.Context, run *domain.WorkflowRun, from int, prior domain.Artifacts) {
	phases := c.phases.Phases(run.Type)
	persistCtx := context.WithoutCancel(ctx)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.failRun(persistCtx, run, phases[from], domain.KindUnknown,
			fmt.Sprintf("run interrupted before the %s phase: %v", phases[from], err))
		return
	}
	defer c.sem.Release(1)

	tries := make(map[domain.Phase]int)
	for i := from; i < len(phases); {
		phase := phases[i]
		c.emit(EventPhaseStarted, run, phase, 0, "")

		pr, err := c.executor.RunPhase(ctx, run, phase, prior)
		if err != nil {
			c.failRun(persistCtx, run, phase, domain.KindUnknown, err.Error())
			return
		}
		tries[phase]++

		next, stop := c.advance(ctx, run, pr, i, tries[phase], &prior)
		if stop {
			return
		}
		i = next
	}
	c.complete(persistCtx, run)
}

// advance decides what follows a finished phase attempt: the next phase, a
// new attempt of the same phase, or the end of the run.
func (c *Coordinator) advance(ctx context.Context, run *domain.WorkflowRun, pr *domain.PhaseRun, index, tries int, prior *domain.Artifacts) (next int, stop bool) {
	persistCtx := context.WithoutCancel(ctx)

	if pr.Status == domain.PhaseFailed {
		c.emit(EventPhaseFailed, run, pr.Phase, pr.Attempt, pr.ErrorMessage)
		if ctx.Err() == nil {
			retry, reason := c.policy.ShouldAutoRetry(pr.ErrorKind, tries)
			if retry {
				c.metrics.AutoRetries.WithLabelValues(string(pr.Phase)).Inc()
				c.journal.record(persistCtx, run.ADWID, pr.Phase, domain.LevelWarning,
					fmt.Sprintf("Retrying %s phase automatically: %s", pr.Phase, reason),
					map[string]any{"phase": string(pr.Phase), "error_kind": string(pr.ErrorKind)})
				return index, false
			}
			c.journal.record(persistCtx, run.ADWID, pr.Phase, domain.LevelInfo,
				fmt.Sprintf("Not retrying %s phase: %s", pr.Phase, reason),
				map[string]any{"phase": string(pr.Phase)})
		}
		c.failRun(persistCtx, run, pr.Phase, pr.ErrorKind, pr.ErrorMessage)
		return index, true
	}

	c.emit(EventPhaseCompleted, run, pr.Phase, pr.Attempt, pr.OutputRef)
	*prior = prior.Merge(pr.Artifacts)
	if !pr.Artifacts.IsZero() {
		run.ApplyArtifacts(pr.Artifacts)
		if !c.save(persistCtx, run, domain.RunRunning) {
			return index, true
		}
	}
	if ctx.Err() != nil {
		// Interrupted between phases: the next phase would not get to run
		next := c.phases.Index(run.Type, pr.Phase) + 1
		if phases := c.phases.Phases(run.Type); next < len(phases) {
			c.failRun(persistCtx, run, phases[next], domain.KindUnknown,
				fmt.Sprintf("run interrupted before the %s phase: %v", phases[next], ctx.Err()))
			return index, true
		}
	}
	return index + 1, false
}

// complete finishes a run whose phases all succeeded, opening a pull
// request for its branch when no phase produced one
func (c *Coordinator) complete(ctx context.Context, run *domain.WorkflowRun) {
	if run.BranchName != "" && run.PullRequestURL == "" {
		prCtx, cancel := context.WithTimeout(ctx, commentTimeout)
		url, err := c.github.CreateOrUpdatePR(prCtx, run.BranchName, prTitle(run), prBody(run, c.phases.Phases(run.Type)))
		cancel()
		switch {
		case err != nil:
			c.journal.record(ctx, run.ADWID, "", domain.LevelWarning,
				fmt.Sprintf("Could not open pull request for %s: %v", run.BranchName, err),
				map[string]any{"branch": run.BranchName})
		case url != "":
			run.PullRequestURL = url
			c.journal.record(ctx, run.ADWID, "", domain.LevelInfo, "Pull request: "+url,
				map[string]any{"branch": run.BranchName, "pr_url": url})
		}
	}

	if err := run.TransitionTo(domain.RunCompleted, c.now()); err != nil {
		c.log.Error("cannot complete run", zap.String("adw_id", run.ADWID), zap.Error(err))
		return
	}
	if !c.save(ctx, run, domain.RunRunning) {
		return
	}

	c.metrics.RunsTotal.WithLabelValues(string(run.Type), string(domain.RunCompleted)).Inc()
	c.journal.record(ctx, run.ADWID, "", domain.LevelInfo,
		fmt.Sprintf("Workflow completed in %s", run.Duration(c.now()).Round(time.Second)),
		map[string]any{"pr_url": run.PullRequestURL})
	c.emit(EventRunCompleted, run, "", 0, run.ImplementationSummary)
	c.comment(ctx, run, completedComment(run))
}

// failRun moves a running run to failed and reports it on the issue
func (c *Coordinator) failRun(ctx context.Context, run *domain.WorkflowRun, phase domain.Phase, kind domain.ErrorKind, msg string) {
	if err := run.Fail(phase, kind, msg, c.now()); err != nil {
		c.log.Error("cannot fail run", zap.String("adw_id", run.ADWID), zap.Error(err))
		return
	}
	if !c.save(ctx, run, domain.RunRunning) {
		return
	}

	c.metrics.RunsTotal.WithLabelValues(string(run.Type), string(domain.RunFailed)).Inc()
	c.journal.record(ctx, run.ADWID, phase, domain.LevelError,
		fmt.Sprintf("Workflow failed in %s phase: %s", phase, msg),
		map[string]any{"phase": string(phase), "error_kind": string(kind), "retryable": recovery.Retryable(kind)})
	c.emit(EventRunFailed, run, phase, 0, msg)
	c.comment(ctx, run, failedComment(run))
}

// save persists run if it still has the expected status. It reports false
// when the caller must stop driving the run.
func (c *Coordinator) save(ctx context.Context, run *domain.WorkflowRun, expected domain.RunStatus) bool {
	err := c.store.UpdateRun(ctx, run, expected)
	switch {
	case err == nil:
		return true
	case errors.Is(err, runstore.ErrConflict):
		c.log.Warn("run changed concurrently, abandoning execution", zap.String("adw_id", run.ADWID))
		return false
	default:
		c.log.Error("failed to persist run", zap.String("adw_id", run.ADWID), zap.Error(err))
		return false
	}
}

// comment posts to the run's issue, logging failures
func (c *Coordinator) comment(ctx context.Context, run *domain.WorkflowRun, text string) {
	ctx = context.WithoutCancel(ctx)
	postCtx, cancel := context.WithTimeout(ctx, commentTimeout)
	defer cancel()
	if err := c.github.PostComment(postCtx, run.IssueNumber, text); err != nil {
		c.journal.record(ctx, run.ADWID, "", domain.LevelWarning,
			fmt.Sprintf("Failed to post GitHub comment: %v", err), nil)
	}
}

func (c *Coordinator) emit(t EventType, run *domain.WorkflowRun, phase domain.Phase, attempt int, msg string) {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	ev := Event{Type: t, Run: snapshot(run), Phase: phase, Attempt: attempt, Message: msg, At: c.now()}
	for _, l := range listeners {
		l.OnEvent(ev)
	}
}

func runNotFound(adwID string) error {
	return adwerrors.NewWithDetails(adwerrors.ERunNotFound,
		fmt.Sprintf("workflow run %s not found", adwID),
		map[string]string{"adw_id": adwID})
}

func duplicateRun(issueNumber int) error {
	return adwerrors.NewWithDetails(adwerrors.EDuplicateRunInProgress,
		fmt.Sprintf("issue #%d already has a workflow run in progress", issueNumber),
		map[string]string{"issue_number": strconv.Itoa(issueNumber)})
}
