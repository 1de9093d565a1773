package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/agent"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/recovery"
	"github.com/hochfrequenz/adw-orchestrator/internal/runstore"
)

// DefaultPhaseTimeout applies to phases without a configured timeout
const DefaultPhaseTimeout = 30 * time.Minute

// PhaseExecutor runs exactly one phase attempt and records its outcome
type PhaseExecutor struct {
	store    *runstore.Store
	runner   agent.Runner
	timeouts map[domain.Phase]time.Duration
	fallback time.Duration
	journal  *journal
	metrics  *Metrics
	now      func() time.Time
}

// NewPhaseExecutor creates an executor. Phases missing from timeouts use
// DefaultPhaseTimeout.
func NewPhaseExecutor(store *runstore.Store, runner agent.Runner, timeouts map[domain.Phase]time.Duration, log *zap.Logger) *PhaseExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &PhaseExecutor{
		store:    store,
		runner:   runner,
		timeouts: make(map[domain.Phase]time.Duration),
		fallback: DefaultPhaseTimeout,
		metrics:  NewMetrics(),
		now:      time.Now,
	}
	for phase, d := range timeouts {
		e.timeouts[phase] = d
	}
	e.journal = &journal{store: store, log: log, now: func() time.Time { return e.now() }}
	return e
}

// Timeout returns the wall-clock budget of one attempt of phase
func (e *PhaseExecutor) Timeout(phase domain.Phase) time.Duration {
	if d, ok := e.timeouts[phase]; ok && d > 0 {
		return d
	}
	return e.fallback
}

// RunPhase executes phase for run with the artifacts of the earlier phases.
// The attempt is persisted as running before the agent is invoked. Agent
// failures, timeouts and panics end up in the returned record; the error is
// reserved for persistence failures.
func (e *PhaseExecutor) RunPhase(ctx context.Context, run *domain.WorkflowRun, phase domain.Phase, prior domain.Artifacts) (*domain.PhaseRun, error) {
	// Outcomes are recorded even when ctx is cancelled mid-phase.
	persistCtx := context.WithoutCancel(ctx)

	started := e.now()
	pr := &domain.PhaseRun{
		ADWID:     run.ADWID,
		Phase:     phase,
		Status:    domain.PhaseRunning,
		StartedAt: &started,
		CreatedAt: started,
	}
	if err := e.store.CreatePhaseRun(persistCtx, pr); err != nil {
		return nil, fmt.Errorf("recording %s phase start: %w", phase, err)
	}

	timeout := e.Timeout(phase)
	e.journal.record(persistCtx, run.ADWID, phase, domain.LevelInfo,
		fmt.Sprintf("Starting %s phase (attempt %d)", phase, pr.Attempt),
		map[string]any{"phase": string(phase), "attempt": pr.Attempt, "timeout": timeout.String()})

	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	res, err := e.invoke(phaseCtx, agent.Request{
		ADWID:        run.ADWID,
		Phase:        phase,
		Attempt:      pr.Attempt,
		IssueNumber:  run.IssueNumber,
		WorkflowType: run.Type,
		Prior:        prior,
	})
	timedOut := errors.Is(phaseCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	logCtx := map[string]any{"phase": string(phase), "attempt": pr.Attempt}
	switch {
	case timedOut:
		pr.ErrorMessage = fmt.Sprintf("%s phase timed out after %s", phase, timeout)
		pr.ErrorKind = domain.KindTimeout
	case err != nil:
		pr.ErrorMessage = err.Error()
		if ctx.Err() != nil {
			pr.ErrorMessage = fmt.Sprintf("%s phase interrupted: %v", phase, ctx.Err())
		}
		pr.ErrorKind = recovery.Classify(phase, pr.ErrorMessage, domain.KindNone).Kind
	case res.Outcome != agent.OutcomeSuccess:
		pr.ErrorMessage = res.ErrorMessage
		if pr.ErrorMessage == "" {
			pr.ErrorMessage = fmt.Sprintf("%s phase reported failure", phase)
		}
		pr.ErrorKind = recovery.Classify(phase, pr.ErrorMessage, res.KindHint).Kind
	default:
		pr.Artifacts = res.Artifacts
		pr.OutputRef = res.Artifacts.Reference(phase)
	}
	if res != nil {
		logCtx["session_id"] = res.SessionID
		logCtx["tokens_input"] = res.TokensInput
		logCtx["tokens_output"] = res.TokensOutput
		logCtx["cost_usd"] = res.CostUSD
	}

	status := domain.PhaseCompleted
	if pr.ErrorKind != domain.KindNone {
		status = domain.PhaseFailed
	}
	pr.Finish(status, e.now())
	if err := e.store.UpdatePhaseRun(persistCtx, pr); err != nil {
		return pr, fmt.Errorf("recording %s phase outcome: %w", phase, err)
	}

	elapsed := pr.CompletedAt.Sub(started)
	e.metrics.PhaseDuration.WithLabelValues(string(phase), string(status)).Observe(elapsed.Seconds())
	logCtx["duration"] = elapsed.String()

	if status == domain.PhaseFailed {
		e.metrics.PhaseFailures.WithLabelValues(string(phase), string(pr.ErrorKind)).Inc()
		logCtx["error_kind"] = string(pr.ErrorKind)
		e.journal.record(persistCtx, run.ADWID, phase, domain.LevelError,
			fmt.Sprintf("%s phase failed: %s", phase, pr.ErrorMessage), logCtx)
		return pr, nil
	}

	if pr.OutputRef != "" {
		logCtx["output_ref"] = pr.OutputRef
	}
	e.journal.record(persistCtx, run.ADWID, phase, domain.LevelInfo,
		fmt.Sprintf("%s phase completed in %s", phase, elapsed.Round(time.Second)), logCtx)
	return pr, nil
}

// invoke calls the runner, turning a panic into an error
func (e *PhaseExecutor) invoke(ctx context.Context, req agent.Request) (res *agent.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("agent runner panicked: %v", r)
		}
	}()

	res, err = e.runner.Execute(ctx, req)
	if err == nil && res == nil {
		err = errors.New("agent runner returned no result")
	}
	return res, err
}
