package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	h := newHarness(t)
	_, err := NewSweeper(h.coord, "every minute please", nil)
	assert.Error(t, err)
}

func TestSweeper_Sweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale := domain.NewWorkflowRun(300, domain.WorkflowPlan, t0.Add(-3*time.Hour))
	require.NoError(t, h.store.CreateRun(ctx, stale))
	require.NoError(t, stale.TransitionTo(domain.RunRunning, t0.Add(-3*time.Hour)))
	require.NoError(t, h.store.UpdateRun(ctx, stale, domain.RunPending))

	s, err := NewSweeper(h.coord, "@every 1h", nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	s.Sweep()

	run := h.status(t, stale.ADWID)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, domain.KindTimeout, run.ErrorKind)
	assert.Equal(t, domain.PhasePlan, run.ErrorPhase)
}

func TestSweepOverdue_Disabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxRunDuration = 0 })
	n, err := h.coord.SweepOverdue(context.Background())
	require.NoError(t, err)
	if n != 0 {
		t.Errorf("SweepOverdue() = %d, want 0", n)
	}
}
