package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
)

// sweepTimeout bounds a single sweep pass
const sweepTimeout = time.Minute

// Sweeper periodically fails runs that exceeded the maximum run duration
type Sweeper struct {
	coord *Coordinator
	cron  *cron.Cron
	log   *zap.Logger
}

// NewSweeper schedules SweepOverdue on a cron expression such as "@every 1m"
func NewSweeper(coord *Coordinator, schedule string, log *zap.Logger) (*Sweeper, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sched, err := config.ParseCron(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	cl := logging.CronLogger(log)
	s := &Sweeper{
		coord: coord,
		cron:  cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:   log.Named("sweeper"),
	}
	s.cron.Schedule(sched, cron.FuncJob(s.Sweep))
	return s, nil
}

// Start begins sweeping in the background
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for a sweep in progress
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one pass
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := s.coord.SweepOverdue(ctx)
	if err != nil {
		s.log.Error("sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Warn("failed overdue runs", zap.Int("count", n))
	}
}
