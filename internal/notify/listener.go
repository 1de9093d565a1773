package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
)

const sendTimeout = 15 * time.Second

// Listener turns terminal run events into notifications. Sends happen in
// the background so a slow webhook never holds up a run.
type Listener struct {
	notifier Notifier
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewListener creates a listener sending through n
func NewListener(n Notifier, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{notifier: n, log: log.Named("notify")}
}

// OnEvent implements workflow.Listener
func (l *Listener) OnEvent(ev workflow.Event) {
	n, ok := notificationFor(ev)
	if !ok {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := l.notifier.Send(ctx, n); err != nil {
			l.log.Warn("notification failed", zap.String("adw_id", n.ADWID), zap.Error(err))
		}
	}()
}

// Wait blocks until pending notifications were sent
func (l *Listener) Wait() {
	l.wg.Wait()
}

func notificationFor(ev workflow.Event) (Notification, bool) {
	run := ev.Run
	n := Notification{
		ADWID:       run.ADWID,
		IssueNumber: run.IssueNumber,
		At:          ev.At,
		Fields: []Field{
			{Title: "Workflow", Value: string(run.Type)},
			{Title: "Branch", Value: run.BranchName},
		},
	}
	if d := run.Duration(ev.At); d > 0 {
		n.Fields = append(n.Fields, Field{Title: "Duration", Value: d.Round(time.Second).String()})
	}

	switch ev.Type {
	case workflow.EventRunCompleted:
		n.Title = fmt.Sprintf("ADW run %s completed", run.ADWID)
		n.Type = NotifySuccess
		n.Message = fmt.Sprintf("Workflow %s finished for issue #%d", run.Type, run.IssueNumber)
		if run.ImplementationSummary != "" {
			n.Message = run.ImplementationSummary
		}
		n.PRURL = run.PullRequestURL
		return n, true
	case workflow.EventRunFailed:
		n.Title = fmt.Sprintf("ADW run %s failed in %s", run.ADWID, run.ErrorPhase)
		n.Type = NotifyError
		n.Message = fmt.Sprintf("[%s] %s", run.ErrorKind, run.ErrorMessage)
		n.Fields = append(n.Fields,
			Field{Title: "Phase", Value: string(run.ErrorPhase)},
			Field{Title: "Error kind", Value: string(run.ErrorKind)},
		)
		return n, true
	}
	return Notification{}, false
}
