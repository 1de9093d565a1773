package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
	"github.com/hochfrequenz/adw-orchestrator/tui"
)

var (
	runWorkflow string
	listStatus  string
	listIssue   int
	listLimit   int
	listOffset  int
	retryPhase  string
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run ISSUE",
		Short: "Run a workflow for an issue and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runWorkflow, "workflow", string(domain.WorkflowPlanBuild), "workflow type")
	rootCmd.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "status ADW_ID",
		Short: "Show a run with its phase attempts",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().IntVar(&listIssue, "issue", 0, "filter by issue number")
	listCmd.Flags().IntVar(&listLimit, "limit", workflow.DefaultPageSize, "page size")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "page offset")
	rootCmd.AddCommand(listCmd)

	logsCmd := &cobra.Command{
		Use:   "logs ADW_ID",
		Short: "Print the log of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	rootCmd.AddCommand(logsCmd)

	retryCmd := &cobra.Command{
		Use:   "retry ADW_ID",
		Short: "Retry a failed run and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE:  runRetry,
	}
	retryCmd.Flags().StringVar(&retryPhase, "phase", "", "phase to resume from (default: the failed phase)")
	rootCmd.AddCommand(retryCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail runs that exceeded the maximum run duration",
		RunE:  runSweep,
	}
	rootCmd.AddCommand(sweepCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Launch TUI dashboard",
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)
}

// signalContext ends on SIGINT or SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	issue, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid issue number %q", args[0])
	}
	wt, err := domain.ParseWorkflowType(runWorkflow)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	a.coord.AddListener(workflow.ListenerFunc(func(ev workflow.Event) {
		printEvent(os.Stdout, ev)
	}))

	run, err := a.coord.Start(ctx, issue, wt)
	if err != nil {
		return err
	}
	fmt.Printf("Started %s for issue #%d (%s)\n", run.ADWID, issue, wt)
	return waitForRun(ctx, a, run.ADWID)
}

func runRetry(cmd *cobra.Command, args []string) error {
	var phase *domain.Phase
	if retryPhase != "" {
		p, err := domain.ParsePhase(retryPhase)
		if err != nil {
			return err
		}
		phase = &p
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	a.coord.AddListener(workflow.ListenerFunc(func(ev workflow.Event) {
		printEvent(os.Stdout, ev)
	}))

	run, err := a.coord.Retry(ctx, args[0], phase)
	if err != nil {
		return err
	}
	fmt.Printf("Retrying %s\n", run.ADWID)
	return waitForRun(ctx, a, run.ADWID)
}

// waitForRun blocks until the coordinator is idle. An interrupt stops the
// running phase, which is recorded as failed and can be retried later.
func waitForRun(ctx context.Context, a *app, adwID string) error {
	done := make(chan struct{})
	go func() {
		a.coord.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "Interrupted, stopping run")
		_ = a.coord.Shutdown(ctx)
	}

	run, err := a.coord.GetStatus(context.Background(), adwID)
	if err != nil {
		return err
	}
	fmt.Println()
	printRun(os.Stdout, run)
	if run.Status == domain.RunFailed {
		return fmt.Errorf("run %s failed in %s phase", run.ADWID, run.ErrorPhase)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.coord.GetStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printRun(os.Stdout, run)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	page, err := a.coord.ListRuns(cmd.Context(), workflow.ListQuery{
		Status:      listStatus,
		IssueNumber: listIssue,
		Limit:       listLimit,
		Offset:      listOffset,
	})
	if err != nil {
		return err
	}
	printRunList(os.Stdout, page, time.Now())
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	logs, err := a.coord.GetLogs(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	for _, l := range logs {
		fmt.Println(l.String())
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.coord.SweepOverdue(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Failed %d overdue run(s)\n", n)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	model := tui.NewModel(tui.ModelConfig{Source: a.coord})
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
