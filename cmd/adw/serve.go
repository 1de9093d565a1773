package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/notify"
	"github.com/hochfrequenz/adw-orchestrator/internal/prompts"
	"github.com/hochfrequenz/adw-orchestrator/internal/trigger"
	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
	"github.com/hochfrequenz/adw-orchestrator/web/api"
)

// shutdownGrace is how long running phases may finish after a stop signal
const shutdownGrace = 30 * time.Second

var (
	servePort int
	serveHost string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, webhook receiver and schedules",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, log := a.cfg, a.log

	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	if serveHost != "" {
		cfg.Web.Host = serveHost
	}

	proxies, err := cfg.Web.ProxyPrefixes()
	if err != nil {
		return err
	}
	server := api.NewServer(a.coord, api.Options{
		Addr:           cfg.Web.Addr(),
		WebhookSecret:  cfg.GitHub.WebhookSecret,
		WebhookRate:    cfg.Web.WebhookRate,
		WebhookBurst:   cfg.Web.WebhookBurst,
		TrustedProxies: proxies,
		GitHubAPI:      a.gh != nil,
	}, log)
	a.coord.AddListener(server.Hub())

	if url := cfg.Notifications.SlackWebhook; url != "" {
		listener := notify.NewListener(notify.NewSlackNotifier(url), log)
		a.coord.AddListener(listener)
		defer listener.Wait()
	}

	if !cfg.GitHub.WebhookSecret.IsSet() {
		log.Warn("webhook secret not configured, signatures are not verified")
	}

	if w, err := prompts.NewWatcher(a.prompts, log); err != nil {
		log.Warn("prompt templates will not reload", zap.Error(err))
	} else {
		w.Start(ctx)
		defer w.Stop()
	}

	n, err := a.coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering runs: %w", err)
	}
	if n > 0 {
		log.Info("resumed pending runs", zap.Int("count", n))
	}

	sweeper, err := workflow.NewSweeper(a.coord, cfg.Orchestrator.SweepSchedule, log)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	if schedules := cfg.Trigger.Schedules; len(schedules) > 0 {
		if a.gh == nil {
			return fmt.Errorf("trigger schedules need github token, owner and repo")
		}
		poller, err := trigger.NewPoller(schedules, a.gh, a.coord, log)
		if err != nil {
			return err
		}
		poller.Start()
		defer poller.Stop()
		for _, s := range poller.Statuses() {
			log.Info("schedule registered", zap.String("name", s.Name), zap.String("label", s.Label),
				zap.String("workflow", string(s.Workflow)), zap.Time("next_run", s.NextRun))
		}
	}

	fmt.Printf("Serving on http://%s\n", cfg.Web.Addr())
	serveErr := server.Run(ctx)

	log.Info("shutting down, waiting for running phases", zap.Duration("grace", shutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.coord.Shutdown(shutdownCtx); err != nil {
		log.Warn("running phases interrupted", zap.Error(err))
	}
	return serveErr
}
