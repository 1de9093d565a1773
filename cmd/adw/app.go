package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/agent"
	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/github"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
	"github.com/hochfrequenz/adw-orchestrator/internal/prompts"
	"github.com/hochfrequenz/adw-orchestrator/internal/runstore"
	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
)

// app bundles everything a command needs
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *runstore.Store
	gh    *github.Client // nil when GitHub is not configured
	coord *workflow.Coordinator

	prompts *prompts.Loader
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &app{cfg: cfg, log: log, store: store}

	var collab github.Collaborator
	if cfg.GitHub.Enabled() {
		a.gh, err = github.NewClient(ctx, cfg.GitHub, log)
		if err != nil {
			store.Close()
			return nil, err
		}
		collab = a.gh
	} else {
		log.Info("github not configured, comments and pull requests are disabled")
	}

	coordCfg, err := workflow.ConfigFrom(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	a.prompts = prompts.DefaultLoader(cfg.Agent.WorkDir, cfg.Agent.PromptDirs...)
	runner := &agent.ClaudeRunner{
		Command:    cfg.Agent.Command,
		Model:      cfg.Agent.Model,
		WorkDir:    cfg.Agent.WorkDir,
		ExtraArgs:  cfg.Agent.ExtraArgs,
		BaseBranch: cfg.GitHub.BaseBranch,
		Prompts:    a.prompts,
		Log:        log,
	}
	if cfg.GitHub.Owner != "" && cfg.GitHub.Repo != "" {
		runner.Repo = cfg.GitHub.Owner + "/" + cfg.GitHub.Repo
	}

	a.coord = workflow.New(store, runner, collab, coordCfg, log)
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing database", zap.Error(err))
	}
	_ = a.log.Sync()
}
