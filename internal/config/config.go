package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. ADW_WEB_PORT -> web.port
const EnvPrefix = "ADW_"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Orchestrator  OrchestratorConfig  `toml:"orchestrator"`
	Agent         AgentConfig         `toml:"agent"`
	GitHub        GitHubConfig        `toml:"github"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Log           LogConfig           `toml:"log"`
	Trigger       TriggerConfig       `toml:"trigger"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
}

// OrchestratorConfig holds workflow execution settings
type OrchestratorConfig struct {
	MaxParallelRuns int      `toml:"max_parallel_runs"`
	MaxAutoRetries  int      `toml:"max_auto_retries"`
	MaxRunDuration  Duration `toml:"max_run_duration"`
	SweepSchedule   string   `toml:"sweep_schedule"`
	PhaseTimeout    Duration `toml:"phase_timeout"`

	// PhaseTimeouts overrides PhaseTimeout per phase name
	PhaseTimeouts map[string]Duration `toml:"phase_timeouts"`

	// Workflows overrides the built-in workflow type -> phase list table
	Workflows map[string][]string `toml:"workflows"`
}

// AgentConfig holds settings for the external agent CLI
type AgentConfig struct {
	Command    string   `toml:"command"`
	Model      string   `toml:"model"`
	WorkDir    string   `toml:"work_dir"`
	PromptDirs []string `toml:"prompt_dirs"`
	ExtraArgs  []string `toml:"extra_args"`
}

// GitHubConfig holds GitHub API and webhook settings
type GitHubConfig struct {
	Token         Secret `toml:"token"`
	Owner         string `toml:"owner"`
	Repo          string `toml:"repo"`
	BaseBranch    string `toml:"base_branch"`
	WebhookSecret Secret `toml:"webhook_secret"`
}

// Enabled reports whether API access is configured
func (g GitHubConfig) Enabled() bool {
	return g.Token.IsSet() && g.Owner != "" && g.Repo != ""
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`

	// WebhookRate is the per-IP request rate allowed on the webhook endpoint
	WebhookRate  float64 `toml:"webhook_rate"`
	WebhookBurst int     `toml:"webhook_burst"`

	// TrustedProxies lists addresses or CIDR prefixes of reverse proxies.
	// Forwarding headers are only believed when the peer is one of them.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// ProxyPrefixes parses TrustedProxies. A bare address is a single-host prefix.
func (w WebConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(w.TrustedProxies))
	for _, entry := range w.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("web.trusted_proxies: %w", err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("web.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Addr returns host:port
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// TriggerConfig holds the cron trigger surface
type TriggerConfig struct {
	Schedules []ScheduleConfig `toml:"schedule"`
}

// ScheduleConfig polls GitHub for labeled issues on a cron schedule
type ScheduleConfig struct {
	Name     string `toml:"name"`
	Cron     string `toml:"cron"`
	Label    string `toml:"label"`
	Workflow string `toml:"workflow"`
}

// Validate checks a schedule entry
func (s ScheduleConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if s.Label == "" {
		return fmt.Errorf("schedule %s: label is required", s.Name)
	}
	if _, err := ParseCron(s.Cron); err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression: %w", s.Name, err)
	}
	if _, err := domain.ParseWorkflowType(s.Workflow); err != nil {
		return fmt.Errorf("schedule %s: %w", s.Name, err)
	}
	return nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".adw-orchestrator", "adw.db"),
		},
		Orchestrator: OrchestratorConfig{
			MaxParallelRuns: 3,
			MaxAutoRetries:  3,
			MaxRunDuration:  Duration(2 * time.Hour),
			SweepSchedule:   "@every 1m",
			PhaseTimeout:    Duration(30 * time.Minute),
		},
		Agent: AgentConfig{
			Command: "claude",
			Model:   "sonnet",
		},
		GitHub: GitHubConfig{
			BaseBranch: "main",
		},
		Web: WebConfig{
			Port:         8080,
			Host:         "127.0.0.1",
			WebhookRate:  1,
			WebhookBurst: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults,
// then applies ADW_* environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Agent.WorkDir = ExpandPath(cfg.Agent.WorkDir)
	for i, dir := range cfg.Agent.PromptDirs {
		cfg.Agent.PromptDirs[i] = ExpandPath(dir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays ADW_SECTION_KEY environment variables onto cfg
func applyEnv(cfg *Config) error {
	k := koanf.New(".")
	provider := env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		return envKey(key), value
	})
	if err := k.Load(provider, nil); err != nil {
		return err
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	return k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "toml"})
}

// envKey maps ADW_WEB_PORT to web.port. The first segment names the section,
// the rest is the key. Variables without a key are skipped.
func envKey(name string) string {
	name = strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	section, rest, ok := strings.Cut(name, "_")
	if !ok || rest == "" {
		return ""
	}
	return section + "." + rest
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Orchestrator.MaxParallelRuns <= 0 {
		return fmt.Errorf("orchestrator.max_parallel_runs must be positive")
	}
	if c.Orchestrator.MaxAutoRetries < 0 {
		return fmt.Errorf("orchestrator.max_auto_retries must not be negative")
	}
	if c.Orchestrator.PhaseTimeout.Duration() <= 0 {
		return fmt.Errorf("orchestrator.phase_timeout must be positive")
	}
	if c.Orchestrator.MaxRunDuration.Duration() <= 0 {
		return fmt.Errorf("orchestrator.max_run_duration must be positive")
	}
	for name := range c.Orchestrator.PhaseTimeouts {
		if _, err := domain.ParsePhase(name); err != nil {
			return fmt.Errorf("orchestrator.phase_timeouts: %w", err)
		}
	}
	if _, err := ParseCron(c.Orchestrator.SweepSchedule); err != nil {
		return fmt.Errorf("orchestrator.sweep_schedule: %w", err)
	}
	if _, err := c.PhaseTable(); err != nil {
		return err
	}
	for _, s := range c.Trigger.Schedules {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
	}
	if _, err := c.Web.ProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// PhaseTimeoutFor returns the timeout for phase
func (c *Config) PhaseTimeoutFor(phase domain.Phase) time.Duration {
	if d, ok := c.Orchestrator.PhaseTimeouts[string(phase)]; ok && d > 0 {
		return d.Duration()
	}
	return c.Orchestrator.PhaseTimeout.Duration()
}

// PhaseTimeouts returns the effective timeout of every phase
func (c *Config) PhaseTimeouts() map[domain.Phase]time.Duration {
	out := make(map[domain.Phase]time.Duration, 3)
	for _, p := range []domain.Phase{domain.PhasePlan, domain.PhaseBuild, domain.PhaseTest} {
		out[p] = c.PhaseTimeoutFor(p)
	}
	return out
}

// PhaseTable returns the built-in workflow table with configured overrides applied
func (c *Config) PhaseTable() (domain.PhaseTable, error) {
	table := domain.DefaultPhaseTable()
	for name, phases := range c.Orchestrator.Workflows {
		wt, err := domain.ParseWorkflowType(name)
		if err != nil {
			return nil, fmt.Errorf("orchestrator.workflows: %w", err)
		}
		list := make([]domain.Phase, 0, len(phases))
		for _, p := range phases {
			list = append(list, domain.Phase(p))
		}
		table[wt] = list
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator.workflows: %w", err)
	}
	return table, nil
}

// ParseCron parses a five-field cron expression or an @descriptor
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(expr)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "adw-orchestrator", "config.toml")
}
