// Package config loads config.yaml from the Janus home directory and applies
// JANUS_* environment overrides. Each section is the owning package's own
// config type so defaults and floors live next to the code that uses them.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-janus/internal/approval"
	"github.com/basket/go-janus/internal/autoexec"
	"github.com/basket/go-janus/internal/executor"
	"github.com/basket/go-janus/internal/governor"
	"github.com/basket/go-janus/internal/otel"
	"github.com/basket/go-janus/internal/persistence"
	"github.com/basket/go-janus/internal/proposal"
	"github.com/basket/go-janus/internal/sandbox"
	"github.com/basket/go-janus/internal/shared"
)

const (
	SandboxBackendBwrap  = "bwrap"
	SandboxBackendDocker = "docker"

	DefaultRetentionSchedule = "@daily"
	DefaultSweepSchedule     = "@hourly"
	DefaultThinkingSchedule  = "@every 30m"
)

// ProposalsConfig covers the proposal engine and its auto-approval policy.
type ProposalsConfig struct {
	NoveltyThreshold        float64  `yaml:"novelty_threshold"`
	NoveltyWindow           int      `yaml:"novelty_window"`
	FailureAlertThreshold   float64  `yaml:"failure_alert_threshold"`
	FailureAlertMinAttempts int      `yaml:"failure_alert_min_attempts"`
	AutoApproveRiskLevels   []string `yaml:"auto_approve_risk_levels"`
	AutoApproveActionTypes  []string `yaml:"auto_approve_action_types"`
	AutoApproveTools        []string `yaml:"auto_approve_tools"`
}

// AutoApprovalPolicy builds the engine policy from the configured lists.
func (p ProposalsConfig) AutoApprovalPolicy() (proposal.AutoApprovalPolicy, error) {
	risks := make([]proposal.RiskLevel, 0, len(p.AutoApproveRiskLevels))
	for _, r := range p.AutoApproveRiskLevels {
		lvl, err := proposal.ParseRiskLevel(r)
		if err != nil {
			return proposal.AutoApprovalPolicy{}, fmt.Errorf("proposals.auto_approve_risk_levels: %w", err)
		}
		risks = append(risks, lvl)
	}
	return proposal.NewAutoApprovalPolicy(risks, p.AutoApproveActionTypes, p.AutoApproveTools), nil
}

type PolicyConfig struct {
	Path string `yaml:"path"`
}

// SandboxConfig selects the backend. The isolation policy is inlined.
type SandboxConfig struct {
	Backend     string `yaml:"backend"`
	DockerImage string `yaml:"docker_image"`

	sandbox.Policy `yaml:",inline"`
}

type ExecutorConfig struct {
	executor.Limits `yaml:",inline"`

	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type NotificationsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// RetentionConfig drives the maintenance jobs.
type RetentionConfig struct {
	persistence.RetentionWindows `yaml:",inline"`

	Schedule        string        `yaml:"schedule"`
	SweepSchedule   string        `yaml:"sweep_schedule"`
	WorkspaceMaxAge time.Duration `yaml:"workspace_max_age"`
}

// ThinkingConfig runs a local model command on a schedule to draft proposals.
type ThinkingConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Schedule    string        `yaml:"schedule"`
	Command     []string      `yaml:"command"`
	Timeout     time.Duration `yaml:"timeout"`
	MissionFile string        `yaml:"mission_file"`
	MaxRetries  int           `yaml:"max_retries"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	VesselID string `yaml:"vessel_id"`
	LogLevel string `yaml:"log_level"`

	Governor      governor.Config               `yaml:"governor"`
	Policy        PolicyConfig                  `yaml:"policy"`
	Sandbox       SandboxConfig                 `yaml:"sandbox"`
	Executor      ExecutorConfig                `yaml:"executor"`
	Proposals     ProposalsConfig               `yaml:"proposals"`
	AutoExecutor  autoexec.Config               `yaml:"auto_executor"`
	Approval      approval.Config               `yaml:"approval"`
	Notifications NotificationsConfig           `yaml:"notifications"`
	Tools         map[string]sandbox.ToolConfig `yaml:"tools"`
	Retention     RetentionConfig               `yaml:"retention"`
	Thinking      ThinkingConfig                `yaml:"thinking"`
	OTel          otel.Config                   `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// Paths inside the home directory.
func (c Config) ProposalsPath() string { return filepath.Join(c.HomeDir, "proposals.jsonl") }
func (c Config) AuditPath() string     { return filepath.Join(c.HomeDir, "logs", "audit.jsonl") }
func (c Config) ToolLogPath() string   { return filepath.Join(c.HomeDir, "logs", "tool_use.jsonl") }
func (c Config) LedgerPath() string    { return filepath.Join(c.HomeDir, "janus.db") }

// ToolRegistry returns the configured tools with their names filled in.
func (c Config) ToolRegistry() map[string]sandbox.ToolConfig {
	out := make(map[string]sandbox.ToolConfig, len(c.Tools))
	for name, t := range c.Tools {
		t.Name = name
		out[name] = t
	}
	return out
}

// ToolNames lists the configured tool names.
func (c Config) ToolNames() []string {
	out := make([]string, 0, len(c.Tools))
	for name := range c.Tools {
		out = append(out, name)
	}
	return out
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the effective config.
func (c Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", c))
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig(homeDir string) Config {
	return Config{
		HomeDir:  homeDir,
		VesselID: shared.DefaultVesselID,
		LogLevel: "info",
		Governor: governor.DefaultConfig(),
		Policy:   PolicyConfig{Path: filepath.Join(homeDir, "policy.yaml")},
		Sandbox: SandboxConfig{
			Backend:     SandboxBackendBwrap,
			DockerImage: sandbox.DefaultDockerImage,
			Policy:      sandbox.DefaultPolicy(homeDir),
		},
		Executor: ExecutorConfig{
			Limits:        executor.DefaultLimits(),
			RatePerSecond: float64(executor.DefaultRateLimit),
			RateBurst:     executor.DefaultRateBurst,
		},
		Proposals: ProposalsConfig{
			NoveltyThreshold:        proposal.DefaultNoveltyThreshold,
			NoveltyWindow:           proposal.DefaultNoveltyWindow,
			FailureAlertThreshold:   proposal.DefaultFailureAlertThreshold,
			FailureAlertMinAttempts: proposal.DefaultFailureAlertMinAttempts,
			AutoApproveRiskLevels:   []string{"low"},
			AutoApproveActionTypes:  append([]string(nil), proposal.DefaultAutoApprovalActionTypes...),
			AutoApproveTools:        append([]string(nil), proposal.DefaultAutoApprovalTools...),
		},
		AutoExecutor: autoexec.DefaultConfig(),
		Approval:     approval.DefaultConfig(),
		Retention: RetentionConfig{
			RetentionWindows: persistence.RetentionWindows{ExecutionDays: 90, AuditDays: 365, ProposalEventDays: 365},
			Schedule:         DefaultRetentionSchedule,
			SweepSchedule:    DefaultSweepSchedule,
			WorkspaceMaxAge:  sandbox.DefaultWorkspaceMaxAge,
		},
		Thinking: ThinkingConfig{
			Schedule: DefaultThinkingSchedule,
			Timeout:  2 * time.Minute,
		},
		OTel: otel.Config{Exporter: "stdout", ServiceName: "janus", SampleRate: 1},
	}
}

func HomeDir() string {
	if override := os.Getenv("JANUS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".janus")
}

// Load reads config.yaml from HomeDir(), creating the home directory.
func Load() (Config, error) {
	homeDir := HomeDir()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return defaultConfig(homeDir), fmt.Errorf("create janus home: %w", err)
	}
	return LoadFile(homeDir, ConfigPath(homeDir))
}

// LoadFile reads the config at path with homeDir as the base for defaults.
// A missing file yields defaults with NeedsGenesis set.
func LoadFile(homeDir, path string) (Config, error) {
	cfg := defaultConfig(homeDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsGenesis = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.VesselID) == "" {
		cfg.VesselID = shared.DefaultVesselID
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Governor = cfg.Governor.Normalize()
	cfg.AutoExecutor = cfg.AutoExecutor.Normalize()
	if cfg.Policy.Path == "" {
		cfg.Policy.Path = filepath.Join(cfg.HomeDir, "policy.yaml")
	}
	cfg.Sandbox.Backend = strings.ToLower(strings.TrimSpace(cfg.Sandbox.Backend))
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = SandboxBackendBwrap
	}
	if cfg.Sandbox.DockerImage == "" {
		cfg.Sandbox.DockerImage = sandbox.DefaultDockerImage
	}
	if cfg.Sandbox.WorkspaceRoot == "" {
		cfg.Sandbox.WorkspaceRoot = filepath.Join(cfg.HomeDir, "workspaces")
	}
	if cfg.Executor.RatePerSecond <= 0 {
		cfg.Executor.RatePerSecond = float64(executor.DefaultRateLimit)
	}
	if cfg.Executor.RateBurst <= 0 {
		cfg.Executor.RateBurst = executor.DefaultRateBurst
	}
	if cfg.Executor.Timeout <= 0 {
		cfg.Executor.Timeout = executor.DefaultLimits().Timeout
	}
	if cfg.Proposals.FailureAlertMinAttempts <= 0 {
		cfg.Proposals.FailureAlertMinAttempts = proposal.DefaultFailureAlertMinAttempts
	}
	if cfg.Proposals.FailureAlertThreshold <= 0 {
		cfg.Proposals.FailureAlertThreshold = proposal.DefaultFailureAlertThreshold
	}
	if cfg.Approval.Timeout <= 0 {
		cfg.Approval.Timeout = approval.DefaultTimeout
	}
	if cfg.Approval.MonitorInterval <= 0 {
		cfg.Approval.MonitorInterval = approval.DefaultMonitorInterval
	}
	if cfg.Approval.QueuePath == "" {
		cfg.Approval.QueuePath = filepath.Join(cfg.HomeDir, "approval_queue.jsonl")
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = DefaultRetentionSchedule
	}
	if cfg.Retention.SweepSchedule == "" {
		cfg.Retention.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.Retention.WorkspaceMaxAge <= 0 {
		cfg.Retention.WorkspaceMaxAge = sandbox.DefaultWorkspaceMaxAge
	}
	if cfg.Thinking.Schedule == "" {
		cfg.Thinking.Schedule = DefaultThinkingSchedule
	}
	if cfg.Thinking.MissionFile == "" {
		cfg.Thinking.MissionFile = filepath.Join(cfg.HomeDir, "MISSION.md")
	}
}

func validate(cfg Config) error {
	switch cfg.Sandbox.Backend {
	case SandboxBackendBwrap, SandboxBackendDocker:
	default:
		return fmt.Errorf("sandbox.backend %q: want %s or %s", cfg.Sandbox.Backend, SandboxBackendBwrap, SandboxBackendDocker)
	}
	if _, err := proposal.ParseRiskLevel(cfg.AutoExecutor.MaxRiskLevel); err != nil {
		return fmt.Errorf("auto_executor.max_risk_level: %w", err)
	}
	if _, err := cfg.Proposals.AutoApprovalPolicy(); err != nil {
		return err
	}
	for name, t := range cfg.Tools {
		if len(t.Command) == 0 {
			return fmt.Errorf("tools.%s: command is required", name)
		}
	}
	if cfg.Notifications.Telegram.Enabled && cfg.Notifications.Telegram.Token == "" {
		return fmt.Errorf("notifications.telegram: token is required when enabled")
	}
	if cfg.Thinking.Enabled && len(cfg.Thinking.Command) == 0 {
		return fmt.Errorf("thinking.command is required when thinking is enabled")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("JANUS_VESSEL_ID"); raw != "" {
		cfg.VesselID = raw
	}
	if raw := os.Getenv("JANUS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("JANUS_MAX_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Governor.MaxConcurrency = v
		}
	}
	if raw := os.Getenv("JANUS_POLICY_PATH"); raw != "" {
		cfg.Policy.Path = raw
	}
	if raw := os.Getenv("JANUS_SANDBOX_BACKEND"); raw != "" {
		cfg.Sandbox.Backend = raw
	}
	if raw := os.Getenv("JANUS_AUTO_EXECUTOR_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.AutoExecutor.Enabled = v
		}
	}
	if raw := os.Getenv("JANUS_AUTO_REJECT_ON_TIMEOUT"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Approval.AutoRejectOnTimeout = v
		}
	}
	if raw := os.Getenv("JANUS_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notifications.Telegram.Token = raw
	}
}
