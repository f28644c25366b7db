// Package config loads the orchestrator configuration from a YAML file with
// FORGE_* environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueBackend selects the durable queue implementation.
type QueueBackend string

const (
	BackendPostgres QueueBackend = "postgres"
	BackendRedis    QueueBackend = "redis"
	BackendMemory   QueueBackend = "memory"
)

// AgentConfig configures one agent CLI adapter.
type AgentConfig struct {
	BinaryPath       string            `yaml:"binary_path"`
	Model            string            `yaml:"model,omitempty"`
	WallClockSeconds int               `yaml:"wall_clock_seconds"`
	Env              map[string]string `yaml:"env,omitempty"`
}

// WallClock returns the per-run timeout for this agent.
func (a AgentConfig) WallClock() time.Duration {
	return time.Duration(a.WallClockSeconds) * time.Second
}

// HostingConfig configures the source-control host client.
type HostingConfig struct {
	BaseURL           string `yaml:"base_url"`
	APIToken          string `yaml:"api_token,omitempty"`
	AppID             string `yaml:"app_id,omitempty"`
	InstallationID    string `yaml:"installation_id,omitempty"`
	RequestTimeoutSec int    `yaml:"request_timeout_seconds"`
}

// Config is the full orchestrator configuration surface.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr,omitempty"`

	QueueBackend            QueueBackend `yaml:"queue_backend"`
	MaxConcurrentJobs       int          `yaml:"max_concurrent_jobs"`
	QueueVisibilityTimeout  int          `yaml:"queue_visibility_timeout"` // seconds
	QueuePollIntervalMillis int          `yaml:"queue_poll_interval"`      // milliseconds
	QueueRetryDelaySeconds  int          `yaml:"queue_retry_delay"`        // seconds
	QueueMaxAttempts        int          `yaml:"queue_max_attempts"`

	WorkspaceRoot   string `yaml:"workspace_root"`
	BranchPrefix    string `yaml:"branch_prefix"`
	UseShallowClone *bool  `yaml:"use_shallow_clone,omitempty"`

	Agents map[string]AgentConfig `yaml:"agents"`

	CIPollIntervalSeconds      int `yaml:"ci_poll_interval"`        // seconds
	CIPollOverallTimeoutSecond int `yaml:"ci_poll_overall_timeout"` // seconds

	MaxCIIterations        int     `yaml:"max_ci_iterations"`
	MaxReviewIterations    int     `yaml:"max_review_iterations"`
	MaxTotalIterations     int     `yaml:"max_total_iterations"`
	WarnIterationThreshold int     `yaml:"warn_iteration_threshold"`
	MinReviewScore         float64 `yaml:"min_review_score"`
	CycleTimeoutSeconds    int     `yaml:"cycle_timeout_seconds"`

	MergeMethod       string `yaml:"merge_method"` // merge|squash|rebase
	MergeDeleteBranch bool   `yaml:"merge_delete_branch"`

	OutputMaxHistory         int `yaml:"output_max_history"`
	OutputCleanupAfterSecond int `yaml:"output_cleanup_after"` // seconds
	OutputMaxQueueSize       int `yaml:"output_max_queue_size"`

	Hosting HostingConfig `yaml:"hosting"`

	TranslatorEndpoint string `yaml:"translator_endpoint,omitempty"`
	TranslatorAPIKey   string `yaml:"translator_api_key,omitempty"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file,omitempty"`
}

// Load reads path (when non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers FORGE_* environment variables over file values.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	setString := func(key string, dst *string) {
		if val, ok := lookup(key); ok && strings.TrimSpace(val) != "" {
			*dst = strings.TrimSpace(val)
		}
	}
	setInt := func(key string, dst *int) {
		if val, ok := lookup(key); ok {
			if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*dst = parsed
			}
		}
	}

	setString("FORGE_DATABASE_URL", &c.DatabaseURL)
	setString("FORGE_REDIS_ADDR", &c.RedisAddr)
	if val, ok := lookup("FORGE_QUEUE_BACKEND"); ok && strings.TrimSpace(val) != "" {
		c.QueueBackend = QueueBackend(strings.TrimSpace(val))
	}
	setInt("FORGE_MAX_CONCURRENT_JOBS", &c.MaxConcurrentJobs)
	setInt("FORGE_QUEUE_VISIBILITY_TIMEOUT", &c.QueueVisibilityTimeout)
	setInt("FORGE_QUEUE_POLL_INTERVAL", &c.QueuePollIntervalMillis)
	setInt("FORGE_QUEUE_RETRY_DELAY", &c.QueueRetryDelaySeconds)
	setString("FORGE_WORKSPACE_ROOT", &c.WorkspaceRoot)
	setString("FORGE_BRANCH_PREFIX", &c.BranchPrefix)
	setString("FORGE_HOSTING_BASE_URL", &c.Hosting.BaseURL)
	setString("FORGE_HOSTING_API_TOKEN", &c.Hosting.APIToken)
	setString("FORGE_LOG_LEVEL", &c.LogLevel)
	setString("FORGE_LOG_FILE", &c.LogFile)
}

// ApplyDefaults fills unset values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.QueueBackend == "" {
		c.QueueBackend = BackendPostgres
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 2
	}
	if c.QueueVisibilityTimeout <= 0 {
		c.QueueVisibilityTimeout = 300
	}
	if c.QueuePollIntervalMillis <= 0 {
		c.QueuePollIntervalMillis = 500
	}
	if c.QueueRetryDelaySeconds <= 0 {
		c.QueueRetryDelaySeconds = 30
	}
	if c.QueueMaxAttempts <= 0 {
		c.QueueMaxAttempts = 3
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = defaultWorkspaceRoot()
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "forge"
	}
	if c.UseShallowClone == nil {
		shallow := true
		c.UseShallowClone = &shallow
	}
	if c.Agents == nil {
		c.Agents = map[string]AgentConfig{}
	}
	for kind, agent := range c.Agents {
		if agent.WallClockSeconds <= 0 {
			agent.WallClockSeconds = 1800
			c.Agents[kind] = agent
		}
	}
	if c.CIPollIntervalSeconds <= 0 {
		c.CIPollIntervalSeconds = 30
	}
	if c.CIPollOverallTimeoutSecond <= 0 {
		c.CIPollOverallTimeoutSecond = 1800
	}
	if c.MaxCIIterations <= 0 {
		c.MaxCIIterations = 3
	}
	if c.MaxReviewIterations <= 0 {
		c.MaxReviewIterations = 3
	}
	if c.MaxTotalIterations <= 0 {
		c.MaxTotalIterations = 10
	}
	if c.WarnIterationThreshold <= 0 {
		c.WarnIterationThreshold = 7
	}
	if c.MinReviewScore <= 0 {
		c.MinReviewScore = 0.7
	}
	if c.CycleTimeoutSeconds <= 0 {
		c.CycleTimeoutSeconds = 7200
	}
	if c.MergeMethod == "" {
		c.MergeMethod = "squash"
	}
	if c.OutputMaxHistory <= 0 {
		c.OutputMaxHistory = 2000
	}
	if c.OutputCleanupAfterSecond <= 0 {
		c.OutputCleanupAfterSecond = 3600
	}
	if c.OutputMaxQueueSize <= 0 {
		c.OutputMaxQueueSize = 256
	}
	if c.Hosting.RequestTimeoutSec <= 0 {
		c.Hosting.RequestTimeoutSec = 30
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown queue_backend %q", c.QueueBackend)
	}
	if c.QueueBackend == BackendPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required for the postgres queue backend")
	}
	if c.QueueBackend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required for the redis queue backend")
	}
	switch c.MergeMethod {
	case "merge", "squash", "rebase":
	default:
		return fmt.Errorf("merge_method must be merge, squash or rebase, got %q", c.MergeMethod)
	}
	if c.MinReviewScore < 0 || c.MinReviewScore > 1 {
		return fmt.Errorf("min_review_score must be within [0,1], got %v", c.MinReviewScore)
	}
	return nil
}

// Shallow reports whether new workspaces use shallow clones.
func (c *Config) Shallow() bool {
	return c.UseShallowClone == nil || *c.UseShallowClone
}

// VisibilityTimeout returns the queue lease duration.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.QueueVisibilityTimeout) * time.Second
}

// PollInterval returns the worker idle poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.QueuePollIntervalMillis) * time.Millisecond
}

// RetryDelay returns the delay before a failed job becomes leasable again.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.QueueRetryDelaySeconds) * time.Second
}

// CIPollInterval returns the CI status poll cadence.
func (c *Config) CIPollInterval() time.Duration {
	return time.Duration(c.CIPollIntervalSeconds) * time.Second
}

// CIPollOverallTimeout returns the total CI wait budget.
func (c *Config) CIPollOverallTimeout() time.Duration {
	return time.Duration(c.CIPollOverallTimeoutSecond) * time.Second
}

// CycleTimeout returns the per-phase supervisor timeout.
func (c *Config) CycleTimeout() time.Duration {
	return time.Duration(c.CycleTimeoutSeconds) * time.Second
}

// OutputCleanupAfter returns the retention period for completed streams.
func (c *Config) OutputCleanupAfter() time.Duration {
	return time.Duration(c.OutputCleanupAfterSecond) * time.Second
}

// AgentFor returns the agent configuration for an executor kind, with a
// usable zero-config fallback naming the kind as the binary.
func (c *Config) AgentFor(kind string) AgentConfig {
	if agent, ok := c.Agents[kind]; ok {
		if agent.BinaryPath == "" {
			agent.BinaryPath = defaultBinary(kind)
		}
		return agent
	}
	return AgentConfig{BinaryPath: defaultBinary(kind), WallClockSeconds: 1800}
}

func defaultBinary(kind string) string {
	switch kind {
	case "claude-code":
		return "claude"
	case "codex-cli":
		return "codex"
	case "gemini-cli":
		return "gemini"
	default:
		return kind
	}
}

func defaultWorkspaceRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "/tmp/forge-workspaces"
	}
	return home + "/.forge/workspaces"
}
