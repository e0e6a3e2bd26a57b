package config

import (
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/johnwikman/id2202-autograder/pkg/fsutil"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default gateway listen address.
	DefaultListen = ":8080"

	// DefaultBranch is the ref that submissions must be pushed to.
	DefaultBranch = "refs/heads/master"

	// DefaultMaxPayload is the default webhook payload size limit.
	DefaultMaxPayload = "1MB"

	// DefaultMaxOutput is the default cap on captured stdout/stderr per
	// build or test command.
	DefaultMaxOutput = "64KB"

	// DefaultPollInterval is how often a runner checks the store for work.
	DefaultPollInterval = "15s"

	// DefaultHeartbeatInterval is how often a runner writes its liveness row.
	DefaultHeartbeatInterval = "10s"

	// DefaultSweepInterval is how often the watchdog scans for dead runners.
	DefaultSweepInterval = "30s"

	// DefaultStalenessThreshold is the heartbeat age beyond which a runner
	// is presumed dead. Must comfortably exceed the heartbeat interval.
	DefaultStalenessThreshold = "60s"

	// DefaultMaxClaims is how many times a submission may be claimed before
	// it is quarantined instead of released back to the queue.
	DefaultMaxClaims = 3

	// DefaultShownFailures is how many failed test cases are described in
	// detail in the result comment.
	DefaultShownFailures = 5

	// DefaultSandboxBackend executes grading commands directly on the host.
	DefaultSandboxBackend = "local"
)

// Config is the root configuration shared by all autograder processes.
type Config struct {
	Global    GlobalConfig     `yaml:"global" mapstructure:"global"`
	Server    ServerConfig     `yaml:"server" mapstructure:"server"`
	GitHub    GitHubConfig     `yaml:"github" mapstructure:"github"`
	Database  DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Notify    NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Runner    RunnerConfig     `yaml:"runner" mapstructure:"runner"`
	Watchdog  WatchdogConfig   `yaml:"watchdog" mapstructure:"watchdog"`
	Artifacts *ArtifactsConfig `yaml:"artifacts,omitempty" mapstructure:"artifacts"`
}

// GlobalConfig contains settings shared by every process.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	TempDir  string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// ServerConfig contains gateway HTTP settings.
type ServerConfig struct {
	Listen         string          `yaml:"listen" mapstructure:"listen"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty" mapstructure:"allowed_origins"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig controls per-IP rate limiting on the webhook endpoint.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// GitHubConfig contains settings for inbound webhooks and outbound
// comment/status reporting against a GitHub (Enterprise) instance.
type GitHubConfig struct {
	// Address is the host of the GitHub instance, e.g. "gits.example.com".
	Address string `yaml:"address" mapstructure:"address"`

	// Org is the organization that submissions are accepted from.
	Org         string `yaml:"org" mapstructure:"org"`
	AllowAnyOrg bool   `yaml:"allow_any_org" mapstructure:"allow_any_org"`

	// Repository name filters. An empty allow list admits every name.
	AllowedRepoPrefixes    []string `yaml:"allowed_repo_prefixes,omitempty" mapstructure:"allowed_repo_prefixes"`
	AllowedRepoSuffixes    []string `yaml:"allowed_repo_suffixes,omitempty" mapstructure:"allowed_repo_suffixes"`
	ProhibitedRepoPrefixes []string `yaml:"prohibited_repo_prefixes,omitempty" mapstructure:"prohibited_repo_prefixes"`
	ProhibitedRepoSuffixes []string `yaml:"prohibited_repo_suffixes,omitempty" mapstructure:"prohibited_repo_suffixes"`

	// Branch is the ref that triggers grading.
	Branch string `yaml:"branch" mapstructure:"branch"`

	// AuthToken is the API token used for comments and commit statuses.
	// Leave empty to disable reporting.
	AuthToken string `yaml:"auth_token" mapstructure:"auth_token"`

	// WebhookSecret keys the HMAC signature over inbound payloads.
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`

	// MaxPayload is the webhook body size limit, e.g. "1MB".
	MaxPayload string `yaml:"max_payload" mapstructure:"max_payload"`

	// CommentSignature is appended to every posted comment.
	CommentSignature string `yaml:"comment_signature" mapstructure:"comment_signature"`
}

// DatabaseConfig selects and configures the backing database.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// NotifyConfig configures the advisory wake-signal file.
type NotifyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// RunnerConfig contains settings for runner processes.
type RunnerConfig struct {
	// Count is how many runner processes the supervisor spawns.
	Count int `yaml:"count" mapstructure:"count"`

	// PollInterval is how often a runner checks the store for work. The
	// wake signal may cut a wait short; it never replaces polling.
	PollInterval string `yaml:"poll_interval" mapstructure:"poll_interval"`

	// HeartbeatInterval is how often a runner updates its liveness row.
	HeartbeatInterval string `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`

	// WorkspaceDir is where runners place checkouts and build artifacts.
	WorkspaceDir string `yaml:"workspace_dir" mapstructure:"workspace_dir"`

	// WorkspaceOwner is an optional UID:GID applied to workspace
	// directories, for container sandboxes running as another user.
	WorkspaceOwner string `yaml:"workspace_owner" mapstructure:"workspace_owner"`

	// TestRoot is the root of the test configuration tree.
	TestRoot string `yaml:"test_root" mapstructure:"test_root"`

	// MaxOutput caps captured stdout/stderr per command, e.g. "64KB".
	MaxOutput string `yaml:"max_output" mapstructure:"max_output"`

	// ShownFailures is how many failed cases are detailed in the summary.
	ShownFailures int `yaml:"shown_failures" mapstructure:"shown_failures"`

	Sandbox SandboxConfig `yaml:"sandbox" mapstructure:"sandbox"`
}

// SandboxConfig selects how grading commands are isolated.
type SandboxConfig struct {
	// Backend is "local" or "docker".
	Backend string `yaml:"backend" mapstructure:"backend"`

	// Image is the container image used by the docker backend.
	Image string `yaml:"image,omitempty" mapstructure:"image"`

	// NetworkPrefix names the per-runner network "<prefix><runner-id>".
	NetworkPrefix string `yaml:"network_prefix,omitempty" mapstructure:"network_prefix"`

	// MountRepo is the path inside the container where the build directory
	// is mounted.
	MountRepo string `yaml:"mount_repo,omitempty" mapstructure:"mount_repo"`
}

// WatchdogConfig contains liveness-sweep settings.
type WatchdogConfig struct {
	SweepInterval      string `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	StalenessThreshold string `yaml:"staleness_threshold" mapstructure:"staleness_threshold"`

	// MaxClaims quarantines a submission that keeps taking runners down
	// with it instead of releasing it to the queue forever.
	MaxClaims int `yaml:"max_claims" mapstructure:"max_claims"`

	// CheckLocalPids consults the process table before declaring a runner
	// with a recorded pid on this host dead. Advisory; staleness still
	// decides on the next sweep.
	CheckLocalPids bool `yaml:"check_local_pids" mapstructure:"check_local_pids"`
}

// ArtifactsConfig configures optional result uploads to S3-compatible storage.
type ArtifactsConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style,omitempty" mapstructure:"force_path_style"`
}

// envOverrides maps config keys to their environment variable overrides.
// Secrets and connection parameters are deliberately overridable so that
// they can be kept out of the config file.
var envOverrides = map[string]string{
	"global.log_level":            "AUTOGRADER_LOG_LEVEL",
	"server.listen":               "AUTOGRADER_SERVER_LISTEN",
	"github.auth_token":           "AUTOGRADER_GITHUB_AUTH_TOKEN",
	"github.webhook_secret":       "AUTOGRADER_GITHUB_WEBHOOK_SECRET",
	"database.driver":             "AUTOGRADER_DATABASE_DRIVER",
	"database.sqlite.path":        "AUTOGRADER_SQLITE_PATH",
	"database.postgres.host":      "AUTOGRADER_POSTGRES_HOST",
	"database.postgres.port":      "AUTOGRADER_POSTGRES_PORT",
	"database.postgres.user":      "AUTOGRADER_POSTGRES_USER",
	"database.postgres.password":  "AUTOGRADER_POSTGRES_PASSWORD",
	"notify.path":                 "AUTOGRADER_NOTIFY_PATH",
	"runner.count":                "AUTOGRADER_RUNNER_COUNT",
	"runner.poll_interval":        "AUTOGRADER_RUNNER_POLL_INTERVAL",
	"runner.workspace_dir":        "AUTOGRADER_RUNNER_WORKSPACE_DIR",
	"runner.test_root":            "AUTOGRADER_RUNNER_TEST_ROOT",
	"artifacts.access_key_id":     "AUTOGRADER_ARTIFACTS_ACCESS_KEY_ID",
	"artifacts.secret_access_key": "AUTOGRADER_ARTIFACTS_SECRET_ACCESS_KEY",
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	for key, env := range envOverrides {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding env override %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.GitHub.Branch == "" {
		c.GitHub.Branch = DefaultBranch
	}

	if c.GitHub.MaxPayload == "" {
		c.GitHub.MaxPayload = DefaultMaxPayload
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.Runner.Count == 0 {
		c.Runner.Count = 1
	}

	if c.Runner.PollInterval == "" {
		c.Runner.PollInterval = DefaultPollInterval
	}

	if c.Runner.HeartbeatInterval == "" {
		c.Runner.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.Runner.MaxOutput == "" {
		c.Runner.MaxOutput = DefaultMaxOutput
	}

	if c.Runner.ShownFailures == 0 {
		c.Runner.ShownFailures = DefaultShownFailures
	}

	if c.Runner.Sandbox.Backend == "" {
		c.Runner.Sandbox.Backend = DefaultSandboxBackend
	}

	if c.Watchdog.SweepInterval == "" {
		c.Watchdog.SweepInterval = DefaultSweepInterval
	}

	if c.Watchdog.StalenessThreshold == "" {
		c.Watchdog.StalenessThreshold = DefaultStalenessThreshold
	}

	if c.Watchdog.MaxClaims == 0 {
		c.Watchdog.MaxClaims = DefaultMaxClaims
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.GitHub.WebhookSecret == "" {
		return fmt.Errorf("github.webhook_secret is required")
	}

	if !strings.HasPrefix(c.GitHub.Branch, "refs/") {
		return fmt.Errorf("github.branch must be a full ref, got %q", c.GitHub.Branch)
	}

	if _, err := units.RAMInBytes(c.GitHub.MaxPayload); err != nil {
		return fmt.Errorf("invalid github.max_payload %q: %w", c.GitHub.MaxPayload, err)
	}

	if _, err := units.RAMInBytes(c.Runner.MaxOutput); err != nil {
		return fmt.Errorf("invalid runner.max_output %q: %w", c.Runner.MaxOutput, err)
	}

	for key, val := range map[string]string{
		"runner.poll_interval":         c.Runner.PollInterval,
		"runner.heartbeat_interval":    c.Runner.HeartbeatInterval,
		"watchdog.sweep_interval":      c.Watchdog.SweepInterval,
		"watchdog.staleness_threshold": c.Watchdog.StalenessThreshold,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, val, err)
		}
	}

	// A threshold close to the heartbeat interval trips on scheduling
	// jitter during long test runs.
	if c.Watchdog.Staleness() < 2*c.Runner.Heartbeat() {
		return fmt.Errorf(
			"watchdog.staleness_threshold (%s) must be at least twice runner.heartbeat_interval (%s)",
			c.Watchdog.StalenessThreshold, c.Runner.HeartbeatInterval,
		)
	}

	if _, err := fsutil.ParseOwner(c.Runner.WorkspaceOwner); err != nil {
		return fmt.Errorf("invalid runner.workspace_owner: %w", err)
	}

	switch c.Runner.Sandbox.Backend {
	case "local":
	case "docker":
		if c.Runner.Sandbox.Image == "" {
			return fmt.Errorf("runner.sandbox.image is required for the docker backend")
		}
	default:
		return fmt.Errorf("unsupported sandbox backend: %s", c.Runner.Sandbox.Backend)
	}

	if c.Artifacts != nil && c.Artifacts.Enabled && c.Artifacts.Bucket == "" {
		return fmt.Errorf("artifacts.bucket is required when artifacts are enabled")
	}

	return nil
}

// MaxPayloadBytes returns the parsed webhook payload size limit.
func (c *GitHubConfig) MaxPayloadBytes() int64 {
	n, err := units.RAMInBytes(c.MaxPayload)
	if err != nil {
		n, _ = units.RAMInBytes(DefaultMaxPayload)
	}

	return n
}

// MaxOutputBytes returns the parsed per-command output cap.
func (c *RunnerConfig) MaxOutputBytes() int64 {
	n, err := units.RAMInBytes(c.MaxOutput)
	if err != nil {
		n, _ = units.RAMInBytes(DefaultMaxOutput)
	}

	return n
}

// Poll returns the parsed runner poll interval.
func (c *RunnerConfig) Poll() time.Duration {
	return parseDuration(c.PollInterval, DefaultPollInterval)
}

// Heartbeat returns the parsed heartbeat interval.
func (c *RunnerConfig) Heartbeat() time.Duration {
	return parseDuration(c.HeartbeatInterval, DefaultHeartbeatInterval)
}

// Sweep returns the parsed watchdog sweep interval.
func (c *WatchdogConfig) Sweep() time.Duration {
	return parseDuration(c.SweepInterval, DefaultSweepInterval)
}

// Staleness returns the parsed staleness threshold.
func (c *WatchdogConfig) Staleness() time.Duration {
	return parseDuration(c.StalenessThreshold, DefaultStalenessThreshold)
}

func parseDuration(val, fallback string) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}

	return d
}
