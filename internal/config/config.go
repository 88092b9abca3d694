// Package config provides configuration loading, validation, and hot-reload
// for agentrund.
//
// Configuration file: /etc/agentrund/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - A valid new config is logged; running components keep the values
//     they were built with, so every change takes effect on restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g., alpha ∈ [0,1], caps ≥ 1).
//   - admission.state_path must be absolute.
//   - Invalid config on startup: the daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for agentrund.
type Config struct {
	// SchemaVersion must be "1"; any other value fails validation.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this agentrund instance in event-log entries.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	Agent         AgentConfig         `yaml:"agent"`
	Admission     AdmissionConfig     `yaml:"admission"`
	Pressure      PressureConfig      `yaml:"pressure"`
	Health        HealthConfig        `yaml:"health"`
	Governor      GovernorConfig      `yaml:"governor"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// AgentConfig holds executor-level operational parameters.
type AgentConfig struct {
	// TeamsFile and PipelinesFile locate the declarative team/pipeline maps.
	TeamsFile     string `yaml:"teams_file"`
	PipelinesFile string `yaml:"pipelines_file"`

	// AgentScope controls which agent definitions are discoverable:
	// user, project, or both. Default: both.
	AgentScope string `yaml:"agent_scope"`

	// MaxTeamConcurrency bounds a team's fan-out regardless of a caller's
	// requested concurrency. Default: 8.
	MaxTeamConcurrency int `yaml:"max_team_concurrency"`

	// BinaryPath is the external agent binary the delegation runner spawns.
	BinaryPath string `yaml:"binary_path"`
}

// OperatorConfig holds the control-plane socket parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path the operator CLI connects
	// to for GetStatus/ListRuns/ResetCircuit calls (served over gRPC).
	// Permissions: 0600. Default: /run/agentrund/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active. Default: true.
	Enabled bool `yaml:"enabled"`
}

// AdmissionConfig holds the admission controller's caps, TTLs, breaker
// thresholds and state/lock paths.
type AdmissionConfig struct {
	// StatePath is the absolute path to the flat JSON admission document.
	// Default: /var/lib/agentrund/admission.json.
	StatePath string `yaml:"state_path"`

	// DedupDBPath is the absolute path to the bbolt idempotency-key cache.
	// Empty disables the crash-durable dedup supplement.
	// Default: /var/lib/agentrund/dedup.db.
	DedupDBPath string `yaml:"dedup_db_path"`

	// EventLogPath is the NDJSON admission event log path.
	EventLogPath string `yaml:"event_log_path"`
	MaxBytes     int64  `yaml:"max_bytes"`
	MaxBackups   int    `yaml:"max_backups"`

	MaxInFlightRuns  int           `yaml:"max_in_flight_runs"`
	MaxInFlightSlots int           `yaml:"max_in_flight_slots"`
	MaxDepth         int           `yaml:"max_depth"`
	RunLeaseTTL      time.Duration `yaml:"run_lease_ttl"`
	SlotLeaseTTL     time.Duration `yaml:"slot_lease_ttl"`

	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	GapThreshold    int64         `yaml:"gap_threshold"`
	GapResetQuiet   time.Duration `yaml:"gap_reset_quiet"`

	LockWait  time.Duration `yaml:"lock_wait"`
	LockStale time.Duration `yaml:"lock_stale"`
}

// PressureConfig locates the host-pressure log and bounds its freshness.
type PressureConfig struct {
	// LogPath is the host watchdog's NDJSON pressure log.
	// Default: /var/log/agentrund/host-pressure.ndjson.
	LogPath      string        `yaml:"log_path"`
	FreshnessTTL time.Duration `yaml:"freshness_ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// HealthConfig holds the health monitor's classification thresholds.
type HealthConfig struct {
	WarnNoProgress   time.Duration `yaml:"warn_no_progress"`
	AbortNoProgress  time.Duration `yaml:"abort_no_progress"`
	AbortQuickTool   time.Duration `yaml:"abort_quick_tool"`
	AbortActiveTool  time.Duration `yaml:"abort_active_tool"`
	ShortToolLatency time.Duration `yaml:"short_tool_latency"`
	WedgedTicks      int           `yaml:"wedged_ticks"`
	AbortEnabled     bool          `yaml:"abort_enabled"`
	TickInterval     time.Duration `yaml:"tick_interval"`
}

// GovernorConfig holds the governor's mode, bands and tripwire budgets.
type GovernorConfig struct {
	// Mode is one of observe, warn, enforce.
	Mode string `yaml:"mode"`

	Alpha          float64       `yaml:"alpha"`
	LoopThreshold  int           `yaml:"loop_threshold"`
	ChurnThreshold int           `yaml:"churn_threshold"`
	CostBudgetUSD  float64       `yaml:"cost_budget_usd"`
	TokenBudget    int64         `yaml:"token_budget"`
	EmergencyFuse  time.Duration `yaml:"emergency_fuse"`
	TickInterval   time.Duration `yaml:"tick_interval"`

	// BandThresholds/BandStrikeBudgets are indexed by band name
	// (0-5m, 5-15m, 15-45m, 45m+) for per-band tuning.
	BandThresholds    map[string]float64 `yaml:"band_thresholds"`
	BandStrikeBudgets map[string]int     `yaml:"band_strike_budgets"`
}

// RecoveryConfig holds the retry/backoff and degraded-completion policy.
type RecoveryConfig struct {
	MaxAttempts             int           `yaml:"max_attempts"`
	BaseDelay               time.Duration `yaml:"base_delay"`
	MaxDelay                time.Duration `yaml:"max_delay"`
	AllowDegraded           bool          `yaml:"allow_degraded"`
	MinDegradedOutputLength int           `yaml:"min_degraded_output_length"`

	// QuorumMin/QuorumTTL parameterize the optional cross-model consensus
	// extension. The setting is daemon-wide and the extension is enabled
	// only when QuorumMin > 1; there is no per-invocation override.
	QuorumMin int           `yaml:"quorum_min"`
	QuorumTTL time.Duration `yaml:"quorum_ttl"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Agent: AgentConfig{
			TeamsFile:          "/etc/agentrund/teams.yaml",
			PipelinesFile:      "/etc/agentrund/pipelines.yaml",
			AgentScope:         "both",
			MaxTeamConcurrency: 8,
			BinaryPath:         "/usr/local/bin/agent",
		},
		Admission: AdmissionConfig{
			StatePath:        "/var/lib/agentrund/admission.json",
			DedupDBPath:      "/var/lib/agentrund/dedup.db",
			EventLogPath:     "/var/log/agentrund/admission-events.ndjson",
			MaxBytes:         10 << 20,
			MaxBackups:       5,
			MaxInFlightRuns:  8,
			MaxInFlightSlots: 32,
			MaxDepth:         3,
			RunLeaseTTL:      30 * time.Minute,
			SlotLeaseTTL:     20 * time.Minute,
			BreakerCooldown:  2 * time.Minute,
			GapThreshold:     50,
			GapResetQuiet:    5 * time.Minute,
			LockWait:         5 * time.Second,
			LockStale:        30 * time.Second,
		},
		Pressure: PressureConfig{
			LogPath:      "/var/log/agentrund/host-pressure.ndjson",
			FreshnessTTL: 15 * time.Second,
			PollInterval: 2 * time.Second,
		},
		Health: HealthConfig{
			WarnNoProgress:   2 * time.Minute,
			AbortNoProgress:  10 * time.Minute,
			AbortQuickTool:   90 * time.Second,
			AbortActiveTool:  5 * time.Minute,
			ShortToolLatency: 30 * time.Second,
			WedgedTicks:      3,
			AbortEnabled:     true,
			TickInterval:     5 * time.Second,
		},
		Governor: GovernorConfig{
			Mode:           "enforce",
			Alpha:          0.7,
			LoopThreshold:  5,
			ChurnThreshold: 3,
			CostBudgetUSD:  0,
			TokenBudget:    0,
			EmergencyFuse:  4 * time.Hour,
			TickInterval:   10 * time.Second,
			BandThresholds: map[string]float64{
				"0-5m": 0.2, "5-15m": 0.35, "15-45m": 0.5, "45m+": 0.65,
			},
			BandStrikeBudgets: map[string]int{
				"0-5m": 6, "5-15m": 4, "15-45m": 3, "45m+": 2,
			},
		},
		Recovery: RecoveryConfig{
			MaxAttempts:             3,
			BaseDelay:               500 * time.Millisecond,
			MaxDelay:                10 * time.Second,
			AllowDegraded:           true,
			MinDegradedOutputLength: 200,
			QuorumMin:               0,
			QuorumTTL:               10 * time.Minute,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/agentrund/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}

	if cfg.Agent.MaxTeamConcurrency < 1 {
		errs = append(errs, fmt.Sprintf("agent.max_team_concurrency must be >= 1, got %d", cfg.Agent.MaxTeamConcurrency))
	}
	switch cfg.Agent.AgentScope {
	case "user", "project", "both":
	default:
		errs = append(errs, fmt.Sprintf("agent.agent_scope must be one of user|project|both, got %q", cfg.Agent.AgentScope))
	}

	if !filepath.IsAbs(cfg.Admission.StatePath) {
		errs = append(errs, fmt.Sprintf("admission.state_path must be absolute, got %q", cfg.Admission.StatePath))
	}
	if cfg.Admission.MaxInFlightRuns < 1 {
		errs = append(errs, fmt.Sprintf("admission.max_in_flight_runs must be >= 1, got %d", cfg.Admission.MaxInFlightRuns))
	}
	if cfg.Admission.MaxInFlightSlots < 1 {
		errs = append(errs, fmt.Sprintf("admission.max_in_flight_slots must be >= 1, got %d", cfg.Admission.MaxInFlightSlots))
	}
	if cfg.Admission.MaxDepth < 0 {
		errs = append(errs, fmt.Sprintf("admission.max_depth must be >= 0, got %d", cfg.Admission.MaxDepth))
	}
	if cfg.Admission.GapThreshold < 1 {
		errs = append(errs, fmt.Sprintf("admission.gap_threshold must be >= 1, got %d", cfg.Admission.GapThreshold))
	}
	if cfg.Admission.BreakerCooldown <= 0 {
		errs = append(errs, "admission.breaker_cooldown must be > 0")
	}

	if cfg.Health.WarnNoProgress <= 0 || cfg.Health.AbortNoProgress <= cfg.Health.WarnNoProgress {
		errs = append(errs, "health.abort_no_progress must be > health.warn_no_progress > 0")
	}
	if cfg.Health.WedgedTicks < 1 {
		errs = append(errs, fmt.Sprintf("health.wedged_ticks must be >= 1, got %d", cfg.Health.WedgedTicks))
	}

	switch cfg.Governor.Mode {
	case "observe", "warn", "enforce":
	default:
		errs = append(errs, fmt.Sprintf("governor.mode must be one of observe|warn|enforce, got %q", cfg.Governor.Mode))
	}
	if cfg.Governor.Alpha < 0.0 || cfg.Governor.Alpha > 1.0 {
		errs = append(errs, fmt.Sprintf("governor.alpha must be in [0.0, 1.0], got %f", cfg.Governor.Alpha))
	}
	if cfg.Governor.EmergencyFuse <= 0 {
		errs = append(errs, "governor.emergency_fuse must be > 0")
	}

	if cfg.Recovery.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("recovery.max_attempts must be >= 1, got %d", cfg.Recovery.MaxAttempts))
	}
	if cfg.Recovery.AllowDegraded && cfg.Recovery.MinDegradedOutputLength < 0 {
		errs = append(errs, "recovery.min_degraded_output_length must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
