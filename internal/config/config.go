package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator" yaml:"orchestrator"`
	Endpoint     EndpointConfig     `toml:"endpoint" yaml:"endpoint"`
	Planner      PlannerConfig      `toml:"planner" yaml:"planner"`
	Logging      LoggingConfig      `toml:"logging" yaml:"logging"`
	Workers      []WorkerConfig     `toml:"workers" yaml:"workers"`
	Path         string             `toml:"-" yaml:"-"`
}

type OrchestratorConfig struct {
	Addr               string `toml:"addr" yaml:"addr"`
	DBPath             string `toml:"db_path" yaml:"db_path"`
	CoordinatorID      string `toml:"coordinator_id" yaml:"coordinator_id"`
	WatchdogIntervalMS int    `toml:"watchdog_interval_ms" yaml:"watchdog_interval_ms"`
	DefaultMaxRetries  *int   `toml:"default_max_retries" yaml:"default_max_retries"`
	SnapshotIntervalMS int    `toml:"snapshot_interval_ms" yaml:"snapshot_interval_ms"`
	DemoTask           string `toml:"demo_task" yaml:"demo_task"`
}

type EndpointConfig struct {
	BusBuffer        int  `toml:"bus_buffer" yaml:"bus_buffer"`
	MaxRetries       *int `toml:"max_retries" yaml:"max_retries"`
	RetryDelayMS     int  `toml:"retry_delay_ms" yaml:"retry_delay_ms"`
	MessageTimeoutMS int  `toml:"message_timeout_ms" yaml:"message_timeout_ms"`
	SweepIntervalMS  int  `toml:"sweep_interval_ms" yaml:"sweep_interval_ms"`
	DrainTimeoutMS   int  `toml:"drain_timeout_ms" yaml:"drain_timeout_ms"`
	ReorderWindow    int  `toml:"reorder_window" yaml:"reorder_window"`
}

type PlannerConfig struct {
	// Provider is one of rules, anthropic or openai.
	Provider    string  `toml:"provider" yaml:"provider"`
	Model       string  `toml:"model" yaml:"model"`
	APIKey      string  `toml:"api_key" yaml:"api_key"`
	BaseURL     string  `toml:"base_url" yaml:"base_url"`
	MaxSubtasks int     `toml:"max_subtasks" yaml:"max_subtasks"`
	Temperature float64 `toml:"temperature" yaml:"temperature"`
	TimeoutMS   int     `toml:"timeout_ms" yaml:"timeout_ms"`
}

type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

type WorkerConfig struct {
	ID           string   `toml:"id" yaml:"id"`
	Capabilities []string `toml:"capabilities" yaml:"capabilities"`
	QueueSize    int      `toml:"queue_size" yaml:"queue_size"`
	// Command backs the "command" capability: argv of an external tool that
	// receives the task prompt as its last argument.
	Command         []string `toml:"command" yaml:"command"`
	CommandKeywords []string `toml:"command_keywords" yaml:"command_keywords"`
	CommandDir      string   `toml:"command_dir" yaml:"command_dir"`
	ArtifactDir     string   `toml:"artifact_dir" yaml:"artifact_dir"`
}

// Default returns a configuration that runs without a file: two workers,
// rule-based planning, local sqlite.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a .toml, .yaml or .yml file. ${VAR} references are expanded
// from the environment before decoding.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	text := expandEnvVars(string(bytes))

	var cfg Config
	switch strings.ToLower(filepath.Ext(resolved)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		if _, err := toml.Decode(text, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode toml config: %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.Path = resolved
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	o := &c.Orchestrator
	if o.Addr == "" {
		o.Addr = "127.0.0.1:8787"
	}
	if o.DBPath == "" {
		o.DBPath = "agentlink.db"
	}
	if o.CoordinatorID == "" {
		o.CoordinatorID = "planner"
	}
	if o.WatchdogIntervalMS <= 0 {
		o.WatchdogIntervalMS = 1000
	}
	if o.DefaultMaxRetries == nil || *o.DefaultMaxRetries < 0 {
		o.DefaultMaxRetries = intPtr(2)
	}
	if o.SnapshotIntervalMS <= 0 {
		o.SnapshotIntervalMS = 30000
	}

	e := &c.Endpoint
	if e.BusBuffer <= 0 {
		e.BusBuffer = 256
	}
	if e.MaxRetries == nil || *e.MaxRetries < 0 {
		e.MaxRetries = intPtr(3)
	}
	if e.RetryDelayMS <= 0 {
		e.RetryDelayMS = 1000
	}
	if e.MessageTimeoutMS <= 0 {
		e.MessageTimeoutMS = 30000
	}
	if e.SweepIntervalMS <= 0 {
		e.SweepIntervalMS = 1000
	}
	if e.DrainTimeoutMS <= 0 {
		e.DrainTimeoutMS = 5000
	}
	if e.ReorderWindow <= 0 {
		e.ReorderWindow = 64
	}

	p := &c.Planner
	if p.Provider == "" {
		p.Provider = "rules"
	}
	if p.MaxSubtasks <= 0 {
		p.MaxSubtasks = 5
	}
	if p.TimeoutMS <= 0 {
		p.TimeoutMS = 60000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if len(c.Workers) == 0 {
		c.Workers = []WorkerConfig{
			{ID: "executor-1", Capabilities: []string{"code", "test", "doc"}},
			{ID: "executor-2", Capabilities: []string{"code", "test", "doc"}},
		}
	}
	for i := range c.Workers {
		if c.Workers[i].QueueSize <= 0 {
			c.Workers[i].QueueSize = 64
		}
	}
}

func intPtr(v int) *int { return &v }

func (c Config) Validate() error {
	switch c.Planner.Provider {
	case "rules", "anthropic", "openai":
	default:
		return fmt.Errorf("planner.provider %q is not one of rules, anthropic, openai", c.Planner.Provider)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is invalid", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is invalid", c.Logging.Format)
	}

	seen := map[string]bool{c.Orchestrator.CoordinatorID: true}
	for _, w := range c.Workers {
		if strings.TrimSpace(w.ID) == "" {
			return errors.New("workers: id is required")
		}
		if seen[w.ID] {
			return fmt.Errorf("workers: duplicate agent id %q", w.ID)
		}
		seen[w.ID] = true
		for _, name := range w.Capabilities {
			switch name {
			case "code", "test", "doc", "generic":
			case "command":
				if len(w.Command) == 0 {
					return fmt.Errorf("workers.%s: command capability needs a command", w.ID)
				}
			default:
				return fmt.Errorf("workers.%s: unknown capability %q", w.ID, name)
			}
		}
	}
	return nil
}

func (e EndpointConfig) RetryDelay() time.Duration     { return ms(e.RetryDelayMS) }
func (e EndpointConfig) MessageTimeout() time.Duration { return ms(e.MessageTimeoutMS) }
func (e EndpointConfig) SweepInterval() time.Duration  { return ms(e.SweepIntervalMS) }
func (e EndpointConfig) DrainTimeout() time.Duration   { return ms(e.DrainTimeoutMS) }

func (o OrchestratorConfig) WatchdogInterval() time.Duration { return ms(o.WatchdogIntervalMS) }
func (o OrchestratorConfig) SnapshotInterval() time.Duration { return ms(o.SnapshotIntervalMS) }

func (p PlannerConfig) Timeout() time.Duration { return ms(p.TimeoutMS) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func resolvePath(path string) (string, error) {
	resolved := path
	if resolved == "" {
		resolved = DefaultPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	return filepath.Clean(resolved), nil
}

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentlink/config.toml"
	}
	return filepath.Join(home, ".agentlink", "config.toml")
}
