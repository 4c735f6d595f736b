// Package config loads server settings from defaults, an optional YAML file
// and TASKPILOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TASKPILOT_SERVER_ADDR.
const EnvPrefix = "TASKPILOT"

// Config is the complete server configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Broadcast    BroadcastConfig    `mapstructure:"broadcast"`
	Planner      PlannerConfig      `mapstructure:"planner"`
	Executors    ExecutorsConfig    `mapstructure:"executors"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig selects the store. An empty URL runs on in-memory stores.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// OrchestratorConfig tunes task execution.
type OrchestratorConfig struct {
	StepTimeout    time.Duration `mapstructure:"step_timeout"`
	PersistRetries int           `mapstructure:"persist_retries"`
}

// BroadcastConfig tunes session liveness.
type BroadcastConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

// PlannerConfig selects and configures the planner.
type PlannerConfig struct {
	Kind      string        `mapstructure:"kind"` // "file" or "cli"
	PlansFile string        `mapstructure:"plans_file"`
	Command   string        `mapstructure:"command"`
	WorkDir   string        `mapstructure:"work_dir"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ExecutorsConfig configures the built-in executors.
type ExecutorsConfig struct {
	Command CommandExecutorConfig `mapstructure:"command"`
}

// CommandExecutorConfig configures the system command executor.
type CommandExecutorConfig struct {
	Allowed []string `mapstructure:"allowed"`
	Dir     string   `mapstructure:"dir"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:       ServerConfig{Addr: ":8080"},
		Database:     DatabaseConfig{MaxConns: 10},
		Orchestrator: OrchestratorConfig{StepTimeout: 2 * time.Minute, PersistRetries: 3},
		Broadcast:    BroadcastConfig{PingInterval: 30 * time.Second, PongTimeout: 60 * time.Second, SendBuffer: 64},
		Planner: PlannerConfig{
			Kind:      "file",
			PlansFile: "plans.yaml",
			Command:   "claude",
			Timeout:   60 * time.Second,
		},
		Executors: ExecutorsConfig{Command: CommandExecutorConfig{Allowed: []string{"git", "npm", "ls", "pwd", "echo"}}},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// SetDefaults registers every default on v so env overrides bind to known keys.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("orchestrator.step_timeout", d.Orchestrator.StepTimeout)
	v.SetDefault("orchestrator.persist_retries", d.Orchestrator.PersistRetries)
	v.SetDefault("broadcast.ping_interval", d.Broadcast.PingInterval)
	v.SetDefault("broadcast.pong_timeout", d.Broadcast.PongTimeout)
	v.SetDefault("broadcast.send_buffer", d.Broadcast.SendBuffer)
	v.SetDefault("planner.kind", d.Planner.Kind)
	v.SetDefault("planner.plans_file", d.Planner.PlansFile)
	v.SetDefault("planner.command", d.Planner.Command)
	v.SetDefault("planner.work_dir", d.Planner.WorkDir)
	v.SetDefault("planner.timeout", d.Planner.Timeout)
	v.SetDefault("executors.command.allowed", d.Executors.Command.Allowed)
	v.SetDefault("executors.command.dir", d.Executors.Command.Dir)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate returns every problem found, or nil.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	positive := func(field string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, ValidationError{field, d, "must be positive"})
		}
	}
	positive("orchestrator.step_timeout", c.Orchestrator.StepTimeout)
	positive("broadcast.ping_interval", c.Broadcast.PingInterval)
	positive("broadcast.pong_timeout", c.Broadcast.PongTimeout)
	positive("planner.timeout", c.Planner.Timeout)

	if c.Broadcast.PingInterval >= c.Broadcast.PongTimeout && c.Broadcast.PongTimeout > 0 {
		errs = append(errs, ValidationError{"broadcast.ping_interval", c.Broadcast.PingInterval, "must be shorter than broadcast.pong_timeout"})
	}
	if c.Orchestrator.PersistRetries < 1 {
		errs = append(errs, ValidationError{"orchestrator.persist_retries", c.Orchestrator.PersistRetries, "must be at least 1"})
	}
	if c.Broadcast.SendBuffer < 1 {
		errs = append(errs, ValidationError{"broadcast.send_buffer", c.Broadcast.SendBuffer, "must be at least 1"})
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, ValidationError{"database.max_conns", c.Database.MaxConns, "must be at least 1"})
	}

	switch c.Planner.Kind {
	case "file":
		if c.Planner.PlansFile == "" {
			errs = append(errs, ValidationError{"planner.plans_file", "", "required for the file planner"})
		}
	case "cli":
		if c.Planner.Command == "" {
			errs = append(errs, ValidationError{"planner.command", "", "required for the cli planner"})
		}
	default:
		errs = append(errs, ValidationError{"planner.kind", c.Planner.Kind, "must be file or cli"})
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{"logging.level", c.Logging.Level, "must be debug, info, warn or error"})
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, ValidationError{"logging.format", c.Logging.Format, "must be json or text"})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// IsValidation reports whether err came from Validate.
func IsValidation(err error) bool {
	var v ValidationErrors
	return errors.As(err, &v)
}
