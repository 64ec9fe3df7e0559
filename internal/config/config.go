// Package config loads the orchestrator configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file searched upward from the
// working directory
const LocalConfigName = ".autodev.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Executor      ExecutorConfig      `toml:"executor"`
	Build         BuildConfig         `toml:"build"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Events        EventsConfig        `toml:"events"`
	Inbox         InboxConfig         `toml:"inbox"`
	Log           LogConfig           `toml:"log"`
	Schedules     []ScheduleConfig    `toml:"schedules" validate:"dive"`
}

// GeneralConfig holds run defaults
type GeneralConfig struct {
	DatabasePath       string `toml:"database_path" validate:"required"`
	WorkDir            string `toml:"work_dir"`
	Mode               string `toml:"mode" validate:"oneof=sequential parallel"`
	MaxParallelAgents  int    `toml:"max_parallel_agents" validate:"gte=0"`
	MaxHealingAttempts int    `toml:"max_healing_attempts" validate:"gte=0"`
	// MaxFailedFraction is the share of agents that may fail before a
	// parallel session counts as failed
	MaxFailedFraction float64 `toml:"max_failed_fraction" validate:"gte=0,lte=1"`
	AgentRetries      int     `toml:"agent_retries" validate:"gte=0"`
}

// ExecutorConfig selects and tunes the task executor
type ExecutorConfig struct {
	Kind              string   `toml:"kind" validate:"oneof=cli anthropic openai"`
	Model             string   `toml:"model"`
	MaxTokens         int      `toml:"max_tokens" validate:"gte=0"`
	Timeout           Duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second" validate:"gte=0"`
	CLIPath           string   `toml:"cli_path"`
	// BaseURL overrides the API endpoint for OpenAI-compatible servers
	BaseURL string `toml:"base_url" validate:"omitempty,url"`
}

// BuildConfig holds the build command run after task execution
type BuildConfig struct {
	Command string   `toml:"command"`
	Timeout Duration `toml:"timeout"`
	// UseNixShell runs the command inside `nix develop`
	UseNixShell bool `toml:"use_nix_shell"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook" validate:"omitempty,url"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
	Host string `toml:"host"`
}

// EventsConfig configures the optional NATS event sink
type EventsConfig struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// InboxConfig configures the requirement drop folder
type InboxConfig struct {
	Dir     string `toml:"dir"`
	Pattern string `toml:"pattern"`
}

// LogConfig configures process logging
type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

// ScheduleConfig starts a run on a cron schedule
type ScheduleConfig struct {
	Name        string `toml:"name" validate:"required"`
	Cron        string `toml:"cron" validate:"required"`
	Project     string `toml:"project"`
	Requirement string `toml:"requirement" validate:"required"`
	WorkDir     string `toml:"work_dir"`
	Mode        string `toml:"mode" validate:"omitempty,oneof=sequential parallel"`
}

// Duration is a time.Duration written as a string ("90s", "10m") in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText writes the duration as a string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:       filepath.Join(home, ".autodev", "autodev.db"),
			Mode:               "sequential",
			MaxParallelAgents:  3,
			MaxHealingAttempts: 1,
		},
		Executor: ExecutorConfig{
			Kind:      "cli",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 16000,
			Timeout:   Duration{30 * time.Minute},
			CLIPath:   "claude",
		},
		Build: BuildConfig{
			Timeout: Duration{10 * time.Minute},
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Events: EventsConfig{
			SubjectPrefix: "autodev.events",
		},
		Inbox: InboxConfig{
			Pattern: "**/*.md",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.WorkDir = ExpandPath(cfg.General.WorkDir)
	cfg.Inbox.Dir = ExpandPath(cfg.Inbox.Dir)
	cfg.Executor.CLIPath = ExpandPath(cfg.Executor.CLIPath)
	for i := range cfg.Schedules {
		cfg.Schedules[i].WorkDir = ExpandPath(cfg.Schedules[i].WorkDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path when given, otherwise the
// nearest LocalConfigName, otherwise the default config path
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for
// LocalConfigName and returns its path, or "" when there is none
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and schedule uniqueness
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	seen := make(map[string]bool, len(c.Schedules))
	for _, s := range c.Schedules {
		if seen[s.Name] {
			return fmt.Errorf("duplicate schedule name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Save writes the configuration as TOML, creating parent directories
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
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
	return filepath.Join(home, ".config", "autodev", "config.toml")
}
