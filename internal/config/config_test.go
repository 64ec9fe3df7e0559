package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.General.MaxParallelAgents != 3 {
		t.Errorf("MaxParallelAgents = %d, want 3", cfg.General.MaxParallelAgents)
	}
	if cfg.General.MaxHealingAttempts != 1 {
		t.Errorf("MaxHealingAttempts = %d, want 1", cfg.General.MaxHealingAttempts)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
	if cfg.Executor.Kind != "cli" {
		t.Errorf("Executor.Kind = %q, want cli", cfg.Executor.Kind)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
[general]
database_path = "/data/autodev.db"
mode = "parallel"
max_parallel_agents = 5
max_failed_fraction = 0.25

[executor]
kind = "anthropic"
timeout = "90s"
requests_per_second = 2.5

[build]
command = "go build ./..."
timeout = "5m"

[web]
port = 9000

[[schedules]]
name = "nightly"
cron = "0 2 * * *"
project = "shop"
requirement = "Update dependencies"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.Mode != "parallel" {
		t.Errorf("Mode = %q, want parallel", cfg.General.Mode)
	}
	if cfg.General.MaxParallelAgents != 5 {
		t.Errorf("MaxParallelAgents = %d, want 5", cfg.General.MaxParallelAgents)
	}
	if cfg.General.MaxFailedFraction != 0.25 {
		t.Errorf("MaxFailedFraction = %v, want 0.25", cfg.General.MaxFailedFraction)
	}
	if cfg.Executor.Timeout.Duration != 90*time.Second {
		t.Errorf("Executor.Timeout = %v, want 90s", cfg.Executor.Timeout)
	}
	if cfg.Build.Timeout.Duration != 5*time.Minute {
		t.Errorf("Build.Timeout = %v, want 5m", cfg.Build.Timeout)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	// untouched sections keep their defaults
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Cron != "0 2 * * *" {
		t.Errorf("Schedules = %+v", cfg.Schedules)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad mode", "[general]\nmode = \"turbo\"", "Mode"},
		{"bad executor", "[executor]\nkind = \"gpt\"", "Kind"},
		{"fraction above one", "[general]\nmax_failed_fraction = 1.5", "MaxFailedFraction"},
		{"bad duration", "[executor]\ntimeout = \"soon\"", "parsing"},
		{"schedule without cron", "[[schedules]]\nname = \"x\"\nrequirement = \"y\"", "Cron"},
		{"duplicate schedule", "[[schedules]]\nname = \"x\"\ncron = \"@daily\"\nrequirement = \"y\"\n[[schedules]]\nname = \"x\"\ncron = \"@hourly\"\nrequirement = \"z\"", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Build.Command = "npm run build"
	cfg.Executor.Timeout = Duration{2 * time.Minute}

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Build.Command != "npm run build" {
		t.Errorf("Build.Command = %q", loaded.Build.Command)
	}
	if loaded.Executor.Timeout.Duration != 2*time.Minute {
		t.Errorf("Executor.Timeout = %v, want 2m", loaded.Executor.Timeout)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("[web]\nport = 7000"), 0644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)
	if err := os.Chdir(subdir); err != nil {
		t.Fatal(err)
	}

	if found := FindLocalConfig(); found != localConfig {
		t.Errorf("FindLocalConfig() = %q, want %q", found, localConfig)
	}

	cfg, err := LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 7000 {
		t.Errorf("Web.Port = %d, want 7000", cfg.Web.Port)
	}
}

func TestLoadWithLocalFallback_ExplicitPath(t *testing.T) {
	path := writeTempConfig(t, "[web]\nport = 9100\n")

	cfg, err := LoadWithLocalFallback(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 9100 {
		t.Errorf("Web.Port = %d, want 9100", cfg.Web.Port)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
