//go:build integration

package integration

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
)

// planJSON is the decomposition the fake agent returns, escaped for a
// stream-json result line
const planJSON = `{\"summary\":\"health endpoint\",\"tasks\":[` +
	`{\"title\":\"Handler\",\"description\":\"Add the handler\",\"department\":\"backend\",\"priority\":\"high\",\"depends_on\":[]},` +
	`{\"title\":\"Tests\",\"description\":\"Cover the handler\",\"department\":\"qa\",\"priority\":\"medium\",\"depends_on\":[0]}]}`

// fakeAgentScript stands in for the claude CLI: it answers decomposition
// prompts with planJSON and every other prompt with a short success result
const fakeAgentScript = `#!/bin/sh
case "$*" in
  *"Break this requirement into tasks"*)
    echo '{"type":"result","subtype":"success","result":"` + planJSON + `","usage":{"input_tokens":40,"output_tokens":20},"total_cost_usd":0.01}'
    ;;
  *)
    echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"main.go"}}]}}'
    echo '{"type":"result","subtype":"success","result":"done","usage":{"input_tokens":10,"output_tokens":5},"total_cost_usd":0.002}'
    ;;
esac
`

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// binaryPath builds the autodev binary once per test binary
func binaryPath(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		_, filename, _, ok := runtime.Caller(0)
		if !ok {
			buildErr = fmt.Errorf("failed to get current file path")
			return
		}
		root := filepath.Dir(filepath.Dir(filename))
		builtBinary = filepath.Join(os.TempDir(), "autodev-integration")

		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/autodev")
		cmd.Dir = root
		if b, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("%v\n%s", err, b)
		}
	})
	if buildErr != nil {
		t.Fatalf("Failed to build binary: %v", buildErr)
	}
	return builtBinary
}

// fakeAgent writes the fake agent script and returns its path
func fakeAgent(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent is a shell script")
	}
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte(fakeAgentScript), 0755); err != nil {
		t.Fatalf("Failed to write fake agent: %v", err)
	}
	return path
}

// env is one isolated autodev installation
type env struct {
	binary  string
	config  string
	workDir string
}

// newEnv writes a config using the fake agent and the given build command
func newEnv(t *testing.T, buildCommand string, extra string) *env {
	t.Helper()
	dir := t.TempDir()
	workDir := filepath.Join(dir, "project")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		t.Fatal(err)
	}

	config := `[general]
database_path = "` + filepath.Join(dir, "autodev.db") + `"
work_dir = "` + workDir + `"
max_healing_attempts = 0

[executor]
kind = "cli"
cli_path = "` + fakeAgent(t) + `"
timeout = "1m"

[build]
command = "` + buildCommand + `"
timeout = "1m"

[notifications]
desktop = false

[log]
level = "warn"
` + extra

	configPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return &env{binary: binaryPath(t), config: configPath, workDir: workDir}
}

// run executes autodev with the env's config and returns combined output
func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(e.binary, append([]string{"--config", e.config}, args...)...)
	cmd.Dir = e.workDir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// runID extracts the ID from a "Run <id> started" line
func runID(t *testing.T, output string) string {
	t.Helper()
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "Run" && fields[2] == "started" {
			return fields[1]
		}
	}
	t.Fatalf("no run ID in output:\n%s", output)
	return ""
}

// writeFile writes content under dir and returns the path
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
