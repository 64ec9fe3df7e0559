package healing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/executor"
)

const mainPatch = "```diff\n" +
	"--- a/main.go\n" +
	"+++ b/main.go\n" +
	"@@ -1,3 +1,3 @@\n" +
	" package main\n" +
	"-func main() { undefinedCall() }\n" +
	"+func main() {}\n" +
	" // end\n" +
	"```\n"

const newFilePatch = "```diff\n" +
	"--- /dev/null\n" +
	"+++ b/util/util.go\n" +
	"@@ -0,0 +1,2 @@\n" +
	"+package util\n" +
	"+func Helper() {}\n" +
	"```\n"

func writeMain(t *testing.T, dir string) {
	t.Helper()
	content := "package main\nfunc main() { undefinedCall() }\n// end\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte(content), 0644))
}

func TestHeal_AppliesPatch(t *testing.T) {
	dir := t.TempDir()
	writeMain(t, dir)

	var prompt string
	exec := executor.Func(func(_ context.Context, req executor.Request) (*executor.Result, error) {
		prompt = req.Prompt
		return &executor.Result{
			Output:       "Fixed it.\n" + mainPatch + newFilePatch,
			Success:      true,
			InputTokens:  50,
			OutputTokens: 25,
		}, nil
	})

	res, err := NewController(exec).Heal(context.Background(), Request{
		Requirement: "hello world program",
		WorkingDir:  dir,
		Attempt:     1,
		Diagnostics: []domain.BuildError{{Severity: domain.SeverityError, File: "main.go", Line: 2, Message: "undefined: undefinedCall"}},
		Tasks:       []*domain.DecomposedTask{{Title: "Write main", Status: domain.TaskCompleted, CreatedFiles: []string{"main.go"}}},
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.Patches, 2)
	assert.Equal(t, []string{"main.go"}, res.ModifiedFiles)
	assert.Equal(t, []string{"util/util.go"}, res.CreatedFiles)
	assert.Equal(t, []string{"main.go", "util/util.go"}, res.Applied)
	assert.Equal(t, 75, res.Usage.Total())

	data, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\nfunc main() {}\n// end\n", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "util", "util.go"))
	require.NoError(t, err)
	assert.Equal(t, "package util\nfunc Helper() {}\n", string(data))

	assert.Contains(t, prompt, "undefined: undefinedCall")
	assert.Contains(t, prompt, "Write main (main.go)")
	assert.Contains(t, prompt, "attempt 1")
}

func TestHeal_NoApply(t *testing.T) {
	dir := t.TempDir()
	writeMain(t, dir)
	exec := executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
		return &executor.Result{Output: mainPatch, Success: true}, nil
	})

	res, err := NewController(exec, WithPatchApply(false)).Heal(context.Background(), Request{WorkingDir: dir})

	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, []string{"main.go"}, res.ModifiedFiles)

	data, _ := os.ReadFile(filepath.Join(dir, "main.go"))
	assert.Contains(t, string(data), "undefinedCall")
}

func TestHeal_MismatchedContextIsSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package other\n"), 0644))
	exec := executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
		return &executor.Result{Output: mainPatch, Success: true}, nil
	})

	res, err := NewController(exec).Heal(context.Background(), Request{WorkingDir: dir})

	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	data, _ := os.ReadFile(filepath.Join(dir, "main.go"))
	assert.Equal(t, "package other\n", string(data))
}

func TestHeal_ExecutorFailure(t *testing.T) {
	exec := executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
		return nil, errors.New("quota exceeded")
	})

	res, err := NewController(exec).Heal(context.Background(), Request{})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "quota exceeded", res.Error)
}

func TestHeal_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	exec := executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
		called = true
		return &executor.Result{Success: true}, nil
	})

	_, err := NewController(exec).Heal(ctx, Request{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestParsePatches_BareDiff(t *testing.T) {
	out := "I changed this:\n\n--- a/x.txt\n+++ b/x.txt\n@@ -1 +1 @@\n-old\n+new\n"

	patches, err := ParsePatches(out)

	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, "x.txt", fileName(patches[0]))
}

func TestParsePatches_None(t *testing.T) {
	patches, err := ParsePatches("I edited the files directly.")

	require.NoError(t, err)
	assert.Empty(t, patches)
}

func applyOne(t *testing.T, dir, patch string) (string, error) {
	t.Helper()
	patches, err := ParsePatches(patch)
	require.NoError(t, err)
	require.Len(t, patches, 1)
	return ApplyFileDiff(dir, patches[0])
}

func TestApplyFileDiff_DotDotPrefixedName(t *testing.T) {
	dir := t.TempDir()

	name, err := applyOne(t, dir, "--- /dev/null\n+++ b/..env.example\n@@ -0,0 +1,1 @@\n+PORT=8080\n")

	require.NoError(t, err)
	assert.Equal(t, "..env.example", name)
	data, err := os.ReadFile(filepath.Join(dir, "..env.example"))
	require.NoError(t, err)
	assert.Equal(t, "PORT=8080\n", string(data))
}

func TestApplyFileDiff_RejectsEscape(t *testing.T) {
	dir := t.TempDir()

	_, err := applyOne(t, dir, "--- /dev/null\n+++ b/../evil.go\n@@ -0,0 +1,1 @@\n+package evil\n")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes working directory")
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "evil.go"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestApplyFileDiff_NoNewlineAtEnd(t *testing.T) {
	tests := []struct {
		name     string
		original string
		patch    string
		want     string
	}{
		{
			name:     "new side loses newline",
			original: "1.0.0\n",
			patch:    "--- a/VERSION\n+++ b/VERSION\n@@ -1,1 +1,1 @@\n-1.0.0\n+1.0.1\n\\ No newline at end of file\n",
			want:     "1.0.1",
		},
		{
			name:     "new side gains newline",
			original: "1.0.0",
			patch:    "--- a/VERSION\n+++ b/VERSION\n@@ -1,1 +1,1 @@\n-1.0.0\n\\ No newline at end of file\n+1.0.1\n",
			want:     "1.0.1\n",
		},
		{
			name:     "both sides without newline",
			original: "a\nb",
			patch:    "--- a/VERSION\n+++ b/VERSION\n@@ -1,2 +1,2 @@\n-a\n+c\n b\n\\ No newline at end of file\n",
			want:     "c\nb",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "VERSION"), []byte(tt.original), 0644))

			_, err := applyOne(t, dir, tt.patch)

			require.NoError(t, err)
			data, err := os.ReadFile(filepath.Join(dir, "VERSION"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}
