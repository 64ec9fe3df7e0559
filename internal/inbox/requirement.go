// Package inbox starts pipeline runs from requirement files dropped into a
// watched directory.
package inbox

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/pipeline"
)

// Frontmatter is the optional YAML header of a requirement file
type Frontmatter struct {
	Project            string `yaml:"project"`
	WorkDir            string `yaml:"work_dir"`
	Mode               string `yaml:"mode"`
	MaxHealingAttempts *int   `yaml:"max_healing_attempts"`
}

// ParseFrontmatter extracts YAML frontmatter from markdown content and
// returns it with the remaining body
func ParseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	rest := content[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end == -1 {
		return &Frontmatter{}, content, nil
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return nil, nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	return &fm, bytes.TrimLeft(rest[end+4:], "\n"), nil
}

// ParseRequirement turns a requirement file into a start request. The
// project defaults to the file name without extension.
func ParseRequirement(path string, content []byte) (pipeline.StartRequest, error) {
	fm, body, err := ParseFrontmatter(content)
	if err != nil {
		return pipeline.StartRequest{}, err
	}
	requirement := strings.TrimSpace(string(body))
	if requirement == "" {
		return pipeline.StartRequest{}, fmt.Errorf("%s: requirement is empty", path)
	}

	mode := domain.ExecutionMode(strings.ToLower(strings.TrimSpace(fm.Mode)))
	switch mode {
	case "", domain.ModeSequential, domain.ModeParallel:
	default:
		return pipeline.StartRequest{}, fmt.Errorf("%s: unknown mode %q", path, fm.Mode)
	}

	project := fm.Project
	if project == "" {
		project = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return pipeline.StartRequest{
		ProjectID:          project,
		Requirement:        requirement,
		WorkingDir:         fm.WorkDir,
		Mode:               mode,
		MaxHealingAttempts: fm.MaxHealingAttempts,
	}, nil
}
