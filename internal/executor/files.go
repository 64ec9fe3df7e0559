package executor

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileBlock is a file emitted inline by a remote model as
//
//	```file:path/to/file.go
//	...contents...
//	```
type FileBlock struct {
	Path    string
	Content string
}

const fileFence = "```file:"

// ParseFileBlocks extracts file blocks from model output. An unterminated block
// runs to the end of the output.
func ParseFileBlocks(output string) []FileBlock {
	var blocks []FileBlock
	var current *FileBlock
	var body []string

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if current == nil {
			if strings.HasPrefix(strings.TrimSpace(line), fileFence) {
				path := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fileFence))
				if path != "" {
					current = &FileBlock{Path: path}
					body = body[:0]
				}
			}
			continue
		}
		if strings.TrimSpace(line) == "```" {
			current.Content = strings.Join(body, "\n") + "\n"
			blocks = append(blocks, *current)
			current = nil
			continue
		}
		body = append(body, line)
	}
	if current != nil {
		current.Content = strings.Join(body, "\n") + "\n"
		blocks = append(blocks, *current)
	}
	return blocks
}

// ErrPathEscapes is returned for file blocks that point outside the working directory
var ErrPathEscapes = errors.New("file path escapes working directory")

// WriteFileBlocks writes blocks under dir and reports which paths were created
// and which already existed
func WriteFileBlocks(dir string, blocks []FileBlock) (created, modified []string, err error) {
	if dir == "" {
		return nil, nil, errors.New("no working directory")
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, nil, err
	}

	for _, b := range blocks {
		target := filepath.Join(root, filepath.FromSlash(b.Path))
		rel, err := filepath.Rel(root, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return created, modified, fmt.Errorf("%w: %s", ErrPathEscapes, b.Path)
		}

		_, statErr := os.Stat(target)
		existed := statErr == nil

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return created, modified, fmt.Errorf("creating directory for %s: %w", b.Path, err)
		}
		if err := os.WriteFile(target, []byte(b.Content), 0644); err != nil {
			return created, modified, fmt.Errorf("writing %s: %w", b.Path, err)
		}

		if existed {
			modified = append(modified, filepath.ToSlash(rel))
		} else {
			created = append(created, filepath.ToSlash(rel))
		}
	}
	return created, modified, nil
}

// applyFiles writes any file blocks in res.Output into dir. A nil dir leaves
// the result untouched.
func applyFiles(dir string, res *Result) error {
	if dir == "" {
		return nil
	}
	blocks := ParseFileBlocks(res.Output)
	if len(blocks) == 0 {
		return nil
	}
	created, modified, err := WriteFileBlocks(dir, blocks)
	res.CreatedFiles = append(res.CreatedFiles, created...)
	res.ModifiedFiles = append(res.ModifiedFiles, modified...)
	return err
}

// fileInstructions is appended to system prompts of remote executors
const fileInstructions = "When you create or change a file, emit its complete new contents in a block that starts with a line ```file:<relative path> and ends with a line ```. Do not use that fence for anything else."
