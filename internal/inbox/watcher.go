package inbox

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/pipeline"
)

const (
	// ProcessedDir receives files whose run was started
	ProcessedDir = ".processed"
	// FailedDir receives files that could not be parsed or started
	FailedDir = ".failed"
)

// Launcher starts runs; *pipeline.Manager implements it
type Launcher interface {
	Start(req pipeline.StartRequest) (*domain.PipelineRun, error)
}

// Watcher monitors an inbox directory for requirement files
type Watcher struct {
	dir      string
	pattern  string
	launcher Launcher
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	// serializes processing between the debounce timer and Scan
	process sync.Mutex
}

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce sets how long the watcher waits for writes to settle
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates a watcher for dir. pattern is a doublestar glob relative to
// dir, "**/*.md" when empty.
func New(dir, pattern string, launcher Launcher, opts ...Option) (*Watcher, error) {
	if pattern == "" {
		pattern = "**/*.md"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid inbox pattern %q", pattern)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating inbox: %w", err)
	}

	w := &Watcher{
		dir:      dir,
		pattern:  pattern,
		launcher: launcher,
		logger:   slog.Default(),
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Scan processes every matching file already in the inbox and returns the
// runs it started
func (w *Watcher) Scan() ([]*domain.PipelineRun, error) {
	matches, err := doublestar.Glob(os.DirFS(w.dir), w.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var started []*domain.PipelineRun
	for _, rel := range matches {
		if ignored(rel) {
			continue
		}
		if run := w.processFile(filepath.Join(w.dir, filepath.FromSlash(rel))); run != nil {
			started = append(started, run)
		}
	}
	return started, nil
}

// Run scans the inbox, then watches it until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	w.watcher = watcher

	if err := w.addTree(w.dir); err != nil {
		return err
	}
	if _, err := w.Scan(); err != nil {
		w.logger.Warn("initial inbox scan failed", "error", err)
	}
	w.logger.Info("watching inbox", "dir", w.dir, "pattern", w.pattern)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", "error", err)
		}
	}
}

// addTree watches dir and its subdirectories, skipping the bookkeeping folders
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !strings.HasPrefix(info.Name(), ".") {
				if err := w.addTree(event.Name); err != nil {
					w.logger.Warn("cannot watch new directory", "dir", event.Name, "error", err)
				}
			}
			return
		}
	}

	if !w.matches(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[event.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) matches(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if ignored(rel) {
		return false
	}
	ok, err := doublestar.Match(w.pattern, rel)
	return err == nil && ok
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		w.processFile(f)
	}
}

// processFile starts a run from one file and moves the file out of the inbox
func (w *Watcher) processFile(path string) *domain.PipelineRun {
	w.process.Lock()
	defer w.process.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("cannot read requirement file", "file", path, "error", err)
		}
		return nil
	}

	req, err := ParseRequirement(path, content)
	if err != nil {
		w.logger.Warn("invalid requirement file", "file", path, "error", err)
		w.move(path, FailedDir, "")
		return nil
	}

	run, err := w.launcher.Start(req)
	if err != nil {
		w.logger.Error("starting run from inbox", "file", path, "error", err)
		w.move(path, FailedDir, "")
		return nil
	}
	w.logger.Info("run started from inbox", "file", path, "run", run.ID, "project", run.ProjectID)
	w.move(path, ProcessedDir, run.ID)
	return run
}

func (w *Watcher) move(path, sub, runID string) {
	dest := filepath.Join(w.dir, sub)
	if err := os.MkdirAll(dest, 0755); err != nil {
		w.logger.Warn("cannot create inbox folder", "dir", dest, "error", err)
		return
	}
	name := filepath.Base(path)
	if runID != "" {
		ext := filepath.Ext(name)
		name = strings.TrimSuffix(name, ext) + "." + runID + ext
	}
	if err := os.Rename(path, filepath.Join(dest, name)); err != nil {
		w.logger.Warn("cannot move requirement file", "file", path, "error", err)
	}
}

// ignored reports paths inside dot-directories such as the processed folder
func ignored(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
