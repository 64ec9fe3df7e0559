package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// CLIKind selects the local coding agent binary
type CLIKind string

const (
	CLIClaude   CLIKind = "claude"
	CLIOpenCode CLIKind = "opencode"
)

// CLIExecutor runs a local coding agent as a subprocess and reads its stream-json output
type CLIExecutor struct {
	Kind   CLIKind
	Binary string // defaults to the kind name
	Model  string
	// ExtraArgs are appended before the prompt
	ExtraArgs []string

	logger *slog.Logger
}

// NewCLIExecutor creates an executor for the given agent kind
func NewCLIExecutor(kind CLIKind, model string, logger *slog.Logger) *CLIExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if kind == "" {
		kind = CLIClaude
	}
	return &CLIExecutor{Kind: kind, Binary: string(kind), Model: model, logger: logger}
}

// Name implements TaskExecutor
func (e *CLIExecutor) Name() string { return "cli:" + string(e.Kind) }

func (e *CLIExecutor) binary() string {
	if e.Binary != "" {
		return e.Binary
	}
	return string(e.Kind)
}

// args builds the command line for one request
func (e *CLIExecutor) args(prompt string) []string {
	switch e.Kind {
	case CLIOpenCode:
		args := []string{"run"}
		if e.Model != "" {
			args = append(args, "-m", e.Model)
		}
		args = append(args, e.ExtraArgs...)
		return append(args, prompt)
	default:
		args := []string{
			"--print",
			"--verbose", // required for stream-json
			"--dangerously-skip-permissions",
			"--output-format", "stream-json",
		}
		if e.Model != "" {
			args = append(args, "--model", e.Model)
		}
		args = append(args, e.ExtraArgs...)
		return append(args, "-p", prompt)
	}
}

// Execute implements TaskExecutor
func (e *CLIExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	prompt := req.Prompt
	if req.Context != "" {
		prompt = req.Prompt + "\n\n## Context\n\n" + req.Context
	}

	cmd := exec.CommandContext(ctx, e.binary(), e.args(prompt)...)
	cmd.Dir = req.WorkingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", e.binary(), err)
	}
	e.logger.Debug("executor started", "binary", e.binary(), "pid", cmd.Process.Pid, "dir", req.WorkingDir)

	stream := newStreamState(req.OnProgress)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stream.consume(stdout)
	}()
	go func() {
		defer wg.Done()
		stream.consume(stderr)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	res := stream.result()

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if waitErr != nil {
		res.Success = false
		var exitErr *exec.ExitError
		msg := waitErr.Error()
		if errors.As(waitErr, &exitErr) {
			msg = fmt.Sprintf("exit code %d", exitErr.ExitCode())
		}
		if extracted := stream.lastError(); extracted != "" {
			msg = msg + ": " + extracted
		}
		res.Error = msg
		return res, nil
	}
	if msg := stream.lastError(); msg != "" {
		res.Success = false
		res.Error = msg
	}
	return res, nil
}

// streamMessage covers the stream-json message shapes we read
type streamMessage struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Result  string          `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Message      *struct {
		Content []struct {
			Type  string `json:"type"`
			Text  string `json:"text,omitempty"`
			Name  string `json:"name,omitempty"`
			Input struct {
				FilePath string `json:"file_path,omitempty"`
			} `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
}

// streamState accumulates output from both pipes
type streamState struct {
	mu         sync.Mutex
	onProgress ProgressFunc

	lines    []string
	text     []string
	final    string
	gotFinal bool
	errMsg   string
	steps    int

	created  []string
	modified []string
	seen     map[string]bool

	inputTokens  int
	outputTokens int
	costUSD      float64
}

func newStreamState(onProgress ProgressFunc) *streamState {
	return &streamState{onProgress: onProgress, seen: make(map[string]bool)}
}

func (s *streamState) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	for scanner.Scan() {
		s.handleLine(scanner.Text())
	}
}

func (s *streamState) handleLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lines = append(s.lines, line)

	if !strings.HasPrefix(strings.TrimSpace(line), "{") {
		// plain output (opencode or stderr)
		s.text = append(s.text, line)
		return
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		s.text = append(s.text, line)
		return
	}

	switch msg.Type {
	case "assistant":
		if msg.Message == nil {
			return
		}
		for _, c := range msg.Message.Content {
			switch c.Type {
			case "text":
				s.text = append(s.text, c.Text)
			case "tool_use":
				s.steps++
				s.recordFile(c.Name, c.Input.FilePath)
				s.report(c.Name)
			}
		}
	case "result":
		s.inputTokens = msg.Usage.InputTokens
		s.outputTokens = msg.Usage.OutputTokens
		s.costUSD = msg.CostUSD
		if msg.TotalCostUSD > 0 {
			s.costUSD = msg.TotalCostUSD
		}
		s.final = msg.Result
		s.gotFinal = true
		if msg.IsError || strings.HasPrefix(msg.Subtype, "error") {
			s.errMsg = msg.Subtype
			if msg.Result != "" {
				s.errMsg = msg.Result
			}
		}
	case "error":
		if e := decodeErrorField(msg.Error); e != "" {
			s.errMsg = e
		}
	}
}

// recordFile classifies files touched by write/edit tools
func (s *streamState) recordFile(tool, path string) {
	if path == "" || s.seen[path] {
		return
	}
	switch tool {
	case "Write":
		s.seen[path] = true
		s.created = append(s.created, path)
	case "Edit", "MultiEdit":
		s.seen[path] = true
		s.modified = append(s.modified, path)
	}
}

// report emits a progress estimate that approaches but never reaches 1
func (s *streamState) report(action string) {
	if s.onProgress == nil {
		return
	}
	p := float64(s.steps) / float64(s.steps+5)
	if p > 0.95 {
		p = 0.95
	}
	s.onProgress(p, action)
}

func (s *streamState) result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	output := s.final
	if !s.gotFinal || output == "" {
		output = strings.TrimSpace(strings.Join(s.text, "\n"))
	}
	return &Result{
		Output:        output,
		CreatedFiles:  append([]string(nil), s.created...),
		ModifiedFiles: append([]string(nil), s.modified...),
		InputTokens:   s.inputTokens,
		OutputTokens:  s.outputTokens,
		CostUSD:       s.costUSD,
		Success:       true,
	}
}

// lastError scans the tail of the output for an error message
func (s *streamState) lastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errMsg != "" {
		return s.errMsg
	}
	for i := len(s.lines) - 1; i >= 0 && i >= len(s.lines)-20; i-- {
		line := s.lines[i]
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal([]byte(line), &msg); err == nil && msg.Type == "error" {
			if e := decodeErrorField(msg.Error); e != "" {
				return e
			}
		}
	}
	return ""
}

// decodeErrorField accepts both a plain string and an opencode-style error object
func decodeErrorField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var obj struct {
		Name string `json:"name"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Data.Message != "" {
			return obj.Data.Message
		}
		return obj.Name
	}
	return ""
}
