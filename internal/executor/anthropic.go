package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultSystemPrompt = "You are a senior software engineer working inside an automated development pipeline. Complete the task you are given without asking for clarification."

// AnthropicExecutor calls the Anthropic Messages API directly
type AnthropicExecutor struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string
	logger    *slog.Logger
}

// AnthropicConfig configures an AnthropicExecutor
type AnthropicConfig struct {
	// APIKey falls back to ANTHROPIC_API_KEY
	APIKey    string
	Model     string
	MaxTokens int64
	System    string
	// BaseURL overrides the API endpoint (tests, proxies)
	BaseURL string
}

// NewAnthropicExecutor creates an executor backed by the Anthropic SDK
func NewAnthropicExecutor(cfg AnthropicConfig, logger *slog.Logger) (*AnthropicExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	system := cfg.System
	if system == "" {
		system = defaultSystemPrompt
	}

	return &AnthropicExecutor{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		system:    system + "\n\n" + fileInstructions,
		logger:    logger,
	}, nil
}

// Name implements TaskExecutor
func (e *AnthropicExecutor) Name() string { return "anthropic:" + string(e.model) }

// Execute implements TaskExecutor
func (e *AnthropicExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	prompt := req.Prompt
	if req.Context != "" {
		prompt = req.Prompt + "\n\n## Context\n\n" + req.Context
	}
	if req.OnProgress != nil {
		req.OnProgress(0.1, "requesting completion")
	}

	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: e.system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var text []string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text = append(text, variant.Text)
		}
	}

	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	res := &Result{
		Output:       strings.Join(text, "\n"),
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      Cost(string(e.model), in, out),
		Success:      true,
	}
	if resp.StopReason == anthropic.StopReasonMaxTokens {
		e.logger.Warn("completion truncated at max tokens", "model", e.model, "max_tokens", e.maxTokens)
	}

	if err := applyFiles(req.WorkingDir, res); err != nil {
		res.Success = false
		res.Error = err.Error()
	}
	if req.OnProgress != nil {
		req.OnProgress(0.95, "response received")
	}
	return res, nil
}
