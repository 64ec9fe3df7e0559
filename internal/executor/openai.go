package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sashabaranov/go-openai"
)

// OpenAIExecutor calls an OpenAI-compatible chat completion endpoint
type OpenAIExecutor struct {
	client *openai.Client
	model  string
	system string
	logger *slog.Logger
}

// OpenAIConfig configures an OpenAIExecutor
type OpenAIConfig struct {
	// APIKey falls back to OPENAI_API_KEY
	APIKey string
	Model  string
	System string
	// BaseURL points at any OpenAI-compatible server (vLLM, Ollama, LM Studio)
	BaseURL string
}

// NewOpenAIExecutor creates an executor backed by go-openai
func NewOpenAIExecutor(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		logger.Warn("openai model not set, defaulting", "model", model)
	}
	system := cfg.System
	if system == "" {
		system = defaultSystemPrompt
	}

	return &OpenAIExecutor{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		system: system + "\n\n" + fileInstructions,
		logger: logger,
	}, nil
}

// Name implements TaskExecutor
func (e *OpenAIExecutor) Name() string { return "openai:" + e.model }

// Execute implements TaskExecutor
func (e *OpenAIExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	prompt := req.Prompt
	if req.Context != "" {
		prompt = req.Prompt + "\n\n## Context\n\n" + req.Context
	}
	if req.OnProgress != nil {
		req.OnProgress(0.1, "requesting completion")
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: e.system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &Result{Success: false, Error: "openai returned no choices"}, nil
	}
	e.logger.Debug("openai response", "model", e.model, "finish_reason", resp.Choices[0].FinishReason)

	in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	res := &Result{
		Output:       resp.Choices[0].Message.Content,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      Cost(e.model, in, out),
		Success:      true,
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
