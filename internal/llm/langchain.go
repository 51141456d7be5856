package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/config"
	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/observability"
)

// NewModel builds the langchaingo model named by the configuration
func NewModel(cfg *config.Config) (llms.Model, error) {
	switch cfg.LLMProvider {
	case "anthropic":
		model, err := anthropic.New(
			anthropic.WithToken(cfg.LLMAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, NewFatalError(fmt.Errorf("failed to create anthropic model: %w", err))
		}
		return model, nil
	case "openai":
		opts := []openai.Option{
			openai.WithToken(cfg.LLMAPIKey),
			openai.WithModel(cfg.LLMModel),
		}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLMBaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, NewFatalError(fmt.Errorf("failed to create openai model: %w", err))
		}
		return model, nil
	}
	return nil, NewFatalError(fmt.Errorf("unsupported LLM provider %q", cfg.LLMProvider))
}

// LangChainProvider implements Provider on top of any langchaingo model
type LangChainProvider struct {
	model    llms.Model
	provider string
	name     string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewLangChainProvider(model llms.Model, provider, name string, timeout time.Duration, logger *zap.Logger) *LangChainProvider {
	return &LangChainProvider{
		model:    model,
		provider: provider,
		name:     name,
		timeout:  timeout,
		logger:   logger.Named("llm"),
	}
}

// Model exposes the underlying langchaingo model for tool-calling agents
func (p *LangChainProvider) Model() llms.Model {
	return p.model
}

func (p *LangChainProvider) Generate(ctx context.Context, request *Request) (*Response, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	messages := BuildMessages(request.SystemPrompt, request.ConversationHistory, request.Prompt)

	opts := []llms.CallOption{llms.WithTemperature(request.Temperature)}
	if request.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(request.MaxTokens))
	}
	if request.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}

	start := time.Now()
	resp, err := p.model.GenerateContent(ctx, messages, opts...)
	duration := int(time.Since(start).Milliseconds())
	if err != nil {
		observability.RecordLLMCall(p.provider, p.name, "error", duration)
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, NewTransientError(fmt.Errorf("model call failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		observability.RecordLLMCall(p.provider, p.name, "empty", duration)
		return nil, NewTransientError(errors.New("model returned no choices"))
	}
	observability.RecordLLMCall(p.provider, p.name, "success", duration)

	choice := resp.Choices[0]
	usage := &Usage{
		InputTokens:  intInfo(choice.GenerationInfo, "PromptTokens", "InputTokens"),
		OutputTokens: intInfo(choice.GenerationInfo, "CompletionTokens", "OutputTokens"),
	}
	p.logger.Debug("model call completed",
		zap.String("model", p.name),
		zap.Int("duration_ms", duration),
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens),
	)

	return &Response{Content: choice.Content, Model: p.name, Usage: usage}, nil
}

// BuildMessages turns a system prompt, history and the current prompt into
// langchaingo message contents
func BuildMessages(system string, history []models.Message, prompt string) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(history)+2)
	if system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, msg.Content))
		case models.RoleAssistant:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, msg.Content))
		}
	}
	if prompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))
	}
	return messages
}

func intInfo(info map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
