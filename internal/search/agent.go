package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/llm"
	"github.com/avvvet/planbuddy/internal/prompts"
)

// Query is a natural-language search request plus the caller's typed preferences
type Query struct {
	Text        string
	Preferences any
}

// Delegate answers a search query with a JSON array of records
type Delegate interface {
	Search(ctx context.Context, query Query) (json.RawMessage, error)
}

// ToolSource resolves the tool set at call time
type ToolSource func() (ToolSet, error)

// FromRegistry resolves the collection declared in file
func FromRegistry(registry *Registry, file string) ToolSource {
	return func() (ToolSet, error) {
		c, err := registry.Get(file)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Agent is a tool-augmented model call: the model may call collection tools
// for a bounded number of rounds before answering with a JSON array.
type Agent struct {
	model     llms.Model
	domain    string
	tools     ToolSource
	maxRounds int
	logger    *zap.Logger
}

func NewAgent(model llms.Model, domain string, tools ToolSource, maxRounds int, logger *zap.Logger) *Agent {
	if maxRounds < 1 {
		maxRounds = 1
	}
	return &Agent{
		model:     model,
		domain:    domain,
		tools:     tools,
		maxRounds: maxRounds,
		logger:    logger.Named("agent").With(zap.String("domain", domain)),
	}
}

// Search runs the tool loop. Model and tool failures are transient;
// configuration problems are fatal.
func (a *Agent) Search(ctx context.Context, query Query) (json.RawMessage, error) {
	system, err := prompts.BuildSearchSystemPrompt(a.domain)
	if err != nil {
		return nil, llm.NewFatalError(err)
	}

	toolSet, err := a.tools()
	if err != nil {
		return nil, err
	}
	tools, err := toolSet.Tools(ctx)
	if err != nil {
		return nil, llm.NewTransientError(err)
	}

	var options []llms.CallOption
	if len(tools) > 0 {
		options = append(options, llms.WithTools(tools))
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, buildRequest(query)),
	}

	for round := 1; round <= a.maxRounds; round++ {
		resp, err := a.model.GenerateContent(ctx, messages, options...)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, llm.NewTransientError(fmt.Errorf("model call failed: %w", err))
		}
		if len(resp.Choices) == 0 {
			return nil, llm.NewTransientError(errors.New("model returned no choices"))
		}
		choice := resp.Choices[0]

		if len(choice.ToolCalls) == 0 {
			raw := prompts.ExtractJSONArray(choice.Content)
			if raw == "" || !json.Valid([]byte(raw)) {
				return nil, llm.NewTransientError(fmt.Errorf("no JSON array in %s answer", a.domain))
			}
			a.logger.Debug("Search finished", zap.Int("rounds", round))
			return json.RawMessage(raw), nil
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		for _, call := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, call)
		}
		messages = append(messages, assistant)

		for _, call := range choice.ToolCalls {
			if call.FunctionCall == nil {
				continue
			}
			result, err := toolSet.Call(ctx, call.FunctionCall.Name, call.FunctionCall.Arguments)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				a.logger.Warn("Tool call failed", zap.String("tool", call.FunctionCall.Name), zap.Error(err))
				result = "error: " + err.Error()
			}
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: call.ID,
					Name:       call.FunctionCall.Name,
					Content:    result,
				}},
			})
		}
	}

	return nil, llm.NewTransientError(fmt.Errorf("%s search gave no answer after %d tool rounds", a.domain, a.maxRounds))
}

func buildRequest(query Query) string {
	if query.Preferences == nil {
		return query.Text
	}
	prefs, err := json.MarshalIndent(query.Preferences, "", "  ")
	if err != nil {
		return query.Text
	}
	return fmt.Sprintf("%s\n\nPreferences:\n%s", query.Text, prefs)
}

// Decode parses a delegate answer into records
func Decode[T any](raw json.RawMessage) ([]T, error) {
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("invalid search results: %w", err))
	}
	return out, nil
}
