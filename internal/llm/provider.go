package llm

import (
	"context"

	"github.com/avvvet/planbuddy/internal/models"
)

// Provider defines the interface for LLM providers
type Provider interface {
	Generate(ctx context.Context, request *Request) (*Response, error)
}

// Request represents the structured request to the LLM
type Request struct {
	SystemPrompt        string
	ConversationHistory []models.Message
	Prompt              string
	MaxTokens           int
	Temperature         float64
	JSONMode            bool
}

// Response represents the raw response from the LLM
type Response struct {
	Content string
	Model   string
	Usage   *Usage
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}
