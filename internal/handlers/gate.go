package handlers

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/workflow"
)

const defaultFollowUp = "Could you share a few more details about what you'd like to plan?"

// ResumeGate suspends the session while details are missing and folds the
// user's answer back in on resume.
type ResumeGate struct {
	logger *zap.Logger
}

func NewResumeGate(logger *zap.Logger) *ResumeGate {
	return &ResumeGate{logger: logger.Named("gate")}
}

// Prompt is the classifier's follow-up question plus the fields still missing
func (g *ResumeGate) Prompt(state *models.ConversationState) (string, []string) {
	question := state.LastAssistantMessage()
	if question == "" {
		question = defaultFollowUp
	}
	return question, state.UserDetails.Missing()
}

// Resume writes the answer to user_input; the classifier reads it next
func (g *ResumeGate) Resume(_ context.Context, state *models.ConversationState, input string) (models.Update, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return models.Update{}, errors.New("empty answer")
	}
	g.logger.Debug("Resuming with user input", zap.String("session_id", state.SessionID), zap.Int("turn", state.Turn))
	return models.Update{UserInput: &input}, nil
}

// Interrupt exposes the gate to the workflow graph
func (g *ResumeGate) Interrupt() *workflow.Interrupt {
	return &workflow.Interrupt{Prompt: g.Prompt, Resume: g.Resume}
}
