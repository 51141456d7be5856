package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/llm"
	"github.com/avvvet/planbuddy/internal/memory"
	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/prompts"
)

const stepClassify = "classify_intent"

// IntentHandler classifies the latest utterance against the full history
type IntentHandler struct {
	provider llm.Provider
	now      func() time.Time
	logger   *zap.Logger
}

func NewIntentHandler(provider llm.Provider, logger *zap.Logger) *IntentHandler {
	return &IntentHandler{
		provider: provider,
		now:      time.Now,
		logger:   logger.Named("intent"),
	}
}

// WithClock sets the reference date used to resolve relative dates
func (h *IntentHandler) WithClock(now func() time.Time) *IntentHandler {
	h.now = now
	return h
}

// Classify extracts user details and records the exchange in history
func (h *IntentHandler) Classify(ctx context.Context, state *models.ConversationState) (models.Update, error) {
	history, err := memory.FormatHistory(ctx, state.Messages)
	if err != nil {
		return models.Update{}, err
	}

	system, prompt, err := prompts.BuildClassifierPrompt(h.now(), history, state.UserInput)
	if err != nil {
		return models.Update{}, llm.NewFatalError(fmt.Errorf("failed to render classifier prompt: %w", err))
	}

	llmResponse, err := h.provider.Generate(ctx, &llm.Request{
		SystemPrompt: system,
		Prompt:       prompt,
		MaxTokens:    1000,
		Temperature:  0.1, // Low temperature for consistent responses
		JSONMode:     true,
	})
	if err != nil {
		return models.Update{}, err
	}

	out, err := prompts.ParseClassifierResponse(llmResponse.Content)
	if err != nil {
		h.logger.Warn("Failed to parse classifier response", zap.String("session_id", state.SessionID), zap.Error(err))
		return models.Update{}, invalid(stepClassify, "%v", err)
	}
	if err := h.normalize(out); err != nil {
		return models.Update{}, err
	}

	details := models.NewUserDetails(out.Extraction)
	if out.AllDetailsGiven && !details.AllDetailsGiven {
		h.logger.Debug("Model claimed complete details",
			zap.String("session_id", state.SessionID),
			zap.Strings("missing", details.Missing()),
		)
	}

	now := h.now()
	reply := h.reply(out.Reply, details)

	h.logger.Info("Intent classified",
		zap.String("session_id", state.SessionID),
		zap.String("intent", string(details.Intent())),
		zap.Bool("all_details_given", details.AllDetailsGiven),
	)

	return models.Update{
		Messages: []models.Message{
			{Role: models.RoleUser, Content: state.UserInput, Timestamp: now},
			{Role: models.RoleAssistant, Content: reply, Timestamp: now},
		},
		UserDetails: &details,
	}, nil
}

// normalize cleans the extraction in place. Unsupported intents and
// unreadable dates become absent so the user is asked again.
func (h *IntentHandler) normalize(out *prompts.ClassifierOutput) error {
	if out.Intent != "" && !out.Intent.Valid() {
		h.logger.Warn("Unsupported intent", zap.String("intent", string(out.Intent)))
		out.Intent = ""
	}

	start, err := normalizeDate(out.StartDate)
	if err != nil {
		h.logger.Warn("Dropping unreadable start date", zap.String("start_date", out.StartDate))
	}
	out.StartDate = start

	if out.EndDate != nil {
		end, err := normalizeDate(*out.EndDate)
		switch {
		case err != nil || end == "":
			h.logger.Warn("Dropping unreadable end date", zap.String("end_date", *out.EndDate))
			out.EndDate = nil
		case start != "" && end < start:
			return invalid(stepClassify, "end_date %s is before start_date %s", end, start)
		default:
			out.EndDate = &end
		}
	}

	out.Format = strings.ToLower(out.Format)
	switch out.Format {
	case "", models.FormatOnline, models.FormatOffline, models.FormatHybrid:
	default:
		out.Format = ""
	}
	return nil
}

// normalizeDate rewrites any date dateparse understands as YYYY-MM-DD
func normalizeDate(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if _, err := time.Parse(models.DateLayout, value); err == nil {
		return value, nil
	}
	t, err := dateparse.ParseIn(value, time.UTC)
	if err != nil {
		return "", err
	}
	return t.Format(models.DateLayout), nil
}

var fieldNames = map[string]string{
	"intent":       "what you would like to plan",
	"game_name":    "game",
	"fitness_type": "type of fitness activity",
	"event_name":   "event",
	"location":     "city",
	"start_date":   "date",
}

func (h *IntentHandler) reply(reply string, details models.UserDetails) string {
	if reply != "" {
		return reply
	}
	if details.AllDetailsGiven {
		return "Got it! Let me find some options for you."
	}

	missing := details.Missing()
	names := make([]string, 0, len(missing))
	for _, field := range missing {
		if name, ok := fieldNames[field]; ok {
			names = append(names, name)
		} else {
			names = append(names, strings.ReplaceAll(field, "_", " "))
		}
	}
	if len(names) == 0 {
		return "Could you confirm the details so I can start planning?"
	}
	if len(names) == 1 {
		return fmt.Sprintf("Could you tell me the %s?", names[0])
	}
	return fmt.Sprintf("Could you tell me the %s and %s?", strings.Join(names[:len(names)-1], ", "), names[len(names)-1])
}
