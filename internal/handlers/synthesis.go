package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/llm"
	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/prompts"
	"github.com/avvvet/planbuddy/internal/workflow"
)

const stepSynthesize = "synthesize"

// MaxPlans caps the number of plan options returned
const MaxPlans = 4

const (
	timestampLayout = "2006-01-02T15:04:05"
	closingQuestion = "Reply with the number of the plan you'd like to save."
)

// SynthesisHandler merges search results into numbered plans with a calendar annex
type SynthesisHandler struct {
	provider llm.Provider
	now      func() time.Time
	logger   *zap.Logger
}

func NewSynthesisHandler(provider llm.Provider, logger *zap.Logger) *SynthesisHandler {
	return &SynthesisHandler{
		provider: provider,
		now:      time.Now,
		logger:   logger.Named("synthesis"),
	}
}

func (h *SynthesisHandler) WithClock(now func() time.Time) *SynthesisHandler {
	h.now = now
	return h
}

func (h *SynthesisHandler) Synthesize(ctx context.Context, state *models.ConversationState) (models.Update, error) {
	system, prompt, err := prompts.BuildSynthesisPrompt(h.now(), state)
	if err != nil {
		return models.Update{}, llm.NewFatalError(err)
	}

	workflow.Notify(ctx, "Putting your plans together...")

	llmResponse, err := h.provider.Generate(ctx, &llm.Request{
		SystemPrompt:        system,
		ConversationHistory: state.Messages,
		Prompt:              prompt,
		MaxTokens:           2000,
		Temperature:         0.4,
	})
	if err != nil {
		return models.Update{}, err
	}

	planSet, err := parsePlanSet(llmResponse.Content, state.UserDetails.Details)
	if err != nil {
		h.logger.Warn("Failed to parse plans", zap.String("session_id", state.SessionID), zap.Error(err))
		return models.Update{}, err
	}

	h.logger.Info("Plans synthesized",
		zap.String("session_id", state.SessionID),
		zap.Int("plans", len(planSet.Plans)),
	)

	return models.Update{
		FinalOutput: planSet,
		Messages: []models.Message{{
			Role:      models.RoleAssistant,
			Content:   planSet.Text,
			Timestamp: h.now(),
		}},
	}, nil
}

// parsePlanSet splits the answer into visible plans and their calendar entries.
// Entries the model left out are derived from the plan and the user's dates.
func parsePlanSet(content string, details models.Details) (*models.PlanSet, error) {
	text, annex := prompts.SplitAnnex(content)
	plans := prompts.ParsePlans(text)

	var entries []models.CalendarEntry
	if annex != "" {
		if err := json.Unmarshal([]byte(annex), &entries); err != nil {
			return nil, invalid(stepSynthesize, "calendar annex: %v", err)
		}
	}

	fromAnnex := len(plans) == 0
	if fromAnnex {
		for i, e := range entries {
			plans = append(plans, models.Plan{Number: i + 1, Title: e.Title, Summary: e.Description})
		}
	}
	if len(plans) == 0 {
		return nil, invalid(stepSynthesize, "no plans found")
	}

	truncated := len(plans) > MaxPlans
	if truncated {
		plans = plans[:MaxPlans]
	}

	calendar := make([]models.CalendarEntry, len(plans))
	for i, plan := range plans {
		var entry models.CalendarEntry
		if i < len(entries) {
			entry = entries[i]
		} else {
			derived, err := derivedEntry(plan, details)
			if err != nil {
				return nil, err
			}
			entry = derived
		}
		if err := normalizeEntry(&entry, plan, details); err != nil {
			return nil, err
		}
		calendar[i] = entry
	}

	if truncated || fromAnnex {
		text = renderPlans(plans)
	}

	return &models.PlanSet{Text: text, Plans: plans, Calendar: calendar}, nil
}

func derivedEntry(plan models.Plan, details models.Details) (models.CalendarEntry, error) {
	if details == nil || details.Base().StartDate.IsZero() {
		return models.CalendarEntry{}, invalid(stepSynthesize, "calendar entry missing for plan %d", plan.Number)
	}
	c := details.Base()
	end := c.StartDate
	if c.EndDate != nil {
		end = *c.EndDate
	}
	return models.CalendarEntry{
		Title:       plan.Title,
		Description: plan.Summary,
		StartTime:   c.StartDate.Format(models.DateLayout) + "T00:00:00",
		EndTime:     end.Format(models.DateLayout) + "T23:59:59",
		Location:    c.Location,
	}, nil
}

func normalizeEntry(entry *models.CalendarEntry, plan models.Plan, details models.Details) error {
	start, err := normalizeTimestamp(entry.StartTime)
	if err != nil {
		return invalid(stepSynthesize, "plan %d start_time %q: %v", plan.Number, entry.StartTime, err)
	}
	end, err := normalizeTimestamp(entry.EndTime)
	if err != nil {
		return invalid(stepSynthesize, "plan %d end_time %q: %v", plan.Number, entry.EndTime, err)
	}
	if end.Before(start) {
		return invalid(stepSynthesize, "plan %d ends before it starts", plan.Number)
	}

	entry.StartTime = formatTimestamp(start)
	entry.EndTime = formatTimestamp(end)
	if entry.Title == "" {
		entry.Title = plan.Title
	}
	if entry.Description == "" {
		entry.Description = plan.Summary
	}
	if entry.Location == "" && details != nil {
		entry.Location = details.Base().Location
	}
	return nil
}

func normalizeTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	return dateparse.ParseIn(value, time.UTC)
}

// formatTimestamp keeps an explicit offset and writes local times without one
func formatTimestamp(t time.Time) string {
	if t.Location() == time.UTC {
		return t.Format(timestampLayout)
	}
	return t.Format(time.RFC3339)
}

func renderPlans(plans []models.Plan) string {
	var builder strings.Builder
	for _, p := range plans {
		builder.WriteString(fmt.Sprintf("Plan %d: %s\n%s\n\n", p.Number, p.Title, p.Summary))
	}
	builder.WriteString(closingQuestion)
	return builder.String()
}
