package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/llm"
	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/prompts"
	"github.com/avvvet/planbuddy/internal/search"
	"github.com/avvvet/planbuddy/internal/workflow"
)

// VenueHandler searches venues for venue-booking intents
type VenueHandler struct {
	delegate search.Delegate
	logger   *zap.Logger
}

func NewVenueHandler(delegate search.Delegate, logger *zap.Logger) *VenueHandler {
	return &VenueHandler{delegate: delegate, logger: logger.Named("venue")}
}

func (h *VenueHandler) Search(ctx context.Context, state *models.ConversationState) (models.Update, error) {
	details := state.UserDetails.Details
	if details == nil || details.Intent() != models.IntentVenueBooking {
		return models.Update{}, llm.NewFatalError(fmt.Errorf("venue search needs venue booking details, got %q", state.UserDetails.Intent()))
	}

	workflow.Notify(ctx, "Searching for venues...")

	out, err := runSearch(ctx, h.delegate, prompts.BuildVenueQuery(details), state.Preferences.Venue)
	if err != nil {
		return models.Update{}, err
	}

	h.logger.Info("Venue search finished",
		zap.String("session_id", state.SessionID),
		zap.Int("candidates", len(out.Candidates)),
	)
	return models.Update{VenueOutput: out}, nil
}

// EventHandler searches events, picking the delegate by event intent
type EventHandler struct {
	delegates map[models.Intent]search.Delegate
	logger    *zap.Logger
}

func NewEventHandler(delegates map[models.Intent]search.Delegate, logger *zap.Logger) *EventHandler {
	return &EventHandler{delegates: delegates, logger: logger.Named("event")}
}

func (h *EventHandler) Search(ctx context.Context, state *models.ConversationState) (models.Update, error) {
	details := state.UserDetails.Details
	if details == nil || !details.Intent().IsEvent() {
		return models.Update{}, llm.NewFatalError(fmt.Errorf("event search needs event details, got %q", state.UserDetails.Intent()))
	}

	delegate, ok := h.delegates[details.Intent()]
	if !ok || delegate == nil {
		return models.Update{}, llm.NewFatalError(fmt.Errorf("%w for %s", search.ErrNoCollection, details.Intent()))
	}

	workflow.Notify(ctx, fmt.Sprintf("Searching for %s events...", details.Intent().Label()))

	out, err := runSearch(ctx, delegate, prompts.BuildEventQuery(details), state.Preferences.Event)
	if err != nil {
		return models.Update{}, err
	}

	h.logger.Info("Event search finished",
		zap.String("session_id", state.SessionID),
		zap.String("intent", string(details.Intent())),
		zap.Int("candidates", len(out.Candidates)),
	)
	return models.Update{EventOutput: out}, nil
}

func runSearch(ctx context.Context, delegate search.Delegate, query string, preferences any) (*models.SearchOutput, error) {
	raw, err := delegate.Search(ctx, search.Query{Text: query, Preferences: preferences})
	if err != nil {
		return nil, err
	}
	candidates, err := search.Decode[models.Candidate](raw)
	if err != nil {
		return nil, err
	}
	return &models.SearchOutput{Query: query, Candidates: candidates}, nil
}
