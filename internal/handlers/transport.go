package handlers

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/observability"
	"github.com/avvvet/planbuddy/internal/prompts"
	"github.com/avvvet/planbuddy/internal/search"
	"github.com/avvvet/planbuddy/internal/workflow"
)

// FlightThresholdKM separates short trips, where flights are avoided, from long ones
const FlightThresholdKM = 400

// TransportHandler finds transport from the origin to the venue
type TransportHandler struct {
	delegate search.Delegate
	logger   *zap.Logger
}

func NewTransportHandler(delegate search.Delegate, logger *zap.Logger) *TransportHandler {
	return &TransportHandler{delegate: delegate, logger: logger.Named("transport")}
}

// NeedsTransport reports whether a trip is needed, and the skip reason when not
func NeedsTransport(state *models.ConversationState) (bool, string) {
	if state.Online() {
		return false, "online"
	}
	origin := strings.TrimSpace(state.Origin())
	if origin == "" {
		return false, "no_origin"
	}
	if state.UserDetails.Details != nil &&
		strings.EqualFold(origin, strings.TrimSpace(state.UserDetails.Details.Base().Location)) {
		return false, "same_city"
	}
	return true, ""
}

func (h *TransportHandler) Search(ctx context.Context, state *models.ConversationState) (models.Update, error) {
	if needed, reason := NeedsTransport(state); !needed {
		observability.RecordBranchSkip("transport", reason)
		h.logger.Info("Transport not needed", zap.String("session_id", state.SessionID), zap.String("reason", reason))
		return models.Update{TransportOutput: &models.TransportOutput{
			Status:  models.BranchNotNeeded,
			Summary: models.NoTransportNeeded,
		}}, nil
	}

	workflow.Notify(ctx, "Searching for transport options...")

	prefs := state.Preferences.Transport
	query := prompts.BuildTransportQuery(state.Origin(), state.UserDetails.Details)
	raw, err := h.delegate.Search(ctx, search.Query{Text: query, Preferences: prefs})
	if err != nil {
		return models.Update{}, err
	}
	options, err := search.Decode[models.TransportOption](raw)
	if err != nil {
		return models.Update{}, err
	}

	kept := FilterTransport(options, prefs)
	h.logger.Info("Transport search finished",
		zap.String("session_id", state.SessionID),
		zap.Int("found", len(options)),
		zap.Int("kept", len(kept)),
	)

	return models.Update{TransportOutput: &models.TransportOutput{
		Status:  models.BranchResults,
		Summary: fmt.Sprintf("%d option(s) from %s", len(kept), state.Origin()),
		Options: kept,
	}}, nil
}

// Unavailable is the degraded result once retries are spent
func (h *TransportHandler) Unavailable(state *models.ConversationState) models.Update {
	observability.RecordBranchSkip("transport", "unavailable")
	return models.Update{TransportOutput: &models.TransportOutput{
		Status:  models.BranchNotAvailable,
		Summary: models.TransportNotAvailable,
	}}
}

// FilterTransport applies the comfort, mode, travel-time and distance rules.
// Soft rules only drop options when something else remains.
func FilterTransport(options []models.TransportOption, prefs models.TransportPreferences) []models.TransportOption {
	allowed := make(map[string]bool, len(prefs.Modes))
	for _, m := range prefs.Modes {
		allowed[strings.ToLower(strings.TrimSpace(m))] = true
	}

	kept := make([]models.TransportOption, 0, len(options))
	for _, o := range options {
		mode := strings.ToLower(strings.TrimSpace(o.Mode))
		if len(allowed) > 0 && !allowed[mode] {
			continue
		}
		switch normalizeAC(prefs.AC) {
		case "ac":
			if !o.AC {
				continue
			}
		case "non-ac":
			if o.AC {
				continue
			}
		}
		kept = append(kept, o)
	}

	// Long trips keep flights only if the allow-list permits them, which the
	// mode filter above already enforces.
	if d := tripDistance(kept); d > 0 && d < FlightThresholdKM {
		kept = preferWhere(kept, func(o models.TransportOption) bool { return !isFlight(o) })
	}

	if prefs.MaxTravelHours > 0 {
		limit := float64(prefs.MaxTravelHours)
		kept = preferWhere(kept, func(o models.TransportOption) bool { return o.DurationH == 0 || o.DurationH <= limit })
	}
	return kept
}

func normalizeAC(pref string) string {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(pref), "_", "-")) {
	case "ac":
		return "ac"
	case "non-ac", "nonac", "no-ac":
		return "non-ac"
	}
	return "any"
}

func isFlight(o models.TransportOption) bool {
	return strings.EqualFold(strings.TrimSpace(o.Mode), "flight")
}

// tripDistance is the longest distance any option reports
func tripDistance(options []models.TransportOption) float64 {
	var d float64
	for _, o := range options {
		if o.DistanceKM > d {
			d = o.DistanceKM
		}
	}
	return d
}

// preferWhere keeps the matching options, or all of them when none match
func preferWhere(options []models.TransportOption, keep func(models.TransportOption) bool) []models.TransportOption {
	var matching []models.TransportOption
	for _, o := range options {
		if keep(o) {
			matching = append(matching, o)
		}
	}
	if len(matching) == 0 {
		return options
	}
	return matching
}
