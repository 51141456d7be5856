package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/observability"
	"github.com/avvvet/planbuddy/internal/prompts"
	"github.com/avvvet/planbuddy/internal/search"
	"github.com/avvvet/planbuddy/internal/workflow"
)

// MaxStayOptions caps the ranked stay list
const MaxStayOptions = 3

// StayHandler finds accommodation for multi-day plans
type StayHandler struct {
	delegate search.Delegate
	logger   *zap.Logger
}

func NewStayHandler(delegate search.Delegate, logger *zap.Logger) *StayHandler {
	return &StayHandler{delegate: delegate, logger: logger.Named("stay")}
}

// NeedsStay reports whether accommodation is needed, and the skip reason when not
func NeedsStay(state *models.ConversationState) (bool, string) {
	if state.Online() {
		return false, "online"
	}
	details := state.UserDetails.Details
	if details == nil || details.Base().EndDate == nil {
		return false, "single_day"
	}
	if !details.Base().IsMultiDay() {
		return false, "same_day"
	}
	return true, ""
}

func (h *StayHandler) Search(ctx context.Context, state *models.ConversationState) (models.Update, error) {
	if needed, reason := NeedsStay(state); !needed {
		observability.RecordBranchSkip("stay", reason)
		h.logger.Info("Stay not needed", zap.String("session_id", state.SessionID), zap.String("reason", reason))
		return models.Update{StayOutput: &models.StayOutput{
			Status:  models.BranchNotNeeded,
			Summary: models.NoStayNeeded,
		}}, nil
	}

	workflow.Notify(ctx, "Searching for places to stay...")

	prefs := state.Preferences.Stay
	raw, err := h.delegate.Search(ctx, search.Query{
		Text:        prompts.BuildStayQuery(state.UserDetails.Details),
		Preferences: prefs,
	})
	if err != nil {
		return models.Update{}, err
	}
	options, err := search.Decode[models.StayOption](raw)
	if err != nil {
		return models.Update{}, err
	}

	ranked := RankStays(options, prefs)
	h.logger.Info("Stay search finished",
		zap.String("session_id", state.SessionID),
		zap.Int("found", len(options)),
		zap.Int("kept", len(ranked)),
	)

	return models.Update{StayOutput: &models.StayOutput{
		Status:  models.BranchResults,
		Summary: fmt.Sprintf("%d place(s) near %s", len(ranked), state.UserDetails.Details.Base().Location),
		Options: ranked,
	}}, nil
}

// Unavailable is the degraded result once retries are spent
func (h *StayHandler) Unavailable(state *models.ConversationState) models.Update {
	observability.RecordBranchSkip("stay", "unavailable")
	return models.Update{StayOutput: &models.StayOutput{
		Status:  models.BranchNotAvailable,
		Summary: models.StayNotAvailable,
	}}
}

// RankStays puts exact matches first and keeps near-matches with the
// tradeoffs spelled out. Ties keep the cheaper option first.
func RankStays(options []models.StayOption, prefs models.StayPreferences) []models.StayOption {
	type scored struct {
		option models.StayOption
		misses int
	}

	all := make([]scored, 0, len(options))
	for _, o := range options {
		misses := stayTradeoffs(o, prefs)
		o.Tradeoffs = mergeTradeoffs(misses, o.Tradeoffs)
		all = append(all, scored{option: o, misses: len(misses)})
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].misses != all[j].misses {
			return all[i].misses < all[j].misses
		}
		return all[i].option.PricePerNight < all[j].option.PricePerNight
	})

	if len(all) > MaxStayOptions {
		all = all[:MaxStayOptions]
	}
	ranked := make([]models.StayOption, len(all))
	for i, s := range all {
		ranked[i] = s.option
	}
	return ranked
}

func stayTradeoffs(o models.StayOption, prefs models.StayPreferences) []string {
	var out []string

	if want := strings.ToLower(strings.TrimSpace(prefs.RoomType)); want != "" && want != "any" &&
		!strings.EqualFold(strings.TrimSpace(o.RoomType), want) {
		out = append(out, fmt.Sprintf("room type is %s, wanted %s", o.RoomType, want))
	}

	switch normalizeAC(prefs.AC) {
	case "ac":
		if !o.AC {
			out = append(out, "no AC")
		}
	case "non-ac":
		if o.AC {
			out = append(out, "AC room, wanted non-AC")
		}
	}

	have := make(map[string]bool, len(o.Amenities))
	for _, a := range o.Amenities {
		have[strings.ToLower(strings.TrimSpace(a))] = true
	}
	for _, want := range prefs.Amenities {
		if !have[strings.ToLower(strings.TrimSpace(want))] {
			out = append(out, "missing amenity: "+strings.ToLower(strings.TrimSpace(want)))
		}
	}

	if prefs.MaxBudget > 0 && o.PricePerNight > prefs.MaxBudget {
		out = append(out, fmt.Sprintf("over budget by %.0f", o.PricePerNight-prefs.MaxBudget))
	}
	return out
}

func mergeTradeoffs(computed, reported []string) []string {
	seen := make(map[string]bool, len(computed)+len(reported))
	var out []string
	for _, t := range append(append([]string(nil), computed...), reported...) {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
