package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sentinels for deliberately skipped or degraded branches
const (
	NoTransportNeeded     = "No transport needed"
	NoStayNeeded          = "No stay needed"
	TransportNotAvailable = "Transport options not available"
	StayNotAvailable      = "Stay options not available"
)

// BranchStatus tells results apart from skipped and degraded branches
type BranchStatus string

const (
	BranchResults      BranchStatus = "results"
	BranchNotNeeded    BranchStatus = "not_needed"
	BranchNotAvailable BranchStatus = "not_available"
)

// Candidate is a venue or event returned by a search step
type Candidate struct {
	Title       string `json:"title"`
	Location    string `json:"location"`
	Format      string `json:"format,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Price       string `json:"price,omitempty"`
}

// SearchOutput is the result of venue or event search
type SearchOutput struct {
	Query      string      `json:"query"`
	Candidates []Candidate `json:"candidates"`
}

// AllOnline reports whether every candidate is an online event
func (s *SearchOutput) AllOnline() bool {
	if s == nil || len(s.Candidates) == 0 {
		return false
	}
	for _, c := range s.Candidates {
		if !strings.EqualFold(c.Format, FormatOnline) {
			return false
		}
	}
	return true
}

type TransportOption struct {
	Mode       string  `json:"mode"`
	Provider   string  `json:"provider,omitempty"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Departure  string  `json:"departure,omitempty"`
	Arrival    string  `json:"arrival,omitempty"`
	DurationH  float64 `json:"duration_hours,omitempty"`
	DistanceKM float64 `json:"distance_km,omitempty"`
	AC         bool    `json:"ac"`
	Price      float64 `json:"price,omitempty"`
	Notes      string  `json:"notes,omitempty"`
}

type StayOption struct {
	Name          string   `json:"name"`
	RoomType      string   `json:"room_type"`
	Address       string   `json:"address,omitempty"`
	AC            bool     `json:"ac"`
	Amenities     []string `json:"amenities,omitempty"`
	PricePerNight float64  `json:"price_per_night,omitempty"`
	Tradeoffs     []string `json:"tradeoffs,omitempty"`
}

// TransportOutput is never left unset once the fan-out completes
type TransportOutput struct {
	Status  BranchStatus      `json:"status"`
	Summary string            `json:"summary,omitempty"`
	Options []TransportOption `json:"options,omitempty"`
}

type StayOutput struct {
	Status  BranchStatus `json:"status"`
	Summary string       `json:"summary,omitempty"`
	Options []StayOption `json:"options,omitempty"`
}

// Describe renders the branch for the synthesis request. Skipped and degraded
// branches render as their sentinel verbatim.
func (t *TransportOutput) Describe() string {
	if t == nil {
		return ""
	}
	if t.Status != BranchResults {
		return t.Summary
	}
	return describeJSON(t.Options)
}

func (s *StayOutput) Describe() string {
	if s == nil {
		return ""
	}
	if s.Status != BranchResults {
		return s.Summary
	}
	return describeJSON(s.Options)
}

func describeJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// Plan is one numbered, human-readable option
type Plan struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// CalendarEntry is the machine-readable twin of a plan, used for calendar creation
type CalendarEntry struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Location    string `json:"location"`
}

// PlanSet is the terminal artifact of a session
type PlanSet struct {
	Text     string          `json:"text"`
	Plans    []Plan          `json:"plans"`
	Calendar []CalendarEntry `json:"calendar"`
}

// Transcript renders the plans followed by the calendar annex inside an HTML
// comment so chat front-ends keep it out of the visible transcript.
func (p *PlanSet) Transcript() string {
	if p == nil {
		return ""
	}
	annex, err := json.MarshalIndent(p.Calendar, "", "  ")
	if err != nil {
		return p.Text
	}
	return fmt.Sprintf("%s\n\n<!--\n%s\n-->", strings.TrimSpace(p.Text), annex)
}
