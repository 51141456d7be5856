package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Intent is the classified booking/discovery goal of a session
type Intent string

const (
	IntentVenueBooking Intent = "book_game_venue"
	IntentGameEvent    Intent = "book_game_event"
	IntentFitnessEvent Intent = "book_fitness_event"
	IntentTechEvent    Intent = "book_tech_event"
	IntentGeneralEvent Intent = "book_general_event"
)

// Event formats
const (
	FormatOnline  = "online"
	FormatOffline = "offline"
	FormatHybrid  = "hybrid"
)

// DateLayout is the calendar-day layout used for start/end dates on the wire
const DateLayout = "2006-01-02"

// EventIntents lists the four event kinds handled by unified event search
var EventIntents = []Intent{IntentGameEvent, IntentFitnessEvent, IntentTechEvent, IntentGeneralEvent}

func (i Intent) Valid() bool {
	return i == IntentVenueBooking || i.IsEvent()
}

func (i Intent) IsEvent() bool {
	switch i {
	case IntentGameEvent, IntentFitnessEvent, IntentTechEvent, IntentGeneralEvent:
		return true
	}
	return false
}

// Label is a short human name used in queries and progress messages
func (i Intent) Label() string {
	switch i {
	case IntentVenueBooking:
		return "venue"
	case IntentGameEvent:
		return "sports"
	case IntentFitnessEvent:
		return "fitness"
	case IntentTechEvent:
		return "tech"
	case IntentGeneralEvent:
		return "general"
	}
	return "unknown"
}

// Common holds the fields every intent carries
type Common struct {
	Location  string
	StartDate time.Time
	EndDate   *time.Time
	Origin    string
	Format    string
}

// IsOnline reports whether the user explicitly asked for an online venue/event
func (c Common) IsOnline() bool {
	return strings.EqualFold(strings.TrimSpace(c.Format), FormatOnline)
}

// IsMultiDay reports whether an end date exists and falls on a different day than the start
func (c Common) IsMultiDay() bool {
	if c.EndDate == nil || c.StartDate.IsZero() {
		return false
	}
	return c.EndDate.Format(DateLayout) != c.StartDate.Format(DateLayout)
}

func (c Common) missing() []string {
	var fields []string
	if strings.TrimSpace(c.Location) == "" {
		fields = append(fields, "location")
	}
	if c.StartDate.IsZero() {
		fields = append(fields, "start_date")
	}
	return fields
}

// Details is the per-intent variant of the extracted user details.
// Each variant knows its own required fields.
type Details interface {
	Intent() Intent
	Base() Common
	// Category is the game name, fitness type or event name depending on the variant.
	Category() string
	Missing() []string
	sealed()
}

type VenueBooking struct {
	Common
	GameName string
}

type GameEvent struct {
	Common
	GameName string
}

type FitnessEvent struct {
	Common
	FitnessType string
}

type TechEvent struct {
	Common
	EventName string
}

type GeneralEvent struct {
	Common
	EventName string
}

func (d VenueBooking) Intent() Intent { return IntentVenueBooking }
func (d GameEvent) Intent() Intent    { return IntentGameEvent }
func (d FitnessEvent) Intent() Intent { return IntentFitnessEvent }
func (d TechEvent) Intent() Intent    { return IntentTechEvent }
func (d GeneralEvent) Intent() Intent { return IntentGeneralEvent }

func (d VenueBooking) Base() Common { return d.Common }
func (d GameEvent) Base() Common    { return d.Common }
func (d FitnessEvent) Base() Common { return d.Common }
func (d TechEvent) Base() Common    { return d.Common }
func (d GeneralEvent) Base() Common { return d.Common }

func (d VenueBooking) Category() string { return d.GameName }
func (d GameEvent) Category() string    { return d.GameName }
func (d FitnessEvent) Category() string { return d.FitnessType }
func (d TechEvent) Category() string    { return d.EventName }
func (d GeneralEvent) Category() string { return d.EventName }

func (d VenueBooking) Missing() []string { return requireField(d.Common, "game_name", d.GameName) }
func (d GameEvent) Missing() []string    { return requireField(d.Common, "game_name", d.GameName) }
func (d FitnessEvent) Missing() []string {
	return requireField(d.Common, "fitness_type", d.FitnessType)
}
func (d TechEvent) Missing() []string    { return requireField(d.Common, "event_name", d.EventName) }
func (d GeneralEvent) Missing() []string { return requireField(d.Common, "event_name", d.EventName) }

func (VenueBooking) sealed() {}
func (GameEvent) sealed()    {}
func (FitnessEvent) sealed() {}
func (TechEvent) sealed()    {}
func (GeneralEvent) sealed() {}

func requireField(c Common, name, value string) []string {
	var fields []string
	if strings.TrimSpace(value) == "" {
		fields = append(fields, name)
	}
	return append(fields, c.missing()...)
}

// Extraction is the flat wire form of user details, as produced by the
// classifier model and as stored in checkpoints.
type Extraction struct {
	Intent          Intent  `json:"intent,omitempty"`
	GameName        string  `json:"game_name,omitempty"`
	FitnessType     string  `json:"fitness_type,omitempty"`
	EventName       string  `json:"event_name,omitempty"`
	Location        string  `json:"location,omitempty"`
	StartDate       string  `json:"start_date,omitempty"`
	EndDate         *string `json:"end_date,omitempty"`
	Origin          string  `json:"origin,omitempty"`
	Format          string  `json:"format,omitempty"`
	AllDetailsGiven bool    `json:"all_details_given"`
}

// Details builds the intent variant. It returns nil when the intent is
// unset or unsupported. Dates must already be in DateLayout.
func (e Extraction) Details() Details {
	common := Common{
		Location: strings.TrimSpace(e.Location),
		Origin:   strings.TrimSpace(e.Origin),
		Format:   strings.ToLower(strings.TrimSpace(e.Format)),
	}
	if t, err := time.Parse(DateLayout, e.StartDate); err == nil {
		common.StartDate = t
	}
	if e.EndDate != nil {
		if t, err := time.Parse(DateLayout, *e.EndDate); err == nil {
			common.EndDate = &t
		}
	}

	switch e.Intent {
	case IntentVenueBooking:
		return VenueBooking{Common: common, GameName: strings.TrimSpace(e.GameName)}
	case IntentGameEvent:
		return GameEvent{Common: common, GameName: strings.TrimSpace(e.GameName)}
	case IntentFitnessEvent:
		return FitnessEvent{Common: common, FitnessType: strings.TrimSpace(e.FitnessType)}
	case IntentTechEvent:
		return TechEvent{Common: common, EventName: strings.TrimSpace(e.EventName)}
	case IntentGeneralEvent:
		return GeneralEvent{Common: common, EventName: strings.TrimSpace(e.EventName)}
	}
	return nil
}

// UserDetails is the classifier's result threaded through the conversation state
type UserDetails struct {
	Details         Details
	AllDetailsGiven bool
}

// NewUserDetails builds UserDetails from an extraction. The model's
// all_details_given claim only holds when the variant has every required field.
func NewUserDetails(e Extraction) UserDetails {
	d := e.Details()
	return UserDetails{
		Details:         d,
		AllDetailsGiven: e.AllDetailsGiven && d != nil && len(d.Missing()) == 0,
	}
}

// Intent returns the classified intent or "" when none is resolved
func (u UserDetails) Intent() Intent {
	if u.Details == nil {
		return ""
	}
	return u.Details.Intent()
}

// Missing lists required fields still absent. An unresolved intent reports "intent".
func (u UserDetails) Missing() []string {
	if u.Details == nil {
		return []string{"intent"}
	}
	return u.Details.Missing()
}

// Complete re-checks the all_details_given invariant
func (u UserDetails) Complete() bool {
	return u.AllDetailsGiven && u.Details != nil && len(u.Details.Missing()) == 0
}

// Extraction flattens the variant back into its wire form
func (u UserDetails) Extraction() Extraction {
	e := Extraction{AllDetailsGiven: u.AllDetailsGiven}
	if u.Details == nil {
		return e
	}
	c := u.Details.Base()
	e.Intent = u.Details.Intent()
	e.Location = c.Location
	e.Origin = c.Origin
	e.Format = c.Format
	if !c.StartDate.IsZero() {
		e.StartDate = c.StartDate.Format(DateLayout)
	}
	if c.EndDate != nil {
		end := c.EndDate.Format(DateLayout)
		e.EndDate = &end
	}
	switch d := u.Details.(type) {
	case VenueBooking:
		e.GameName = d.GameName
	case GameEvent:
		e.GameName = d.GameName
	case FitnessEvent:
		e.FitnessType = d.FitnessType
	case TechEvent:
		e.EventName = d.EventName
	case GeneralEvent:
		e.EventName = d.EventName
	}
	return e
}

func (u UserDetails) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Extraction())
}

func (u *UserDetails) UnmarshalJSON(data []byte) error {
	var e Extraction
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	u.Details = e.Details()
	u.AllDetailsGiven = e.AllDetailsGiven
	return nil
}
