package models

import (
	"encoding/json"
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one entry of the conversation history
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type TransportPreferences struct {
	Origin             string   `json:"origin,omitempty"`
	MaxTravelHours     int      `json:"max_travel_hours,omitempty"`
	DistancePreference string   `json:"distance_preference,omitempty"` // near, moderate, far, very_far
	Modes              []string `json:"preferred_transport_modes,omitempty"`
	AC                 string   `json:"ac_preference,omitempty"` // ac, non-ac, any
}

type StayPreferences struct {
	RoomType  string   `json:"room_type,omitempty"` // hotel, pg/hostel, any
	AC        string   `json:"ac_preference,omitempty"`
	Amenities []string `json:"preferred_amenities,omitempty"`
	MaxBudget float64  `json:"max_budget,omitempty"`
}

type VenuePreferences struct {
	PreferredGames  []string `json:"preferred_games,omitempty"`
	Timeslot        string   `json:"preferred_timeslot,omitempty"`
	GymAvailability bool     `json:"gym_availability,omitempty"`
}

// EventPreferences covers all four event kinds. BudgetIfPaid and
// LocationScope are handed to the search tools as-is.
type EventPreferences struct {
	Format           string   `json:"format,omitempty"`
	EventType        string   `json:"event_type,omitempty"`
	LocationScope    string   `json:"location_scope,omitempty"`
	CompetitiveLevel string   `json:"competitive_level,omitempty"`
	IsPaid           string   `json:"is_paid,omitempty"`
	BudgetIfPaid     *float64 `json:"budget_if_paid,omitempty"`
	Topic            string   `json:"topic,omitempty"`
	InterestArea     string   `json:"interest_area,omitempty"`
}

type Preferences struct {
	Transport TransportPreferences `json:"transport"`
	Stay      StayPreferences      `json:"stay"`
	Venue     VenuePreferences     `json:"venue"`
	Event     EventPreferences     `json:"event"`
}

// ConversationState is the single record threaded through the workflow
type ConversationState struct {
	SessionID   string      `json:"session_id"`
	UserInput   string      `json:"user_input"`
	Messages    []Message   `json:"messages"`
	UserDetails UserDetails `json:"user_details"`
	Preferences Preferences `json:"preferences"`

	VenueOutput     *SearchOutput    `json:"venue_output,omitempty"`
	EventOutput     *SearchOutput    `json:"event_output,omitempty"`
	TransportOutput *TransportOutput `json:"transport_output,omitempty"`
	StayOutput      *StayOutput      `json:"stay_output,omitempty"`
	FinalOutput     *PlanSet         `json:"final_output,omitempty"`

	// DetailsConfirmed latches once all_details_given has been true in this session
	DetailsConfirmed bool `json:"details_confirmed"`
	// Turn counts user utterances received
	Turn int `json:"turn"`
}

// NewConversationState creates the empty state of a new session
func NewConversationState(sessionID string) *ConversationState {
	return &ConversationState{
		SessionID: sessionID,
		Messages:  []Message{},
	}
}

// PrimaryOutput returns whichever of venue/event output has been produced
func (s *ConversationState) PrimaryOutput() *SearchOutput {
	if s.VenueOutput != nil {
		return s.VenueOutput
	}
	return s.EventOutput
}

// Online reports whether the venue/event is explicitly online, either as
// stated by the user or because every event found is online.
func (s *ConversationState) Online() bool {
	if s.UserDetails.Details != nil && s.UserDetails.Details.Base().IsOnline() {
		return true
	}
	if s.UserDetails.Intent().IsEvent() && s.Preferences.Event.Format == FormatOnline {
		return true
	}
	return s.EventOutput.AllOnline()
}

// Origin is the classifier's origin, falling back to the caller's transport preferences
func (s *ConversationState) Origin() string {
	if s.UserDetails.Details != nil {
		if o := s.UserDetails.Details.Base().Origin; o != "" {
			return o
		}
	}
	return s.Preferences.Transport.Origin
}

// LastAssistantMessage returns the newest assistant entry of the history
func (s *ConversationState) LastAssistantMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Clone deep-copies the state through its JSON form
func (s *ConversationState) Clone() (*ConversationState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out ConversationState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update is the partial result of a step. Nil fields are left untouched.
type Update struct {
	UserInput       *string
	Messages        []Message
	UserDetails     *UserDetails
	Preferences     *Preferences
	VenueOutput     *SearchOutput
	EventOutput     *SearchOutput
	TransportOutput *TransportOutput
	StayOutput      *StayOutput
	FinalOutput     *PlanSet
}

// Apply merges an update: history is appended, everything else is replaced
func (s *ConversationState) Apply(u Update) {
	if u.UserInput != nil {
		s.UserInput = *u.UserInput
	}
	if len(u.Messages) > 0 {
		s.Messages = append(s.Messages, u.Messages...)
	}
	if u.UserDetails != nil {
		s.UserDetails = *u.UserDetails
		if u.UserDetails.Complete() {
			s.DetailsConfirmed = true
		}
	}
	if u.Preferences != nil {
		s.Preferences = *u.Preferences
	}
	if u.VenueOutput != nil {
		s.VenueOutput = u.VenueOutput
	}
	if u.EventOutput != nil {
		s.EventOutput = u.EventOutput
	}
	if u.TransportOutput != nil {
		s.TransportOutput = u.TransportOutput
	}
	if u.StayOutput != nil {
		s.StayOutput = u.StayOutput
	}
	if u.FinalOutput != nil {
		s.FinalOutput = u.FinalOutput
	}
}
