package prompts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/prompts"

	"github.com/avvvet/planbuddy/internal/models"
)

const classifierTemplate = `You are the intake assistant of an event and venue planner. Classify what the user wants and extract booking details.

Today's date is {{.today}}. Resolve relative phrases such as "this Friday" or "next weekend" against it and write every date as YYYY-MM-DD.

Intents:
- book_game_venue: book a ground, court or sports facility to play
- book_game_event: attend a sports match or tournament
- book_fitness_event: attend a fitness session such as yoga, zumba or a gym workshop
- book_tech_event: attend a tech conference, meetup or workshop
- book_general_event: attend any other event such as music, networking or business

Required fields:
- book_game_venue, book_game_event: game_name, location, start_date
- book_fitness_event: fitness_type, location, start_date
- book_tech_event, book_general_event: event_name, location, start_date

If the user gives a date range, set start_date and end_date. With a single date leave end_date null.
Set origin when the user says where they are travelling from, and format when they ask for online, offline or hybrid.
Set all_details_given to true only when the intent is clear and every required field for it is present.
In reply, ask for whatever is still missing, or confirm briefly when nothing is.

RESPONSE FORMAT:
You must respond with a valid JSON object in this exact format:
{
  "intent": "one of the intents above or null",
  "game_name": "string or null",
  "fitness_type": "string or null",
  "event_name": "string or null",
  "location": "string or null",
  "start_date": "YYYY-MM-DD or null",
  "end_date": "YYYY-MM-DD or null",
  "origin": "string or null",
  "format": "online, offline, hybrid or null",
  "all_details_given": false,
  "reply": "your message to the user"
}`

const classifierInputTemplate = `Current Conversation:
{{.history}}
User: {{.input}}`

const searchAgentTemplate = `You are a {{.domain}} search assistant for an event and venue planner.
{{.instructions}}

Use the available tools to search. Do not book or confirm anything, only discover and recommend.
Do not ask the user questions; everything known is in the request.

When you are done, respond with only a JSON array of results in this format:
{{.schema}}`

const synthesisTemplate = `You are a planner that merges search results into 3 to 4 plan options.

Today's date is {{.today}}.

Present each plan as "Plan N: <title>" followed by one short paragraph that covers the venue or event, travel and stay.
When travel or stay says it is not needed or not available, do not invent one.
After the plans, append the calendar data as a JSON array inside an HTML comment (<!-- ... -->).
Each entry has title, description, start_time, end_time (ISO-8601, e.g. 2025-06-10T09:00:00) and location, one entry per plan, in plan order.
Finish by asking the user to reply with the number of the plan they want to save.
The conversation so far is included for context; the data below is authoritative.`

const synthesisInputTemplate = `User details:
{{.details}}

Preferences:
{{.preferences}}

{{.primary_label}} options:
{{.primary}}

Transport:
{{.transport}}

Stay:
{{.stay}}`

// FallbackMessage is shown when the classifier keeps failing
const FallbackMessage = "I didn't quite catch that. Could you rephrase what you'd like to plan, including the city and date?"

// BusyMessage is shown when another turn of the same session got there first
const BusyMessage = "Another message in this conversation is being handled. Please send this one again in a moment."

// ApologyMessage is shown when a session aborts on a mandatory step
const ApologyMessage = "Sorry, I couldn't finish planning this one. Please try again in a moment."

var (
	classifierPrompt = prompts.NewPromptTemplate(classifierTemplate, []string{"today"})
	classifierInput  = prompts.NewPromptTemplate(classifierInputTemplate, []string{"history", "input"})
	searchPrompt     = prompts.NewPromptTemplate(searchAgentTemplate, []string{"domain", "instructions", "schema"})
	synthesisPrompt  = prompts.NewPromptTemplate(synthesisTemplate, []string{"today"})
	synthesisInput   = prompts.NewPromptTemplate(synthesisInputTemplate,
		[]string{"details", "preferences", "primary_label", "primary", "transport", "stay"})
)

// BuildClassifierPrompt renders the classifier's system prompt and the
// conversation it classifies
func BuildClassifierPrompt(today time.Time, history, input string) (system, prompt string, err error) {
	system, err = classifierPrompt.Format(map[string]any{
		"today": today.Format("Monday, 2006-01-02"),
	})
	if err != nil {
		return "", "", err
	}
	prompt, err = classifierInput.Format(map[string]any{
		"history": history,
		"input":   input,
	})
	if err != nil {
		return "", "", err
	}
	return system, prompt, nil
}

// Search domains
const (
	DomainVenue     = "sports venue"
	DomainEvent     = "event discovery"
	DomainTransport = "transport"
	DomainStay      = "stay"
)

var searchInstructions = map[string]string{
	DomainVenue: "Recommend venues that fit the game, location, date and time slot preferences.",
	DomainEvent: "Recommend events that fit the event kind and preferences. Apply the budget when paid events " +
		"are preferred and never suggest paid events when free is asked for.",
	DomainTransport: "Recommend transport from origin to destination arriving by the given date. Respect the " +
		"comfort preference (AC or non-AC, any means no filter) and the allowed modes. Under 400 km avoid " +
		"flights; above 400 km suggest flights only if flight is an allowed mode. Include distance_km.",
	DomainStay: "Recommend 2 to 3 places to stay near the venue for the date range. Respect room type, AC, " +
		"amenities and budget. If nothing matches exactly, include the closest options and list what they lack.",
}

var searchSchemas = map[string]string{
	DomainVenue:     `[{"title": "", "location": "", "format": "offline", "start_date": "YYYY-MM-DD", "end_date": "YYYY-MM-DD", "description": "", "url": "", "price": ""}]`,
	DomainEvent:     `[{"title": "", "location": "", "format": "online|offline|hybrid", "start_date": "YYYY-MM-DD", "end_date": "YYYY-MM-DD", "description": "", "url": "", "price": ""}]`,
	DomainTransport: `[{"mode": "train|bus|flight|cab|car|metro|bike", "provider": "", "from": "", "to": "", "departure": "", "arrival": "", "duration_hours": 0, "distance_km": 0, "ac": true, "price": 0, "notes": ""}]`,
	DomainStay:      `[{"name": "", "room_type": "hotel|pg/hostel", "address": "", "ac": true, "amenities": [""], "price_per_night": 0, "tradeoffs": [""]}]`,
}

// BuildSearchSystemPrompt renders the system prompt of a tool-augmented search agent
func BuildSearchSystemPrompt(domain string) (string, error) {
	instructions, ok := searchInstructions[domain]
	if !ok {
		return "", fmt.Errorf("unknown search domain %q", domain)
	}
	return searchPrompt.Format(map[string]any{
		"domain":       domain,
		"instructions": instructions,
		"schema":       searchSchemas[domain],
	})
}

// BuildVenueQuery builds the natural-language venue search query
func BuildVenueQuery(d models.Details) string {
	c := d.Base()
	return fmt.Sprintf("Find %s venues in %s available %s.", d.Category(), c.Location, dateRange(c))
}

// BuildEventQuery builds the natural-language event search query
func BuildEventQuery(d models.Details) string {
	c := d.Base()
	query := fmt.Sprintf("Find %s events about %s in %s %s.", d.Intent().Label(), d.Category(), c.Location, dateRange(c))
	if c.Format != "" {
		query += fmt.Sprintf(" Format: %s.", c.Format)
	}
	return query
}

// BuildTransportQuery builds the transport search query
func BuildTransportQuery(origin string, d models.Details) string {
	c := d.Base()
	return fmt.Sprintf("Find transport from %s to %s arriving by %s.", origin, c.Location, c.StartDate.Format(models.DateLayout))
}

// BuildStayQuery builds the stay search query
func BuildStayQuery(d models.Details) string {
	c := d.Base()
	return fmt.Sprintf("Find a place to stay in %s %s.", c.Location, dateRange(c))
}

func dateRange(c models.Common) string {
	start := c.StartDate.Format(models.DateLayout)
	if c.EndDate == nil {
		return "on " + start
	}
	return fmt.Sprintf("from %s to %s", start, c.EndDate.Format(models.DateLayout))
}

// BuildSynthesisPrompt assembles the synthesis request from the finished branches.
// Transport and stay must be set; sentinels are passed through verbatim.
func BuildSynthesisPrompt(today time.Time, state *models.ConversationState) (system, prompt string, err error) {
	if state.TransportOutput == nil || state.StayOutput == nil {
		return "", "", fmt.Errorf("synthesis requires transport and stay outputs")
	}
	primary := state.PrimaryOutput()
	if primary == nil {
		return "", "", fmt.Errorf("synthesis requires venue or event output")
	}

	label := "Event"
	if state.VenueOutput != nil {
		label = "Venue"
	}

	system, err = synthesisPrompt.Format(map[string]any{
		"today": today.Format(models.DateLayout),
	})
	if err != nil {
		return "", "", err
	}
	prompt, err = synthesisInput.Format(map[string]any{
		"details":       toJSON(state.UserDetails),
		"preferences":   toJSON(state.Preferences),
		"primary_label": label,
		"primary":       toJSON(primary.Candidates),
		"transport":     state.TransportOutput.Describe(),
		"stay":          state.StayOutput.Describe(),
	})
	if err != nil {
		return "", "", err
	}
	return system, prompt, nil
}

func toJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
