package workflow

import (
	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/prompts"
)

// Planner node names
const (
	NodeClassify        = "classify_intent"
	NodeAwaitInput      = "await_input"
	NodeSearchVenue     = "search_venue"
	NodeSearchEvent     = "search_event"
	NodeSearchTransport = "search_transport"
	NodeSearchStay      = "search_stay"
	NodeSynthesize      = "synthesize"
)

// Route is the decision after classification: incomplete details suspend,
// venue intents search venues, event intents search events.
func Route(state *models.ConversationState) string {
	details := state.UserDetails
	if !details.Complete() {
		return NodeAwaitInput
	}
	switch intent := details.Intent(); {
	case intent == models.IntentVenueBooking:
		return NodeSearchVenue
	case intent.IsEvent():
		return NodeSearchEvent
	}
	return NodeAwaitInput
}

// PlannerSteps are the step implementations wired into the planner graph
type PlannerSteps struct {
	Classify        StepFunc
	Gate            *Interrupt
	SearchVenue     StepFunc
	SearchEvent     StepFunc
	SearchTransport StepFunc
	SearchStay      StepFunc
	Synthesize      StepFunc

	TransportFallback func(state *models.ConversationState) models.Update
	StayFallback      func(state *models.ConversationState) models.Update

	ClassifierAttempts int
	SearchAttempts     int
}

// NewPlannerGraph builds and validates the planner:
//
//	classify_intent -> await_input -> classify_intent ...
//	classify_intent -> search_venue|search_event -> {search_transport, search_stay} -> synthesize
func NewPlannerGraph(steps PlannerSteps) (*Graph, error) {
	search := StepPolicy{
		MaxAttempts: steps.SearchAttempts,
		ErrorCode:   models.ErrorSearchFailed,
		UserMessage: prompts.ApologyMessage,
	}
	branches := []string{NodeSearchTransport, NodeSearchStay}

	g := NewGraph(NodeClassify, NodeSynthesize).
		AddNode(Node{Name: NodeClassify, Run: steps.Classify, Policy: StepPolicy{
			MaxAttempts: steps.ClassifierAttempts,
			ErrorCode:   models.ErrorParseError,
			UserMessage: prompts.FallbackMessage,
		}}).
		AddNode(Node{Name: NodeAwaitInput, Interrupt: steps.Gate}).
		AddNode(Node{Name: NodeSearchVenue, Run: steps.SearchVenue, Policy: search}).
		AddNode(Node{Name: NodeSearchEvent, Run: steps.SearchEvent, Policy: search}).
		AddNode(Node{Name: NodeSearchTransport, Run: steps.SearchTransport, Policy: StepPolicy{
			MaxAttempts: steps.SearchAttempts,
			Fallback:    steps.TransportFallback,
		}}).
		AddNode(Node{Name: NodeSearchStay, Run: steps.SearchStay, Policy: StepPolicy{
			MaxAttempts: steps.SearchAttempts,
			Fallback:    steps.StayFallback,
		}}).
		AddNode(Node{Name: NodeSynthesize, Run: steps.Synthesize, Policy: StepPolicy{
			MaxAttempts: steps.SearchAttempts,
			ErrorCode:   models.ErrorLLMFailed,
			UserMessage: prompts.ApologyMessage,
		}}).
		AddConditionalEdge(NodeClassify, Route).
		AddEdge(NodeAwaitInput, NodeClassify).
		AddFanOut(NodeSearchVenue, branches, NodeSynthesize).
		AddFanOut(NodeSearchEvent, branches, NodeSynthesize)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
