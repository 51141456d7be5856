package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/config"
	"github.com/avvvet/planbuddy/internal/handlers"
	"github.com/avvvet/planbuddy/internal/llm"
	"github.com/avvvet/planbuddy/internal/memory"
	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/prompts"
	"github.com/avvvet/planbuddy/internal/search"
	"github.com/avvvet/planbuddy/internal/workflow"
)

// planner bundles the engine with what must be closed on shutdown
type planner struct {
	engine   *workflow.Engine
	sessions *memory.Manager
	registry *search.Registry
}

func (p *planner) Close() error {
	regErr := p.registry.Close()
	if err := p.sessions.Close(); err != nil {
		return err
	}
	return regErr
}

// buildPlanner wires model, search agents, handlers and graph into an engine
func buildPlanner(cfg *config.Config, store memory.Store, observer workflow.Observer, logger *zap.Logger) (*planner, error) {
	model, err := llm.NewModel(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}
	provider := llm.NewLangChainProvider(model, cfg.LLMProvider, cfg.LLMModel, cfg.LLMTimeout, logger)

	registry := search.NewRegistry(cfg.ToolConfigDir, search.CommandConnector, cfg.ToolRateLimit, cfg.ToolCallTimeout, logger)
	agent := func(domain, file string) search.Delegate {
		return search.NewAgent(model, domain, search.FromRegistry(registry, file), cfg.MaxToolRounds, logger)
	}

	events := make(map[models.Intent]search.Delegate, len(models.EventIntents))
	for _, intent := range models.EventIntents {
		events[intent] = agent(prompts.DomainEvent, search.EventConfigFile(intent))
	}

	gate := handlers.NewResumeGate(logger)
	intent := handlers.NewIntentHandler(provider, logger)
	venue := handlers.NewVenueHandler(agent(prompts.DomainVenue, search.VenueConfigFile), logger)
	event := handlers.NewEventHandler(events, logger)
	transport := handlers.NewTransportHandler(agent(prompts.DomainTransport, search.TransportConfigFile), logger)
	stay := handlers.NewStayHandler(agent(prompts.DomainStay, search.StayConfigFile), logger)
	synthesis := handlers.NewSynthesisHandler(provider, logger)

	graph, err := workflow.NewPlannerGraph(workflow.PlannerSteps{
		Classify:           intent.Classify,
		Gate:               gate.Interrupt(),
		SearchVenue:        venue.Search,
		SearchEvent:        event.Search,
		SearchTransport:    transport.Search,
		SearchStay:         stay.Search,
		Synthesize:         synthesis.Synthesize,
		TransportFallback:  transport.Unavailable,
		StayFallback:       stay.Unavailable,
		ClassifierAttempts: cfg.ClassifierRetries + 1,
		SearchAttempts:     cfg.SearchRetries + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid planner graph: %w", err)
	}

	retry := llm.DefaultRetryConfig()
	retry.BackoffBase = cfg.RetryBackoff

	sessions := memory.NewManager(store, cfg.SessionTTL, cfg.ArchiveTTL, logger)
	return &planner{
		engine:   workflow.NewEngine(graph, sessions, observer, retry, logger).WithRecoveryAfter(cfg.TurnTimeout()),
		sessions: sessions,
		registry: registry,
	}, nil
}
