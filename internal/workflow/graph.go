// Package workflow runs the planner as a graph of steps with conditional
// routing, a suspend/resume interrupt and a concurrent fan-out.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/avvvet/planbuddy/internal/models"
)

// StepFunc runs one node. It reads the state and returns a partial update;
// it must not mutate the state it is given.
type StepFunc func(ctx context.Context, state *models.ConversationState) (models.Update, error)

// RouteFunc picks the next node from the state
type RouteFunc func(state *models.ConversationState) string

// StepPolicy decides what happens when a node keeps failing
type StepPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// Fallback degrades the node instead of aborting the session
	Fallback func(state *models.ConversationState) models.Update
	// ErrorCode and UserMessage are reported when the session aborts
	ErrorCode   string
	UserMessage string
}

// Interrupt suspends the session until the user answers
type Interrupt struct {
	// Prompt returns the question for the user and the fields still missing
	Prompt func(state *models.ConversationState) (string, []string)
	// Resume folds the user's answer into the state
	Resume func(ctx context.Context, state *models.ConversationState, input string) (models.Update, error)
}

// Node is a named step of the graph. Interrupt nodes have no Run.
type Node struct {
	Name      string
	Run       StepFunc
	Policy    StepPolicy
	Interrupt *Interrupt
}

// FanOut runs Branches concurrently and continues at Join once all finish
type FanOut struct {
	Branches []string
	Join     string
}

// Graph declares nodes and the edges between them
type Graph struct {
	entry    string
	terminal string
	nodes    map[string]*Node
	edges    map[string]string
	routes   map[string]RouteFunc
	fanOuts  map[string]FanOut
	errs     []error
}

func NewGraph(entry, terminal string) *Graph {
	return &Graph{
		entry:    entry,
		terminal: terminal,
		nodes:    make(map[string]*Node),
		edges:    make(map[string]string),
		routes:   make(map[string]RouteFunc),
		fanOuts:  make(map[string]FanOut),
	}
}

func (g *Graph) AddNode(node Node) *Graph {
	if _, dup := g.nodes[node.Name]; dup {
		g.errs = append(g.errs, fmt.Errorf("duplicate node %q", node.Name))
		return g
	}
	if node.Run == nil && node.Interrupt == nil {
		g.errs = append(g.errs, fmt.Errorf("node %q has neither a step nor an interrupt", node.Name))
	}
	n := node
	g.nodes[node.Name] = &n
	return g
}

func (g *Graph) AddEdge(from, to string) *Graph {
	g.addOutgoing(from)
	g.edges[from] = to
	return g
}

func (g *Graph) AddConditionalEdge(from string, route RouteFunc) *Graph {
	g.addOutgoing(from)
	g.routes[from] = route
	return g
}

func (g *Graph) AddFanOut(from string, branches []string, join string) *Graph {
	g.addOutgoing(from)
	g.fanOuts[from] = FanOut{Branches: append([]string(nil), branches...), Join: join}
	return g
}

func (g *Graph) addOutgoing(from string) {
	_, e := g.edges[from]
	_, r := g.routes[from]
	_, f := g.fanOuts[from]
	if e || r || f {
		g.errs = append(g.errs, fmt.Errorf("node %q already has an outgoing edge", from))
	}
}

// Validate checks that every edge points at a declared node and that every
// non-terminal node can make progress.
func (g *Graph) Validate() error {
	errs := append([]error(nil), g.errs...)
	known := func(name string) bool {
		_, ok := g.nodes[name]
		return ok
	}

	if !known(g.entry) {
		errs = append(errs, fmt.Errorf("entry node %q is not declared", g.entry))
	}
	if !known(g.terminal) {
		errs = append(errs, fmt.Errorf("terminal node %q is not declared", g.terminal))
	}

	branches := make(map[string]bool)
	for from, fan := range g.fanOuts {
		if len(fan.Branches) == 0 {
			errs = append(errs, fmt.Errorf("fan-out from %q has no branches", from))
		}
		for _, b := range fan.Branches {
			if !known(b) {
				errs = append(errs, fmt.Errorf("fan-out branch %q is not declared", b))
				continue
			}
			if g.nodes[b].Interrupt != nil {
				errs = append(errs, fmt.Errorf("fan-out branch %q cannot be an interrupt", b))
			}
			branches[b] = true
		}
		if !known(fan.Join) {
			errs = append(errs, fmt.Errorf("fan-out join %q is not declared", fan.Join))
		}
	}
	for from, to := range g.edges {
		if !known(from) || !known(to) {
			errs = append(errs, fmt.Errorf("edge %q -> %q references an undeclared node", from, to))
		}
	}

	for name := range g.nodes {
		if name == g.terminal || branches[name] {
			continue
		}
		_, e := g.edges[name]
		_, r := g.routes[name]
		_, f := g.fanOuts[name]
		if !e && !r && !f {
			errs = append(errs, fmt.Errorf("node %q has no outgoing edge", name))
		}
		if g.nodes[name].Interrupt != nil && !e {
			errs = append(errs, fmt.Errorf("interrupt %q needs a static edge to resume at", name))
		}
	}

	return errors.Join(errs...)
}

// Node returns a declared node
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

func (g *Graph) Entry() string { return g.entry }

func (g *Graph) Terminal() string { return g.terminal }

// FanOutFrom returns the fan-out leaving a node, if any
func (g *Graph) FanOutFrom(name string) (FanOut, bool) {
	f, ok := g.fanOuts[name]
	return f, ok
}

// Next resolves the static or conditional successor of a node
func (g *Graph) Next(from string, state *models.ConversationState) (string, error) {
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	if route, ok := g.routes[from]; ok {
		to := route(state)
		if _, known := g.nodes[to]; !known {
			return "", fmt.Errorf("route from %q chose undeclared node %q", from, to)
		}
		return to, nil
	}
	return "", fmt.Errorf("node %q has no successor", from)
}
