// Package runtime provides the stage graph executor shared by every pipeline
// stage: a small state machine of named nodes with conditional routing and
// checkpoint support, plus a bounded worker pool for fan-out work inside a
// stage.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/forgeline-dev/testforge/coreengine/logging"
)

// DefaultMaxSteps bounds how many nodes one invocation may visit. Compiled
// graphs are acyclic, so hitting the bound means a routing bug.
const DefaultMaxSteps = 64

// NodeFunc is one step in a stage graph: a total function over the stage
// state. A node that cannot complete its work marks failure in the state
// instead of aborting; the following routing function diverts accordingly.
type NodeFunc[S any] func(ctx context.Context, state S) S

// RouteFunc selects an outgoing edge label from fields already written into
// the state.
type RouteFunc[S any] func(state S) string

type conditionalEdge[S any] struct {
	route   RouteFunc[S]
	targets map[string]string
}

// Graph is a mutable stage graph definition. Build with AddNode, AddEdge,
// AddConditionalEdge, and SetEntry, then Compile; topology is fixed from
// then on.
type Graph[S any] struct {
	id     string
	nodes  map[string]NodeFunc[S]
	edges  map[string]string
	routes map[string]conditionalEdge[S]
	entry  string
}

// NewGraph creates an empty graph. The id keys checkpoints and shows up in
// log events.
func NewGraph[S any](id string) *Graph[S] {
	return &Graph[S]{
		id:     id,
		nodes:  make(map[string]NodeFunc[S]),
		edges:  make(map[string]string),
		routes: make(map[string]conditionalEdge[S]),
	}
}

// AddNode registers a named node, overwriting any previous binding.
func (g *Graph[S]) AddNode(name string, fn NodeFunc[S]) {
	g.nodes[name] = fn
}

// AddEdge adds an unconditional edge from one node to another.
func (g *Graph[S]) AddEdge(from, to string) {
	g.edges[from] = to
}

// AddConditionalEdge routes out of from via a routing function: the returned
// label picks the target node from targets.
func (g *Graph[S]) AddConditionalEdge(from string, route RouteFunc[S], targets map[string]string) {
	g.routes[from] = conditionalEdge[S]{route: route, targets: targets}
}

// SetEntry designates the starting node.
func (g *Graph[S]) SetEntry(name string) {
	g.entry = name
}

// Compile validates the definition and freezes it into an executable graph.
// Validation covers entry existence, edge endpoints, conditional target
// sets, single outgoing edge kind per node, and acyclicity.
func (g *Graph[S]) Compile() (*CompiledGraph[S], error) {
	if g.entry == "" {
		return nil, fmt.Errorf("graph '%s': no entry node set", g.id)
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, fmt.Errorf("graph '%s': entry node '%s' is not defined", g.id, g.entry)
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("graph '%s': edge from undefined node '%s'", g.id, from)
		}
		if _, ok := g.nodes[to]; !ok {
			return nil, fmt.Errorf("graph '%s': edge '%s' -> undefined node '%s'", g.id, from, to)
		}
		if _, dup := g.routes[from]; dup {
			return nil, fmt.Errorf("graph '%s': node '%s' has both a static and a conditional edge", g.id, from)
		}
	}
	for from, ce := range g.routes {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("graph '%s': conditional edge from undefined node '%s'", g.id, from)
		}
		if ce.route == nil {
			return nil, fmt.Errorf("graph '%s': node '%s' has a nil routing function", g.id, from)
		}
		if len(ce.targets) == 0 {
			return nil, fmt.Errorf("graph '%s': node '%s' has no conditional targets", g.id, from)
		}
		for label, to := range ce.targets {
			if _, ok := g.nodes[to]; !ok {
				return nil, fmt.Errorf("graph '%s': node '%s' label '%s' -> undefined node '%s'", g.id, from, label, to)
			}
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	cg := &CompiledGraph[S]{
		id:     g.id,
		nodes:  make(map[string]NodeFunc[S], len(g.nodes)),
		edges:  make(map[string]string, len(g.edges)),
		routes: make(map[string]conditionalEdge[S], len(g.routes)),
		entry:  g.entry,
	}
	for k, v := range g.nodes {
		cg.nodes[k] = v
	}
	for k, v := range g.edges {
		cg.edges[k] = v
	}
	for k, v := range g.routes {
		targets := make(map[string]string, len(v.targets))
		for label, to := range v.targets {
			targets[label] = to
		}
		cg.routes[k] = conditionalEdge[S]{route: v.route, targets: targets}
	}
	return cg, nil
}

// checkAcyclic runs Kahn's algorithm over the union of all potential edges.
func (g *Graph[S]) checkAcyclic() error {
	adjacency := make(map[string][]string, len(g.nodes))
	indegree := make(map[string]int, len(g.nodes))
	for name := range g.nodes {
		indegree[name] = 0
	}
	addEdge := func(from, to string) {
		adjacency[from] = append(adjacency[from], to)
		indegree[to]++
	}
	for from, to := range g.edges {
		addEdge(from, to)
	}
	for from, ce := range g.routes {
		for _, to := range ce.targets {
			addEdge(from, to)
		}
	}

	queue := make([]string, 0, len(g.nodes))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	processed := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		processed++
		for _, to := range adjacency[current] {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if processed != len(g.nodes) {
		remaining := make([]string, 0)
		for name, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, name)
			}
		}
		return fmt.Errorf("graph '%s' contains a cycle involving nodes %v", g.id, remaining)
	}
	return nil
}

// CompiledGraph is a validated, immutable stage graph ready to execute.
type CompiledGraph[S any] struct {
	id     string
	nodes  map[string]NodeFunc[S]
	edges  map[string]string
	routes map[string]conditionalEdge[S]
	entry  string
}

// ID returns the graph identifier used for checkpoint keys.
func (cg *CompiledGraph[S]) ID() string { return cg.id }

// Entry returns the entry node name.
func (cg *CompiledGraph[S]) Entry() string { return cg.entry }

// IsTerminal reports whether a node has no outgoing edges.
func (cg *CompiledGraph[S]) IsTerminal(node string) bool {
	if _, ok := cg.edges[node]; ok {
		return false
	}
	if _, ok := cg.routes[node]; ok {
		return false
	}
	return true
}

// =============================================================================
// INVOCATION OPTIONS
// =============================================================================

type invokeConfig struct {
	runID    string
	store    CheckpointStore
	maxSteps int
	observer func(node string, state any)
	logger   logging.Logger
}

// InvokeOption configures one graph invocation.
type InvokeOption func(*invokeConfig)

// WithRunID keys checkpoints for this invocation. Without it checkpointing
// is disabled even when a store is configured.
func WithRunID(id string) InvokeOption {
	return func(c *invokeConfig) { c.runID = id }
}

// WithCheckpoints persists state after every node to the given store.
func WithCheckpoints(store CheckpointStore) InvokeOption {
	return func(c *invokeConfig) { c.store = store }
}

// WithMaxSteps overrides the step bound.
func WithMaxSteps(n int) InvokeOption {
	return func(c *invokeConfig) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// WithObserver calls fn after each node completes, with the node name and
// the state it produced.
func WithObserver(fn func(node string, state any)) InvokeOption {
	return func(c *invokeConfig) { c.observer = fn }
}

// WithLogger attaches a logger for execution events.
func WithLogger(l logging.Logger) InvokeOption {
	return func(c *invokeConfig) { c.logger = l }
}

func buildInvokeConfig(opts []InvokeOption) invokeConfig {
	cfg := invokeConfig{maxSteps: DefaultMaxSteps, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = logging.OrNop(cfg.logger)
	return cfg
}

// =============================================================================
// EXECUTION
// =============================================================================

// Invoke runs the graph from its entry node until a terminal node, threading
// the state through each visited node. Checkpointing is best effort: a store
// failure logs a warning and execution continues.
func (cg *CompiledGraph[S]) Invoke(ctx context.Context, state S, opts ...InvokeOption) (S, error) {
	cfg := buildInvokeConfig(opts)
	return cg.execute(ctx, cg.entry, state, false, cfg)
}

// ResumeFrom continues a suspended run by routing out of a previously
// completed node without re-running it. The node must exist and must not be
// terminal. This is the resume path for approval gates.
func (cg *CompiledGraph[S]) ResumeFrom(ctx context.Context, node string, state S, opts ...InvokeOption) (S, error) {
	cfg := buildInvokeConfig(opts)
	if _, ok := cg.nodes[node]; !ok {
		return state, fmt.Errorf("graph '%s': cannot resume from undefined node '%s'", cg.id, node)
	}
	if cg.IsTerminal(node) {
		return state, fmt.Errorf("graph '%s': cannot resume from terminal node '%s'", cg.id, node)
	}
	cfg.logger.Info("graph_resumed", "graph", cg.id, "run_id", cfg.runID, "from_node", node)
	return cg.execute(ctx, node, state, true, cfg)
}

func (cg *CompiledGraph[S]) execute(ctx context.Context, start string, state S, skipFirst bool, cfg invokeConfig) (S, error) {
	current := start
	skip := skipFirst

	for steps := 0; ; steps++ {
		if steps >= cfg.maxSteps {
			return state, fmt.Errorf("graph '%s' exceeded %d steps at node '%s'", cg.id, cfg.maxSteps, current)
		}

		select {
		case <-ctx.Done():
			cfg.logger.Info("graph_cancelled", "graph", cg.id, "run_id", cfg.runID, "node", current)
			return state, ctx.Err()
		default:
		}

		if !skip {
			var err error
			state, err = cg.runNode(ctx, current, state, cfg)
			if err != nil {
				return state, err
			}
			cg.saveCheckpoint(ctx, current, state, cfg)
			if cfg.observer != nil {
				cfg.observer(current, state)
			}
		}
		skip = false

		if cg.IsTerminal(current) {
			cfg.logger.Debug("graph_terminal_reached", "graph", cg.id, "run_id", cfg.runID, "node", current)
			return state, nil
		}

		next, err := cg.nextNode(current, state)
		if err != nil {
			return state, err
		}
		current = next
	}
}

// runNode executes one node, recovering panics into executor errors so a
// broken node cannot take the process down.
func (cg *CompiledGraph[S]) runNode(ctx context.Context, name string, state S, cfg invokeConfig) (out S, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			cfg.logger.Error("graph_node_panicked",
				"graph", cg.id,
				"run_id", cfg.runID,
				"node", name,
				"panic", fmt.Sprintf("%v", rec))
			cfg.logger.Debug("graph_node_panic_stack", "graph", cg.id, "node", name, "stack", string(debug.Stack()))
			out = state
			err = fmt.Errorf("graph '%s': node '%s' panicked: %v", cg.id, name, rec)
		}
	}()
	out = cg.nodes[name](ctx, state)
	return out, nil
}

func (cg *CompiledGraph[S]) nextNode(current string, state S) (string, error) {
	if to, ok := cg.edges[current]; ok {
		return to, nil
	}
	ce := cg.routes[current]
	label := ce.route(state)
	to, ok := ce.targets[label]
	if !ok {
		return "", fmt.Errorf("graph '%s': node '%s' routed to unknown label '%s'", cg.id, current, label)
	}
	return to, nil
}

// saveCheckpoint persists state after a node. Failures are warnings, never
// execution errors: checkpointing supports resume, it is not a correctness
// dependency.
func (cg *CompiledGraph[S]) saveCheckpoint(ctx context.Context, node string, state S, cfg invokeConfig) {
	if cfg.store == nil || cfg.runID == "" {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		cfg.logger.Warn("checkpoint_marshal_failed",
			"graph", cg.id,
			"run_id", cfg.runID,
			"node", node,
			"error", err.Error())
		return
	}
	cp := Checkpoint{
		GraphID:   cg.id,
		RunID:     cfg.runID,
		Node:      node,
		State:     raw,
		Timestamp: time.Now().UTC(),
	}
	if err := cfg.store.Put(ctx, cp); err != nil {
		cfg.logger.Warn("checkpoint_put_failed",
			"graph", cg.id,
			"run_id", cfg.runID,
			"node", node,
			"error", err.Error())
	}
}
