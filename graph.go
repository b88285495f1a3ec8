package mantle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Node names, used for spans, logs, and checkpoint bookkeeping.
const (
	nodeBudgetChecker = "budget_checker"
	nodePlanner       = "planner"
	nodeExecutor      = "executor"
	nodeReflector     = "reflector"
	nodeResponder     = "responder"
)

// Graph is the single-agent execution loop:
//
//	budget_checker → planner → executor → reflector → (budget_checker | responder)
//
// Conditional edges read AgentState.NextAction after each node. The state
// is checkpointed between nodes when a Checkpointer is configured; commits
// never happen mid-node.
type Graph struct {
	budget    *BudgetChecker
	planner   *Planner
	executor  *ToolExecutor
	reflector *Reflector
	responder *Responder

	checkpointer Checkpointer
	tracer       Tracer
	logger       *slog.Logger
	chunkSize    int
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// GraphCheckpointer enables state persistence between nodes.
func GraphCheckpointer(c Checkpointer) GraphOption {
	return func(g *Graph) { g.checkpointer = c }
}

// GraphTracer attaches a Tracer; every node execution becomes a span.
func GraphTracer(t Tracer) GraphOption {
	return func(g *Graph) { g.tracer = t }
}

// GraphLogger attaches a logger for node transitions.
func GraphLogger(l *slog.Logger) GraphOption {
	return func(g *Graph) { g.logger = l }
}

// GraphChunkSize sets the content_chunk segment size in runes.
func GraphChunkSize(n int) GraphOption {
	return func(g *Graph) { g.chunkSize = n }
}

// NewGraph assembles the execution loop from its nodes. reflector may be
// nil; execution then routes straight from the executor to the responder.
func NewGraph(budget *BudgetChecker, planner *Planner, executor *ToolExecutor, reflector *Reflector, responder *Responder, opts ...GraphOption) *Graph {
	g := &Graph{
		budget:    budget,
		planner:   planner,
		executor:  executor,
		reflector: reflector,
		responder: responder,
		logger:    nopLogger,
		chunkSize: defaultChunkRunes,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// execConfig carries per-run options.
type execConfig struct {
	threadID string
	history  []ChatMessage
	config   AssistantConfig
	hasCfg   bool
}

// ExecOption configures one Execute or StreamExecute call.
type ExecOption func(*execConfig)

// ExecThread keys checkpoints to a conversation thread. A run with the
// same thread ID resumes from the last committed node boundary when a
// checkpoint exists.
func ExecThread(id string) ExecOption {
	return func(c *execConfig) { c.threadID = id }
}

// ExecHistory seeds the conversation with prior turns.
func ExecHistory(history []ChatMessage) ExecOption {
	return func(c *execConfig) { c.history = history }
}

// ExecConfig applies an assistant's budget caps to the run. Without it the
// package defaults apply.
func ExecConfig(cfg AssistantConfig) ExecOption {
	return func(c *execConfig) {
		c.config = cfg
		c.hasCfg = true
	}
}

// Execute runs the graph to completion and returns the final answer with
// usage accounting. It blocks until the run finishes or ctx is cancelled.
func (g *Graph) Execute(ctx context.Context, userInput string, opts ...ExecOption) (ExecuteResult, error) {
	state, err := g.run(ctx, userInput, nil, opts...)
	if err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{
		Output:     state.FinalAnswer,
		Iterations: state.Iterations,
		TokenUsage: state.TokenUsage,
		CostSpent:  state.CostSpentUSD,
		ToolsUsed:  state.ToolsUsed,
	}, nil
}

// StreamExecute runs the graph in a goroutine and emits typed events in
// node-execution order. The channel closes when the run finishes; a
// terminal failure is reported as an error event.
func (g *Graph) StreamExecute(ctx context.Context, userInput string, opts ...ExecOption) <-chan StreamEvent {
	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		emit := func(ev StreamEvent) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		if _, err := g.run(ctx, userInput, emit, opts...); err != nil {
			emit(StreamEvent{Type: EventError, Content: err.Error()})
		}
	}()
	return ch
}

// run drives the node loop. emit may be nil for blocking execution.
func (g *Graph) run(ctx context.Context, userInput string, emit func(StreamEvent), opts ...ExecOption) (*AgentState, error) {
	var cfg execConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	state, err := g.initialState(ctx, userInput, cfg)
	if err != nil {
		return nil, err
	}

	var span Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, "agent.run",
			StringAttr("agent.input", truncateStr(userInput, 200)))
		defer func() {
			span.SetAttr(
				IntAttr("agent.iterations", state.Iterations),
				Float64Attr("agent.cost_usd", state.CostSpentUSD),
			)
			span.End()
		}()
	}

	cursor := emitCursor{warnings: len(state.Warnings), records: len(state.ToolsUsed)}
	node := nodeBudgetChecker
	for {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		g.runNode(ctx, node, state)
		g.commit(ctx, cfg.threadID, state)

		if emit != nil {
			g.emitNodeEvents(node, state, emit, &cursor)
		}

		next, done := g.route(node, state)
		if done {
			break
		}
		g.logger.Debug("node transition", "from", node, "to", next, "action", state.NextAction)
		node = next
	}

	if g.checkpointer != nil && cfg.threadID != "" {
		// The run completed; the thread no longer needs resume state.
		if err := g.checkpointer.Delete(ctx, cfg.threadID); err != nil {
			g.logger.Warn("checkpoint cleanup failed", "thread", cfg.threadID, "error", err)
		}
	}
	return state, nil
}

// initialState builds a fresh state or resumes a checkpointed one.
func (g *Graph) initialState(ctx context.Context, userInput string, cfg execConfig) (*AgentState, error) {
	if g.checkpointer != nil && cfg.threadID != "" {
		saved, err := g.checkpointer.Load(ctx, cfg.threadID)
		if err != nil {
			return nil, fmt.Errorf("loading checkpoint: %w", err)
		}
		if saved != nil && saved.NextAction != ActionDone {
			g.logger.Info("resuming from checkpoint",
				"thread", cfg.threadID, "iterations", saved.Iterations)
			return saved, nil
		}
	}

	ac := cfg.config
	if !cfg.hasCfg {
		ac = AssistantConfig{}
	}
	ac = ac.withDefaults()

	state := &AgentState{
		UserInput:        userInput,
		MaxIterations:    ac.MaxIterations,
		MaxToolCalls:     ac.MaxToolCalls,
		CostLimitUSD:     ac.CostLimitUSD,
		TokenBudget:      ac.TokenBudget,
		MaxParallelTools: ac.MaxParallelTools,
	}
	state.Messages = append(state.Messages, cfg.history...)
	state.Messages = append(state.Messages, UserMessage(userInput))
	return state, nil
}

// runNode executes one node, wrapped in a span when tracing is on.
func (g *Graph) runNode(ctx context.Context, node string, state *AgentState) {
	if g.tracer != nil {
		var span Span
		ctx, span = g.tracer.Start(ctx, "agent.node."+node,
			StringAttr("node.name", node),
			IntAttr("node.iteration", state.Iterations))
		defer span.End()
	}

	switch node {
	case nodeBudgetChecker:
		g.budget.Check(ctx, state)
	case nodePlanner:
		g.planner.Plan(ctx, state)
	case nodeExecutor:
		g.executor.ExecuteBatch(ctx, state)
	case nodeReflector:
		g.reflector.Reflect(ctx, state)
	case nodeResponder:
		g.responder.Respond(ctx, state)
	}
}

// route picks the next node from the conditional edges.
func (g *Graph) route(node string, state *AgentState) (string, bool) {
	switch node {
	case nodeBudgetChecker:
		switch state.NextAction {
		case ActionAbort:
			return nodeResponder, false
		case ActionExecute:
			return nodeExecutor, false
		default:
			return nodePlanner, false
		}
	case nodePlanner:
		if state.NextAction == ActionExecute {
			return nodeExecutor, false
		}
		return nodeResponder, false
	case nodeExecutor:
		if g.reflector == nil {
			state.NextAction = ActionRespond
			return nodeResponder, false
		}
		return nodeReflector, false
	case nodeReflector:
		if state.NextAction == ActionRespond {
			return nodeResponder, false
		}
		// Plan and execute loop back through the budget gate.
		return nodeBudgetChecker, false
	default: // responder
		return "", true
	}
}

// commit persists the state at a node boundary. Failures are logged, not
// fatal; the run continues without resume coverage.
func (g *Graph) commit(ctx context.Context, threadID string, state *AgentState) {
	if g.checkpointer == nil || threadID == "" {
		return
	}
	if err := g.checkpointer.Save(ctx, threadID, state); err != nil {
		g.logger.Warn("checkpoint save failed", "thread", threadID, "error", err)
	}
}

// emitCursor tracks how much of the growing state slices has already been
// turned into events.
type emitCursor struct {
	warnings int
	records  int
}

// emitNodeEvents translates one node's state delta into stream events.
func (g *Graph) emitNodeEvents(node string, state *AgentState, emit func(StreamEvent), cursor *emitCursor) {
	for _, w := range state.Warnings[cursor.warnings:] {
		emit(StreamEvent{Type: EventBudgetWarning, Content: w})
	}
	cursor.warnings = len(state.Warnings)

	switch node {
	case nodePlanner:
		if len(state.Plan) > 0 {
			emit(StreamEvent{Type: EventPlanning, Content: strings.Join(state.Plan, "\n")})
		}
		for _, call := range state.PendingToolCalls {
			emit(StreamEvent{Type: EventAgentAction, Name: call.Tool, Content: string(call.Input)})
		}
	case nodeExecutor:
		for _, rec := range state.ToolsUsed[cursor.records:] {
			emit(StreamEvent{
				Type:    EventAgentObservation,
				Name:    rec.ToolName,
				Content: rec.Result,
				Success: rec.Success,
			})
		}
		cursor.records = len(state.ToolsUsed)
	case nodeReflector:
		if n := len(state.Reflections); n > 0 {
			last := state.Reflections[n-1]
			emit(StreamEvent{
				Type:    EventReflection,
				Content: fmt.Sprintf("quality %.1f/10: %s", last.QualityScore, last.Reasoning),
			})
		}
	case nodeResponder:
		for _, ev := range chunkContent(state.FinalAnswer, g.chunkSize) {
			emit(ev)
		}
		emit(StreamEvent{Type: EventTokenUsage, TokenUsage: state.TokenUsage})
	}
}
