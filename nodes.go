package mantle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// memoryTopK is the number of memories spliced into the planner prompt.
const memoryTopK = 3

// DefaultPlanRetries bounds how many times the reflector may route back to
// planning or execution before forcing a response.
const DefaultPlanRetries = 2

// reflectionResultClip bounds each tool result shown to the reflector.
const reflectionResultClip = 500

// --- planner ---

// Planner asks the LLM to either answer directly or emit a plan with tool
// calls. When a memory service is configured, relevant memories are spliced
// into the system prompt.
type Planner struct {
	provider    Provider
	model       string
	temperature float64
	tools       []Tool
	memory      MemoryService
	assistantID string
	userID      string
	estimator   *CostEstimator
	logger      *slog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// PlannerMemory attaches a memory service scoped to an assistant and user.
func PlannerMemory(m MemoryService, assistantID, userID string) PlannerOption {
	return func(p *Planner) {
		p.memory = m
		p.assistantID = assistantID
		p.userID = userID
	}
}

// PlannerTemperature sets the sampling temperature for planning calls.
func PlannerTemperature(t float64) PlannerOption {
	return func(p *Planner) { p.temperature = t }
}

// PlannerLogger attaches a logger.
func PlannerLogger(l *slog.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// NewPlanner builds a planner over the given tools. provider may be nil;
// planning then short-circuits to a direct response.
func NewPlanner(provider Provider, model string, tools []Tool, estimator *CostEstimator, opts ...PlannerOption) *Planner {
	p := &Planner{
		provider:  provider,
		model:     model,
		tools:     tools,
		estimator: estimator,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// planResponse is the JSON shape the planner expects from the LLM.
type planResponse struct {
	NeedsTools bool           `json:"needs_tools"`
	Reasoning  string         `json:"reasoning"`
	Plan       []string       `json:"plan"`
	ToolCalls  []planToolCall `json:"tool_calls"`
	Answer     string         `json:"answer"`
}

type planToolCall struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// Plan runs one planning step and routes to execute or respond.
func (p *Planner) Plan(ctx context.Context, state *AgentState) {
	if p.provider == nil {
		state.FinalAnswer = "No language model is configured, so I cannot plan a response to: " + state.UserInput
		state.NextAction = ActionRespond
		return
	}

	system := p.buildSystemPrompt(ctx, state)
	messages := make([]ChatMessage, 0, len(state.Messages)+1)
	messages = append(messages, SystemMessage(system))
	messages = append(messages, state.Messages...)

	resp, err := p.provider.Chat(ctx, ChatRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: p.temperature,
	})
	if err != nil {
		state.FinalAnswer = "Planning failed: " + err.Error()
		state.NextAction = ActionRespond
		p.logger.Warn("planner call failed", "error", err)
		return
	}
	state.AddTokens("plan", resp.Usage)
	if p.estimator != nil {
		state.CostSpentUSD += p.estimator.EstimateCost(p.model,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	var plan planResponse
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &plan); err != nil {
		// Prose instead of JSON: treat the whole response as a direct
		// answer rather than failing the run.
		state.FinalAnswer = resp.Content
		state.NextAction = ActionRespond
		state.Warnings = append(state.Warnings, "planner returned prose instead of JSON")
		p.logger.Debug("planner response was not JSON, treating as direct answer")
		return
	}

	if !plan.NeedsTools {
		if plan.Answer == "" {
			plan.Answer = resp.Content
		}
		state.FinalAnswer = plan.Answer
		state.NextAction = ActionRespond
		return
	}

	state.Plan = plan.Plan
	state.PendingToolCalls = state.PendingToolCalls[:0]
	for _, tc := range plan.ToolCalls {
		if tc.Tool == "" {
			continue
		}
		input := tc.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		state.PendingToolCalls = append(state.PendingToolCalls, PendingToolCall{
			Tool:  tc.Tool,
			Input: input,
		})
	}
	if len(state.PendingToolCalls) == 0 {
		state.FinalAnswer = resp.Content
		state.NextAction = ActionRespond
		return
	}
	state.NextAction = ActionExecute
}

// buildSystemPrompt describes the available tools and splices in recalled
// memories when a memory service is configured.
func (p *Planner) buildSystemPrompt(ctx context.Context, state *AgentState) string {
	var sb strings.Builder
	sb.WriteString("You are a planning assistant. Decide whether tools are needed to answer the user.\n\n")
	sb.WriteString("Available tools:\n")
	for _, t := range p.tools {
		fmt.Fprintf(&sb, "- %s: %s\n  input schema: %s\n", t.Name(), t.Description(), string(t.InputSchema()))
	}
	sb.WriteString("\nRespond with JSON only, in one of two shapes:\n")
	sb.WriteString(`{"needs_tools": true, "reasoning": "...", "plan": ["step", ...], "tool_calls": [{"tool": "name", "input": {...}}, ...]}` + "\n")
	sb.WriteString(`{"needs_tools": false, "reasoning": "...", "answer": "..."}` + "\n")

	if p.memory != nil {
		memories, err := p.memory.RecallMemories(ctx, state.UserInput, p.assistantID, p.userID, memoryTopK)
		if err != nil {
			p.logger.Warn("memory recall failed", "error", err)
		} else if len(memories) > 0 {
			sb.WriteString("\nRelevant memories about this user:\n")
			var mc strings.Builder
			for _, m := range memories {
				fmt.Fprintf(&sb, "- [%s] %s\n", m.Type, m.Content)
				fmt.Fprintf(&mc, "[%s] %s\n", m.Type, m.Content)
			}
			state.MemoryContext = mc.String()
		}
	}
	return sb.String()
}

// --- reflector ---

// Reflector scores the gathered tool results and decides whether to
// respond, fetch more data, or replan.
type Reflector struct {
	provider         Provider
	model            string
	estimator        *CostEstimator
	qualityThreshold float64
	maxRetries       int
	logger           *slog.Logger
}

// ReflectorOption configures a Reflector.
type ReflectorOption func(*Reflector)

// ReflectorThreshold sets the minimum quality score for responding.
func ReflectorThreshold(score float64) ReflectorOption {
	return func(r *Reflector) { r.qualityThreshold = score }
}

// ReflectorMaxRetries bounds replan and re-execute loops.
func ReflectorMaxRetries(n int) ReflectorOption {
	return func(r *Reflector) { r.maxRetries = n }
}

// ReflectorLogger attaches a logger.
func ReflectorLogger(l *slog.Logger) ReflectorOption {
	return func(r *Reflector) { r.logger = l }
}

// NewReflector builds a reflector. provider may be nil; reflection then
// routes straight to respond.
func NewReflector(provider Provider, model string, estimator *CostEstimator, opts ...ReflectorOption) *Reflector {
	r := &Reflector{
		provider:         provider,
		model:            model,
		estimator:        estimator,
		qualityThreshold: DefaultReflectionThreshold,
		maxRetries:       DefaultPlanRetries,
		logger:           nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reflect evaluates the current tool results and sets the next action.
func (r *Reflector) Reflect(ctx context.Context, state *AgentState) {
	if r.provider == nil {
		state.NextAction = ActionRespond
		return
	}

	prompt := r.buildPrompt(state)
	resp, err := r.provider.Chat(ctx, ChatRequest{
		Model: r.model,
		Messages: []ChatMessage{
			SystemMessage("You evaluate whether gathered information answers the user. Respond with JSON only: " +
				`{"quality_score": 0-10, "has_enough_info": bool, "needs_different_approach": bool, "missing_info": "...", "next_tool_calls": [{"tool": "name", "input": {...}}], "reasoning": "..."}`),
			UserMessage(prompt),
		},
	})
	if err != nil {
		state.NextAction = ActionRespond
		r.logger.Warn("reflector call failed", "error", err)
		return
	}
	state.AddTokens("reflect", resp.Usage)
	if r.estimator != nil {
		state.CostSpentUSD += r.estimator.EstimateCost(r.model,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	var reflection Reflection
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &reflection); err != nil {
		state.NextAction = ActionRespond
		r.logger.Debug("reflection response was not JSON, responding with what we have")
		return
	}
	state.Reflections = append(state.Reflections, reflection)
	state.QualityScore = reflection.QualityScore

	switch {
	case reflection.HasEnoughInfo && reflection.QualityScore >= r.qualityThreshold:
		state.NextAction = ActionRespond
	case len(reflection.NextToolCalls) > 0 && state.PlanRetries < r.maxRetries:
		state.PendingToolCalls = reflection.NextToolCalls
		state.PlanRetries++
		state.NextAction = ActionExecute
	case reflection.NeedsDifferentApproach && state.PlanRetries < r.maxRetries:
		state.PlanRetries++
		state.NextAction = ActionPlan
	default:
		state.NextAction = ActionRespond
	}
}

// buildPrompt formats the user goal, the plan, and the tool results.
func (r *Reflector) buildPrompt(state *AgentState) string {
	var sb strings.Builder
	sb.WriteString("User request: ")
	sb.WriteString(state.UserInput)
	sb.WriteString("\n\nPlan:\n")
	for i, step := range state.Plan {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
	}
	sb.WriteString("\nTool results:\n")
	for _, rec := range state.ToolsUsed {
		status := "ok"
		if !rec.Success {
			status = "failed"
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", rec.ToolName, status,
			truncateStr(rec.Result, reflectionResultClip))
	}
	return sb.String()
}

// --- responder ---

// Responder composes the final answer from the plan, tool outputs, and the
// latest reflection. A pre-set FinalAnswer (direct answer or abort path) is
// used as-is, extended with partial results after an abort.
type Responder struct {
	provider  Provider
	model     string
	estimator *CostEstimator
	logger    *slog.Logger
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// ResponderLogger attaches a logger.
func ResponderLogger(l *slog.Logger) ResponderOption {
	return func(r *Responder) { r.logger = l }
}

// NewResponder builds a responder. provider may be nil; composition then
// falls back to concatenating tool outputs.
func NewResponder(provider Provider, model string, estimator *CostEstimator, opts ...ResponderOption) *Responder {
	r := &Responder{
		provider:  provider,
		model:     model,
		estimator: estimator,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Respond finalizes the run and marks the state done.
func (r *Responder) Respond(ctx context.Context, state *AgentState) {
	defer func() { state.NextAction = ActionDone }()

	if state.FinalAnswer != "" {
		if state.AbortReason != "" {
			if partial := partialResults(state); partial != "" {
				state.FinalAnswer += "\n\nPartial results gathered so far:\n" + partial
			}
		}
		return
	}

	if r.provider == nil {
		if partial := partialResults(state); partial != "" {
			state.FinalAnswer = partial
		} else {
			state.FinalAnswer = "I was unable to produce an answer."
		}
		return
	}

	resp, err := r.provider.Chat(ctx, ChatRequest{
		Model: r.model,
		Messages: []ChatMessage{
			SystemMessage("Compose a clear final answer for the user from the gathered information. Do not mention tools or internal steps."),
			UserMessage(r.buildPrompt(state)),
		},
	})
	if err != nil {
		r.logger.Warn("responder call failed", "error", err)
		if partial := partialResults(state); partial != "" {
			state.FinalAnswer = partial
		} else {
			state.FinalAnswer = "I was unable to produce an answer: " + err.Error()
		}
		return
	}
	state.AddTokens("respond", resp.Usage)
	if r.estimator != nil {
		state.CostSpentUSD += r.estimator.EstimateCost(r.model,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	state.FinalAnswer = resp.Content
}

// buildPrompt assembles the composition context for the final answer.
func (r *Responder) buildPrompt(state *AgentState) string {
	var sb strings.Builder
	sb.WriteString("User request: ")
	sb.WriteString(state.UserInput)
	if len(state.Plan) > 0 {
		sb.WriteString("\n\nPlan followed:\n")
		for i, step := range state.Plan {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
		}
	}
	if partial := partialResults(state); partial != "" {
		sb.WriteString("\nInformation gathered:\n")
		sb.WriteString(partial)
	}
	if n := len(state.Reflections); n > 0 {
		last := state.Reflections[n-1]
		fmt.Fprintf(&sb, "\nAssessment: %s (quality %.1f/10)\n", last.Reasoning, last.QualityScore)
	}
	if state.MemoryContext != "" {
		sb.WriteString("\nKnown about this user:\n")
		sb.WriteString(state.MemoryContext)
	}
	return sb.String()
}

// partialResults concatenates the successful tool outputs.
func partialResults(state *AgentState) string {
	var sb strings.Builder
	for _, rec := range state.ToolsUsed {
		if !rec.Success {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s\n", rec.ToolName, rec.Result)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// extractJSON finds the first JSON object in a string (handles code fences).
func extractJSON(input string) string {
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}
