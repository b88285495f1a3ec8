package mantle

import "encoding/json"

// --- LLM protocol types ---

// ChatMessage is one turn in a model conversation.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

// ChatRequest is the input to Provider.Chat.
type ChatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

// ChatResponse is the output of Provider.Chat.
type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage carries provider-reported token counts for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

// --- Agent state ---

// NextAction is the conditional-edge selector read by the graph runner
// after each node completes.
type NextAction string

const (
	ActionPlan    NextAction = "plan"
	ActionExecute NextAction = "execute"
	ActionReflect NextAction = "reflect"
	ActionRespond NextAction = "respond"
	ActionAbort   NextAction = "abort"
	ActionDone    NextAction = "done"
)

// PendingToolCall is a tool invocation requested by the planner or
// reflector but not yet executed.
type PendingToolCall struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// ToolCallRecord is the immutable record of one completed tool call.
// Created by the executor; never mutated afterwards.
type ToolCallRecord struct {
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input"`
	Result     string          `json:"result"`
	Success    bool            `json:"success"`
	DurationMS int64           `json:"duration_ms"`
	Attempts   int             `json:"attempts"`
	ErrorType  string          `json:"error_type,omitempty"`
	CostUSD    float64         `json:"cost_usd"`
}

// Reflection is the structured output of one reflector pass.
type Reflection struct {
	QualityScore           float64           `json:"quality_score"`
	HasEnoughInfo          bool              `json:"has_enough_info"`
	NeedsDifferentApproach bool              `json:"needs_different_approach"`
	MissingInfo            string            `json:"missing_info,omitempty"`
	NextToolCalls          []PendingToolCall `json:"next_tool_calls,omitempty"`
	Reasoning              string            `json:"reasoning"`
}

// AgentState is the typed dataflow state for one single-agent graph
// execution. It is owned by one goroutine for the entire turn and never
// shared across turns. The JSON tags exist for checkpointing: the state is
// serialized as a single atomic write at node boundaries.
//
// Invariants maintained by the nodes: CostSpentUSD never exceeds
// CostLimitUSD at the start of a node; Iterations, CostSpentUSD,
// len(ToolsUsed), len(Reflections), and CompressionCount are monotonically
// non-decreasing; once NextAction is ActionAbort only the responder runs.
type AgentState struct {
	Messages         []ChatMessage     `json:"messages"`
	UserInput        string            `json:"user_input"`
	Plan             []string          `json:"plan,omitempty"`
	PendingToolCalls []PendingToolCall `json:"pending_tool_calls,omitempty"`
	ToolsUsed        []ToolCallRecord  `json:"tools_used,omitempty"`
	Reflections      []Reflection      `json:"reflections,omitempty"`
	QualityScore     float64           `json:"quality_score"`
	MemoryContext    string            `json:"memory_context,omitempty"`

	Iterations   int            `json:"iterations"`
	TokenUsage   map[string]int `json:"token_usage"` // stage → tokens
	CostSpentUSD float64        `json:"cost_spent_usd"`

	// Immutable caps, copied from the assistant config at turn start.
	MaxIterations    int     `json:"max_iterations"`
	MaxToolCalls     int     `json:"max_tool_calls"`
	CostLimitUSD     float64 `json:"cost_limit_usd"`
	TokenBudget      int     `json:"token_budget"`
	MaxParallelTools int     `json:"max_parallel_tools"`

	CompressedHistory string `json:"compressed_history,omitempty"`
	CompressionCount  int    `json:"compression_count"`

	NextAction  NextAction `json:"next_action"`
	AbortReason string     `json:"abort_reason,omitempty"`
	FinalAnswer string     `json:"final_answer,omitempty"`

	// PlanRetries counts planner re-entries triggered by the reflector.
	PlanRetries int `json:"plan_retries"`
	// Warnings collects non-fatal budget warnings attached by the checker.
	Warnings []string `json:"warnings,omitempty"`
}

// AddTokens records token usage for a named stage ("plan", "reflect",
// "respond", "compress") and keeps the per-stage map allocated lazily.
func (s *AgentState) AddTokens(stage string, u Usage) {
	if s.TokenUsage == nil {
		s.TokenUsage = make(map[string]int)
	}
	s.TokenUsage[stage] += u.TotalTokens
}

// TotalTokens returns the sum of all per-stage token usage.
func (s *AgentState) TotalTokens() int {
	var n int
	for _, v := range s.TokenUsage {
		n += v
	}
	return n
}

// --- Assistant configuration ---

// AssistantConfig bundles a model, prompt additions, a tool allowlist, and
// budget caps for a single-agent execution. Immutable once created.
type AssistantConfig struct {
	ID                  string         `json:"id"`
	Model               string         `json:"model"`
	Temperature         float64        `json:"temperature"`
	SystemPrompt        string         `json:"system_prompt,omitempty"`
	TokenBudget         int            `json:"token_budget"`
	MaxIterations       int            `json:"max_iterations"`
	MaxToolCalls        int            `json:"max_tool_calls"`
	CostLimitUSD        float64        `json:"cost_limit_usd"`
	MaxParallelTools    int            `json:"max_parallel_tools"`
	EnablePlanning      bool           `json:"enable_planning"`
	EnableReflection    bool           `json:"enable_reflection"`
	ReflectionThreshold float64        `json:"reflection_threshold"`
	EnabledTools        []string       `json:"enabled_tools"`
	ToolConfig          map[string]any `json:"tool_config,omitempty"`
}

// Default caps applied when an AssistantConfig leaves a field zero.
const (
	DefaultMaxIterations       = 10
	DefaultMaxToolCalls        = 15
	DefaultCostLimitUSD        = 1.0
	DefaultTokenBudget         = 100_000
	DefaultMaxParallelTools    = 3
	DefaultReflectionThreshold = 7.0
)

// withDefaults returns a copy with zero-valued caps replaced by defaults.
func (c AssistantConfig) withDefaults() AssistantConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = DefaultMaxToolCalls
	}
	if c.CostLimitUSD <= 0 {
		c.CostLimitUSD = DefaultCostLimitUSD
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = DefaultTokenBudget
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = DefaultMaxParallelTools
	}
	if c.ReflectionThreshold <= 0 {
		c.ReflectionThreshold = DefaultReflectionThreshold
	}
	return c
}

// --- Execution results ---

// ExecuteResult is the blocking-mode output of a single-agent execution.
type ExecuteResult struct {
	Output     string           `json:"output"`
	Iterations int              `json:"iterations"`
	TokenUsage map[string]int   `json:"token_usage"`
	CostSpent  float64          `json:"cost_spent"`
	ToolsUsed  []ToolCallRecord `json:"tools_used"`
}

// --- Multi-agent types ---

// SpecialistType labels an assistant with a functional role used by the
// orchestrator's router.
type SpecialistType string

const (
	SpecialistResearch SpecialistType = "RESEARCH"
	SpecialistCode     SpecialistType = "CODE"
	SpecialistData     SpecialistType = "DATA"
	SpecialistGeneral  SpecialistType = "GENERAL"
)

// SpecialistConfig describes one specialist: its tool allowlist, prompt
// suffix, budgets, permitted handoff targets, and routing keywords.
// Immutable once created.
type SpecialistConfig struct {
	Type               SpecialistType   `json:"type"`
	AllowedTools       []string         `json:"allowed_tools"`
	SystemPromptSuffix string           `json:"system_prompt_suffix,omitempty"`
	MaxIterations      int              `json:"max_iterations"`
	CostLimitUSD       float64          `json:"cost_limit_usd"`
	CanHandoffTo       []SpecialistType `json:"can_handoff_to,omitempty"`
	PriorityKeywords   []string         `json:"priority_keywords,omitempty"`
}

// CollaborationStep records one specialist invocation inside a
// multi-agent collaboration. Appended by the orchestrator; never mutated.
type CollaborationStep struct {
	StepNumber       int            `json:"step_number"`
	SpecialistType   SpecialistType `json:"specialist_type"`
	InputContext     string         `json:"input_context"`
	Output           string         `json:"output"`
	Iterations       int            `json:"iterations"`
	CostUSD          float64        `json:"cost_usd"`
	DurationMS       int64          `json:"duration_ms"`
	HandoffRequested SpecialistType `json:"handoff_requested,omitempty"`
}

// CollaborationResult is the outcome of a multi-agent collaboration.
type CollaborationResult struct {
	Success         bool                `json:"success"`
	FinalOutput     string              `json:"final_output"`
	Steps           []CollaborationStep `json:"steps"`
	TotalIterations int                 `json:"total_iterations"`
	TotalCostUSD    float64             `json:"total_cost_usd"`
	TotalDurationMS int64               `json:"total_duration_ms"`
	AgentChain      []SpecialistType    `json:"agent_chain"`
	Error           string              `json:"error,omitempty"`
	ErrorType       string              `json:"error_type,omitempty"`
}

// Orchestrator error_type values.
const (
	ErrTypeLoopDetected   = "LOOP_DETECTED"
	ErrTypeBudgetExceeded = "BUDGET_EXCEEDED"
	ErrTypeMaxIterations  = "MAX_ITERATIONS"
	ErrTypeNoSpecialist   = "NO_SPECIALIST"
)
