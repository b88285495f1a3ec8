package mantle

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventPlanning carries the planner's reasoning and plan steps.
	EventPlanning StreamEventType = "planning"
	// EventAgentAction signals a tool is about to be invoked.
	EventAgentAction StreamEventType = "agent_action"
	// EventAgentObservation carries the result of a completed tool call.
	EventAgentObservation StreamEventType = "agent_observation"
	// EventReflection carries the reflector's quality assessment.
	EventReflection StreamEventType = "reflection"
	// EventContentChunk carries one fixed-size segment of the final answer.
	EventContentChunk StreamEventType = "content_chunk"
	// EventTokenUsage carries the final per-stage token tallies.
	EventTokenUsage StreamEventType = "token_usage"
	// EventBudgetWarning carries a non-fatal budget warning.
	EventBudgetWarning StreamEventType = "budget_warning"
	// EventRouting reports the specialist chosen for a message (Orchestrator only).
	EventRouting StreamEventType = "routing"
	// EventSpecialistStart signals a specialist run has begun (Orchestrator only).
	EventSpecialistStart StreamEventType = "specialist_start"
	// EventHandoff signals control moved to another specialist (Orchestrator only).
	EventHandoff StreamEventType = "handoff"
	// EventCollaborationComplete carries the final CollaborationResult (Orchestrator only).
	EventCollaborationComplete StreamEventType = "collaboration_complete"
	// EventError reports a terminal failure.
	EventError StreamEventType = "error"
)

// StreamEvent is a typed event emitted during agent streaming. Events are
// delivered in node-execution order on the channel returned by
// StreamExecute.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// Name is the tool or specialist name, when the event concerns one.
	Name string `json:"name,omitempty"`
	// Content carries the event payload text: plan reasoning, tool result,
	// answer segment, or warning.
	Content string `json:"content,omitempty"`
	// Success is set on agent_observation events.
	Success bool `json:"success,omitempty"`
	// IsFinal marks the terminal content_chunk.
	IsFinal bool `json:"is_final,omitempty"`
	// TokenUsage carries the per-stage tallies on token_usage events.
	TokenUsage map[string]int `json:"token_usage,omitempty"`
}

// defaultChunkRunes is the content_chunk segment size.
const defaultChunkRunes = 200

// chunkContent segments text into fixed-size rune chunks, marking the last.
// Empty text still yields one final empty chunk so consumers always see a
// terminal marker.
func chunkContent(text string, size int) []StreamEvent {
	if size <= 0 {
		size = defaultChunkRunes
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return []StreamEvent{{Type: EventContentChunk, IsFinal: true}}
	}
	var events []StreamEvent
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		events = append(events, StreamEvent{
			Type:    EventContentChunk,
			Content: string(runes[start:end]),
			IsFinal: end == len(runes),
		})
	}
	return events
}
