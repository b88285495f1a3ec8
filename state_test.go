package mantle

import (
	"context"
	"strings"
	"testing"
)

func TestBudgetIterationLimitAborts(t *testing.T) {
	b := NewBudgetChecker(nil)
	state := &AgentState{Iterations: 10, MaxIterations: 10}
	b.Check(context.Background(), state)

	if state.NextAction != ActionAbort {
		t.Fatalf("NextAction = %v, want abort", state.NextAction)
	}
	if !strings.HasPrefix(state.FinalAnswer, "I had to stop early: ") {
		t.Errorf("FinalAnswer = %q, want stop-early fallback", state.FinalAnswer)
	}
	if state.AbortReason == "" {
		t.Error("AbortReason not set")
	}
}

func TestBudgetCostLimitAborts(t *testing.T) {
	b := NewBudgetChecker(nil)
	state := &AgentState{CostLimitUSD: 1.0, CostSpentUSD: 1.2}
	b.Check(context.Background(), state)
	if state.NextAction != ActionAbort {
		t.Errorf("NextAction = %v, want abort", state.NextAction)
	}
}

func TestBudgetCostWarningNearLimit(t *testing.T) {
	b := NewBudgetChecker(nil)
	state := &AgentState{CostLimitUSD: 1.0, CostSpentUSD: 0.95}
	b.Check(context.Background(), state)

	if state.NextAction == ActionAbort {
		t.Fatal("aborted below the limit")
	}
	if len(state.Warnings) != 1 || !strings.Contains(state.Warnings[0], "approaching") {
		t.Errorf("Warnings = %v, want one approaching-limit warning", state.Warnings)
	}
}

func TestBudgetToolCallLimitAborts(t *testing.T) {
	b := NewBudgetChecker(nil)
	state := &AgentState{
		MaxToolCalls: 2,
		ToolsUsed:    []ToolCallRecord{{ToolName: "web_search"}, {ToolName: "file_read"}},
	}
	b.Check(context.Background(), state)
	if state.NextAction != ActionAbort {
		t.Errorf("NextAction = %v, want abort", state.NextAction)
	}
}

func TestBudgetRoutesPlanByDefault(t *testing.T) {
	b := NewBudgetChecker(nil)
	state := &AgentState{MaxIterations: 10}
	b.Check(context.Background(), state)

	if state.NextAction != ActionPlan {
		t.Errorf("NextAction = %v, want plan", state.NextAction)
	}
	if state.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", state.Iterations)
	}
}

func TestBudgetRoutesExecuteWhenCallsPending(t *testing.T) {
	b := NewBudgetChecker(nil)
	state := &AgentState{
		MaxIterations:    10,
		PendingToolCalls: []PendingToolCall{{Tool: "web_search"}},
	}
	b.Check(context.Background(), state)
	if state.NextAction != ActionExecute {
		t.Errorf("NextAction = %v, want execute", state.NextAction)
	}
}

func TestBudgetCompressesLongHistory(t *testing.T) {
	b := NewBudgetChecker(nil)
	state := &AgentState{TokenBudget: 100}
	for i := 0; i < 12; i++ {
		state.Messages = append(state.Messages,
			AssistantMessage(strings.Repeat("working notes on the task at hand ", 4)))
	}

	b.Check(context.Background(), state)

	// Summary message plus the retained tail.
	if got := len(state.Messages); got != compressionKeepLast+1 {
		t.Fatalf("len(Messages) = %d, want %d", got, compressionKeepLast+1)
	}
	head := state.Messages[0]
	if head.Role != "system" || !strings.Contains(head.Content, "Summary of earlier conversation:") {
		t.Errorf("head message = %+v, want synthetic summary", head)
	}
	if state.CompressionCount != 1 {
		t.Errorf("CompressionCount = %d, want 1", state.CompressionCount)
	}
	if state.CompressedHistory == "" {
		t.Error("CompressedHistory not recorded")
	}
}

func TestBudgetCompressionKeepsUserTurns(t *testing.T) {
	b := NewBudgetChecker(nil)
	state := &AgentState{TokenBudget: 100}
	state.Messages = append(state.Messages,
		UserMessage("find the quarterly revenue for ACME"))
	for i := 0; i < 11; i++ {
		state.Messages = append(state.Messages,
			AssistantMessage(strings.Repeat("working notes on the task at hand ", 4)))
	}

	b.Check(context.Background(), state)

	if state.CompressionCount != 1 {
		t.Fatal("history not compressed")
	}
	// Summary, the preserved user turn, then the retained tail.
	if got := len(state.Messages); got != compressionKeepLast+2 {
		t.Fatalf("len(Messages) = %d, want %d", got, compressionKeepLast+2)
	}
	if state.Messages[0].Role != "system" {
		t.Errorf("head role = %q, want system summary", state.Messages[0].Role)
	}
	turn := state.Messages[1]
	if turn.Role != "user" || turn.Content != "find the quarterly revenue for ACME" {
		t.Errorf("user turn not preserved verbatim: %+v", turn)
	}
	if strings.Contains(state.CompressedHistory, "quarterly revenue") {
		t.Errorf("user turn leaked into the summary: %q", state.CompressedHistory)
	}
}

func TestBudgetCompressionSkipsAllUserPrefix(t *testing.T) {
	b := NewBudgetChecker(nil)
	state := &AgentState{TokenBudget: 100}
	for i := 0; i < 12; i++ {
		state.Messages = append(state.Messages,
			UserMessage(strings.Repeat("chatter about the task at hand ", 4)))
	}

	b.Check(context.Background(), state)

	if state.CompressionCount != 0 {
		t.Errorf("CompressionCount = %d, want 0 when only user turns precede the tail", state.CompressionCount)
	}
	if got := len(state.Messages); got != 12 {
		t.Errorf("len(Messages) = %d, want 12 untouched", got)
	}
}

func TestBudgetCompressionUsesSummarizer(t *testing.T) {
	llm := &stubProvider{responses: []ChatResponse{{
		Content: "Earlier we gathered three search results.",
		Usage:   Usage{PromptTokens: 200, CompletionTokens: 20, TotalTokens: 220},
	}}}
	est := NewCostEstimator(nil)
	b := NewBudgetChecker(est, BudgetSummarizer(llm, "gpt-4o-mini"))

	state := &AgentState{TokenBudget: 100}
	for i := 0; i < 12; i++ {
		state.Messages = append(state.Messages,
			AssistantMessage(strings.Repeat("working notes on the task at hand ", 4)))
	}
	b.Check(context.Background(), state)

	if llm.callCount() != 1 {
		t.Fatalf("summarizer called %d times, want 1", llm.callCount())
	}
	if !strings.Contains(state.Messages[0].Content, "Earlier we gathered three search results.") {
		t.Errorf("summary not folded into history: %q", state.Messages[0].Content)
	}
	if state.CostSpentUSD <= 0 {
		t.Error("summarization cost not accounted")
	}
}

func TestBudgetCompressionFallsBackOnSummarizerError(t *testing.T) {
	llm := &stubProvider{errs: []error{&ErrRetryable{Message: "down"}}}
	b := NewBudgetChecker(nil, BudgetSummarizer(llm, "gpt-4o-mini"))

	state := &AgentState{TokenBudget: 100}
	for i := 0; i < 8; i++ {
		state.Messages = append(state.Messages,
			AssistantMessage(strings.Repeat("long enough to trip compression ", 4)))
	}
	b.Check(context.Background(), state)

	if state.CompressionCount != 1 {
		t.Fatal("history not compressed")
	}
	// Truncation fallback keeps one clipped line per summarized message.
	if !strings.Contains(state.CompressedHistory, "assistant: ") {
		t.Errorf("CompressedHistory = %q, want truncation lines", state.CompressedHistory)
	}
}

func TestBudgetShortHistoryNotCompressed(t *testing.T) {
	b := NewBudgetChecker(nil)
	state := &AgentState{TokenBudget: 1}
	state.Messages = []ChatMessage{UserMessage("hi"), UserMessage("there")}
	b.Check(context.Background(), state)
	if state.CompressionCount != 0 {
		t.Errorf("compressed a history shorter than the keep window")
	}
}
