package mantle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// compressionKeepLast is the number of recent messages kept verbatim when
// the conversation history is compressed.
const compressionKeepLast = 5

// compressionTrigger is the fraction of the token budget at which the
// history is compressed.
const compressionTrigger = 0.8

// costWarnFraction is the fraction of the cost limit at which a non-fatal
// warning is attached to state.
const costWarnFraction = 0.9

// BudgetChecker enforces the iteration, cost, tool-call, and token budgets
// at the start of every graph iteration. When the estimated token usage
// crosses the trigger fraction it compresses older history into a single
// synthetic system message.
type BudgetChecker struct {
	provider  Provider
	model     string
	estimator *CostEstimator
	logger    *slog.Logger
}

// BudgetOption configures a BudgetChecker.
type BudgetOption func(*BudgetChecker)

// BudgetSummarizer lets the checker summarize compressed history with an
// LLM instead of the deterministic truncation fallback.
func BudgetSummarizer(p Provider, model string) BudgetOption {
	return func(b *BudgetChecker) {
		b.provider = p
		b.model = model
	}
}

// BudgetLogger attaches a logger for abort and compression events.
func BudgetLogger(l *slog.Logger) BudgetOption {
	return func(b *BudgetChecker) { b.logger = l }
}

// NewBudgetChecker builds a checker. The estimator prices summarization
// calls; pass nil to skip cost accounting for them.
func NewBudgetChecker(estimator *CostEstimator, opts ...BudgetOption) *BudgetChecker {
	b := &BudgetChecker{
		estimator: estimator,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Check runs the budget gates in order and advances the iteration counter.
// On a hard limit it sets NextAction to abort with a fallback final answer;
// otherwise it routes to plan or execute.
func (b *BudgetChecker) Check(ctx context.Context, state *AgentState) {
	if state.MaxIterations > 0 && state.Iterations >= state.MaxIterations {
		b.abort(state, fmt.Sprintf("reached the iteration limit (%d)", state.MaxIterations))
		return
	}
	if state.CostLimitUSD > 0 && state.CostSpentUSD >= state.CostLimitUSD {
		b.abort(state, fmt.Sprintf("reached the cost limit ($%.4f of $%.4f)",
			state.CostSpentUSD, state.CostLimitUSD))
		return
	}
	if state.CostLimitUSD > 0 && state.CostSpentUSD >= costWarnFraction*state.CostLimitUSD {
		state.Warnings = append(state.Warnings,
			fmt.Sprintf("cost at $%.4f, approaching the $%.4f limit",
				state.CostSpentUSD, state.CostLimitUSD))
	}
	if state.MaxToolCalls > 0 && len(state.ToolsUsed) >= state.MaxToolCalls {
		b.abort(state, fmt.Sprintf("reached the tool-call limit (%d)", state.MaxToolCalls))
		return
	}

	if state.TokenBudget > 0 {
		used := estimateMessagesTokens(state.Messages)
		if float64(used) > compressionTrigger*float64(state.TokenBudget) {
			b.compress(ctx, state)
		}
	}

	state.Iterations++

	if state.NextAction == "" || state.NextAction == ActionPlan || state.NextAction == ActionExecute {
		switch {
		case len(state.PendingToolCalls) > 0:
			state.NextAction = ActionExecute
		default:
			state.NextAction = ActionPlan
		}
	}
}

// abort stops the run, recording the reason and a fallback answer the
// responder can extend with partial results.
func (b *BudgetChecker) abort(state *AgentState, reason string) {
	state.NextAction = ActionAbort
	state.AbortReason = reason
	if state.FinalAnswer == "" {
		state.FinalAnswer = "I had to stop early: " + reason + "."
	}
	b.logger.Warn("agent run aborted", "reason", reason, "iterations", state.Iterations)
}

// compress folds the system and assistant messages before the last few
// into one synthetic system summary, LLM-written when a provider is
// configured. User turns in the older prefix are kept verbatim, in order.
func (b *BudgetChecker) compress(ctx context.Context, state *AgentState) {
	if len(state.Messages) <= compressionKeepLast {
		return
	}
	older := state.Messages[:len(state.Messages)-compressionKeepLast]
	recent := state.Messages[len(state.Messages)-compressionKeepLast:]

	var kept, summarizable []ChatMessage
	for _, m := range older {
		if m.Role == "user" {
			kept = append(kept, m)
		} else {
			summarizable = append(summarizable, m)
		}
	}
	if len(summarizable) == 0 {
		return
	}

	summary := b.summarize(ctx, state, summarizable)
	compressed := make([]ChatMessage, 0, len(kept)+compressionKeepLast+1)
	compressed = append(compressed, SystemMessage("Summary of earlier conversation:\n"+summary))
	compressed = append(compressed, kept...)
	compressed = append(compressed, recent...)
	state.Messages = compressed
	state.CompressedHistory = summary
	state.CompressionCount++
	b.logger.Info("conversation history compressed",
		"summarized", len(summarizable), "kept_user_turns", len(kept),
		"compressions", state.CompressionCount)
}

// summarize produces the replacement text for the dropped messages.
func (b *BudgetChecker) summarize(ctx context.Context, state *AgentState, older []ChatMessage) string {
	if b.provider == nil {
		return truncationSummary(older)
	}

	var sb strings.Builder
	for _, m := range older {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	resp, err := b.provider.Chat(ctx, ChatRequest{
		Model: b.model,
		Messages: []ChatMessage{
			SystemMessage("Summarize the following conversation in a few sentences, keeping facts, decisions, and tool results."),
			UserMessage(sb.String()),
		},
	})
	if err != nil {
		b.logger.Warn("history summarization failed, falling back to truncation", "error", err)
		return truncationSummary(older)
	}
	state.AddTokens("compression", resp.Usage)
	if b.estimator != nil {
		state.CostSpentUSD += b.estimator.EstimateCost(b.model,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	return resp.Content
}

// truncationSummary is the deterministic fallback: one line per message,
// each clipped short.
func truncationSummary(older []ChatMessage) string {
	const perMessage = 120
	lines := make([]string, 0, len(older))
	for _, m := range older {
		lines = append(lines, m.Role+": "+truncateStr(m.Content, perMessage))
	}
	return strings.Join(lines, "\n")
}
