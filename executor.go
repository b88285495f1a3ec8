package mantle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ToolPriority orders tool calls within one batch. Higher values dispatch
// first; ties keep the planner's order.
type ToolPriority int

const (
	PriorityLow ToolPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

const (
	// DefaultToolTimeout bounds a single tool invocation.
	DefaultToolTimeout = 30 * time.Second

	// DefaultToolRetries is the maximum number of attempts per call.
	DefaultToolRetries = 2

	// DefaultToolRetryDelay is the base backoff between attempts.
	DefaultToolRetryDelay = 500 * time.Millisecond
)

// toolRetryFragments classify a tool failure as transient when any of them
// appears in the lowercased error message.
var toolRetryFragments = []string{
	"timeout", "rate limit", "connection", "temporary", "retry", "503", "429",
}

// ToolExecutor runs a batch of pending tool calls in parallel under a
// bounded semaphore, applying the security gates (permission check, input
// filter, output filter) around every invocation. Results are written back
// to the AgentState as ToolCallRecords and synthetic assistant messages.
type ToolExecutor struct {
	tools      map[string]Tool
	priorities map[string]ToolPriority
	timeouts   map[string]time.Duration

	defaultTimeout time.Duration
	maxConcurrent  int64
	maxRetries     int
	retryDelay     time.Duration

	perms       *PermissionChecker
	user        User
	inputGuard  *InputGuard
	outputGuard *OutputGuard

	tracer Tracer
	logger *slog.Logger
}

// ExecutorOption configures a ToolExecutor.
type ExecutorOption func(*ToolExecutor)

// ExecutorMaxConcurrent bounds parallelism within one batch.
func ExecutorMaxConcurrent(n int) ExecutorOption {
	return func(e *ToolExecutor) {
		if n > 0 {
			e.maxConcurrent = int64(n)
		}
	}
}

// ExecutorTimeout sets the default per-call timeout.
func ExecutorTimeout(d time.Duration) ExecutorOption {
	return func(e *ToolExecutor) { e.defaultTimeout = d }
}

// ExecutorToolTimeout overrides the timeout for one tool by name.
func ExecutorToolTimeout(tool string, d time.Duration) ExecutorOption {
	return func(e *ToolExecutor) { e.timeouts[tool] = d }
}

// ExecutorPriority sets the dispatch priority for one tool by name.
// Unlisted tools run at PriorityNormal.
func ExecutorPriority(tool string, p ToolPriority) ExecutorOption {
	return func(e *ToolExecutor) { e.priorities[tool] = p }
}

// ExecutorRetries sets the maximum attempts per call and the base delay
// between them. The delay grows linearly with the attempt number.
func ExecutorRetries(maxAttempts int, delay time.Duration) ExecutorOption {
	return func(e *ToolExecutor) {
		if maxAttempts > 0 {
			e.maxRetries = maxAttempts
		}
		if delay > 0 {
			e.retryDelay = delay
		}
	}
}

// ExecutorPermissions installs the permission gate. Every call is checked
// as the given user before dispatch.
func ExecutorPermissions(p *PermissionChecker, user User) ExecutorOption {
	return func(e *ToolExecutor) {
		e.perms = p
		e.user = user
	}
}

// ExecutorInputGuard installs the content filter applied to tool inputs.
func ExecutorInputGuard(g *InputGuard) ExecutorOption {
	return func(e *ToolExecutor) { e.inputGuard = g }
}

// ExecutorOutputGuard installs the redaction and truncation filter applied
// to tool outputs.
func ExecutorOutputGuard(g *OutputGuard) ExecutorOption {
	return func(e *ToolExecutor) { e.outputGuard = g }
}

// ExecutorTracer attaches a Tracer; each tool call becomes a span.
func ExecutorTracer(t Tracer) ExecutorOption {
	return func(e *ToolExecutor) { e.tracer = t }
}

// ExecutorLogger attaches a logger for dispatch and failure events.
func ExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *ToolExecutor) { e.logger = l }
}

// NewToolExecutor builds an executor over the given instantiated tools.
func NewToolExecutor(tools []Tool, opts ...ExecutorOption) *ToolExecutor {
	e := &ToolExecutor{
		tools:          make(map[string]Tool, len(tools)),
		priorities:     make(map[string]ToolPriority),
		timeouts:       make(map[string]time.Duration),
		defaultTimeout: DefaultToolTimeout,
		maxConcurrent:  int64(DefaultMaxParallelTools),
		maxRetries:     DefaultToolRetries,
		retryDelay:     DefaultToolRetryDelay,
		outputGuard:    NewOutputGuard(),
		logger:         nopLogger,
	}
	for _, t := range tools {
		e.tools[t.Name()] = t
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// toolOutcome is the per-call result before it is folded into state.
type toolOutcome struct {
	record  ToolCallRecord
	message string
}

// ExecuteBatch runs state.PendingToolCalls, appends the records and result
// messages to state, clears the pending list, and advances NextAction to
// reflect. Calls beyond the remaining tool-call budget are dropped with a
// state warning. Within the batch calls run in parallel; the enclosing
// context cancels in-flight calls.
func (e *ToolExecutor) ExecuteBatch(ctx context.Context, state *AgentState) {
	calls := state.PendingToolCalls
	state.PendingToolCalls = nil
	state.NextAction = ActionReflect
	if len(calls) == 0 {
		return
	}

	if state.MaxToolCalls > 0 {
		remaining := state.MaxToolCalls - len(state.ToolsUsed)
		if remaining < 0 {
			remaining = 0
		}
		if len(calls) > remaining {
			dropped := len(calls) - remaining
			calls = calls[:remaining]
			state.Warnings = append(state.Warnings,
				fmt.Sprintf("dropped %d tool call(s) over the tool-call budget", dropped))
			e.logger.Warn("tool calls dropped over budget", "dropped", dropped)
		}
	}
	if len(calls) == 0 {
		return
	}

	ordered := make([]PendingToolCall, len(calls))
	copy(ordered, calls)
	sort.SliceStable(ordered, func(i, j int) bool {
		return e.priority(ordered[i].Tool) > e.priority(ordered[j].Tool)
	})

	sem := semaphore.NewWeighted(e.maxConcurrent)
	outcomes := make([]toolOutcome, len(ordered))
	var wg sync.WaitGroup
	for i, call := range ordered {
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = e.cancelledOutcome(call, err)
			continue
		}
		wg.Add(1)
		go func(i int, call PendingToolCall) {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[i] = e.runCall(ctx, call)
		}(i, call)
	}
	wg.Wait()

	var cost float64
	for _, o := range outcomes {
		state.ToolsUsed = append(state.ToolsUsed, o.record)
		state.Messages = append(state.Messages, AssistantMessage(o.message))
		cost += o.record.CostUSD
	}
	state.CostSpentUSD += cost
}

// runCall applies the gates and invokes one tool with timeout and retry.
func (e *ToolExecutor) runCall(ctx context.Context, call PendingToolCall) toolOutcome {
	start := time.Now()
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "tool."+call.Tool,
			StringAttr("tool.name", call.Tool))
		defer span.End()
	}

	record := ToolCallRecord{
		ToolName:  call.Tool,
		ToolInput: call.Input,
	}
	finish := func(result string, success bool, errType string) toolOutcome {
		record.DurationMS = time.Since(start).Milliseconds()
		record.Success = success
		record.ErrorType = errType
		if success && e.perms != nil {
			record.CostUSD = e.perms.CostPerCall(call.Tool)
		}
		if span != nil {
			span.SetAttr(
				BoolAttr("tool.success", success),
				IntAttr("tool.attempts", record.Attempts),
			)
			if !success {
				span.Error(errors.New(result))
			}
		}
		status := "success"
		if !success {
			status = "failed"
		}
		record.Result = result
		msg := fmt.Sprintf("[Tool Call: %s] Status: %s\n%s", call.Tool, status, result)
		return toolOutcome{record: record, message: msg}
	}

	tool, ok := e.tools[call.Tool]
	if !ok {
		return finish("unknown tool: "+call.Tool, false, "user_input")
	}

	if err := ValidateToolInput(tool, call.Input); err != nil {
		return finish(err.Error(), false, "user_input")
	}

	if e.perms != nil {
		decision := e.perms.CanUseTool(e.user, call.Tool)
		if !decision.Allowed {
			return finish("permission denied: "+decision.Reason, false, "permission_denied")
		}
	}

	input := call.Input
	if e.inputGuard != nil {
		verdict := e.inputGuard.Check(call.Tool, input)
		if !verdict.Allowed {
			return finish("input blocked: "+verdict.Reason, false, "input_blocked")
		}
		if verdict.Content != nil {
			input = verdict.Content
		}
	}

	result, attempts, err := e.invokeWithRetry(ctx, tool, input)
	record.Attempts = attempts
	if err != nil {
		e.logger.Warn("tool call failed",
			"tool", call.Tool, "attempts", attempts, "error", err)
		return finish(err.Error(), false, classifyToolError(err))
	}

	out := ResultString(result)
	if e.outputGuard != nil {
		cleaned, categories := e.outputGuard.Filter(call.Tool, out)
		out = cleaned
		if span != nil && len(categories) > 0 {
			span.SetAttr(StringAttr("tool.output_filtered", strings.Join(categories, ",")))
		}
	}
	return finish(out, true, "")
}

// invokeWithRetry runs the tool under the per-tool timeout, retrying
// transient failures up to the attempt cap with a linear backoff.
func (e *ToolExecutor) invokeWithRetry(ctx context.Context, tool Tool, input []byte) (any, int, error) {
	timeout := e.defaultTimeout
	if d, ok := e.timeouts[tool.Name()]; ok {
		timeout = d
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		result, err := tool.Execute(tctx, input)
		cancel()
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		if attempt == e.maxRetries || !toolErrRetryable(err) {
			return nil, attempt, err
		}
		if serr := sleepCtx(ctx, e.retryDelay*time.Duration(attempt)); serr != nil {
			return nil, attempt, serr
		}
	}
	return nil, e.maxRetries, lastErr
}

func (e *ToolExecutor) priority(tool string) ToolPriority {
	if p, ok := e.priorities[tool]; ok {
		return p
	}
	return PriorityNormal
}

// cancelledOutcome records a call that never dispatched because the batch
// context was cancelled while waiting for a semaphore slot.
func (e *ToolExecutor) cancelledOutcome(call PendingToolCall, err error) toolOutcome {
	record := ToolCallRecord{
		ToolName:  call.Tool,
		ToolInput: call.Input,
		Result:    err.Error(),
		Success:   false,
		ErrorType: "cancelled",
	}
	msg := fmt.Sprintf("[Tool Call: %s] Status: failed\n%s", call.Tool, err.Error())
	return toolOutcome{record: record, message: msg}
}

// toolErrRetryable reports whether a tool failure is worth another attempt.
// User-input and sandbox violations never retry.
func toolErrRetryable(err error) bool {
	if err == nil {
		return false
	}
	var userErr *ErrUserInput
	if errors.As(err, &userErr) {
		return false
	}
	var sandboxErr *ErrSandboxViolation
	if errors.As(err, &sandboxErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range toolRetryFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// classifyToolError maps a failure to the ToolCallRecord error type.
func classifyToolError(err error) string {
	var userErr *ErrUserInput
	var sandboxErr *ErrSandboxViolation
	var openErr *ErrCircuitOpen
	switch {
	case errors.As(err, &userErr):
		return "user_input"
	case errors.As(err, &sandboxErr):
		return "sandbox_violation"
	case errors.As(err, &openErr):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "tool_execution"
	}
}
