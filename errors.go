package mantle

import "fmt"

// ErrUserInput signals invalid tool input (schema mismatch) or a denial by
// the permission gate. Surfaced as a tool-level error message in the model
// transcript; the graph continues.
type ErrUserInput struct {
	Tool   string
	Reason string
}

func (e *ErrUserInput) Error() string {
	return fmt.Sprintf("invalid input for %s: %s", e.Tool, e.Reason)
}

// ErrRetryable marks an error as transient. The retry helpers and the tool
// executor treat wrapped ErrRetryable values as retry candidates.
type ErrRetryable struct {
	Message string
}

func (e *ErrRetryable) Error() string { return e.Message }

// ErrToolExecution is a terminal tool failure: retries exhausted or a
// non-retryable error. Included in the transcript as a failed status.
type ErrToolExecution struct {
	Tool    string
	Message string
}

func (e *ErrToolExecution) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// ErrCircuitOpen is returned by an open circuit breaker. Treated as a
// non-retryable tool failure in the current iteration; the tool is
// presented to the model as temporarily unavailable.
type ErrCircuitOpen struct {
	Key string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Key)
}

// ErrBudgetExceeded is raised by the budget checker when a hard cap is hit.
// The graph transitions to the abort + responder path.
type ErrBudgetExceeded struct {
	Reason string
}

func (e *ErrBudgetExceeded) Error() string { return e.Reason }

// ErrLoopDetected is raised by the orchestrator when the specialist chain
// matches a loop heuristic.
type ErrLoopDetected struct {
	Chain []SpecialistType
}

func (e *ErrLoopDetected) Error() string {
	return fmt.Sprintf("collaboration loop detected in chain %v", e.Chain)
}

// ErrSandboxViolation is a static-validation failure raised before any
// sandboxed process is spawned. Non-retryable.
type ErrSandboxViolation struct {
	Reason string
}

func (e *ErrSandboxViolation) Error() string { return e.Reason }

// ErrFatalInternal wraps an unexpected error inside a node. The run
// terminates with an apologetic response; the cause is recorded on the
// span and bubbles to the trace exporter.
type ErrFatalInternal struct {
	Node  string
	Cause error
}

func (e *ErrFatalInternal) Error() string {
	return fmt.Sprintf("internal error in node %s: %v", e.Node, e.Cause)
}

func (e *ErrFatalInternal) Unwrap() error { return e.Cause }
