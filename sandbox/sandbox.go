// Package sandbox executes Python tool code under static validation and
// resource limits. Three modes are provided: Docker isolation for
// production, a resource-limited subprocess for development, and a
// disabled mode for trusted deployments. Static validation applies in
// every mode, including disabled.
package sandbox

import (
	"context"
	"fmt"
)

// Mode selects the isolation backend.
type Mode string

const (
	ModeDocker     Mode = "DOCKER"
	ModeSubprocess Mode = "SUBPROCESS"
	ModeDisabled   Mode = "DISABLED"
)

// Result is the outcome of one code execution.
type Result struct {
	Success         bool    `json:"success"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	ReturnValue     any     `json:"return_value,omitempty"`
	ExecutionTimeMS int64   `json:"execution_time_ms"`
	MemoryUsedMB    float64 `json:"memory_used_mb"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	WasTimeout      bool    `json:"was_timeout"`
	WasMemoryLimit  bool    `json:"was_memory_limit"`
}

// Runner executes validated Python code.
type Runner interface {
	Run(ctx context.Context, code string) (Result, error)
}

// New builds the runner for the given mode. Every runner validates code
// before execution.
func New(mode Mode, opts ...Option) (Runner, error) {
	switch mode {
	case ModeDocker:
		return NewDockerRunner(opts...)
	case ModeSubprocess:
		return NewSubprocessRunner(opts...), nil
	case ModeDisabled:
		// Trusted mode: same subprocess path without the memory cap.
		return NewSubprocessRunner(append(opts, WithMemoryLimitMB(0))...), nil
	default:
		return nil, fmt.Errorf("sandbox: unknown mode %q", mode)
	}
}
