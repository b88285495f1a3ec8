// Package pythonexec provides a Python code-execution tool backed by the
// sandbox package.
package pythonexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mantle "github.com/ajisaka/mantle"
	"github.com/ajisaka/mantle/sandbox"
)

// Tool executes Python code in the configured sandbox.
type Tool struct {
	runner sandbox.Runner
}

var _ mantle.Tool = (*Tool)(nil)

// New creates a code-execution tool over the given runner.
func New(runner sandbox.Runner) *Tool {
	return &Tool{runner: runner}
}

func (t *Tool) Name() string { return "python_execute" }

func (t *Tool) Description() string {
	return "Execute Python code in a restricted sandbox. Only allowlisted standard-library modules are available; assign the final value to a variable named result."
}

func (t *Tool) SecurityLevel() mantle.SecurityLevel { return mantle.SecurityDangerous }

func (t *Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {"type": "string", "description": "Python source to run", "minLength": 1}
		},
		"required": ["code"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, &mantle.ErrUserInput{Tool: t.Name(), Reason: "invalid args: " + err.Error()}
	}

	result, err := t.runner.Run(ctx, params.Code)
	if err != nil {
		var verr *sandbox.ViolationError
		if errors.As(err, &verr) {
			return nil, &mantle.ErrSandboxViolation{Reason: verr.Reason}
		}
		return nil, fmt.Errorf("sandbox run: %w", err)
	}

	// The full Result goes back to the model; it carries stdout, the
	// return value, and the limit flags.
	return result, nil
}
