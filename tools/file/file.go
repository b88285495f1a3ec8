// Package file provides a read-only file tool restricted to configured
// base directories.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	mantle "github.com/ajisaka/mantle"
)

const maxReadRunes = 8000

// Tool reads files under the allowed base directories.
type Tool struct {
	allowedBases []string
}

var _ mantle.Tool = (*Tool)(nil)

// New creates a file tool restricted to the given bases.
func New(allowedBases ...string) *Tool {
	return &Tool{allowedBases: allowedBases}
}

// Factory builds the tool from registry config. Expects "allowed_paths".
func Factory(cfg mantle.ToolConfig) (mantle.Tool, error) {
	bases := cfg.StringSlice("allowed_paths")
	if len(bases) == 0 {
		return nil, fmt.Errorf("file tool: allowed_paths not configured")
	}
	return New(bases...), nil
}

func (t *Tool) Name() string { return "file_read" }

func (t *Tool) Description() string {
	return "Read a file from an allowed directory. Returns the file content, truncated if large."
}

func (t *Tool) SecurityLevel() mantle.SecurityLevel { return mantle.SecurityModerate }

func (t *Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path of the file to read", "minLength": 1}
		},
		"required": ["path"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, &mantle.ErrUserInput{Tool: t.Name(), Reason: "invalid args: " + err.Error()}
	}
	if err := mantle.CheckPathContainment(params.Path, t.allowedBases); err != nil {
		return nil, &mantle.ErrUserInput{Tool: t.Name(), Reason: err.Error()}
	}

	data, err := os.ReadFile(params.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", params.Path, err)
	}
	content := string(data)
	if runes := []rune(content); len(runes) > maxReadRunes {
		content = string(runes[:maxReadRunes]) + "\n... (truncated)"
	}
	return content, nil
}
