package mantle

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRegistryRegisterAndCreate(t *testing.T) {
	r := NewToolRegistry()
	err := r.Register("echo", func(cfg ToolConfig) (Tool, error) {
		return &stubTool{name: "echo"}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tool, err := r.Create("echo", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tool.Name() != "echo" {
		t.Errorf("Name = %q", tool.Name())
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewToolRegistry()
	f := func(cfg ToolConfig) (Tool, error) { return &stubTool{name: "echo"}, nil }
	if err := r.Register("echo", f); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register("echo", f); err == nil {
		t.Error("duplicate Register accepted")
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	if _, err := r.Create("nope", nil); err == nil {
		t.Error("Create on unknown name succeeded")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewToolRegistry()
	f := func(cfg ToolConfig) (Tool, error) { return &stubTool{}, nil }
	r.MustRegister("web_search", f)
	r.MustRegister("file_read", f)
	r.MustRegister("python_execute", f)

	got := r.Names()
	want := []string{"file_read", "python_execute", "web_search"}
	if len(got) != len(want) {
		t.Fatalf("Names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestToolConfigAccessors(t *testing.T) {
	cfg := ToolConfig{
		"endpoint": "http://localhost:9200",
		"paths":    []any{"/tmp", "/data", 42},
		"typed":    []string{"/srv"},
	}
	if got := cfg.String("endpoint"); got != "http://localhost:9200" {
		t.Errorf("String = %q", got)
	}
	if got := cfg.String("missing"); got != "" {
		t.Errorf("String on missing key = %q", got)
	}
	if got := cfg.StringSlice("paths"); len(got) != 2 || got[0] != "/tmp" || got[1] != "/data" {
		t.Errorf("StringSlice from []any = %v", got)
	}
	if got := cfg.StringSlice("typed"); len(got) != 1 || got[0] != "/srv" {
		t.Errorf("StringSlice from []string = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Input validation
// ---------------------------------------------------------------------------

func TestValidateToolInput(t *testing.T) {
	tool := &stubTool{
		name: "web_search",
		schema: `{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"count": {"type": "integer", "minimum": 1, "maximum": 20}
			},
			"required": ["query"]
		}`,
	}

	if err := ValidateToolInput(tool, rawInput(t, map[string]any{"query": "golang", "count": 5})); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}

	var userErr *ErrUserInput
	if err := ValidateToolInput(tool, rawInput(t, map[string]any{"count": 5})); !errors.As(err, &userErr) {
		t.Errorf("missing required field: got %v, want ErrUserInput", err)
	}
	if err := ValidateToolInput(tool, rawInput(t, map[string]any{"query": "x", "count": 99})); !errors.As(err, &userErr) {
		t.Errorf("out-of-range field: got %v, want ErrUserInput", err)
	}
	if err := ValidateToolInput(tool, json.RawMessage(`{not json`)); !errors.As(err, &userErr) {
		t.Errorf("malformed JSON: got %v, want ErrUserInput", err)
	}
}

func TestValidateToolInputOpenObjectSchema(t *testing.T) {
	tool := &stubTool{name: "free_form", schema: `{"type":"object"}`}
	if err := ValidateToolInput(tool, json.RawMessage(`{"whatever": true}`)); err != nil {
		t.Errorf("open object schema rejected input: %v", err)
	}
}

func TestValidateToolInputEmptyInputDefaultsToObject(t *testing.T) {
	tool := &stubTool{name: "no_args", schema: `{"type":"object"}`}
	if err := ValidateToolInput(tool, nil); err != nil {
		t.Errorf("nil input rejected: %v", err)
	}
}

func TestResultString(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"plain", "plain"},
		{[]byte("bytes"), "bytes"},
		{42, "42"},
		{int64(7), "7"},
		{3.5, "3.5"},
		{true, "true"},
		{map[string]int{"a": 1}, `{"a":1}`},
	}
	for _, tt := range tests {
		if got := ResultString(tt.in); got != tt.want {
			t.Errorf("ResultString(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
