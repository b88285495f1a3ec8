package mantle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SecurityLevel classifies how much damage a tool can do. The permission
// gate and the sandbox key their decisions off this.
type SecurityLevel string

const (
	SecuritySafe      SecurityLevel = "SAFE"
	SecurityModerate  SecurityLevel = "MODERATE"
	SecurityDangerous SecurityLevel = "DANGEROUS"
	SecurityCritical  SecurityLevel = "CRITICAL"
)

// Tool is one named agent capability. Implementations declare a JSON
// Schema for their input; the executor validates against it at the gate
// boundary before Execute runs.
type Tool interface {
	Name() string
	Description() string
	SecurityLevel() SecurityLevel
	// InputSchema returns a JSON Schema (draft-07 subset: type, properties,
	// required, enum, minimum, maximum, minLength, maxLength).
	InputSchema() json.RawMessage
	// Execute runs the tool. Structured return values are JSON-encoded
	// before being handed back to the model; see ResultString.
	Execute(ctx context.Context, input json.RawMessage) (any, error)
}

// ToolConfig is the per-invocation configuration handed to a tool factory
// (allowed paths, knowledge-base ids, endpoint URLs).
type ToolConfig map[string]any

// String returns the string value for key, or "" when absent or mistyped.
func (c ToolConfig) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// StringSlice returns the string-slice value for key. Accepts both
// []string and []any (the shape TOML/JSON decoding produces).
func (c ToolConfig) StringSlice(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ToolFactory builds a tool instance from per-invocation config.
type ToolFactory func(cfg ToolConfig) (Tool, error)

// ToolRegistry maps tool names to factories. Process-wide; populated at
// startup and read-mostly afterwards.
type ToolRegistry struct {
	mu        sync.RWMutex
	factories map[string]ToolFactory
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{factories: make(map[string]ToolFactory)}
}

// Register adds a factory under name. Duplicate names are rejected so a
// misconfigured startup fails loudly instead of shadowing a tool.
func (r *ToolRegistry) Register(name string, f ToolFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for init-time wiring; panics on duplicates.
func (r *ToolRegistry) MustRegister(name string, f ToolFactory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Create instantiates the named tool with the given config.
func (r *ToolRegistry) Create(name string, cfg ToolConfig) (Tool, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return f(cfg)
}

// Names returns all registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// --- input validation ---

// schemaCache holds compiled schemas keyed by their source text, so each
// tool's schema compiles once per process.
var schemaCache sync.Map

// ValidateToolInput checks input against the tool's declared JSON Schema.
// Returns *ErrUserInput on mismatch; the graph surfaces it in the
// transcript and continues.
func ValidateToolInput(t Tool, input json.RawMessage) error {
	schema := t.InputSchema()
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("tool %s: compile input schema: %w", t.Name(), err)
	}
	var decoded any
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, &decoded); err != nil {
		return &ErrUserInput{Tool: t.Name(), Reason: "input is not valid JSON: " + err.Error()}
	}
	if err := compiled.Validate(decoded); err != nil {
		return &ErrUserInput{Tool: t.Name(), Reason: err.Error()}
	}
	return nil
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ResultString converts a tool's return value to the string handed back to
// the model. Structured outputs are JSON-encoded.
func ResultString(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	case []byte:
		return string(r)
	case int:
		return strconv.Itoa(r)
	case int64:
		return strconv.FormatInt(r, 10)
	case float64:
		return strconv.FormatFloat(r, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(r)
	default:
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprintf("%v", r)
		}
		return string(data)
	}
}
