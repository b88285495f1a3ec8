package mantle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ToolClass selects which input filter applies to a tool.
type ToolClass string

const (
	ClassNone   ToolClass = ""
	ClassPath   ToolClass = "path"
	ClassSQL    ToolClass = "sql"
	ClassCode   ToolClass = "code"
	ClassSearch ToolClass = "search"
)

// FilterVerdict is the outcome of an input or output gate.
type FilterVerdict struct {
	Allowed  bool
	Reason   string // set when rejected
	Warnings []string
	// Content is the (possibly rewritten) payload: truncated search
	// queries on input, redacted text on output.
	Content json.RawMessage
}

// SQL rejection rules: DDL, multi-statement separators, comment tokens,
// EXEC, and unqualified DELETE/UPDATE.
var (
	sqlDDL            = regexp.MustCompile(`(?i)\b(DROP|ALTER|CREATE|TRUNCATE)\b`)
	sqlMultiStatement = regexp.MustCompile(`;\s*\S`)
	sqlComment        = regexp.MustCompile(`(--|/\*|\*/|#)`)
	sqlExec           = regexp.MustCompile(`(?i)\bEXEC(UTE)?\b`)
	sqlDelete         = regexp.MustCompile(`(?i)\bDELETE\b`)
	sqlUpdate         = regexp.MustCompile(`(?i)\bUPDATE\b`)
	sqlWhere          = regexp.MustCompile(`(?i)\bWHERE\b`)
)

// pathTraversal catches ../ escapes before the containment check runs, so
// obviously hostile paths are rejected without touching the filesystem.
var pathTraversal = regexp.MustCompile(`(^|[/\\])\.\.([/\\]|$)`)

// dangerousImports trigger advisory warnings on code inputs. Hard blocking
// is the sandbox validator's job; the filter only annotates.
var dangerousImports = []string{"os", "sys", "subprocess", "socket", "shutil", "ctypes", "importlib"}

// defaultMaxQueryRunes is the truncation limit for search-tool queries.
const defaultMaxQueryRunes = 500

// InputGuard applies per-class rejection rules to tool inputs. Composed
// after the permission gate and before the sandbox on every invocation.
type InputGuard struct {
	classes       map[string]ToolClass
	allowedBases  []string
	maxQueryRunes int
	logger        *slog.Logger
}

// InputGuardOption configures an InputGuard.
type InputGuardOption func(*InputGuard)

// GuardToolClass assigns a filter class to a tool name.
func GuardToolClass(tool string, class ToolClass) InputGuardOption {
	return func(g *InputGuard) { g.classes[tool] = class }
}

// GuardAllowedBases sets the directory allowlist for path-class tools.
func GuardAllowedBases(bases ...string) InputGuardOption {
	return func(g *InputGuard) { g.allowedBases = append(g.allowedBases, bases...) }
}

// GuardMaxQueryLength overrides the search-query truncation limit.
func GuardMaxQueryLength(n int) InputGuardOption {
	return func(g *InputGuard) { g.maxQueryRunes = n }
}

// GuardLogger sets the structured logger for filter rejections.
func GuardLogger(l *slog.Logger) InputGuardOption {
	return func(g *InputGuard) { g.logger = l }
}

// NewInputGuard creates a guard with no class assignments; tools without a
// class pass through untouched.
func NewInputGuard(opts ...InputGuardOption) *InputGuard {
	g := &InputGuard{
		classes:       make(map[string]ToolClass),
		maxQueryRunes: defaultMaxQueryRunes,
		logger:        nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check runs the class-specific filter for toolName against input.
// NFKC-normalization is applied to the inspected fields first so unicode
// obfuscation does not slip past the regexes.
func (g *InputGuard) Check(toolName string, input json.RawMessage) FilterVerdict {
	class := g.classes[toolName]
	verdict := FilterVerdict{Allowed: true, Content: input}
	switch class {
	case ClassPath:
		verdict = g.checkPath(input)
	case ClassSQL:
		verdict = g.checkSQL(input)
	case ClassCode:
		verdict = g.checkCode(input)
	case ClassSearch:
		verdict = g.truncateQuery(input)
	}
	if !verdict.Allowed {
		g.logger.Warn("tool input rejected", "tool", toolName, "class", string(class), "reason", verdict.Reason)
	}
	return verdict
}

func (g *InputGuard) checkPath(input json.RawMessage) FilterVerdict {
	path := norm.NFKC.String(stringField(input, "path"))
	if path == "" {
		return FilterVerdict{Allowed: false, Reason: "missing path", Content: input}
	}
	if pathTraversal.MatchString(path) {
		return FilterVerdict{Allowed: false, Reason: "path traversal pattern rejected", Content: input}
	}
	if err := CheckPathContainment(path, g.allowedBases); err != nil {
		return FilterVerdict{Allowed: false, Reason: err.Error(), Content: input}
	}
	return FilterVerdict{Allowed: true, Content: input}
}

func (g *InputGuard) checkSQL(input json.RawMessage) FilterVerdict {
	query := stringField(input, "query")
	if query == "" {
		query = stringField(input, "sql")
	}
	q := norm.NFKC.String(query)
	switch {
	case sqlDDL.MatchString(q):
		return FilterVerdict{Allowed: false, Reason: "DDL statements are not permitted", Content: input}
	case sqlMultiStatement.MatchString(q):
		return FilterVerdict{Allowed: false, Reason: "multiple statements are not permitted", Content: input}
	case sqlComment.MatchString(q):
		return FilterVerdict{Allowed: false, Reason: "comment tokens are not permitted", Content: input}
	case sqlExec.MatchString(q):
		return FilterVerdict{Allowed: false, Reason: "EXEC is not permitted", Content: input}
	case (sqlDelete.MatchString(q) || sqlUpdate.MatchString(q)) && !sqlWhere.MatchString(q):
		return FilterVerdict{Allowed: false, Reason: "DELETE/UPDATE without WHERE is not permitted", Content: input}
	}
	return FilterVerdict{Allowed: true, Content: input}
}

func (g *InputGuard) checkCode(input json.RawMessage) FilterVerdict {
	code := stringField(input, "code")
	verdict := FilterVerdict{Allowed: true, Content: input}
	for _, mod := range dangerousImports {
		if regexp.MustCompile(`(?m)^\s*(import\s+` + mod + `\b|from\s+` + mod + `\b)`).MatchString(code) {
			verdict.Warnings = append(verdict.Warnings, "dangerous import: "+mod)
		}
	}
	return verdict
}

func (g *InputGuard) truncateQuery(input json.RawMessage) FilterVerdict {
	query := stringField(input, "query")
	runes := []rune(query)
	if len(runes) <= g.maxQueryRunes {
		return FilterVerdict{Allowed: true, Content: input}
	}
	rewritten, err := setStringField(input, "query", string(runes[:g.maxQueryRunes]))
	if err != nil {
		return FilterVerdict{Allowed: true, Content: input}
	}
	return FilterVerdict{
		Allowed:  true,
		Warnings: []string{fmt.Sprintf("query truncated to %d characters", g.maxQueryRunes)},
		Content:  rewritten,
	}
}

// CheckPathContainment verifies that path resolves inside one of the
// allowed bases. Symlinks are resolved and containment uses
// path-relative-to semantics, so "/allowedX" never matches a base of
// "/allowed".
func CheckPathContainment(path string, allowedBases []string) error {
	if len(allowedBases) == 0 {
		return fmt.Errorf("no allowed base directories configured")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	resolved := resolveSymlinks(abs)
	for _, base := range allowedBases {
		baseAbs, err := filepath.Abs(base)
		if err != nil {
			continue
		}
		baseResolved := resolveSymlinks(baseAbs)
		rel, err := filepath.Rel(baseResolved, resolved)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return nil
		}
	}
	return fmt.Errorf("path %q is outside the allowed directories", path)
}

// resolveSymlinks resolves p, falling back to resolving the nearest
// existing ancestor when p itself does not exist yet (write targets).
func resolveSymlinks(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	dir, file := filepath.Split(filepath.Clean(p))
	if dir == "" || dir == p {
		return p
	}
	return filepath.Join(resolveSymlinks(filepath.Clean(dir)), file)
}

// --- output gate ---

// defaultMaxOutputRunes caps tool output before it reaches the transcript.
const defaultMaxOutputRunes = 50_000

// OutputGuard scans tool results for credential and PII patterns,
// redacting matches and truncating overlong output. The matched categories
// surface as warnings on the containing span.
type OutputGuard struct {
	redactor *Redactor
	maxRunes int
	logger   *slog.Logger
}

// OutputGuardOption configures an OutputGuard.
type OutputGuardOption func(*OutputGuard)

// OutputMaxLength overrides the output truncation limit.
func OutputMaxLength(n int) OutputGuardOption {
	return func(g *OutputGuard) { g.maxRunes = n }
}

// OutputGuardLogger sets the structured logger.
func OutputGuardLogger(l *slog.Logger) OutputGuardOption {
	return func(g *OutputGuard) { g.logger = l }
}

// NewOutputGuard creates an output gate backed by the shared redactor.
func NewOutputGuard(opts ...OutputGuardOption) *OutputGuard {
	g := &OutputGuard{redactor: NewRedactor(), maxRunes: defaultMaxOutputRunes, logger: nopLogger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Filter redacts and truncates a tool result, returning the cleaned text
// and the matched redaction categories.
func (g *OutputGuard) Filter(toolName, output string) (string, []string) {
	cleaned, cats := g.redactor.RedactWithCategories(output)
	if runes := []rune(cleaned); len(runes) > g.maxRunes {
		cleaned = string(runes[:g.maxRunes]) + "\n[output truncated]"
		cats = append(cats, "truncated")
	}
	if len(cats) > 0 {
		g.logger.Info("tool output filtered", "tool", toolName, "categories", cats)
	}
	return cleaned, cats
}

// --- JSON field helpers ---

// stringField extracts a top-level string field from a JSON object.
// Returns "" when absent or mistyped.
func stringField(raw json.RawMessage, key string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(obj[key], &s); err != nil {
		return ""
	}
	return s
}

// setStringField rewrites a top-level string field in a JSON object.
func setStringField(raw json.RawMessage, key, value string) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	obj[key] = value
	return json.Marshal(obj)
}
