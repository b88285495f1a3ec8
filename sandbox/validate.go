package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// allowedModules is the import allowlist; any module not listed here is
// rejected, top-level or dotted.
var allowedModules = map[string]bool{
	"math":         true,
	"json":         true,
	"datetime":     true,
	"re":           true,
	"collections":  true,
	"itertools":    true,
	"functools":    true,
	"statistics":   true,
	"decimal":      true,
	"csv":          true,
	"hashlib":      true,
	"base64":       true,
	"urllib.parse": true,
}

// dangerousBuiltins are callables that break out of the execution model.
var dangerousBuiltins = []string{
	"eval", "exec", "compile", "__import__", "open", "input",
	"breakpoint", "getattr", "setattr", "delattr",
}

// blockedDunders are attribute and subscript names used in common
// sandbox-escape chains.
var blockedDunders = []string{
	"__class__", "__bases__", "__subclasses__", "__mro__", "__globals__",
	"__code__", "__builtins__", "__import__", "__reduce__", "__reduce_ex__",
	"__getstate__", "__setstate__",
}

var (
	importLine = regexp.MustCompile(`^\s*import\s+(.+)$`)
	fromLine   = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)

	builtinCall = regexp.MustCompile(`(^|[^\w.])(` + strings.Join(dangerousBuiltins, "|") + `)\s*\(`)

	// Matches attribute access (x.__class__) and subscript access
	// (x["__class__"], x['__class__']) to the blocked dunders.
	dunderAccess = regexp.MustCompile(`(\.\s*|\[\s*["'])(` + strings.Join(blockedDunders, "|") + `)\b`)
)

// ViolationError is a static-validation failure. Code that fails
// validation never executes, in any mode.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string { return "sandbox violation: " + e.Reason }

// Validate scans Python source before execution: imports must be in the
// allowlist, dangerous builtins must not be called, and escape-prone
// dunder attributes must not be accessed. Comment lines are skipped;
// string-literal false positives are accepted as the conservative side.
func Validate(code string) error {
	for _, line := range strings.Split(code, "\n") {
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "#") {
			continue
		}
		if err := validateLine(line); err != nil {
			return err
		}
	}
	return nil
}

func validateLine(line string) error {
	if m := importLine.FindStringSubmatch(line); m != nil {
		for _, clause := range strings.Split(m[1], ",") {
			module := strings.TrimSpace(clause)
			// Strip "as alias" and trailing comments.
			if i := strings.Index(module, " as "); i >= 0 {
				module = module[:i]
			}
			if i := strings.Index(module, "#"); i >= 0 {
				module = strings.TrimSpace(module[:i])
			}
			if module == "" {
				continue
			}
			if !allowedModules[module] {
				return &ViolationError{Reason: fmt.Sprintf("Import of '%s' is not allowed", module)}
			}
		}
	}
	if m := fromLine.FindStringSubmatch(line); m != nil {
		if !allowedModules[m[1]] {
			return &ViolationError{Reason: fmt.Sprintf("Import of '%s' is not allowed", m[1])}
		}
	}
	if m := builtinCall.FindStringSubmatch(line); m != nil {
		return &ViolationError{Reason: fmt.Sprintf("Call to builtin '%s' is not allowed", m[2])}
	}
	if m := dunderAccess.FindStringSubmatch(line); m != nil {
		return &ViolationError{Reason: fmt.Sprintf("Access to '%s' is not allowed", m[2])}
	}
	return nil
}
