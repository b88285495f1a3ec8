package mantle

import (
	"regexp"
	"strings"
)

// redactRule pairs a detection regex with its typed placeholder.
type redactRule struct {
	category string
	re       *regexp.Regexp
	repl     string
}

// Order matters: structured credentials run before generic PII so a JWT is
// tagged as a token rather than three base64 words.
var redactRules = []redactRule{
	{"aws_key", regexp.MustCompile(`AKIA[A-Z0-9]{16}`), "[REDACTED_AWS_KEY]"},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), "[REDACTED_JWT]"},
	{"bearer", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`), "[REDACTED_BEARER]"},
	{"credential", regexp.MustCompile(`(?i)(password|passwd|api[_-]?key|secret|access[_-]?token)\s*[=:]\s*\S+`), "[REDACTED_CREDENTIAL]"},
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[REDACTED_EMAIL]"},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_SSN]"},
	{"credit_card", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "[REDACTED_CARD]"},
	{"phone", regexp.MustCompile(`\+?\d{1,3}[-. (]?\d{3}[-. )]?\d{3}[-. ]?\d{4}\b`), "[REDACTED_PHONE]"},
	{"ip", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[REDACTED_IP]"},
}

// sensitiveKeys are mapping keys whose values are replaced wholesale
// during recursive redaction, regardless of the value's shape.
var sensitiveKeys = map[string]bool{
	"password": true, "passwd": true, "secret": true, "token": true,
	"api_key": true, "apikey": true, "access_token": true, "refresh_token": true,
	"ssn": true, "credit_card": true, "card_number": true, "cvv": true,
	"pin": true, "authorization": true, "private_key": true,
}

// maxRedactDepth bounds recursive redaction; cycles in nested structures
// are broken by the depth limit.
const maxRedactDepth = 10

// Redactor scrubs credential and PII patterns from strings and nested
// structures. It runs before every span-attribute emission and inside the
// tool output gate. Safe for concurrent use (no mutable state).
type Redactor struct{}

// NewRedactor creates a Redactor.
func NewRedactor() *Redactor { return &Redactor{} }

// Redact replaces every redactable pattern in s with its typed placeholder.
func (r *Redactor) Redact(s string) string {
	for _, rule := range redactRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}

// RedactWithCategories is Redact plus the set of matched categories, for
// gate verdicts that report what was scrubbed.
func (r *Redactor) RedactWithCategories(s string) (string, []string) {
	var cats []string
	for _, rule := range redactRules {
		if rule.re.MatchString(s) {
			cats = append(cats, rule.category)
			s = rule.re.ReplaceAllString(s, rule.repl)
		}
	}
	return s, cats
}

// RedactValue recursively redacts a decoded JSON-like value: strings are
// pattern-scrubbed, map values under sensitive keys (case-insensitive) are
// replaced with "[REDACTED]", and nesting beyond maxRedactDepth is
// truncated to a marker.
func (r *Redactor) RedactValue(v any) any {
	return r.redactValue(v, 0)
}

func (r *Redactor) redactValue(v any, depth int) any {
	if depth > maxRedactDepth {
		return "[REDACTED_DEPTH]"
	}
	switch val := v.(type) {
	case string:
		return r.Redact(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if sensitiveKeys[strings.ToLower(k)] {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = r.redactValue(item, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item, depth+1)
		}
		return out
	default:
		return v
	}
}

// ContainsRedactable reports whether s still matches any redaction rule.
// Used by tests to assert redaction completeness on exported attributes.
func (r *Redactor) ContainsRedactable(s string) bool {
	for _, rule := range redactRules {
		if rule.re.MatchString(s) {
			return true
		}
	}
	return false
}
