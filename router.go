package mantle

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// DefaultKeywordConfidenceThreshold is the stage-1 confidence needed to
// route without consulting the LLM.
const DefaultKeywordConfidenceThreshold = 0.7

const (
	llmRouteConfidence      = 0.85
	fallbackRouteConfidence = 0.3
)

// handoffMarkers maps the literal tokens a specialist may emit to request
// a handoff. Matching is case-sensitive.
var handoffMarkers = map[string]SpecialistType{
	"NEED_RESEARCH": SpecialistResearch,
	"NEED_CODE":     SpecialistCode,
	"NEED_DATA":     SpecialistData,
}

// RouteDecision is the router's verdict for one message.
type RouteDecision struct {
	Specialist SpecialistType `json:"specialist"`
	Confidence float64        `json:"confidence"`
	Method     string         `json:"method"` // "keyword", "llm", "fallback"
}

// Router classifies a user message to a specialist. Stage 1 scores the
// specialists' priority keywords; stage 2, when an LLM is available and the
// keyword score is below the threshold, asks the model to pick.
type Router struct {
	specialists map[SpecialistType]SpecialistConfig
	provider    Provider
	model       string
	threshold   float64
	logger      *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// RouterLLM enables the stage-2 classifier.
func RouterLLM(p Provider, model string) RouterOption {
	return func(r *Router) {
		r.provider = p
		r.model = model
	}
}

// RouterThreshold overrides the stage-1 confidence threshold.
func RouterThreshold(t float64) RouterOption {
	return func(r *Router) { r.threshold = t }
}

// RouterLogger attaches a logger.
func RouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter builds a router over the available specialists.
func NewRouter(specialists map[SpecialistType]SpecialistConfig, opts ...RouterOption) *Router {
	r := &Router{
		specialists: specialists,
		threshold:   DefaultKeywordConfidenceThreshold,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route picks the specialist for a message.
func (r *Router) Route(ctx context.Context, input string) RouteDecision {
	best, ok := r.keywordRoute(input)
	if ok && best.Confidence >= r.threshold {
		r.logger.Debug("routed by keyword",
			"specialist", best.Specialist, "confidence", best.Confidence)
		return best
	}

	if r.provider != nil {
		if d, ok := r.llmRoute(ctx, input); ok {
			r.logger.Debug("routed by llm", "specialist", d.Specialist)
			return d
		}
	}

	if ok {
		best.Method = "fallback"
		return best
	}
	return RouteDecision{
		Specialist: SpecialistGeneral,
		Confidence: fallbackRouteConfidence,
		Method:     "fallback",
	}
}

// keywordRoute scores each non-general specialist by keyword hits in the
// lowercased input. Ties break by specialist name for determinism.
func (r *Router) keywordRoute(input string) (RouteDecision, bool) {
	lowered := strings.ToLower(input)

	types := make([]SpecialistType, 0, len(r.specialists))
	for t := range r.specialists {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var best RouteDecision
	var bestHits int
	for _, t := range types {
		if t == SpecialistGeneral {
			continue
		}
		var hits int
		for _, kw := range r.specialists[t].PriorityKeywords {
			if strings.Contains(lowered, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			confidence := 0.5 + float64(hits)*0.1
			if confidence > 0.9 {
				confidence = 0.9
			}
			best = RouteDecision{Specialist: t, Confidence: confidence, Method: "keyword"}
		}
	}
	return best, bestHits > 0
}

// llmRoute asks the model to name exactly one specialist.
func (r *Router) llmRoute(ctx context.Context, input string) (RouteDecision, bool) {
	resp, err := r.provider.Chat(ctx, ChatRequest{
		Model: r.model,
		Messages: []ChatMessage{
			SystemMessage("Classify the user message to one specialist. Respond with exactly one word: RESEARCH, CODE, DATA, or GENERAL."),
			UserMessage(input),
		},
	})
	if err != nil {
		r.logger.Warn("llm routing failed", "error", err)
		return RouteDecision{}, false
	}
	answer := strings.ToUpper(strings.TrimSpace(resp.Content))
	for _, t := range []SpecialistType{SpecialistResearch, SpecialistCode, SpecialistData, SpecialistGeneral} {
		if strings.Contains(answer, string(t)) {
			return RouteDecision{Specialist: t, Confidence: llmRouteConfidence, Method: "llm"}, true
		}
	}
	return RouteDecision{}, false
}

// ParseHandoff detects a handoff marker in a specialist's output. The
// returned string has every marker stripped; found reports whether any
// marker was present, and target names the first one encountered.
func ParseHandoff(output string) (target SpecialistType, cleaned string, found bool) {
	firstIdx := -1
	for marker, t := range handoffMarkers {
		idx := strings.Index(output, marker)
		if idx >= 0 && (firstIdx < 0 || idx < firstIdx) {
			firstIdx = idx
			target = t
			found = true
		}
	}
	cleaned = output
	for marker := range handoffMarkers {
		cleaned = strings.ReplaceAll(cleaned, marker, "")
	}
	cleaned = strings.TrimSpace(cleaned)
	return target, cleaned, found
}
