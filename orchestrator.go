package mantle

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Orchestrator defaults.
const (
	// DefaultCollaborationMaxSteps caps specialist invocations per
	// collaboration.
	DefaultCollaborationMaxSteps = 8
	// DefaultCollaborationCostLimitUSD caps total spend per collaboration.
	DefaultCollaborationCostLimitUSD = 5.0
	// DefaultHandoffCostLimitUSD caps spend per individual specialist run.
	DefaultHandoffCostLimitUSD = 1.0
	// DefaultLoopDetectionWindow is the half-length W of the repeated-chain
	// check.
	DefaultLoopDetectionWindow = 4
)

// stepContextClip bounds each prior step's output spliced into the next
// specialist's prompt.
const stepContextClip = 500

// GraphBuilder constructs the single-agent graph for one specialist run.
// The orchestrator calls it once per step so each specialist gets its own
// tool allowlist and prompt suffix.
type GraphBuilder func(spec SpecialistConfig, assistant AssistantConfig) *Graph

// Orchestrator coordinates multiple specialists over one user message:
// route, run, parse handoff, repeat. Termination is success (no handoff),
// a detected loop, an exhausted budget, or the step cap.
type Orchestrator struct {
	router      *Router
	specialists map[SpecialistType]SpecialistConfig
	builder     GraphBuilder

	maxSteps     int
	costLimitUSD float64
	handoffCost  float64
	loopWindow   int

	tracer Tracer
	logger *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// OrchestratorMaxSteps caps specialist invocations per collaboration.
func OrchestratorMaxSteps(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// OrchestratorCostLimit caps total collaboration spend.
func OrchestratorCostLimit(usd float64) OrchestratorOption {
	return func(o *Orchestrator) {
		if usd > 0 {
			o.costLimitUSD = usd
		}
	}
}

// OrchestratorHandoffCost caps spend per specialist run.
func OrchestratorHandoffCost(usd float64) OrchestratorOption {
	return func(o *Orchestrator) {
		if usd > 0 {
			o.handoffCost = usd
		}
	}
}

// OrchestratorLoopWindow sets the repeated-chain half-length W.
func OrchestratorLoopWindow(w int) OrchestratorOption {
	return func(o *Orchestrator) {
		if w > 0 {
			o.loopWindow = w
		}
	}
}

// OrchestratorTracer attaches a Tracer; each collaboration and step
// becomes a span.
func OrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// OrchestratorLogger attaches a logger.
func OrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator builds an orchestrator over the specialist definitions.
// The router decides the first specialist; builder constructs a graph for
// each step.
func NewOrchestrator(router *Router, specialists map[SpecialistType]SpecialistConfig, builder GraphBuilder, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		router:       router,
		specialists:  specialists,
		builder:      builder,
		maxSteps:     DefaultCollaborationMaxSteps,
		costLimitUSD: DefaultCollaborationCostLimitUSD,
		handoffCost:  DefaultHandoffCostLimitUSD,
		loopWindow:   DefaultLoopDetectionWindow,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Collaborate runs the multi-agent loop to completion.
func (o *Orchestrator) Collaborate(ctx context.Context, input string, assistants map[SpecialistType]AssistantConfig) CollaborationResult {
	return o.run(ctx, input, assistants, nil)
}

// CollaborateStream runs the loop in a goroutine, emitting routing,
// specialist_start, handoff, and collaboration_complete events. The channel
// closes when the collaboration finishes.
func (o *Orchestrator) CollaborateStream(ctx context.Context, input string, assistants map[SpecialistType]AssistantConfig) <-chan StreamEvent {
	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		emit := func(ev StreamEvent) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		o.run(ctx, input, assistants, emit)
	}()
	return ch
}

func (o *Orchestrator) run(ctx context.Context, input string, assistants map[SpecialistType]AssistantConfig, emit func(StreamEvent)) CollaborationResult {
	start := time.Now()
	var span Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "orchestrator.collaborate")
		defer span.End()
	}

	decision := o.router.Route(ctx, input)
	if emit != nil {
		emit(StreamEvent{
			Type:    EventRouting,
			Name:    string(decision.Specialist),
			Content: fmt.Sprintf("method=%s confidence=%.2f", decision.Method, decision.Confidence),
		})
	}

	result := CollaborationResult{}
	current := decision.Specialist
	currentInput := input

	finish := func(r CollaborationResult) CollaborationResult {
		r.TotalDurationMS = time.Since(start).Milliseconds()
		if span != nil {
			span.SetAttr(
				IntAttr("collaboration.steps", len(r.Steps)),
				Float64Attr("collaboration.cost_usd", r.TotalCostUSD),
				BoolAttr("collaboration.success", r.Success),
			)
		}
		if emit != nil {
			emit(StreamEvent{Type: EventCollaborationComplete, Content: r.FinalOutput})
		}
		return r
	}
	fail := func(errType, msg string) CollaborationResult {
		result.Success = false
		result.Error = msg
		result.ErrorType = errType
		o.logger.Warn("collaboration failed", "error_type", errType, "error", msg)
		return finish(result)
	}

	for step := 1; ; step++ {
		result.AgentChain = append(result.AgentChain, current)

		if detectLoop(result.AgentChain, o.loopWindow) {
			return fail(ErrTypeLoopDetected,
				fmt.Sprintf("specialist loop detected in chain %v", result.AgentChain))
		}
		if result.TotalCostUSD >= o.costLimitUSD {
			return fail(ErrTypeBudgetExceeded,
				fmt.Sprintf("collaboration cost $%.4f reached the $%.4f limit",
					result.TotalCostUSD, o.costLimitUSD))
		}
		if step > o.maxSteps {
			return fail(ErrTypeMaxIterations,
				fmt.Sprintf("collaboration exceeded %d steps", o.maxSteps))
		}

		spec, assistant, ok := o.resolve(&current, assistants)
		if !ok {
			return fail(ErrTypeNoSpecialist,
				fmt.Sprintf("no assistant configured for %s or GENERAL", current))
		}
		if emit != nil {
			emit(StreamEvent{Type: EventSpecialistStart, Name: string(current)})
		}

		stepInput := o.buildStepContext(currentInput, result.Steps)
		assistant.CostLimitUSD = o.stepBudget(spec, result.TotalCostUSD)
		if spec.MaxIterations > 0 {
			assistant.MaxIterations = spec.MaxIterations
		}

		stepStart := time.Now()
		res, err := o.builder(spec, assistant).Execute(ctx, stepInput, ExecConfig(assistant))
		if err != nil {
			return fail(ErrTypeNoSpecialist, "specialist run failed: "+err.Error())
		}

		target, cleaned, handoff := ParseHandoff(res.Output)
		rec := CollaborationStep{
			StepNumber:     step,
			SpecialistType: current,
			InputContext:   truncateStr(stepInput, stepContextClip),
			Output:         cleaned,
			Iterations:     res.Iterations,
			CostUSD:        res.CostSpent,
			DurationMS:     time.Since(stepStart).Milliseconds(),
		}
		if handoff {
			rec.HandoffRequested = target
		}
		result.Steps = append(result.Steps, rec)
		result.TotalIterations += res.Iterations
		result.TotalCostUSD += res.CostSpent

		if handoff && o.canHandoff(spec, target, assistants) {
			o.logger.Info("specialist handoff",
				"from", current, "to", target, "step", step)
			if emit != nil {
				emit(StreamEvent{Type: EventHandoff, Name: string(target), Content: string(current)})
			}
			currentInput = input + "\n---\n" + cleaned
			current = target
			continue
		}

		result.Success = true
		result.FinalOutput = cleaned
		return finish(result)
	}
}

// resolve maps the specialist to its config and assistant, falling back to
// GENERAL when the requested type has no assistant.
func (o *Orchestrator) resolve(current *SpecialistType, assistants map[SpecialistType]AssistantConfig) (SpecialistConfig, AssistantConfig, bool) {
	if a, ok := assistants[*current]; ok {
		return o.specialists[*current], a, true
	}
	if a, ok := assistants[SpecialistGeneral]; ok {
		*current = SpecialistGeneral
		return o.specialists[SpecialistGeneral], a, true
	}
	return SpecialistConfig{}, AssistantConfig{}, false
}

// canHandoff checks the handoff target against the current specialist's
// allowlist and the available assistants.
func (o *Orchestrator) canHandoff(spec SpecialistConfig, target SpecialistType, assistants map[SpecialistType]AssistantConfig) bool {
	allowed := false
	for _, t := range spec.CanHandoffTo {
		if t == target {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	_, ok := assistants[target]
	return ok
}

// buildStepContext appends up to the last two steps' outputs to the input.
func (o *Orchestrator) buildStepContext(input string, steps []CollaborationStep) string {
	if len(steps) == 0 {
		return input
	}
	from := len(steps) - 2
	if from < 0 {
		from = 0
	}
	out := input + "\n\nPrevious findings:"
	for _, s := range steps[from:] {
		out += fmt.Sprintf("\n[%s] %s", s.SpecialistType, truncateStr(s.Output, stepContextClip))
	}
	return out
}

// stepBudget is the per-run cost cap: the minimum of the specialist's own
// limit, the per-handoff limit, and whatever global budget remains.
func (o *Orchestrator) stepBudget(spec SpecialistConfig, spent float64) float64 {
	budget := o.handoffCost
	if spec.CostLimitUSD > 0 && spec.CostLimitUSD < budget {
		budget = spec.CostLimitUSD
	}
	if remaining := o.costLimitUSD - spent; remaining < budget {
		budget = remaining
	}
	return budget
}

// detectLoop reports whether the agent chain shows a collaboration loop:
// an A,B,A oscillation in the last three entries, two identical
// window-length halves, or any specialist appearing three or more times in
// the last window.
func detectLoop(chain []SpecialistType, window int) bool {
	n := len(chain)

	if n >= 3 && chain[n-1] == chain[n-3] {
		return true
	}

	if n >= 2*window {
		tail := chain[n-2*window:]
		same := true
		for i := 0; i < window; i++ {
			if tail[i] != tail[window+i] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}

	if n >= window {
		counts := make(map[SpecialistType]int, window)
		for _, t := range chain[n-window:] {
			counts[t]++
			if counts[t] >= 3 {
				return true
			}
		}
	}
	return false
}
