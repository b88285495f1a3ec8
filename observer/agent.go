package observer

import (
	"context"
	"time"

	mantle "github.com/ajisaka/mantle"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	mantlelog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedGraph wraps a graph to emit an agent_execution span around each
// Execute call. The span is the parent of all inner node, LLM, and tool
// spans via context propagation.
type ObservedGraph struct {
	inner          *mantle.Graph
	inst           *Instruments
	assistantID    string
	userID         string
	conversationID string
}

// GraphIdentity carries the ids stamped on agent_execution spans.
type GraphIdentity struct {
	AssistantID    string
	UserID         string
	ConversationID string
}

// WrapGraph returns an instrumented graph.
func WrapGraph(inner *mantle.Graph, id GraphIdentity, inst *Instruments) *ObservedGraph {
	return &ObservedGraph{
		inner:          inner,
		inst:           inst,
		assistantID:    id.AssistantID,
		userID:         id.UserID,
		conversationID: id.ConversationID,
	}
}

// Execute runs the wrapped graph and emits lifecycle telemetry.
func (o *ObservedGraph) Execute(ctx context.Context, userInput string, opts ...mantle.ExecOption) (mantle.ExecuteResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "agent_execution", trace.WithAttributes(
		AttrAssistantID.String(o.assistantID),
		AttrUserID.String(o.userID),
		AttrConversationID.String(o.conversationID),
		AttrInputPreview.String(o.inst.scrub(preview(userInput))),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, userInput, opts...)

	durationMs := float64(time.Since(start).Milliseconds())
	success := err == nil
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.inst.Errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error_type", "agent_execution"),
		))
	}

	tokens := 0
	for _, n := range result.TokenUsage {
		tokens += n
	}

	span.SetAttributes(
		AttrOutputPreview.String(o.inst.scrub(preview(result.Output))),
		AttrLatencyMS.Float64(durationMs),
		AttrIterations.Int(result.Iterations),
		AttrCostUSD.Float64(result.CostSpent),
		AttrTokensUsed.Int(tokens),
		AttrToolsUsedCount.Int(len(result.ToolsUsed)),
		AttrSuccess.Bool(success),
	)

	assistantAttrs := metric.WithAttributes(AttrAssistantID.String(o.assistantID))
	o.inst.AgentExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrAssistantID.String(o.assistantID),
		attribute.Bool("success", success),
	))
	o.inst.AgentDuration.Record(ctx, durationMs, assistantAttrs)
	o.inst.AgentIterations.Record(ctx, int64(result.Iterations), assistantAttrs)
	o.inst.AgentCost.Record(ctx, result.CostSpent, assistantAttrs)

	var rec mantlelog.Record
	rec.SetSeverity(mantlelog.SeverityInfo)
	rec.SetBody(mantlelog.StringValue("agent execution completed"))
	rec.AddAttributes(
		mantlelog.String("assistant_id", o.assistantID),
		mantlelog.String("user_id", o.userID),
		mantlelog.Int("iterations", result.Iterations),
		mantlelog.Float64("cost_usd", result.CostSpent),
		mantlelog.Int("tokens_used", tokens),
		mantlelog.Float64("duration_ms", durationMs),
		mantlelog.Bool("success", success),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
