package observer

import (
	"context"
	"encoding/json"
	"time"

	mantle "github.com/ajisaka/mantle"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	mantlelog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a mantle.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner mantle.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool. Each invocation produces a
// tool_<name> span; input and output previews are redacted.
func WrapTool(inner mantle.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Name() string                        { return o.inner.Name() }
func (o *ObservedTool) Description() string                 { return o.inner.Description() }
func (o *ObservedTool) SecurityLevel() mantle.SecurityLevel { return o.inner.SecurityLevel() }
func (o *ObservedTool) InputSchema() json.RawMessage        { return o.inner.InputSchema() }

func (o *ObservedTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	name := o.inner.Name()
	ctx, span := o.inst.Tracer.Start(ctx, "tool_"+name, trace.WithAttributes(
		AttrToolName.String(name),
		AttrToolInput.String(o.inst.scrub(preview(string(input)))),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, input)

	durationMs := float64(time.Since(start).Milliseconds())
	success := err == nil
	outputPreview := ""
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(AttrToolError.String(err.Error()))
		o.inst.Errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error_type", "tool_execution"),
		))
	} else {
		outputPreview = o.inst.scrub(preview(mantle.ResultString(result)))
	}

	span.SetAttributes(
		AttrToolOutputPreview.String(outputPreview),
		AttrToolLatencyMS.Float64(durationMs),
		AttrToolSuccess.Bool(success),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.Bool("success", success),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.Bool("success", success),
	))

	var rec mantlelog.Record
	rec.SetSeverity(mantlelog.SeverityInfo)
	rec.SetBody(mantlelog.StringValue("tool executed"))
	rec.AddAttributes(
		mantlelog.String("tool.name", name),
		mantlelog.Bool("tool.success", success),
		mantlelog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time check
var _ mantle.Tool = (*ObservedTool)(nil)
