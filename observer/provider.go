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

// ObservedProvider wraps a mantle.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner mantle.Provider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits an llm_call
// span plus metrics and a structured log for every call.
func WrapProvider(inner mantle.Provider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req mantle.ChatRequest) (mantle.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm_call", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	success := err == nil
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.inst.Errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error_type", "llm_call"),
		))
	}

	cost := o.inst.Cost.EstimateCost(req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	total := resp.Usage.PromptTokens + resp.Usage.CompletionTokens

	span.SetAttributes(
		AttrLLMPromptTokens.Int(resp.Usage.PromptTokens),
		AttrLLMCompletionTokens.Int(resp.Usage.CompletionTokens),
		AttrLLMTotalTokens.Int(total),
		AttrLLMLatencyMS.Float64(durationMs),
		AttrLLMSuccess.Bool(success),
		AttrCostUSD.Float64(cost),
	)

	modelAttrs := metric.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
	)
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.PromptTokens), metric.WithAttributes(
		AttrLLMModel.String(req.Model),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.CompletionTokens), metric.WithAttributes(
		AttrLLMModel.String(req.Model),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, modelAttrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.Bool("success", success),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, modelAttrs)

	var rec mantlelog.Record
	rec.SetSeverity(mantlelog.SeverityInfo)
	rec.SetBody(mantlelog.StringValue("llm call completed"))
	rec.AddAttributes(
		mantlelog.String("llm.model", req.Model),
		mantlelog.String("llm.provider", o.inner.Name()),
		mantlelog.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		mantlelog.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
		mantlelog.Float64("llm.cost_usd", cost),
		mantlelog.Float64("llm.duration_ms", durationMs),
		mantlelog.Bool("llm.success", success),
	)
	o.inst.Logger.Emit(ctx, rec)

	return resp, err
}

// compile-time check
var _ mantle.Provider = (*ObservedProvider)(nil)
