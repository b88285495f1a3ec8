// Package observer provides OTEL-based observability for mantle agent
// executions.
//
// It wraps Provider, Tool, Retriever, and Graph with instrumented versions
// that emit traces, metrics, and logs via OpenTelemetry. The OTLP backend
// exports to any OTEL-compatible collector configured through standard OTEL
// env vars; the local backend persists spans through a SpanStore; the
// console backend prints spans as JSON lines. Every attribute passes
// through a PII redactor before emission unless redaction is disabled.
package observer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	mantlelog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	mantle "github.com/ajisaka/mantle"
)

const scopeName = "github.com/ajisaka/mantle/observer"

// Backend selects where spans go.
type Backend string

const (
	BackendOTLP    Backend = "otlp"
	BackendJaeger  Backend = "jaeger" // jaeger ingests OTLP; alias of otlp
	BackendLocal   Backend = "local"
	BackendConsole Backend = "console"
	BackendNone    Backend = "none"
)

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger mantlelog.Logger

	// Counters
	TokenUsage     metric.Int64Counter
	CostTotal      metric.Float64Counter
	LLMRequests    metric.Int64Counter
	ToolExecutions metric.Int64Counter
	Retrievals     metric.Int64Counter
	Errors         metric.Int64Counter

	// Histograms
	LLMDuration      metric.Float64Histogram
	ToolDuration     metric.Float64Histogram
	RetrievalResults metric.Int64Histogram

	// Agent-level
	AgentExecutions metric.Int64Counter
	AgentDuration   metric.Float64Histogram
	AgentIterations metric.Int64Histogram
	AgentCost       metric.Float64Histogram

	Cost   *mantle.CostEstimator
	redact *mantle.Redactor
}

type initConfig struct {
	backend     Backend
	sampleRate  float64
	redactPII   bool
	serviceName string
	pricing     map[string]mantle.ModelPricing
	spanStore   SpanStore
	consoleW    io.Writer
}

// InitOption configures Init.
type InitOption func(*initConfig)

// WithBackend selects the span backend. Default otlp.
func WithBackend(b Backend) InitOption {
	return func(c *initConfig) { c.backend = b }
}

// WithSampleRate sets the trace sampling ratio in [0,1]. Default 1.0.
func WithSampleRate(r float64) InitOption {
	return func(c *initConfig) { c.sampleRate = r }
}

// WithRedactPII toggles attribute redaction. Default on.
func WithRedactPII(on bool) InitOption {
	return func(c *initConfig) { c.redactPII = on }
}

// WithServiceName overrides the resource service name. Default "mantle".
func WithServiceName(name string) InitOption {
	return func(c *initConfig) { c.serviceName = name }
}

// WithPricing merges model pricing overrides into the cost table.
func WithPricing(p map[string]mantle.ModelPricing) InitOption {
	return func(c *initConfig) { c.pricing = p }
}

// WithSpanStore sets the store used by the local backend.
func WithSpanStore(s SpanStore) InitOption {
	return func(c *initConfig) { c.spanStore = s }
}

// WithConsoleWriter sets the destination for the console backend.
// Default os.Stdout.
func WithConsoleWriter(w io.Writer) InitOption {
	return func(c *initConfig) { c.consoleW = w }
}

// Init sets up OTEL trace, metric, and log providers for the selected
// backend. OTLP endpoint configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context, opts ...InitOption) (*Instruments, func(context.Context) error, error) {
	cfg := initConfig{
		backend:     BackendOTLP,
		sampleRate:  1.0,
		redactPII:   true,
		serviceName: "mantle",
		consoleW:    os.Stdout,
	}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.backend == BackendNone {
		// Global providers stay no-op; instruments still work locally.
		inst, err := newInstruments(cfg)
		if err != nil {
			return nil, nil, err
		}
		return inst, func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.sampleRate))),
	)
	otel.SetTracerProvider(tp)

	shutdowns := []func(context.Context) error{tp.Shutdown}
	fail := func(err error) (*Instruments, func(context.Context) error, error) {
		for _, s := range shutdowns {
			_ = s(ctx)
		}
		return nil, nil, err
	}

	// Metrics and logs only have an OTLP path; local and console backends
	// run trace-only.
	if cfg.backend == BackendOTLP || cfg.backend == BackendJaeger {
		metricExp, err := otlpmetrichttp.New(ctx)
		if err != nil {
			return fail(err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)

		logExp, err := otlploghttp.New(ctx)
		if err != nil {
			return fail(err)
		}
		lp := sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
			sdklog.WithResource(res),
		)
		global.SetLoggerProvider(lp)
		shutdowns = append(shutdowns, lp.Shutdown)
	}

	inst, err := newInstruments(cfg)
	if err != nil {
		return fail(err)
	}

	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, s := range shutdowns {
			errs = append(errs, s(ctx))
		}
		return errors.Join(errs...)
	}
	return inst, shutdown, nil
}

func newTraceExporter(ctx context.Context, cfg initConfig) (sdktrace.SpanExporter, error) {
	switch cfg.backend {
	case BackendOTLP, BackendJaeger:
		return otlptracehttp.New(ctx)
	case BackendLocal:
		if cfg.spanStore == nil {
			return nil, errors.New("observer: local backend requires a SpanStore")
		}
		return newStoreExporter(cfg.spanStore, cfg.redactPII), nil
	case BackendConsole:
		return newConsoleExporter(cfg.consoleW, cfg.redactPII), nil
	default:
		return nil, fmt.Errorf("observer: unknown backend %q", cfg.backend)
	}
}

func newInstruments(cfg initConfig) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	retrievals, err := meter.Int64Counter("retrieval.requests",
		metric.WithDescription("Retrieval request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter("errors",
		metric.WithDescription("Error count by type"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	retrievalResults, err := meter.Int64Histogram("retrieval.results",
		metric.WithDescription("Retrieval result count distribution"),
		metric.WithUnit("{result}"))
	if err != nil {
		return nil, err
	}

	agentExecutions, err := meter.Int64Counter("agent.executions",
		metric.WithDescription("Agent execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	agentDuration, err := meter.Float64Histogram("agent.duration",
		metric.WithDescription("Agent execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	agentIterations, err := meter.Int64Histogram("agent.iterations",
		metric.WithDescription("Iterations per agent execution"),
		metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, err
	}

	agentCost, err := meter.Float64Histogram("agent.cost",
		metric.WithDescription("Cost per agent execution in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	var redact *mantle.Redactor
	if cfg.redactPII {
		redact = mantle.NewRedactor()
	}

	return &Instruments{
		Tracer:           tracer,
		Meter:            meter,
		Logger:           logger,
		TokenUsage:       tokenUsage,
		CostTotal:        costTotal,
		LLMRequests:      llmRequests,
		ToolExecutions:   toolExecutions,
		Retrievals:       retrievals,
		Errors:           errorCount,
		LLMDuration:      llmDuration,
		ToolDuration:     toolDuration,
		RetrievalResults: retrievalResults,
		AgentExecutions:  agentExecutions,
		AgentDuration:    agentDuration,
		AgentIterations:  agentIterations,
		AgentCost:        agentCost,
		Cost:             mantle.NewCostEstimator(cfg.pricing),
		redact:           redact,
	}, nil
}

// scrub redacts a string attribute value when redaction is enabled.
func (inst *Instruments) scrub(s string) string {
	if inst.redact == nil {
		return s
	}
	return inst.redact.Redact(s)
}
