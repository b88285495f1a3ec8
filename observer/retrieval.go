package observer

import (
	"context"
	"time"

	mantle "github.com/ajisaka/mantle"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedRetriever wraps a mantle.Retriever with OTEL instrumentation.
type ObservedRetriever struct {
	inner  mantle.Retriever
	source string
	inst   *Instruments
}

// WrapRetriever returns an instrumented retriever. Each call produces a
// retrieval_<source> span; query and result previews are redacted.
func WrapRetriever(inner mantle.Retriever, source string, inst *Instruments) *ObservedRetriever {
	return &ObservedRetriever{inner: inner, source: source, inst: inst}
}

func (o *ObservedRetriever) Retrieve(ctx context.Context, query, kbID string, k int) ([]mantle.RetrievedChunk, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "retrieval_"+o.source, trace.WithAttributes(
		AttrRetrievalSource.String(o.source),
		AttrRetrievalQuery.String(o.inst.scrub(preview(query))),
		AttrRetrievalKBID.String(kbID),
		AttrRetrievalTopK.Int(k),
	))
	defer span.End()
	start := time.Now()

	chunks, err := o.inner.Retrieve(ctx, query, kbID, k)

	durationMs := float64(time.Since(start).Milliseconds())
	success := err == nil
	firstPreview := ""
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if len(chunks) > 0 {
		firstPreview = o.inst.scrub(preview(chunks[0].Content))
	}

	span.SetAttributes(
		AttrRetrievalResultCount.Int(len(chunks)),
		AttrRetrievalFirstPreview.String(firstPreview),
		AttrRetrievalLatencyMS.Float64(durationMs),
		AttrRetrievalSuccess.Bool(success),
	)

	sourceAttrs := metric.WithAttributes(AttrRetrievalSource.String(o.source))
	o.inst.Retrievals.Add(ctx, 1, sourceAttrs)
	o.inst.RetrievalResults.Record(ctx, int64(len(chunks)), sourceAttrs)

	return chunks, err
}

// compile-time check
var _ mantle.Retriever = (*ObservedRetriever)(nil)
