package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mantle "github.com/ajisaka/mantle"
)

// Sink receives extracted chunks. The vector store / indexing engine
// behind it lives outside this module.
type Sink interface {
	StoreChunks(ctx context.Context, docID, title string, chunks []string) error
}

// JobPayload is the serialized argument of an ingestion job handled by
// the pipeline. Content travels base64-encoded inside the job record.
type JobPayload struct {
	DocID       string      `json:"doc_id"`
	Title       string      `json:"title,omitempty"`
	ContentType ContentType `json:"content_type"`
	Content     []byte      `json:"content"`
}

// Pipeline extracts, chunks, and stores document content. One pipeline
// serves all job types; the payload's content type selects the extractor.
type Pipeline struct {
	chunker Chunker
	sink    Sink
	logger  *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// PipelineChunker overrides the default markdown chunker.
func PipelineChunker(c Chunker) PipelineOption {
	return func(p *Pipeline) { p.chunker = c }
}

// PipelineLogger sets a structured logger.
func PipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline feeding the given sink.
func NewPipeline(sink Sink, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		chunker: NewMarkdownChunker(),
		sink:    sink,
		logger:  slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Handler returns the job handler to register with the job queue.
func (p *Pipeline) Handler() mantle.JobHandler {
	return func(ctx context.Context, job mantle.IngestionJob) error {
		return p.Process(ctx, job)
	}
}

// Process runs one ingestion job end to end.
func (p *Pipeline) Process(ctx context.Context, job mantle.IngestionJob) error {
	start := time.Now()

	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("ingest: decode payload for job %s: %w", job.ID, err)
	}
	if payload.DocID == "" {
		return fmt.Errorf("ingest: job %s has no doc_id", job.ID)
	}

	text, err := ForContentType(payload.ContentType).Extract(payload.Content)
	if err != nil {
		return fmt.Errorf("ingest: extract %s: %w", payload.DocID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	chunks := p.chunker.Chunk(text)
	if len(chunks) == 0 {
		p.logger.Warn("document produced no chunks", "doc_id", payload.DocID, "job_id", job.ID)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.sink.StoreChunks(ctx, payload.DocID, payload.Title, chunks); err != nil {
		return fmt.Errorf("ingest: store chunks for %s: %w", payload.DocID, err)
	}

	p.logger.Info("document ingested",
		"doc_id", payload.DocID,
		"job_id", job.ID,
		"content_type", payload.ContentType,
		"chunks", len(chunks),
		"duration", time.Since(start),
	)
	return nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
