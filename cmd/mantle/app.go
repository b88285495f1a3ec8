package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ajisaka/mantle"
	"github.com/ajisaka/mantle/ingest"
	"github.com/ajisaka/mantle/internal/config"
	"github.com/ajisaka/mantle/observer"
)

// platformStore is the slice of the store surface the binary needs; both
// the sqlite and postgres stores satisfy it.
type platformStore interface {
	observer.SpanStore
	mantle.Checkpointer
	Init(ctx context.Context) error
	SaveJob(ctx context.Context, job mantle.IngestionJob) error
	UpdateJobStatus(ctx context.Context, jobID string, status mantle.JobStatus, jobErr string) error
}

// dirSink writes ingested chunks as numbered files under dir/<docID>/.
// The vector store lives outside this module; the files are its intake.
type dirSink struct {
	dir string
}

func (s *dirSink) StoreChunks(_ context.Context, docID, title string, chunks []string) error {
	docDir := filepath.Join(s.dir, docID)
	if err := os.MkdirAll(docDir, 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}
	for i, chunk := range chunks {
		name := filepath.Join(docDir, fmt.Sprintf("%04d.txt", i))
		if err := os.WriteFile(name, []byte(chunk), 0o644); err != nil {
			return fmt.Errorf("write chunk %d of %s: %w", i, title, err)
		}
	}
	return nil
}

// persistingHandler records job transitions in the store around the
// pipeline run so job history survives restarts.
func persistingHandler(store platformStore, inner mantle.JobHandler, logger *slog.Logger) mantle.JobHandler {
	return func(ctx context.Context, job mantle.IngestionJob) error {
		job.Status = mantle.JobRunning
		if err := store.SaveJob(ctx, job); err != nil {
			logger.Warn("persist job record", "job_id", job.ID, "error", err)
		}
		err := inner(ctx, job)
		status, jobErr := mantle.JobCompleted, ""
		if err != nil {
			status, jobErr = mantle.JobFailed, err.Error()
		}
		if uerr := store.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, status, jobErr); uerr != nil {
			logger.Warn("update job record", "job_id", job.ID, "error", uerr)
		}
		return err
	}
}

// defaultSpecialists defines the built-in specialist roster, with each
// allowlist clipped to the tools actually registered.
func defaultSpecialists(available []string) map[mantle.SpecialistType]mantle.SpecialistConfig {
	have := make(map[string]bool, len(available))
	for _, name := range available {
		have[name] = true
	}
	clip := func(names ...string) []string {
		out := make([]string, 0, len(names))
		for _, n := range names {
			if have[n] {
				out = append(out, n)
			}
		}
		return out
	}

	return map[mantle.SpecialistType]mantle.SpecialistConfig{
		mantle.SpecialistResearch: {
			Type:               mantle.SpecialistResearch,
			AllowedTools:       clip("web_search", "knowledge_search"),
			SystemPromptSuffix: "You are a research specialist. Cite your sources.",
			PriorityKeywords:   []string{"search", "find", "research", "look up", "latest", "news"},
			CanHandoffTo:       []mantle.SpecialistType{mantle.SpecialistCode, mantle.SpecialistData},
		},
		mantle.SpecialistCode: {
			Type:               mantle.SpecialistCode,
			AllowedTools:       clip("python_execute", "file_read"),
			SystemPromptSuffix: "You are a coding specialist. Prefer running code over guessing.",
			PriorityKeywords:   []string{"code", "script", "python", "function", "debug", "compute"},
			CanHandoffTo:       []mantle.SpecialistType{mantle.SpecialistResearch, mantle.SpecialistData},
		},
		mantle.SpecialistData: {
			Type:               mantle.SpecialistData,
			AllowedTools:       clip("python_execute", "file_read", "knowledge_search"),
			SystemPromptSuffix: "You are a data analysis specialist. Show your working.",
			PriorityKeywords:   []string{"analyze", "data", "csv", "statistics", "plot", "average"},
			CanHandoffTo:       []mantle.SpecialistType{mantle.SpecialistResearch, mantle.SpecialistCode},
		},
		mantle.SpecialistGeneral: {
			Type:         mantle.SpecialistGeneral,
			AllowedTools: available,
		},
	}
}

// assistantsFor derives one assistant profile per specialist from the
// configured base assistant.
func assistantsFor(base config.AssistantConfig, specialists map[mantle.SpecialistType]mantle.SpecialistConfig) map[mantle.SpecialistType]mantle.AssistantConfig {
	out := make(map[mantle.SpecialistType]mantle.AssistantConfig, len(specialists))
	for t := range specialists {
		out[t] = mantle.AssistantConfig{
			ID:                  "mantle-" + strings.ToLower(string(t)),
			Model:               base.Model,
			Temperature:         base.Temperature,
			TokenBudget:         base.TokenBudget,
			MaxIterations:       base.MaxIterations,
			MaxToolCalls:        base.MaxToolCalls,
			CostLimitUSD:        base.CostLimitUSD,
			MaxParallelTools:    base.MaxParallelTools,
			EnablePlanning:      base.EnablePlanning,
			EnableReflection:    base.EnableReflection,
			ReflectionThreshold: base.ReflectionThreshold,
			EnabledTools:        base.EnabledTools,
		}
	}
	return out
}

// repl reads lines from in until EOF or ctx cancellation. Plain lines run
// a collaboration; "/ingest <path>" enqueues a document for ingestion.
func repl(ctx context.Context, in io.Reader, out io.Writer,
	orch *mantle.Orchestrator, assistants map[mantle.SpecialistType]mantle.AssistantConfig,
	queue mantle.JobQueue, logger *slog.Logger) {

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "/ingest "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/ingest "))
			jobID, err := enqueueFile(ctx, queue, path)
			if err != nil {
				fmt.Fprintf(out, "ingest failed: %v\n", err)
			} else {
				fmt.Fprintf(out, "queued job %s for %s\n", jobID, path)
			}
		default:
			result := orch.Collaborate(ctx, line, assistants)
			if result.Error != "" {
				fmt.Fprintf(out, "error (%s): %s\n", result.ErrorType, result.Error)
			}
			fmt.Fprintln(out, result.FinalOutput)
			logger.Info("collaboration finished",
				"success", result.Success,
				"steps", len(result.Steps),
				"iterations", result.TotalIterations,
				"cost_usd", result.TotalCostUSD,
				"duration_ms", result.TotalDurationMS)
		}
		fmt.Fprint(out, "> ")
	}
}

// enqueueFile reads a local document and schedules it on the queue.
func enqueueFile(ctx context.Context, queue mantle.JobQueue, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(ingest.JobPayload{
		DocID:       mantle.NewID(),
		Title:       filepath.Base(path),
		ContentType: ingest.ContentTypeFromExtension(filepath.Ext(path)),
		Content:     content,
	})
	if err != nil {
		return "", err
	}
	return queue.Enqueue(ctx, mantle.IngestionJob{
		Type:    "document",
		Payload: payload,
	})
}
