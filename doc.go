// Package mantle is an agent execution platform: given a user message, an
// assistant configuration (model, tool list, budgets), and a conversation
// history, it runs a bounded reasoning loop that may call external tools,
// reflect on intermediate results, and produce a final answer while
// enforcing hard cost, token, iteration, and time budgets.
//
// The core building blocks:
//
//   - Graph: a cyclic state machine (budget → plan → execute → reflect →
//     respond) over a typed AgentState, with conditional edges, history
//     compression, and optional checkpointing between nodes.
//   - ToolExecutor: priority-ordered, concurrency-bounded, timeout- and
//     retry-aware tool dispatcher with per-tool security gates.
//   - Orchestrator: a multi-agent outer loop that routes input to a
//     specialist, accepts handoff requests in specialist output, detects
//     loops, and enforces cross-specialist budgets.
//   - Retry, CircuitBreaker, JobQueue: resilience primitives consumed by
//     the above and by background document ingestion.
//
// External collaborators (LLM providers, memory, retrieval, persistence)
// are consumed through narrow interfaces: Provider, MemoryService,
// Retriever, Checkpointer. The observer subpackage wraps agent, tool, LLM,
// and retrieval operations in OTEL spans with PII redaction before export.
package mantle
