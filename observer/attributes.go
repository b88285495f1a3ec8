package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for agent observability spans and metrics.
var (
	AttrAssistantID    = attribute.Key("assistant_id")
	AttrUserID         = attribute.Key("user_id")
	AttrConversationID = attribute.Key("conversation_id")
	AttrInputPreview   = attribute.Key("input_preview")
	AttrOutputPreview  = attribute.Key("output_preview")
	AttrLatencyMS      = attribute.Key("latency_ms")
	AttrIterations     = attribute.Key("iterations")
	AttrCostUSD        = attribute.Key("cost_usd")
	AttrTokensUsed     = attribute.Key("tokens_used")
	AttrToolsUsedCount = attribute.Key("tools_used_count")
	AttrSuccess        = attribute.Key("success")
	AttrError          = attribute.Key("error")

	AttrToolName          = attribute.Key("tool.name")
	AttrToolInput         = attribute.Key("tool.input")
	AttrToolOutputPreview = attribute.Key("tool.output_preview")
	AttrToolLatencyMS     = attribute.Key("tool.latency_ms")
	AttrToolSuccess       = attribute.Key("tool.success")
	AttrToolError         = attribute.Key("tool.error")

	AttrLLMModel            = attribute.Key("llm.model")
	AttrLLMProvider         = attribute.Key("llm.provider")
	AttrLLMPromptTokens     = attribute.Key("llm.prompt_tokens")
	AttrLLMCompletionTokens = attribute.Key("llm.completion_tokens")
	AttrLLMTotalTokens      = attribute.Key("llm.total_tokens")
	AttrLLMLatencyMS        = attribute.Key("llm.latency_ms")
	AttrLLMSuccess          = attribute.Key("llm.success")

	AttrRetrievalSource       = attribute.Key("retrieval.source")
	AttrRetrievalQuery        = attribute.Key("retrieval.query")
	AttrRetrievalKBID         = attribute.Key("retrieval.kb_id")
	AttrRetrievalTopK         = attribute.Key("retrieval.top_k")
	AttrRetrievalResultCount  = attribute.Key("retrieval.result_count")
	AttrRetrievalFirstPreview = attribute.Key("retrieval.first_result_preview")
	AttrRetrievalLatencyMS    = attribute.Key("retrieval.latency_ms")
	AttrRetrievalSuccess      = attribute.Key("retrieval.success")
)

const previewRunes = 200

// preview clips a string attribute value to a bounded rune count.
func preview(s string) string {
	runes := []rune(s)
	if len(runes) <= previewRunes {
		return s
	}
	return string(runes[:previewRunes]) + "..."
}
