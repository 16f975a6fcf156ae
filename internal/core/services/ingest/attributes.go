// Package ingest implements the trace pipeline's extract → sideml →
// enrich → persist stages (§4.E), consuming OTLP batches off the stream
// topic under a fixed consumer group. Attribute-walking idiom grounded
// on the teacher's internal/core/services/observability/otlp_converter.go.
package ingest

import (
	"strconv"
	"strings"

	"sideseat/internal/core/domain/span"
)

// GenAI semantic convention attribute keys referenced by extractGenAI.
const (
	attrGenAISystem          = "gen_ai.system"
	attrGenAIRequestModel    = "gen_ai.request.model"
	attrGenAIResponseModel   = "gen_ai.response.model"
	attrGenAITemperature     = "gen_ai.request.temperature"
	attrGenAITopP            = "gen_ai.request.top_p"
	attrGenAITopK            = "gen_ai.request.top_k"
	attrGenAIMaxTokens       = "gen_ai.request.max_tokens"
	attrGenAIFreqPenalty     = "gen_ai.request.frequency_penalty"
	attrGenAIPresPenalty     = "gen_ai.request.presence_penalty"
	attrGenAIStopSequences   = "gen_ai.request.stop_sequences"
	attrGenAIInputTokens     = "gen_ai.usage.input_tokens"
	attrGenAIOutputTokens    = "gen_ai.usage.output_tokens"
	attrGenAICacheReadTokens = "gen_ai.usage.input_tokens.cache_read"
	attrGenAICacheWriteTokens = "gen_ai.usage.input_tokens.cache_creation"
	attrGenAIReasoningTokens = "gen_ai.usage.reasoning_tokens"
	attrToolName             = "tool.name"
	attrGenAIToolName        = "gen_ai.tool.name"
	attrGenAIAgentID         = "gen_ai.agent.id"
	attrGenAIToolCallID      = "gen_ai.tool.call.id"
)

// classifyCategory implements §4.E step 1's attribute-driven
// classification rule: a span name containing retrieval/embedding ⇒
// retrieval/embedding (checked first when gen_ai.system is present);
// otherwise gen_ai.system ⇒ generation; tool.name or gen_ai.tool.* ⇒
// tool; a top-level span without a parent ⇒ root; anything else ⇒ other.
func classifyCategory(attrs map[string]any, spanName string, hasParent bool) span.Category {
	if _, ok := attrs[attrGenAISystem]; ok {
		if containsAny(spanName, "retrieval") {
			return span.CategoryRetrieval
		}
		if containsAny(spanName, "embedding") {
			return span.CategoryEmbedding
		}
		return span.CategoryGeneration
	}
	if hasToolAttrs(attrs) {
		return span.CategoryTool
	}
	if containsAny(spanName, "retrieval") {
		return span.CategoryRetrieval
	}
	if containsAny(spanName, "embedding") {
		return span.CategoryEmbedding
	}
	if !hasParent {
		return span.CategoryRoot
	}
	return span.CategoryOther
}

func hasToolAttrs(attrs map[string]any) bool {
	if _, ok := attrs[attrToolName]; ok {
		return true
	}
	for k := range attrs {
		if strings.HasPrefix(k, "gen_ai.tool.") {
			return true
		}
	}
	return false
}

func containsAny(s string, substrs ...string) bool {
	low := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(low, sub) {
			return true
		}
	}
	return false
}

// detectFramework heuristically identifies the agent library that
// produced a span from its attribute namespaces, since no single OTEL
// semantic convention covers all of them.
func detectFramework(attrs map[string]any) span.Framework {
	switch {
	case hasPrefix(attrs, "langgraph."):
		return span.FrameworkLangGraph
	case hasPrefix(attrs, "langchain."):
		return span.FrameworkLangChain
	case hasPrefix(attrs, "strands."):
		return span.FrameworkStrands
	case hasPrefix(attrs, "crewai."):
		return span.FrameworkCrewAI
	case hasPrefix(attrs, "autogen."):
		return span.FrameworkAutoGen
	case hasPrefix(attrs, "llm.") || hasPrefix(attrs, "input.") || hasPrefix(attrs, "output."):
		return span.FrameworkOpenInference
	case hasPrefix(attrs, "gen_ai."):
		return span.FrameworkOpenLLMetry
	default:
		return span.FrameworkUnknown
	}
}

func hasPrefix(attrs map[string]any, prefix string) bool {
	for k := range attrs {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// extractGenAI walks GenAI semantic-convention attributes into a
// NormalizedSpan's sampling params, model and usage fields.
func extractGenAI(attrs map[string]any, s *span.NormalizedSpan) {
	if sys, ok := stringAttr(attrs, attrGenAISystem); ok {
		s.System = &sys
	}
	if model, ok := stringAttr(attrs, attrGenAIResponseModel); ok {
		s.Model = &model
	} else if model, ok := stringAttr(attrs, attrGenAIRequestModel); ok {
		s.Model = &model
	}
	if agentID, ok := stringAttr(attrs, attrGenAIAgentID); ok {
		s.AgentID = &agentID
	}
	if toolCallID, ok := stringAttr(attrs, attrGenAIToolCallID); ok {
		s.ToolCallID = &toolCallID
	}

	sampling := &s.Sampling
	if v, ok := floatAttr(attrs, attrGenAITemperature); ok {
		sampling.Temperature = &v
	}
	if v, ok := floatAttr(attrs, attrGenAITopP); ok {
		sampling.TopP = &v
	}
	if v, ok := floatAttr(attrs, attrGenAITopK); ok {
		sampling.TopK = &v
	}
	if v, ok := intAttr(attrs, attrGenAIMaxTokens); ok {
		sampling.MaxTokens = &v
	}
	if v, ok := floatAttr(attrs, attrGenAIFreqPenalty); ok {
		sampling.FrequencyPenalty = &v
	}
	if v, ok := floatAttr(attrs, attrGenAIPresPenalty); ok {
		sampling.PresencePenalty = &v
	}

	s.Usage.Input = uint64Attr(attrs, attrGenAIInputTokens)
	s.Usage.Output = uint64Attr(attrs, attrGenAIOutputTokens)
	s.Usage.CacheRead = uint64Attr(attrs, attrGenAICacheReadTokens)
	s.Usage.CacheWrite = uint64Attr(attrs, attrGenAICacheWriteTokens)
	s.Usage.Reasoning = uint64Attr(attrs, attrGenAIReasoningTokens)
}

func stringAttr(attrs map[string]any, key string) (string, bool) {
	v, ok := attrs[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func floatAttr(attrs map[string]any, key string) (float64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func intAttr(attrs map[string]any, key string) (int64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func uint64Attr(attrs map[string]any, key string) uint64 {
	switch v := attrs[key].(type) {
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case int64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
