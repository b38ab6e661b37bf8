// Package openai implements the Anthropic <-> OpenAI Chat Completions wire
// translation: request building, response conversion, and the streaming
// chunk state machine.
package openai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jiafuei/ccproxy/internal/transform"
)

func init() {
	transform.Register("openai.request", newRequestTransformer)
	transform.Register("openai.response", newResponseTransformer)
	transform.Register("openai.stream", newStreamTransformer)
}

// RequestTransformer converts an Anthropic-shaped request into an OpenAI
// Chat Completions request.
type RequestTransformer struct{}

func newRequestTransformer(map[string]any) (transform.Transformer, error) {
	return &RequestTransformer{}, nil
}

func (t *RequestTransformer) TransformRequest(p transform.RequestParams) (map[string]any, http.Header, error) {
	req := p.Request

	out := map[string]any{
		"model": req["model"],
		"store": false,
	}

	if v, ok := req["temperature"]; ok {
		out["temperature"] = v
	}

	stream, _ := req["stream"].(bool)
	out["stream"] = stream

	if stream {
		out["stream_options"] = map[string]any{"include_usage": true}
	}

	if maxTokens, ok := req["max_tokens"]; ok {
		out["max_completion_tokens"] = maxTokens
	}

	if effort := reasoningEffort(req["thinking"]); effort != "" {
		out["reasoning_effort"] = effort
	}

	messages, err := buildMessages(req)
	if err != nil {
		return nil, p.Headers, err
	}

	out["messages"] = messages

	callable, builtin := partitionTools(req["tools"])

	if len(callable) > 0 {
		out["tools"] = callable

		if len(builtin) > 0 {
			slog.Warn("openai.request: callable and built-in tools both present; built-in tools skipped")
		}
	} else if ws := builtinWebSearch(builtin); ws != nil {
		out["web_search_options"] = ws
		out["model"] = "gpt-4o-search-preview"
	}

	stripNils(out)

	return out, p.Headers, nil
}

// reasoningEffort derives reasoning_effort from thinking.budget_tokens by
// the threshold table <1024 -> low, <8192 -> medium, else high; returns ""
// if thinking is absent or budget_tokens <= 0.
func reasoningEffort(thinking any) string {
	m, ok := thinking.(map[string]any)
	if !ok {
		return ""
	}

	budget, ok := toFloat(m["budget_tokens"])
	if !ok || budget <= 0 {
		return ""
	}

	switch {
	case budget < 1024:
		return "low"
	case budget < 8192:
		return "medium"
	default:
		return "high"
	}
}

func toFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func buildMessages(req map[string]any) ([]any, error) {
	var out []any

	if sys, ok := req["system"]; ok {
		if text := joinedSystemText(sys); text != "" {
			out = append(out, map[string]any{"role": "system", "content": text})
		}
	}

	rawMessages, _ := req["messages"].([]any)

	for _, raw := range rawMessages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		converted, err := convertMessage(msg)
		if err != nil {
			return nil, err
		}

		out = append(out, converted...)
	}

	return out, nil
}

func joinedSystemText(sys any) string {
	switch v := sys.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder

		for _, b := range v {
			if m, ok := b.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}

		return sb.String()
	default:
		return ""
	}
}

// convertMessage walks one claude message's content blocks, accumulating
// text/image blocks into the current message and tool_use blocks into a
// parallel tool_calls list; tool_result flushes and emits its own
// {role: tool} message. A final flush combines accumulated text+tool_calls
// into a single assistant message when both were collected.
func convertMessage(msg map[string]any) ([]any, error) {
	role, _ := msg["role"].(string)

	content := msg["content"]

	// Plain string content: a single message, no accumulation needed.
	if text, ok := content.(string); ok {
		return []any{map[string]any{"role": role, "content": text}}, nil
	}

	blocks, ok := content.([]any)
	if !ok {
		return []any{msg}, nil
	}

	var (
		out       []any
		parts     []any // accumulated text/image parts of the current message
		toolCalls []any
	)

	flush := func() {
		if len(parts) == 0 && len(toolCalls) == 0 {
			return
		}

		m := map[string]any{"role": role}

		if len(parts) > 0 {
			m["content"] = collapseParts(parts)
		} else {
			m["content"] = nil
		}

		if len(toolCalls) > 0 {
			m["tool_calls"] = toolCalls
		}

		out = append(out, m)
		parts = nil
		toolCalls = nil
	}

	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		switch block["type"] {
		case "text":
			if text, ok := block["text"].(string); ok {
				parts = append(parts, map[string]any{"type": "text", "text": text})
			}
		case "image":
			if part := convertImageBlock(block); part != nil {
				parts = append(parts, part)
			}
		case "tool_use":
			toolCalls = append(toolCalls, convertToolUseBlock(block))
		case "tool_result":
			flush()

			out = append(out, convertToolResultMessage(block))
		}
	}

	flush()

	return out, nil
}

func collapseParts(parts []any) any {
	if len(parts) == 1 {
		if m, ok := parts[0].(map[string]any); ok && m["type"] == "text" {
			return m["text"]
		}
	}

	return parts
}

func convertImageBlock(block map[string]any) map[string]any {
	source, ok := block["source"].(map[string]any)
	if !ok {
		return nil
	}

	if srcType, _ := source["type"].(string); srcType != "base64" {
		return nil
	}

	media, _ := source["media_type"].(string)
	data, _ := source["data"].(string)

	return map[string]any{
		"type": "image_url",
		"image_url": map[string]any{
			"url": fmt.Sprintf("data:%s;base64,%s", media, data),
		},
	}
}

func convertToolUseBlock(block map[string]any) map[string]any {
	id, _ := block["id"].(string)
	name, _ := block["name"].(string)

	argsJSON := "{}"
	if input := block["input"]; input != nil {
		if b, err := json.Marshal(input); err == nil {
			argsJSON = string(b)
		}
	}

	return map[string]any{
		"id":   id,
		"type": "function",
		"function": map[string]any{
			"name":      name,
			"arguments": argsJSON,
		},
	}
}

func convertToolResultMessage(block map[string]any) map[string]any {
	toolCallID, _ := block["tool_use_id"].(string)

	return map[string]any{
		"role":         "tool",
		"tool_call_id": toolCallID,
		"content":      stringifyToolResultContent(block["content"]),
	}
}

func stringifyToolResultContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}

		return string(b)
	}
}

func partitionTools(tools any) (callable []any, builtin []any) {
	list, ok := tools.([]any)
	if !ok {
		return nil, nil
	}

	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		_, hasSchema := m["input_schema"]
		_, hasType := m["type"]

		if hasType && !hasSchema {
			builtin = append(builtin, m)
			continue
		}

		callable = append(callable, convertCallableTool(m))
	}

	return callable, builtin
}

func convertCallableTool(m map[string]any) map[string]any {
	fn := map[string]any{"name": m["name"]}

	if desc, ok := m["description"]; ok {
		fn["description"] = desc
	}

	if schema, ok := m["input_schema"]; ok {
		fn["parameters"] = schema
	}

	return map[string]any{"type": "function", "function": fn}
}

// builtinWebSearch builds web_search_options for a web_search built-in tool.
// Presence of both callable and built-in tools is a warning logged by the
// caller (TransformRequest only calls this when callable is empty).
func builtinWebSearch(builtin []any) map[string]any {
	for _, raw := range builtin {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		name, _ := m["name"].(string)
		if name != "web_search" {
			continue
		}

		opts := map[string]any{}

		filters := map[string]any{}

		if domains, ok := m["allowed_domains"]; ok {
			filters["allowed_domains"] = domains
		}

		if domains, ok := m["blocked_domains"]; ok {
			filters["blocked_domains"] = domains
		}

		if len(filters) > 0 {
			opts["filters"] = filters
		}

		if loc, ok := m["user_location"].(map[string]any); ok {
			opts["user_location"] = map[string]any{
				"type":        "approximate",
				"approximate": loc,
			}
		}

		size := "medium"
		if s, ok := m["search_context_size"].(string); ok && s != "" {
			size = s
		}

		opts["search_context_size"] = size

		return opts
	}

	return nil
}

func stripNils(m map[string]any) {
	for k, v := range m {
		if v == nil {
			delete(m, k)
		}
	}
}
