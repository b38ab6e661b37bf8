// Package responses implements the Anthropic <-> OpenAI Responses API wire
// translation: request building, response conversion, and a streaming
// translator over the response.* event family.
package responses

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jiafuei/ccproxy/internal/transform"
)

func init() {
	transform.Register("responses.request", newRequestTransformer)
	transform.Register("responses.response", newResponseTransformer)
	transform.Register("responses.stream", newStreamTransformer)
}

type RequestTransformer struct{}

func newRequestTransformer(map[string]any) (transform.Transformer, error) {
	return &RequestTransformer{}, nil
}

func (t *RequestTransformer) TransformRequest(p transform.RequestParams) (map[string]any, http.Header, error) {
	req := p.Request

	out := map[string]any{
		"model":  req["model"],
		"stream": false,
		"store":  false,
	}

	stream, _ := req["stream"].(bool)
	out["stream"] = stream

	instructions, extraSystemItems := splitSystem(req["system"])
	if instructions != "" {
		out["instructions"] = instructions
	}

	input, err := buildInput(req, extraSystemItems)
	if err != nil {
		return nil, p.Headers, err
	}

	out["input"] = input

	clampScalars(req, out)

	if maxTokens, ok := req["max_tokens"]; ok {
		out["max_output_tokens"] = maxTokens
	}

	if effort := reasoningEffort(req["thinking"]); effort != "" {
		out["reasoning"] = map[string]any{"effort": effort}
	}

	tools, err := buildTools(req)
	if err != nil {
		return nil, p.Headers, err
	}

	if len(tools) > 0 {
		out["tools"] = tools
	}

	if tc, parallel, ok := convertToolChoice(req["tool_choice"]); ok {
		out["tool_choice"] = tc
		out["parallel_tool_calls"] = parallel
	}

	metadata, _ := req["metadata"].(map[string]any)
	if metadata == nil {
		metadata = map[string]any{}
	}

	if _, ok := metadata["source"]; !ok {
		metadata["source"] = "cc-proxy"
	}

	out["metadata"] = metadata

	if rf, ok := req["response_format"].(map[string]any); ok {
		out["response_format"] = whitelistResponseFormat(rf)
	}

	return out, p.Headers, nil
}

func splitSystem(sys any) (string, []any) {
	switch v := sys.(type) {
	case string:
		return v, nil
	case []any:
		var text string

		var extra []any

		for _, b := range v {
			m, ok := b.(map[string]any)
			if !ok {
				continue
			}

			if m["type"] == "text" {
				if s, ok := m["text"].(string); ok {
					text += s
				}

				continue
			}

			extra = append(extra, map[string]any{"type": "message", "role": "system", "content": m})
		}

		return text, extra
	default:
		return "", nil
	}
}

func buildInput(req map[string]any, extraSystemItems []any) ([]any, error) {
	var out []any

	out = append(out, extraSystemItems...)

	messages, _ := req["messages"].([]any)

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		items, err := convertMessage(msg)
		if err != nil {
			return nil, err
		}

		out = append(out, items...)
	}

	return out, nil
}

func convertMessage(msg map[string]any) ([]any, error) {
	role, _ := msg["role"].(string)

	var out []any

	var parts []any

	flush := func() {
		if len(parts) == 0 {
			return
		}

		out = append(out, map[string]any{"type": "message", "role": role, "content": parts})
		parts = nil
	}

	switch content := msg["content"].(type) {
	case string:
		parts = append(parts, textPart(role, content))
		flush()

		return out, nil
	case []any:
		for _, raw := range content {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			switch block["type"] {
			case "text":
				if text, ok := block["text"].(string); ok {
					parts = append(parts, textPart(role, text))
				}
			case "image":
				if part := convertImage(block); part != nil {
					parts = append(parts, part)
				}
			case "tool_use":
				flush()

				out = append(out, convertToolUse(block))
			case "tool_result":
				flush()

				out = append(out, convertToolResult(block))
			case "thinking":
				// thinking blocks never go upstream
			}
		}

		flush()

		return out, nil
	default:
		return out, nil
	}
}

func textPart(role, text string) map[string]any {
	typ := "input_text"
	if role == "assistant" {
		typ = "output_text"
	}

	return map[string]any{"type": typ, "text": text}
}

func convertImage(block map[string]any) map[string]any {
	source, ok := block["source"].(map[string]any)
	if !ok {
		return nil
	}

	if source["type"] != "base64" {
		return nil
	}

	media, _ := source["media_type"].(string)
	data, _ := source["data"].(string)

	return map[string]any{
		"type":      "input_image",
		"image_url": fmt.Sprintf("data:%s;base64,%s", media, data),
	}
}

func convertToolUse(block map[string]any) map[string]any {
	name, _ := block["name"].(string)
	id, _ := block["id"].(string)

	argsJSON := "{}"
	if input := block["input"]; input != nil {
		if b, err := json.Marshal(input); err == nil {
			argsJSON = string(b)
		}
	}

	return map[string]any{
		"type":      "function_call",
		"name":      name,
		"call_id":   id,
		"arguments": argsJSON,
	}
}

func convertToolResult(block map[string]any) map[string]any {
	toolUseID, _ := block["tool_use_id"].(string)

	out := map[string]any{
		"type":    "function_call_output",
		"call_id": toolUseID,
		"output":  stringifyContent(block["content"]),
	}

	if isErr, ok := block["is_error"].(bool); ok && isErr {
		out["is_error"] = true
	}

	return out
}

func stringifyContent(content any) string {
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

func clampScalars(req, out map[string]any) {
	if v, ok := toFloat(req["temperature"]); ok {
		out["temperature"] = clamp(v, 0, 2)
	}

	if v, ok := toFloat(req["top_p"]); ok {
		out["top_p"] = clamp(v, 0, 1)
	}

	if v, ok := toFloat(req["top_k"]); ok {
		out["top_k"] = clamp(v, 0, v)
	}

	if v, ok := toFloat(req["presence_penalty"]); ok {
		out["presence_penalty"] = clamp(v, -2, 2)
	}

	if v, ok := toFloat(req["frequency_penalty"]); ok {
		out["frequency_penalty"] = clamp(v, -2, 2)
	}
}

func toFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

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

func buildTools(req map[string]any) ([]any, error) {
	tools, _ := req["tools"].([]any)

	var out []any

	for _, raw := range tools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		_, hasSchema := m["input_schema"]
		_, hasType := m["type"]

		if hasType && !hasSchema {
			tool, err := convertBuiltinTool(m)
			if err != nil {
				return nil, err
			}

			out = append(out, tool)

			continue
		}

		fn := map[string]any{"type": "function", "name": m["name"]}

		if desc, ok := m["description"]; ok {
			fn["description"] = desc
		}

		if schema, ok := m["input_schema"]; ok {
			fn["parameters"] = schema
		}

		out = append(out, fn)
	}

	return out, nil
}

func convertBuiltinTool(m map[string]any) (map[string]any, error) {
	name, _ := m["name"].(string)
	if name != "web_search" {
		return map[string]any{"type": name}, nil
	}

	_, hasAllowed := m["allowed_domains"]
	_, hasBlocked := m["blocked_domains"]

	if hasAllowed && hasBlocked {
		return nil, fmt.Errorf("responses.request: web_search tool cannot set both allowed_domains and blocked_domains")
	}

	filters := map[string]any{}

	if domains, ok := m["allowed_domains"]; ok {
		filters["allowed_domains"] = domains
	}

	if domains, ok := m["blocked_domains"]; ok {
		filters["blocked_domains"] = domains
	}

	ws := map[string]any{}

	if len(filters) > 0 {
		ws["filters"] = filters
	}

	if loc, ok := m["user_location"].(map[string]any); ok {
		ws["user_location"] = map[string]any{"type": "approximate", "approximate": loc}
	}

	size := "medium"
	if s, ok := m["search_context_size"].(string); ok && s != "" {
		size = s
	}

	ws["search_context_size"] = size

	return map[string]any{"type": "web_search", "web_search": ws}, nil
}

// convertToolChoice splits an Anthropic tool_choice into the Responses
// API's representation: the tool_choice value itself plus a top-level
// parallel_tool_calls flag. "auto" stays a bare string; a specific tool
// becomes {type: function, function: {name}} with parallelism disabled.
func convertToolChoice(tc any) (any, bool, bool) {
	switch v := tc.(type) {
	case string:
		switch v {
		case "auto", "any":
			return "auto", true, true
		case "none":
			return map[string]any{"type": "none"}, false, true
		default:
			return map[string]any{"type": "function", "function": map[string]any{"name": v}}, false, true
		}
	case map[string]any:
		switch v["type"] {
		case "auto", "any":
			return "auto", true, true
		case "none":
			return map[string]any{"type": "none"}, false, true
		case "tool", "function":
			if name, _ := v["name"].(string); name != "" {
				return map[string]any{"type": "function", "function": map[string]any{"name": name}}, false, true
			}
		}

		return "auto", true, true
	default:
		return nil, false, false
	}
}

var responseFormatWhitelist = []string{"type", "json_schema", "strict"}

func whitelistResponseFormat(rf map[string]any) map[string]any {
	out := map[string]any{}

	for _, k := range responseFormatWhitelist {
		if v, ok := rf[k]; ok {
			out[k] = v
		}
	}

	return out
}
