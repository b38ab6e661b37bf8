package openai

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jiafuei/ccproxy/internal/transform"
)

// ResponseTransformer converts an OpenAI Chat Completions response into an
// Anthropic-shaped response.
type ResponseTransformer struct{}

func newResponseTransformer(map[string]any) (transform.Transformer, error) {
	return &ResponseTransformer{}, nil
}

func (t *ResponseTransformer) TransformResponse(p transform.ResponseParams) (map[string]any, error) {
	resp := p.Response

	choices, _ := resp["choices"].([]any)
	if len(choices) == 0 {
		return resp, fmt.Errorf("openai.response: no choices in response")
	}

	choice, _ := choices[0].(map[string]any)
	message, _ := choice["message"].(map[string]any)

	content := buildContentBlocks(message)

	out := map[string]any{
		"id":      resp["id"],
		"type":    "message",
		"role":    "assistant",
		"model":   resp["model"],
		"content": content,
	}

	if reason, ok := choice["finish_reason"].(string); ok {
		out["stop_reason"] = mapStopReason(reason)
	} else {
		out["stop_reason"] = "end_turn"
	}

	if usage, ok := resp["usage"].(map[string]any); ok {
		out["usage"] = convertUsage(usage)
	}

	return out, nil
}

func buildContentBlocks(message map[string]any) []any {
	var content []any

	if reasoning, ok := message["reasoning"]; ok {
		if text, ok := reasoning.(string); ok && text != "" {
			block := map[string]any{"type": "thinking", "thinking": text}
			if sig, ok := message["reasoning_signature"].(string); ok && sig != "" {
				block["signature"] = sig
			}

			content = append(content, block)
		}
	}

	if text, ok := message["content"].(string); ok && text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}

	if toolCalls, ok := message["tool_calls"].([]any); ok {
		for _, raw := range toolCalls {
			tc, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			if tc["type"] != nil && tc["type"] != "function" {
				continue
			}

			fn, _ := tc["function"].(map[string]any)
			if fn == nil {
				continue
			}

			var input map[string]any

			if args, ok := fn["arguments"].(string); ok && args != "" {
				_ = json.Unmarshal([]byte(args), &input)
			}

			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    tc["id"],
				"name":  fn["name"],
				"input": input,
			})
		}
	}

	if annotations, ok := message["annotations"].([]any); ok {
		content = append(content, urlCitationBlocks(annotations, message)...)
	}

	if len(content) == 0 {
		content = append(content, map[string]any{"type": "text", "text": ""})
	}

	return content
}

func urlCitationBlocks(annotations []any, message map[string]any) []any {
	fullText, _ := message["content"].(string)

	var blocks []any

	for _, raw := range annotations {
		a, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if a["type"] != "url_citation" {
			continue
		}

		urlCitation, ok := a["url_citation"].(map[string]any)
		if !ok {
			urlCitation = a
		}

		url, _ := urlCitation["url"].(string)
		snippet := sliceByIndices(fullText, urlCitation["start_index"], urlCitation["end_index"])

		sum := md5.Sum([]byte(url))

		blocks = append(blocks, map[string]any{
			"type":    "web_search_tool_result",
			"id":      "search_" + hex.EncodeToString(sum[:])[:8],
			"content": snippet,
		})
	}

	return blocks
}

func sliceByIndices(s string, startAny, endAny any) string {
	start, ok1 := toFloat(startAny)
	end, ok2 := toFloat(endAny)

	if !ok1 || !ok2 {
		return ""
	}

	si, ei := int(start), int(end)
	if si < 0 || ei > len(s) || si > ei {
		return ""
	}

	return s[si:ei]
}

func mapStopReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "content_filter":
		return "stop_sequence"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func convertUsage(usage map[string]any) map[string]any {
	out := map[string]any{
		"input_tokens":              0,
		"output_tokens":             0,
		"cache_read_input_tokens":   0,
		"cache_create_input_tokens": 0,
	}

	if v, ok := usage["prompt_tokens"]; ok {
		out["input_tokens"] = v
	}

	if v, ok := usage["completion_tokens"]; ok {
		out["output_tokens"] = v
	}

	if details, ok := usage["prompt_tokens_details"].(map[string]any); ok {
		if v, ok := details["cached_tokens"]; ok {
			out["cache_read_input_tokens"] = v
		}
	}

	if details, ok := usage["completion_tokens_details"].(map[string]any); ok {
		if v, ok := details["reasoning_tokens"]; ok {
			out["reasoning_output_tokens"] = v
		}
	}

	return out
}
