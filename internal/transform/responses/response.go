package responses

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jiafuei/ccproxy/internal/transform"
)

type ResponseTransformer struct{}

func newResponseTransformer(map[string]any) (transform.Transformer, error) {
	return &ResponseTransformer{}, nil
}

func (t *ResponseTransformer) TransformResponse(p transform.ResponseParams) (map[string]any, error) {
	resp := p.Response

	if errObj, ok := resp["error"].(map[string]any); ok && errObj != nil {
		return map[string]any{"type": "error", "error": errObj}, nil
	}

	output, ok := resp["output"].([]any)
	if !ok {
		return resp, fmt.Errorf("responses.response: no output in response")
	}

	content := buildContentBlocks(output)

	out := map[string]any{
		"id":      resp["id"],
		"type":    "message",
		"role":    "assistant",
		"model":   resp["model"],
		"content": content,
	}

	out["stop_reason"] = mapStatus(resp)

	if usage, ok := resp["usage"].(map[string]any); ok {
		out["usage"] = convertUsage(usage)
	}

	return out, nil
}

func buildContentBlocks(output []any) []any {
	var content []any

	for _, raw := range output {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		switch item["type"] {
		case "reasoning":
			if block := reasoningBlock(item); block != nil {
				content = append(content, block)
			}
		case "message":
			content = append(content, messageTextBlocks(item)...)
		case "function_call":
			content = append(content, functionCallBlock(item))
		case "function_call_output":
			content = append(content, functionCallOutputBlock(item))
		case "web_search_call":
			content = append(content, webSearchResultBlock(item))
		}
	}

	if len(content) == 0 {
		content = append(content, map[string]any{"type": "text", "text": ""})
	}

	return content
}

func reasoningBlock(item map[string]any) map[string]any {
	summary, _ := item["summary"].([]any)

	var text string

	for _, raw := range summary {
		s, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if t, ok := s["text"].(string); ok {
			text += t
		}
	}

	if text == "" {
		return nil
	}

	block := map[string]any{"type": "thinking", "thinking": text}

	if sig, ok := item["encrypted_content"].(string); ok && sig != "" {
		block["signature"] = sig
	}

	return block
}

func messageTextBlocks(item map[string]any) []any {
	contentArr, _ := item["content"].([]any)

	var out []any

	for _, raw := range contentArr {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		switch c["type"] {
		case "output_text":
			text, _ := c["text"].(string)
			out = append(out, map[string]any{"type": "text", "text": text})
		case "output_image":
			url, _ := c["image_url"].(string)
			out = append(out, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "url", "url": url},
			})
		case "web_search_result":
			url, _ := c["url"].(string)
			sum := md5.Sum([]byte(url))

			out = append(out, map[string]any{
				"type":    "web_search_tool_result",
				"id":      "search_" + hex.EncodeToString(sum[:])[:8],
				"content": c["content"],
			})
		}
	}

	return out
}

func functionCallBlock(item map[string]any) map[string]any {
	name, _ := item["name"].(string)
	callID, _ := item["call_id"].(string)

	var input map[string]any

	if args, ok := item["arguments"].(string); ok && args != "" {
		_ = json.Unmarshal([]byte(args), &input)
	}

	return map[string]any{
		"type":  "tool_use",
		"id":    callID,
		"name":  name,
		"input": input,
	}
}

func functionCallOutputBlock(item map[string]any) map[string]any {
	callID, _ := item["call_id"].(string)
	output, _ := item["output"].(string)

	block := map[string]any{
		"type":        "tool_result",
		"tool_use_id": callID,
		"content":     []any{map[string]any{"type": "text", "text": output}},
	}

	if isErr, ok := item["is_error"].(bool); ok && isErr {
		block["is_error"] = true
	}

	return block
}

func webSearchResultBlock(item map[string]any) map[string]any {
	return map[string]any{
		"type": "server_tool_use",
		"id":   item["id"],
		"name": "web_search",
	}
}

func mapStatus(resp map[string]any) string {
	status, _ := resp["status"].(string)

	incomplete, _ := resp["incomplete_details"].(map[string]any)
	if incomplete != nil {
		if reason, ok := incomplete["reason"].(string); ok && reason == "max_output_tokens" {
			return "max_tokens"
		}
	}

	output, _ := resp["output"].([]any)

	for _, raw := range output {
		item, ok := raw.(map[string]any)
		if ok && item["type"] == "function_call" {
			return "tool_use"
		}
	}

	switch status {
	case "completed":
		return "end_turn"
	case "failed":
		return "error"
	case "cancelled":
		return "cancelled"
	case "in_progress":
		return "incomplete"
	case "requires_action":
		return "tool_use"
	case "incomplete":
		return "max_tokens"
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

	if v, ok := usage["input_tokens"]; ok {
		out["input_tokens"] = v
	}

	if v, ok := usage["output_tokens"]; ok {
		out["output_tokens"] = v
	}

	if v, ok := usage["total_tokens"]; ok {
		out["total_tokens"] = v
	}

	if details, ok := usage["input_tokens_details"].(map[string]any); ok {
		if v, ok := details["cached_tokens"]; ok {
			out["cache_read_input_tokens"] = v
		}
	}

	if details, ok := usage["output_tokens_details"].(map[string]any); ok {
		if v, ok := details["reasoning_tokens"]; ok {
			out["reasoning_output_tokens"] = v
		}
	}

	return out
}
