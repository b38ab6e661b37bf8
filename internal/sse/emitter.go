package sse

import "encoding/json"

// Chunk sizes for the non-streaming -> SSE emitter. The exact sizes are
// observable on the wire but carry no semantics; clients must handle any
// split.
const (
	textChunkSize = 50
	toolChunkSize = 100
)

// Emit converts a complete Anthropic-shaped response into the full SSE
// event sequence: message_start, per-content-block start/delta/stop,
// message_delta, message_stop.
func Emit(resp map[string]any) []byte {
	var out []byte

	id, _ := resp["id"].(string)
	model, _ := resp["model"].(string)

	out = append(out, Frame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         zeroUsage(resp["usage"]),
		},
	})...)

	content, _ := resp["content"].([]any)

	for i, raw := range content {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		out = append(out, emitContentBlock(i, block)...)
	}

	delta := map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   resp["stop_reason"],
			"stop_sequence": resp["stop_sequence"],
		},
	}

	if usage, ok := resp["usage"]; ok {
		delta["usage"] = usage
	}

	out = append(out, Frame("message_delta", delta)...)
	out = append(out, Frame("message_stop", map[string]any{"type": "message_stop"})...)

	return out
}

func zeroUsage(usage any) map[string]any {
	if m, ok := usage.(map[string]any); ok {
		return map[string]any{"input_tokens": m["input_tokens"], "output_tokens": 0}
	}

	return map[string]any{"input_tokens": 0, "output_tokens": 0}
}

func emitContentBlock(index int, block map[string]any) []byte {
	var out []byte

	blockType, _ := block["type"].(string)

	stub := blockStub(blockType, block)

	out = append(out, Frame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": stub,
	})...)

	switch blockType {
	case "text":
		text, _ := block["text"].(string)
		out = append(out, emitChunked(index, text, textChunkSize, "text_delta", "text")...)
	case "thinking":
		text, _ := block["thinking"].(string)
		out = append(out, emitChunked(index, text, textChunkSize, "thinking_delta", "thinking")...)

		if sig, ok := block["signature"].(string); ok && sig != "" {
			out = append(out, Frame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": index,
				"delta": map[string]any{"type": "signature_delta", "signature": sig},
			})...)
		}
	case "tool_use":
		inputJSON := marshalInput(block["input"])
		out = append(out, emitChunked(index, inputJSON, toolChunkSize, "input_json_delta", "partial_json")...)
	}

	out = append(out, Frame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})...)

	return out
}

func blockStub(blockType string, block map[string]any) map[string]any {
	switch blockType {
	case "text":
		return map[string]any{"type": "text", "text": ""}
	case "thinking":
		return map[string]any{"type": "thinking", "thinking": ""}
	case "tool_use":
		return map[string]any{
			"type":  "tool_use",
			"id":    block["id"],
			"name":  block["name"],
			"input": map[string]any{},
		}
	default:
		return block
	}
}

func emitChunked(index int, text string, size int, deltaType, field string) []byte {
	var out []byte

	if text == "" {
		return out
	}

	for i := 0; i < len(text); i += size {
		end := i + size
		if end > len(text) {
			end = len(text)
		}

		out = append(out, Frame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]any{"type": deltaType, field: text[i:end]},
		})...)
	}

	return out
}

func marshalInput(input any) string {
	if input == nil {
		return "{}"
	}

	b, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}

	return string(b)
}
