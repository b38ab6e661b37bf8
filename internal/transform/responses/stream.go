package responses

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"github.com/jiafuei/ccproxy/internal/sse"
	"github.com/jiafuei/ccproxy/internal/transform"
)

// StreamTransformer translates OpenAI Responses API SSE events
// (response.output_item.added/done, response.*.delta, response.completed)
// into the Anthropic SSE event sequence, following the same per-request
// SSEState idiom as internal/transform/openai's StreamTransformer.
type StreamTransformer struct{}

func newStreamTransformer(map[string]any) (transform.Transformer, error) {
	return &StreamTransformer{}, nil
}

func (t *StreamTransformer) TransformChunk(p transform.ChunkParams) ([]byte, error) {
	state := p.State

	var out []byte

	scanner := bufio.NewScanner(bytes.NewReader(p.Chunk))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var event map[string]any
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}

		out = append(out, handleEvent(event, state)...)
	}

	return out, nil
}

func handleEvent(event map[string]any, state *transform.SSEState) []byte {
	typ, _ := event["type"].(string)

	switch typ {
	case "response.created":
		return startMessage(event, state)
	case "response.output_item.added":
		return startItem(event, state)
	case "response.output_text.delta":
		return emitTextDelta(event, state)
	case "response.reasoning_summary_text.delta":
		return emitThinkingDelta(event, state)
	case "response.function_call_arguments.delta":
		return emitArgsDelta(event, state)
	case "response.output_item.done":
		return closeItem(state)
	case "response.completed":
		return finishMessage(event, state)
	default:
		return nil
	}
}

func startMessage(event map[string]any, state *transform.SSEState) []byte {
	resp, _ := event["response"].(map[string]any)

	id, _ := resp["id"].(string)
	model, _ := resp["model"].(string)

	state.MessageID = id
	state.Model = model
	state.MessageStarted = true

	return sse.Frame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

func startItem(event map[string]any, state *transform.SSEState) []byte {
	item, _ := event["item"].(map[string]any)

	idx := state.NextBlockIndex
	state.NextBlockIndex++

	switch item["type"] {
	case "message":
		state.ActiveTextBlock = &idx

		return sse.Frame("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         idx,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
	case "reasoning":
		state.Extra["thinking_block"] = idx

		return sse.Frame("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         idx,
			"content_block": map[string]any{"type": "thinking", "thinking": ""},
		})
	case "function_call":
		state.ActiveToolBlock = &idx

		name, _ := item["name"].(string)
		callID, _ := item["call_id"].(string)
		state.ToolBlockNames[idx] = name

		return sse.Frame("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": idx,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    callID,
				"name":  name,
				"input": map[string]any{},
			},
		})
	default:
		state.NextBlockIndex--
		return nil
	}
}

func emitTextDelta(event map[string]any, state *transform.SSEState) []byte {
	if state.ActiveTextBlock == nil {
		return nil
	}

	delta, _ := event["delta"].(string)

	return sse.Frame("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": *state.ActiveTextBlock,
		"delta": map[string]any{"type": "text_delta", "text": delta},
	})
}

func emitThinkingDelta(event map[string]any, state *transform.SSEState) []byte {
	idx, ok := state.Extra["thinking_block"].(int)
	if !ok {
		return nil
	}

	delta, _ := event["delta"].(string)

	return sse.Frame("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": idx,
		"delta": map[string]any{"type": "thinking_delta", "thinking": delta},
	})
}

func emitArgsDelta(event map[string]any, state *transform.SSEState) []byte {
	if state.ActiveToolBlock == nil {
		return nil
	}

	delta, _ := event["delta"].(string)

	return sse.Frame("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": *state.ActiveToolBlock,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": delta},
	})
}

func closeItem(state *transform.SSEState) []byte {
	var out []byte

	if state.ActiveTextBlock != nil {
		idx := *state.ActiveTextBlock
		state.ActiveTextBlock = nil
		out = append(out, sse.Frame("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})...)
	}

	if state.ActiveToolBlock != nil {
		idx := *state.ActiveToolBlock
		state.ActiveToolBlock = nil
		out = append(out, sse.Frame("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})...)
	}

	if idx, ok := state.Extra["thinking_block"].(int); ok {
		delete(state.Extra, "thinking_block")
		out = append(out, sse.Frame("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})...)
	}

	return out
}

func finishMessage(event map[string]any, state *transform.SSEState) []byte {
	resp, _ := event["response"].(map[string]any)

	stopReason := mapStatus(resp)
	state.StopReason = stopReason

	delta := map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
	}

	if usage, ok := resp["usage"].(map[string]any); ok {
		delta["usage"] = convertUsage(usage)
	}

	var out []byte

	out = append(out, sse.Frame("message_delta", delta)...)
	out = append(out, sse.Frame("message_stop", map[string]any{"type": "message_stop"})...)

	return out
}
