package openai

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"github.com/jiafuei/ccproxy/internal/sse"
	"github.com/jiafuei/ccproxy/internal/transform"
)

// StreamTransformer maintains continuation state across OpenAI Chat
// Completions SSE chunks and emits the equivalent Anthropic SSE event
// sequence.
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
		if payload == "" {
			continue
		}

		if payload == "[DONE]" {
			out = append(out, sse.Frame("message_stop", map[string]any{"type": "message_stop"})...)
			continue
		}

		events, err := handleChunk(payload, state)
		if err != nil {
			continue
		}

		out = append(out, events...)
	}

	return out, nil
}

func handleChunk(payload string, state *transform.SSEState) ([]byte, error) {
	var chunk map[string]any
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return nil, err
	}

	choices, hasChoices := chunk["choices"].([]any)

	if (!hasChoices || len(choices) == 0) && chunk["usage"] != nil {
		return emitUsageOnlyTail(chunk, state), nil
	}

	if len(choices) == 0 {
		return nil, nil
	}

	choice, _ := choices[0].(map[string]any)
	delta, _ := choice["delta"].(map[string]any)

	var out []byte

	if id, ok := chunk["id"].(string); ok && state.MessageID == "" {
		state.MessageID = id
	}

	if model, ok := chunk["model"].(string); ok && state.Model == "" {
		state.Model = model
	}

	if role, ok := delta["role"].(string); ok && role != "" && !state.MessageStarted {
		out = append(out, startMessage(state)...)
	}

	if content, ok := delta["content"].(string); ok && content != "" {
		out = append(out, emitTextDelta(state, content)...)
	}

	if toolCalls, ok := delta["tool_calls"].([]any); ok && len(toolCalls) > 0 {
		out = append(out, emitToolCalls(state, toolCalls)...)
	}

	if reason, ok := choice["finish_reason"].(string); ok && reason != "" {
		out = append(out, closeBlocks(state)...)
		state.StopReason = reason
	}

	return out, nil
}

func startMessage(state *transform.SSEState) []byte {
	state.MessageStarted = true

	return sse.Frame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            state.MessageID,
			"type":          "message",
			"role":          "assistant",
			"model":         state.Model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

func emitTextDelta(state *transform.SSEState, content string) []byte {
	var out []byte

	if state.ActiveTextBlock == nil {
		idx := state.NextBlockIndex
		state.NextBlockIndex++
		state.ActiveTextBlock = &idx

		out = append(out, sse.Frame("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": idx,
			"content_block": map[string]any{
				"type": "text",
				"text": "",
			},
		})...)
	}

	out = append(out, sse.Frame("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": *state.ActiveTextBlock,
		"delta": map[string]any{"type": "text_delta", "text": content},
	})...)

	return out
}

func emitToolCalls(state *transform.SSEState, toolCalls []any) []byte {
	var out []byte

	for _, raw := range toolCalls {
		tc, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		typ, _ := tc["type"].(string)
		if typ == "function" {
			out = append(out, closeTextBlock(state)...)

			idx := state.NextBlockIndex
			state.NextBlockIndex++
			state.ActiveToolBlock = &idx

			id, _ := tc["id"].(string)

			name := ""
			if fn, ok := tc["function"].(map[string]any); ok {
				name, _ = fn["name"].(string)
			}

			state.ToolBlockNames[idx] = name

			out = append(out, sse.Frame("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": idx,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    id,
					"name":  name,
					"input": map[string]any{},
				},
			})...)
		}

		if fn, ok := tc["function"].(map[string]any); ok {
			if args, ok := fn["arguments"].(string); ok && args != "" && state.ActiveToolBlock != nil {
				out = append(out, sse.Frame("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": *state.ActiveToolBlock,
					"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
				})...)
			}
		}
	}

	return out
}

func closeTextBlock(state *transform.SSEState) []byte {
	if state.ActiveTextBlock == nil {
		return nil
	}

	idx := *state.ActiveTextBlock
	state.ActiveTextBlock = nil

	return sse.Frame("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})
}

func closeBlocks(state *transform.SSEState) []byte {
	var out []byte

	out = append(out, closeTextBlock(state)...)

	if state.ActiveToolBlock != nil {
		idx := *state.ActiveToolBlock
		state.ActiveToolBlock = nil
		out = append(out, sse.Frame("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})...)
	}

	return out
}

func emitUsageOnlyTail(chunk map[string]any, state *transform.SSEState) []byte {
	usage, _ := chunk["usage"].(map[string]any)

	delta := map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   mapStopReason(state.StopReason),
			"stop_sequence": nil,
		},
	}

	if usage != nil {
		delta["usage"] = convertUsage(usage)
	}

	return sse.Frame("message_delta", delta)
}
