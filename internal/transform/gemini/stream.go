package gemini

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/jiafuei/ccproxy/internal/sse"
	"github.com/jiafuei/ccproxy/internal/transform"
)

// StreamTransformer maintains continuation state across Gemini
// streamGenerateContent SSE chunks and emits the equivalent Anthropic SSE
// event sequence.
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

		var chunk map[string]any
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}

		out = append(out, handleChunk(chunk, state)...)
	}

	return out, nil
}

func handleChunk(chunk map[string]any, state *transform.SSEState) []byte {
	var out []byte

	if id, ok := chunk["responseId"].(string); ok && state.MessageID == "" {
		state.MessageID = id
	}

	if model, ok := chunk["modelVersion"].(string); ok && state.Model == "" {
		state.Model = model
	}

	candidates, _ := chunk["candidates"].([]any)
	if len(candidates) == 0 {
		return out
	}

	candidate, ok := candidates[0].(map[string]any)
	if !ok {
		return out
	}

	if !state.MessageStarted {
		out = append(out, startMessage(chunk, state)...)
	}

	if content, ok := candidate["content"].(map[string]any); ok {
		if parts, ok := content["parts"].([]any); ok {
			out = append(out, handleParts(parts, state)...)
		}
	}

	if reason, ok := candidate["finishReason"].(string); ok && reason != "" {
		out = append(out, closeBlocks(state)...)
		out = append(out, finishMessage(reason, chunk, state)...)
	}

	return out
}

func startMessage(chunk map[string]any, state *transform.SSEState) []byte {
	state.MessageStarted = true

	usage := map[string]any{"input_tokens": 0, "output_tokens": 1}

	if usageMetadata, ok := chunk["usageMetadata"].(map[string]any); ok {
		if v, ok := usageMetadata["promptTokenCount"]; ok {
			usage["input_tokens"] = v
		}
	}

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
			"usage":         usage,
		},
	})
}

func handleParts(parts []any, state *transform.SSEState) []byte {
	var out []byte

	for _, raw := range parts {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if text, ok := part["text"].(string); ok && text != "" {
			out = append(out, emitTextDelta(state, text)...)
		}

		if fc, ok := part["functionCall"].(map[string]any); ok {
			out = append(out, emitFunctionCall(state, fc)...)
		}
	}

	return out
}

func emitTextDelta(state *transform.SSEState, text string) []byte {
	var out []byte

	if state.ActiveTextBlock == nil {
		idx := state.NextBlockIndex
		state.NextBlockIndex++
		state.ActiveTextBlock = &idx

		out = append(out, sse.Frame("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         idx,
			"content_block": map[string]any{"type": "text", "text": ""},
		})...)
	}

	out = append(out, sse.Frame("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": *state.ActiveTextBlock,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})...)

	return out
}

func emitFunctionCall(state *transform.SSEState, fc map[string]any) []byte {
	out := closeBlocks(state)

	idx := state.NextBlockIndex
	state.NextBlockIndex++

	name, _ := fc["name"].(string)
	id := "toolu_gemini_" + uuid.New().String()

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

	if args, ok := fc["args"]; ok && args != nil {
		if argsJSON, err := json.Marshal(args); err == nil {
			out = append(out, sse.Frame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": idx,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(argsJSON)},
			})...)
		}
	}

	out = append(out, sse.Frame("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})...)

	return out
}

func closeBlocks(state *transform.SSEState) []byte {
	if state.ActiveTextBlock == nil {
		return nil
	}

	idx := *state.ActiveTextBlock
	state.ActiveTextBlock = nil

	return sse.Frame("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})
}

func finishMessage(reason string, chunk map[string]any, state *transform.SSEState) []byte {
	state.StopReason = reason

	delta := map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   mapStopReason(reason),
			"stop_sequence": nil,
		},
	}

	if usageMetadata, ok := chunk["usageMetadata"].(map[string]any); ok {
		delta["usage"] = convertUsage(usageMetadata)
	}

	var out []byte

	out = append(out, sse.Frame("message_delta", delta)...)
	out = append(out, sse.Frame("message_stop", map[string]any{"type": "message_stop"})...)

	return out
}
