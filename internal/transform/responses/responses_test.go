package responses

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiafuei/ccproxy/internal/transform"
)

func transformRequest(t *testing.T, req map[string]any) map[string]any {
	t.Helper()

	tr := &RequestTransformer{}

	out, _, err := tr.TransformRequest(transform.RequestParams{Request: req})
	require.NoError(t, err)

	return out
}

func TestRequest_Basics(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model":      "gpt-5",
		"max_tokens": 2000.0,
		"system":     "Be brief.",
		"messages": []any{
			map[string]any{"role": "user", "content": "Hi"},
		},
	})

	assert.Equal(t, "gpt-5", out["model"])
	assert.Equal(t, false, out["store"])
	assert.Equal(t, "Be brief.", out["instructions"])
	assert.Equal(t, 2000.0, out["max_output_tokens"])

	metadata := out["metadata"].(map[string]any)
	assert.Equal(t, "cc-proxy", metadata["source"])

	input := out["input"].([]any)
	require.Len(t, input, 1)

	item := input[0].(map[string]any)
	assert.Equal(t, "message", item["type"])
	assert.Equal(t, "user", item["role"])

	parts := item["content"].([]any)
	require.Len(t, parts, 1)
	assert.Equal(t, map[string]any{"type": "input_text", "text": "Hi"}, parts[0])
}

func TestRequest_AssistantTextIsOutputText(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model": "gpt-5",
		"messages": []any{
			map[string]any{"role": "assistant", "content": "earlier reply"},
		},
	})

	input := out["input"].([]any)
	parts := input[0].(map[string]any)["content"].([]any)
	assert.Equal(t, "output_text", parts[0].(map[string]any)["type"])
}

func TestRequest_ToolUseAndResultItems(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model": "gpt-5",
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "text", "text": "checking"},
					map[string]any{
						"type":  "tool_use",
						"id":    "call_1",
						"name":  "get_weather",
						"input": map[string]any{"city": "SF"},
					},
				},
			},
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{
						"type":        "tool_result",
						"tool_use_id": "call_1",
						"content":     "sunny",
						"is_error":    false,
					},
				},
			},
		},
	})

	input := out["input"].([]any)
	require.Len(t, input, 3)

	msg := input[0].(map[string]any)
	assert.Equal(t, "message", msg["type"])

	call := input[1].(map[string]any)
	assert.Equal(t, "function_call", call["type"])
	assert.Equal(t, "get_weather", call["name"])
	assert.Equal(t, "call_1", call["call_id"])
	assert.JSONEq(t, `{"city":"SF"}`, call["arguments"].(string))

	result := input[2].(map[string]any)
	assert.Equal(t, "function_call_output", result["type"])
	assert.Equal(t, "call_1", result["call_id"])
	assert.Equal(t, "sunny", result["output"])
	assert.NotContains(t, result, "is_error")
}

func TestRequest_ThinkingBlocksDropped(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model": "gpt-5",
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "thinking", "thinking": "hmm"},
					map[string]any{"type": "text", "text": "answer"},
				},
			},
		},
	})

	input := out["input"].([]any)
	require.Len(t, input, 1)

	parts := input[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 1)
	assert.Equal(t, "answer", parts[0].(map[string]any)["text"])
}

func TestRequest_ScalarClamps(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model":             "gpt-5",
		"temperature":       3.5,
		"top_p":             1.2,
		"presence_penalty":  -5.0,
		"frequency_penalty": 5.0,
		"messages":          []any{},
	})

	assert.Equal(t, 2.0, out["temperature"])
	assert.Equal(t, 1.0, out["top_p"])
	assert.Equal(t, -2.0, out["presence_penalty"])
	assert.Equal(t, 2.0, out["frequency_penalty"])
}

func TestRequest_ReasoningEffort(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model":    "gpt-5",
		"thinking": map[string]any{"budget_tokens": 4096.0},
		"messages": []any{},
	})

	assert.Equal(t, map[string]any{"effort": "medium"}, out["reasoning"])
}

func TestRequest_ToolChoice(t *testing.T) {
	base := map[string]any{
		"model": "gpt-5",
		"tools": []any{
			map[string]any{"name": "fn", "input_schema": map[string]any{}},
		},
		"messages": []any{},
	}

	withChoice := func(tc any) map[string]any {
		req := map[string]any{}
		for k, v := range base {
			req[k] = v
		}

		req["tool_choice"] = tc

		return transformRequest(t, req)
	}

	// tool_choice and parallel_tool_calls travel as separate payload keys.
	out := withChoice("auto")
	assert.Equal(t, "auto", out["tool_choice"])
	assert.Equal(t, true, out["parallel_tool_calls"])

	out = withChoice(map[string]any{"type": "tool", "name": "fn"})
	assert.Equal(t, map[string]any{
		"type":     "function",
		"function": map[string]any{"name": "fn"},
	}, out["tool_choice"])
	assert.Equal(t, false, out["parallel_tool_calls"])

	out = withChoice("none")
	assert.Equal(t, map[string]any{"type": "none"}, out["tool_choice"])
	assert.Equal(t, false, out["parallel_tool_calls"])
}

func TestRequest_NoToolChoiceOmitsParallelFlag(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model":    "gpt-5",
		"messages": []any{},
	})

	assert.NotContains(t, out, "tool_choice")
	assert.NotContains(t, out, "parallel_tool_calls")
}

func TestRequest_WebSearchBothDomainListsIsError(t *testing.T) {
	tr := &RequestTransformer{}

	_, _, err := tr.TransformRequest(transform.RequestParams{Request: map[string]any{
		"model": "gpt-5",
		"tools": []any{
			map[string]any{
				"type":            "web_search_20250305",
				"name":            "web_search",
				"allowed_domains": []any{"a.com"},
				"blocked_domains": []any{"b.com"},
			},
		},
		"messages": []any{},
	}})

	assert.Error(t, err)
}

func TestRequest_ResponseFormatWhitelist(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model": "gpt-5",
		"response_format": map[string]any{
			"type":        "json_schema",
			"json_schema": map[string]any{"name": "x"},
			"strict":      true,
			"extra":       "dropped",
		},
		"messages": []any{},
	})

	rf := out["response_format"].(map[string]any)
	assert.NotContains(t, rf, "extra")
	assert.Equal(t, true, rf["strict"])
}

func transformResponse(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()

	tr := &ResponseTransformer{}

	out, err := tr.TransformResponse(transform.ResponseParams{Response: resp})
	require.NoError(t, err)

	return out
}

func TestResponse_TextAndUsage(t *testing.T) {
	out := transformResponse(t, map[string]any{
		"id":     "resp_1",
		"model":  "gpt-5",
		"status": "completed",
		"output": []any{
			map[string]any{
				"type": "message",
				"content": []any{
					map[string]any{"type": "output_text", "text": "Hello!"},
				},
			},
		},
		"usage": map[string]any{
			"input_tokens":  20.0,
			"output_tokens": 4.0,
			"total_tokens":  24.0,
			"output_tokens_details": map[string]any{
				"reasoning_tokens": 2.0,
			},
		},
	})

	assert.Equal(t, "end_turn", out["stop_reason"])

	content := out["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, map[string]any{"type": "text", "text": "Hello!"}, content[0])

	usage := out["usage"].(map[string]any)
	assert.Equal(t, 20.0, usage["input_tokens"])
	assert.Equal(t, 24.0, usage["total_tokens"])
	assert.Equal(t, 2.0, usage["reasoning_output_tokens"])
}

func TestResponse_FunctionCall(t *testing.T) {
	out := transformResponse(t, map[string]any{
		"id":     "resp_1",
		"status": "completed",
		"output": []any{
			map[string]any{
				"type":      "function_call",
				"name":      "get_weather",
				"call_id":   "call_1",
				"arguments": `{"city":"SF"}`,
			},
		},
	})

	assert.Equal(t, "tool_use", out["stop_reason"])

	content := out["content"].([]any)
	require.Len(t, content, 1)

	block := content[0].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "call_1", block["id"])
	assert.Equal(t, map[string]any{"city": "SF"}, block["input"])
}

func TestResponse_FunctionCallOutput(t *testing.T) {
	out := transformResponse(t, map[string]any{
		"id":     "resp_1",
		"status": "completed",
		"output": []any{
			map[string]any{
				"type":     "function_call_output",
				"call_id":  "call_1",
				"output":   "sunny",
				"is_error": true,
			},
		},
	})

	content := out["content"].([]any)
	require.Len(t, content, 1)

	block := content[0].(map[string]any)
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "call_1", block["tool_use_id"])
	assert.Equal(t, true, block["is_error"])

	inner := block["content"].([]any)
	require.Len(t, inner, 1)
	assert.Equal(t, "sunny", inner[0].(map[string]any)["text"])
}

func TestResponse_Reasoning(t *testing.T) {
	out := transformResponse(t, map[string]any{
		"id":     "resp_1",
		"status": "completed",
		"output": []any{
			map[string]any{
				"type": "reasoning",
				"summary": []any{
					map[string]any{"type": "summary_text", "text": "step one; "},
					map[string]any{"type": "summary_text", "text": "step two"},
				},
				"encrypted_content": "sig",
			},
		},
	})

	content := out["content"].([]any)
	require.Len(t, content, 1)

	block := content[0].(map[string]any)
	assert.Equal(t, "thinking", block["type"])
	assert.Equal(t, "step one; step two", block["thinking"])
	assert.Equal(t, "sig", block["signature"])
}

func TestResponse_StatusMapping(t *testing.T) {
	for status, want := range map[string]string{
		"completed":       "end_turn",
		"failed":          "error",
		"cancelled":       "cancelled",
		"in_progress":     "incomplete",
		"requires_action": "tool_use",
	} {
		out := transformResponse(t, map[string]any{
			"id":     "r",
			"status": status,
			"output": []any{},
		})

		assert.Equal(t, want, out["stop_reason"], "status %s", status)
	}
}

func TestResponse_EmptyOutputGetsEmptyTextBlock(t *testing.T) {
	out := transformResponse(t, map[string]any{
		"id":     "r",
		"status": "completed",
		"output": []any{},
	})

	content := out["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, map[string]any{"type": "text", "text": ""}, content[0])
}

func TestResponse_ErrorPayloadSurfacedAsAnthropicError(t *testing.T) {
	out := transformResponse(t, map[string]any{
		"error": map[string]any{"type": "server_error", "message": "boom"},
	})

	assert.Equal(t, "error", out["type"])
	assert.Equal(t, "boom", out["error"].(map[string]any)["message"])
}

func feedStream(t *testing.T, state *transform.SSEState, lines ...string) []byte {
	t.Helper()

	tr := &StreamTransformer{}

	var out []byte

	for _, line := range lines {
		b, err := tr.TransformChunk(transform.ChunkParams{Chunk: []byte(line + "\n"), State: state})
		require.NoError(t, err)

		out = append(out, b...)
	}

	return out
}

func eventNames(raw []byte) []string {
	var names []string

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}

	return names
}

func TestStream_TextHappyPath(t *testing.T) {
	state := transform.NewSSEState()

	out := feedStream(t, state,
		`data: {"type":"response.created","response":{"id":"resp_1","model":"gpt-5"}}`,
		`data: {"type":"response.output_item.added","item":{"type":"message"}}`,
		`data: {"type":"response.output_text.delta","delta":"Hel"}`,
		`data: {"type":"response.output_text.delta","delta":"lo"}`,
		`data: {"type":"response.output_item.done"}`,
		`data: {"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":5,"output_tokens":2}}}`,
	)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(out))
}

func TestStream_FunctionCall(t *testing.T) {
	state := transform.NewSSEState()

	out := feedStream(t, state,
		`data: {"type":"response.created","response":{"id":"resp_1","model":"gpt-5"}}`,
		`data: {"type":"response.output_item.added","item":{"type":"function_call","name":"get_weather","call_id":"call_1"}}`,
		`data: {"type":"response.function_call_arguments.delta","delta":"{\"city\":\"SF\"}"}`,
		`data: {"type":"response.output_item.done"}`,
		`data: {"type":"response.completed","response":{"status":"completed","output":[{"type":"function_call"}]}}`,
	)

	names := eventNames(out)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	assert.Contains(t, string(out), `"partial_json":"{\"city\":\"SF\"}"`)
	assert.Contains(t, string(out), `"stop_reason":"tool_use"`)
}
