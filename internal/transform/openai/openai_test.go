package openai

import (
	"bufio"
	"bytes"
	"encoding/json"
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

func TestRequest_HappyPath(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model":      "gpt-4o",
		"max_tokens": 1000.0,
		"stream":     true,
		"messages": []any{
			map[string]any{"role": "user", "content": "Hi"},
		},
	})

	assert.Equal(t, "gpt-4o", out["model"])
	assert.Equal(t, false, out["store"])
	assert.Equal(t, true, out["stream"])
	assert.Equal(t, map[string]any{"include_usage": true}, out["stream_options"])
	assert.Equal(t, 1000.0, out["max_completion_tokens"])

	messages := out["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, map[string]any{"role": "user", "content": "Hi"}, messages[0])
}

func TestRequest_NoStreamOptionsWhenNotStreaming(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model":    "gpt-4o",
		"messages": []any{},
	})

	assert.Equal(t, false, out["stream"])
	assert.NotContains(t, out, "stream_options")
}

func TestRequest_ReasoningEffortThresholds(t *testing.T) {
	cases := []struct {
		budget float64
		effort string
	}{
		{512, "low"},
		{1023, "low"},
		{1024, "medium"},
		{8191, "medium"},
		{8192, "high"},
		{0, ""},
	}

	for _, tc := range cases {
		out := transformRequest(t, map[string]any{
			"model":    "gpt-4o",
			"messages": []any{},
			"thinking": map[string]any{"budget_tokens": tc.budget},
		})

		if tc.effort == "" {
			assert.NotContains(t, out, "reasoning_effort", "budget %v", tc.budget)
		} else {
			assert.Equal(t, tc.effort, out["reasoning_effort"], "budget %v", tc.budget)
		}
	}
}

func TestRequest_SystemPrepended(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model": "gpt-4o",
		"system": []any{
			map[string]any{"type": "text", "text": "You are "},
			map[string]any{"type": "text", "text": "helpful."},
		},
		"messages": []any{
			map[string]any{"role": "user", "content": "Hi"},
		},
	})

	messages := out["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, map[string]any{"role": "system", "content": "You are helpful."}, messages[0])
}

func TestRequest_TextAndToolUseCombine(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model": "gpt-4o",
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "text", "text": "Let me check."},
					map[string]any{
						"type":  "tool_use",
						"id":    "toolu_1",
						"name":  "get_weather",
						"input": map[string]any{"city": "SF"},
					},
				},
			},
		},
	})

	messages := out["messages"].([]any)
	require.Len(t, messages, 1)

	msg := messages[0].(map[string]any)
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "Let me check.", msg["content"])

	calls := msg["tool_calls"].([]any)
	require.Len(t, calls, 1)

	call := calls[0].(map[string]any)
	assert.Equal(t, "function", call["type"])
	assert.Equal(t, "toolu_1", call["id"])

	fn := call["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
	assert.JSONEq(t, `{"city":"SF"}`, fn["arguments"].(string))
}

func TestRequest_ToolResultStartsNewMessage(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model": "gpt-4o",
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "text", "text": "before"},
					map[string]any{"type": "tool_result", "tool_use_id": "toolu_1", "content": "42"},
					map[string]any{"type": "text", "text": "after"},
				},
			},
		},
	})

	messages := out["messages"].([]any)
	require.Len(t, messages, 3)

	assert.Equal(t, "user", messages[0].(map[string]any)["role"])
	assert.Equal(t, "before", messages[0].(map[string]any)["content"])

	toolMsg := messages[1].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "toolu_1", toolMsg["tool_call_id"])
	assert.Equal(t, "42", toolMsg["content"])

	assert.Equal(t, "after", messages[2].(map[string]any)["content"])
}

func TestRequest_ImageBlock(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model": "gpt-4o",
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": "image/png",
							"data":       "AAAA",
						},
					},
					map[string]any{
						"type":   "image",
						"source": map[string]any{"type": "url", "url": "https://x/y.png"},
					},
				},
			},
		},
	})

	messages := out["messages"].([]any)
	require.Len(t, messages, 1)

	parts := messages[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 1, "non-base64 image sources drop")

	part := parts[0].(map[string]any)
	assert.Equal(t, "image_url", part["type"])
	assert.Equal(t, "data:image/png;base64,AAAA", part["image_url"].(map[string]any)["url"])
}

func TestRequest_CallableTools(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model": "gpt-4o",
		"tools": []any{
			map[string]any{
				"name":         "get_weather",
				"description":  "Gets weather",
				"input_schema": map[string]any{"type": "object"},
			},
		},
		"messages": []any{},
	})

	tools := out["tools"].([]any)
	require.Len(t, tools, 1)

	tool := tools[0].(map[string]any)
	assert.Equal(t, "function", tool["type"])

	fn := tool["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
	assert.Equal(t, map[string]any{"type": "object"}, fn["parameters"])
}

func TestRequest_BuiltinWebSearch(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model": "gpt-4o",
		"tools": []any{
			map[string]any{
				"type":            "web_search_20250305",
				"name":            "web_search",
				"allowed_domains": []any{"python.org"},
				"user_location":   map[string]any{"country": "US", "city": "SF"},
			},
		},
		"messages": []any{},
	})

	assert.NotContains(t, out, "tools")
	assert.Equal(t, "gpt-4o-search-preview", out["model"])

	ws := out["web_search_options"].(map[string]any)
	assert.Equal(t, map[string]any{"allowed_domains": []any{"python.org"}}, ws["filters"])
	assert.Equal(t, "medium", ws["search_context_size"])

	loc := ws["user_location"].(map[string]any)
	assert.Equal(t, "approximate", loc["type"])
	assert.Equal(t, map[string]any{"country": "US", "city": "SF"}, loc["approximate"])
}

func TestRequest_MixedToolsSkipBuiltinPath(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"model": "gpt-4o",
		"tools": []any{
			map[string]any{"type": "web_search_20250305", "name": "web_search"},
			map[string]any{"name": "fn", "input_schema": map[string]any{}},
		},
		"messages": []any{},
	})

	assert.Contains(t, out, "tools")
	assert.NotContains(t, out, "web_search_options")
	assert.Equal(t, "gpt-4o", out["model"])
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
		"id":    "chatcmpl-1",
		"model": "gpt-4o",
		"choices": []any{
			map[string]any{
				"message":       map[string]any{"role": "assistant", "content": "Hello!"},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     12.0,
			"completion_tokens": 3.0,
			"prompt_tokens_details": map[string]any{
				"cached_tokens": 8.0,
			},
		},
	})

	assert.Equal(t, "chatcmpl-1", out["id"])
	assert.Equal(t, "assistant", out["role"])
	assert.Equal(t, "end_turn", out["stop_reason"])

	content := out["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, map[string]any{"type": "text", "text": "Hello!"}, content[0])

	usage := out["usage"].(map[string]any)
	assert.Equal(t, 12.0, usage["input_tokens"])
	assert.Equal(t, 3.0, usage["output_tokens"])
	assert.Equal(t, 8.0, usage["cache_read_input_tokens"])
}

func TestResponse_ReasoningAndToolCalls(t *testing.T) {
	out := transformResponse(t, map[string]any{
		"id": "chatcmpl-1",
		"choices": []any{
			map[string]any{
				"message": map[string]any{
					"role":      "assistant",
					"reasoning": "thinking hard",
					"tool_calls": []any{
						map[string]any{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "get_weather",
								"arguments": `{"city":"SF"}`,
							},
						},
					},
				},
				"finish_reason": "tool_calls",
			},
		},
	})

	content := out["content"].([]any)
	require.Len(t, content, 2)

	thinking := content[0].(map[string]any)
	assert.Equal(t, "thinking", thinking["type"])
	assert.Equal(t, "thinking hard", thinking["thinking"])

	toolUse := content[1].(map[string]any)
	assert.Equal(t, "tool_use", toolUse["type"])
	assert.Equal(t, "call_1", toolUse["id"])
	assert.Equal(t, map[string]any{"city": "SF"}, toolUse["input"])

	assert.Equal(t, "tool_use", out["stop_reason"])
}

func TestResponse_EmptyContentGetsEmptyTextBlock(t *testing.T) {
	out := transformResponse(t, map[string]any{
		"id": "chatcmpl-1",
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant"}},
		},
	})

	content := out["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, map[string]any{"type": "text", "text": ""}, content[0])
}

func TestResponse_URLCitations(t *testing.T) {
	out := transformResponse(t, map[string]any{
		"id": "chatcmpl-1",
		"choices": []any{
			map[string]any{
				"message": map[string]any{
					"role":    "assistant",
					"content": "Python is great for scripting.",
					"annotations": []any{
						map[string]any{
							"type": "url_citation",
							"url_citation": map[string]any{
								"url":         "https://python.org",
								"start_index": 0.0,
								"end_index":   6.0,
							},
						},
					},
				},
			},
		},
	})

	content := out["content"].([]any)
	require.Len(t, content, 2)

	citation := content[1].(map[string]any)
	assert.Equal(t, "web_search_tool_result", citation["type"])
	assert.True(t, strings.HasPrefix(citation["id"].(string), "search_"))
	assert.Len(t, citation["id"].(string), len("search_")+8)
	assert.Equal(t, "Python", citation["content"])
}

func TestResponse_NoChoicesIsError(t *testing.T) {
	tr := &ResponseTransformer{}

	_, err := tr.TransformResponse(transform.ResponseParams{Response: map[string]any{"id": "x"}})
	assert.Error(t, err)
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

func TestStream_HappyPath(t *testing.T) {
	state := transform.NewSSEState()

	out := feedStream(t, state,
		`data: {"id":"chatcmpl-1","model":"gpt-4o","choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"lo!"}}]}`,
		`data: {"id":"chatcmpl-1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: {"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		`data: [DONE]`,
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

	// message_delta carries the converted stop reason and usage.
	require.Contains(t, string(out), `"stop_reason":"end_turn"`)
	require.Contains(t, string(out), `"output_tokens":2`)
}

func TestStream_ToolCalls(t *testing.T) {
	state := transform.NewSSEState()

	out := feedStream(t, state,
		`data: {"id":"c","model":"m","choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"id":"c","choices":[{"delta":{"content":"checking"}}]}`,
		`data: {"id":"c","choices":[{"delta":{"tool_calls":[{"type":"function","id":"call_1","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`data: {"id":"c","choices":[{"delta":{"tool_calls":[{"function":{"arguments":"{\"city\":"}}]}}]}`,
		`data: {"id":"c","choices":[{"delta":{"tool_calls":[{"function":{"arguments":"\"SF\"}"}}]}}]}`,
		`data: {"id":"c","choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	)

	names := eventNames(out)

	// Text block closes before the tool block opens.
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // text
		"content_block_delta",
		"content_block_stop",  // text closed by tool call open
		"content_block_start", // tool_use
		"content_block_delta", // first args fragment
		"content_block_delta", // second args fragment
		"content_block_stop",
	}, names)

	assert.Contains(t, string(out), `"partial_json":"{\"city\":"`)
}

func TestStream_StateSurvivesChunkBoundaries(t *testing.T) {
	state := transform.NewSSEState()

	feedStream(t, state,
		`data: {"id":"c","model":"m","choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"id":"c","choices":[{"delta":{"content":"a"}}]}`,
	)

	assert.True(t, state.MessageStarted)
	assert.NotNil(t, state.ActiveTextBlock)
	assert.Equal(t, "c", state.MessageID)

	// A later chunk continues the same block, no second block_start.
	out := feedStream(t, state, `data: {"id":"c","choices":[{"delta":{"content":"b"}}]}`)
	assert.Equal(t, []string{"content_block_delta"}, eventNames(out))
}

func TestStream_IgnoresNonDataLines(t *testing.T) {
	state := transform.NewSSEState()

	out := feedStream(t, state, `: keep-alive`, `event: ping`, ``)
	assert.Empty(t, out)
}

func TestStream_DoneEmitsMessageStop(t *testing.T) {
	state := transform.NewSSEState()

	out := feedStream(t, state, `data: [DONE]`)
	assert.Equal(t, []string{"message_stop"}, eventNames(out))
}

func TestStream_UsageOnlyTailJSON(t *testing.T) {
	state := transform.NewSSEState()
	state.StopReason = "length"

	out := feedStream(t, state, `data: {"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":9}}`)

	var payload map[string]any

	line := strings.Split(string(out), "\n")[1]
	require.True(t, strings.HasPrefix(line, "data: "))
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))

	delta := payload["delta"].(map[string]any)
	assert.Equal(t, "max_tokens", delta["stop_reason"])

	usage := payload["usage"].(map[string]any)
	assert.Equal(t, 9.0, usage["output_tokens"])
}
