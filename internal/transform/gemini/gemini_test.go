package gemini

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
		"model":       "gemini-1.5-flash",
		"max_tokens":  1024.0,
		"temperature": 0.7,
		"system":      "Be brief.",
		"messages": []any{
			map[string]any{"role": "user", "content": "Hi"},
			map[string]any{"role": "assistant", "content": "Hello"},
		},
	})

	contents := out["contents"].([]any)
	require.Len(t, contents, 2)

	first := contents[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, []any{map[string]any{"text": "Hi"}}, first["parts"])

	second := contents[1].(map[string]any)
	assert.Equal(t, "model", second["role"], "assistant maps to model")

	sys := out["systemInstruction"].(map[string]any)
	assert.Equal(t, []any{map[string]any{"text": "Be brief."}}, sys["parts"])

	gc := out["generationConfig"].(map[string]any)
	assert.Equal(t, 1024, gc["maxOutputTokens"])
	assert.Equal(t, 0.7, gc["temperature"])

	assert.Len(t, out["safetySettings"], 4)
}

func TestRequest_ThinkingConfig(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "x"}},
		"thinking": map[string]any{"budget_tokens": 2048.0},
	})

	gc := out["generationConfig"].(map[string]any)
	tc := gc["thinkingConfig"].(map[string]any)
	assert.Equal(t, 2048, tc["thinkingBudget"])
	assert.Equal(t, true, tc["includeThoughts"])
}

func TestRequest_ToolUseAndResult(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"content": []any{
					map[string]any{
						"type":  "tool_use",
						"id":    "toolu_1",
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
						"tool_use_id": "toolu_1",
						"content":     "sunny",
					},
				},
			},
		},
	})

	contents := out["contents"].([]any)
	require.Len(t, contents, 2)

	callParts := contents[0].(map[string]any)["parts"].([]any)
	fc := callParts[0].(map[string]any)["functionCall"].(map[string]any)
	assert.Equal(t, "get_weather", fc["name"])
	assert.Equal(t, map[string]any{"city": "SF"}, fc["args"])

	resultParts := contents[1].(map[string]any)["parts"].([]any)
	fr := resultParts[0].(map[string]any)["functionResponse"].(map[string]any)
	assert.Equal(t, "toolu_1", fr["name"])
	assert.Equal(t, map[string]any{"content": "sunny"}, fr["response"])
}

func TestRequest_Tools(t *testing.T) {
	out := transformRequest(t, map[string]any{
		"messages": []any{},
		"tools": []any{
			map[string]any{
				"name":         "get_weather",
				"description":  "weather",
				"input_schema": map[string]any{"type": "object"},
			},
		},
	})

	tools := out["tools"].([]any)
	require.Len(t, tools, 1)

	decls := tools[0].(map[string]any)["functionDeclarations"].([]any)
	require.Len(t, decls, 1)
	assert.Equal(t, "get_weather", decls[0].(map[string]any)["name"])
}

func transformResponse(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()

	tr := &ResponseTransformer{}

	out, err := tr.TransformResponse(transform.ResponseParams{Response: resp})
	require.NoError(t, err)

	return out
}

func TestResponse_Text(t *testing.T) {
	out := transformResponse(t, map[string]any{
		"responseId":   "resp-1",
		"modelVersion": "gemini-1.5-flash",
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{map[string]any{"text": "Hello!"}},
					"role":  "model",
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     9.0,
			"candidatesTokenCount": 2.0,
		},
	})

	assert.Equal(t, "resp-1", out["id"])
	assert.Equal(t, "end_turn", out["stop_reason"])

	content := out["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "Hello!", content[0].(map[string]any)["text"])

	usage := out["usage"].(map[string]any)
	assert.Equal(t, 9.0, usage["input_tokens"])
	assert.Equal(t, 2.0, usage["output_tokens"])
}

func TestResponse_FunctionCall(t *testing.T) {
	out := transformResponse(t, map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{
						map[string]any{
							"functionCall": map[string]any{
								"name": "get_weather",
								"args": map[string]any{"city": "SF"},
							},
						},
					},
				},
				"finishReason": "STOP",
			},
		},
	})

	content := out["content"].([]any)
	require.Len(t, content, 1)

	block := content[0].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "get_weather", block["name"])
	assert.True(t, strings.HasPrefix(block["id"].(string), "toolu_"))
	assert.Equal(t, map[string]any{"city": "SF"}, block["input"])
}

func TestResponse_ErrorShape(t *testing.T) {
	out := transformResponse(t, map[string]any{
		"error": map[string]any{
			"status":  "RESOURCE_EXHAUSTED",
			"message": "quota exceeded",
		},
	})

	assert.Equal(t, "error", out["type"])

	errObj := out["error"].(map[string]any)
	assert.Equal(t, "rate_limit_error", errObj["type"])
	assert.Equal(t, "quota exceeded", errObj["message"])
}

func TestResponse_StopReasons(t *testing.T) {
	for reason, want := range map[string]string{
		"STOP":       "end_turn",
		"MAX_TOKENS": "max_tokens",
		"SAFETY":     "stop_sequence",
	} {
		out := transformResponse(t, map[string]any{
			"candidates": []any{
				map[string]any{
					"content":      map[string]any{"parts": []any{map[string]any{"text": "x"}}},
					"finishReason": reason,
				},
			},
		})

		assert.Equal(t, want, out["stop_reason"], reason)
	}
}

func TestResponse_NoCandidatesIsError(t *testing.T) {
	tr := &ResponseTransformer{}

	_, err := tr.TransformResponse(transform.ResponseParams{Response: map[string]any{"responseId": "x"}})
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

func TestStream_TextHappyPath(t *testing.T) {
	state := transform.NewSSEState()

	out := feedStream(t, state,
		`data: {"responseId":"r1","modelVersion":"gemini-1.5-flash","candidates":[{"content":{"parts":[{"text":"Hel"}],"role":"model"}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"text":"lo!"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2}}`,
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

	assert.Contains(t, string(out), `"stop_reason":"end_turn"`)
}

func TestStream_FunctionCallClosesTextBlock(t *testing.T) {
	state := transform.NewSSEState()

	out := feedStream(t, state,
		`data: {"responseId":"r1","candidates":[{"content":{"parts":[{"text":"checking"}],"role":"model"}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"SF"}}}],"role":"model"},"finishReason":"STOP"}]}`,
	)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // text
		"content_block_delta",
		"content_block_stop",  // text closed by function call
		"content_block_start", // tool_use
		"content_block_delta", // full args as one input_json_delta
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(out))

	assert.Contains(t, string(out), `"partial_json":"{\"city\":\"SF\"}"`)
}
