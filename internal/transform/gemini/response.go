package gemini

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jiafuei/ccproxy/internal/transform"
)

type ResponseTransformer struct{}

func newResponseTransformer(map[string]any) (transform.Transformer, error) {
	return &ResponseTransformer{}, nil
}

func (t *ResponseTransformer) TransformResponse(p transform.ResponseParams) (map[string]any, error) {
	resp := p.Response

	if errObj, ok := resp["error"].(map[string]any); ok {
		status, _ := errObj["status"].(string)
		message, _ := errObj["message"].(string)

		return map[string]any{
			"type":  "error",
			"model": resp["modelVersion"],
			"error": map[string]any{
				"type":    mapErrorType(status),
				"message": message,
			},
		}, nil
	}

	candidates, _ := resp["candidates"].([]any)
	if len(candidates) == 0 {
		return resp, fmt.Errorf("gemini.response: no candidates in response")
	}

	candidate, _ := candidates[0].(map[string]any)

	out := map[string]any{
		"id":      resp["responseId"],
		"type":    "message",
		"role":    "assistant",
		"model":   resp["modelVersion"],
		"content": convertContent(candidate["content"]),
	}

	if reason, ok := candidate["finishReason"].(string); ok && reason != "" {
		out["stop_reason"] = mapStopReason(reason)
	} else {
		out["stop_reason"] = "end_turn"
	}

	if usage, ok := resp["usageMetadata"].(map[string]any); ok {
		out["usage"] = convertUsage(usage)
	}

	return out, nil
}

func convertContent(content any) []any {
	c, ok := content.(map[string]any)
	if !ok {
		return []any{map[string]any{"type": "text", "text": ""}}
	}

	parts, _ := c["parts"].([]any)

	var result []any

	for _, raw := range parts {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if text, ok := part["text"].(string); ok && text != "" {
			result = append(result, map[string]any{"type": "text", "text": text})
		}

		if fc, ok := part["functionCall"].(map[string]any); ok {
			name, _ := fc["name"].(string)
			args, _ := fc["args"].(map[string]any)

			result = append(result, map[string]any{
				"type":  "tool_use",
				"id":    "toolu_" + uuid.New().String(),
				"name":  name,
				"input": args,
			})
		}
	}

	if len(result) == 0 {
		result = append(result, map[string]any{"type": "text", "text": ""})
	}

	return result
}

var stopReasonTable = map[string]string{
	"STOP":                      "end_turn",
	"MAX_TOKENS":                "max_tokens",
	"SAFETY":                    "stop_sequence",
	"RECITATION":                "stop_sequence",
	"LANGUAGE":                  "stop_sequence",
	"OTHER":                     "end_turn",
	"BLOCKLIST":                 "stop_sequence",
	"PROHIBITED_CONTENT":        "stop_sequence",
	"SPII":                      "stop_sequence",
	"MALFORMED_FUNCTION_CALL":   "tool_use",
	"FINISH_REASON_UNSPECIFIED": "end_turn",
}

func mapStopReason(reason string) string {
	if mapped, ok := stopReasonTable[reason]; ok {
		return mapped
	}

	return "end_turn"
}

var errorTypeTable = map[string]string{
	"INVALID_ARGUMENT":   "invalid_request_error",
	"UNAUTHENTICATED":    "authentication_error",
	"PERMISSION_DENIED":  "permission_error",
	"NOT_FOUND":          "not_found_error",
	"RESOURCE_EXHAUSTED": "rate_limit_error",
	"INTERNAL":           "api_error",
	"UNAVAILABLE":        "overloaded_error",
	"DEADLINE_EXCEEDED":  "rate_limit_error",
}

func mapErrorType(status string) string {
	if mapped, ok := errorTypeTable[status]; ok {
		return mapped
	}

	return "api_error"
}

func convertUsage(usage map[string]any) map[string]any {
	out := map[string]any{"input_tokens": 0, "output_tokens": 0}

	if v, ok := usage["promptTokenCount"]; ok {
		out["input_tokens"] = v
	}

	if v, ok := usage["candidatesTokenCount"]; ok {
		out["output_tokens"] = v
	}

	if v, ok := usage["thoughtsTokenCount"]; ok {
		out["reasoning_output_tokens"] = v
	}

	return out
}
