// Package gemini implements the Anthropic <-> Google Gemini generateContent
// wire translation as request, response, and stream-chunk transformers.
package gemini

import (
	"fmt"
	"net/http"

	"github.com/jiafuei/ccproxy/internal/transform"
)

func init() {
	transform.Register("gemini.request", newRequestTransformer)
	transform.Register("gemini.response", newResponseTransformer)
	transform.Register("gemini.stream", newStreamTransformer)
}

const roleUser = "user"

type RequestTransformer struct{}

func newRequestTransformer(map[string]any) (transform.Transformer, error) {
	return &RequestTransformer{}, nil
}

func (t *RequestTransformer) TransformRequest(p transform.RequestParams) (map[string]any, http.Header, error) {
	req := p.Request

	out := map[string]any{}

	contents, err := convertMessages(req)
	if err != nil {
		return nil, p.Headers, err
	}

	out["contents"] = contents

	if sysInstr := convertSystemInstruction(req["system"]); sysInstr != nil {
		out["systemInstruction"] = sysInstr
	}

	generationConfig := map[string]any{}

	if v, ok := req["max_tokens"].(float64); ok {
		generationConfig["maxOutputTokens"] = int(v)
	}

	if v, ok := req["temperature"].(float64); ok {
		generationConfig["temperature"] = v
	}

	if v, ok := req["top_p"].(float64); ok {
		generationConfig["topP"] = v
	}

	if v, ok := req["top_k"].(float64); ok {
		generationConfig["topK"] = int(v)
	}

	if stop, ok := req["stop_sequences"].([]any); ok && len(stop) > 0 {
		generationConfig["stopSequences"] = stop
	}

	if thinking, ok := req["thinking"].(map[string]any); ok {
		if budget, ok := thinking["budget_tokens"].(float64); ok {
			generationConfig["thinkingConfig"] = map[string]any{
				"thinkingBudget":  int(budget),
				"includeThoughts": true,
			}
		}
	}

	if len(generationConfig) > 0 {
		out["generationConfig"] = generationConfig
	}

	if tools, ok := req["tools"].([]any); ok && len(tools) > 0 {
		out["tools"] = convertTools(tools)
	}

	out["safetySettings"] = defaultSafetySettings()

	return out, p.Headers, nil
}

func convertSystemInstruction(sys any) map[string]any {
	switch v := sys.(type) {
	case string:
		if v == "" {
			return nil
		}

		return map[string]any{"parts": []any{map[string]any{"text": v}}, "role": roleUser}
	case []any:
		var text string

		for _, raw := range v {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			if s, ok := m["text"].(string); ok {
				text += s
			}
		}

		if text == "" {
			return nil
		}

		return map[string]any{"parts": []any{map[string]any{"text": text}}, "role": roleUser}
	default:
		return nil
	}
}

func convertMessages(req map[string]any) ([]any, error) {
	var contents []any

	messages, _ := req["messages"].([]any)

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		content, err := convertMessage(msg)
		if err != nil {
			return nil, err
		}

		if content != nil {
			contents = append(contents, content)
		}
	}

	return contents, nil
}

func convertMessage(message map[string]any) (map[string]any, error) {
	role, _ := message["role"].(string)
	content := message["content"]

	var parts []any

	switch c := content.(type) {
	case string:
		parts = append(parts, map[string]any{"text": c})
	case []any:
		for _, raw := range c {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			if part := convertContentBlock(block); part != nil {
				parts = append(parts, part)
			}
		}
	default:
		return nil, fmt.Errorf("gemini.request: unsupported content type %T", content)
	}

	geminiRole := roleUser
	if role == "assistant" {
		geminiRole = "model"
	}

	return map[string]any{"parts": parts, "role": geminiRole}, nil
}

func convertContentBlock(block map[string]any) map[string]any {
	switch block["type"] {
	case "text":
		if text, ok := block["text"].(string); ok {
			return map[string]any{"text": text}
		}
	case "image":
		return convertImageBlock(block)
	case "tool_use":
		name, _ := block["name"].(string)
		if name == "" {
			return nil
		}

		fc := map[string]any{"name": name}

		if input := block["input"]; input != nil {
			fc["args"] = input
		}

		return map[string]any{"functionCall": fc}
	case "tool_result":
		return convertToolResult(block)
	}

	return nil
}

func convertImageBlock(block map[string]any) map[string]any {
	source, ok := block["source"].(map[string]any)
	if !ok || source["type"] != "base64" {
		return nil
	}

	media, _ := source["media_type"].(string)
	data, _ := source["data"].(string)

	return map[string]any{"inlineData": map[string]any{"mimeType": media, "data": data}}
}

func convertToolResult(block map[string]any) map[string]any {
	toolUseID, ok := block["tool_use_id"].(string)
	if !ok {
		return nil
	}

	var response any

	if content := block["content"]; content != nil {
		if contentStr, ok := content.(string); ok {
			response = map[string]any{"content": contentStr}
		} else {
			response = content
		}
	} else {
		response = map[string]any{}
	}

	return map[string]any{
		"functionResponse": map[string]any{
			"name":     toolUseID,
			"response": response,
		},
	}
}

func convertTools(tools []any) []any {
	functionDeclarations := make([]any, 0, len(tools))

	for _, raw := range tools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		decl := map[string]any{"name": m["name"]}

		if desc, ok := m["description"]; ok {
			decl["description"] = desc
		}

		if schema, ok := m["input_schema"]; ok {
			decl["parameters"] = schema
		}

		functionDeclarations = append(functionDeclarations, decl)
	}

	if len(functionDeclarations) == 0 {
		return nil
	}

	return []any{map[string]any{"functionDeclarations": functionDeclarations}}
}

func defaultSafetySettings() []map[string]any {
	return []map[string]any{
		{"category": "HARM_CATEGORY_HARASSMENT", "threshold": "BLOCK_NONE"},
		{"category": "HARM_CATEGORY_HATE_SPEECH", "threshold": "BLOCK_NONE"},
		{"category": "HARM_CATEGORY_SEXUALLY_EXPLICIT", "threshold": "BLOCK_NONE"},
		{"category": "HARM_CATEGORY_DANGEROUS_CONTENT", "threshold": "BLOCK_NONE"},
	}
}
