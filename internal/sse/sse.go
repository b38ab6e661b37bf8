// Package sse implements the Anthropic SSE event grammar: framing one event
// as `event: <name>\ndata: <json>\n\n`, and the non-streaming-to-SSE emitter
// that converts a complete Anthropic-shaped response into that grammar.
package sse

import (
	"encoding/json"
	"fmt"
)

// Frame encodes one SSE event: `event: <name>\ndata: <json>\n\n`.
func Frame(event string, data any) []byte {
	payload, err := json.Marshal(data)
	if err != nil {
		return []byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"api_error\",\"message\":\"failed to marshal event\"}}\n\n")
	}

	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload))
}

// ErrorEvent frames an Anthropic-shaped inline error event, used when a
// transformer or upstream failure happens after the first SSE byte has
// already gone out.
func ErrorEvent(errType, message string) []byte {
	return Frame("error", map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}
