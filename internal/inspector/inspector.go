// Package inspector classifies an incoming Anthropic request into a
// routing key and detects agent-direct / direct routing markers. It also
// computes a tokenizer-based size estimate for the request as an
// observability field.
package inspector

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/jiafuei/ccproxy/internal/exchange"
)

const lowBudgetThreshold = 768

const planModeMarker = "<system-reminder>\nPlan mode is active."

var agentModelPattern = regexp2.MustCompile(`^/model\s+(\S+)$`, regexp2.None)

// Result is the Inspector's verdict for one request.
type Result struct {
	RoutingKey    exchange.RoutingKey
	AgentAlias    string
	IsAgentDirect bool
	DirectAlias   string
	IsDirect      bool
	InputTokens   int
}

// Inspect runs the full precedence chain over req's decoded JSON body and
// stamps metadata["input_tokens"] as a supplemental observability field;
// the count never influences routing.
func Inspect(logger *slog.Logger, req *exchange.ExchangeRequest) Result {
	res := Result{RoutingKey: exchange.RoutingDefault}

	payload := req.Payload

	if model, ok := payload["model"].(string); ok {
		if alias, isDirect := detectDirectRouting(model); isDirect {
			res.IsDirect = true
			res.DirectAlias = alias
		}
	}

	if alias, ok := detectAgentDirect(payload); ok {
		res.IsAgentDirect = true
		res.AgentAlias = alias
	}

	res.RoutingKey = classify(payload)
	res.InputTokens = countInputTokens(logger, payload)

	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	req.Metadata["input_tokens"] = res.InputTokens

	return res
}

// classify applies the content-based precedence: built-in tools, then the
// low-budget shortcut, then plan-mode/thinking detection.
func classify(payload map[string]any) exchange.RoutingKey {
	if hasBuiltinTools(payload) {
		return exchange.RoutingBuiltinTools
	}

	if maxTokens, ok := payload["max_tokens"].(float64); ok && maxTokens > 0 && maxTokens < lowBudgetThreshold {
		return exchange.RoutingBackground
	}

	planActive := lastUserMessageHasPlanMode(payload)
	thinkingActive := thinkingEnabled(payload["thinking"])

	switch {
	case planActive && thinkingActive:
		return exchange.RoutingPlanAndThink
	case thinkingActive:
		return exchange.RoutingThinking
	case planActive:
		return exchange.RoutingPlanning
	default:
		return exchange.RoutingDefault
	}
}

func hasBuiltinTools(payload map[string]any) bool {
	tools, ok := payload["tools"].([]any)
	if !ok {
		return false
	}

	for _, raw := range tools {
		tool, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		_, hasType := tool["type"]
		_, hasSchema := tool["input_schema"]

		if hasType && !hasSchema {
			return true
		}
	}

	return false
}

func thinkingEnabled(thinking any) bool {
	m, ok := thinking.(map[string]any)
	if !ok {
		return false
	}

	budget, ok := m["budget_tokens"].(float64)

	return ok && budget > 0
}

// lastUserMessageHasPlanMode scans only the last user message's text and
// tool_result blocks for the exact plan-mode marker. Thinking blocks are
// ignored.
func lastUserMessageHasPlanMode(payload map[string]any) bool {
	messages, ok := payload["messages"].([]any)
	if !ok {
		return false
	}

	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}

		if msg["role"] != "user" {
			continue
		}

		return blocksContainPlanMarker(msg["content"])
	}

	return false
}

func blocksContainPlanMarker(content any) bool {
	switch c := content.(type) {
	case string:
		return strings.Contains(c, planModeMarker)
	case []any:
		for _, raw := range c {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			switch block["type"] {
			case "thinking":
				continue
			case "text":
				if text, ok := block["text"].(string); ok && strings.Contains(text, planModeMarker) {
					return true
				}
			case "tool_result":
				if containsPlanMarkerInToolResult(block["content"]) {
					return true
				}
			}
		}

		return false
	default:
		return false
	}
}

func containsPlanMarkerInToolResult(content any) bool {
	switch c := content.(type) {
	case string:
		return strings.Contains(c, planModeMarker)
	case []any:
		for _, raw := range c {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			if text, ok := block["text"].(string); ok && strings.Contains(text, planModeMarker) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

// detectAgentDirect finds the last system text block, takes its first
// non-empty trimmed line, and matches it against ^/model\s+(\S+)$.
func detectAgentDirect(payload map[string]any) (string, bool) {
	line, ok := lastSystemFirstLine(payload)
	if !ok {
		return "", false
	}

	m, err := agentModelPattern.FindStringMatch(line)
	if err != nil || m == nil {
		return "", false
	}

	groups := m.Groups()
	if len(groups) < 2 {
		return "", false
	}

	return groups[1].String(), true
}

func lastSystemFirstLine(payload map[string]any) (string, bool) {
	var text string

	switch sys := payload["system"].(type) {
	case string:
		text = sys
	case []any:
		for i := len(sys) - 1; i >= 0; i-- {
			block, ok := sys[i].(map[string]any)
			if !ok {
				continue
			}

			if t, ok := block["text"].(string); ok {
				text = t
				break
			}
		}
	default:
		return "", false
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			return trimmed, true
		}
	}

	return "", false
}

func detectDirectRouting(model string) (string, bool) {
	if strings.HasSuffix(model, "!") {
		return strings.TrimSuffix(model, "!"), true
	}

	return "", false
}

var (
	tokenEncodingOnce sync.Once
	tokenEncoding     *tiktoken.Tiktoken
)

func countInputTokens(logger *slog.Logger, payload map[string]any) int {
	tokenEncodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			logger.Error("failed to load tiktoken encoding", "error", err)
			return
		}

		tokenEncoding = enc
	})

	if tokenEncoding == nil {
		return 0
	}

	text := approximateRequestText(payload)

	return len(tokenEncoding.Encode(text, nil, nil))
}

func approximateRequestText(payload map[string]any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}

	return string(b)
}
