package generic

import (
	"net/http"
	"strings"

	"github.com/jiafuei/ccproxy/internal/transform"
)

func init() {
	transform.Register("generic.cache_breakpoint", newCacheBreakpointOptimizer)
}

const maxCacheBreakpoints = 4

// CacheBreakpointOptimizer places at most 4 `cache_control: {type:
// ephemeral}` markers on an outgoing Anthropic request to maximise
// prompt-cache hit rate. It is skipped entirely for the
// background routing key.
type CacheBreakpointOptimizer struct {
	maxToolsBreakpoints int
}

func newCacheBreakpointOptimizer(params map[string]any) (transform.Transformer, error) {
	max := 2
	if v, ok := params["max_tools_breakpoints"].(float64); ok {
		max = int(v)
	}

	return &CacheBreakpointOptimizer{maxToolsBreakpoints: max}, nil
}

func (t *CacheBreakpointOptimizer) TransformRequest(p transform.RequestParams) (map[string]any, http.Header, error) {
	if p.RoutingKey == "background" {
		return p.Request, p.Headers, nil
	}

	req := p.Request
	budget := maxCacheBreakpoints

	stripAllCacheControl(req)

	if tools, ok := req["tools"].([]any); ok {
		used := t.placeToolBreakpoints(tools, budget)
		budget -= used
	}

	if budget > 0 {
		used := placeSystemBreakpoint(req, budget)
		budget -= used
	}

	if budget > 0 {
		if messages, ok := req["messages"].([]any); ok {
			placeMessageBreakpoints(messages, budget)
		}
	}

	return req, p.Headers, nil
}

func stripAllCacheControl(req map[string]any) {
	if system, ok := req["system"]; ok {
		stripCacheControlValue(system)
	}

	if tools, ok := req["tools"].([]any); ok {
		for _, tool := range tools {
			if m, ok := tool.(map[string]any); ok {
				delete(m, "cache_control")
			}
		}
	}

	if messages, ok := req["messages"].([]any); ok {
		for _, msg := range messages {
			m, ok := msg.(map[string]any)
			if !ok {
				continue
			}

			stripCacheControlValue(m["content"])
		}
	}
}

func stripCacheControlValue(content any) {
	blocks, ok := content.([]any)
	if !ok {
		return
	}

	for _, b := range blocks {
		if m, ok := b.(map[string]any); ok {
			delete(m, "cache_control")
		}
	}
}

// placeToolBreakpoints partitions tools into default-first then mcp__-
// prefixed, reorders req["tools"] in place, and places breakpoints every
// 20th tool (or a single breakpoint on the last tool when fewer than 20),
// capped at maxToolsBreakpoints and the remaining budget.
func (t *CacheBreakpointOptimizer) placeToolBreakpoints(tools []any, budget int) int {
	var defaults, mcp []any

	for _, tool := range tools {
		m, ok := tool.(map[string]any)
		if !ok {
			defaults = append(defaults, tool)
			continue
		}

		name, _ := m["name"].(string)
		if strings.HasPrefix(name, "mcp__") {
			mcp = append(mcp, tool)
		} else {
			defaults = append(defaults, tool)
		}
	}

	ordered := append(defaults, mcp...)
	copy(tools, ordered)

	maxBreakpoints := t.maxToolsBreakpoints
	if budget < maxBreakpoints {
		maxBreakpoints = budget
	}

	if maxBreakpoints <= 0 || len(tools) == 0 {
		return 0
	}

	placed := 0

	if len(tools) < 20 {
		markCacheControl(tools[len(tools)-1])
		placed = 1
	} else {
		for i := 19; i < len(tools) && placed < maxBreakpoints; i += 20 {
			markCacheControl(tools[i])
			placed++
		}

		if placed == 0 {
			markCacheControl(tools[len(tools)-1])
			placed = 1
		}
	}

	return placed
}

func markCacheControl(tool any) {
	if m, ok := tool.(map[string]any); ok {
		m["cache_control"] = map[string]any{"type": "ephemeral"}
	}
}

func placeSystemBreakpoint(req map[string]any, budget int) int {
	if budget <= 0 {
		return 0
	}

	switch sys := req["system"].(type) {
	case []any:
		if len(sys) == 0 {
			return 0
		}

		markBlockCacheControl(sys[len(sys)-1])

		return 1
	case string:
		req["system"] = []any{
			map[string]any{
				"type":          "text",
				"text":          sys,
				"cache_control": map[string]any{"type": "ephemeral"},
			},
		}

		return 1
	default:
		return 0
	}
}

func markBlockCacheControl(block any) {
	if m, ok := block.(map[string]any); ok {
		m["cache_control"] = map[string]any{"type": "ephemeral"}
	}
}

// placeMessageBreakpoints marks tool-cluster ends, milestone messages
// (TodoWrite/MultiEdit/Write tool_use), and, failing those, a
// content-block-count fallback, consuming at most `budget` breakpoints.
func placeMessageBreakpoints(messages []any, budget int) {
	candidates := collectClusterEnds(messages)
	candidates = append(candidates, collectMilestones(messages)...)

	if len(candidates) == 0 {
		candidates = collectFallback(messages)
	}

	placed := 0
	seen := map[int]bool{}

	for _, idx := range candidates {
		if placed >= budget {
			break
		}

		if seen[idx] {
			continue
		}

		seen[idx] = true

		if placeBreakpointOnMessage(messages[idx]) {
			placed++
		}
	}
}

func messageIsToolish(msg any) bool {
	m, ok := msg.(map[string]any)
	if !ok {
		return false
	}

	blocks, ok := m["content"].([]any)
	if !ok {
		return false
	}

	for _, b := range blocks {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}

		switch bm["type"] {
		case "tool_use", "tool_result":
			return true
		}
	}

	return false
}

func collectClusterEnds(messages []any) []int {
	var out []int

	runStart := -1

	for i := 0; i <= len(messages); i++ {
		toolish := i < len(messages) && messageIsToolish(messages[i])

		if toolish {
			if runStart == -1 {
				runStart = i
			}

			continue
		}

		if runStart != -1 {
			runLen := i - runStart
			if runLen >= 3 {
				endIdx := i - 1
				if endIdx != len(messages)-1 {
					out = append(out, endIdx)
				}
			}

			runStart = -1
		}
	}

	return out
}

func collectMilestones(messages []any) []int {
	milestoneTools := map[string]bool{"TodoWrite": true, "MultiEdit": true, "Write": true}

	var out []int

	for i, msg := range messages {
		m, ok := msg.(map[string]any)
		if !ok {
			continue
		}

		blocks, ok := m["content"].([]any)
		if !ok {
			continue
		}

		for _, b := range blocks {
			bm, ok := b.(map[string]any)
			if !ok {
				continue
			}

			if bm["type"] != "tool_use" {
				continue
			}

			name, _ := bm["name"].(string)
			if milestoneTools[name] {
				out = append(out, i)
				break
			}
		}
	}

	return out
}

func collectFallback(messages []any) []int {
	var out []int

	running := 0

	for i, msg := range messages {
		m, ok := msg.(map[string]any)
		if !ok {
			continue
		}

		blocks, ok := m["content"].([]any)
		if !ok {
			continue
		}

		for _, b := range blocks {
			bm, ok := b.(map[string]any)
			if !ok {
				continue
			}

			if bm["type"] == "thinking" {
				continue
			}

			running++
		}

		if running >= 20 {
			out = append(out, i)
			running = 0
		}
	}

	return out
}

// placeBreakpointOnMessage marks the last non-thinking content block of msg
// with cache_control, converting a string-content message into a
// one-element list if needed. Thinking blocks are never cached.
func placeBreakpointOnMessage(msg any) bool {
	m, ok := msg.(map[string]any)
	if !ok {
		return false
	}

	switch content := m["content"].(type) {
	case string:
		m["content"] = []any{
			map[string]any{
				"type":          "text",
				"text":          content,
				"cache_control": map[string]any{"type": "ephemeral"},
			},
		}

		return true
	case []any:
		for i := len(content) - 1; i >= 0; i-- {
			bm, ok := content[i].(map[string]any)
			if !ok {
				continue
			}

			if bm["type"] == "thinking" {
				continue
			}

			bm["cache_control"] = map[string]any{"type": "ephemeral"}

			return true
		}
	}

	return false
}
