package generic

import (
	"net/http"

	"github.com/jiafuei/ccproxy/internal/transform"
)

func init() {
	transform.Register("generic.tool_description", newToolDescriptionOptimizer)
}

// ToolDescriptionOptimizer replaces tool descriptions by name from a fixed
// table -- e.g. shortening verbose built-in tool
// descriptions so they consume less of the prompt-cache-sensitive prefix.
type ToolDescriptionOptimizer struct {
	replacements map[string]string
}

func newToolDescriptionOptimizer(params map[string]any) (transform.Transformer, error) {
	replacements := map[string]string{}

	if raw, ok := params["replacements"].(map[string]any); ok {
		for k, v := range raw {
			replacements[k] = str(v)
		}
	}

	return &ToolDescriptionOptimizer{replacements: replacements}, nil
}

func (t *ToolDescriptionOptimizer) TransformRequest(p transform.RequestParams) (map[string]any, http.Header, error) {
	if len(t.replacements) == 0 {
		return p.Request, p.Headers, nil
	}

	tools, ok := p.Request["tools"].([]any)
	if !ok {
		return p.Request, p.Headers, nil
	}

	for _, raw := range tools {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		name, _ := toolMap["name"].(string)

		if replacement, ok := t.replacements[name]; ok {
			toolMap["description"] = replacement
		}
	}

	return p.Request, p.Headers, nil
}
