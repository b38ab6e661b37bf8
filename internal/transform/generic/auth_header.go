package generic

import (
	"net/http"
	"strings"

	"github.com/jiafuei/ccproxy/internal/transform"
)

func init() {
	transform.Register("generic.auth_header", newAuthHeaderTransformer)
}

var defaultAllowedPrefixes = []string{"x-", "anthropic", "user-"}

// AuthHeaderTransformer filters headers to a prefix whitelist, then injects
// the configured auth header from provider config.
type AuthHeaderTransformer struct {
	allowedPrefixes []string
	headerStyle     string // x-api-key | authorization
}

func newAuthHeaderTransformer(params map[string]any) (transform.Transformer, error) {
	prefixes := defaultAllowedPrefixes

	if raw, ok := params["allowed_prefixes"].([]any); ok && len(raw) > 0 {
		prefixes = nil
		for _, p := range raw {
			prefixes = append(prefixes, str(p))
		}
	}

	style := str(params["header_style"])
	if style == "" {
		style = "x-api-key"
	}

	return &AuthHeaderTransformer{allowedPrefixes: prefixes, headerStyle: style}, nil
}

func (t *AuthHeaderTransformer) TransformRequest(p transform.RequestParams) (map[string]any, http.Header, error) {
	filtered := http.Header{}

	for k, v := range p.Headers {
		lower := strings.ToLower(k)

		for _, prefix := range t.allowedPrefixes {
			if strings.HasPrefix(lower, prefix) {
				filtered[k] = v
				break
			}
		}
	}

	key := ""
	if p.Provider != nil {
		key = p.Provider.APIKey
	}

	if key != "" {
		switch t.headerStyle {
		case "authorization":
			filtered.Set("Authorization", "Bearer "+key)
		default:
			filtered.Set("x-api-key", key)
		}
	}

	return p.Request, filtered, nil
}
