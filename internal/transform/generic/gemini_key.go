package generic

import (
	"net/http"
	"strings"

	"github.com/jiafuei/ccproxy/internal/transform"
)

func init() {
	transform.Register("generic.gemini_api_key", newGeminiAPIKeyTransformer)
}

// GeminiApiKeyTransformer resolves the API key from provider_config.api_key,
// falling back to an Authorization: Bearer header and then x-goog-api-key,
// and marks the provider's query params so the final request URL carries
// `?key=...`. The key is applied to the URL after the operation suffix is
// appended rather than mutated onto base_url directly, since the suffix
// still needs to be appended after this transformer runs.
type GeminiApiKeyTransformer struct{}

func newGeminiAPIKeyTransformer(map[string]any) (transform.Transformer, error) {
	return &GeminiApiKeyTransformer{}, nil
}

func (t *GeminiApiKeyTransformer) TransformRequest(p transform.RequestParams) (map[string]any, http.Header, error) {
	headers := p.Headers
	if headers == nil {
		headers = http.Header{}
	}

	key := ""
	if p.Provider != nil {
		key = p.Provider.APIKey
	}

	if key == "" {
		if auth := headers.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	if key == "" {
		key = headers.Get("x-goog-api-key")
	}

	headers.Del("x-api-key")
	headers.Del("authorization")
	headers.Del("x-goog-api-key")

	if key == "" {
		return p.Request, headers, nil
	}

	if p.Provider != nil {
		if p.Provider.QueryParams == nil {
			p.Provider.QueryParams = map[string]string{}
		}

		p.Provider.QueryParams["key"] = key
	}

	return p.Request, headers, nil
}
