package generic

import (
	"net/http"
	"strings"

	"github.com/jiafuei/ccproxy/internal/transform"
)

func init() {
	transform.Register("generic.url_path", newURLPathTransformer)
}

// UrlPathTransformer appends a fixed path to provider_config.base_url after
// stripping trailing slashes.
type UrlPathTransformer struct {
	path string
}

func newURLPathTransformer(params map[string]any) (transform.Transformer, error) {
	return &UrlPathTransformer{path: str(params["path"])}, nil
}

func (t *UrlPathTransformer) TransformRequest(p transform.RequestParams) (map[string]any, http.Header, error) {
	if p.Provider != nil {
		p.Provider.BaseURL = strings.TrimRight(p.Provider.BaseURL, "/") + t.path
	}

	return p.Request, p.Headers, nil
}
