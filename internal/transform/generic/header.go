// Package generic implements the reusable, provider-agnostic transformers:
// header add/delete, URL-path append, JSON-body patch, the cache-breakpoint
// optimiser, the Gemini key-as-query-param transformer, the auth-header
// injector, and the tool-description optimiser.
package generic

import (
	"fmt"
	"net/http"

	"github.com/jiafuei/ccproxy/internal/transform"
)

func init() {
	transform.Register("generic.header", newHeaderTransformer)
	transform.Register("generic.passthrough_stream", newPassthroughStream)
}

// HeaderOp is one operation in a HeaderTransformer's operation list.
type HeaderOp struct {
	Key    string
	Op     string // set | delete
	Value  string
	Prefix string
	Suffix string
}

// HeaderTransformer performs a fixed set of header mutations, validated at
// construction.
type HeaderTransformer struct {
	operations []HeaderOp
}

func newHeaderTransformer(params map[string]any) (transform.Transformer, error) {
	rawOps, _ := params["operations"].([]any)

	ops := make([]HeaderOp, 0, len(rawOps))

	for _, raw := range rawOps {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("generic.header: operation entry must be an object")
		}

		op := HeaderOp{
			Key:    str(m["key"]),
			Op:     str(m["op"]),
			Value:  str(m["value"]),
			Prefix: str(m["prefix"]),
			Suffix: str(m["suffix"]),
		}

		if op.Key == "" {
			return nil, fmt.Errorf("generic.header: operation missing key")
		}

		switch op.Op {
		case "set", "delete":
		default:
			return nil, fmt.Errorf("generic.header: unknown op %q", op.Op)
		}

		ops = append(ops, op)
	}

	return &HeaderTransformer{operations: ops}, nil
}

func (t *HeaderTransformer) TransformRequest(p transform.RequestParams) (map[string]any, http.Header, error) {
	headers := p.Headers
	if headers == nil {
		headers = http.Header{}
	}

	for _, op := range t.operations {
		switch op.Op {
		case "set":
			headers.Set(op.Key, op.Prefix+op.Value+op.Suffix)
		case "delete":
			headers.Del(op.Key)
		}
	}

	return p.Request, headers, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
