package generic

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jiafuei/ccproxy/internal/jsonpath"
	"github.com/jiafuei/ccproxy/internal/transform"
)

func init() {
	transform.Register("generic.request_body", newRequestBodyTransformer)
}

type bodyOp struct {
	path  jsonpath.Path
	op    jsonpath.Op
	value any
}

// RequestBodyTransformer applies a list of JSONPath-addressed body patches.
// All operations must be valid at construction; a runtime failure on one
// operation reverts to the pre-transform request.
type RequestBodyTransformer struct {
	ops []bodyOp
}

func newRequestBodyTransformer(params map[string]any) (transform.Transformer, error) {
	rawOps, _ := params["operations"].([]any)

	ops := make([]bodyOp, 0, len(rawOps))

	for _, raw := range rawOps {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("generic.request_body: operation entry must be an object")
		}

		key := str(m["key"])

		path, err := jsonpath.Compile(key)
		if err != nil {
			return nil, fmt.Errorf("generic.request_body: %w", err)
		}

		op := jsonpath.Op(str(m["op"]))
		switch op {
		case jsonpath.OpSet, jsonpath.OpDelete, jsonpath.OpAppend, jsonpath.OpPrepend, jsonpath.OpMerge:
		default:
			return nil, fmt.Errorf("generic.request_body: unknown op %q", op)
		}

		ops = append(ops, bodyOp{path: path, op: op, value: m["value"]})
	}

	return &RequestBodyTransformer{ops: ops}, nil
}

func (t *RequestBodyTransformer) TransformRequest(p transform.RequestParams) (map[string]any, http.Header, error) {
	if len(t.ops) == 0 {
		return p.Request, p.Headers, nil
	}

	doc, err := json.Marshal(p.Request)
	if err != nil {
		return p.Request, p.Headers, fmt.Errorf("generic.request_body: marshal request: %w", err)
	}

	working := append([]byte(nil), doc...)

	for _, op := range t.ops {
		mutated, err := jsonpath.Apply(working, op.path, op.op, op.value)
		if err != nil {
			// Revert to the pre-transform request on a per-operation failure.
			return p.Request, p.Headers, nil
		}

		working = mutated
	}

	var out map[string]any
	if err := json.Unmarshal(working, &out); err != nil {
		return p.Request, p.Headers, nil
	}

	return out, p.Headers, nil
}
