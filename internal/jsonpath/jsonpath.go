// Package jsonpath implements the small JSONPath-subset engine (field
// access, array index, wildcard) behind RequestBodyTransformer. It is a
// thin, validated layer over tidwall/gjson and tidwall/sjson rather than a
// hand-rolled JSON walker.
package jsonpath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Op is one of the operations RequestBodyTransformer supports.
type Op string

const (
	OpSet     Op = "set"
	OpDelete  Op = "delete"
	OpAppend  Op = "append"
	OpPrepend Op = "prepend"
	OpMerge   Op = "merge"
)

// Path is a validated, parsed JSONPath-subset expression.
type Path struct {
	raw      string
	segments []string
}

// segment grammar: field names, numeric array indices, and "*" wildcards,
// dot-separated, e.g. "messages.0.content", "tools.*.cache_control".
var validSegment = func(s string) bool {
	if s == "*" {
		return true
	}

	if s == "" {
		return false
	}

	for _, r := range s {
		if r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}

		return false
	}

	return true
}

// Compile validates expr at construction time and returns a reusable Path.
func Compile(expr string) (Path, error) {
	if expr == "" {
		return Path{}, fmt.Errorf("jsonpath: empty expression")
	}

	segments := strings.Split(expr, ".")

	for i, seg := range segments {
		if !validSegment(seg) {
			return Path{}, fmt.Errorf("jsonpath: invalid segment %q in expression %q", seg, expr)
		}

		if seg == "*" && i == 0 {
			return Path{}, fmt.Errorf("jsonpath: expression %q cannot start with a wildcard", expr)
		}
	}

	return Path{raw: expr, segments: segments}, nil
}

func (p Path) String() string { return p.raw }

func (p Path) gjsonPath() string {
	return strings.Join(p.segments, ".")
}

// Get reads the value at p within doc (a JSON document in bytes). Wildcard
// expressions read the first match.
func Get(doc []byte, p Path) gjson.Result {
	paths := expand(doc, p.segments)
	if len(paths) == 0 {
		return gjson.Result{}
	}

	return gjson.GetBytes(doc, paths[0])
}

// Apply performs op on doc at path p with the given value, returning the
// mutated document. Wildcards are expanded against the current document
// into concrete paths, so a single op may touch several elements; sjson
// itself has no wildcard support on writes. Callers are expected to operate
// on a deep copy and revert to the pre-transform document on error.
func Apply(doc []byte, p Path, op Op, value any) ([]byte, error) {
	paths := expand(doc, p.segments)
	if len(paths) == 0 {
		// Only wildcard expressions can fail to expand; a wildcard-free
		// set still creates the location.
		if !strings.Contains(p.raw, "*") {
			paths = []string{p.gjsonPath()}
		}
	}

	// Deleting by ascending array index shifts the remaining elements;
	// walk the matches backwards so every later path stays valid.
	if op == OpDelete {
		for i, j := 0, len(paths)-1; i < j; i, j = i+1, j-1 {
			paths[i], paths[j] = paths[j], paths[i]
		}
	}

	var err error

	for _, gp := range paths {
		doc, err = applyOne(doc, gp, op, value, p.raw)
		if err != nil {
			return nil, err
		}
	}

	return doc, nil
}

// expand resolves "*" segments against doc, producing the concrete gjson
// paths the expression currently matches. Arrays expand to their indices,
// objects to their keys.
func expand(doc []byte, segments []string) []string {
	paths := []string{""}

	for _, seg := range segments {
		var next []string

		for _, prefix := range paths {
			if seg != "*" {
				next = append(next, joinPath(prefix, seg))
				continue
			}

			target := gjson.GetBytes(doc, prefix)

			switch {
			case target.IsArray():
				for i := range target.Array() {
					next = append(next, joinPath(prefix, strconv.Itoa(i)))
				}
			case target.IsObject():
				target.ForEach(func(key, _ gjson.Result) bool {
					next = append(next, joinPath(prefix, key.String()))
					return true
				})
			}
		}

		paths = next
	}

	return paths
}

func joinPath(prefix, seg string) string {
	if prefix == "" {
		return seg
	}

	return prefix + "." + seg
}

func applyOne(doc []byte, gjsonPath string, op Op, value any, raw string) ([]byte, error) {
	switch op {
	case OpSet:
		return sjson.SetBytes(doc, gjsonPath, value)
	case OpDelete:
		return sjson.DeleteBytes(doc, gjsonPath)
	case OpAppend:
		return applyAppend(doc, gjsonPath, value, false)
	case OpPrepend:
		return applyAppend(doc, gjsonPath, value, true)
	case OpMerge:
		return applyMerge(doc, gjsonPath, value, raw)
	default:
		return nil, fmt.Errorf("jsonpath: unknown op %q", op)
	}
}

func applyAppend(doc []byte, gjsonPath string, value any, prepend bool) ([]byte, error) {
	existing := gjson.GetBytes(doc, gjsonPath)

	var arr []any
	if existing.IsArray() {
		for _, v := range existing.Array() {
			arr = append(arr, v.Value())
		}
	}

	if prepend {
		arr = append([]any{value}, arr...)
	} else {
		arr = append(arr, value)
	}

	return sjson.SetBytes(doc, gjsonPath, arr)
}

func applyMerge(doc []byte, gjsonPath string, value any, raw string) ([]byte, error) {
	valueMap, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("jsonpath: merge requires an object value at %q", raw)
	}

	merged := map[string]any{}

	existing := gjson.GetBytes(doc, gjsonPath)
	if existing.IsObject() {
		for k, v := range existing.Map() {
			merged[k] = v.Value()
		}
	}

	for k, v := range valueMap {
		merged[k] = v
	}

	return sjson.SetBytes(doc, gjsonPath, merged)
}

// Index parses a literal array index segment; used by callers that want to
// detect pure "field.N.field" addressing rather than wildcards.
func Index(segment string) (int, bool) {
	n, err := strconv.Atoi(segment)
	if err != nil {
		return 0, false
	}

	return n, true
}
