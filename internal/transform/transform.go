// Package transform defines the Transformer interfaces shared by every
// stage of the pipeline (request, response, stream) plus the Config value
// used to describe one instance, and the Loader that instantiates and
// caches transformers through a closed constructor table.
package transform

import (
	"context"
	"net/http"

	"github.com/jiafuei/ccproxy/internal/reqcontext"
)

// Config is a `{class_path, params}` entry as it appears in descriptor
// defaults or user-supplied provider overrides.
type Config struct {
	ClassPath string
	Params    map[string]any
}

// ProviderInfo is the subset of provider configuration visible to
// transformers. BaseURL is owned by the current call: transformers that
// mutate it (URL-path append) do so on a per-request copy, never on shared
// provider state. Gemini key injection leaves BaseURL alone and uses
// QueryParams instead.
type ProviderInfo struct {
	Name    string
	BaseURL string
	APIKey  string
	Type    string

	// QueryParams is applied to the final request URL (base_url + suffix)
	// after it is built, so a transformer that needs to add a query
	// parameter (Gemini's key-as-query-param) does not have to race the
	// suffix-appending step in providerclient.Execute.
	QueryParams map[string]string
}

// RequestParams is passed to a RequestTransformer's Transform call.
type RequestParams struct {
	Ctx             context.Context
	Request         map[string]any
	Headers         http.Header
	Provider        *ProviderInfo
	OriginalRequest map[string]any
	RoutingKey      string
	ReqCtx          *reqcontext.Context
}

// RequestTransformer mutates an outgoing request body and headers.
type RequestTransformer interface {
	TransformRequest(p RequestParams) (map[string]any, http.Header, error)
}

// ResponseParams is passed to a ResponseTransformer's Transform call.
type ResponseParams struct {
	Ctx             context.Context
	Response        map[string]any
	Request         map[string]any
	FinalHeaders    http.Header
	Provider        *ProviderInfo
	OriginalRequest map[string]any
	ReqCtx          *reqcontext.Context
}

// ResponseTransformer mutates an upstream JSON response on its way to
// becoming an Anthropic-shaped ExchangeResponse.
type ResponseTransformer interface {
	TransformResponse(p ResponseParams) (map[string]any, error)
}

// SSEState is the mutable per-request bag threaded by reference through
// successive chunk transformer calls so state (message id, open content
// blocks, accumulated tool arguments, ...) survives across chunks.
type SSEState struct {
	MessageID       string
	Model           string
	NextBlockIndex  int
	MessageStarted  bool
	ActiveTextBlock *int
	ActiveToolBlock *int
	ToolBlockNames  map[int]string
	UsageTokens     map[string]any
	StopReason      string
	Extra           map[string]any
}

// NewSSEState allocates a zeroed SSEState ready for use.
func NewSSEState() *SSEState {
	return &SSEState{
		ToolBlockNames: make(map[int]string),
		UsageTokens:    make(map[string]any),
		Extra:          make(map[string]any),
	}
}

// ChunkParams is passed to a ChunkTransformer's TransformChunk call.
type ChunkParams struct {
	Ctx      context.Context
	Chunk    []byte
	State    *SSEState
	Provider *ProviderInfo
	ReqCtx   *reqcontext.Context
}

// ChunkTransformer converts one upstream streaming chunk into zero or more
// framed Anthropic SSE events, mutating State across calls.
type ChunkTransformer interface {
	TransformChunk(p ChunkParams) ([]byte, error)
}

// Transformer is the union interface a constructor may return; a given
// transformer type implements whichever stage interfaces are meaningful
// for it (most implement exactly one).
type Transformer interface{}
