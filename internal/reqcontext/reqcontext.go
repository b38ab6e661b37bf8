// Package reqcontext carries per-request correlation and routing metadata
// explicitly through the pipeline instead of via thread-local/ambient state.
package reqcontext

import (
	"context"

	"github.com/google/uuid"
)

// Context is the per-request value threaded from the edge handler through
// the router and provider client. It is created once at request entry and
// never mutated concurrently by more than one goroutine.
type Context struct {
	CorrelationID string
	OriginalModel string
	Provider      string
	RoutingKey    string
	ModelAlias    string
	ResolvedModel string
	Channel       string
	IsDirect      bool
	IsAgentDirect bool
	UsedFallback  bool
}

// New builds a Context, generating a correlation id when the client edge
// supplied no X-Correlation-ID.
func New(correlationID, originalModel string) *Context {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	return &Context{
		CorrelationID: correlationID,
		OriginalModel: originalModel,
	}
}

type ctxKey struct{}

// WithContext attaches rc to ctx, returning a derived context.
func WithContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext extracts the request Context previously attached with
// WithContext. Returns nil if none is present.
func FromContext(ctx context.Context) *Context {
	rc, _ := ctx.Value(ctxKey{}).(*Context)
	return rc
}
