// Package edge implements the client-facing HTTP surface: POST
// /v1/messages and POST /v1/messages/count_tokens. It builds the
// ExchangeRequest, calls the Router, executes the selected provider, and
// streams a normalised Anthropic SSE sequence back to the caller.
package edge

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/jiafuei/ccproxy/internal/descriptor"
	"github.com/jiafuei/ccproxy/internal/exchange"
	"github.com/jiafuei/ccproxy/internal/providerclient"
	"github.com/jiafuei/ccproxy/internal/reqcontext"
	"github.com/jiafuei/ccproxy/internal/router"
	"github.com/jiafuei/ccproxy/internal/sse"
)

const correlationHeader = "X-Correlation-ID"

// Handler serves the claude channel edge. The active Router is held behind
// an atomic pointer so a config reload swaps the whole provider set in one
// store while in-flight requests keep the set they started with.
type Handler struct {
	logger *slog.Logger
	router atomic.Pointer[router.Router]
}

// New constructs a Handler serving requests through rt.
func New(rt *router.Router, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{logger: logger}
	h.router.Store(rt)

	return h
}

// SwapRouter publishes a freshly built Router (after config reload) and
// returns the previous one so the caller can close it once drained.
func (h *Handler) SwapRouter(rt *router.Router) *router.Router {
	return h.router.Swap(rt)
}

// Routes mounts the edge endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/messages", h.handleMessages)
	r.Post("/v1/messages/count_tokens", h.handleCountTokens)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	payload, rc, ok := h.decode(w, r)
	if !ok {
		return
	}

	ex := buildExchange(payload)

	rt := h.router.Load()

	res, err := rt.Route(ex, rc)
	if err != nil {
		h.writeError(w, rc, err)
		return
	}

	ctx := reqcontext.WithContext(r.Context(), rc)
	op := res.Client.DefaultOperation()

	if ex.OriginalStream && res.Client.SupportsStreaming() {
		h.streamUpstream(w, r, res, op, ex, rc)
		return
	}

	resp, err := res.Client.Execute(ctx, op, ex, r.Header, res.ResolvedModelID, rc)
	if err != nil {
		h.writeError(w, rc, err)
		return
	}

	if ex.OriginalStream {
		h.setSSEHeaders(w, rc)
		w.WriteHeader(http.StatusOK)

		if _, err := w.Write(sse.Emit(resp.Payload)); err != nil {
			h.logger.Debug("client went away during SSE write", "error", err)
		}

		return
	}

	h.writeJSON(w, rc, http.StatusOK, resp.Payload)
}

// streamUpstream pipes upstream bytes through the provider's stream
// pipeline, flushing each translated batch as it arrives. Any failure after
// the first byte becomes an inline error event.
func (h *Handler) streamUpstream(w http.ResponseWriter, r *http.Request, res *router.Result, op descriptor.Operation, ex *exchange.ExchangeRequest, rc *reqcontext.Context) {
	ctx := reqcontext.WithContext(r.Context(), rc)

	flusher, _ := w.(http.Flusher)

	wroteHeader := false

	emit := func(b []byte) error {
		if !wroteHeader {
			h.setSSEHeaders(w, rc)
			w.WriteHeader(http.StatusOK)

			wroteHeader = true
		}

		if _, err := w.Write(b); err != nil {
			return err
		}

		if flusher != nil {
			flusher.Flush()
		}

		return nil
	}

	err := res.Client.ExecuteStream(ctx, op, ex, r.Header, res.ResolvedModelID, rc, emit)
	if err == nil {
		return
	}

	if !wroteHeader {
		h.writeError(w, rc, err)
		return
	}

	if ctx.Err() != nil {
		h.logger.Debug("client disconnected mid-stream", "correlation_id", rc.CorrelationID)
		return
	}

	h.logger.Error("stream failed after first byte", "correlation_id", rc.CorrelationID, "error", err)

	if _, werr := w.Write(sse.ErrorEvent("api_error", err.Error())); werr == nil && flusher != nil {
		flusher.Flush()
	}
}

func (h *Handler) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	payload, rc, ok := h.decode(w, r)
	if !ok {
		return
	}

	ex := buildExchange(payload)
	ex.OriginalStream = false

	rt := h.router.Load()

	res, err := rt.Route(ex, rc)
	if err != nil {
		h.writeError(w, rc, err)
		return
	}

	// Backends without a native count_tokens operation get the local
	// tokenizer estimate the Inspector already computed.
	if !res.Client.Supports(descriptor.OperationCountTokens) {
		tokens, _ := ex.Metadata["input_tokens"].(int)
		h.writeJSON(w, rc, http.StatusOK, map[string]any{"input_tokens": tokens})

		return
	}

	ctx := reqcontext.WithContext(r.Context(), rc)

	resp, err := res.Client.Execute(ctx, descriptor.OperationCountTokens, ex, r.Header, res.ResolvedModelID, rc)
	if err != nil {
		h.writeError(w, rc, err)
		return
	}

	h.writeJSON(w, rc, http.StatusOK, resp.Payload)
}

// decode reads and parses the request body and establishes the per-request
// context, echoing (or generating) the correlation id.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (map[string]any, *reqcontext.Context, bool) {
	rc := reqcontext.New(r.Header.Get(correlationHeader), "")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeAnthropicError(w, rc, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return nil, nil, false
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		h.writeAnthropicError(w, rc, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return nil, nil, false
	}

	model, _ := payload["model"].(string)
	rc.OriginalModel = model

	return payload, rc, true
}

func buildExchange(payload map[string]any) *exchange.ExchangeRequest {
	model, _ := payload["model"].(string)
	stream, _ := payload["stream"].(bool)

	var tools []any
	if t, ok := payload["tools"].([]any); ok {
		tools = t
	}

	return &exchange.ExchangeRequest{
		Channel:        exchange.ChannelClaude,
		Model:          model,
		OriginalStream: stream,
		Payload:        payload,
		Metadata:       map[string]any{},
		Tools:          tools,
	}
}

func (h *Handler) setSSEHeaders(w http.ResponseWriter, rc *reqcontext.Context) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(correlationHeader, rc.CorrelationID)
}

func (h *Handler) writeJSON(w http.ResponseWriter, rc *reqcontext.Context, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(correlationHeader, rc.CorrelationID)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("failed to write response body", "error", err)
	}
}

// writeError maps pipeline errors onto HTTP statuses and an
// Anthropic-shaped error body. Only called before
// the first SSE byte has been written.
func (h *Handler) writeError(w http.ResponseWriter, rc *reqcontext.Context, err error) {
	var (
		unsupported *providerclient.UnsupportedOperationError
		upstream    *providerclient.UpstreamError
		transformE  *providerclient.TransformError
		routing     *router.RoutingError
	)

	switch {
	case errors.As(err, &routing):
		h.writeAnthropicError(w, rc, http.StatusBadRequest, "invalid_request_error", routing.Error())
	case errors.As(err, &unsupported):
		h.writeAnthropicError(w, rc, http.StatusBadRequest, "invalid_request_error", unsupported.Error())
	case errors.As(err, &upstream):
		status := http.StatusBadGateway
		if upstream.StatusCode >= 400 && upstream.StatusCode < 500 {
			status = upstream.StatusCode
		}

		h.writeAnthropicError(w, rc, status, "api_error", upstream.Error())
	case errors.As(err, &transformE):
		h.writeAnthropicError(w, rc, http.StatusInternalServerError, "api_error", transformE.Error())
	default:
		h.writeAnthropicError(w, rc, http.StatusInternalServerError, "api_error", err.Error())
	}
}

func (h *Handler) writeAnthropicError(w http.ResponseWriter, rc *reqcontext.Context, status int, errType, message string) {
	h.logger.Error("request failed", "correlation_id", rc.CorrelationID, "status", status, "type", errType, "message", message)

	h.writeJSON(w, rc, status, map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}
