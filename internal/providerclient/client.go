// Package providerclient implements the per-provider execution engine: it
// owns one pooled HTTP client per configured backend, resolves the
// per-channel per-stage transformer pipelines once at construction, and
// executes one operation by composing request transformers, the upstream
// POST, and response (or stream chunk) transformers.
package providerclient

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/jiafuei/ccproxy/internal/config"
	"github.com/jiafuei/ccproxy/internal/descriptor"
	"github.com/jiafuei/ccproxy/internal/exchange"
	"github.com/jiafuei/ccproxy/internal/reqcontext"
	"github.com/jiafuei/ccproxy/internal/transform"
)

// Client executes operations against one configured upstream backend.
// Pipelines and capabilities are resolved once at construction and never
// mutated afterwards; a config reload builds a whole new Client set.
type Client struct {
	name       string
	cfg        config.ProviderConfig
	desc       descriptor.Descriptor
	httpClient *http.Client
	logger     *slog.Logger

	capabilities map[descriptor.Operation]struct{}
	pipelines    map[exchange.Channel]map[descriptor.Stage][]transform.Transformer
}

// New builds a Client for cfg, resolving every channel/stage pipeline via
// loader per the composition law: load(pre) + (override if explicit else
// descriptor defaults) + load(post).
func New(cfg config.ProviderConfig, loader *transform.Loader, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	desc := descriptor.Get(descriptor.BackendType(cfg.Type))

	caps := make(map[descriptor.Operation]struct{})

	if len(cfg.Capabilities) == 0 {
		for op := range desc.Operations {
			caps[op] = struct{}{}
		}
	} else {
		for _, c := range cfg.Capabilities {
			op := descriptor.Operation(c)
			if _, ok := desc.Operations[op]; !ok {
				return nil, &config.ConfigError{Msg: fmt.Sprintf("provider %q declares unsupported capability %q", cfg.Name, c)}
			}

			caps[op] = struct{}{}
		}
	}

	c := &Client{
		name:         cfg.Name,
		cfg:          cfg,
		desc:         desc,
		httpClient:   &http.Client{Timeout: cfg.Timeout()},
		logger:       logger,
		capabilities: caps,
		pipelines:    map[exchange.Channel]map[descriptor.Stage][]transform.Transformer{},
	}

	for _, channel := range []exchange.Channel{exchange.ChannelClaude, exchange.ChannelCodex} {
		c.pipelines[channel] = c.resolveChannel(channel, loader)
	}

	return c, nil
}

// Name returns the provider's configured name.
func (c *Client) Name() string { return c.name }

// Backend returns the provider's backend type.
func (c *Client) Backend() descriptor.BackendType { return c.desc.Type }

// SupportsStreaming reports whether the backend can stream responses.
func (c *Client) SupportsStreaming() bool { return c.desc.SupportsStreaming }

// Supports reports whether op is enabled for this provider.
func (c *Client) Supports(op descriptor.Operation) bool {
	_, ok := c.capabilities[op]
	return ok
}

// DefaultOperation returns the operation a claude-channel messages request
// maps to on this backend: `responses` for openai-responses, `messages`
// otherwise.
func (c *Client) DefaultOperation() descriptor.Operation {
	if c.desc.SupportsResponses {
		return descriptor.OperationResponses
	}

	return descriptor.OperationMessages
}

// Pipeline returns the resolved transformer chain for channel and stage.
// Exposed for the composition-law tests.
func (c *Client) Pipeline(channel exchange.Channel, stage descriptor.Stage) []transform.Transformer {
	return c.pipelines[channel][stage]
}

func (c *Client) resolveChannel(channel exchange.Channel, loader *transform.Loader) map[descriptor.Stage][]transform.Transformer {
	defaults := c.desc.DefaultTransformers[channel]
	override, hasOverride := c.cfg.Transformers[string(channel)]

	stages := map[descriptor.Stage][]transform.Transformer{}

	for _, stage := range []descriptor.Stage{descriptor.StageRequest, descriptor.StageResponse, descriptor.StageStream} {
		var pre, mid, post []config.TransformerConfig

		explicit := false

		if hasOverride {
			switch stage {
			case descriptor.StageRequest:
				pre, mid, post, explicit = override.PreRequest, override.Request, override.PostRequest, override.RequestSet
			case descriptor.StageResponse:
				pre, mid, post, explicit = override.PreResponse, override.Response, override.PostResponse, override.ResponseSet
			case descriptor.StageStream:
				pre, mid, post, explicit = override.PreStream, override.Stream, override.PostStream, override.StreamSet
			}
		}

		cfgs := config.ResolveStage(pre, mid, post, explicit, defaults[stage])
		stages[stage] = loader.Load(cfgs)
	}

	return stages
}

// providerInfo builds the per-request ProviderInfo handed to transformers.
// BaseURL and QueryParams are owned by the current call so transformers may
// mutate them without racing other requests.
func (c *Client) providerInfo() *transform.ProviderInfo {
	return &transform.ProviderInfo{
		Name:        c.cfg.Name,
		BaseURL:     c.cfg.BaseURL,
		APIKey:      c.cfg.APIKey,
		Type:        c.cfg.Type,
		QueryParams: map[string]string{},
	}
}

// prepare performs the pre-flight half of an operation: capability check,
// header sanitisation, the request transformer chain, and URL construction.
// stream selects whether the upstream body requests a streaming response.
func (c *Client) prepare(ctx context.Context, op descriptor.Operation, ex *exchange.ExchangeRequest, headers http.Header, resolvedModel string, rc *reqcontext.Context, stream bool) (map[string]any, http.Header, string, error) {
	if !c.Supports(op) {
		return nil, nil, "", &UnsupportedOperationError{Provider: c.name, Operation: string(op)}
	}

	pipeline := c.pipelines[ex.Channel]

	current := cloneJSONMap(ex.Payload)
	current["stream"] = stream

	currentHeaders := cloneHeaders(headers)
	currentHeaders.Del("x-api-key")
	currentHeaders.Del("authorization")
	currentHeaders.Set("Content-Type", "application/json")

	info := c.providerInfo()

	routingKey, _ := ex.Metadata["routing_key"].(string)

	for _, t := range pipeline[descriptor.StageRequest] {
		rt, ok := t.(transform.RequestTransformer)
		if !ok {
			continue
		}

		next, nextHeaders, err := rt.TransformRequest(transform.RequestParams{
			Ctx:             ctx,
			Request:         current,
			Headers:         currentHeaders,
			Provider:        info,
			OriginalRequest: ex.Payload,
			RoutingKey:      routingKey,
			ReqCtx:          rc,
		})
		if err != nil {
			return nil, nil, "", &TransformError{Stage: "request", Err: err}
		}

		current = next

		if nextHeaders != nil {
			currentHeaders = nextHeaders
		}
	}

	c.injectDefaultAuth(currentHeaders, info)

	suffix, err := c.desc.Suffix(op, resolvedModel)
	if err != nil {
		return nil, nil, "", err
	}

	target := strings.TrimRight(info.BaseURL, "/") + suffix

	if len(info.QueryParams) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			return nil, nil, "", fmt.Errorf("providerclient: invalid upstream URL %q: %w", target, err)
		}

		q := u.Query()
		for k, v := range info.QueryParams {
			q.Set(k, v)
		}

		u.RawQuery = q.Encode()
		target = u.String()
	}

	return current, currentHeaders, target, nil
}

// injectDefaultAuth sets the backend's native auth header when no request
// transformer already supplied one. Gemini's key travels as a query param
// set by its transformer, so a pending `key` query param suppresses header
// injection.
func (c *Client) injectDefaultAuth(headers http.Header, info *transform.ProviderInfo) {
	if c.cfg.APIKey == "" {
		return
	}

	if headers.Get("x-api-key") != "" || headers.Get("Authorization") != "" {
		return
	}

	if _, viaQuery := info.QueryParams["key"]; viaQuery {
		return
	}

	switch descriptor.BackendType(c.cfg.Type) {
	case descriptor.BackendAnthropic:
		headers.Set("x-api-key", c.cfg.APIKey)

		if headers.Get("anthropic-version") == "" {
			headers.Set("anthropic-version", "2023-06-01")
		}
	default:
		headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// Execute runs one non-streaming operation end to end: request chain,
// upstream POST, response chain.
func (c *Client) Execute(ctx context.Context, op descriptor.Operation, ex *exchange.ExchangeRequest, headers http.Header, resolvedModel string, rc *reqcontext.Context) (*exchange.ExchangeResponse, error) {
	current, currentHeaders, target, err := c.prepare(ctx, op, ex, headers, resolvedModel, rc, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, target, current, currentHeaders)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp)
	if err != nil {
		return nil, &UpstreamError{Provider: c.name, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Provider: c.name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var responseJSON map[string]any
	if err := json.Unmarshal(body, &responseJSON); err != nil {
		return nil, &UpstreamError{Provider: c.name, Err: fmt.Errorf("decode upstream response: %w", err)}
	}

	info := c.providerInfo()

	for _, t := range c.pipelines[ex.Channel][descriptor.StageResponse] {
		rt, ok := t.(transform.ResponseTransformer)
		if !ok {
			continue
		}

		next, err := rt.TransformResponse(transform.ResponseParams{
			Ctx:             ctx,
			Response:        responseJSON,
			Request:         current,
			FinalHeaders:    resp.Header,
			Provider:        info,
			OriginalRequest: ex.Payload,
			ReqCtx:          rc,
		})
		if err != nil {
			return nil, &TransformError{Stage: "response", Err: err}
		}

		responseJSON = next
	}

	return &exchange.ExchangeResponse{
		Channel: ex.Channel,
		Model:   resolvedModel,
		Payload: responseJSON,
		Stream:  ex.OriginalStream,
		Metadata: map[string]any{
			"operation": string(op),
			"provider":  c.name,
		},
	}, nil
}

// ExecuteStream runs one streaming operation: the same request chain, an
// upstream streaming POST, then each received line fed through the stream
// pipeline's chunk transformers with a shared mutable SSEState. emit is
// called with each batch of translated Anthropic SSE bytes in arrival
// order.
func (c *Client) ExecuteStream(ctx context.Context, op descriptor.Operation, ex *exchange.ExchangeRequest, headers http.Header, resolvedModel string, rc *reqcontext.Context, emit func([]byte) error) error {
	current, currentHeaders, target, err := c.prepare(ctx, op, ex, headers, resolvedModel, rc, true)
	if err != nil {
		return err
	}

	currentHeaders.Set("Accept", "text/event-stream")

	resp, err := c.post(ctx, target, current, currentHeaders)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := c.readBody(resp)
		return &UpstreamError{Provider: c.name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	chunkers := make([]transform.ChunkTransformer, 0)

	for _, t := range c.pipelines[ex.Channel][descriptor.StageStream] {
		if ct, ok := t.(transform.ChunkTransformer); ok {
			chunkers = append(chunkers, ct)
		}
	}

	state := transform.NewSSEState()
	state.Model = resolvedModel

	info := c.providerInfo()

	reader := bufio.NewReaderSize(resp.Body, 64*1024)

	for {
		line, err := reader.ReadBytes('\n')

		if len(line) > 0 {
			out := line

			for _, ct := range chunkers {
				var cerr error

				out, cerr = ct.TransformChunk(transform.ChunkParams{
					Ctx:      ctx,
					Chunk:    out,
					State:    state,
					Provider: info,
					ReqCtx:   rc,
				})
				if cerr != nil {
					return &TransformError{Stage: "stream", Err: cerr}
				}

				if len(out) == 0 {
					break
				}
			}

			if len(out) > 0 {
				if werr := emit(out); werr != nil {
					return werr
				}
			}
		}

		if err == io.EOF {
			return nil
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return &UpstreamError{Provider: c.name, Err: err}
		}
	}
}

func (c *Client) post(ctx context.Context, target string, body map[string]any, headers http.Header) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("providerclient: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, &UpstreamError{Provider: c.name, Err: err}
	}

	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Provider: c.name, Err: err}
	}

	return resp, nil
}

// readBody decompresses gzip/brotli-encoded upstream bodies.
func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()

		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	}

	return io.ReadAll(reader)
}

// Close releases the provider's pooled HTTP connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func cloneJSONMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}

	return cp
}

func cloneHeaders(h http.Header) http.Header {
	cp := http.Header{}

	for k, vs := range h {
		for _, v := range vs {
			cp.Add(k, v)
		}
	}

	return cp
}
