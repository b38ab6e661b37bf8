// Package router maps an inspected ExchangeRequest to a provider client
// and resolved model id. The alias table and provider set
// are built once per config load and treated as immutable afterwards; a
// reload constructs a whole new Router and the server swaps the pointer
// atomically.
package router

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jiafuei/ccproxy/internal/config"
	"github.com/jiafuei/ccproxy/internal/exchange"
	"github.com/jiafuei/ccproxy/internal/inspector"
	"github.com/jiafuei/ccproxy/internal/providerclient"
	"github.com/jiafuei/ccproxy/internal/reqcontext"
	"github.com/jiafuei/ccproxy/internal/transform"
)

const (
	fallbackURLEnv    = "CCPROXY_FALLBACK_URL"
	fallbackAPIKeyEnv = "CCPROXY_FALLBACK_API_KEY"

	defaultFallbackURL = "https://api.anthropic.com"
)

// RoutingError reports an unknown alias on an alias-direct channel; the
// edge returns it as a 4xx.
type RoutingError struct {
	Alias string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("router: unknown model alias %q", e.Alias)
}

type aliasEntry struct {
	client  *providerclient.Client
	modelID string
}

// Router resolves (channel, inspected request) to a provider client plus
// routing metadata. It owns the fallback provider, which shares the
// Router's lifetime.
type Router struct {
	logger   *slog.Logger
	cfg      *config.Config
	aliases  map[string]aliasEntry
	clients  []*providerclient.Client
	fallback *providerclient.Client
}

// New constructs one providerclient.Client per configured provider, the
// alias table, and the fallback Anthropic client from config or
// environment.
func New(cfg *config.Config, loader *transform.Loader, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}

	byName := make(map[string]*providerclient.Client, len(cfg.Providers))
	clients := make([]*providerclient.Client, 0, len(cfg.Providers))

	for _, pc := range cfg.Providers {
		client, err := providerclient.New(pc, loader, logger)
		if err != nil {
			return nil, err
		}

		byName[pc.Name] = client
		clients = append(clients, client)
	}

	aliases := make(map[string]aliasEntry, len(cfg.Models))

	for _, m := range cfg.Models {
		client, ok := byName[m.Provider]
		if !ok {
			return nil, &config.ConfigError{Msg: fmt.Sprintf("model %q references unknown provider %q", m.Alias, m.Provider)}
		}

		aliases[m.Alias] = aliasEntry{client: client, modelID: m.ModelID}
	}

	fallback, err := newFallbackClient(cfg, loader, logger)
	if err != nil {
		return nil, err
	}

	return &Router{
		logger:   logger,
		cfg:      cfg,
		aliases:  aliases,
		clients:  clients,
		fallback: fallback,
	}, nil
}

// newFallbackClient builds the single default Anthropic client used when no
// configured alias matches. The URL is normalised by stripping a trailing
// /v1/messages or /v1/messages/ suffix.
func newFallbackClient(cfg *config.Config, loader *transform.Loader, logger *slog.Logger) (*providerclient.Client, error) {
	baseURL := cfg.Fallback.URL
	if v := os.Getenv(fallbackURLEnv); v != "" {
		baseURL = v
	}

	if baseURL == "" {
		baseURL = defaultFallbackURL
	}

	baseURL = NormalizeFallbackURL(baseURL)

	apiKey := cfg.Fallback.APIKey
	if v := os.Getenv(fallbackAPIKeyEnv); v != "" {
		apiKey = v
	}

	return providerclient.New(config.ProviderConfig{
		Name:    "fallback",
		Type:    "anthropic",
		BaseURL: baseURL,
		APIKey:  apiKey,
	}, loader, logger)
}

// NormalizeFallbackURL strips a /v1/messages or /v1/messages/ suffix so
// operators may paste a full endpoint URL into the env var.
func NormalizeFallbackURL(raw string) string {
	trimmed := strings.TrimSuffix(raw, "/")
	trimmed = strings.TrimSuffix(trimmed, "/v1/messages")

	return strings.TrimSuffix(trimmed, "/")
}

// Result pairs the selected provider client with the routing metadata the
// rest of the pipeline consumes.
type Result struct {
	Client *providerclient.Client
	exchange.RoutingResult
}

// Route runs the Inspector, picks an alias
// by precedence (builtin_tools, then agent-direct, then direct, then the
// content-based key), resolve it against the alias table, and fall back to
// the default Anthropic provider when nothing matches. The request payload's
// model field is rewritten to the resolved model id on a successful alias
// hit, and rc is populated for logging and dumps.
func (r *Router) Route(ex *exchange.ExchangeRequest, rc *reqcontext.Context) (*Result, error) {
	if ex.Channel != exchange.ChannelClaude {
		return r.routeAliasDirect(ex, rc)
	}

	insp := inspector.Inspect(r.logger, ex)

	key := insp.RoutingKey
	alias := ""

	switch {
	case key == exchange.RoutingBuiltinTools:
		alias = r.cfg.ResolveRoutingAlias(string(exchange.RoutingBuiltinTools))
	case insp.IsAgentDirect:
		key = exchange.RoutingAgentDirect
		alias = insp.AgentAlias
	case insp.IsDirect:
		key = exchange.RoutingDirect
		alias = insp.DirectAlias
	default:
		alias = r.cfg.ResolveRoutingAlias(string(key))
	}

	res := &Result{RoutingResult: exchange.RoutingResult{
		RoutingKey:      key,
		ModelAlias:      alias,
		Channel:         ex.Channel,
		IsDirectRouting: insp.IsDirect,
		IsAgentRouting:  insp.IsAgentDirect,
	}}

	originalModel := ex.Model
	if insp.IsDirect {
		originalModel = insp.DirectAlias
	}

	if entry, ok := r.aliases[alias]; ok {
		res.Client = entry.client
		res.ResolvedModelID = entry.modelID
		res.Provider = entry.client.Name()

		ex.Payload["model"] = entry.modelID
	} else {
		res.Client = r.fallback
		res.ResolvedModelID = originalModel
		res.Provider = r.fallback.Name()
		res.UsedFallback = true

		if insp.IsDirect {
			ex.Payload["model"] = originalModel
		}
	}

	r.stamp(ex, rc, res)

	return res, nil
}

// routeAliasDirect handles non-claude channels: the exchange's model is an
// alias, and an unknown alias is a fatal request error rather than a
// fallback.
func (r *Router) routeAliasDirect(ex *exchange.ExchangeRequest, rc *reqcontext.Context) (*Result, error) {
	entry, ok := r.aliases[ex.Model]
	if !ok {
		return nil, &RoutingError{Alias: ex.Model}
	}

	res := &Result{
		Client: entry.client,
		RoutingResult: exchange.RoutingResult{
			Provider:        entry.client.Name(),
			RoutingKey:      exchange.RoutingDefault,
			ModelAlias:      ex.Model,
			ResolvedModelID: entry.modelID,
			Channel:         ex.Channel,
		},
	}

	ex.Payload["model"] = entry.modelID

	r.stamp(ex, rc, res)

	return res, nil
}

func (r *Router) stamp(ex *exchange.ExchangeRequest, rc *reqcontext.Context, res *Result) {
	if ex.Metadata == nil {
		ex.Metadata = map[string]any{}
	}

	ex.Metadata["routing_key"] = string(res.RoutingKey)

	if rc != nil {
		rc.Provider = res.Provider
		rc.RoutingKey = string(res.RoutingKey)
		rc.ModelAlias = res.ModelAlias
		rc.ResolvedModel = res.ResolvedModelID
		rc.Channel = string(res.Channel)
		rc.IsDirect = res.IsDirectRouting
		rc.IsAgentDirect = res.IsAgentRouting
		rc.UsedFallback = res.UsedFallback
	}

	r.logger.Debug("routed request",
		"routing_key", res.RoutingKey,
		"alias", res.ModelAlias,
		"provider", res.Provider,
		"resolved_model", res.ResolvedModelID,
		"fallback", res.UsedFallback,
	)
}

// Close releases every provider client's pooled connections, including the
// fallback's.
func (r *Router) Close() {
	for _, c := range r.clients {
		c.Close()
	}

	if r.fallback != nil {
		r.fallback.Close()
	}
}
