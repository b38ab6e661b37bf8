// Package exchange defines the channel-tagged, payload-polymorphic
// envelopes that thread through the routing-and-transformation pipeline:
// ExchangeRequest, ExchangeResponse and ExchangeStreamChunk.
package exchange

// Channel identifies which client-edge protocol a request speaks.
type Channel string

const (
	ChannelClaude Channel = "claude"
	ChannelCodex  Channel = "codex"
)

// RoutingKey classifies a request for model selection purposes.
type RoutingKey string

const (
	RoutingDefault      RoutingKey = "default"
	RoutingBackground   RoutingKey = "background"
	RoutingPlanning     RoutingKey = "planning"
	RoutingThinking     RoutingKey = "thinking"
	RoutingPlanAndThink RoutingKey = "plan_and_think"
	RoutingBuiltinTools RoutingKey = "builtin_tools"
	RoutingAgentDirect  RoutingKey = "agent_direct"
	RoutingDirect       RoutingKey = "direct"
)

// ExchangeRequest is the envelope carried from the edge handler into the
// router and provider client. Payload is the channel-native typed request
// (for claude, an Anthropic Messages request materialised as a dict/map);
// Metadata carries the routing key and any supplemental fields (e.g.
// input_tokens) stamped on by the Inspector/Router.
type ExchangeRequest struct {
	Channel        Channel
	Model          string // alias or raw model string as received from the client
	OriginalStream bool
	Payload        map[string]any
	Metadata       map[string]any
	Tools          []any
	Extras         map[string]any
}

// CopyWith returns a shallow copy of r suitable for non-destructive updates
// by transformers.
func (r *ExchangeRequest) CopyWith() *ExchangeRequest {
	cp := *r
	cp.Payload = cloneMap(r.Payload)
	cp.Metadata = cloneMap(r.Metadata)
	cp.Extras = cloneMap(r.Extras)

	if r.Tools != nil {
		cp.Tools = append([]any(nil), r.Tools...)
	}

	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}

	return cp
}

// ExchangeResponse is returned by the provider client. After the response
// pipeline has run, Payload is always in Anthropic Messages shape.
type ExchangeResponse struct {
	Channel  Channel
	Model    string
	Payload  map[string]any
	Stream   bool
	Metadata map[string]any
}

// ExchangeStreamChunk carries one Anthropic SSE event at a time from the
// streaming pipeline to the edge handler.
type ExchangeStreamChunk struct {
	Channel  Channel
	Model    string
	Event    string
	Data     []byte
	Finished bool
}

// RoutingResult is the output of the Router for a single request.
type RoutingResult struct {
	Provider        string
	RoutingKey      RoutingKey
	ModelAlias      string
	ResolvedModelID string
	Channel         Channel
	IsDirectRouting bool
	IsAgentRouting  bool
	UsedFallback    bool
}
