// Package descriptor holds the process-wide immutable table of per-backend
// metadata: supported operations, URL suffix templates, default transformer
// chains per channel/stage, and capability flags.
package descriptor

import (
	"fmt"

	"github.com/jiafuei/ccproxy/internal/exchange"
	"github.com/jiafuei/ccproxy/internal/transform"
)

// BackendType is the closed set of upstream provider backend kinds.
type BackendType string

const (
	BackendAnthropic       BackendType = "anthropic"
	BackendOpenAI          BackendType = "openai"
	BackendOpenAIResponses BackendType = "openai-responses"
	BackendGemini          BackendType = "gemini"
)

// Operation is a named endpoint on an upstream provider.
type Operation string

const (
	OperationMessages    Operation = "messages"
	OperationCountTokens Operation = "count_tokens"
	OperationResponses   Operation = "responses"
)

// Stage is one of the three pipeline stages a transformer chain applies to.
type Stage string

const (
	StageRequest  Stage = "request"
	StageResponse Stage = "response"
	StageStream   Stage = "stream"
)

// Descriptor is the static, per-backend-type metadata record.
type Descriptor struct {
	Type                BackendType
	Operations          map[Operation]string // suffix template, may contain {model}
	DefaultTransformers map[exchange.Channel]map[Stage][]transform.Config
	SupportsStreaming   bool
	SupportsCountTokens bool
	SupportsResponses   bool
}

// Suffix resolves the URL suffix for op, substituting {model} with
// resolvedModel when the template requires it.
func (d Descriptor) Suffix(op Operation, resolvedModel string) (string, error) {
	tmpl, ok := d.Operations[op]
	if !ok {
		return "", fmt.Errorf("descriptor: backend %q does not support operation %q", d.Type, op)
	}

	if containsModelPlaceholder(tmpl) {
		if resolvedModel == "" {
			return "", fmt.Errorf("descriptor: operation %q requires a resolved model but none was supplied", op)
		}

		return replaceModel(tmpl, resolvedModel), nil
	}

	return tmpl, nil
}

func containsModelPlaceholder(tmpl string) bool {
	for i := 0; i+7 <= len(tmpl); i++ {
		if tmpl[i:i+7] == "{model}" {
			return true
		}
	}

	return false
}

func replaceModel(tmpl, model string) string {
	out := make([]byte, 0, len(tmpl)+len(model))

	for i := 0; i < len(tmpl); {
		if i+7 <= len(tmpl) && tmpl[i:i+7] == "{model}" {
			out = append(out, model...)
			i += 7

			continue
		}

		out = append(out, tmpl[i])
		i++
	}

	return string(out)
}

// registry is the process-wide immutable table, built once at package init
// and never mutated afterwards.
var registry = build()

// Registry returns the static descriptor table. Requesting a descriptor for
// an unknown backend type elsewhere in the system is a programming error
// fatal at startup (see Get).
func Registry() map[BackendType]Descriptor {
	return registry
}

// Get returns the descriptor for typ, panicking if typ is not a known
// backend type: an unknown type is a programming error fatal at startup,
// never a runtime-recoverable condition.
func Get(typ BackendType) Descriptor {
	d, ok := Registry()[typ]
	if !ok {
		panic(fmt.Sprintf("descriptor: unknown backend type %q", typ))
	}

	return d
}

func build() map[BackendType]Descriptor {
	return map[BackendType]Descriptor{
		BackendAnthropic: {
			Type: BackendAnthropic,
			Operations: map[Operation]string{
				OperationMessages:    "/v1/messages",
				OperationCountTokens: "/v1/messages/count_tokens",
			},
			DefaultTransformers: map[exchange.Channel]map[Stage][]transform.Config{
				exchange.ChannelClaude: {
					StageRequest:  {},
					StageResponse: {},
					StageStream:   {{ClassPath: "generic.passthrough_stream"}},
				},
			},
			SupportsStreaming:   true,
			SupportsCountTokens: true,
		},
		BackendOpenAI: {
			Type: BackendOpenAI,
			Operations: map[Operation]string{
				OperationMessages: "/v1/chat/completions",
			},
			DefaultTransformers: map[exchange.Channel]map[Stage][]transform.Config{
				exchange.ChannelClaude: {
					StageRequest:  {{ClassPath: "openai.request"}},
					StageResponse: {{ClassPath: "openai.response"}},
					StageStream:   {{ClassPath: "openai.stream"}},
				},
			},
			SupportsStreaming: true,
		},
		BackendOpenAIResponses: {
			Type: BackendOpenAIResponses,
			Operations: map[Operation]string{
				OperationResponses: "/v1/responses",
			},
			DefaultTransformers: map[exchange.Channel]map[Stage][]transform.Config{
				exchange.ChannelClaude: {
					StageRequest:  {{ClassPath: "responses.request"}},
					StageResponse: {{ClassPath: "responses.response"}},
					StageStream:   {{ClassPath: "responses.stream"}},
				},
			},
			SupportsStreaming: true,
			SupportsResponses: true,
		},
		BackendGemini: {
			Type: BackendGemini,
			Operations: map[Operation]string{
				OperationMessages:    "/v1beta/models/{model}:generateContent",
				OperationCountTokens: "/v1beta/models/{model}:countTokens",
			},
			DefaultTransformers: map[exchange.Channel]map[Stage][]transform.Config{
				exchange.ChannelClaude: {
					StageRequest: {
						{ClassPath: "gemini.request"},
						{ClassPath: "generic.gemini_api_key"},
					},
					StageResponse: {{ClassPath: "gemini.response"}},
					StageStream:   {{ClassPath: "gemini.stream"}},
				},
			},
			SupportsStreaming:   true,
			SupportsCountTokens: true,
		},
	}
}
