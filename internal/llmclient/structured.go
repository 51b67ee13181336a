package llmclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tablerst/storyteller/internal/apperrors"
	"github.com/tablerst/storyteller/internal/providers"
)

// structuredBuilder shapes one attempt at getting schema-conformant
// JSON out of a chat model. Builders are tried in order; the first to
// return successfully wins.
type structuredBuilder struct {
	name string
	rf   func(schema json.RawMessage) *providers.ResponseFormat
}

// structuredBuilders implements the fallback chain
// {schema+method+include_raw, schema+method, schema+include_raw, schema}
// adapted to OpenRouter's response_format surface: strict
// json_schema first, then a relaxed json_schema, then bare json_object,
// then no response_format at all (prompt-only, relying on the system
// prompt to demand JSON).
var structuredBuilders = []structuredBuilder{
	{
		name: "json_schema_strict",
		rf: func(schema json.RawMessage) *providers.ResponseFormat {
			return &providers.ResponseFormat{Type: "json_schema", JSONSchema: wrapStrict(schema, true)}
		},
	},
	{
		name: "json_schema",
		rf: func(schema json.RawMessage) *providers.ResponseFormat {
			return &providers.ResponseFormat{Type: "json_schema", JSONSchema: wrapStrict(schema, false)}
		},
	},
	{
		name: "json_object",
		rf: func(json.RawMessage) *providers.ResponseFormat {
			return &providers.ResponseFormat{Type: "json_object"}
		},
	},
	{
		name: "prompt_only",
		rf: func(json.RawMessage) *providers.ResponseFormat {
			return nil
		},
	},
}

func wrapStrict(schema json.RawMessage, strict bool) json.RawMessage {
	wrapper := map[string]any{
		"name":   "structured_output",
		"strict": strict,
		"schema": json.RawMessage(schema),
	}
	b, err := json.Marshal(wrapper)
	if err != nil {
		return schema
	}
	return b
}

// CompleteStructured issues a structured chat completion against
// schema, trying each builder in structuredBuilders in order until one
// returns a response that parses and validates.
func (r *Router) CompleteStructured(ctx context.Context, route, system, user string, schema json.RawMessage) (string, json.RawMessage, error) {
	ep, err := r.resolve(route)
	if err != nil {
		return "", nil, err
	}

	var lastErr error
	for _, builder := range structuredBuilders {
		var text string
		var parsed json.RawMessage

		attemptErr := withRetry(ctx, ep.Retries, func() error {
			release, aerr := ep.acquire(ctx)
			if aerr != nil {
				return aerr
			}
			defer release()

			callCtx, cancel := withTimeout(ctx, ep.Timeout)
			defer cancel()

			result, cerr := ep.Client.Chat(callCtx, &providers.ChatRequest{
				Messages: []providers.Message{
					{Role: "system", Content: system},
					{Role: "user", Content: user},
				},
				Model:          ep.Model,
				Temperature:    ep.Temp,
				ResponseFormat: builder.rf(schema),
			})
			if cerr != nil {
				return &apperrors.LLMError{Route: route, Provider: ep.Client.Name(), Err: cerr}
			}
			if !result.Success {
				return &apperrors.LLMError{Route: route, Provider: ep.Client.Name(), Source: builder.name, Err: fmt.Errorf("%s", result.ErrorMessage)}
			}
			text = result.Content
			parsed = result.ParsedJSON
			if len(parsed) == 0 {
				var raw json.RawMessage
				if jerr := json.Unmarshal([]byte(text), &raw); jerr != nil {
					return &apperrors.LLMError{Route: route, Provider: ep.Client.Name(), Source: builder.name, Err: jerr}
				}
				parsed = raw
			}
			return nil
		})
		if attemptErr == nil {
			return text, parsed, nil
		}
		lastErr = attemptErr
	}

	return "", nil, &apperrors.LLMError{Route: route, Source: "structured_exhausted", Err: lastErr}
}
