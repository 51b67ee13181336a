package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tablerst/storyteller/internal/apperrors"
	"github.com/tablerst/storyteller/internal/config"
)

// Embedder implements providers.Embedder against an OpenAI-compatible
// embeddings endpoint (OpenRouter proxies several embedding models
// under this same wire shape).
type Embedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	sem        *Router
	route      string
}

// NewEmbedder builds an Embedder for the configured embed route.
func NewEmbedder(cfg *config.Config, router *Router) (*Embedder, error) {
	route, ok := cfg.Routes[config.RouteEmbed]
	if !ok {
		return nil, &apperrors.ConfigError{Detail: "no embed route configured"}
	}
	apiKey := cfg.ResolveAPIKey(config.RouteEmbed)
	if apiKey == "" {
		return nil, &apperrors.ConfigError{Detail: "embed route missing API key"}
	}
	baseURL := route.BaseURL
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &Embedder{
		httpClient: &http.Client{Timeout: time.Duration(route.TimeoutSeconds) * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      route.Model,
		sem:        router,
		route:      config.RouteEmbed,
	}, nil
}

func (e *Embedder) Name() string { return "openrouter-embeddings" }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one dense vector per input text, preserving order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ep, err := e.sem.resolve(e.route)
	if err != nil {
		return nil, err
	}

	var vectors [][]float32
	err = withRetry(ctx, ep.Retries, func() error {
		release, aerr := ep.acquire(ctx)
		if aerr != nil {
			return aerr
		}
		defer release()

		body, merr := json.Marshal(embeddingRequest{Model: e.model, Input: texts})
		if merr != nil {
			return merr
		}

		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
		if rerr != nil {
			return rerr
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.apiKey)

		resp, derr := e.httpClient.Do(req)
		if derr != nil {
			return &apperrors.LLMError{Route: e.route, Provider: e.Name(), Err: derr}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &apperrors.LLMError{Route: e.route, Provider: e.Name(), Err: fmt.Errorf("embeddings endpoint status %d", resp.StatusCode)}
		}

		var parsed embeddingResponse
		if derr := json.NewDecoder(resp.Body).Decode(&parsed); derr != nil {
			return &apperrors.LLMError{Route: e.route, Provider: e.Name(), Err: derr}
		}

		out := make([][]float32, len(texts))
		for _, d := range parsed.Data {
			if d.Index >= 0 && d.Index < len(out) {
				out[d.Index] = d.Embedding
			}
		}
		vectors = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}
