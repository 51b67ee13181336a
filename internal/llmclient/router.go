// Package llmclient wraps internal/providers clients with the
// per-route concurrency and retry policy: a semaphore sized
// by max_concurrency, bounded exponential-backoff retries with the
// provider's own retry disabled, and a structured-output builder
// fallback chain.
package llmclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/semaphore"

	"github.com/tablerst/storyteller/internal/apperrors"
	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/providers"
)

// Endpoint wraps one route's resolved LLM client with its concurrency
// and retry policy.
type Endpoint struct {
	Route   string
	Client  providers.LLMClient
	Model   string
	Temp    float64
	Timeout time.Duration
	Retries int
	sem     *semaphore.Weighted
}

// Router resolves route names to ready-to-call endpoints.
type Router struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewRouter builds a Router from config, constructing one OpenRouter
// client per distinct (provider, base_url, api_key) tuple and wrapping
// each route with its own semaphore.
func NewRouter(cfg *config.Config) (*Router, error) {
	r := &Router{endpoints: make(map[string]*Endpoint)}
	clients := make(map[string]providers.LLMClient)

	for name, route := range cfg.Routes {
		apiKey := cfg.ResolveAPIKey(name)
		if apiKey == "" {
			return nil, &apperrors.ConfigError{Detail: fmt.Sprintf("route %q: missing API key", name)}
		}
		clientKey := route.Provider + "::" + route.BaseURL + "::" + apiKey
		client, ok := clients[clientKey]
		if !ok {
			switch route.Provider {
			case "", providers.OpenRouterName:
				client = providers.NewOpenRouterClient(providers.OpenRouterConfig{
					APIKey:       apiKey,
					BaseURL:      route.BaseURL,
					DefaultModel: route.Model,
					Timeout:      time.Duration(route.TimeoutSeconds) * time.Second,
					// The router owns the retry policy; a single inner
					// attempt keeps total attempts at retries+1.
					MaxRetries: 1,
				})
			default:
				return nil, &apperrors.ConfigError{Detail: fmt.Sprintf("route %q: unknown provider %q", name, route.Provider)}
			}
			clients[clientKey] = client
		}

		maxConcurrency := route.MaxConcurrency
		if maxConcurrency <= 0 {
			maxConcurrency = 1
		}
		r.endpoints[name] = &Endpoint{
			Route:   name,
			Client:  client,
			Model:   route.Model,
			Temp:    route.Temperature,
			Timeout: time.Duration(route.TimeoutSeconds) * time.Second,
			Retries: route.Retries,
			sem:     semaphore.NewWeighted(int64(maxConcurrency)),
		}
	}

	return r, nil
}

// RegisterMock installs a client directly, bypassing config — used by
// tests that don't want to exercise ResolveAPIKey.
func (r *Router) RegisterMock(route string, client providers.LLMClient, maxConcurrency, retries int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	r.endpoints[route] = &Endpoint{
		Route: route, Client: client, Retries: retries,
		sem: semaphore.NewWeighted(int64(maxConcurrency)),
	}
}

func (r *Router) resolve(route string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[route]
	if !ok {
		return nil, &apperrors.ConfigError{Detail: fmt.Sprintf("unknown route %q", route)}
	}
	return ep, nil
}

// backoff implements min(0.5*2^n, 4s).
func backoff(attempt int) time.Duration {
	d := time.Duration(float64(time.Second) * 0.5 * float64(uint(1)<<uint(attempt)))
	if d > 4*time.Second {
		d = 4 * time.Second
	}
	return d
}

// withRetry runs fn up to retries+1 attempts, sleeping backoff(attempt)
// between attempts and respecting ctx cancellation.
func withRetry(ctx context.Context, retries int, fn func() error) error {
	attempts := retries + 1
	if attempts < 1 {
		attempts = 1
	}
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return backoff(int(n))
		}),
		retry.LastErrorOnly(true),
	)
}

// acquire blocks on the endpoint's semaphore and returns a release func.
func (e *Endpoint) acquire(ctx context.Context) (func(), error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { e.sem.Release(1) }, nil
}

// Complete issues a plain chat completion on the named route.
func (r *Router) Complete(ctx context.Context, route, system, user string) (string, error) {
	ep, err := r.resolve(route)
	if err != nil {
		return "", err
	}

	var text string
	err = withRetry(ctx, ep.Retries, func() error {
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
			Model:       ep.Model,
			Temperature: ep.Temp,
		})
		if cerr != nil {
			return &apperrors.LLMError{Route: route, Provider: ep.Client.Name(), Err: cerr}
		}
		if !result.Success || result.Content == "" {
			return &apperrors.LLMError{Route: route, Provider: ep.Client.Name(), Err: fmt.Errorf("empty or unsuccessful response: %s", result.ErrorMessage)}
		}
		text = result.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// CompleteJSON issues a chat completion and parses the raw text with
// parse. On parse failure the raw text is still returned alongside the
// error so the caller can log the offending payload (and, for cached
// payloads, delete the entry).
func (r *Router) CompleteJSON(ctx context.Context, route, system, user string, parse func(string) error) (string, error) {
	text, err := r.Complete(ctx, route, system, user)
	if err != nil {
		return "", err
	}
	if err := parse(text); err != nil {
		return text, &apperrors.LLMError{Route: route, Source: "parse", Err: err}
	}
	return text, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
