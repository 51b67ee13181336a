package prompts

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"text/template"
)

// Resolver holds the process-wide registry of embedded prompt templates.
// Nodes register their templates once at startup and render them per
// call.
type Resolver struct {
	mu        sync.RWMutex
	templates map[string]Prompt
	compiled  map[string]*template.Template
	logger    *slog.Logger
}

// NewResolver creates an empty registry.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		templates: make(map[string]Prompt),
		compiled:  make(map[string]*template.Template),
		logger:    logger,
	}
}

// Register compiles and stores a prompt template under its key.
func (r *Resolver) Register(p Prompt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Hash == "" {
		p.Hash = HashText(p.Text)
	}
	if p.Variables == nil {
		p.Variables = ExtractVariables(p.Text)
	}
	tmpl, err := template.New(p.Key).Parse(p.Text)
	if err != nil {
		r.logger.Warn("prompt template failed to parse", "key", p.Key, "error", err)
		return
	}
	r.templates[p.Key] = p
	r.compiled[p.Key] = tmpl
}

// Render renders the named template against data.
func (r *Resolver) Render(key string, data any) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.compiled[key]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("prompt not registered: %s", key)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", key, err)
	}
	return buf.String(), nil
}

// Get returns the raw registered prompt, for logging/versioning.
func (r *Resolver) Get(key string) (Prompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.templates[key]
	return p, ok
}

// All returns every registered prompt.
func (r *Resolver) All() []Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Prompt, 0, len(r.templates))
	for _, p := range r.templates {
		out = append(out, p)
	}
	return out
}
