// Package controller implements the execution controller: it owns the
// process-wide lifecycle of every shared handle (store, world-state, vector store, LLM cache/router, prompt
// resolver, retrieval service, storyteller graph), drives the ingest,
// retrieval-asset-build, storytell, summarize and export operations, and
// accumulates run-wide telemetry. Per-chapter prefetch is a single
// bounded errgroup.Group sized by prefetch_window.
package controller

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/tablerst/storyteller/internal/apperrors"
	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/export"
	"github.com/tablerst/storyteller/internal/ingest"
	"github.com/tablerst/storyteller/internal/llmcache"
	"github.com/tablerst/storyteller/internal/llmclient"
	"github.com/tablerst/storyteller/internal/prompts"
	"github.com/tablerst/storyteller/internal/providers"
	"github.com/tablerst/storyteller/internal/retrieval"
	"github.com/tablerst/storyteller/internal/stepexec"
	"github.com/tablerst/storyteller/internal/store"
	"github.com/tablerst/storyteller/internal/storyteller"
	"github.com/tablerst/storyteller/internal/vectorstore"
	"github.com/tablerst/storyteller/internal/worldstate"
)

// embeddingDim fixes the vec0 table width. The default embed route model
// (openai/text-embedding-3-small) emits 1536-dim vectors; a deployment
// switching embed models to a different width must also wipe vector_db_path.
const embeddingDim = 1536

// Controller wires every pipeline component into one process lifecycle for
// the CLI entry point.
type Controller struct {
	Config *config.Config
	Logger *slog.Logger

	Store     *store.Store
	World     *worldstate.Store
	Vector    *vectorstore.Store
	Cache     *llmcache.Cache
	Router    *llmclient.Router
	Embedder  providers.Embedder
	Prompts   *prompts.Resolver
	Retrieval *retrieval.Service
	Graph     *storyteller.Graph
	Exec      *stepexec.Executor
	Ingest    *ingest.Service
	Export    *export.Service

	// vectorDB is the dedicated handle backing Vector, opened at
	// storage.vector_db_path; nil when a test wires Vector directly.
	vectorDB *sql.DB
}

// New opens the store and wires every component from cfg. The LLM
// router/embedder are constructed best-effort: a route with no API key
// configured yields a nil Router (every LLM-backed node degrades to its
// deterministic fallback, per the graph nodes' Fallback contract) rather
// than failing Controller construction outright, since ingest/export
// don't need an LLM at all.
func New(cfg *config.Config, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Storage.SqlitePath)
	if err != nil {
		return nil, fmt.Errorf("controller: open store: %w", err)
	}

	vecPath := cfg.Storage.VectorDBPath
	if vecPath == "" {
		vecPath = "vectors.db"
	}
	vecDB, err := sql.Open("sqlite3", vecPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("controller: open vector store: %w", err)
	}
	vecDB.SetMaxOpenConns(1)

	world := worldstate.New(st.DB())
	vec := vectorstore.New(vecDB, embeddingDim)
	cache := llmcache.New(st.DB())

	resolver := prompts.NewResolver(logger)
	storyteller.RegisterPrompts(resolver)

	router, err := llmclient.NewRouter(cfg)
	if err != nil {
		logger.Warn("llm router unavailable; narration nodes will use deterministic fallbacks", "error", err)
		router = nil
	}

	var embedder providers.Embedder
	if router != nil {
		if e, eerr := llmclient.NewEmbedder(cfg, router); eerr == nil {
			embedder = e
		} else {
			logger.Warn("embedder unavailable; retrieval-asset build will be skipped", "error", eerr)
		}
	}

	var ret *retrieval.Service
	if embedder != nil {
		ret = retrieval.New(st, vec, embedder)
	}

	graph := storyteller.New(cfg, router, cache, resolver, world, ret, logger)
	exec := stepexec.New(st, world, graph, cfg, logger)
	ingestSvc := ingest.NewService(st, logger)
	exportSvc := export.New(st, world)

	return &Controller{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		vectorDB:  vecDB,
		World:     world,
		Vector:    vec,
		Cache:     cache,
		Router:    router,
		Embedder:  embedder,
		Prompts:   resolver,
		Retrieval: ret,
		Graph:     graph,
		Exec:      exec,
		Ingest:    ingestSvc,
		Export:    exportSvc,
	}, nil
}

// Close releases the shared database handles.
func (c *Controller) Close() error {
	if c.vectorDB != nil {
		_ = c.vectorDB.Close()
	}
	return c.Store.Close()
}

// Stats accumulates telemetry across a storytell run, merging
// per-chapter-path and step-executor-path counters into one shape so
// the CLI reports identically regardless of step_size.
type Stats struct {
	ChaptersTotal      int
	ChaptersProcessed  int
	ChaptersSkipped    int
	StepsTotal         int
	StepsProcessed     int
	StepsSkippedCached int

	NarrationLLMCalls     int
	NarrationLLMCacheHits int
	InputTokensEstimated  int
	OutputTokensEstimated int

	ConsistencyWarnings int
	ConsistencyActions  int
	EvidenceSupported   int
	EvidenceUnsupported int
	MutationsApplied    int

	RuntimeSeconds float64
}

func mergeStepStats(s *Stats, step stepexec.Stats) {
	s.StepsTotal += step.StepsTotal
	s.StepsProcessed += step.StepsProcessed
	s.StepsSkippedCached += step.StepsSkippedCached
	s.ChaptersTotal += step.ChaptersCovered
	s.ChaptersProcessed += step.ChaptersCovered - step.StepsSkippedCached
	s.NarrationLLMCalls += step.NarrationLLMCalls
	s.NarrationLLMCacheHits += step.NarrationLLMCacheHits
	s.InputTokensEstimated += step.InputTokensEstimated
	s.OutputTokensEstimated += step.OutputTokensEstimated
	s.ConsistencyWarnings += step.ConsistencyWarnings
	s.ConsistencyActions += step.ConsistencyActions
	s.EvidenceSupported += step.EvidenceSupported
	s.EvidenceUnsupported += step.EvidenceUnsupported
	s.MutationsApplied += step.MutationsApplied
	s.RuntimeSeconds += step.RuntimeSeconds
}

// RequireRoutes verifies every named route that is present in the
// configuration can actually be served: its API key environment resolves
// and the router initialized. A route absent from the configuration is
// not an error -- the graph nodes fall back to their deterministic
// baselines for missing routes -- but a configured route with no
// resolvable key is fatal for the command that needs it.
func (c *Controller) RequireRoutes(routes ...string) error {
	for _, name := range routes {
		if _, ok := c.Config.Routes[name]; !ok {
			continue
		}
		if c.Config.ResolveAPIKey(name) == "" {
			return &apperrors.ConfigError{Detail: fmt.Sprintf("route %q: API key environment not set", name)}
		}
		if c.Router == nil {
			return &apperrors.ConfigError{Detail: fmt.Sprintf("route %q: llm router failed to initialize", name)}
		}
	}
	return nil
}

// RequireStorytellRoutes verifies the routes the storytell path needs.
// The embed route is only required when some tier enables memory
// retrieval; without it the graph never embeds a query.
func (c *Controller) RequireStorytellRoutes() error {
	routes := []string{config.RouteStorytellerNarration, config.RouteStorytellerEntity, config.RouteStorytellerRefine}
	if storyteller.HasMemoryRetrieval(c.Config) {
		routes = append(routes, config.RouteEmbed)
	}
	return c.RequireRoutes(routes...)
}

// RunIngest delegates to internal/ingest with the controller's shared
// store.
func (c *Controller) RunIngest(ctx context.Context, opts ingest.Options) (*ingest.Result, error) {
	return c.Ingest.Ingest(ctx, opts)
}

// RunExport delegates to internal/export with the controller's shared
// store and world-state handle.
func (c *Controller) RunExport(ctx context.Context, bookID int64, mode export.Mode) (*export.Result, error) {
	outputDir := c.Config.OutputDir
	if outputDir == "" {
		outputDir = "output"
	}
	return c.Export.Export(ctx, bookID, outputDir, mode)
}
