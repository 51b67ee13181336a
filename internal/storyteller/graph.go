package storyteller

import (
	"context"
	"log/slog"

	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/llmcache"
	"github.com/tablerst/storyteller/internal/llmclient"
	"github.com/tablerst/storyteller/internal/prompts"
	"github.com/tablerst/storyteller/internal/retrieval"
	"github.com/tablerst/storyteller/internal/worldstate"
)

// node is one named step of the graph: a function operating on the
// shared State. Errors should be rare; nodes are expected to degrade
// gracefully (fallback heuristics, unchanged narration) rather than
// abort the chapter. A returned error aborts the remaining nodes for
// this chapter.
type node struct {
	Name string
	Run  func(ctx context.Context, g *Graph, s *State) error
}

// Graph wires the fixed-edge node sequence:
// entity_extract -> state_lookup -> memory_retrieve -> storyteller_generate
// -> consistency_check -> evidence_verify -> refine_narration ->
// state_update -> memory_commit.
type Graph struct {
	Config    *config.Config
	Router    *llmclient.Router
	Cache     *llmcache.Cache
	Prompts   *prompts.Resolver
	World     *worldstate.Store
	Retrieval *retrieval.Service
	Logger    *slog.Logger

	nodes []node
}

// New builds a Graph ready to run chapters for one book. world may be
// nil only for the draft (state-free) variant used by tests that don't
// need persistence; retrieval may be nil when memory retrieval is
// disabled for every tier.
func New(cfg *config.Config, router *llmclient.Router, cache *llmcache.Cache, resolver *prompts.Resolver, world *worldstate.Store, ret *retrieval.Service, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Graph{Config: cfg, Router: router, Cache: cache, Prompts: resolver, World: world, Retrieval: ret, Logger: logger}
	g.nodes = []node{
		{"entity_extract", runEntityExtract},
		{"state_lookup", runStateLookup},
		{"memory_retrieve", runMemoryRetrieve},
		{"storyteller_generate", runStorytellerGenerate},
		{"consistency_check", runConsistencyCheck},
		{"evidence_verify", runEvidenceVerify},
		{"refine_narration", runRefineNarration},
		{"state_update", runStateUpdate},
		{"memory_commit", runMemoryCommit},
	}
	return g
}

// Invoke runs every node in order against s, stopping at the first
// error. This is the Go analogue of graph.ainvoke(state).
func (g *Graph) Invoke(ctx context.Context, s *State) error {
	for _, n := range g.nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.Run(ctx, g, s); err != nil {
			g.Logger.Error("storyteller graph node failed", "node", n.Name, "chapter_idx", s.ChapterIdx, "error", err)
			return err
		}
	}
	return nil
}
