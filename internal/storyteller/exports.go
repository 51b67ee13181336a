package storyteller

import "context"

// The step executor assembles its own node sequence around a
// step-aggregate narration call instead of Graph.Invoke's fixed
// per-chapter edge list, but reuses these individual nodes so a step's
// entity extraction, memory retrieval, consistency checking, evidence
// verification and state commit all behave exactly like the per-chapter
// path.

// RunEntityExtract runs the entity_extract node directly.
func RunEntityExtract(ctx context.Context, g *Graph, s *State) error { return runEntityExtract(ctx, g, s) }

// RunStateLookup runs the state_lookup node directly.
func RunStateLookup(ctx context.Context, g *Graph, s *State) error { return runStateLookup(ctx, g, s) }

// RunMemoryRetrieve runs the memory_retrieve node directly.
func RunMemoryRetrieve(ctx context.Context, g *Graph, s *State) error { return runMemoryRetrieve(ctx, g, s) }

// RunConsistencyCheck runs the consistency_check node directly.
func RunConsistencyCheck(ctx context.Context, g *Graph, s *State) error {
	return runConsistencyCheck(ctx, g, s)
}

// RunEvidenceVerify runs the evidence_verify node directly.
func RunEvidenceVerify(ctx context.Context, g *Graph, s *State) error { return runEvidenceVerify(ctx, g, s) }

// RunStateUpdate runs the state_update node directly.
func RunStateUpdate(ctx context.Context, g *Graph, s *State) error { return runStateUpdate(ctx, g, s) }

// RunStorytellerGenerate runs the storyteller_generate node directly, for
// callers (the Execution Controller's per-chapter path) that split the
// graph's fixed sequence across a prefetch phase and a causally-ordered
// commit phase instead of calling Invoke end to end.
func RunStorytellerGenerate(ctx context.Context, g *Graph, s *State) error {
	return runStorytellerGenerate(ctx, g, s)
}

// RunRefineNarration runs the refine_narration node directly.
func RunRefineNarration(ctx context.Context, g *Graph, s *State) error {
	return runRefineNarration(ctx, g, s)
}

// RunMemoryCommit runs the memory_commit node directly.
func RunMemoryCommit(ctx context.Context, g *Graph, s *State) error { return runMemoryCommit(ctx, g, s) }
