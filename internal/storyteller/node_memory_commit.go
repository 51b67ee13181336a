package storyteller

import "context"

// runMemoryCommit is a no-op marker node: narration vectors are built by
// the retrieval-assets rebuild step after narrations are persisted, not
// inline here.
func runMemoryCommit(ctx context.Context, g *Graph, s *State) error {
	s.MemoryCommitted = true
	return nil
}
