package storyteller

import "context"

// runStateLookup loads each mentioned character/item's current world
// state and the recent plot events window, giving narration generation
// its hard constraints.
func runStateLookup(ctx context.Context, g *Graph, s *State) error {
	if g.World == nil {
		return nil
	}

	chars, err := g.World.CharactersByNames(ctx, s.BookID, s.EntitiesMentioned)
	if err != nil {
		return err
	}
	s.CharacterStates = chars

	items, err := g.World.ItemsByNames(ctx, s.BookID, s.ItemsMentioned)
	if err != nil {
		return err
	}
	s.ItemStates = items

	window := g.Config.Storyteller.RecentEventsWindow
	events, err := g.World.RecentPlotEvents(ctx, s.BookID, s.ChapterIdx, window)
	if err != nil {
		return err
	}
	s.RecentEvents = events

	facts, err := g.World.AllWorldFacts(ctx, s.BookID)
	if err != nil {
		return err
	}
	s.WorldFacts = facts
	return nil
}
