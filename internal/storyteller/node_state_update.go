package storyteller

import (
	"context"

	"github.com/tablerst/storyteller/internal/worldstate"
)

const (
	eventConfidence                 = 0.7
	characterStatusConfidence       = 0.85
	characterLocationConfidence     = 0.8
	characterAbilityConfidence      = 0.75
	characterRelationshipConfidence = 0.75
	itemOwnerConfidence             = 0.75
)

// runStateUpdate persists every verified key event, character update and
// new item into world state: plot events append-only, characters/items
// upserted with alias-merging semantics, and a confidence-scored
// world_fact recorded per mutation kind. This goes well beyond
// the MVP's plot-events-only persistence, exercising the full
// internal/worldstate surface the chapter's narration actually touched.
func runStateUpdate(ctx context.Context, g *Graph, s *State) error {
	if s.Tx == nil {
		return nil
	}

	applied := 0

	for _, e := range s.KeyEvents {
		if err := worldstate.InsertPlotEvent(ctx, s.Tx, worldstate.PlotEvent{
			BookID: s.BookID, ChapterIdx: s.ChapterIdx,
			Who: e.Who, What: e.What, Where: e.Where, Outcome: e.Outcome, Impact: e.Impact,
		}); err != nil {
			return err
		}
		if err := worldstate.UpsertWorldFact(ctx, s.Tx, s.BookID,
			worldstate.EventFactKey(s.ChapterIdx, e.What), e.What, eventConfidence, "storyteller_generate"); err != nil {
			return err
		}
		applied++
	}

	for _, name := range s.EntitiesMentioned {
		if err := worldstate.UpsertCharacter(ctx, s.Tx, s.BookID, name, nil, "", "", s.ChapterIdx); err != nil {
			return err
		}
	}

	for _, u := range s.CharacterUpdates {
		switch u.ChangeType {
		case "location":
			if err := worldstate.UpsertCharacter(ctx, s.Tx, s.BookID, u.Name, nil, "", u.After, s.ChapterIdx); err != nil {
				return err
			}
			if err := worldstate.UpsertWorldFact(ctx, s.Tx, s.BookID,
				worldstate.CharacterLocationFactKey(u.Name), u.After, characterLocationConfidence, "state_update"); err != nil {
				return err
			}
		case "ability":
			if err := worldstate.AppendCharacterAttr(ctx, s.Tx, s.BookID, u.Name, "ability", u.After, s.ChapterIdx); err != nil {
				return err
			}
			if err := worldstate.UpsertWorldFact(ctx, s.Tx, s.BookID,
				worldstate.CharacterAbilityFactKey(u.Name, u.After), u.After, characterAbilityConfidence, "state_update"); err != nil {
				return err
			}
		case "relationship":
			if err := worldstate.AppendCharacterAttr(ctx, s.Tx, s.BookID, u.Name, "relationship", u.After, s.ChapterIdx); err != nil {
				return err
			}
			if err := worldstate.UpsertWorldFact(ctx, s.Tx, s.BookID,
				worldstate.CharacterRelationshipFactKey(u.Name, u.After), u.After, characterRelationshipConfidence, "state_update"); err != nil {
				return err
			}
		default:
			if err := worldstate.UpsertCharacter(ctx, s.Tx, s.BookID, u.Name, nil, u.After, "", s.ChapterIdx); err != nil {
				return err
			}
			if err := worldstate.UpsertWorldFact(ctx, s.Tx, s.BookID,
				worldstate.CharacterStatusFactKey(u.Name), u.After, characterStatusConfidence, "state_update"); err != nil {
				return err
			}
		}
		applied++
	}

	for _, it := range s.NewItems {
		if err := worldstate.UpsertItem(ctx, s.Tx, s.BookID, it.Name, it.Owner, it.Description, "", s.ChapterIdx); err != nil {
			return err
		}
		if it.Owner != "" {
			if err := worldstate.UpsertWorldFact(ctx, s.Tx, s.BookID,
				worldstate.ItemOwnerFactKey(it.Name), it.Owner, itemOwnerConfidence, "state_update"); err != nil {
				return err
			}
		}
		applied++
	}

	s.MutationsApplied = applied
	return nil
}
