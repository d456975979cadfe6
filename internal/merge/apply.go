package merge

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/decksync/internal/store"
)

// ApplyResult reports the outcome of one batch application pass.
type ApplyResult struct {
	Created     int
	Updated     int
	FailedGUIDs []string
}

// Apply writes the batches to the store. Creates are inserted under a
// single scratch deck to avoid per-note deck resolution, then relocated in
// one deck-move pass once the whole tree is known. Updates are written in
// place; their cards move only when deck movement is enabled. The scratch
// deck is dropped at the end.
//
// Store-level errors propagate and abort the pass; smaller-granularity
// write failures are reported per GUID. Cancellation is honored at batch
// boundaries and leaves completed batches committed.
func (m *Merger) Apply(ctx context.Context, batches *Batches, cfg *ImportConfig) (*ApplyResult, error) {
	result := &ApplyResult{}

	scratch, err := m.store.CreateScratchDeck(ctx)
	if err != nil {
		return result, err
	}
	defer func() {
		if dropErr := m.store.DropScratchDeck(context.WithoutCancel(ctx), scratch.DeckID); dropErr != nil {
			m.logger.Warn("scratch deck not dropped",
				zap.String("operation", "merge.apply"),
				zap.Error(dropErr))
		}
	}()

	inserts := make([]store.NoteInsert, len(batches.Creates))
	for i, create := range batches.Creates {
		inserts[i] = store.NoteInsert{
			Row:       create.Row,
			CardCount: create.CardCount,
			Suspend:   cfg.SuspendNewCards,
		}
	}
	insertResult, err := m.store.InsertNotesBulk(ctx, inserts, scratch.DeckID)
	if err != nil {
		return result, err
	}
	result.Created = insertResult.Applied
	result.FailedGUIDs = append(result.FailedGUIDs, insertResult.FailedGUIDs...)

	updateRows := make([]store.NoteRow, len(batches.Updates))
	for i, update := range batches.Updates {
		updateRows[i] = update.Row
	}
	updateResult, err := m.store.UpdateNotesBulk(ctx, updateRows)
	if err != nil {
		return result, err
	}
	result.Updated = updateResult.Applied
	result.FailedGUIDs = append(result.FailedGUIDs, updateResult.FailedGUIDs...)

	failed := make(map[string]bool, len(result.FailedGUIDs))
	for _, guid := range result.FailedGUIDs {
		failed[guid] = true
	}

	// Cards generated by notetype template changes inherit sibling
	// suspension rather than defaulting to active.
	for _, update := range batches.Updates {
		if failed[update.Row.GUID] {
			continue
		}
		if err := m.store.SyncCardsWithTemplates(ctx, update.Row.NoteID, update.TemplateCount); err != nil {
			m.logger.Warn("card sync failed",
				zap.String("operation", "merge.apply"),
				zap.String("guid", update.Row.GUID),
				zap.Error(err))
		}
	}

	// Single deck-move pass after all creates and updates are known.
	moves := make(map[string][]int64)
	for i, create := range batches.Creates {
		if failed[create.Row.GUID] {
			continue
		}
		moves[create.TargetPath] = append(moves[create.TargetPath], inserts[i].Row.NoteID)
	}
	if !cfg.IgnoreDeckMovement {
		for _, update := range batches.Updates {
			if failed[update.Row.GUID] {
				continue
			}
			moves[update.TargetPath] = append(moves[update.TargetPath], update.Row.NoteID)
		}
	}
	for path, noteIDs := range moves {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		deck, err := m.store.EnsureDeckPath(ctx, path)
		if err != nil {
			return result, err
		}
		if err := m.store.MoveCardsForNotes(ctx, noteIDs, deck.DeckID); err != nil {
			return result, err
		}
	}

	return result, nil
}
