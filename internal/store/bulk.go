package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NoteInsert pairs a new note row with the number of cards its notetype
// generates (one card per template).
type NoteInsert struct {
	Row       NoteRow
	CardCount int
	Suspend   bool
}

// BulkResult reports the outcome of one bulk write pass.
type BulkResult struct {
	Applied     int
	FailedGUIDs []string
}

// InsertNotesBulk writes new notes and their cards under the given deck.
// Chunks that fail are retried at halved granularity; only the notes in
// the smallest failing sub-batch are counted as hard failures.
func (s *Store) InsertNotesBulk(ctx context.Context, inserts []NoteInsert, deckID int64) (BulkResult, error) {
	var result BulkResult
	err := s.applyChunked(ctx, len(inserts), func(tx *gorm.DB, start, end int) error {
		for i := start; i < end; i++ {
			insert := &inserts[i]
			insert.Row.ModifiedAt = s.clock().Unix()
			if err := tx.Create(&insert.Row).Error; err != nil {
				return fmt.Errorf("store: insert note %q: %w", insert.Row.GUID, err)
			}
			for ord := 0; ord < insert.CardCount; ord++ {
				card := CardRow{NoteID: insert.Row.NoteID, DeckID: deckID, Ord: ord, Suspended: insert.Suspend}
				if err := tx.Create(&card).Error; err != nil {
					return fmt.Errorf("store: insert card for %q: %w", insert.Row.GUID, err)
				}
			}
			if err := s.registerTags(tx, &insert.Row); err != nil {
				return err
			}
		}
		return nil
	}, func(start, end int) {
		result.Applied += end - start
	}, func(start, end int) {
		for i := start; i < end; i++ {
			result.FailedGUIDs = append(result.FailedGUIDs, inserts[i].Row.GUID)
		}
	})
	return result, err
}

// UpdateNotesBulk writes updated note rows in place.
func (s *Store) UpdateNotesBulk(ctx context.Context, rows []NoteRow) (BulkResult, error) {
	var result BulkResult
	err := s.applyChunked(ctx, len(rows), func(tx *gorm.DB, start, end int) error {
		for i := start; i < end; i++ {
			row := &rows[i]
			row.ModifiedAt = s.clock().Unix()
			if err := tx.Save(row).Error; err != nil {
				return fmt.Errorf("store: update note %q: %w", row.GUID, err)
			}
			if err := s.registerTags(tx, row); err != nil {
				return err
			}
		}
		return nil
	}, func(start, end int) {
		result.Applied += end - start
	}, func(start, end int) {
		for i := start; i < end; i++ {
			result.FailedGUIDs = append(result.FailedGUIDs, rows[i].GUID)
		}
	})
	return result, err
}

// applyChunked runs fn over [0,total) in batchSize chunks, each in its own
// transaction. A failing chunk is split in half and retried; single-item
// failures are reported through onFail.
func (s *Store) applyChunked(
	ctx context.Context,
	total int,
	fn func(tx *gorm.DB, start, end int) error,
	onApplied func(start, end int),
	onFail func(start, end int),
) error {
	var run func(start, end int) error
	run = func(start, end int) error {
		if start >= end {
			return nil
		}
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(tx, start, end)
		})
		if err == nil {
			onApplied(start, end)
			return nil
		}
		if end-start == 1 {
			s.logger.Warn("bulk write failed",
				zap.String("operation", "store.apply_chunked"),
				zap.Int("index", start),
				zap.Error(err))
			onFail(start, end)
			return nil
		}
		mid := start + (end-start)/2
		if err := run(start, mid); err != nil {
			return err
		}
		return run(mid, end)
	}

	for start := 0; start < total; start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + s.batchSize
		if end > total {
			end = total
		}
		if err := run(start, end); err != nil {
			return err
		}
	}
	return nil
}

// MoveCardsForNotes relocates every card of the given notes into one deck.
// Siblings of the same note always move together.
func (s *Store) MoveCardsForNotes(ctx context.Context, noteIDs []int64, deckID int64) error {
	for start := 0; start < len(noteIDs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(noteIDs) {
			end = len(noteIDs)
		}
		err := s.db.WithContext(ctx).Model(&CardRow{}).
			Where("note_id IN ?", noteIDs[start:end]).
			Update("deck_id", deckID).Error
		if err != nil {
			return fmt.Errorf("store: move cards: %w", err)
		}
	}
	return nil
}

// SyncCardsWithTemplates grows a note's card set to templateCount. New
// sibling cards inherit suspension when every existing sibling is
// suspended, instead of defaulting to active.
func (s *Store) SyncCardsWithTemplates(ctx context.Context, noteID int64, templateCount int) error {
	cards, err := s.CardsByNote(ctx, noteID)
	if err != nil {
		return err
	}
	if len(cards) == 0 || len(cards) >= templateCount {
		return nil
	}
	allSuspended := true
	for _, card := range cards {
		if !card.Suspended {
			allSuspended = false
			break
		}
	}
	haveOrd := make(map[int]bool, len(cards))
	for _, card := range cards {
		haveOrd[card.Ord] = true
	}
	deckID := cards[0].DeckID
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for ord := 0; ord < templateCount; ord++ {
			if haveOrd[ord] {
				continue
			}
			card := CardRow{NoteID: noteID, DeckID: deckID, Ord: ord, Suspended: allSuspended}
			if err := tx.Create(&card).Error; err != nil {
				return fmt.Errorf("store: sync cards for note %d: %w", noteID, err)
			}
		}
		return nil
	})
}

// ClearEmptyCards deletes cards whose template position no longer exists
// on the owning notetype.
func (s *Store) ClearEmptyCards(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Exec(`
		DELETE FROM cards WHERE card_id IN (
			SELECT c.card_id FROM cards c
			JOIN notes n ON n.note_id = c.note_id
			JOIN notetypes t ON t.notetype_id = n.notetype_id
			WHERE c.ord >= (SELECT COUNT(*) FROM json_each(t.templates_json))
		)`)
	if result.Error != nil {
		return 0, fmt.Errorf("store: clear empty cards: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ClearUnusedTags drops registry entries no note references anymore.
func (s *Store) ClearUnusedTags(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Exec(`
		DELETE FROM tags WHERE NOT EXISTS (
			SELECT 1 FROM notes, json_each(notes.tags_json)
			WHERE json_each.value = tags.name
		)`)
	if result.Error != nil {
		return 0, fmt.Errorf("store: clear unused tags: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) registerTags(tx *gorm.DB, row *NoteRow) error {
	tags, err := row.Tags()
	if err != nil {
		return err
	}
	for _, tag := range tags {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&TagRow{Name: tag}).Error
		if err != nil {
			return fmt.Errorf("store: register tag %q: %w", tag, err)
		}
	}
	return nil
}
