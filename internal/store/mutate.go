package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
)

const scratchDeckPrefix = "decksync-scratch"

// EnsureDeckPath creates the deck at the given full path along with any
// missing ancestors and returns the leaf row. Existing decks are reused.
func (s *Store) EnsureDeckPath(ctx context.Context, path string) (*DeckRow, error) {
	segments := strings.Split(path, deckpack.PathDelimiter)
	var leaf *DeckRow
	current := ""
	for _, segment := range segments {
		if current == "" {
			current = segment
		} else {
			current = current + deckpack.PathDelimiter + segment
		}
		row, err := s.FindDeckByName(ctx, current)
		if err != nil {
			return nil, err
		}
		if row == nil {
			row = &DeckRow{Name: current, CreatedAt: s.clock().Unix()}
			if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
				return nil, fmt.Errorf("store: create deck %q: %w", current, err)
			}
		}
		leaf = row
	}
	return leaf, nil
}

// SaveDeck persists updated deck attributes.
func (s *Store) SaveDeck(ctx context.Context, row *DeckRow) error {
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("store: save deck %q: %w", row.Name, err)
	}
	return nil
}

// RenameDeckSubtree renames a deck and rewrites the path prefix of every
// descendant in one transaction.
func (s *Store) RenameDeckSubtree(ctx context.Context, row *DeckRow, newPath string) error {
	oldPath := row.Name
	children, err := s.ChildDecks(ctx, oldPath)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row.Name = newPath
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("store: rename deck: %w", err)
		}
		for i := range children {
			child := &children[i]
			child.Name = newPath + strings.TrimPrefix(child.Name, oldPath)
			if err := tx.Save(child).Error; err != nil {
				return fmt.Errorf("store: rename child deck: %w", err)
			}
		}
		return nil
	})
}

// SaveNotetype inserts or updates a schema definition. Identity is never
// re-minted on update.
func (s *Store) SaveNotetype(ctx context.Context, row *NotetypeRow) error {
	row.ModifiedAt = s.clock().Unix()
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("store: save notetype %q: %w", row.Name, err)
	}
	return nil
}

// SaveDeckConfig inserts or updates review scheduling options by identity.
func (s *Store) SaveDeckConfig(ctx context.Context, spec *deckpack.DeckConfigSpec) error {
	existing, err := s.FindDeckConfigByUUID(ctx, spec.UUID)
	if err != nil {
		return err
	}
	row := DeckConfigRow{UUID: spec.UUID, Name: spec.Name, ConfigJSON: spec.ConfigJSON}
	if existing != nil {
		row.ConfigID = existing.ConfigID
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("store: save deck config %q: %w", spec.UUID, err)
	}
	return nil
}

// CreateScratchDeck creates a uniquely named temporary container for bulk
// note insertion. The caller drops it once final placement is done.
func (s *Store) CreateScratchDeck(ctx context.Context) (*DeckRow, error) {
	name := scratchDeckPrefix + "-" + uuid.NewString()
	row := &DeckRow{Name: name, Scratch: true, CreatedAt: s.clock().Unix()}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("store: create scratch deck: %w", err)
	}
	return row, nil
}

// DropScratchDeck removes a scratch deck. Cards still attached are moved
// nowhere; the caller is expected to have relocated them already.
func (s *Store) DropScratchDeck(ctx context.Context, deckID int64) error {
	err := s.db.WithContext(ctx).
		Where("deck_id = ? AND scratch = ?", deckID, true).
		Delete(&DeckRow{}).Error
	if err != nil {
		return fmt.Errorf("store: drop scratch deck: %w", err)
	}
	return nil
}

// DropStaleScratchDecks removes scratch decks left behind by failed runs.
func (s *Store) DropStaleScratchDecks(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where("scratch = ?", true).
		Delete(&DeckRow{}).Error
	if err != nil {
		return fmt.Errorf("store: drop stale scratch decks: %w", err)
	}
	return nil
}

// PruneEmptyDecks deletes decks under root whose whole subtree holds zero
// cards. Dynamic decks and their ancestors are never pruned. Deepest decks
// go first so that emptied parents qualify on the same pass.
func (s *Store) PruneEmptyDecks(ctx context.Context, rootPath string) (int, error) {
	children, err := s.ChildDecks(ctx, rootPath)
	if err != nil {
		return 0, err
	}
	sort.Slice(children, func(i, j int) bool {
		return strings.Count(children[i].Name, deckpack.PathDelimiter) >
			strings.Count(children[j].Name, deckpack.PathDelimiter)
	})

	pruned := 0
	for i := range children {
		deck := &children[i]
		if deck.Dynamic {
			continue
		}
		hasDynamic, err := s.subtreeHasDynamic(ctx, deck.Name)
		if err != nil {
			return pruned, err
		}
		if hasDynamic {
			continue
		}
		count, err := s.CountCardsInSubtree(ctx, deck.Name)
		if err != nil {
			return pruned, err
		}
		if count > 0 {
			continue
		}
		if err := s.db.WithContext(ctx).Delete(&DeckRow{}, deck.DeckID).Error; err != nil {
			return pruned, fmt.Errorf("store: prune deck %q: %w", deck.Name, err)
		}
		pruned++
	}
	return pruned, nil
}

func (s *Store) subtreeHasDynamic(ctx context.Context, path string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&DeckRow{}).
		Where(`(name = ? OR name LIKE ? ESCAPE '\') AND dynamic = ?`,
			path, escapeLike(path+deckpack.PathDelimiter)+"%", true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: dynamic check: %w", err)
	}
	return count > 0, nil
}
