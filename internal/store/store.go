package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
)

const defaultBatchSize = 500

var (
	// ErrMissingDatabase indicates the store was constructed without a handle.
	ErrMissingDatabase = errors.New("store: database handle is required")
	// ErrNotFound indicates an identity lookup matched nothing.
	ErrNotFound = errors.New("store: not found")

	noOpLogger = zap.NewNop()
)

// Config describes the dependencies of the local store.
type Config struct {
	Database  *gorm.DB
	Logger    *zap.Logger
	Clock     func() time.Time
	BatchSize int
}

// Store is the single mutable shared resource of the engine. It assumes a
// single writer and batches writes to minimize round trips.
type Store struct {
	db        *gorm.DB
	logger    *zap.Logger
	clock     func() time.Time
	batchSize int
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Store{db: cfg.Database, logger: logger, clock: clock, batchSize: batchSize}, nil
}

// FindDeckByUUID looks a deck up by its stable identity.
func (s *Store) FindDeckByUUID(ctx context.Context, uuid string) (*DeckRow, error) {
	if uuid == "" {
		return nil, nil
	}
	var row DeckRow
	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: deck by uuid: %w", err)
	}
	return &row, nil
}

// FindDeckByName looks a deck up by its full path name.
func (s *Store) FindDeckByName(ctx context.Context, name string) (*DeckRow, error) {
	var row DeckRow
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: deck by name: %w", err)
	}
	return &row, nil
}

// ChildDecks returns all decks strictly below the given path, any depth.
func (s *Store) ChildDecks(ctx context.Context, path string) ([]DeckRow, error) {
	var rows []DeckRow
	prefix := path + deckpack.PathDelimiter
	err := s.db.WithContext(ctx).
		Where(`name LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		Order("name ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: child decks: %w", err)
	}
	return rows, nil
}

// FindNotetypeByUUID looks a notetype up by identity.
func (s *Store) FindNotetypeByUUID(ctx context.Context, uuid string) (*NotetypeRow, error) {
	if uuid == "" {
		return nil, nil
	}
	var row NotetypeRow
	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: notetype by uuid: %w", err)
	}
	return &row, nil
}

// FindNotetypeByID looks a notetype up by its row key.
func (s *Store) FindNotetypeByID(ctx context.Context, notetypeID int64) (*NotetypeRow, error) {
	var row NotetypeRow
	err := s.db.WithContext(ctx).Where("notetype_id = ?", notetypeID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: notetype by id: %w", err)
	}
	return &row, nil
}

// FindNotetypesByNamePrefix returns notetypes whose name starts with the
// given prefix. Used for legacy data where identity lookup misses.
func (s *Store) FindNotetypesByNamePrefix(ctx context.Context, prefix string) ([]NotetypeRow, error) {
	var rows []NotetypeRow
	err := s.db.WithContext(ctx).
		Where(`name LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		Order("notetype_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: notetypes by name prefix: %w", err)
	}
	return rows, nil
}

// FindNoteByGUID looks a note up by identity.
func (s *Store) FindNoteByGUID(ctx context.Context, guid string) (*NoteRow, error) {
	if guid == "" {
		return nil, nil
	}
	var row NoteRow
	err := s.db.WithContext(ctx).Where("guid = ?", guid).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: note by guid: %w", err)
	}
	return &row, nil
}

// FindNotesByGUIDs resolves many notes at once. Lookups are chunked to a
// bounded IN-list size to respect SQL parameter limits.
func (s *Store) FindNotesByGUIDs(ctx context.Context, guids []string) (map[string]NoteRow, error) {
	result := make(map[string]NoteRow, len(guids))
	for start := 0; start < len(guids); start += s.batchSize {
		end := start + s.batchSize
		if end > len(guids) {
			end = len(guids)
		}
		var rows []NoteRow
		err := s.db.WithContext(ctx).
			Where("guid IN ?", guids[start:end]).
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("store: notes by guids: %w", err)
		}
		for _, row := range rows {
			result[row.GUID] = row
		}
	}
	return result, nil
}

// FindDeckConfigByUUID looks a deck configuration up by identity.
func (s *Store) FindDeckConfigByUUID(ctx context.Context, uuid string) (*DeckConfigRow, error) {
	if uuid == "" {
		return nil, nil
	}
	var row DeckConfigRow
	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: deck config by uuid: %w", err)
	}
	return &row, nil
}

// ListNotesByDeck returns every note that has at least one card in the
// given deck, ordered by note id.
func (s *Store) ListNotesByDeck(ctx context.Context, deckID int64) ([]NoteRow, error) {
	var rows []NoteRow
	err := s.db.WithContext(ctx).
		Joins("JOIN cards ON cards.note_id = notes.note_id").
		Where("cards.deck_id = ?", deckID).
		Group("notes.note_id").
		Order("notes.note_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: notes by deck: %w", err)
	}
	return rows, nil
}

// CardsByNote returns a note's cards ordered by template position.
func (s *Store) CardsByNote(ctx context.Context, noteID int64) ([]CardRow, error) {
	var rows []CardRow
	err := s.db.WithContext(ctx).
		Where("note_id = ?", noteID).
		Order("ord ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: cards by note: %w", err)
	}
	return rows, nil
}

// CountCardsInSubtree reports the number of cards in a deck and all of its
// descendants.
func (s *Store) CountCardsInSubtree(ctx context.Context, path string) (int64, error) {
	var deckIDs []int64
	err := s.db.WithContext(ctx).Model(&DeckRow{}).
		Where(`name = ? OR name LIKE ? ESCAPE '\'`, path, escapeLike(path+deckpack.PathDelimiter)+"%").
		Pluck("deck_id", &deckIDs).Error
	if err != nil {
		return 0, fmt.Errorf("store: subtree decks: %w", err)
	}
	if len(deckIDs) == 0 {
		return 0, nil
	}
	var count int64
	err = s.db.WithContext(ctx).Model(&CardRow{}).
		Where("deck_id IN ?", deckIDs).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: subtree card count: %w", err)
	}
	return count, nil
}

// escapeLike neutralizes LIKE metacharacters in a literal prefix.
func escapeLike(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return replacer.Replace(prefix)
}
