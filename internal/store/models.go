package store

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
)

// DeckRow models one deck node. Name holds the full path; the leaf name is
// derived when exporting. UUID is empty for decks the user created locally
// and never synced.
type DeckRow struct {
	DeckID    int64  `gorm:"column:deck_id;primaryKey;autoIncrement"`
	UUID      string `gorm:"column:uuid;size:190;index:idx_decks_uuid"`
	Name      string `gorm:"column:name;size:512;not null;uniqueIndex:idx_decks_name"`
	ConfigID  string `gorm:"column:config_uuid;size:190;not null;default:''"`
	Dynamic   bool   `gorm:"column:dynamic;not null;default:false"`
	Scratch   bool   `gorm:"column:scratch;not null;default:false"`
	CreatedAt int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeckRow) TableName() string {
	return "decks"
}

// NotetypeRow models one schema definition. Fields and templates are kept
// as JSON-encoded deckpack specs; identity survives every update.
type NotetypeRow struct {
	NotetypeID        int64  `gorm:"column:notetype_id;primaryKey;autoIncrement"`
	UUID              string `gorm:"column:uuid;size:190;not null;uniqueIndex:idx_notetypes_uuid"`
	Name              string `gorm:"column:name;size:255;not null;index:idx_notetypes_name"`
	FieldsJSON        string `gorm:"column:fields_json;type:text;not null"`
	TemplatesJSON     string `gorm:"column:templates_json;type:text;not null"`
	CSS               string `gorm:"column:css;type:text;not null;default:''"`
	PreserveTemplates bool   `gorm:"column:preserve_templates;not null;default:false"`
	ModifiedAt        int64  `gorm:"column:modified_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NotetypeRow) TableName() string {
	return "notetypes"
}

// NoteRow models one note record keyed by its transport-safe GUID.
type NoteRow struct {
	NoteID     int64  `gorm:"column:note_id;primaryKey;autoIncrement"`
	GUID       string `gorm:"column:guid;size:190;not null;uniqueIndex:idx_notes_guid"`
	NotetypeID int64  `gorm:"column:notetype_id;not null;index:idx_notes_notetype"`
	FieldsJSON string `gorm:"column:fields_json;type:text;not null"`
	TagsJSON   string `gorm:"column:tags_json;type:text;not null;default:'[]'"`
	ModifiedAt int64  `gorm:"column:modified_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRow) TableName() string {
	return "notes"
}

// CardRow models one card generated from a note template. Ord matches the
// template position in the owning notetype.
type CardRow struct {
	CardID    int64 `gorm:"column:card_id;primaryKey;autoIncrement"`
	NoteID    int64 `gorm:"column:note_id;not null;index:idx_cards_note"`
	DeckID    int64 `gorm:"column:deck_id;not null;index:idx_cards_deck"`
	Ord       int   `gorm:"column:ord;not null"`
	Suspended bool  `gorm:"column:suspended;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (CardRow) TableName() string {
	return "cards"
}

// DeckConfigRow stores review scheduling options keyed by identity.
type DeckConfigRow struct {
	ConfigID   int64  `gorm:"column:config_id;primaryKey;autoIncrement"`
	UUID       string `gorm:"column:uuid;size:190;not null;uniqueIndex:idx_deck_configs_uuid"`
	Name       string `gorm:"column:name;size:255;not null"`
	ConfigJSON string `gorm:"column:config_json;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (DeckConfigRow) TableName() string {
	return "deck_configs"
}

// TagRow registers a known tag name. The registry is advisory; the source
// of truth for note tagging is the per-note tag set.
type TagRow struct {
	TagID int64  `gorm:"column:tag_id;primaryKey;autoIncrement"`
	Name  string `gorm:"column:name;size:255;not null;uniqueIndex:idx_tags_name"`
}

// TableName provides the explicit table binding for GORM.
func (TagRow) TableName() string {
	return "tags"
}

// AllModels lists every persisted model for schema migration.
func AllModels() []any {
	return []any{&DeckRow{}, &NotetypeRow{}, &NoteRow{}, &CardRow{}, &DeckConfigRow{}, &TagRow{}}
}

// Fields decodes the JSON-encoded field specs of a notetype row.
func (r *NotetypeRow) Fields() ([]deckpack.FieldSpec, error) {
	var fields []deckpack.FieldSpec
	if err := json.Unmarshal([]byte(r.FieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("store: notetype %q fields: %w", r.UUID, err)
	}
	return fields, nil
}

// Templates decodes the JSON-encoded template specs of a notetype row.
func (r *NotetypeRow) Templates() ([]deckpack.TemplateSpec, error) {
	var templates []deckpack.TemplateSpec
	if err := json.Unmarshal([]byte(r.TemplatesJSON), &templates); err != nil {
		return nil, fmt.Errorf("store: notetype %q templates: %w", r.UUID, err)
	}
	return templates, nil
}

// SetFields encodes field specs into the row.
func (r *NotetypeRow) SetFields(fields []deckpack.FieldSpec) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("store: encode fields: %w", err)
	}
	r.FieldsJSON = string(data)
	return nil
}

// SetTemplates encodes template specs into the row.
func (r *NotetypeRow) SetTemplates(templates []deckpack.TemplateSpec) error {
	data, err := json.Marshal(templates)
	if err != nil {
		return fmt.Errorf("store: encode templates: %w", err)
	}
	r.TemplatesJSON = string(data)
	return nil
}

// Fields decodes the note's field contents.
func (r *NoteRow) Fields() ([]string, error) {
	var fields []string
	if err := json.Unmarshal([]byte(r.FieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("store: note %q fields: %w", r.GUID, err)
	}
	return fields, nil
}

// Tags decodes the note's tag set.
func (r *NoteRow) Tags() ([]string, error) {
	if r.TagsJSON == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(r.TagsJSON), &tags); err != nil {
		return nil, fmt.Errorf("store: note %q tags: %w", r.GUID, err)
	}
	return tags, nil
}

// SetFields encodes field contents into the row.
func (r *NoteRow) SetFields(fields []string) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("store: encode note fields: %w", err)
	}
	r.FieldsJSON = string(data)
	return nil
}

// SetTags encodes the tag set into the row.
func (r *NoteRow) SetTags(tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("store: encode note tags: %w", err)
	}
	r.TagsJSON = string(data)
	return nil
}
