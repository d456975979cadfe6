package deckpack

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidPayload indicates the remote payload failed boundary validation.
	ErrInvalidPayload = errors.New("deckpack: invalid payload")
)

// Decode parses a remote deck payload and validates required keys at the
// boundary, so downstream components can treat the tree as well formed.
func Decode(data []byte) (*Deck, error) {
	var deck Deck
	if err := json.Unmarshal(data, &deck); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validateDeck(&deck, ""); err != nil {
		return nil, err
	}
	markTemplatePolicy(&deck)
	return &deck, nil
}

// Encode serializes a deck tree. Children carry only their leaf name;
// note models, deck configurations and the media file list ride on the
// root node only. Media files are emitted sorted for stable output.
func Encode(deck *Deck) ([]byte, error) {
	if deck == nil {
		return nil, fmt.Errorf("%w: nil deck", ErrInvalidPayload)
	}
	out := normalizeForExport(deck, false)
	return json.MarshalIndent(out, "", "  ")
}

func normalizeForExport(deck *Deck, isChild bool) Deck {
	out := *deck
	out.Name = LeafName(deck.Name)
	if isChild {
		out.NoteModels = nil
		out.DeckConfigs = nil
		out.MediaFiles = nil
	} else {
		media := append([]string(nil), deck.MediaFiles...)
		sort.Strings(media)
		out.MediaFiles = media
	}
	out.Children = make([]Deck, len(deck.Children))
	for i := range deck.Children {
		out.Children[i] = normalizeForExport(&deck.Children[i], true)
	}
	return out
}

func validateDeck(deck *Deck, parentPath string) error {
	if strings.TrimSpace(deck.Name) == "" {
		return fmt.Errorf("%w: deck under %q has no name", ErrInvalidPayload, parentPath)
	}
	path := deck.Name
	if parentPath != "" {
		path = parentPath + PathDelimiter + deck.Name
	}
	for i := range deck.Notes {
		note := &deck.Notes[i]
		if strings.TrimSpace(note.GUID) == "" {
			return fmt.Errorf("%w: note %d in deck %q has no guid", ErrInvalidPayload, i, path)
		}
		if strings.TrimSpace(note.NoteModelUUID) == "" {
			return fmt.Errorf("%w: note %q has no note model identity", ErrInvalidPayload, note.GUID)
		}
	}
	for i := range deck.NoteModels {
		model := &deck.NoteModels[i]
		if strings.TrimSpace(model.UUID) == "" {
			return fmt.Errorf("%w: note model %q has no identity", ErrInvalidPayload, model.Name)
		}
		if strings.TrimSpace(model.Name) == "" {
			return fmt.Errorf("%w: note model %q has no name", ErrInvalidPayload, model.UUID)
		}
		if len(model.Fields) == 0 {
			return fmt.Errorf("%w: note model %q has no fields", ErrInvalidPayload, model.Name)
		}
	}
	for i := range deck.Children {
		if err := validateDeck(&deck.Children[i], path); err != nil {
			return err
		}
	}
	return nil
}

func markTemplatePolicy(deck *Deck) {
	for i := range deck.NoteModels {
		model := &deck.NoteModels[i]
		model.PreserveTemplates = strings.Contains(strings.ToLower(model.Name), TemplateMarker)
	}
	for i := range deck.Children {
		markTemplatePolicy(&deck.Children[i])
	}
}
