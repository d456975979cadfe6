package deckpack

import (
	"fmt"
)

// Metadata is the aggregated, read-only snapshot of every note model and
// deck configuration in a deck tree. It is built by a single walk before
// any merge work starts and is never mutated afterwards.
type Metadata struct {
	models  map[string]*NoteModel
	configs map[string]*DeckConfigSpec
}

// AggregateMetadata walks the whole tree once and collects note models and
// deck configurations keyed by identity. Children may carry models of
// their own; the first definition seen for an identity wins.
func AggregateMetadata(root *Deck) (*Metadata, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: nil deck", ErrInvalidPayload)
	}
	meta := &Metadata{
		models:  make(map[string]*NoteModel),
		configs: make(map[string]*DeckConfigSpec),
	}
	meta.collect(root)
	return meta, nil
}

func (m *Metadata) collect(deck *Deck) {
	for i := range deck.NoteModels {
		model := &deck.NoteModels[i]
		if _, ok := m.models[model.UUID]; !ok {
			m.models[model.UUID] = model
		}
	}
	for i := range deck.DeckConfigs {
		cfg := &deck.DeckConfigs[i]
		if _, ok := m.configs[cfg.UUID]; !ok {
			m.configs[cfg.UUID] = cfg
		}
	}
	for i := range deck.Children {
		m.collect(&deck.Children[i])
	}
}

// Model returns the note model for the given identity, or nil.
func (m *Metadata) Model(uuid string) *NoteModel {
	return m.models[uuid]
}

// Models returns all aggregated note models in identity order-independent
// map form.
func (m *Metadata) Models() map[string]*NoteModel {
	return m.models
}

// Config returns the deck configuration for the given identity, or nil.
func (m *Metadata) Config(uuid string) *DeckConfigSpec {
	return m.configs[uuid]
}

// Configs returns all aggregated deck configurations.
func (m *Metadata) Configs() map[string]*DeckConfigSpec {
	return m.configs
}
