package importer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
	"github.com/MarcoPoloResearchLab/decksync/internal/media"
	"github.com/MarcoPoloResearchLab/decksync/internal/merge"
	"github.com/MarcoPoloResearchLab/decksync/internal/store"
)

// ExportTree loads the local subtree rooted at the named deck and emits it
// as a payload tree. Decks without an identity are stamped with a fresh one
// and saved, so a later import of the exported payload matches them again.
// Local bookkeeping tags are stripped; note models, deck configs and the
// referenced media list ride on the root.
func (im *Importer) ExportTree(ctx context.Context, deckName string) (*deckpack.Deck, error) {
	rootRow, err := im.store.FindDeckByName(ctx, deckName)
	if err != nil {
		return nil, newServiceError(opExportTree, "deck_lookup_failed", err)
	}
	if rootRow == nil {
		rootRow, err = im.store.FindDeckByUUID(ctx, deckName)
		if err != nil {
			return nil, newServiceError(opExportTree, "deck_lookup_failed", err)
		}
	}
	if rootRow == nil {
		return nil, newServiceError(opExportTree, "deck_not_found",
			fmt.Errorf("%w: deck %q", store.ErrNotFound, deckName))
	}

	descendants, err := im.store.ChildDecks(ctx, rootRow.Name)
	if err != nil {
		return nil, newServiceError(opExportTree, "subtree_load_failed", err)
	}

	rows := make([]store.DeckRow, 0, len(descendants)+1)
	rows = append(rows, *rootRow)
	for _, row := range descendants {
		if row.Scratch {
			continue
		}
		rows = append(rows, row)
	}

	rootPath := rootRow.Name
	nodes := make(map[string]*deckpack.Deck, len(rows))
	paths := make([]string, 0, len(rows))
	notetypes := make(map[int64]*store.NotetypeRow)
	configs := make(map[string]*deckpack.DeckConfigSpec)

	for i := range rows {
		row := &rows[i]
		if row.UUID == "" {
			minted, err := im.idProvider.NewID()
			if err != nil {
				return nil, newServiceError(opExportTree, "identity_mint_failed", err)
			}
			row.UUID = minted
			if err := im.store.SaveDeck(ctx, row); err != nil {
				return nil, newServiceError(opExportTree, "identity_stamp_failed", err)
			}
		}
		node := &deckpack.Deck{
			UUID:           row.UUID,
			Name:           deckpack.LeafName(row.Name),
			DeckConfigUUID: row.ConfigID,
		}
		if err := im.exportNotes(ctx, row, node, notetypes); err != nil {
			return nil, err
		}
		if err := im.collectConfig(ctx, row, configs); err != nil {
			return nil, err
		}
		nodes[row.Name] = node
		paths = append(paths, row.Name)
	}

	// Attach deepest paths first so every node's subtree is complete
	// before the node itself is copied into its parent.
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	for _, path := range paths {
		if path == rootPath {
			continue
		}
		parent := nodes[parentPath(path)]
		if parent == nil {
			return nil, newServiceError(opExportTree, "broken_deck_path",
				fmt.Errorf("deck %q has no parent row", path))
		}
		parent.Children = append(parent.Children, *nodes[path])
	}
	root := nodes[rootPath]
	sortChildren(root)
	for _, row := range sortedNotetypes(notetypes) {
		model, err := exportNoteModel(row)
		if err != nil {
			return nil, newServiceError(opExportTree, "notetype_decode_failed", err)
		}
		root.NoteModels = append(root.NoteModels, *model)
	}
	for _, uuid := range sortedKeys(configs) {
		root.DeckConfigs = append(root.DeckConfigs, *configs[uuid])
	}

	metadata, err := deckpack.AggregateMetadata(root)
	if err != nil {
		return nil, newServiceError(opExportTree, "metadata_aggregation_failed", err)
	}
	refs := media.CollectReferences(root, metadata)
	root.MediaFiles = sortedKeysBool(refs)
	return root, nil
}

// exportNotes converts every stored note of one deck row, dropping local
// bookkeeping tags on the way out.
func (im *Importer) exportNotes(ctx context.Context, row *store.DeckRow, node *deckpack.Deck, notetypes map[int64]*store.NotetypeRow) error {
	noteRows, err := im.store.ListNotesByDeck(ctx, row.DeckID)
	if err != nil {
		return newServiceError(opExportTree, "note_load_failed", err)
	}
	for i := range noteRows {
		noteRow := &noteRows[i]
		notetype := notetypes[noteRow.NotetypeID]
		if notetype == nil {
			notetype, err = im.store.FindNotetypeByID(ctx, noteRow.NotetypeID)
			if err != nil {
				return newServiceError(opExportTree, "notetype_load_failed", err)
			}
			if notetype == nil {
				return newServiceError(opExportTree, "notetype_missing",
					fmt.Errorf("note %q references unknown notetype %d", noteRow.GUID, noteRow.NotetypeID))
			}
			notetypes[noteRow.NotetypeID] = notetype
		}
		fields, err := noteRow.Fields()
		if err != nil {
			return newServiceError(opExportTree, "note_decode_failed", err)
		}
		tags, err := noteRow.Tags()
		if err != nil {
			return newServiceError(opExportTree, "note_decode_failed", err)
		}
		node.Notes = append(node.Notes, deckpack.Note{
			GUID:          noteRow.GUID,
			NoteModelUUID: notetype.UUID,
			Fields:        fields,
			Tags:          exportableTags(tags),
		})
	}
	return nil
}

func (im *Importer) collectConfig(ctx context.Context, row *store.DeckRow, configs map[string]*deckpack.DeckConfigSpec) error {
	if row.ConfigID == "" || configs[row.ConfigID] != nil {
		return nil
	}
	configRow, err := im.store.FindDeckConfigByUUID(ctx, row.ConfigID)
	if err != nil {
		return newServiceError(opExportTree, "deck_config_load_failed", err)
	}
	if configRow == nil {
		return nil
	}
	configs[row.ConfigID] = &deckpack.DeckConfigSpec{
		UUID:       configRow.UUID,
		Name:       configRow.Name,
		ConfigJSON: configRow.ConfigJSON,
	}
	return nil
}

func exportNoteModel(row *store.NotetypeRow) (*deckpack.NoteModel, error) {
	fields, err := row.Fields()
	if err != nil {
		return nil, err
	}
	templates, err := row.Templates()
	if err != nil {
		return nil, err
	}
	return &deckpack.NoteModel{
		UUID:              row.UUID,
		Name:              row.Name,
		Fields:            fields,
		Templates:         templates,
		CSS:               row.CSS,
		PreserveTemplates: row.PreserveTemplates,
	}, nil
}

func exportableTags(tags []string) []string {
	kept := tags[:0]
	for _, tag := range tags {
		if merge.IsPersonalTag(tag) {
			continue
		}
		kept = append(kept, tag)
	}
	return kept
}

func sortChildren(node *deckpack.Deck) {
	sort.Slice(node.Children, func(i, j int) bool {
		return node.Children[i].Name < node.Children[j].Name
	})
	for i := range node.Children {
		sortChildren(&node.Children[i])
	}
}

func parentPath(path string) string {
	if idx := strings.LastIndex(path, deckpack.PathDelimiter); idx >= 0 {
		return path[:idx]
	}
	return ""
}

func sortedNotetypes(rows map[int64]*store.NotetypeRow) []*store.NotetypeRow {
	out := make([]*store.NotetypeRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedKeys(m map[string]*deckpack.DeckConfigSpec) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysBool(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
