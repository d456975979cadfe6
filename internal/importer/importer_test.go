package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/decksync/internal/database"
	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
	"github.com/MarcoPoloResearchLab/decksync/internal/merge"
	"github.com/MarcoPoloResearchLab/decksync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/decksync/internal/store"
)

type testRig struct {
	importer *Importer
	store    *store.Store
	mediaDir string
}

func newTestRig(t *testing.T, mediaDir string) *testRig {
	t.Helper()

	databasePath := filepath.Join(t.TempDir(), "decksync.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	noteStore, err := store.New(store.Config{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	reconciler, err := reconcile.New(reconcile.Config{Store: noteStore})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}
	merger, err := merge.New(merge.Config{Store: noteStore, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct merger: %v", err)
	}
	treeImporter, err := New(Config{
		Store:      noteStore,
		Reconciler: reconciler,
		Merger:     merger,
		MediaDir:   mediaDir,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to construct importer: %v", err)
	}
	return &testRig{importer: treeImporter, store: noteStore, mediaDir: mediaDir}
}

func geographyTree() *deckpack.Deck {
	return &deckpack.Deck{
		UUID:           "deck-root",
		Name:           "Geography",
		DeckConfigUUID: "config-1",
		Notes: []deckpack.Note{
			{GUID: "note-root", NoteModelUUID: "model-1", Fields: []string{"Continent count", "7"}, Tags: []string{"geo"}},
		},
		NoteModels: []deckpack.NoteModel{{
			UUID:   "model-1",
			Name:   "Basic",
			Fields: []deckpack.FieldSpec{{Name: "Front"}, {Name: "Back"}},
			Templates: []deckpack.TemplateSpec{
				{Name: "Card 1", QuestionFormat: "{{Front}}", AnswerFormat: "{{Back}}"},
			},
		}},
		DeckConfigs: []deckpack.DeckConfigSpec{{UUID: "config-1", Name: "Default", ConfigJSON: `{"new_per_day":20}`}},
		Children: []deckpack.Deck{{
			UUID: "deck-capitals",
			Name: "Capitals",
			Notes: []deckpack.Note{
				{GUID: "note-paris", NoteModelUUID: "model-1", Fields: []string{"France", "Paris"}, Tags: []string{"geo", "europe"}},
			},
		}},
	}
}

func TestImportTreeEndToEnd(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()

	result, err := rig.importer.ImportTree(ctx, geographyTree(), &merge.ImportConfig{})
	if err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("state = %q, want %q", result.State, StateDone)
	}
	if result.Created != 2 || result.Updated != 0 || result.Skipped != 0 {
		t.Fatalf("unexpected counts %+v", result)
	}

	root, err := rig.store.FindDeckByName(ctx, "Geography")
	if err != nil || root == nil {
		t.Fatalf("root deck missing: %v", err)
	}
	if root.UUID != "deck-root" {
		t.Fatalf("root deck must carry the payload identity, got %q", root.UUID)
	}
	child, err := rig.store.FindDeckByName(ctx, "Geography::Capitals")
	if err != nil || child == nil {
		t.Fatalf("child deck missing: %v", err)
	}
	if child.UUID != "deck-capitals" {
		t.Fatalf("child deck must carry the payload identity, got %q", child.UUID)
	}

	row, err := rig.store.FindNoteByGUID(ctx, "note-paris")
	if err != nil || row == nil {
		t.Fatalf("imported note missing: %v", err)
	}
	cards, err := rig.store.CardsByNote(ctx, row.NoteID)
	if err != nil {
		t.Fatalf("unexpected card lookup error: %v", err)
	}
	if len(cards) != 1 || cards[0].DeckID != child.DeckID {
		t.Fatalf("card must land in the child deck, got %+v", cards)
	}

	config, err := rig.store.FindDeckConfigByUUID(ctx, "config-1")
	if err != nil || config == nil {
		t.Fatalf("deck config missing: %v", err)
	}
}

func TestImportTreeIsIdempotent(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()

	if _, err := rig.importer.ImportTree(ctx, geographyTree(), &merge.ImportConfig{}); err != nil {
		t.Fatalf("unexpected first import error: %v", err)
	}
	result, err := rig.importer.ImportTree(ctx, geographyTree(), &merge.ImportConfig{})
	if err != nil {
		t.Fatalf("unexpected second import error: %v", err)
	}
	if result.Created != 0 || result.Updated != 2 {
		t.Fatalf("second run must update in place, got %+v", result)
	}

	duplicate, err := rig.store.FindDeckByName(ctx, "Geography (synced)")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if duplicate != nil {
		t.Fatalf("repeated imports must not spawn renamed duplicates")
	}
}

func TestImportTreeRenamesCollidingRoot(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()

	// An unrelated local deck occupies the payload's root name.
	if _, err := rig.store.EnsureDeckPath(ctx, "Geography"); err != nil {
		t.Fatalf("unexpected deck error: %v", err)
	}

	result, err := rig.importer.ImportTree(ctx, geographyTree(), &merge.ImportConfig{})
	if err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}
	if result.Created != 2 {
		t.Fatalf("unexpected counts %+v", result)
	}

	renamed, err := rig.store.FindDeckByName(ctx, "Geography (synced)")
	if err != nil || renamed == nil {
		t.Fatalf("renamed root missing: %v", err)
	}
	if renamed.UUID != "deck-root" {
		t.Fatalf("renamed root must carry the payload identity, got %q", renamed.UUID)
	}
	row, err := rig.store.FindNoteByGUID(ctx, "note-paris")
	if err != nil || row == nil {
		t.Fatalf("imported note missing: %v", err)
	}
	count, err := rig.store.CountCardsInSubtree(ctx, "Geography (synced)")
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 2 {
		t.Fatalf("cards must land under the renamed root, got %d", count)
	}
}

func TestImportTreeHomeDeckOverride(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()

	cfg := &merge.ImportConfig{HomeDeck: "Shared::Geo"}
	if _, err := rig.importer.ImportTree(ctx, geographyTree(), cfg); err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}

	row, err := rig.store.FindDeckByName(ctx, "Shared::Geo::Capitals")
	if err != nil || row == nil {
		t.Fatalf("remapped subtree missing: %v", err)
	}
	original, err := rig.store.FindDeckByName(ctx, "Geography")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if original != nil {
		t.Fatalf("home deck remap must not create the payload root name")
	}
}

func TestImportTreePrunesEmptyDecks(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()

	tree := geographyTree()
	tree.Children = append(tree.Children, deckpack.Deck{UUID: "deck-empty", Name: "Unused"})

	if _, err := rig.importer.ImportTree(ctx, tree, &merge.ImportConfig{}); err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}
	row, err := rig.store.FindDeckByName(ctx, "Geography::Unused")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if row != nil {
		t.Fatalf("empty remote deck must be pruned after placement")
	}
}

func TestImportTreeReportsMediaDelta(t *testing.T) {
	mediaDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(mediaDir, "present.png"), []byte("x"), 0o644); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	rig := newTestRig(t, mediaDir)
	ctx := context.Background()

	tree := geographyTree()
	tree.Notes[0].Fields[1] = `<img src="present.png"><img src="absent.png">`
	tree.MediaFiles = []string{"declared.mp3"}

	result, err := rig.importer.ImportTree(ctx, tree, &merge.ImportConfig{})
	if err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}
	if result.Media == nil {
		t.Fatalf("media result must be populated when a media dir is configured")
	}
	if result.Media.Referenced != 3 {
		t.Fatalf("referenced = %d, want 3", result.Media.Referenced)
	}
	if result.Media.Missing != 2 {
		t.Fatalf("missing = %d, want 2", result.Media.Missing)
	}
}

func TestImportTreeFlagsOrphanedFieldsForReview(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()

	wide := geographyTree()
	wide.NoteModels[0].Fields = []deckpack.FieldSpec{{Name: "Front"}, {Name: "Back"}, {Name: "Mnemonic"}}
	wide.Notes[0].Fields = []string{"Continent count", "7", "Seven seas"}
	if _, err := rig.importer.ImportTree(ctx, wide, &merge.ImportConfig{}); err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}

	result, err := rig.importer.ImportTree(ctx, geographyTree(), &merge.ImportConfig{})
	if err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}
	if len(result.ReviewItems) == 0 {
		t.Fatalf("dropping a field must surface a review item")
	}
	fields, err := mustNote(t, rig, "note-root").Fields()
	if err != nil {
		t.Fatalf("unexpected field decode error: %v", err)
	}
	if len(fields) != 3 || fields[2] != "Seven seas" {
		t.Fatalf("orphaned field content must survive at the tail, got %v", fields)
	}
}

func polyglotTree(withExample bool) *deckpack.Deck {
	tree := &deckpack.Deck{UUID: "deck-langs", Name: "Languages"}
	for i := 1; i <= 5; i++ {
		modelUUID := fmt.Sprintf("model-%d", i)
		fields := []deckpack.FieldSpec{{Name: "Front"}, {Name: "Back"}}
		note := deckpack.Note{GUID: fmt.Sprintf("note-m%d", i), NoteModelUUID: modelUUID, Fields: []string{"hello", "hola"}}
		if withExample {
			fields = append(fields, deckpack.FieldSpec{Name: "Example"})
			note.Fields = append(note.Fields, "hola, mundo")
		}
		tree.NoteModels = append(tree.NoteModels, deckpack.NoteModel{
			UUID:   modelUUID,
			Name:   fmt.Sprintf("Vocab %d", i),
			Fields: fields,
			Templates: []deckpack.TemplateSpec{
				{Name: "Card 1", QuestionFormat: "{{Front}}", AnswerFormat: "{{Back}}"},
			},
		})
		tree.Notes = append(tree.Notes, note)
	}
	return tree
}

func TestImportTreeFailingNotetypeLeavesOthersUpdated(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()

	if _, err := rig.importer.ImportTree(ctx, polyglotTree(false), &merge.ImportConfig{}); err != nil {
		t.Fatalf("unexpected seed import error: %v", err)
	}

	corrupt, err := rig.store.FindNotetypeByUUID(ctx, "model-3")
	if err != nil || corrupt == nil {
		t.Fatalf("seeded notetype missing: %v", err)
	}
	corrupt.FieldsJSON = "not-json"
	if err := rig.store.SaveNotetype(ctx, corrupt); err != nil {
		t.Fatalf("unexpected notetype save error: %v", err)
	}

	result, err := rig.importer.ImportTree(ctx, polyglotTree(true), &merge.ImportConfig{})
	if err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("state = %q, want %q", result.State, StateDone)
	}
	if len(result.Warnings) == 0 {
		t.Fatalf("the broken notetype must surface a warning")
	}
	if result.Updated != 4 || result.Skipped != 1 {
		t.Fatalf("updated = %d skipped = %d, want 4 updated and 1 skipped", result.Updated, result.Skipped)
	}

	for _, modelUUID := range []string{"model-1", "model-2", "model-4", "model-5"} {
		row, err := rig.store.FindNotetypeByUUID(ctx, modelUUID)
		if err != nil || row == nil {
			t.Fatalf("notetype %s missing: %v", modelUUID, err)
		}
		fields, err := row.Fields()
		if err != nil {
			t.Fatalf("unexpected field decode error for %s: %v", modelUUID, err)
		}
		if len(fields) != 3 || fields[2].Name != "Example" {
			t.Fatalf("notetype %s not updated, fields %+v", modelUUID, fields)
		}
	}
}

func mustNote(t *testing.T, rig *testRig, guid string) *store.NoteRow {
	t.Helper()
	row, err := rig.store.FindNoteByGUID(context.Background(), guid)
	if err != nil {
		t.Fatalf("unexpected note lookup error: %v", err)
	}
	if row == nil {
		t.Fatalf("note %q missing", guid)
	}
	return row
}

func TestExportRoundTripPreservesIdentities(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()

	tree := geographyTree()
	tree.Notes[0].Tags = []string{"geo", "marked"}
	if _, err := rig.importer.ImportTree(ctx, tree, &merge.ImportConfig{}); err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}

	exported, err := rig.importer.ExportTree(ctx, "Geography")
	if err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}
	if exported.UUID != "deck-root" {
		t.Fatalf("root identity = %q, want deck-root", exported.UUID)
	}
	if len(exported.Children) != 1 || exported.Children[0].UUID != "deck-capitals" {
		t.Fatalf("child identity must survive, got %+v", exported.Children)
	}
	if len(exported.NoteModels) != 1 || exported.NoteModels[0].UUID != "model-1" {
		t.Fatalf("note model identity must survive, got %+v", exported.NoteModels)
	}
	if len(exported.DeckConfigs) != 1 || exported.DeckConfigs[0].UUID != "config-1" {
		t.Fatalf("deck config identity must survive, got %+v", exported.DeckConfigs)
	}

	rootNote := exported.Notes[0]
	if rootNote.GUID != "note-root" {
		t.Fatalf("note identity = %q", rootNote.GUID)
	}
	for _, tag := range rootNote.Tags {
		if tag == "marked" {
			t.Fatalf("bookkeeping tags must be stripped on export, got %v", rootNote.Tags)
		}
	}
}

func TestExportMintsIdentitiesForLocalDecks(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()

	if _, err := rig.store.EnsureDeckPath(ctx, "Homegrown::Sub"); err != nil {
		t.Fatalf("unexpected deck error: %v", err)
	}

	exported, err := rig.importer.ExportTree(ctx, "Homegrown")
	if err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}
	if exported.UUID == "" || exported.Children[0].UUID == "" {
		t.Fatalf("every exported deck must carry an identity")
	}

	root, err := rig.store.FindDeckByName(ctx, "Homegrown")
	if err != nil || root == nil {
		t.Fatalf("root deck missing: %v", err)
	}
	if root.UUID != exported.UUID {
		t.Fatalf("minted identity must be persisted for the next run")
	}
}
