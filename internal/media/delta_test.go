package media

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
)

func mustMetadata(t *testing.T, tree *deckpack.Deck) *deckpack.Metadata {
	t.Helper()
	metadata, err := deckpack.AggregateMetadata(tree)
	if err != nil {
		t.Fatalf("unexpected aggregation error: %v", err)
	}
	return metadata
}

func TestCollectReferencesFromFieldsTemplatesAndCSS(t *testing.T) {
	tree := &deckpack.Deck{
		UUID: "deck-1",
		Name: "Geography",
		Notes: []deckpack.Note{{
			GUID:          "note-1",
			NoteModelUUID: "model-1",
			Fields: []string{
				`<img src="map.png"> and [sound:anthem.mp3]`,
				`<IMG SRC='flag.jpg'>`,
			},
		}},
		NoteModels: []deckpack.NoteModel{{
			UUID:   "model-1",
			Name:   "Basic",
			Fields: []deckpack.FieldSpec{{Name: "Front"}},
			Templates: []deckpack.TemplateSpec{{
				Name:           "Card 1",
				QuestionFormat: `<img src=watermark.png>{{Front}}`,
			}},
			CSS: `.card { background: url("_bg.png"); } @import "fonts.css";`,
		}},
	}

	refs := CollectReferences(tree, mustMetadata(t, tree))
	for _, name := range []string{"map.png", "anthem.mp3", "flag.jpg", "watermark.png", "_bg.png", "fonts.css"} {
		if !refs[name] {
			t.Fatalf("missing reference %q in %v", name, refs)
		}
	}
}

func TestCollectReferencesSkipsRemoteURLs(t *testing.T) {
	tree := &deckpack.Deck{
		UUID: "deck-1",
		Name: "Geography",
		Notes: []deckpack.Note{{
			GUID:          "note-1",
			NoteModelUUID: "model-1",
			Fields: []string{
				`<img src="https://example.com/map.png">`,
				`<img src="data:image/png;base64,AAAA">`,
				`<img src="local.png">`,
			},
		}},
	}

	refs := CollectReferences(tree, mustMetadata(t, tree))
	if len(refs) != 1 || !refs["local.png"] {
		t.Fatalf("only local references must be collected, got %v", refs)
	}
}

func TestComputeMissingTreatsZeroByteAsMissing(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "present.png"), []byte("content"), 0o644); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty.png"), nil, 0o644); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	refs := map[string]bool{"present.png": true, "empty.png": true, "absent.png": true}
	missing := ComputeMissing(refs, dir)
	want := []string{"absent.png", "empty.png"}
	if len(missing) != len(want) || missing[0] != want[0] || missing[1] != want[1] {
		t.Fatalf("missing = %v, want %v", missing, want)
	}
}
