package deckpack

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeRejectsUnnamedDeck(t *testing.T) {
	payload := []byte(`{"identity":"deck-1","name":"  "}`)
	_, err := Decode(payload)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload error, got %v", err)
	}
}

func TestDecodeRejectsNoteWithoutGUID(t *testing.T) {
	payload := []byte(`{
		"identity": "deck-1",
		"name": "Geography",
		"notes": [{"guid": "", "note_model_uuid": "model-1", "fields": ["a"], "tags": []}]
	}`)
	_, err := Decode(payload)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload error, got %v", err)
	}
}

func TestDecodeRejectsNoteModelWithoutFields(t *testing.T) {
	payload := []byte(`{
		"identity": "deck-1",
		"name": "Geography",
		"note_models": [{"identity": "model-1", "name": "Basic", "fields": [], "templates": [], "css": ""}]
	}`)
	_, err := Decode(payload)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload error, got %v", err)
	}
}

func TestDecodeMarksTemplatePolicy(t *testing.T) {
	payload := []byte(`{
		"identity": "deck-1",
		"name": "Geography",
		"note_models": [
			{"identity": "model-1", "name": "Basic", "fields": [{"name":"Front"}], "templates": [], "css": ""},
			{"identity": "model-2", "name": "Cloze [Protected-Templates]", "fields": [{"name":"Text"}], "templates": [], "css": ""}
		]
	}`)
	deck, err := Decode(payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if deck.NoteModels[0].PreserveTemplates {
		t.Fatalf("plain model must not preserve templates")
	}
	if !deck.NoteModels[1].PreserveTemplates {
		t.Fatalf("marked model must preserve templates")
	}
}

func TestEncodeNormalizesChildren(t *testing.T) {
	deck := &Deck{
		UUID:       "deck-1",
		Name:       "Geography",
		MediaFiles: []string{"zebra.png", "atlas.png"},
		NoteModels: []NoteModel{{UUID: "model-1", Name: "Basic", Fields: []FieldSpec{{Name: "Front"}}}},
		Children: []Deck{{
			UUID:       "deck-2",
			Name:       "Geography::Capitals",
			NoteModels: []NoteModel{{UUID: "model-1", Name: "Basic"}},
			MediaFiles: []string{"flag.png"},
		}},
	}
	data, err := Encode(deck)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	var out Deck
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if out.MediaFiles[0] != "atlas.png" || out.MediaFiles[1] != "zebra.png" {
		t.Fatalf("root media files must be sorted, got %v", out.MediaFiles)
	}
	if len(out.Children) != 1 {
		t.Fatalf("expected one child, got %d", len(out.Children))
	}
	child := out.Children[0]
	if child.Name != "Capitals" {
		t.Fatalf("child must carry its leaf name, got %q", child.Name)
	}
	if len(child.NoteModels) != 0 || len(child.MediaFiles) != 0 {
		t.Fatalf("child must not carry note models or media files")
	}
}

func TestDecodeEncodeRoundTripKeepsIdentities(t *testing.T) {
	payload := []byte(`{
		"identity": "deck-1",
		"name": "Geography",
		"notes": [{"guid": "note-1", "note_model_uuid": "model-1", "fields": ["Paris"], "tags": ["geo"]}],
		"note_models": [{"identity": "model-1", "name": "Basic", "fields": [{"name":"Front"}], "templates": [], "css": ""}],
		"children": [{"identity": "deck-2", "name": "Capitals"}]
	}`)
	deck, err := Decode(payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	data, err := Encode(deck)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	again, err := Decode(data)
	if err != nil {
		t.Fatalf("unexpected re-decode error: %v", err)
	}
	if again.UUID != "deck-1" || again.Children[0].UUID != "deck-2" {
		t.Fatalf("deck identities must survive a round trip")
	}
	if again.Notes[0].GUID != "note-1" || again.NoteModels[0].UUID != "model-1" {
		t.Fatalf("note and model identities must survive a round trip")
	}
}

func TestAggregateMetadataFirstSeenWins(t *testing.T) {
	deck := &Deck{
		UUID: "deck-1",
		Name: "Geography",
		NoteModels: []NoteModel{{UUID: "model-1", Name: "Basic", Fields: []FieldSpec{{Name: "Front"}}}},
		Children: []Deck{{
			UUID:       "deck-2",
			Name:       "Capitals",
			NoteModels: []NoteModel{{UUID: "model-1", Name: "Basic (stale)"}},
			DeckConfigs: []DeckConfigSpec{{UUID: "config-1", Name: "Default"}},
		}},
	}
	metadata, err := AggregateMetadata(deck)
	if err != nil {
		t.Fatalf("unexpected aggregation error: %v", err)
	}
	if got := metadata.Model("model-1").Name; got != "Basic" {
		t.Fatalf("first definition must win, got %q", got)
	}
	if metadata.Config("config-1") == nil {
		t.Fatalf("child deck config must be aggregated to the root")
	}
}

func TestWalkNotesVisitsSubtreePaths(t *testing.T) {
	deck := &Deck{
		Name:  "Geography",
		Notes: []Note{{GUID: "note-1"}},
		Children: []Deck{{
			Name:  "Capitals",
			Notes: []Note{{GUID: "note-2"}},
		}},
	}
	paths := make(map[string]string)
	deck.WalkNotes("Atlas", func(path string, note *Note) {
		paths[note.GUID] = path
	})
	if paths["note-1"] != "Atlas" {
		t.Fatalf("root note path = %q", paths["note-1"])
	}
	if paths["note-2"] != "Atlas::Capitals" {
		t.Fatalf("child note path = %q", paths["note-2"])
	}
}
