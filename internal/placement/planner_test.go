package placement

import (
	"testing"

	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
)

func testTree() *deckpack.Deck {
	return &deckpack.Deck{
		UUID:  "deck-1",
		Name:  "Geography",
		Notes: []deckpack.Note{{GUID: "root-note"}},
		Children: []deckpack.Deck{{
			UUID:  "deck-2",
			Name:  "Capitals",
			Notes: []deckpack.Note{{GUID: "child-note"}},
		}},
	}
}

func TestBuildMapsNotesToTreePaths(t *testing.T) {
	plan := Build(testTree(), "", "", nil)
	if plan.RootPath != "Geography" {
		t.Fatalf("root path = %q", plan.RootPath)
	}
	if got := plan.Target("root-note"); got != "Geography" {
		t.Fatalf("root note target = %q", got)
	}
	if got := plan.Target("child-note"); got != "Geography::Capitals" {
		t.Fatalf("child note target = %q", got)
	}
	if plan.Size() != 2 {
		t.Fatalf("plan size = %d", plan.Size())
	}
}

func TestBuildHomeDeckReplacesRootVerbatim(t *testing.T) {
	plan := Build(testTree(), "My Decks::Geo", "", nil)
	if got := plan.Target("root-note"); got != "My Decks::Geo" {
		t.Fatalf("root note target = %q", got)
	}
	if got := plan.Target("child-note"); got != "My Decks::Geo::Capitals" {
		t.Fatalf("child note target = %q", got)
	}
}

func TestBuildReroutesOnlyNewNotes(t *testing.T) {
	existing := map[string]bool{"root-note": true}
	plan := Build(testTree(), "", "Staging", existing)
	if got := plan.Target("root-note"); got != "Geography" {
		t.Fatalf("existing note must stay put, got %q", got)
	}
	if got := plan.Target("child-note"); got != "Staging::Capitals" {
		t.Fatalf("new note must land under the new-notes deck, got %q", got)
	}
}

func TestBuildSkipsReroutingWhenTargetsMatch(t *testing.T) {
	plan := Build(testTree(), "Staging", "Staging", nil)
	if got := plan.Target("child-note"); got != "Staging::Capitals" {
		t.Fatalf("identical home decks must not reroute twice, got %q", got)
	}
}

func TestTargetUnknownGUIDIsEmpty(t *testing.T) {
	plan := Build(testTree(), "", "", nil)
	if got := plan.Target("stranger"); got != "" {
		t.Fatalf("unknown guid target = %q", got)
	}
}
