package placement

import (
	"strings"

	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
)

// Plan maps every note GUID in a deck tree to its target deck path.
type Plan struct {
	RootPath string
	targets  map[string]string
}

// Target returns the planned deck path for a note GUID, or "" when the
// note is not part of the tree.
func (p *Plan) Target(guid string) string {
	return p.targets[guid]
}

// Size reports the number of planned notes.
func (p *Plan) Size() int {
	return len(p.targets)
}

// Build computes the identity→path mapping for every note in the tree.
//
// When homeDeck is set the remote root name is replaced verbatim, so
// repeated imports never re-create suffixed duplicates of the root.
// Descendants append their own name under the mapped parent. Brand-new
// notes (GUID absent from existingGUIDs) are additionally rerouted under
// newNotesHomeDeck when it is configured and distinct from homeDeck: the
// relative subdeck suffix under the root is spliced onto the new-notes
// target. Notes that already exist locally are never rerouted.
func Build(tree *deckpack.Deck, homeDeck, newNotesHomeDeck string, existingGUIDs map[string]bool) *Plan {
	rootPath := tree.Name
	if homeDeck != "" {
		rootPath = homeDeck
	}

	plan := &Plan{
		RootPath: rootPath,
		targets:  make(map[string]string, tree.NoteCount()),
	}
	tree.WalkNotes(rootPath, func(path string, note *deckpack.Note) {
		plan.targets[note.GUID] = path
	})

	if newNotesHomeDeck == "" || newNotesHomeDeck == homeDeck {
		return plan
	}

	for guid, path := range plan.targets {
		if existingGUIDs[guid] {
			continue
		}
		plan.targets[guid] = spliceUnder(path, rootPath, newNotesHomeDeck)
	}
	return plan
}

// spliceUnder rewrites path so the portion under oldRoot hangs under
// newRoot instead, keeping the relative subdeck suffix.
func spliceUnder(path, oldRoot, newRoot string) string {
	if path == oldRoot {
		return newRoot
	}
	prefix := oldRoot + deckpack.PathDelimiter
	if strings.HasPrefix(path, prefix) {
		return newRoot + deckpack.PathDelimiter + strings.TrimPrefix(path, prefix)
	}
	return path
}
