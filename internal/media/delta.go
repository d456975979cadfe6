package media

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
)

// Filename references inside note field text.
var (
	soundRe = regexp.MustCompile(`\[sound:([^\[\]]+)\]`)
	srcRe   = regexp.MustCompile(`(?i)<(?:img|audio|source|object|video)\b[^>]*\bsrc=(?:"([^"]+)"|'([^']+)'|([^"'>\s]+))`)
)

// Filename references inside template markup and CSS.
var (
	cssURLRe    = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]+)"|'([^']+)'|([^"')\s]+))\s*\)`)
	cssImportRe = regexp.MustCompile(`(?i)@import\s+(?:"([^"]+)"|'([^']+)')`)
)

// CollectReferences walks every note's field text and every note model's
// template markup and CSS, returning the union of referenced filenames.
// Absolute URLs and data URIs are not local media and are ignored.
func CollectReferences(tree *deckpack.Deck, metadata *deckpack.Metadata) map[string]bool {
	refs := make(map[string]bool)

	tree.WalkNotes(tree.Name, func(_ string, note *deckpack.Note) {
		for _, field := range note.Fields {
			collectFromFieldText(field, refs)
		}
	})

	for _, model := range metadata.Models() {
		for _, template := range model.Templates {
			collectFromMarkup(template.QuestionFormat, refs)
			collectFromMarkup(template.AnswerFormat, refs)
		}
		collectFromMarkup(model.CSS, refs)
	}
	return refs
}

func collectFromFieldText(text string, refs map[string]bool) {
	for _, match := range soundRe.FindAllStringSubmatch(text, -1) {
		addRef(match[1], refs)
	}
	for _, match := range srcRe.FindAllStringSubmatch(text, -1) {
		addRef(firstGroup(match), refs)
	}
}

func collectFromMarkup(text string, refs map[string]bool) {
	collectFromFieldText(text, refs)
	for _, match := range cssURLRe.FindAllStringSubmatch(text, -1) {
		addRef(firstGroup(match), refs)
	}
	for _, match := range cssImportRe.FindAllStringSubmatch(text, -1) {
		addRef(firstGroup(match), refs)
	}
}

func firstGroup(match []string) string {
	for _, group := range match[1:] {
		if group != "" {
			return group
		}
	}
	return ""
}

func addRef(name string, refs map[string]bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "data:") {
		return
	}
	refs[name] = true
}

// ComputeMissing partitions the reference set against on-disk presence and
// returns the residual missing filenames, sorted. A file present with zero
// size counts as missing.
func ComputeMissing(refs map[string]bool, mediaDir string) []string {
	var missing []string
	for name := range refs {
		info, err := os.Stat(filepath.Join(mediaDir, name))
		if err != nil || info.Size() == 0 {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
