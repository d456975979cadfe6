package merge

import "strings"

const (
	// ProtectedTagPrefix namespaces user-side protection tags, e.g.
	// "Protected::All", "Protected::Tags", "Protected::<field name>".
	ProtectedTagPrefix = "Protected::"
	// OptionalTagPrefix namespaces subscription-gated tags.
	OptionalTagPrefix = "Optional::"

	protectAllMarker  = "All"
	protectTagsMarker = "Tags"
)

// defaultProtectedTags are local-only bookkeeping tags that never come
// from remote and always survive a merge.
var defaultProtectedTags = []string{"leech", "marked", "missing-media"}

// IsPersonalTag reports whether a tag is local bookkeeping that must not
// leave the machine: protection directives and the default protected set.
func IsPersonalTag(tag string) bool {
	return strings.HasPrefix(tag, ProtectedTagPrefix) || isDefaultProtectedTag(tag)
}

func isDefaultProtectedTag(tag string) bool {
	for _, name := range defaultProtectedTags {
		if strings.EqualFold(tag, name) {
			return true
		}
	}
	return false
}

// ImportConfig is the per-run policy object controlling one merge pass.
// It is constructed fresh per operation from user settings and never
// persisted as domain data.
type ImportConfig struct {
	// ProtectedFields maps a notetype name to the field names whose local
	// value must never be overwritten by remote content.
	ProtectedFields map[string][]string

	// OptionalTags is the currently subscribed optional-tag set; when
	// HasOptionalTags is set, tags in the optional namespace outside this
	// set are dropped.
	OptionalTags    []string
	HasOptionalTags bool

	SuspendNewCards    bool
	IgnoreDeckMovement bool

	HomeDeck         string
	NewNotesHomeDeck string
}

// IsProtectedField reports whether the maintainer marked the given field
// of the given notetype as protected.
func (c *ImportConfig) IsProtectedField(notetypeName, fieldName string) bool {
	if c == nil {
		return false
	}
	for _, name := range c.ProtectedFields[notetypeName] {
		if strings.EqualFold(name, fieldName) {
			return true
		}
	}
	return false
}

// AddProtectedField registers a protected field for a notetype.
func (c *ImportConfig) AddProtectedField(notetypeName, fieldName string) {
	if c.ProtectedFields == nil {
		c.ProtectedFields = make(map[string][]string)
	}
	c.ProtectedFields[notetypeName] = append(c.ProtectedFields[notetypeName], fieldName)
}

// subscribedOptionalTag reports whether the optional-tag name is part of
// the subscribed set.
func (c *ImportConfig) subscribedOptionalTag(name string) bool {
	for _, tag := range c.OptionalTags {
		if strings.EqualFold(tag, name) {
			return true
		}
	}
	return false
}
