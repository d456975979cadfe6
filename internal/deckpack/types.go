package deckpack

// PathDelimiter separates deck names in a full deck path.
const PathDelimiter = "::"

// TemplateMarker inside a note model name signals that local render
// templates and styling must survive remote updates. It is evaluated once
// during decode and carried as an explicit flag afterwards.
const TemplateMarker = "[protected-templates]"

// Deck is one node of a remote deck tree. Only the root node carries
// note models and deck configurations; children contribute theirs during
// metadata aggregation.
type Deck struct {
	UUID           string           `json:"identity"`
	Name           string           `json:"name"`
	DeckConfigUUID string           `json:"deck_config_uuid,omitempty"`
	Notes          []Note           `json:"notes,omitempty"`
	NoteModels     []NoteModel      `json:"note_models,omitempty"`
	DeckConfigs    []DeckConfigSpec `json:"deck_configurations,omitempty"`
	Children       []Deck           `json:"children,omitempty"`
	MediaFiles     []string         `json:"media_files,omitempty"`
}

// Note is a typed record with a stable GUID and a reference to its note
// model by identity.
type Note struct {
	GUID          string   `json:"guid"`
	NoteModelUUID string   `json:"note_model_uuid"`
	Fields        []string `json:"fields"`
	Tags          []string `json:"tags"`
}

// NoteModel is a schema definition shared by many notes.
type NoteModel struct {
	UUID      string         `json:"identity"`
	Name      string         `json:"name"`
	Fields    []FieldSpec    `json:"fields"`
	Templates []TemplateSpec `json:"templates"`
	CSS       string         `json:"css"`

	// PreserveTemplates is derived from TemplateMarker at decode time.
	PreserveTemplates bool `json:"-"`
}

// FieldSpec describes one ordered field of a note model.
type FieldSpec struct {
	Name   string `json:"name"`
	Ord    int    `json:"ord"`
	Sticky bool   `json:"sticky"`
	RTL    bool   `json:"rtl"`
	Font   string `json:"font,omitempty"`
	Size   int    `json:"size,omitempty"`
}

// TemplateSpec describes one render rule of a note model.
type TemplateSpec struct {
	Name           string `json:"name"`
	Ord            int    `json:"ord"`
	QuestionFormat string `json:"qfmt"`
	AnswerFormat   string `json:"afmt"`
}

// DeckConfigSpec carries review scheduling options as an opaque payload.
type DeckConfigSpec struct {
	UUID       string `json:"identity"`
	Name       string `json:"name"`
	ConfigJSON string `json:"config,omitempty"`
}

// FieldNames returns the model's field names in order.
func (m *NoteModel) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

// NoteCount reports the number of notes in the deck subtree.
func (d *Deck) NoteCount() int {
	count := len(d.Notes)
	for i := range d.Children {
		count += d.Children[i].NoteCount()
	}
	return count
}

// WalkNotes visits every note in the subtree top-down together with the
// deck path it belongs to, rooted at rootPath.
func (d *Deck) WalkNotes(rootPath string, visit func(path string, note *Note)) {
	for i := range d.Notes {
		visit(rootPath, &d.Notes[i])
	}
	for i := range d.Children {
		child := &d.Children[i]
		d.Children[i].WalkNotes(rootPath+PathDelimiter+child.Name, visit)
	}
}

// LeafName returns the last path segment of a full deck path.
func LeafName(path string) string {
	if idx := lastIndexDelimiter(path); idx >= 0 {
		return path[idx+len(PathDelimiter):]
	}
	return path
}

func lastIndexDelimiter(path string) int {
	for i := len(path) - len(PathDelimiter); i >= 0; i-- {
		if path[i:i+len(PathDelimiter)] == PathDelimiter {
			return i
		}
	}
	return -1
}
