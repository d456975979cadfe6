package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
	"github.com/MarcoPoloResearchLab/decksync/internal/placement"
	"github.com/MarcoPoloResearchLab/decksync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/decksync/internal/store"
)

var (
	errMissingStore = errors.New("merge: store is required")

	noOpLogger = zap.NewNop()
)

// Config describes the dependencies of the merger.
type Config struct {
	Store  *store.Store
	Logger *zap.Logger
	Clock  func() time.Time
}

// Merger classifies every incoming note as new or existing, applies
// field-level and tag-level protection, and produces batches ready for
// transactional application.
type Merger struct {
	store  *store.Store
	logger *zap.Logger
	clock  func() time.Time
}

// New constructs a Merger.
func New(cfg Config) (*Merger, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Merger{store: cfg.Store, logger: logger, clock: clock}, nil
}

// Create is one planned note insertion.
type Create struct {
	Row        store.NoteRow
	CardCount  int
	TargetPath string
}

// Update is one planned in-place note update.
type Update struct {
	Row           store.NoteRow
	TemplateCount int
	TargetPath    string
}

// Batches holds the classified output of one merge pass.
type Batches struct {
	Creates []Create
	Updates []Update
}

// Report aggregates per-note outcomes of a merge pass.
type Report struct {
	Skipped  int
	Warnings []string
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// flatNote is a note paired with its resolved placement.
type flatNote struct {
	note *deckpack.Note
	path string
}

// Merge runs the per-note pipeline over the flattened tree. Individual
// note failures are logged, counted and skipped; the batch continues.
func (m *Merger) Merge(
	ctx context.Context,
	tree *deckpack.Deck,
	metadata *deckpack.Metadata,
	outcomes map[string]*reconcile.Outcome,
	plan *placement.Plan,
	cfg *ImportConfig,
) (*Batches, *Report, error) {
	var flat []flatNote
	tree.WalkNotes(plan.RootPath, func(_ string, note *deckpack.Note) {
		flat = append(flat, flatNote{note: note, path: plan.Target(note.GUID)})
	})

	guids := make([]string, len(flat))
	for i, fn := range flat {
		guids[i] = fn.note.GUID
	}
	existing, err := m.store.FindNotesByGUIDs(ctx, guids)
	if err != nil {
		return nil, nil, err
	}

	batches := &Batches{}
	report := &Report{}
	for _, fn := range flat {
		if err := ctx.Err(); err != nil {
			return batches, report, err
		}
		if err := m.mergeNote(fn, existing, metadata, outcomes, cfg, batches, report); err != nil {
			report.Skipped++
			report.warnf("note %s skipped: %v", fn.note.GUID, err)
			m.logger.Warn("note skipped",
				zap.String("operation", "merge.note"),
				zap.String("guid", fn.note.GUID),
				zap.Error(err))
		}
	}
	return batches, report, nil
}

func (m *Merger) mergeNote(
	fn flatNote,
	existing map[string]store.NoteRow,
	metadata *deckpack.Metadata,
	outcomes map[string]*reconcile.Outcome,
	cfg *ImportConfig,
	batches *Batches,
	report *Report,
) error {
	note := fn.note
	model := metadata.Model(note.NoteModelUUID)
	if model == nil {
		return fmt.Errorf("note model %s missing from metadata", note.NoteModelUUID)
	}
	outcome := outcomes[note.NoteModelUUID]
	if outcome == nil || outcome.Notetype == nil {
		return fmt.Errorf("note model %s was not reconciled", note.NoteModelUUID)
	}
	row := outcome.Notetype
	finalFields, err := row.Fields()
	if err != nil {
		return err
	}
	templates, err := row.Templates()
	if err != nil {
		return err
	}

	localRow, isUpdate := existing[note.GUID]
	var localFields []string
	var localTags []string
	if isUpdate {
		if localFields, err = localRow.Fields(); err != nil {
			return err
		}
		if localTags, err = localRow.Tags(); err != nil {
			return err
		}
	}

	resolved := resolveFields(note.Fields, localFields, finalFields, outcome.FieldMap, model, cfg, localTags)
	tags := resolveTags(note.Tags, localTags, cfg)

	// Field-count invariant: the stored array must exactly match the
	// notetype's field count.
	resolved = fitFieldCount(resolved, len(finalFields))

	if isUpdate {
		updated := localRow
		if err := updated.SetFields(resolved); err != nil {
			return err
		}
		if err := updated.SetTags(tags); err != nil {
			return err
		}
		updated.NotetypeID = row.NotetypeID
		batches.Updates = append(batches.Updates, Update{
			Row:           updated,
			TemplateCount: len(templates),
			TargetPath:    fn.path,
		})
		return nil
	}

	created := store.NoteRow{GUID: note.GUID, NotetypeID: row.NotetypeID}
	if err := created.SetFields(resolved); err != nil {
		return err
	}
	if err := created.SetTags(tags); err != nil {
		return err
	}
	batches.Creates = append(batches.Creates, Create{
		Row:        created,
		CardCount:  len(templates),
		TargetPath: fn.path,
	})
	return nil
}

// resolveFields merges remote content with local values under the
// protection rules. Incoming remote content covers the leading remote
// field positions of the final schema; orphaned local-only fields at the
// tail keep local content via the field map.
func resolveFields(
	remoteValues []string,
	localValues []string,
	finalFields []deckpack.FieldSpec,
	fieldMap reconcile.FieldMap,
	model *deckpack.NoteModel,
	cfg *ImportConfig,
	localTags []string,
) []string {
	localAt := func(finalIdx int) (string, bool) {
		if finalIdx >= len(fieldMap) {
			return "", false
		}
		old := fieldMap[finalIdx]
		if old < 0 || old >= len(localValues) {
			return "", false
		}
		return localValues[old], true
	}

	resolved := make([]string, len(finalFields))
	remoteCount := len(model.Fields)
	for i := range finalFields {
		switch {
		case i < remoteCount && i < len(remoteValues):
			resolved[i] = remoteValues[i]
		case i >= remoteCount:
			// Tail position: local-only field appended by reconciliation.
			if value, ok := localAt(i); ok {
				resolved[i] = value
			}
		}
	}

	if hasProtectionTag(localTags, protectAllMarker) {
		for i := range resolved {
			if value, ok := localAt(i); ok {
				resolved[i] = value
			}
		}
		return resolved
	}

	for i, field := range finalFields {
		if !fieldIsProtected(field.Name, model.Name, cfg, localTags) {
			continue
		}
		if value, ok := localAt(i); ok {
			resolved[i] = value
		}
	}
	return resolved
}

// fieldIsProtected combines the maintainer's per-notetype protection map
// with the user's Protected::<field> tags. Underscores in tag names stand
// in for spaces.
func fieldIsProtected(fieldName, modelName string, cfg *ImportConfig, localTags []string) bool {
	if cfg.IsProtectedField(modelName, fieldName) {
		return true
	}
	for _, tag := range localTags {
		if !strings.HasPrefix(tag, ProtectedTagPrefix) {
			continue
		}
		target := strings.TrimPrefix(tag, ProtectedTagPrefix)
		if strings.EqualFold(target, fieldName) ||
			strings.EqualFold(strings.ReplaceAll(target, "_", " "), fieldName) {
			return true
		}
	}
	return false
}

func hasProtectionTag(localTags []string, marker string) bool {
	for _, tag := range localTags {
		if strings.EqualFold(tag, ProtectedTagPrefix+marker) {
			return true
		}
	}
	return false
}

// resolveTags merges remote tags with the local protections: protection
// tags survive, Protected::Tags keeps the full local set, default
// protected tags stay local-only bookkeeping, and unsubscribed optional
// tags are dropped.
func resolveTags(remoteTags, localTags []string, cfg *ImportConfig) []string {
	if hasProtectionTag(localTags, protectTagsMarker) || hasProtectionTag(localTags, protectAllMarker) {
		return append([]string(nil), localTags...)
	}

	tags := make([]string, 0, len(remoteTags)+4)
	seen := make(map[string]bool, len(remoteTags)+4)
	add := func(tag string) {
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	for _, tag := range remoteTags {
		if isDefaultProtectedTag(tag) {
			continue
		}
		if cfg.HasOptionalTags && strings.HasPrefix(tag, OptionalTagPrefix) {
			name := strings.TrimPrefix(tag, OptionalTagPrefix)
			if !cfg.subscribedOptionalTag(name) {
				continue
			}
		}
		add(tag)
	}

	// User protection tags always ride along so the policy survives the
	// next import.
	for _, tag := range localTags {
		if strings.HasPrefix(tag, ProtectedTagPrefix) {
			add(tag)
		}
	}

	for _, tag := range localTags {
		if isDefaultProtectedTag(tag) {
			add(tag)
		}
	}
	return tags
}

// fitFieldCount truncates extras and pads missing entries so the array
// length equals the notetype's field count.
func fitFieldCount(values []string, count int) []string {
	if len(values) == count {
		return values
	}
	if len(values) > count {
		return values[:count]
	}
	padded := make([]string, count)
	copy(padded, values)
	return padded
}
