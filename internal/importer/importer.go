package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
	"github.com/MarcoPoloResearchLab/decksync/internal/media"
	"github.com/MarcoPoloResearchLab/decksync/internal/merge"
	"github.com/MarcoPoloResearchLab/decksync/internal/placement"
	"github.com/MarcoPoloResearchLab/decksync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/decksync/internal/store"
)

// rootRenameSuffix disambiguates an imported root deck from an unrelated
// local deck of the same name.
const rootRenameSuffix = " (synced)"

var (
	errMissingStore      = errors.New("importer: store is required")
	errMissingReconciler = errors.New("importer: reconciler is required")
	errMissingMerger     = errors.New("importer: merger is required")

	noOpLogger = zap.NewNop()
)

// Config describes the collaborators of the deck tree importer.
type Config struct {
	Store      *store.Store
	Reconciler *reconcile.Reconciler
	Merger     *merge.Merger

	// Transfer and MediaDir are optional; leaving them unset disables the
	// media legs of the run.
	Transfer *media.TransferManager
	MediaDir string

	IDProvider IDProvider
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Importer walks a remote deck tree top-down and drives reconciliation,
// merging, placement and media resolution in order.
type Importer struct {
	store      *store.Store
	reconciler *reconcile.Reconciler
	merger     *merge.Merger
	transfer   *media.TransferManager
	mediaDir   string
	idProvider IDProvider
	logger     *zap.Logger
	clock      func() time.Time
}

// New constructs an Importer.
func New(cfg Config) (*Importer, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opImporterNew, "missing_store", errMissingStore)
	}
	if cfg.Reconciler == nil {
		return nil, newServiceError(opImporterNew, "missing_reconciler", errMissingReconciler)
	}
	if cfg.Merger == nil {
		return nil, newServiceError(opImporterNew, "missing_merger", errMissingMerger)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Importer{
		store:      cfg.Store,
		reconciler: cfg.Reconciler,
		merger:     cfg.Merger,
		transfer:   cfg.Transfer,
		mediaDir:   cfg.MediaDir,
		idProvider: idProvider,
		logger:     logger,
		clock:      clock,
	}, nil
}

// ImportTree merges a remote deck payload into the local store. Notes
// committed before a failure stay committed; the run never rolls back
// completed batches. The returned Result itemizes per-entity warnings and
// manual-review flags.
func (im *Importer) ImportTree(ctx context.Context, tree *deckpack.Deck, cfg *merge.ImportConfig) (*Result, error) {
	if cfg == nil {
		cfg = &merge.ImportConfig{}
	}
	result := &Result{State: StateIdle}

	err := im.runImport(ctx, tree, cfg, result)
	if err != nil {
		result.State = StateFailed
		if cleanupErr := im.store.DropStaleScratchDecks(context.WithoutCancel(ctx)); cleanupErr != nil {
			im.logger.Warn("scratch cleanup failed",
				zap.String("operation", opImportTree),
				zap.Error(cleanupErr))
		}
		im.logger.Error("import failed",
			zap.String("operation", opImportTree),
			zap.Error(err))
		return result, newServiceError(opImportTree, "run_failed", err)
	}

	result.State = StateDone
	im.logger.Info("import finished",
		zap.String("operation", opImportTree),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("warnings", len(result.Warnings)))
	return result, nil
}

func (im *Importer) runImport(ctx context.Context, tree *deckpack.Deck, cfg *merge.ImportConfig, result *Result) error {
	metadata, err := deckpack.AggregateMetadata(tree)
	if err != nil {
		return err
	}

	result.State = StateMetadataSaving
	outcomes := im.saveMetadata(ctx, metadata, result)

	result.State = StateNoteCollection
	rootPath, err := im.resolveRootPath(ctx, tree, cfg.HomeDeck)
	if err != nil {
		return err
	}
	existing, err := im.existingGUIDs(ctx, tree)
	if err != nil {
		return err
	}
	plan := placement.Build(tree, rootPath, cfg.NewNotesHomeDeck, existing)

	result.State = StateNoteMerging
	batches, mergeReport, err := im.merger.Merge(ctx, tree, metadata, outcomes, plan, cfg)
	if err != nil {
		return err
	}
	result.Skipped += mergeReport.Skipped
	result.Warnings = append(result.Warnings, mergeReport.Warnings...)

	result.State = StateDeckStructure
	if err := im.createDeckStructure(ctx, tree, rootPath); err != nil {
		return err
	}

	result.State = StateNotePlacement
	applied, err := im.merger.Apply(ctx, batches, cfg)
	result.Created += applied.Created
	result.Updated += applied.Updated
	result.FailedNotes = append(result.FailedNotes, applied.FailedGUIDs...)
	if err != nil {
		return err
	}
	if pruned, err := im.store.PruneEmptyDecks(ctx, rootPath); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("deck pruning incomplete: %v", err))
	} else if pruned > 0 {
		im.logger.Info("empty decks pruned",
			zap.String("operation", opImportTree),
			zap.Int("count", pruned))
	}

	im.runMedia(ctx, tree, metadata, result)

	result.State = StateFinalizing
	if result.Created+result.Updated > 0 {
		if _, err := im.store.ClearUnusedTags(ctx); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unused tags not cleared: %v", err))
		}
		if _, err := im.store.ClearEmptyCards(ctx); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("empty cards not cleared: %v", err))
		}
	}
	return nil
}

// saveMetadata reconciles every notetype and saves every deck config.
// Individual failures are warnings; the transition never aborts the run.
func (im *Importer) saveMetadata(ctx context.Context, metadata *deckpack.Metadata, result *Result) map[string]*reconcile.Outcome {
	outcomes := make(map[string]*reconcile.Outcome, len(metadata.Models()))
	for uuid, model := range metadata.Models() {
		outcome, err := im.reconciler.Reconcile(ctx, model)
		if err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("notetype %q not updated: %v", model.Name, err))
			im.logger.Warn("notetype reconciliation failed",
				zap.String("operation", opImportTree),
				zap.String("notetype", model.Name),
				zap.Error(err))
			continue
		}
		outcomes[uuid] = outcome
		if len(outcome.OrphanedFields) > 0 {
			result.ReviewItems = append(result.ReviewItems,
				fmt.Sprintf("notetype %q: remote dropped fields %v; content kept at tail", model.Name, outcome.OrphanedFields))
		}
		if outcome.HeavilyReorder {
			result.ReviewItems = append(result.ReviewItems,
				fmt.Sprintf("notetype %q: fields were heavily reordered", model.Name))
		}
	}
	for _, spec := range metadata.Configs() {
		if err := im.store.SaveDeckConfig(ctx, spec); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("deck config %q not saved: %v", spec.Name, err))
		}
	}
	return outcomes
}

// resolveRootPath determines where the remote root lands locally. A home
// deck remap wins verbatim. Otherwise a root already imported (matched by
// identity) keeps its current name, and a name collision with an
// unrelated local deck is resolved by a suffix-and-retry rename. Only the
// root gets renamed; non-root collisions reuse the existing subdeck.
func (im *Importer) resolveRootPath(ctx context.Context, tree *deckpack.Deck, homeDeck string) (string, error) {
	if homeDeck != "" {
		return homeDeck, nil
	}
	byUUID, err := im.store.FindDeckByUUID(ctx, tree.UUID)
	if err != nil {
		return "", err
	}
	if byUUID != nil {
		return byUUID.Name, nil
	}
	byName, err := im.store.FindDeckByName(ctx, tree.Name)
	if err != nil {
		return "", err
	}
	if byName == nil || (byName.UUID == "" && tree.UUID == "") {
		return tree.Name, nil
	}
	if byName.UUID == tree.UUID {
		return tree.Name, nil
	}

	candidate := tree.Name + rootRenameSuffix
	for number := 2; ; number++ {
		row, err := im.store.FindDeckByName(ctx, candidate)
		if err != nil {
			return "", err
		}
		if row == nil {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%s_%d", tree.Name, rootRenameSuffix, number)
	}
}

// createDeckStructure creates or reuses every deck node top-down and
// stamps identities onto decks that have none yet.
func (im *Importer) createDeckStructure(ctx context.Context, tree *deckpack.Deck, rootPath string) error {
	var walk func(node *deckpack.Deck, path string) error
	walk = func(node *deckpack.Deck, path string) error {
		row, err := im.store.EnsureDeckPath(ctx, path)
		if err != nil {
			return err
		}
		dirty := false
		if row.UUID == "" && node.UUID != "" {
			row.UUID = node.UUID
			dirty = true
		}
		if node.DeckConfigUUID != "" && row.ConfigID != node.DeckConfigUUID {
			row.ConfigID = node.DeckConfigUUID
			dirty = true
		}
		if dirty {
			if err := im.store.SaveDeck(ctx, row); err != nil {
				return err
			}
		}
		for i := range node.Children {
			child := &node.Children[i]
			if err := walk(child, path+deckpack.PathDelimiter+child.Name); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(tree, rootPath)
}

func (im *Importer) existingGUIDs(ctx context.Context, tree *deckpack.Deck) (map[string]bool, error) {
	var guids []string
	tree.WalkNotes(tree.Name, func(_ string, note *deckpack.Note) {
		guids = append(guids, note.GUID)
	})
	rows, err := im.store.FindNotesByGUIDs(ctx, guids)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(rows))
	for guid := range rows {
		existing[guid] = true
	}
	return existing, nil
}

// runMedia computes the missing media set and, when a transfer manager is
// configured, hands it off. The import is already logically complete;
// every failure here is a non-blocking warning.
func (im *Importer) runMedia(ctx context.Context, tree *deckpack.Deck, metadata *deckpack.Metadata, result *Result) {
	if im.mediaDir == "" {
		return
	}
	result.State = StateMediaResolution

	refs := media.CollectReferences(tree, metadata)
	for _, name := range tree.MediaFiles {
		refs[name] = true
	}
	missing := media.ComputeMissing(refs, im.mediaDir)
	mediaResult := &MediaResult{Referenced: len(refs), Missing: len(missing)}
	result.Media = mediaResult
	if len(missing) == 0 || im.transfer == nil {
		return
	}

	result.State = StateMediaTransfer
	entries, err := im.transfer.Manifest(ctx, missing)
	if err != nil {
		mediaResult.Warnings = append(mediaResult.Warnings, fmt.Sprintf("media manifest failed: %v", err))
		return
	}
	if len(entries) < len(missing) {
		mediaResult.Warnings = append(mediaResult.Warnings,
			fmt.Sprintf("%d missing files absent from remote manifest", len(missing)-len(entries)))
	}
	transferResult := im.transfer.Download(ctx, entries)
	mediaResult.Downloaded = transferResult.Downloaded
	for _, failure := range transferResult.Failures {
		mediaResult.Warnings = append(mediaResult.Warnings,
			fmt.Sprintf("download %s: %v", failure.Filename, failure.Err))
	}
}
