package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
	"github.com/MarcoPoloResearchLab/decksync/internal/store"
)

// reorderThreshold is the share of shared fields that may change position
// before the update is flagged for manual review.
const reorderThreshold = 0.5

// renameSuffix disambiguates an incompatible remote notetype from a local
// one of the same name.
const renameSuffix = " (synced)"

var (
	errMissingStore = errors.New("reconcile: store is required")

	noOpLogger = zap.NewNop()
)

// Config describes the dependencies of the reconciler.
type Config struct {
	Store  *store.Store
	Logger *zap.Logger
}

// Reconciler resolves schema differences between a remote note model and
// the matching local notetype without losing user data.
type Reconciler struct {
	store  *store.Store
	logger *zap.Logger
}

// New constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{store: cfg.Store, logger: logger}, nil
}

// Outcome reports one reconciliation. Updated is nil when the local
// schema already matches. FieldMap is always populated so callers can
// translate field positions; it is the identity map on a no-op.
type Outcome struct {
	Notetype *store.NotetypeRow
	Updated  bool
	FieldMap FieldMap

	// Data-loss review flags. The change proceeds regardless; these are
	// surfaced in the run report for manual review. OrphanedFields lists
	// local fields the remote schema dropped; their content is preserved
	// at the tail but templates no longer reference them.
	OrphanedFields []string
	HeavilyReorder bool
}

// Reconcile diffs a remote note model against the local store and applies
// the merged schema. Identity is preserved across updates and never
// re-minted.
func (r *Reconciler) Reconcile(ctx context.Context, remote *deckpack.NoteModel) (*Outcome, error) {
	local, err := r.store.FindNotetypeByUUID(ctx, remote.UUID)
	if err != nil {
		return nil, err
	}
	if local == nil {
		local, err = r.resolveDuplicates(ctx, remote)
		if err != nil {
			return nil, err
		}
	}

	if local == nil {
		return r.create(ctx, remote)
	}
	return r.merge(ctx, local, remote)
}

func (r *Reconciler) create(ctx context.Context, remote *deckpack.NoteModel) (*Outcome, error) {
	row := &store.NotetypeRow{
		UUID:              remote.UUID,
		Name:              remote.Name,
		CSS:               remote.CSS,
		PreserveTemplates: remote.PreserveTemplates,
	}
	fields := append([]deckpack.FieldSpec(nil), remote.Fields...)
	for i := range fields {
		fields[i].Ord = i
	}
	if err := row.SetFields(fields); err != nil {
		return nil, err
	}
	if err := row.SetTemplates(remote.Templates); err != nil {
		return nil, err
	}
	if err := r.store.SaveNotetype(ctx, row); err != nil {
		return nil, err
	}
	r.logger.Info("notetype created",
		zap.String("operation", "reconcile.create"),
		zap.String("notetype", remote.Name),
		zap.String("identity", remote.UUID))
	return &Outcome{Notetype: row, Updated: true, FieldMap: IdentityFieldMap(len(fields))}, nil
}

func (r *Reconciler) merge(ctx context.Context, local *store.NotetypeRow, remote *deckpack.NoteModel) (*Outcome, error) {
	localFields, err := local.Fields()
	if err != nil {
		return nil, err
	}
	localTemplates, err := local.Templates()
	if err != nil {
		return nil, err
	}

	changed := local.Name != remote.Name ||
		fieldListsDiffer(localFields, remote.Fields)
	if !local.PreserveTemplates && !remote.PreserveTemplates {
		changed = changed ||
			templateListsDiffer(localTemplates, remote.Templates) ||
			local.CSS != remote.CSS
	}
	if !changed {
		return &Outcome{Notetype: local, FieldMap: IdentityFieldMap(len(localFields))}, nil
	}

	plan := buildMergePlan(localFields, remote.Fields)
	outcome := &Outcome{
		Notetype: local,
		Updated:  true,
		FieldMap: plan.fieldMap,
	}
	outcome.OrphanedFields = plan.orphaned
	shared := sharedFieldCount(plan.fieldMap)
	if shared > 0 && float64(plan.reordered)/float64(shared) > reorderThreshold {
		outcome.HeavilyReorder = true
	}

	local.Name = remote.Name
	if err := local.SetFields(plan.fields); err != nil {
		return nil, err
	}
	preserve := local.PreserveTemplates || remote.PreserveTemplates
	if !preserve {
		if err := local.SetTemplates(remote.Templates); err != nil {
			return nil, err
		}
		local.CSS = remote.CSS
	}
	local.PreserveTemplates = preserve

	if err := r.store.SaveNotetype(ctx, local); err != nil {
		return nil, err
	}
	r.logger.Info("notetype updated",
		zap.String("operation", "reconcile.merge"),
		zap.String("notetype", local.Name),
		zap.String("identity", local.UUID),
		zap.Strings("orphaned_fields", plan.orphaned))
	return outcome, nil
}

// resolveDuplicates handles the case where identity lookup missed but one
// or more local notetypes share a name prefix with the incoming model.
// A compatible candidate is redirected to carry the remote identity so the
// two become one notetype going forward; with no compatible candidate but
// a name collision the remote model is renamed with a suffix.
func (r *Reconciler) resolveDuplicates(ctx context.Context, remote *deckpack.NoteModel) (*store.NotetypeRow, error) {
	candidates, err := r.store.FindNotetypesByNamePrefix(ctx, remote.Name)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	for i := range candidates {
		candidate := &candidates[i]
		compatible, err := r.compatibleForMerge(candidate, remote)
		if err != nil {
			r.logger.Warn("duplicate candidate unreadable",
				zap.String("operation", "reconcile.resolve_duplicates"),
				zap.String("notetype", candidate.Name),
				zap.Error(err))
			continue
		}
		if compatible {
			candidate.UUID = remote.UUID
			if err := r.store.SaveNotetype(ctx, candidate); err != nil {
				return nil, err
			}
			r.logger.Info("notetype redirected to local duplicate",
				zap.String("operation", "reconcile.resolve_duplicates"),
				zap.String("notetype", candidate.Name),
				zap.String("identity", remote.UUID))
			return candidate, nil
		}
	}

	// Incompatible namesake exists: keep the remote identity but rename to
	// avoid the collision.
	remote.Name = disambiguateName(remote.Name, candidates)
	r.logger.Info("incompatible notetype renamed",
		zap.String("operation", "reconcile.resolve_duplicates"),
		zap.String("notetype", remote.Name),
		zap.String("identity", remote.UUID))
	return nil, nil
}

// compatibleForMerge decides whether a local namesake can absorb the
// remote definition. Template-preserving models only need every remote
// field name present locally; anything else must show no structural
// difference at all.
func (r *Reconciler) compatibleForMerge(local *store.NotetypeRow, remote *deckpack.NoteModel) (bool, error) {
	localFields, err := local.Fields()
	if err != nil {
		return false, err
	}
	if local.PreserveTemplates || remote.PreserveTemplates {
		have := make(map[string]bool, len(localFields))
		for _, f := range localFields {
			have[strings.ToLower(f.Name)] = true
		}
		for _, f := range remote.Fields {
			if !have[strings.ToLower(f.Name)] {
				return false, nil
			}
		}
		return true, nil
	}

	localTemplates, err := local.Templates()
	if err != nil {
		return false, err
	}
	if fieldListsDiffer(localFields, remote.Fields) {
		return false, nil
	}
	if templateListsDiffer(localTemplates, remote.Templates) {
		return false, nil
	}
	return true, nil
}

func disambiguateName(name string, taken []store.NotetypeRow) string {
	inUse := make(map[string]bool, len(taken))
	for _, row := range taken {
		inUse[row.Name] = true
	}
	candidate := name + renameSuffix
	for number := 2; inUse[candidate]; number++ {
		candidate = fmt.Sprintf("%s%s_%d", name, renameSuffix, number)
	}
	return candidate
}

func sharedFieldCount(m FieldMap) int {
	count := 0
	for _, old := range m {
		if old >= 0 {
			count++
		}
	}
	return count
}
