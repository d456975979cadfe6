package reconcile

import (
	"strings"

	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
)

// FieldMap maps a field's position in the merged schema to its position in
// the previous local schema. A value of -1 marks a fresh field with no
// carried-over content.
type FieldMap []int

// IdentityFieldMap returns the trivial mapping 0→0, 1→1, … for n fields.
func IdentityFieldMap(n int) FieldMap {
	m := make(FieldMap, n)
	for i := range m {
		m[i] = i
	}
	return m
}

// IsIdentity reports whether the map carries every position unchanged.
func (m FieldMap) IsIdentity() bool {
	for i, old := range m {
		if old != i {
			return false
		}
	}
	return true
}

// mergePlan is the result of lining a remote field list up against the
// local one.
type mergePlan struct {
	fields    []deckpack.FieldSpec
	fieldMap  FieldMap
	orphaned  []string
	removed   []string
	reordered int
}

// buildMergePlan produces the final field list: every remote field in
// remote order (carrying local display attributes on a name match),
// followed by orphaned local-only fields appended at the tail in their
// original relative order. Ord values are reassigned sequentially.
func buildMergePlan(localFields, remoteFields []deckpack.FieldSpec) mergePlan {
	oldByName := make(map[string]int, len(localFields))
	for i, f := range localFields {
		oldByName[strings.ToLower(f.Name)] = i
	}

	plan := mergePlan{
		fields:   make([]deckpack.FieldSpec, 0, len(remoteFields)),
		fieldMap: make(FieldMap, 0, len(remoteFields)),
	}
	matched := make([]bool, len(localFields))

	for newIdx, remote := range remoteFields {
		merged := remote
		oldIdx, ok := oldByName[strings.ToLower(remote.Name)]
		if ok {
			matched[oldIdx] = true
			local := localFields[oldIdx]
			merged.Sticky = local.Sticky
			merged.RTL = local.RTL
			if local.Font != "" {
				merged.Font = local.Font
			}
			if local.Size != 0 {
				merged.Size = local.Size
			}
			plan.fieldMap = append(plan.fieldMap, oldIdx)
			if oldIdx != newIdx {
				plan.reordered++
			}
		} else {
			plan.fieldMap = append(plan.fieldMap, -1)
		}
		plan.fields = append(plan.fields, merged)
	}

	for oldIdx, f := range localFields {
		if matched[oldIdx] {
			continue
		}
		plan.orphaned = append(plan.orphaned, f.Name)
		plan.fields = append(plan.fields, f)
		plan.fieldMap = append(plan.fieldMap, oldIdx)
	}

	for i := range plan.fields {
		plan.fields[i].Ord = i
	}
	return plan
}

// fieldListsDiffer compares names in order plus display attributes.
func fieldListsDiffer(localFields, remoteFields []deckpack.FieldSpec) bool {
	if len(localFields) != len(remoteFields) {
		return true
	}
	for i := range remoteFields {
		local, remote := localFields[i], remoteFields[i]
		if !strings.EqualFold(local.Name, remote.Name) {
			return true
		}
		if local.Sticky != remote.Sticky || local.RTL != remote.RTL {
			return true
		}
		if local.Font != remote.Font || local.Size != remote.Size {
			return true
		}
	}
	return false
}

// templateListsDiffer compares render source text in order.
func templateListsDiffer(localTemplates, remoteTemplates []deckpack.TemplateSpec) bool {
	if len(localTemplates) != len(remoteTemplates) {
		return true
	}
	for i := range remoteTemplates {
		local, remote := localTemplates[i], remoteTemplates[i]
		if local.Name != remote.Name ||
			local.QuestionFormat != remote.QuestionFormat ||
			local.AnswerFormat != remote.AnswerFormat {
			return true
		}
	}
	return false
}
