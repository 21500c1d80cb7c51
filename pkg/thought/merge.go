package thought

import "slices"

// MergeEnrichment merges a partial enrichment patch into base and returns the
// result. The merge is idempotent so that a crashed-and-retried task can apply
// the same result twice without corrupting the thought:
//
//   - Tags are combined by set union (no duplicates, first-seen order).
//   - Scalar fields (Category, Entities, Reminder) are overwritten by the
//     latest non-empty value.
//
// merge(merge(base, p), p) == merge(base, p) for any patch p.
func MergeEnrichment(base, patch Enrichment) Enrichment {
	out := base.clone()

	if patch.Category != "" {
		out.Category = patch.Category
		out.CategoryConfidence = patch.CategoryConfidence
	}
	for _, tag := range patch.Tags {
		if !slices.Contains(out.Tags, tag) {
			out.Tags = append(out.Tags, tag)
		}
	}
	if patch.Entities != nil {
		merged := patch.clone()
		out.Entities = merged.Entities
	}
	if patch.Reminder != nil {
		merged := patch.clone()
		out.Reminder = merged.Reminder
	}
	return out
}
