package validation

import "postflow/internal/submission"

// Merge applies the default part's shared fields to a real part and returns a
// new part; neither input is mutated.
//
// Override rules:
//   - Scalar fields (title, description, rating): part-level value wins,
//     default fills blanks.
//   - Tags: union of shared and part tags, unless the part sets OverrideTags,
//     in which case the part's tags replace the shared set.
//   - Options: part-level keys win; missing keys fall back to the default's.
func Merge(part, def *submission.Part) *submission.Part {
	merged := part.Clone()
	if def == nil {
		merged.Tags = submission.NormalizeTags(merged.Tags)
		return merged
	}

	if merged.Title == "" {
		merged.Title = def.Title
	}
	if merged.Description == "" {
		merged.Description = def.Description
	}
	if merged.Rating == "" {
		merged.Rating = def.Rating
	}

	if merged.OverrideTags {
		merged.Tags = submission.NormalizeTags(merged.Tags)
	} else {
		merged.Tags = submission.NormalizeTags(append(append([]string(nil), def.Tags...), merged.Tags...))
	}

	if len(def.Options) > 0 {
		if merged.Options == nil {
			merged.Options = make(map[string]string, len(def.Options))
		}
		for k, v := range def.Options {
			if _, ok := merged.Options[k]; !ok {
				merged.Options[k] = v
			}
		}
	}
	return merged
}
