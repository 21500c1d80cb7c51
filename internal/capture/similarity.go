package capture

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// corroborationThreshold is the Jaro-Winkler similarity at which a
// low-confidence streaming transcript counts as confirmed by batch.
const corroborationThreshold = 0.8

// Similarity returns the Jaro-Winkler similarity of two transcripts in
// [0, 1], after case folding and whitespace normalization. Either input being
// empty yields 0.
func Similarity(a, b string) float64 {
	na, nb := normalizeTranscript(a), normalizeTranscript(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return matchr.JaroWinkler(na, nb, true)
}

func normalizeTranscript(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
