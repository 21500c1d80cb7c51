// Package enrich runs the post-capture enrichment pipeline: every thought
// gets a reminder parse, a category, and an entity extraction, produced by a
// worker pool that dispatches oldest tasks first and retries failures with
// exponential backoff.
package enrich

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies an enrichment task type. Lower values break enqueue-time
// ties: within one thought's enrichment set, a reminder the user asked for
// beats a nice-to-have entity list.
type Kind int

const (
	// KindParseReminder detects "remind me ..." phrasing and extracts the
	// schedule. Highest priority.
	KindParseReminder Kind = iota

	// KindCategorize assigns the thought a category and tags.
	KindCategorize

	// KindExtractEntities pulls out people, places, dates, organizations,
	// and topics. Lowest priority.
	KindExtractEntities
)

func (k Kind) String() string {
	switch k {
	case KindParseReminder:
		return "parse_reminder"
	case KindCategorize:
		return "categorize"
	case KindExtractEntities:
		return "extract_entities"
	default:
		return "unknown"
	}
}

// Kinds lists every task kind in priority order.
func Kinds() []Kind {
	return []Kind{KindParseReminder, KindCategorize, KindExtractEntities}
}

// Task is one unit of enrichment work.
type Task struct {
	// ThoughtID identifies the thought being enriched.
	ThoughtID uuid.UUID

	// Kind selects the enrichment to run.
	Kind Kind

	// Text is the thought content at enqueue time.
	Text string

	// Attempt counts tries already made; 0 for a fresh task.
	Attempt int

	// EnqueuedAt is when the task first entered the queue.
	EnqueuedAt time.Time

	// seq keeps heap ordering total when timestamp and kind both tie.
	seq uint64
}
