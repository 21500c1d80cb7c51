// Package thought defines the durable data model shared by the capture
// pipeline, the enrichment queue, and the sync reconciler: the [Thought]
// record itself, its [Enrichment] sub-document, and the [OfflineAction] log
// entry used for connectivity-loss replay.
//
// Ownership rules: a Thought is mutated only by the sync reconciler; the
// enrichment queue contributes via partial [Enrichment] patches that may only
// ever add data, never clear Content.
package thought

import "time"

// Status describes where a Thought is in its optimistic-to-authoritative
// lifecycle.
type Status string

const (
	// StatusPending means the thought exists locally but the durable write
	// has not yet completed.
	StatusPending Status = "pending"

	// StatusSyncing means a durable write is currently in flight.
	StatusSyncing Status = "syncing"

	// StatusSynced means the backing store has acknowledged the thought.
	StatusSynced Status = "synced"

	// StatusFailed means the durable write failed and the thought is queued
	// for offline replay. The capture itself is never lost.
	StatusFailed Status = "failed"
)

// TranscriptSource identifies which transcription path produced a thought's
// content.
type TranscriptSource string

const (
	SourceStreaming TranscriptSource = "streaming"
	SourceBatch     TranscriptSource = "batch"
	SourceTyped     TranscriptSource = "typed"
)

// Thought is the durable unit produced by a capture session.
//
// Invariant: exactly one Thought exists per ID at any logical time. The
// optimistic and authoritative versions share the same ID and are merged in
// place, never duplicated.
type Thought struct {
	// ID is a client-generated UUID assigned at creation and never reassigned.
	ID string

	// Content is the captured text. Enrichment may never clear it.
	Content string

	// Source records which transcription path won arbitration.
	Source TranscriptSource

	// Confidence is the winning transcript's confidence, when known.
	// Nil for typed thoughts.
	Confidence *float64

	// Status tracks the durable-write lifecycle.
	Status Status

	// Enrichment holds asynchronously-added analysis results. Partial by
	// design: a thought is always usable with absent enrichment.
	Enrichment Enrichment

	// IsOptimistic is true until the durable write has been acknowledged.
	IsOptimistic bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Enrichment is the analysis sub-document of a Thought. All fields are
// optional; the queue workers fill them in independently.
type Enrichment struct {
	// Category is the single best-fit category label.
	Category string

	// CategoryConfidence is the categorizer's self-reported confidence.
	CategoryConfidence float64

	// Tags is an unordered, de-duplicated label set.
	Tags []string

	// Entities holds extracted named entities. Nil until extraction ran.
	Entities *Entities

	// Reminder holds the parsed reminder intent. Nil until parsing ran.
	Reminder *Reminder
}

// Entities groups named entities extracted from a thought's content.
type Entities struct {
	People        []string
	Places        []string
	Dates         []string
	Organizations []string
	Topics        []string
}

// Reminder is the parsed reminder intent of a thought.
type Reminder struct {
	// HasReminder reports whether the content expresses a reminder at all.
	HasReminder bool

	// When is the resolved reminder time. Nil when the content names no
	// resolvable time.
	When *time.Time

	// Description is the reminder's action text (e.g., "call the dentist").
	Description string
}

// ActionType classifies an OfflineAction.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// OfflineAction is a write that could not reach the backing store. Actions
// are replayed strictly in enqueue order per TargetID once connectivity
// returns; cross-target ordering is not guaranteed.
type OfflineAction struct {
	Type       ActionType
	TargetID   string
	Payload    Thought
	EnqueuedAt time.Time
}

// Clone returns a deep copy of t. The reconciler hands clones to observers so
// callbacks can never mutate owned state.
func (t Thought) Clone() Thought {
	out := t
	if t.Confidence != nil {
		c := *t.Confidence
		out.Confidence = &c
	}
	out.Enrichment = t.Enrichment.clone()
	return out
}

func (e Enrichment) clone() Enrichment {
	out := e
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	if e.Entities != nil {
		ents := Entities{
			People:        append([]string(nil), e.Entities.People...),
			Places:        append([]string(nil), e.Entities.Places...),
			Dates:         append([]string(nil), e.Entities.Dates...),
			Organizations: append([]string(nil), e.Entities.Organizations...),
			Topics:        append([]string(nil), e.Entities.Topics...),
		}
		out.Entities = &ents
	}
	if e.Reminder != nil {
		r := *e.Reminder
		if e.Reminder.When != nil {
			w := *e.Reminder.When
			r.When = &w
		}
		out.Reminder = &r
	}
	return out
}
