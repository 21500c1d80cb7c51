package observe

// WarningKind classifies the non-fatal degradations surfaced through the
// OnWarning callbacks, so frontends can route them (toast, badge, log) without
// parsing message text.
type WarningKind string

const (
	// WarnStreamingUnavailable: the streaming recognizer could not be
	// started; the session continues batch-only.
	WarnStreamingUnavailable WarningKind = "streaming_unavailable"

	// WarnStreamingInterrupted: a live streaming session broke mid-capture
	// or its final flush timed out; partial segments are still used.
	WarnStreamingInterrupted WarningKind = "streaming_interrupted"

	// WarnSessionTimeout: the capture hit the session length cap and was
	// finalized automatically.
	WarnSessionTimeout WarningKind = "session_timeout"

	// WarnBatchFailed: batch transcription failed; the streaming transcript
	// carries the session alone.
	WarnBatchFailed WarningKind = "batch_failed"

	// WarnLowConfidence: the accepted transcript's confidence is low enough
	// that the user may want to review it.
	WarnLowConfidence WarningKind = "low_confidence"

	// WarnEnrichmentExhausted: an enrichment task gave up after exhausting
	// its retry budget.
	WarnEnrichmentExhausted WarningKind = "enrichment_exhausted"

	// WarnSyncDeferred: a durable write failed and was queued for offline
	// replay.
	WarnSyncDeferred WarningKind = "sync_deferred"

	// WarnConflictDiscarded: a remote update lost a last-write-wins
	// resolution and was dropped.
	WarnConflictDiscarded WarningKind = "conflict_discarded"

	// WarnStaleActionDropped: an offline action aged past the replay cutoff
	// and its write was lost.
	WarnStaleActionDropped WarningKind = "stale_action_dropped"
)
