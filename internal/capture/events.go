// Package capture orchestrates one voice capture session at a time: it owns
// the device stream, feeds the streaming recognizer while buffering the full
// clip for batch transcription, and arbitrates between the two transcripts
// when the session ends.
package capture

import (
	"time"

	"github.com/halcyonlabs/murmur/internal/observe"
	"github.com/halcyonlabs/murmur/pkg/thought"
)

// State is the capture session lifecycle state.
type State int

const (
	// StateIdle means no session is active.
	StateIdle State = iota

	// StateRecording means frames are flowing and audio is being captured.
	StateRecording

	// StateFinalizing means recording has ended and the streaming recognizer
	// is flushing its last segments.
	StateFinalizing

	// StateArbitrating means batch transcription is running and the final
	// transcript is being decided.
	StateArbitrating

	// StateDone means the session produced a transcript.
	StateDone

	// StateFailed means the session ended without a usable transcript.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateArbitrating:
		return "arbitrating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the transcript a finished session produced.
type Result struct {
	// Text is the winning transcript.
	Text string

	// Source records which pipeline produced Text.
	Source thought.TranscriptSource

	// Confidence is the winning transcript's confidence in [0, 1].
	Confidence float64

	// Duration is the wall-clock session length, start to verdict.
	Duration time.Duration

	// Dropped is the number of frames discarded under back-pressure.
	Dropped uint64
}

// Events are optional observer callbacks. All callbacks are invoked from
// session goroutines and must not block; nil callbacks are skipped.
type Events struct {
	// OnStateChange fires on every lifecycle transition.
	OnStateChange func(old, new State)

	// OnLevel fires per frame with the smoothed input level in [0, 1].
	OnLevel func(level float64)

	// OnFramesDropped fires with the cumulative drop count each time the
	// frame buffer discards audio.
	OnFramesDropped func(total uint64)

	// OnWarning fires for non-fatal degradations (streaming unavailable,
	// batch fallback engaged, flush timeout). kind classifies the warning
	// for routing; msg is human-readable.
	OnWarning func(kind observe.WarningKind, msg string)

	// OnResult fires when a session completes, whether by explicit stop,
	// silence, or timeout. err is non-nil when the session failed.
	OnResult func(res Result, err error)
}

func (e Events) stateChange(old, new State) {
	if e.OnStateChange != nil {
		e.OnStateChange(old, new)
	}
}

func (e Events) warn(kind observe.WarningKind, msg string) {
	if e.OnWarning != nil {
		e.OnWarning(kind, msg)
	}
}
