// Package batch defines the Transcriber interface for whole-clip
// transcription backends.
//
// A batch transcriber takes a complete audio clip and returns a single
// transcript with an overall confidence. Latency is seconds rather than
// milliseconds, with typically higher accuracy than streaming recognition;
// the capture arbiter uses it as the fallback (or corroboration) source when
// the streaming path produced nothing usable.
//
// Implementations are stateless per call and idempotent up to service
// non-determinism. They must be safe for concurrent use.
package batch

import (
	"context"
	"errors"
)

// Well-known MIME types for capture clips.
const (
	MimeWAV  = "audio/wav"
	MimeOgg  = "audio/ogg"
	MimeWebM = "audio/webm"
	MimeMP4  = "audio/mp4"
)

// Transcriber error taxonomy.
var (
	// ErrNoSpeech means the clip decoded fine but contained no usable speech.
	ErrNoSpeech = errors.New("batch: no speech in clip")

	// ErrUnsupportedFormat means the backend cannot decode the supplied
	// container/codec. The caller should re-encode into one of the formats
	// listed by Accepts and retry.
	ErrUnsupportedFormat = errors.New("batch: unsupported audio format")

	// ErrUnavailable means the backend could not be reached or returned a
	// server error. Retryable against a fallback backend.
	ErrUnavailable = errors.New("batch: transcription service unavailable")
)

// Result is a completed batch transcription.
type Result struct {
	// Text is the full transcript of the clip.
	Text string

	// Confidence is the overall confidence in [0, 1]. Backends that report
	// no confidence substitute a documented default rather than zero.
	Confidence float64
}

// Transcriber is the abstraction over any batch transcription backend.
type Transcriber interface {
	// Transcribe submits a complete audio clip. mime hints at the clip's
	// container format (one of the Mime constants above). Callers must not
	// block a UI thread on this call; it runs for seconds.
	Transcribe(ctx context.Context, clip []byte, mime string) (Result, error)

	// Accepts lists the MIME types this backend can decode, in preference
	// order. Callers pick the first mutually supported encoding.
	Accepts() []string
}
