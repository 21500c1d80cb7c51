// Package stt defines the Recognizer interface for low-latency streaming
// speech-to-text backends.
//
// A streaming recognizer consumes raw PCM audio incrementally and emits
// [Segment] values while audio is still being captured: interim segments that
// may be revised, and final segments that commit a span of the utterance. The
// capture arbiter tracks the latest final text rather than accumulating every
// segment, because a later segment for the same logical span supersedes the
// earlier interim one.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// Recognizer error taxonomy. All are non-fatal to the capture pipeline: the
// arbiter treats any of them as "streaming produced nothing usable" and falls
// back to batch transcription.
var (
	ErrNoSpeechDetected   = errors.New("stt: no speech detected")
	ErrServiceUnavailable = errors.New("stt: service unavailable")
	ErrNotSupported       = errors.New("stt: streaming recognition not supported")
)

// Segment is one streaming transcript fragment.
type Segment struct {
	// Text is the recognized text for this segment's span.
	Text string

	// IsFinal marks the segment as committed. Interim (IsFinal=false)
	// segments may be superseded by a later segment for the same span.
	IsFinal bool

	// Confidence is the source-reported confidence in [0, 1], or 0 when the
	// backend does not report one (the arbiter substitutes its documented
	// defaults: 0.8 final, 0.5 interim).
	Confidence float64

	// Sequence increases monotonically per session. Delivery is in
	// non-decreasing sequence order.
	Sequence uint64
}

// StreamConfig describes the audio format for a new recognizer session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz (16000 recommended).
	SampleRate int

	// Channels is the channel count; most backends require mono.
	Channels int

	// Language is the BCP-47 recognition language tag. Empty lets the
	// backend auto-detect where supported.
	Language string
}

// SessionHandle is an open streaming recognition session.
//
// Callers must call Close when done; failing to do so may leak goroutines and
// network connections inside the backend. All methods are safe for concurrent
// use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw 16-bit LE PCM matching StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Segments returns the segment channel. Closed when the session ends.
	Segments() <-chan Segment

	// Close flushes pending audio and releases all resources. Safe to call
	// more than once; subsequent calls return nil.
	Close() error
}

// Recognizer is the abstraction over any streaming STT backend.
type Recognizer interface {
	// StartStream opens a session ready to accept audio immediately.
	// The caller owns the handle and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
