package audio

import (
	"context"
	"errors"
)

// Error taxonomy for device access. Callers classify with errors.Is.
var (
	// ErrPermissionDenied means the user refused microphone access.
	// Terminal for the session; the user must re-grant.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceUnavailable means the device exists but could not be opened
	// (in use elsewhere, hardware fault). Retryable once.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrNotSupported means no capture device support exists on this
	// platform. Terminal; upstream falls back to typed input.
	ErrNotSupported = errors.New("audio: capture not supported")
)

// Permission is the outcome of a microphone access request.
type Permission int

const (
	PermissionGranted Permission = iota
	PermissionDenied
	PermissionUnsupported
)

// PermissionSource is the collaborator that mediates OS/browser microphone
// permission prompts. The first Open per session raises a prompt; subsequent
// opens reuse the grant while it remains valid.
type PermissionSource interface {
	RequestMicrophoneAccess(ctx context.Context) Permission
}

// Device wraps a capture source (microphone, line-in, test fixture).
// Implementations must be safe for concurrent use; a Device may be opened
// once at a time; concurrent session ownership is enforced one level up by
// the capture controller.
type Device interface {
	// Open acquires the hardware and starts frame delivery. The returned
	// [Stream] is exclusively owned by the caller until Close.
	//
	// Errors: [ErrPermissionDenied], [ErrDeviceUnavailable], [ErrNotSupported].
	Open(ctx context.Context) (Stream, error)

	// Format reports the frame format this device produces.
	Format() Format
}

// Stream is an open capture stream. Frame delivery is push-based through a
// bounded buffer; the producer side never blocks on a slow consumer.
type Stream interface {
	// Frames returns the frame channel. Closed when the stream ends.
	// Frames arrive in strict Sequence order; under consumer back-pressure
	// the oldest buffered frames are dropped, never the producer stalled.
	Frames() <-chan Frame

	// Level returns the current smoothed RMS input level in [0, 1],
	// updated at least at 30 Hz while frames are flowing.
	Level() float64

	// Dropped returns the cumulative number of frames discarded under
	// consumer back-pressure since Open.
	Dropped() uint64

	// Close releases the hardware. Idempotent: safe to call on any exit
	// path (error, explicit stop, session timeout).
	Close() error
}

// AlwaysGranted is a PermissionSource for environments where permission is
// managed out of band (daemons, tests).
type AlwaysGranted struct{}

func (AlwaysGranted) RequestMicrophoneAccess(context.Context) Permission {
	return PermissionGranted
}
