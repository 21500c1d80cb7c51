// Package audio defines the capture-side audio contracts for murmur: the
// [Frame] unit, the [Device] and [Stream] interfaces wrapping microphone
// access, a bounded drop-oldest [FrameBuffer] that protects the hardware
// callback from slow consumers, and PCM utility code (RMS level metering,
// resampling, WAV encoding, Opus decode).
package audio

import "time"

// Frame is a single chunk of captured audio flowing through the pipeline.
// Frames are ephemeral: they are owned by the capture session and discarded
// when the session ends.
type Frame struct {
	// Data is raw PCM (16-bit signed little-endian) or an Opus packet,
	// depending on the device's Encoding.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input, 48000 for Opus capture).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Sequence is a per-stream monotonically increasing frame counter.
	// Delivery is in strict sequence order within one capture session.
	Sequence uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Encoding identifies the payload format of a device's frames.
type Encoding string

const (
	// EncodingPCM16 is raw 16-bit signed little-endian PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingOpus is an Opus packet per frame; callers decode via [OpusDecoder].
	EncodingOpus Encoding = "opus"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}
