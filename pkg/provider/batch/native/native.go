// Package native provides an in-process batch transcriber backed by the
// whisper.cpp CGO bindings, eliminating all network and HTTP overhead. The
// whisper.cpp static library (libwhisper.a) and headers (whisper.h) must be
// available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
//
// The model is loaded once at construction and shared across all calls; each
// Transcribe creates its own whisper context (contexts are not thread-safe,
// the model is).
package native

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/halcyonlabs/murmur/pkg/provider/batch"
)

const (
	defaultLanguage = "en"

	// defaultConfidence is reported because whisper.cpp exposes no
	// clip-level confidence. A documented heuristic, not a measured value.
	defaultConfidence = 0.9
)

// Compile-time interface assertion.
var _ batch.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithLanguage sets the transcription language (e.g., "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) { t.language = lang }
}

// Transcriber implements batch.Transcriber using whisper.cpp in process.
type Transcriber struct {
	model    whisperlib.Model
	language string
}

// New creates a Transcriber that loads the whisper.cpp model from modelPath.
// The caller must call Close when the transcriber is no longer needed.
func New(modelPath string, opts ...Option) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("native: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("native: load model %q: %w", modelPath, err)
	}
	t := &Transcriber{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Close releases the whisper model.
func (t *Transcriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

// Accepts implements batch.Transcriber. Only RIFF/WAV clips are decoded.
func (t *Transcriber) Accepts() []string {
	return []string{batch.MimeWAV}
}

// Transcribe implements batch.Transcriber. The clip must be a 16-bit PCM WAV;
// multi-channel audio is down-mixed to mono before inference.
func (t *Transcriber) Transcribe(ctx context.Context, clip []byte, mime string) (batch.Result, error) {
	if !slices.Contains(t.Accepts(), mime) {
		return batch.Result{}, fmt.Errorf("native: %q: %w", mime, batch.ErrUnsupportedFormat)
	}
	if err := ctx.Err(); err != nil {
		return batch.Result{}, fmt.Errorf("native: context already cancelled: %w", err)
	}

	pcm, channels, err := decodeWAV(clip)
	if err != nil {
		return batch.Result{}, fmt.Errorf("native: %w (%w)", err, batch.ErrUnsupportedFormat)
	}

	samples := pcmToFloat32Mono(pcm, channels)

	wctx, err := t.model.NewContext()
	if err != nil {
		return batch.Result{}, fmt.Errorf("native: create context: %w", err)
	}
	if err := wctx.SetLanguage(t.language); err != nil {
		slog.Warn("native: failed to set language, using model default",
			"language", t.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return batch.Result{}, fmt.Errorf("native: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return batch.Result{}, fmt.Errorf("native: read segment: %w", err)
		}
		parts = append(parts, strings.TrimSpace(segment.Text))
	}

	text := strings.TrimSpace(strings.Join(parts, " "))
	if text == "" {
		return batch.Result{}, batch.ErrNoSpeech
	}
	return batch.Result{Text: text, Confidence: defaultConfidence}, nil
}

// decodeWAV extracts the 16-bit PCM payload and channel count from a RIFF/WAV
// container. Only uncompressed PCM (format tag 1) is supported.
func decodeWAV(wav []byte) (pcm []byte, channels int, err error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, errors.New("not a RIFF/WAV clip")
	}
	if format := binary.LittleEndian.Uint16(wav[20:22]); format != 1 {
		return nil, 0, fmt.Errorf("unsupported WAV format tag %d", format)
	}
	if bits := binary.LittleEndian.Uint16(wav[34:36]); bits != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth %d", bits)
	}
	channels = int(binary.LittleEndian.Uint16(wav[22:24]))
	if channels <= 0 {
		return nil, 0, errors.New("invalid channel count")
	}

	// Walk chunks from offset 12 to find "data"; the canonical 44-byte
	// header is the common case but extra chunks (LIST, fact) are legal.
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if id == "data" {
			end := body + size
			if end > len(wav) {
				end = len(wav)
			}
			return wav[body:end], channels, nil
		}
		off = body + size
		if size%2 == 1 {
			off++ // chunks are word-aligned
		}
	}
	return nil, 0, errors.New("missing data chunk")
}

// pcmToFloat32Mono converts 16-bit signed little-endian PCM to mono float32
// samples in [-1, 1], averaging all channels per frame.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	samplesPerChannel := len(pcm) / (2 * channels)
	mono := make([]float32, samplesPerChannel)
	for i := range samplesPerChannel {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
