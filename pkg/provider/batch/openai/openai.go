// Package openai provides a batch transcriber backed by the OpenAI audio
// transcription API (whisper-1 / gpt-4o-transcribe).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/halcyonlabs/murmur/pkg/provider/batch"
)

const (
	defaultModel   = oai.AudioModelWhisper1
	defaultTimeout = 60 * time.Second

	// defaultConfidence is reported because the plain transcription
	// response carries no confidence. A documented heuristic.
	defaultConfidence = 0.9
)

// Compile-time interface assertion.
var _ batch.Transcriber = (*Transcriber)(nil)

// Option is a functional option for the Transcriber.
type Option func(*config)

type config struct {
	model    oai.AudioModel
	baseURL  string
	timeout  time.Duration
	language string
}

// WithModel overrides the transcription model (default whisper-1).
func WithModel(model string) Option {
	return func(c *config) { c.model = oai.AudioModel(model) }
}

// WithBaseURL overrides the default OpenAI API base URL (e.g., for a proxy
// or an OpenAI-compatible local server).
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithLanguage sets the ISO-639-1 input language hint.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Transcriber implements batch.Transcriber using the OpenAI API.
type Transcriber struct {
	client   oai.Client
	model    oai.AudioModel
	language string
}

// New constructs a Transcriber. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel, timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Transcriber{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		language: cfg.language,
	}, nil
}

// Accepts implements batch.Transcriber. The API decodes the common capture
// containers; WAV first because that is what the pipeline produces natively.
func (t *Transcriber) Accepts() []string {
	return []string{batch.MimeWAV, batch.MimeWebM, batch.MimeOgg, batch.MimeMP4}
}

// Transcribe implements batch.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, clip []byte, mime string) (batch.Result, error) {
	filename, ok := filenameFor(mime)
	if !ok {
		return batch.Result{}, fmt.Errorf("openai: %q: %w", mime, batch.ErrUnsupportedFormat)
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(clip), filename, mime),
		Model: t.model,
	}
	if t.language != "" {
		params.Language = oai.String(t.language)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return batch.Result{}, fmt.Errorf("openai: transcription request: %w (%w)", err, batch.ErrUnavailable)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return batch.Result{}, batch.ErrNoSpeech
	}
	return batch.Result{Text: text, Confidence: defaultConfidence}, nil
}

// filenameFor maps a MIME hint to the upload filename the API expects.
func filenameFor(mime string) (string, bool) {
	switch mime {
	case batch.MimeWAV:
		return "clip.wav", true
	case batch.MimeWebM:
		return "clip.webm", true
	case batch.MimeOgg:
		return "clip.ogg", true
	case batch.MimeMP4:
		return "clip.m4a", true
	default:
		return "", false
	}
}
