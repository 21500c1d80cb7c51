// Package whisper provides a batch transcriber backed by a running
// whisper-server binary (whisper.cpp), which exposes a REST API at
// POST /inference accepting multipart WAV uploads.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/halcyonlabs/murmur/pkg/provider/batch"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// defaultConfidence is reported for successful transcriptions because
	// the whisper-server response carries no confidence field. A documented
	// heuristic, not a measured probability.
	defaultConfidence = 0.9
)

// Compile-time interface assertion.
var _ batch.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithModel sets the model identifier forwarded to the server (e.g.,
// "base.en"). When empty the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(t *Transcriber) { t.model = model }
}

// WithLanguage sets the BCP-47 language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) { t.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(t *Transcriber) { t.httpClient.Timeout = d }
}

// Transcriber implements batch.Transcriber against a whisper-server instance.
type Transcriber struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Transcriber that connects to the whisper-server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Transcriber, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Transcriber{
		serverURL:  serverURL,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Accepts implements batch.Transcriber. whisper-server decodes WAV only.
func (t *Transcriber) Accepts() []string {
	return []string{batch.MimeWAV}
}

// Transcribe implements batch.Transcriber. It uploads the clip as
// multipart/form-data to the /inference endpoint.
func (t *Transcriber) Transcribe(ctx context.Context, clip []byte, mime string) (batch.Result, error) {
	if !slices.Contains(t.Accepts(), mime) {
		return batch.Result{}, fmt.Errorf("whisper: %q: %w", mime, batch.ErrUnsupportedFormat)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "clip.wav")
	if err != nil {
		return batch.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(clip); err != nil {
		return batch.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	if t.language != "" {
		if err := mw.WriteField("language", t.language); err != nil {
			return batch.Result{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if t.model != "" {
		if err := mw.WriteField("model", t.model); err != nil {
			return batch.Result{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return batch.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := t.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return batch.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return batch.Result{}, fmt.Errorf("whisper: http request: %w (%w)", err, batch.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return batch.Result{}, fmt.Errorf("whisper: server returned HTTP %d: %w", resp.StatusCode, batch.ErrUnavailable)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return batch.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return batch.Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return batch.Result{}, batch.ErrNoSpeech
	}
	return batch.Result{Text: text, Confidence: defaultConfidence}, nil
}
