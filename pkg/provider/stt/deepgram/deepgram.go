// Package deepgram provides a Deepgram-backed streaming recognizer using the
// Deepgram real-time WebSocket API. It implements stt.Recognizer.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/halcyonlabs/murmur/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Compile-time interface assertion.
var _ stt.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring the Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) { r.model = model }
}

// WithLanguage sets the BCP-47 language code (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(r *Recognizer) { r.language = language }
}

// WithSampleRate sets the default audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(r *Recognizer) { r.sampleRate = rate }
}

// WithEndpoint overrides the streaming endpoint URL (self-hosted Deepgram,
// tests).
func WithEndpoint(endpoint string) Option {
	return func(r *Recognizer) { r.endpoint = endpoint }
}

// Recognizer implements stt.Recognizer backed by the Deepgram streaming API.
type Recognizer struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New creates a Deepgram Recognizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	r := &Recognizer{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// StartStream opens a streaming recognition session with Deepgram. ctx covers
// the dial only; the returned session lives until Close or connection failure.
// Dial failures map to [stt.ErrServiceUnavailable] so the arbiter can fall
// back to batch transcription.
func (r *Recognizer) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := r.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w (%w)", err, stt.ErrServiceUnavailable)
	}

	sess := &session{
		conn:     conn,
		segments: make(chan stt.Segment, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	// The session outlives the Start call: the read and write loops run on
	// their own context so a cancelled caller context (an HTTP request that
	// has already returned, say) does not kill a live session. The loops
	// stop via Close or when the connection fails.
	sessCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	sess.wg.Add(2)
	go sess.readLoop(sessCtx)
	go sess.writeLoop(sessCtx)

	return sess, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (r *Recognizer) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = r.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = r.sampleRate
	}

	q := u.Query()
	q.Set("model", r.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure of a Deepgram Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// closeGrace bounds how long Close waits for the flush after CloseStream.
// If Deepgram does not close the socket in time the loop context is
// cancelled so Close cannot hang.
const closeGrace = 3 * time.Second

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	segments chan stt.Segment
	audio    chan []byte
	cancel   context.CancelFunc

	seq       uint64 // owned by readLoop
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// markDone signals terminal state. Idempotent; called from Close and from
// either loop when the connection dies, so a blocked SendAudio always errors
// out instead of waiting on a writer that no longer exists.
func (s *session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// SendAudio queues a PCM chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Segments returns the segment channel.
func (s *session) Segments() <-chan stt.Segment { return s.segments }

// Close terminates the session cleanly, asking Deepgram to flush pending audio.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.markDone()

		wctx, wcancel := context.WithTimeout(context.Background(), closeGrace)
		_ = s.conn.Write(wctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		wcancel()

		// readLoop sits in conn.Read until the server closes the socket;
		// bound that wait so a wedged connection cannot hang Close.
		flush := time.AfterFunc(closeGrace, s.cancel)
		s.wg.Wait()
		flush.Stop()

		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop forwards audio chunks as binary WebSocket messages.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.markDone()
				return
			}
		case <-s.done:
			// Drain pending audio before exiting so the flush sees it.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON results and dispatches them as segments.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.segments)
	defer s.markDone()

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or connection failure.
			return
		}

		seg, ok := parseResponse(msg)
		if !ok {
			continue
		}
		seg.Sequence = s.seq
		s.seq++

		select {
		case s.segments <- seg:
		case <-s.done:
		}
	}
}

// parseResponse parses a raw Deepgram message into a Segment.
// Returns (zero, false) for messages that should be ignored.
func parseResponse(data []byte) (stt.Segment, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Segment{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Segment{}, false
	}

	alt := resp.Channel.Alternatives[0]
	return stt.Segment{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
	}, true
}
