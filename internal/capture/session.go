package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/halcyonlabs/murmur/internal/observe"
	"github.com/halcyonlabs/murmur/internal/resilience"
	"github.com/halcyonlabs/murmur/pkg/audio"
	"github.com/halcyonlabs/murmur/pkg/provider/batch"
	"github.com/halcyonlabs/murmur/pkg/provider/stt"
)

var (
	// ErrAlreadyRecording is returned by Start while a session is live.
	ErrAlreadyRecording = errors.New("capture: session already recording")

	// ErrNotRecording is returned by Stop and Cancel without a live session.
	ErrNotRecording = errors.New("capture: no session recording")
)

const (
	// silenceRMS is the normalized level below which a frame counts as
	// silence for auto-stop purposes.
	silenceRMS = 0.01

	// flushGrace bounds how long finalization waits for the streaming
	// recognizer to deliver its last segments.
	flushGrace = 3 * time.Second
)

// Tuning holds the hot-reloadable session knobs.
type Tuning struct {
	// SilenceMs auto-stops recording after this much trailing silence once
	// speech has been heard. 0 disables silence detection.
	SilenceMs int

	// SessionTimeout is the hard cap on recording length.
	SessionTimeout time.Duration

	// MinStreamChars and CorroborateBelow feed [Arbitrate].
	MinStreamChars   int
	CorroborateBelow float64
}

func (t *Tuning) normalize() {
	if t.SessionTimeout <= 0 {
		t.SessionTimeout = 5 * time.Minute
	}
	if t.MinStreamChars <= 0 {
		t.MinStreamChars = defaultMinStreamChars
	}
}

// Config assembles a [Controller]'s collaborators.
type Config struct {
	// Device is the capture source. Required.
	Device audio.Device

	// Permissions mediates microphone access. Nil skips the check (daemons,
	// tests).
	Permissions audio.PermissionSource

	// Recognizer is the streaming backend. Nil runs batch-only.
	Recognizer stt.Recognizer

	// Batch is the ordered batch transcriber chain. Nil or empty runs
	// streaming-only.
	Batch *resilience.Chain[batch.Transcriber]

	// Language is the recognition language passed to the recognizer.
	Language string

	// Tuning holds the session knobs; zero values get defaults.
	Tuning Tuning

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Events are the observer callbacks.
	Events Events
}

// Controller runs at most one capture session at a time and owns the
// Idle → Recording → Finalizing → Arbitrating → Done/Failed lifecycle.
// All methods are safe for concurrent use.
type Controller struct {
	device      audio.Device
	permissions audio.PermissionSource
	recognizer  stt.Recognizer
	chain       *resilience.Chain[batch.Transcriber]
	language    string
	metrics     *observe.Metrics
	events      Events

	mu     sync.Mutex
	tuning Tuning
	state  State
	sess   *session
}

// session is the per-recording state, replaced on every Start.
type session struct {
	stream    audio.Stream
	sttSess   stt.SessionHandle
	format    audio.Format
	startedAt time.Time

	clip        bytes.Buffer
	lastDropped uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	cancelCh chan struct{}
	cancOnce sync.Once
	doneCh   chan struct{}

	segMu      sync.Mutex
	finals     []string
	finalConf  float64
	interim    string
	collectorC chan struct{}

	result Result
	err    error
}

func (s *session) signalStop()   { s.stopOnce.Do(func() { close(s.stopCh) }) }
func (s *session) signalCancel() { s.cancOnce.Do(func() { close(s.cancelCh) }) }

// NewBatchChain builds a transcriber chain for [Config.Batch] that treats a
// no-speech determination as terminal rather than as a backend failure, so
// silence neither trips breakers nor falls through to the next transcriber.
func NewBatchChain(breaker resilience.BreakerConfig) *resilience.Chain[batch.Transcriber] {
	return resilience.NewChain[batch.Transcriber](resilience.ChainConfig{
		Breaker:  breaker,
		Terminal: func(err error) bool { return errors.Is(err, batch.ErrNoSpeech) },
	})
}

// New creates an idle [Controller].
func New(cfg Config) (*Controller, error) {
	if cfg.Device == nil {
		return nil, errors.New("capture: Config.Device is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	cfg.Tuning.normalize()
	return &Controller{
		device:      cfg.Device,
		permissions: cfg.Permissions,
		recognizer:  cfg.Recognizer,
		chain:       cfg.Batch,
		language:    cfg.Language,
		metrics:     cfg.Metrics,
		events:      cfg.Events,
		tuning:      cfg.Tuning,
		state:       StateIdle,
	}, nil
}

// ApplyTuning replaces the hot-reloadable knobs. A live session picks up the
// arbitration knobs; SilenceMs and SessionTimeout apply from the next Start.
func (c *Controller) ApplyTuning(t Tuning) {
	t.normalize()
	c.mu.Lock()
	c.tuning = t
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Level returns the live input level in [0, 1], or 0 when idle.
func (c *Controller) Level() float64 {
	c.mu.Lock()
	sess := c.sess
	state := c.state
	c.mu.Unlock()
	if sess == nil || state != StateRecording {
		return 0
	}
	return sess.stream.Level()
}

// Start begins a new capture session. It returns [ErrAlreadyRecording] while
// a session is live, and the device error taxonomy
// ([audio.ErrPermissionDenied], [audio.ErrDeviceUnavailable],
// [audio.ErrNotSupported]) when the microphone cannot be acquired.
// [audio.ErrDeviceUnavailable] gets one automatic retry first.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateRecording, StateFinalizing, StateArbitrating:
		c.mu.Unlock()
		return ErrAlreadyRecording
	}
	tuning := c.tuning
	c.mu.Unlock()

	if c.permissions != nil {
		switch c.permissions.RequestMicrophoneAccess(ctx) {
		case audio.PermissionDenied:
			return audio.ErrPermissionDenied
		case audio.PermissionUnsupported:
			return audio.ErrNotSupported
		}
	}

	stream, err := c.device.Open(ctx)
	if errors.Is(err, audio.ErrDeviceUnavailable) {
		// Transient device contention gets one automatic retry before the
		// error reaches the caller.
		slog.Warn("audio device unavailable, retrying once", "error", err)
		stream, err = c.device.Open(ctx)
	}
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}

	format := c.device.Format()
	s := &session{
		stream:     stream,
		format:     format,
		startedAt:  time.Now(),
		stopCh:     make(chan struct{}),
		cancelCh:   make(chan struct{}),
		doneCh:     make(chan struct{}),
		collectorC: make(chan struct{}),
	}

	// Streaming is best-effort: a failed session start degrades to
	// batch-only instead of failing the capture.
	if c.recognizer != nil {
		sttSess, err := c.recognizer.StartStream(ctx, stt.StreamConfig{
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			Language:   c.language,
		})
		if err != nil {
			slog.Warn("streaming recognizer unavailable, continuing batch-only", "error", err)
			c.metrics.RecordProviderError(context.Background(), "streaming", "stt")
			c.events.warn(observe.WarnStreamingUnavailable, "streaming transcription unavailable; falling back to batch")
		} else {
			s.sttSess = sttSess
			go c.collectSegments(s)
		}
	}
	if s.sttSess == nil {
		close(s.collectorC)
	}

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	c.setState(StateRecording)
	c.metrics.ActiveSessions.Add(context.Background(), 1)

	go c.run(s, tuning)
	return nil
}

// Stop ends the live session and blocks until arbitration completes,
// returning the session result. Returns [ErrNotRecording] when idle.
func (c *Controller) Stop(ctx context.Context) (Result, error) {
	c.mu.Lock()
	s := c.sess
	state := c.state
	c.mu.Unlock()

	if s == nil || state == StateIdle || state == StateDone || state == StateFailed {
		return Result{}, ErrNotRecording
	}
	s.signalStop()

	select {
	case <-s.doneCh:
		return s.result, s.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("capture: waiting for result: %w", ctx.Err())
	}
}

// Cancel discards the live session without producing a thought. The state
// returns to Idle and no result callback fires.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	s := c.sess
	state := c.state
	c.mu.Unlock()

	if s == nil || state != StateRecording {
		return ErrNotRecording
	}
	s.signalCancel()
	return nil
}

// setState transitions the lifecycle state and notifies the observer.
func (c *Controller) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		c.events.stateChange(prev, next)
	}
}

// collectSegments drains the recognizer's segment channel for the whole
// session, tracking accumulated finals and the latest interim.
func (c *Controller) collectSegments(s *session) {
	defer close(s.collectorC)
	for seg := range s.sttSess.Segments() {
		s.segMu.Lock()
		if seg.IsFinal {
			if seg.Text != "" {
				s.finals = append(s.finals, seg.Text)
				s.finalConf = orDefault(seg.Confidence, defaultFinalConfidence)
			}
		} else if seg.Text != "" {
			s.interim = seg.Text
		}
		s.segMu.Unlock()
	}
}

// streamTranscript returns the best streaming candidate: joined finals when
// any exist, the latest interim otherwise.
func (s *session) streamTranscript() (text string, conf float64) {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	if len(s.finals) > 0 {
		joined := s.finals[0]
		for _, f := range s.finals[1:] {
			joined += " " + f
		}
		return joined, s.finalConf
	}
	return s.interim, defaultInterimConfidence
}

// run is the frame loop. It exits on stop, cancel, timeout, trailing silence,
// or the stream ending, then finalizes the session.
func (c *Controller) run(s *session, tuning Tuning) {
	ctx := context.Background()
	timeout := time.NewTimer(tuning.SessionTimeout)
	defer timeout.Stop()

	var (
		canceled    bool
		heardSpeech bool
		silentMs    int
		sendBroken  bool
	)

loop:
	for {
		select {
		case <-s.cancelCh:
			canceled = true
			break loop
		case <-s.stopCh:
			break loop
		case <-timeout.C:
			c.events.warn(observe.WarnSessionTimeout, "session timeout reached, finalizing")
			break loop
		case f, ok := <-s.stream.Frames():
			if !ok {
				break loop
			}
			s.clip.Write(f.Data)

			if s.sttSess != nil && !sendBroken {
				if err := s.sttSess.SendAudio(f.Data); err != nil {
					sendBroken = true
					slog.Warn("streaming send failed, continuing batch-only", "error", err)
					c.events.warn(observe.WarnStreamingInterrupted, "streaming transcription interrupted; falling back to batch")
				}
			}

			if c.events.OnLevel != nil {
				c.events.OnLevel(s.stream.Level())
			}
			if d := s.stream.Dropped(); d > s.lastDropped {
				c.metrics.FramesDropped.Add(ctx, int64(d-s.lastDropped))
				s.lastDropped = d
				if c.events.OnFramesDropped != nil {
					c.events.OnFramesDropped(d)
				}
			}

			// Trailing-silence auto-stop. The countdown only runs after
			// speech has been heard, so a quiet lead-in does not end the
			// session before the user starts talking.
			rms := audio.ComputeRMS(f.Data) / math.MaxInt16
			if rms < silenceRMS {
				if heardSpeech && tuning.SilenceMs > 0 {
					silentMs += audio.DurationMs(f.Data, f.SampleRate, f.Channels)
					if silentMs >= tuning.SilenceMs {
						break loop
					}
				}
			} else {
				heardSpeech = true
				silentMs = 0
			}
		}
	}

	if canceled {
		c.discard(s)
		return
	}
	c.finalize(ctx, s)
}

// discard tears a canceled session down without producing a result.
func (c *Controller) discard(s *session) {
	_ = s.stream.Close()
	if s.sttSess != nil {
		_ = s.sttSess.Close()
	}
	c.metrics.ActiveSessions.Add(context.Background(), -1)
	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()
	c.setState(StateIdle)
	close(s.doneCh)
}

// finalize flushes the streaming recognizer, runs batch transcription over
// the buffered clip when the streaming transcript cannot settle the verdict
// alone, and arbitrates.
func (c *Controller) finalize(ctx context.Context, s *session) {
	c.setState(StateFinalizing)

	_ = s.stream.Close()
	// Drain buffered tail audio so the clip holds everything captured.
	for f := range s.stream.Frames() {
		s.clip.Write(f.Data)
	}

	if s.sttSess != nil {
		_ = s.sttSess.Close()
		select {
		case <-s.collectorC:
		case <-time.After(flushGrace):
			c.events.warn(observe.WarnStreamingInterrupted, "streaming flush timed out; using segments received so far")
		}
	}

	c.setState(StateArbitrating)

	streamText, streamConf := s.streamTranscript()

	c.mu.Lock()
	tuning := c.tuning
	c.mu.Unlock()

	// A streaming transcript that meets the length threshold settles the
	// session on its own. Batch only runs when streaming came up short or
	// its confidence is low enough to warrant corroboration.
	var batchText string
	var batchConf float64
	if NeedsBatch(streamText, streamConf, tuning.MinStreamChars, tuning.CorroborateBelow) {
		batchText, batchConf = c.transcribeClip(ctx, s)
	}

	verdict, err := Arbitrate(Arbitration{
		StreamText:       streamText,
		StreamConfidence: streamConf,
		BatchText:        batchText,
		BatchConfidence:  batchConf,
		MinStreamChars:   tuning.MinStreamChars,
		CorroborateBelow: tuning.CorroborateBelow,
	})

	duration := time.Since(s.startedAt)
	c.metrics.ActiveSessions.Add(ctx, -1)

	if err != nil {
		s.err = err
		c.metrics.RecordCapture(ctx, "failed", "none", duration.Seconds())
		c.setState(StateFailed)
	} else {
		s.result = Result{
			Text:       verdict.Text,
			Source:     verdict.Source,
			Confidence: verdict.Confidence,
			Duration:   duration,
			Dropped:    s.lastDropped,
		}
		c.metrics.RecordCapture(ctx, "done", string(verdict.Source), duration.Seconds())
		c.setState(StateDone)
	}

	close(s.doneCh)
	if c.events.OnResult != nil {
		c.events.OnResult(s.result, s.err)
	}
}

// transcribeClip runs the batch chain over the buffered clip. A no-speech
// determination and an empty chain both yield empty text; chain failures are
// surfaced as warnings because streaming may still carry the session.
func (c *Controller) transcribeClip(ctx context.Context, s *session) (text string, conf float64) {
	if c.chain == nil || c.chain.Len() == 0 || s.clip.Len() == 0 {
		return "", 0
	}

	wav := audio.EncodeWAV(s.clip.Bytes(), s.format.SampleRate, s.format.Channels)

	res, err := resilience.Run(c.chain, func(name string, t batch.Transcriber) (batch.Result, error) {
		if !slices.Contains(t.Accepts(), batch.MimeWAV) {
			return batch.Result{}, resilience.ErrSkip
		}
		start := time.Now()
		r, terr := t.Transcribe(ctx, wav, batch.MimeWAV)
		c.metrics.BatchDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("backend", name)))
		if terr != nil && !errors.Is(terr, batch.ErrNoSpeech) {
			c.metrics.RecordProviderError(ctx, name, "batch")
		}
		return r, terr
	})
	if err != nil {
		if !errors.Is(err, batch.ErrNoSpeech) {
			slog.Warn("batch transcription failed", "error", err)
			c.events.warn(observe.WarnBatchFailed, "batch transcription failed; relying on streaming transcript")
		}
		return "", 0
	}
	return res.Text, res.Confidence
}
