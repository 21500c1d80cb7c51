package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/halcyonlabs/murmur/internal/observe"
	"github.com/halcyonlabs/murmur/internal/resilience"
	"github.com/halcyonlabs/murmur/pkg/audio"
	audiomock "github.com/halcyonlabs/murmur/pkg/audio/mock"
	"github.com/halcyonlabs/murmur/pkg/provider/batch"
	batchmock "github.com/halcyonlabs/murmur/pkg/provider/batch/mock"
	"github.com/halcyonlabs/murmur/pkg/provider/stt"
	sttmock "github.com/halcyonlabs/murmur/pkg/provider/stt/mock"
	"github.com/halcyonlabs/murmur/pkg/thought"
)

// loudFrame is 20 ms of 16 kHz mono PCM at roughly half amplitude.
func loudFrame() []byte {
	f := make([]byte, 640)
	for i := 0; i < len(f); i += 2 {
		f[i] = 0x00
		f[i+1] = 0x40
	}
	return f
}

// silentFrame is 20 ms of digital silence.
func silentFrame() []byte {
	return make([]byte, 640)
}

func frames(n int, frame func() []byte) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = frame()
	}
	return out
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func singleChain(tr batch.Transcriber) *resilience.Chain[batch.Transcriber] {
	c := NewBatchChain(resilience.BreakerConfig{})
	c.Add("mock", tr)
	return c
}

// resultRecorder captures the OnResult callback.
type resultRecorder struct {
	ch chan struct{}

	mu  sync.Mutex
	res Result
	err error
}

func newResultRecorder() *resultRecorder {
	return &resultRecorder{ch: make(chan struct{}, 1)}
}

func (r *resultRecorder) callback() func(Result, error) {
	return func(res Result, err error) {
		r.mu.Lock()
		r.res, r.err = res, err
		r.mu.Unlock()
		r.ch <- struct{}{}
	}
}

func (r *resultRecorder) wait(t *testing.T) (Result, error) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session result")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.res, r.err
}

func TestSession_StreamingWins(t *testing.T) {
	device := &audiomock.Device{Script: frames(5, loudFrame), FrameInterval: time.Millisecond}
	recognizer := &sttmock.Recognizer{Script: []stt.Segment{
		{Text: "remember to", IsFinal: false},
		{Text: "remember to call the dentist", IsFinal: true, Confidence: 0.93},
	}}
	rec := newResultRecorder()
	tr := &batchmock.Transcriber{Result: batch.Result{Text: "remember to call the dentist", Confidence: 0.9}}

	c, err := New(Config{
		Device:     device,
		Recognizer: recognizer,
		Batch:      singleChain(tr),
		Metrics:    testMetrics(t),
		Events:     Events{OnResult: rec.callback()},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := rec.wait(t)
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if res.Source != thought.SourceStreaming {
		t.Errorf("source = %q, want streaming", res.Source)
	}
	if res.Text != "remember to call the dentist" || res.Confidence != 0.93 {
		t.Errorf("result = %+v", res)
	}
	if got := c.State(); got != StateDone {
		t.Errorf("state = %v, want done", got)
	}

	sessions := recognizer.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("recognizer sessions = %d", len(sessions))
	}
	if !sessions[0].Closed() {
		t.Error("recognizer session was not closed")
	}
	if len(sessions[0].Audio()) == 0 {
		t.Error("no audio was forwarded to the recognizer")
	}

	// A streaming transcript past the length threshold settles the session;
	// the batch transcriber must never run.
	if calls := tr.Calls(); len(calls) != 0 {
		t.Errorf("batch transcriber ran %d times for a long streaming final", len(calls))
	}
}

func TestSession_LowConfidenceStreamStillCorroborated(t *testing.T) {
	device := &audiomock.Device{Script: frames(5, loudFrame)}
	recognizer := &sttmock.Recognizer{Script: []stt.Segment{
		{Text: "remember to call the dentist", IsFinal: true, Confidence: 0.3},
	}}
	tr := &batchmock.Transcriber{Result: batch.Result{Text: "remember to call the dentist", Confidence: 0.9}}
	rec := newResultRecorder()

	c, err := New(Config{
		Device:     device,
		Recognizer: recognizer,
		Batch:      singleChain(tr),
		Tuning:     Tuning{CorroborateBelow: 0.6},
		Metrics:    testMetrics(t),
		Events:     Events{OnResult: rec.callback()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := rec.wait(t)
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if res.Source != thought.SourceStreaming {
		t.Errorf("source = %q, want streaming (batch agreed)", res.Source)
	}
	if len(tr.Calls()) != 1 {
		t.Errorf("batch calls = %d, want 1 for corroboration", len(tr.Calls()))
	}
}

func TestSession_BatchWinsOverShortStream(t *testing.T) {
	device := &audiomock.Device{Script: frames(5, loudFrame)}
	recognizer := &sttmock.Recognizer{Script: []stt.Segment{
		{Text: "uh", IsFinal: true, Confidence: 0.4},
	}}
	tr := &batchmock.Transcriber{Result: batch.Result{Text: "pick up groceries after work", Confidence: 0.9}}
	rec := newResultRecorder()

	c, err := New(Config{
		Device:     device,
		Recognizer: recognizer,
		Batch:      singleChain(tr),
		Metrics:    testMetrics(t),
		Events:     Events{OnResult: rec.callback()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := rec.wait(t)
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if res.Source != thought.SourceBatch || res.Text != "pick up groceries after work" {
		t.Errorf("result = %+v", res)
	}

	calls := tr.Calls()
	if len(calls) != 1 || calls[0].Mime != batch.MimeWAV {
		t.Fatalf("batch calls = %+v", calls)
	}
	if len(calls[0].Clip) < 44 || string(calls[0].Clip[0:4]) != "RIFF" {
		t.Error("batch clip is not a WAV container")
	}
}

func TestSession_BothEmptyFailsWithNoSpeech(t *testing.T) {
	device := &audiomock.Device{Script: frames(5, loudFrame)}
	recognizer := &sttmock.Recognizer{}
	rec := newResultRecorder()

	c, err := New(Config{
		Device:     device,
		Recognizer: recognizer,
		Batch:      singleChain(&batchmock.Transcriber{Err: batch.ErrNoSpeech}),
		Metrics:    testMetrics(t),
		Events:     Events{OnResult: rec.callback()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err = rec.wait(t)
	if !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("err = %v, want ErrNoSpeech", err)
	}
	if got := c.State(); got != StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestSession_StartWhileRecording(t *testing.T) {
	device := &audiomock.Device{Script: frames(200, loudFrame), FrameInterval: 5 * time.Millisecond}
	rec := newResultRecorder()

	c, err := New(Config{
		Device:  device,
		Batch:   singleChain(&batchmock.Transcriber{Result: batch.Result{Text: "some thought text", Confidence: 0.9}}),
		Metrics: testMetrics(t),
		Events:  Events{OnResult: rec.callback()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second Start err = %v, want ErrAlreadyRecording", err)
	}

	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rec.wait(t)
}

func TestSession_CancelDiscards(t *testing.T) {
	device := &audiomock.Device{Script: frames(200, loudFrame), FrameInterval: 5 * time.Millisecond}
	tr := &batchmock.Transcriber{Result: batch.Result{Text: "should never be used", Confidence: 0.9}}

	c, err := New(Config{
		Device:  device,
		Batch:   singleChain(tr),
		Metrics: testMetrics(t),
		Events: Events{OnResult: func(Result, error) {
			t.Error("OnResult fired for a canceled session")
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The session tears down asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want idle after cancel", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if len(tr.Calls()) != 0 {
		t.Error("batch transcriber was called for a canceled session")
	}
	if _, err := c.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Stop after cancel err = %v, want ErrNotRecording", err)
	}
}

type denyingPermissions struct{}

func (denyingPermissions) RequestMicrophoneAccess(context.Context) audio.Permission {
	return audio.PermissionDenied
}

func TestSession_PermissionDenied(t *testing.T) {
	c, err := New(Config{
		Device:      &audiomock.Device{Script: frames(5, loudFrame)},
		Permissions: denyingPermissions{},
		Metrics:     testMetrics(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start err = %v, want ErrPermissionDenied", err)
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestSession_DeviceUnavailable(t *testing.T) {
	c, err := New(Config{
		Device:  &audiomock.Device{OpenErr: audio.ErrDeviceUnavailable},
		Metrics: testMetrics(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Start err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestSession_DeviceUnavailableRetriesOnce(t *testing.T) {
	device := &audiomock.Device{Script: frames(5, loudFrame), FailOpens: 1}
	rec := newResultRecorder()

	c, err := New(Config{
		Device:  device,
		Batch:   singleChain(&batchmock.Transcriber{Result: batch.Result{Text: "a thought after a retry", Confidence: 0.9}}),
		Metrics: testMetrics(t),
		Events:  Events{OnResult: rec.callback()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start should retry a transiently unavailable device: %v", err)
	}

	res, err := rec.wait(t)
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if res.Text != "a thought after a retry" {
		t.Errorf("result = %+v", res)
	}
	if device.OpenCount() != 1 {
		t.Errorf("successful opens = %d, want 1", device.OpenCount())
	}
}

func TestSession_StreamingFailureDegradesToBatch(t *testing.T) {
	device := &audiomock.Device{Script: frames(5, loudFrame)}
	recognizer := &sttmock.Recognizer{StartErr: stt.ErrServiceUnavailable}
	rec := newResultRecorder()

	var warnKinds []observe.WarningKind
	var warnMu sync.Mutex

	c, err := New(Config{
		Device:     device,
		Recognizer: recognizer,
		Batch:      singleChain(&batchmock.Transcriber{Result: batch.Result{Text: "the batch transcript wins", Confidence: 0.9}}),
		Metrics:    testMetrics(t),
		Events: Events{
			OnResult: rec.callback(),
			OnWarning: func(kind observe.WarningKind, _ string) {
				warnMu.Lock()
				warnKinds = append(warnKinds, kind)
				warnMu.Unlock()
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start should degrade, not fail: %v", err)
	}

	res, err := rec.wait(t)
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if res.Source != thought.SourceBatch {
		t.Errorf("source = %q, want batch", res.Source)
	}
	warnMu.Lock()
	defer warnMu.Unlock()
	if len(warnKinds) == 0 {
		t.Fatal("no degradation warning was emitted")
	}
	if warnKinds[0] != observe.WarnStreamingUnavailable {
		t.Errorf("warning kind = %q, want %q", warnKinds[0], observe.WarnStreamingUnavailable)
	}
}

func TestSession_StateTransitions(t *testing.T) {
	device := &audiomock.Device{Script: frames(5, loudFrame)}
	rec := newResultRecorder()

	var mu sync.Mutex
	var seen []State

	c, err := New(Config{
		Device: device,
		Batch:  singleChain(&batchmock.Transcriber{Result: batch.Result{Text: "a complete thought here", Confidence: 0.9}}),
		Events: Events{
			OnResult: rec.callback(),
			OnStateChange: func(_, next State) {
				mu.Lock()
				seen = append(seen, next)
				mu.Unlock()
			},
		},
		Metrics: testMetrics(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateRecording, StateFinalizing, StateArbitrating, StateDone}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}

func TestSession_SilenceAutoStop(t *testing.T) {
	script := append(frames(3, loudFrame), frames(50, silentFrame)...)
	device := &audiomock.Device{Script: script, FrameInterval: time.Millisecond}
	tr := &batchmock.Transcriber{Result: batch.Result{Text: "short and sweet note", Confidence: 0.9}}
	rec := newResultRecorder()

	c, err := New(Config{
		Device:  device,
		Batch:   singleChain(tr),
		Tuning:  Tuning{SilenceMs: 40},
		Metrics: testMetrics(t),
		Events:  Events{OnResult: rec.callback()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := rec.wait(t)
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if res.Text != "short and sweet note" {
		t.Errorf("result = %+v", res)
	}

	// The session should have stopped well before the script ran out.
	calls := tr.Calls()
	if len(calls) != 1 {
		t.Fatalf("batch calls = %d", len(calls))
	}
	total := 53 * 640
	if got := len(calls[0].Clip) - 44; got >= total/2 {
		t.Errorf("clip holds %d PCM bytes; silence auto-stop appears not to have fired", got)
	}
}

func TestSession_TimeoutFinalizes(t *testing.T) {
	device := &audiomock.Device{Script: frames(1000, loudFrame), FrameInterval: 5 * time.Millisecond}
	rec := newResultRecorder()

	c, err := New(Config{
		Device:  device,
		Batch:   singleChain(&batchmock.Transcriber{Result: batch.Result{Text: "a long dictation cut off", Confidence: 0.9}}),
		Tuning:  Tuning{SessionTimeout: 50 * time.Millisecond},
		Metrics: testMetrics(t),
		Events:  Events{OnResult: rec.callback()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := rec.wait(t); err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if got := c.State(); got != StateDone {
		t.Errorf("state = %v, want done", got)
	}
}

func TestSession_StopWithoutStart(t *testing.T) {
	c, err := New(Config{Device: &audiomock.Device{}, Metrics: testMetrics(t)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Stop err = %v, want ErrNotRecording", err)
	}
	if err := c.Cancel(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Cancel err = %v, want ErrNotRecording", err)
	}
}

func TestSession_RestartAfterDone(t *testing.T) {
	rec := newResultRecorder()
	device := &audiomock.Device{Script: frames(5, loudFrame)}

	c, err := New(Config{
		Device:  device,
		Batch:   singleChain(&batchmock.Transcriber{Result: batch.Result{Text: "first captured thought", Confidence: 0.9}}),
		Metrics: testMetrics(t),
		Events:  Events{OnResult: rec.callback()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart after done: %v", err)
	}
	rec.wait(t)
	if device.OpenCount() != 2 {
		t.Errorf("device opened %d times, want 2", device.OpenCount())
	}
}
