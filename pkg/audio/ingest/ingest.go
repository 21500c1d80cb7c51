// Package ingest provides a push-fed [audio.Device]: an external producer
// (typically an HTTP handler receiving microphone data from the UI process)
// pushes encoded or raw frames, and the capture pipeline consumes them like
// any other device. Opus payloads are decoded to PCM before buffering.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/halcyonlabs/murmur/pkg/audio"
)

// ErrNotOpen is returned by Push when no capture session has the device open.
var ErrNotOpen = errors.New("ingest: no open stream")

// Device is an [audio.Device] fed through [Device.Push]. One stream may be
// open at a time; a second Open while one is live fails with
// [audio.ErrDeviceUnavailable].
type Device struct {
	format audio.Format

	// BufferFrames overrides the stream's frame buffer capacity. Set before
	// the first Open; zero selects the package default.
	BufferFrames int

	mu  sync.Mutex
	cur *stream
}

// New creates a device announcing the given format. Zero fields default to
// 16 kHz mono PCM.
func New(format audio.Format) *Device {
	if format.SampleRate == 0 {
		format.SampleRate = 16000
	}
	if format.Channels == 0 {
		format.Channels = 1
	}
	if format.Encoding == "" {
		format.Encoding = audio.EncodingPCM16
	}
	return &Device{format: format}
}

// Format implements [audio.Device]. Opus input is decoded on Push, so the
// announced encoding is always PCM.
func (d *Device) Format() audio.Format {
	f := d.format
	f.Encoding = audio.EncodingPCM16
	return f
}

// Open implements [audio.Device].
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ingest: open: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur != nil {
		return nil, fmt.Errorf("ingest: stream already open: %w", audio.ErrDeviceUnavailable)
	}

	s := &stream{
		dev:     d,
		buf:     audio.NewFrameBuffer(d.BufferFrames),
		meter:   &audio.LevelMeter{},
		started: time.Now(),
	}
	if d.format.Encoding == audio.EncodingOpus {
		dec, err := audio.NewOpusDecoder(d.format.SampleRate, d.format.Channels)
		if err != nil {
			return nil, err
		}
		s.opus = dec
	}
	d.cur = s
	return s, nil
}

// Push delivers one frame payload to the open stream. Opus payloads are
// decoded first. Never blocks: a slow consumer costs dropped frames, not a
// stalled producer. Returns [ErrNotOpen] when no session is recording.
func (d *Device) Push(data []byte) error {
	d.mu.Lock()
	s := d.cur
	d.mu.Unlock()
	if s == nil {
		return ErrNotOpen
	}
	return s.push(data)
}

// EndStream signals that the producer is done; the open stream's frame
// channel is closed and the capture session finalizes. No-op when nothing is
// open.
func (d *Device) EndStream() {
	d.mu.Lock()
	s := d.cur
	d.mu.Unlock()
	if s != nil {
		s.endInput()
	}
}

// release detaches a closed stream so the next Open succeeds.
func (d *Device) release(s *stream) {
	d.mu.Lock()
	if d.cur == s {
		d.cur = nil
	}
	d.mu.Unlock()
}

type stream struct {
	dev     *Device
	buf     *audio.FrameBuffer
	meter   *audio.LevelMeter
	opus    *audio.OpusDecoder
	started time.Time

	pushMu sync.Mutex
	seq    uint64
	closed bool

	closeOnce sync.Once
}

func (s *stream) push(data []byte) error {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	if s.closed {
		return ErrNotOpen
	}
	if s.opus != nil {
		pcm, err := s.opus.Decode(data)
		if err != nil {
			return err
		}
		data = pcm
	}
	s.meter.Update(data)
	s.buf.Push(audio.Frame{
		Data:       data,
		SampleRate: s.dev.format.SampleRate,
		Channels:   s.dev.format.Channels,
		Sequence:   s.seq,
		Timestamp:  time.Since(s.started),
	})
	s.seq++
	return nil
}

// endInput stops accepting pushes and closes the frame channel. Must set
// closed under pushMu first so no Push races the channel close.
func (s *stream) endInput() {
	s.pushMu.Lock()
	s.closed = true
	s.pushMu.Unlock()
	s.buf.Close()
}

func (s *stream) Frames() <-chan audio.Frame { return s.buf.Frames() }

func (s *stream) Level() float64 { return s.meter.Level() }

func (s *stream) Dropped() uint64 { return s.buf.Dropped() }

// Close implements [audio.Stream]. Idempotent; further Push calls fail with
// [ErrNotOpen].
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.endInput()
		s.dev.release(s)
	})
	return nil
}
