// Package mock provides a scripted audio [audio.Device] for tests: it plays
// back a configured sequence of PCM frames on Open, optionally paced in real
// time, without touching any hardware.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/halcyonlabs/murmur/pkg/audio"
)

// Device is a scripted capture device. Configure Script before calling Open.
type Device struct {
	// Script is the frame payload sequence delivered by each opened stream.
	Script [][]byte

	// FrameInterval paces delivery; zero delivers as fast as the consumer
	// (and buffer) allow.
	FrameInterval time.Duration

	// OpenErr, when non-nil, is returned by Open (permission/device tests).
	OpenErr error

	// FailOpens makes the first N Open calls return
	// [audio.ErrDeviceUnavailable] before the script plays (retry tests).
	FailOpens int

	// SampleRate and Channels default to 16000/1.
	SampleRate int
	Channels   int

	// BufferCapacity overrides the stream's frame buffer size (for drop tests).
	BufferCapacity int

	mu     sync.Mutex
	opened int
	failed int
}

// Format implements [audio.Device].
func (d *Device) Format() audio.Format {
	sr := d.SampleRate
	if sr == 0 {
		sr = 16000
	}
	ch := d.Channels
	if ch == 0 {
		ch = 1
	}
	return audio.Format{SampleRate: sr, Channels: ch, Encoding: audio.EncodingPCM16}
}

// OpenCount reports how many times Open succeeded.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Open implements [audio.Device]. It starts a goroutine that pushes the
// script through a drop-oldest frame buffer and then closes the stream.
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.mu.Lock()
	if d.failed < d.FailOpens {
		d.failed++
		d.mu.Unlock()
		return nil, audio.ErrDeviceUnavailable
	}
	d.opened++
	d.mu.Unlock()

	f := d.Format()
	s := &stream{
		buf:   audio.NewFrameBuffer(d.BufferCapacity),
		done:  make(chan struct{}),
		meter: &audio.LevelMeter{},
	}

	go func() {
		defer s.buf.Close()
		start := time.Now()
		for i, data := range d.Script {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			default:
			}
			s.meter.Update(data)
			s.buf.Push(audio.Frame{
				Data:       data,
				SampleRate: f.SampleRate,
				Channels:   f.Channels,
				Sequence:   uint64(i),
				Timestamp:  time.Since(start),
			})
			if d.FrameInterval > 0 {
				select {
				case <-time.After(d.FrameInterval):
				case <-s.done:
					return
				}
			}
		}
	}()

	return s, nil
}

type stream struct {
	buf   *audio.FrameBuffer
	meter *audio.LevelMeter

	done      chan struct{}
	closeOnce sync.Once
}

func (s *stream) Frames() <-chan audio.Frame { return s.buf.Frames() }

func (s *stream) Level() float64 { return s.meter.Level() }

func (s *stream) Dropped() uint64 { return s.buf.Dropped() }

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
