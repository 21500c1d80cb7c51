package audio

import (
	"sync"
	"sync/atomic"
)

// defaultBufferCapacity holds one second of 20 ms frames.
const defaultBufferCapacity = 50

// FrameBuffer is a bounded frame queue between the hardware callback and the
// pipeline consumer. Push never blocks: when the buffer is full the oldest
// frame is discarded to make room, and the drop is reported through the
// OnDrop callback. This is what keeps a stalled consumer from ever stalling
// frame production.
//
// FrameBuffer is safe for one producer and one consumer goroutine.
type FrameBuffer struct {
	ch      chan Frame
	dropped atomic.Uint64

	// OnDrop, when non-nil, is invoked with the cumulative drop count each
	// time frames are discarded. Called on the producer goroutine; it must
	// not block.
	OnDrop func(total uint64)

	closeOnce sync.Once
}

// NewFrameBuffer creates a FrameBuffer holding up to capacity frames.
// capacity <= 0 selects the default (50 frames ≈ 1 s of 20 ms audio).
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	return &FrameBuffer{ch: make(chan Frame, capacity)}
}

// Push enqueues a frame, discarding the oldest buffered frame if full.
// Never blocks; safe to call from a hardware callback.
func (b *FrameBuffer) Push(f Frame) {
	for {
		select {
		case b.ch <- f:
			return
		default:
		}
		// Full: evict the oldest frame and retry. The consumer may race us
		// for the eviction, in which case the retry simply succeeds.
		select {
		case <-b.ch:
			total := b.dropped.Add(1)
			if b.OnDrop != nil {
				b.OnDrop(total)
			}
		default:
		}
	}
}

// Frames returns the consumer side of the buffer. Closed by [FrameBuffer.Close].
func (b *FrameBuffer) Frames() <-chan Frame { return b.ch }

// Dropped returns the cumulative number of discarded frames.
func (b *FrameBuffer) Dropped() uint64 { return b.dropped.Load() }

// Close closes the frame channel. The producer must not Push afterwards.
// Idempotent.
func (b *FrameBuffer) Close() {
	b.closeOnce.Do(func() { close(b.ch) })
}
