// Package mock provides a scripted streaming recognizer for tests.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/halcyonlabs/murmur/pkg/provider/stt"
)

// Compile-time interface assertion.
var _ stt.Recognizer = (*Recognizer)(nil)

// Recognizer is a scripted stt.Recognizer. Each StartStream call plays back
// Script on the session's segment channel.
type Recognizer struct {
	// Script is emitted in order by every opened session. Sequence numbers
	// are assigned automatically.
	Script []stt.Segment

	// SegmentDelay paces emission; zero emits immediately.
	SegmentDelay time.Duration

	// StartErr, when non-nil, is returned by StartStream.
	StartErr error

	mu       sync.Mutex
	sessions []*Session
}

// StartStream implements stt.Recognizer.
func (r *Recognizer) StartStream(ctx context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	if r.StartErr != nil {
		return nil, r.StartErr
	}

	s := &Session{
		segments: make(chan stt.Segment, len(r.Script)+1),
		done:     make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()

	go func() {
		defer close(s.segments)
		for i, seg := range r.Script {
			if r.SegmentDelay > 0 {
				select {
				case <-time.After(r.SegmentDelay):
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
			seg.Sequence = uint64(i)
			select {
			case s.segments <- seg:
			case <-s.done:
				return
			}
		}
		// Hold the channel open until Close so the consumer controls the
		// session lifetime, as a real backend would.
		<-s.done
	}()

	return s, nil
}

// Sessions returns all sessions opened so far.
func (r *Recognizer) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.sessions...)
}

// Session is a scripted stt.SessionHandle.
type Session struct {
	segments chan stt.Segment

	mu     sync.Mutex
	audio  [][]byte
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// SendAudio records the chunk for later inspection.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	buf := append([]byte(nil), chunk...)
	s.audio = append(s.audio, buf)
	return nil
}

// Audio returns all chunks received via SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// Segments implements stt.SessionHandle.
func (s *Session) Segments() <-chan stt.Segment { return s.segments }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}
