// Package mock provides a scripted batch transcriber for tests.
package mock

import (
	"context"
	"sync"

	"github.com/halcyonlabs/murmur/pkg/provider/batch"
)

// Compile-time interface assertion.
var _ batch.Transcriber = (*Transcriber)(nil)

// Transcriber returns a scripted result or error and records every call.
type Transcriber struct {
	// Result is returned when Err is nil.
	Result batch.Result
	// Err, when set, is returned from every Transcribe call.
	Err error
	// Delay, when set, blocks Transcribe until it elapses or ctx is done.
	Delay func(ctx context.Context) error
	// Mimes overrides Accepts; defaults to WAV only.
	Mimes []string

	mu    sync.Mutex
	calls []Call
}

// Call records one Transcribe invocation.
type Call struct {
	Clip []byte
	Mime string
}

// Accepts implements batch.Transcriber.
func (t *Transcriber) Accepts() []string {
	if len(t.Mimes) > 0 {
		return t.Mimes
	}
	return []string{batch.MimeWAV}
}

// Transcribe implements batch.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, clip []byte, mime string) (batch.Result, error) {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Clip: clip, Mime: mime})
	t.mu.Unlock()

	if t.Delay != nil {
		if err := t.Delay(ctx); err != nil {
			return batch.Result{}, err
		}
	}
	if t.Err != nil {
		return batch.Result{}, t.Err
	}
	return t.Result, nil
}

// Calls returns a snapshot of all recorded invocations.
func (t *Transcriber) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}
