// Package syncer owns the optimistic-to-authoritative lifecycle of thoughts:
// instant local creation, background durable writes, last-write-wins merge of
// server-pushed updates, and an offline action log replayed in order per
// target once the store is reachable again.
package syncer

import (
	"context"
	"errors"

	"github.com/halcyonlabs/murmur/pkg/thought"
)

// ErrStoreUnavailable marks a write that failed because the backing store
// could not be reached. Such writes are queued for offline replay; any other
// write error is treated the same way, the sentinel only sharpens logs.
var ErrStoreUnavailable = errors.New("syncer: store unavailable")

// ErrNotFound is returned when a thought id is unknown to the reconciler.
var ErrNotFound = errors.New("syncer: thought not found")

// Store is the durable persistence backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Write durably persists t, creating or replacing the stored version,
	// and returns the authoritative record (timestamps as persisted).
	Write(ctx context.Context, t thought.Thought) (thought.Thought, error)

	// Subscribe registers fn for server-pushed remote changes. The returned
	// cancel func stops delivery; it is safe to call more than once.
	Subscribe(fn func(thought.Thought)) (cancel func())
}
