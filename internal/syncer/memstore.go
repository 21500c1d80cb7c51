package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/halcyonlabs/murmur/pkg/thought"
)

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe in-memory [Store] for tests and offline-first
// single-process use. Connectivity loss is simulated with [MemStore.SetOnline];
// server pushes with [MemStore.PushRemote].
type MemStore struct {
	mu       sync.Mutex
	thoughts map[string]thought.Thought
	online   bool
	nextSub  int
	subs     map[int]func(thought.Thought)
}

// NewMemStore returns an online, empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		thoughts: make(map[string]thought.Thought),
		online:   true,
		subs:     make(map[int]func(thought.Thought)),
	}
}

// SetOnline toggles simulated connectivity. While offline every Write fails
// with [ErrStoreUnavailable].
func (s *MemStore) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

// Write implements [Store]. The stored copy gets UpdatedAt bumped to now,
// mirroring a server-side write timestamp.
func (s *MemStore) Write(ctx context.Context, t thought.Thought) (thought.Thought, error) {
	if err := ctx.Err(); err != nil {
		return thought.Thought{}, fmt.Errorf("syncer: memstore write: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return thought.Thought{}, ErrStoreUnavailable
	}
	t.UpdatedAt = time.Now()
	s.thoughts[t.ID] = t.Clone()
	return t, nil
}

// Get returns the stored thought and whether it exists.
func (s *MemStore) Get(id string) (thought.Thought, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.thoughts[id]
	if !ok {
		return thought.Thought{}, false
	}
	return t.Clone(), true
}

// Len returns the number of stored thoughts.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.thoughts)
}

// Subscribe implements [Store].
func (s *MemStore) Subscribe(fn func(thought.Thought)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// PushRemote stores t and delivers it to every subscriber, simulating a
// server-side change made by another device.
func (s *MemStore) PushRemote(t thought.Thought) {
	s.mu.Lock()
	s.thoughts[t.ID] = t.Clone()
	fns := make([]func(thought.Thought), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(t.Clone())
	}
}
