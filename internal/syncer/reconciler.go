package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/murmur/internal/backoff"
	"github.com/halcyonlabs/murmur/internal/observe"
	"github.com/halcyonlabs/murmur/pkg/thought"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultMaxActionAge = 24 * time.Hour
)

// Events are optional observer callbacks. Callbacks run on reconciler
// goroutines and must not block; nil callbacks are skipped.
type Events struct {
	// OnThoughtUpdate fires on every optimistic creation, sync completion,
	// enrichment patch, and remote merge. The thought is a clone; callbacks
	// may keep it.
	OnThoughtUpdate func(t thought.Thought)

	// OnWarning fires for non-fatal degradations (write queued offline,
	// conflict resolved, stale action dropped). kind classifies the warning
	// for routing; msg is human-readable.
	OnWarning func(kind observe.WarningKind, msg string)
}

func (e Events) update(t thought.Thought) {
	if e.OnThoughtUpdate != nil {
		e.OnThoughtUpdate(t)
	}
}

func (e Events) warn(kind observe.WarningKind, msg string) {
	if e.OnWarning != nil {
		e.OnWarning(kind, msg)
	}
}

// Meta carries capture metadata into [Reconciler.CreateThought].
type Meta struct {
	Source     thought.TranscriptSource
	Confidence *float64
}

// Config assembles a [Reconciler].
type Config struct {
	// Store is the durable backend. Required.
	Store Store

	// Policy is the replay backoff policy. Zero value selects
	// [backoff.Default]. Unlike enrichment, offline actions are never
	// dropped for attempt count; only MaxActionAge retires them.
	Policy backoff.Policy

	// MaxActionAge is how long an offline action may wait before it is
	// dropped as stale. Default: 24h.
	MaxActionAge time.Duration

	// WriteTimeout bounds each durable write. Default: 10s.
	WriteTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Events Events
}

// Reconciler owns every thought's record for the duration of its
// optimistic-to-authoritative lifecycle. All mutation happens under one
// mutex; other components only ever receive clones.
type Reconciler struct {
	store        Store
	policy       backoff.Policy
	maxAge       time.Duration
	writeTimeout time.Duration
	metrics      *observe.Metrics
	events       Events

	mu       sync.Mutex
	thoughts map[string]thought.Thought
	// patches buffers enrichment arriving while a thought is still
	// optimistic; flushed atomically when the create completes.
	patches map[string][]thought.Enrichment
	log     *actionLog

	unsubscribe func()
	wg          sync.WaitGroup

	now func() time.Time
}

// NewReconciler creates a reconciler and subscribes it to the store's remote
// change feed.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("syncer: Config.Store is required")
	}
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.Default()
	}
	if cfg.MaxActionAge <= 0 {
		cfg.MaxActionAge = defaultMaxActionAge
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	r := &Reconciler{
		store:        cfg.Store,
		policy:       cfg.Policy,
		maxAge:       cfg.MaxActionAge,
		writeTimeout: cfg.WriteTimeout,
		metrics:      cfg.Metrics,
		events:       cfg.Events,
		thoughts:     make(map[string]thought.Thought),
		patches:      make(map[string][]thought.Enrichment),
		log:          newActionLog(),
		now:          time.Now,
	}
	r.unsubscribe = cfg.Store.Subscribe(r.ApplyRemote)
	return r, nil
}

// Close stops the remote subscription and waits for in-flight background
// writes. Queued offline actions are not replayed; they are simply abandoned
// with the process.
func (r *Reconciler) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.wg.Wait()
}

// CreateThought registers a new optimistic thought and returns it
// immediately; the durable write proceeds in the background. On write success
// the record transitions to Synced in place, on failure to Failed with an
// offline create action queued. The capture is never lost either way.
func (r *Reconciler) CreateThought(content string, meta Meta) thought.Thought {
	now := r.now()
	t := thought.Thought{
		ID:           uuid.NewString(),
		Content:      content,
		Source:       meta.Source,
		Confidence:   meta.Confidence,
		Status:       thought.StatusPending,
		IsOptimistic: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	r.mu.Lock()
	r.thoughts[t.ID] = t
	r.mu.Unlock()
	r.events.update(t.Clone())

	r.wg.Add(1)
	go r.syncCreate(t)
	return t.Clone()
}

func (r *Reconciler) syncCreate(t thought.Thought) {
	defer r.wg.Done()

	r.setStatus(t.ID, thought.StatusSyncing)

	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	authoritative, err := r.store.Write(ctx, t)
	if err != nil {
		slog.Warn("durable create failed, queueing offline action",
			"thought_id", t.ID, "error", err)
		r.mu.Lock()
		cur := r.thoughts[t.ID]
		cur.Status = thought.StatusFailed
		r.thoughts[t.ID] = cur
		r.log.enqueue(thought.OfflineAction{
			Type:       thought.ActionCreate,
			TargetID:   t.ID,
			Payload:    t,
			EnqueuedAt: r.now(),
		})
		clone := cur.Clone()
		r.mu.Unlock()

		r.metrics.PendingActions.Add(ctx, 1)
		r.events.warn(observe.WarnSyncDeferred, "thought queued for offline sync: "+t.ID)
		r.events.update(clone)
		return
	}
	r.completeCreate(authoritative)
}

// completeCreate installs the authoritative record for a successful create
// and atomically folds in any enrichment buffered while it was optimistic.
func (r *Reconciler) completeCreate(authoritative thought.Thought) {
	id := authoritative.ID
	authoritative.Status = thought.StatusSynced
	authoritative.IsOptimistic = false

	r.mu.Lock()
	for _, p := range r.patches[id] {
		authoritative.Enrichment = thought.MergeEnrichment(authoritative.Enrichment, p)
	}
	hadPatches := len(r.patches[id]) > 0
	delete(r.patches, id)
	r.thoughts[id] = authoritative
	clone := authoritative.Clone()
	r.mu.Unlock()

	r.events.update(clone)
	if hadPatches {
		r.wg.Add(1)
		go r.writeUpdate(clone)
	}
}

// ApplyPatch merges an enrichment patch into the thought. While the thought
// is still optimistic the patch is buffered and applied atomically once the
// create completes. The signature matches the enrichment queue's Apply hook.
func (r *Reconciler) ApplyPatch(ctx context.Context, id uuid.UUID, patch thought.Enrichment) error {
	key := id.String()

	r.mu.Lock()
	t, ok := r.thoughts[key]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if t.IsOptimistic {
		r.patches[key] = append(r.patches[key], patch)
		r.mu.Unlock()
		return nil
	}
	t.Enrichment = thought.MergeEnrichment(t.Enrichment, patch)
	t.UpdatedAt = r.now()
	r.thoughts[key] = t
	clone := t.Clone()
	r.mu.Unlock()

	r.events.update(clone)
	r.wg.Add(1)
	go r.writeUpdate(clone)
	return nil
}

// writeUpdate pushes an already-applied local change to the store; failure
// queues an offline update action rather than reverting the local state.
func (r *Reconciler) writeUpdate(t thought.Thought) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	authoritative, err := r.store.Write(ctx, t)
	if err != nil {
		slog.Warn("durable update failed, queueing offline action",
			"thought_id", t.ID, "error", err)
		r.mu.Lock()
		r.log.enqueue(thought.OfflineAction{
			Type:       thought.ActionUpdate,
			TargetID:   t.ID,
			Payload:    t,
			EnqueuedAt: r.now(),
		})
		r.mu.Unlock()
		r.metrics.PendingActions.Add(ctx, 1)
		r.events.warn(observe.WarnSyncDeferred, "update queued for offline sync: "+t.ID)
		return
	}

	r.mu.Lock()
	cur, ok := r.thoughts[t.ID]
	if ok {
		cur.UpdatedAt = authoritative.UpdatedAt
		cur.Status = thought.StatusSynced
		r.thoughts[t.ID] = cur
	}
	r.mu.Unlock()
}

// ApplyRemote merges a server-pushed update. Conflicts with the local version
// resolve last-write-wins at whole-thought granularity by UpdatedAt; the
// local version wins ties.
func (r *Reconciler) ApplyRemote(remote thought.Thought) {
	ctx := context.Background()
	remote.Status = thought.StatusSynced
	remote.IsOptimistic = false

	r.mu.Lock()
	local, ok := r.thoughts[remote.ID]
	if !ok {
		r.thoughts[remote.ID] = remote.Clone()
		clone := remote.Clone()
		r.mu.Unlock()
		r.events.update(clone)
		return
	}

	if remote.UpdatedAt.Equal(local.UpdatedAt) {
		// Echo of our own write arriving back through the change feed.
		r.mu.Unlock()
		return
	}
	if remote.UpdatedAt.Before(local.UpdatedAt) {
		r.mu.Unlock()
		r.metrics.RecordConflict(ctx, "local")
		slog.Warn("remote update discarded by last-write-wins",
			"thought_id", remote.ID,
			"local_updated_at", local.UpdatedAt,
			"remote_updated_at", remote.UpdatedAt)
		r.events.warn(observe.WarnConflictDiscarded, "conflicting remote update discarded: "+remote.ID)
		return
	}

	r.thoughts[remote.ID] = remote.Clone()
	clone := remote.Clone()
	r.mu.Unlock()

	r.metrics.RecordConflict(ctx, "remote")
	slog.Warn("local version replaced by last-write-wins",
		"thought_id", remote.ID,
		"local_updated_at", local.UpdatedAt,
		"remote_updated_at", remote.UpdatedAt)
	r.events.update(clone)
}

// Get returns a clone of the thought with the given id.
func (r *Reconciler) Get(id string) (thought.Thought, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.thoughts[id]
	if !ok {
		return thought.Thought{}, false
	}
	return t.Clone(), true
}

// List returns clones of all known thoughts in unspecified order.
func (r *Reconciler) List() []thought.Thought {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]thought.Thought, 0, len(r.thoughts))
	for _, t := range r.thoughts {
		out = append(out, t.Clone())
	}
	return out
}

// Pending returns the number of queued offline actions.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.len()
}

// Replay attempts the queued offline actions, strictly FIFO per target id.
// A failed action stops its own target's queue (preserving order) and backs
// off; other targets proceed. Actions older than MaxActionAge are dropped
// with a lost-write warning. Returns the number of actions applied.
func (r *Reconciler) Replay(ctx context.Context) int {
	replayed := 0

	r.mu.Lock()
	targets := r.log.targets()
	r.mu.Unlock()

	for _, target := range targets {
		for {
			if ctx.Err() != nil {
				return replayed
			}

			r.mu.Lock()
			act := r.log.head(target)
			if act == nil {
				r.mu.Unlock()
				break
			}
			now := r.now()
			if now.Sub(act.EnqueuedAt) > r.maxAge {
				r.log.pop(target)
				r.mu.Unlock()
				r.metrics.PendingActions.Add(ctx, -1)
				r.metrics.RecordReplay(ctx, "stale")
				slog.Warn("stale offline action dropped, write lost",
					"thought_id", target,
					"type", string(act.Type),
					"age", now.Sub(act.EnqueuedAt))
				r.events.warn(observe.WarnStaleActionDropped, "stale offline action dropped, write lost: "+target)
				continue
			}
			if now.Before(act.notBefore) {
				r.mu.Unlock()
				break
			}
			payload := act.Payload.Clone()
			actionType := act.Type
			r.mu.Unlock()

			wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
			authoritative, err := r.store.Write(wctx, payload)
			cancel()
			if err != nil {
				r.mu.Lock()
				act.attempts++
				act.notBefore = r.now().Add(r.policy.Delay(act.attempts))
				r.mu.Unlock()
				r.metrics.RecordReplay(ctx, "failed")
				slog.Warn("offline action replay failed",
					"thought_id", target,
					"type", string(actionType),
					"attempts", act.attempts,
					"error", err)
				break
			}

			r.mu.Lock()
			r.log.pop(target)
			r.mu.Unlock()
			r.metrics.PendingActions.Add(ctx, -1)
			r.metrics.RecordReplay(ctx, "applied")
			replayed++

			switch actionType {
			case thought.ActionCreate:
				r.completeCreate(authoritative)
			default:
				r.mu.Lock()
				if cur, ok := r.thoughts[target]; ok {
					cur.UpdatedAt = authoritative.UpdatedAt
					cur.Status = thought.StatusSynced
					r.thoughts[target] = cur
					clone := cur.Clone()
					r.mu.Unlock()
					r.events.update(clone)
				} else {
					r.mu.Unlock()
				}
			}
		}
	}
	return replayed
}

// Run periodically replays the offline log until ctx is cancelled. Intended
// as a background goroutine; interval <= 0 selects one second.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.Pending() > 0 {
				r.Replay(ctx)
			}
		}
	}
}

func (r *Reconciler) setStatus(id string, status thought.Status) {
	r.mu.Lock()
	t, ok := r.thoughts[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	t.Status = status
	r.thoughts[id] = t
	clone := t.Clone()
	r.mu.Unlock()
	r.events.update(clone)
}
