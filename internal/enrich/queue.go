package enrich

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonlabs/murmur/internal/backoff"
	"github.com/halcyonlabs/murmur/internal/observe"
	"github.com/halcyonlabs/murmur/pkg/thought"
)

// ErrQueueClosed is returned by Enqueue variants after Close.
var ErrQueueClosed = errors.New("enrich: queue closed")

const (
	defaultWorkers = 4

	// defaultTaskTimeout bounds one runner invocation plus its apply. LLM
	// backends can stall for minutes without it.
	defaultTaskTimeout = 30 * time.Second
)

// Runner executes one enrichment task, returning the enrichment patch to
// merge into the thought. Implementations must be safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, task Task) (thought.Enrichment, error)
}

// Config assembles a [Queue].
type Config struct {
	// Workers is the pool size. Default: 4.
	Workers int

	// Policy is the retry policy. Zero value selects [backoff.Default].
	Policy backoff.Policy

	// Runner executes tasks. Required.
	Runner Runner

	// Apply merges a successful enrichment patch into the thought. Apply
	// must be idempotent: a retried task may deliver the same patch twice.
	// Required.
	Apply func(ctx context.Context, id uuid.UUID, patch thought.Enrichment) error

	// OnTaskFailed fires after a task exhausts its attempts. Optional.
	OnTaskFailed func(task Task, err error)

	// TaskTimeout is the deadline for one runner invocation including the
	// apply. Default: 30s. A timed-out task counts as a failed attempt and
	// retries under the backoff policy.
	TaskTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Queue is the enrichment worker pool. Tasks are dispatched oldest first by
// enqueue time; tasks scheduled at the same instant (one thought's enrichment
// set) break the tie by kind priority (reminder parse, then categorize, then
// entity extraction). Failed tasks retry with exponential backoff until the
// attempt budget is spent.
type Queue struct {
	workers     int
	policy      backoff.Policy
	runner      Runner
	apply       func(ctx context.Context, id uuid.UUID, patch thought.Enrichment) error
	onFail      func(task Task, err error)
	metrics     *observe.Metrics
	taskTimeout time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	heap   taskHeap
	seq    uint64
	closed bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewQueue creates a stopped queue; call [Queue.Start] to begin processing.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Runner == nil {
		return nil, errors.New("enrich: Config.Runner is required")
	}
	if cfg.Apply == nil {
		return nil, errors.New("enrich: Config.Apply is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	q := &Queue{
		workers:     cfg.Workers,
		policy:      cfg.Policy,
		runner:      cfg.Runner,
		apply:       cfg.Apply,
		onFail:      cfg.OnTaskFailed,
		metrics:     cfg.Metrics,
		taskTimeout: cfg.TaskTimeout,
	}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Start launches the worker pool. Workers run until Close or ctx
// cancellation.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		q.group.Go(func() error {
			q.work(ctx)
			return nil
		})
	}

	// A canceled context must wake workers parked on the condvar.
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.cond.Broadcast()
	}()
}

// Close stops accepting tasks, cancels in-flight work, and waits for the
// workers to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	if q.cancel != nil {
		q.cancel()
	}
	if q.group != nil {
		_ = q.group.Wait()
	}
}

// EnqueueThought schedules the full enrichment set for one thought. All three
// tasks share one enqueue timestamp so they dispatch in kind-priority order
// relative to each other while staying behind every earlier thought's tasks.
func (q *Queue) EnqueueThought(id uuid.UUID, text string) error {
	now := time.Now()
	for _, kind := range Kinds() {
		if err := q.Enqueue(Task{ThoughtID: id, Kind: kind, Text: text, EnqueuedAt: now}); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue schedules a single task.
func (q *Queue) Enqueue(task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	task.seq = q.seq
	heap.Push(&q.heap, task)
	q.mu.Unlock()

	q.metrics.QueueDepth.Add(context.Background(), 1)
	q.cond.Signal()
	return nil
}

// Requeue manually re-enqueues one enrichment kind for a thought, resetting
// the attempt budget. Used to re-run an enrichment that previously exhausted
// its retries.
func (q *Queue) Requeue(id uuid.UUID, kind Kind, text string) error {
	return q.Enqueue(Task{ThoughtID: id, Kind: kind, Text: text})
}

// Depth returns the number of queued (not yet running) tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// work is one worker's loop: pop the highest-priority task, run it, and
// either apply the patch, schedule a retry, or report final failure.
func (q *Queue) work(ctx context.Context) {
	for {
		q.mu.Lock()
		for q.heap.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.heap.Len() == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		task := heap.Pop(&q.heap).(Task)
		q.mu.Unlock()

		q.process(ctx, task)
	}
}

func (q *Queue) process(ctx context.Context, task Task) {
	start := time.Now()
	// Every task carries its own deadline so a stalled provider call turns
	// into a retryable failure instead of pinning a worker.
	runCtx, cancel := context.WithTimeout(ctx, q.taskTimeout)
	patch, err := q.runner.Run(runCtx, task)
	if err == nil {
		err = q.apply(runCtx, task.ThoughtID, patch)
	}
	cancel()
	q.metrics.EnrichDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("kind", task.Kind.String())))

	if err == nil {
		q.metrics.QueueDepth.Add(ctx, -1)
		return
	}
	if ctx.Err() != nil {
		// Shutdown, not a task failure: drop without burning an attempt.
		q.metrics.QueueDepth.Add(ctx, -1)
		return
	}

	task.Attempt++
	if q.policy.Exhausted(task.Attempt) {
		q.metrics.QueueDepth.Add(ctx, -1)
		slog.Error("enrichment task failed permanently",
			"thought_id", task.ThoughtID,
			"kind", task.Kind.String(),
			"attempts", task.Attempt,
			"error", err)
		if q.onFail != nil {
			q.onFail(task, fmt.Errorf("enrich: %s after %d attempts: %w", task.Kind, task.Attempt, err))
		}
		return
	}

	delay := q.policy.Delay(task.Attempt)
	q.metrics.RecordEnrichRetry(ctx, task.Kind.String())
	slog.Warn("enrichment task failed, retrying",
		"thought_id", task.ThoughtID,
		"kind", task.Kind.String(),
		"attempt", task.Attempt,
		"delay", delay,
		"error", err)

	time.AfterFunc(delay, func() {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			q.metrics.QueueDepth.Add(context.Background(), -1)
			return
		}
		q.seq++
		task.seq = q.seq
		heap.Push(&q.heap, task)
		q.mu.Unlock()
		q.cond.Signal()
	})
}

// taskHeap orders tasks oldest-enqueued first. Kind priority only breaks ties
// between tasks stamped with the same enqueue time; seq keeps the order total.
type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	if h[i].Kind != h[j].Kind {
		return h[i].Kind < h[j].Kind
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	*h = old[:n-1]
	return task
}
