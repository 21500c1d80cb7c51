package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/murmur/internal/backoff"
	"github.com/halcyonlabs/murmur/pkg/thought"
)

// scriptRunner records every task it runs and fails according to failFor.
type scriptRunner struct {
	mu      sync.Mutex
	tasks   []Task
	patch   thought.Enrichment
	failFor func(task Task, call int) error
}

func (r *scriptRunner) Run(_ context.Context, task Task) (thought.Enrichment, error) {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	call := len(r.tasks)
	r.mu.Unlock()
	if r.failFor != nil {
		if err := r.failFor(task, call); err != nil {
			return thought.Enrichment{}, err
		}
	}
	return r.patch, nil
}

func (r *scriptRunner) ran() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.tasks...)
}

// applyRecorder collects apply calls and signals on done after n of them.
type applyRecorder struct {
	mu      sync.Mutex
	ids     []uuid.UUID
	patches []thought.Enrichment
	done    chan struct{}
	want    int
}

func newApplyRecorder(want int) *applyRecorder {
	return &applyRecorder{done: make(chan struct{}), want: want}
}

func (a *applyRecorder) apply(_ context.Context, id uuid.UUID, patch thought.Enrichment) error {
	a.mu.Lock()
	a.ids = append(a.ids, id)
	a.patches = append(a.patches, patch)
	if len(a.ids) == a.want {
		close(a.done)
	}
	a.mu.Unlock()
	return nil
}

func (a *applyRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-a.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for apply calls")
	}
}

func quickPolicy() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Attempts: 3}
}

func TestQueue_RequiresRunnerAndApply(t *testing.T) {
	if _, err := NewQueue(Config{Apply: newApplyRecorder(1).apply}); err == nil {
		t.Error("NewQueue without Runner: expected error")
	}
	if _, err := NewQueue(Config{Runner: &scriptRunner{}}); err == nil {
		t.Error("NewQueue without Apply: expected error")
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	runner := &scriptRunner{}
	rec := newApplyRecorder(3)
	q, err := NewQueue(Config{Workers: 1, Runner: runner, Apply: rec.apply, Policy: quickPolicy()})
	if err != nil {
		t.Fatal(err)
	}

	// Enqueue in reverse priority before the worker starts so dispatch
	// order is purely the heap's doing. One shared timestamp puts the kind
	// tie-break in charge, like EnqueueThought does.
	id := uuid.New()
	now := time.Now()
	for _, kind := range []Kind{KindExtractEntities, KindCategorize, KindParseReminder} {
		if err := q.Enqueue(Task{ThoughtID: id, Kind: kind, Text: "call mom", EnqueuedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	q.Start(context.Background())
	defer q.Close()
	rec.wait(t)

	ran := runner.ran()
	want := []Kind{KindParseReminder, KindCategorize, KindExtractEntities}
	for i, task := range ran {
		if task.Kind != want[i] {
			t.Errorf("task %d: Kind = %s, want %s", i, task.Kind, want[i])
		}
	}
}

func TestQueue_OlderTaskBeatsKindPriority(t *testing.T) {
	runner := &scriptRunner{}
	rec := newApplyRecorder(2)
	q, err := NewQueue(Config{Workers: 1, Runner: runner, Apply: rec.apply, Policy: quickPolicy()})
	if err != nil {
		t.Fatal(err)
	}

	// An entity extraction enqueued earlier must dispatch before a reminder
	// parse enqueued later; kind only breaks same-instant ties.
	now := time.Now()
	first := uuid.New()
	second := uuid.New()
	if err := q.Enqueue(Task{ThoughtID: first, Kind: KindExtractEntities, Text: "x", EnqueuedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(Task{ThoughtID: second, Kind: KindParseReminder, Text: "x", EnqueuedAt: now.Add(time.Millisecond)}); err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	defer q.Close()
	rec.wait(t)

	ran := runner.ran()
	if ran[0].ThoughtID != first || ran[0].Kind != KindExtractEntities {
		t.Errorf("first dispatched task = %s/%s, want the older one", ran[0].ThoughtID, ran[0].Kind)
	}
	if ran[1].ThoughtID != second {
		t.Errorf("second dispatched task = %s/%s", ran[1].ThoughtID, ran[1].Kind)
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	runner := &scriptRunner{}
	rec := newApplyRecorder(3)
	q, err := NewQueue(Config{Workers: 1, Runner: runner, Apply: rec.apply, Policy: quickPolicy()})
	if err != nil {
		t.Fatal(err)
	}

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		if err := q.Enqueue(Task{ThoughtID: id, Kind: KindCategorize, Text: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	q.Start(context.Background())
	defer q.Close()
	rec.wait(t)

	for i, task := range runner.ran() {
		if task.ThoughtID != ids[i] {
			t.Errorf("task %d: ThoughtID = %s, want %s", i, task.ThoughtID, ids[i])
		}
	}
}

func TestQueue_ApplyReceivesPatch(t *testing.T) {
	patch := thought.Enrichment{Category: "task", CategoryConfidence: 0.9}
	runner := &scriptRunner{patch: patch}
	rec := newApplyRecorder(1)
	q, err := NewQueue(Config{Workers: 1, Runner: runner, Apply: rec.apply, Policy: quickPolicy()})
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	defer q.Close()

	id := uuid.New()
	if err := q.Enqueue(Task{ThoughtID: id, Kind: KindCategorize, Text: "buy milk"}); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	if rec.ids[0] != id {
		t.Errorf("apply id = %s, want %s", rec.ids[0], id)
	}
	if rec.patches[0].Category != "task" {
		t.Errorf("apply patch category = %q, want %q", rec.patches[0].Category, "task")
	}
}

func TestQueue_RetriesUntilSuccess(t *testing.T) {
	runner := &scriptRunner{
		failFor: func(_ Task, call int) error {
			if call < 3 {
				return errors.New("provider hiccup")
			}
			return nil
		},
	}
	rec := newApplyRecorder(1)
	q, err := NewQueue(Config{Workers: 1, Runner: runner, Apply: rec.apply, Policy: quickPolicy()})
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	defer q.Close()

	if err := q.Enqueue(Task{ThoughtID: uuid.New(), Kind: KindCategorize, Text: "x"}); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	ran := runner.ran()
	if len(ran) != 3 {
		t.Fatalf("runner ran %d times, want 3", len(ran))
	}
	if ran[1].Attempt != 1 || ran[2].Attempt != 2 {
		t.Errorf("retry attempts = %d, %d, want 1, 2", ran[1].Attempt, ran[2].Attempt)
	}
}

func TestQueue_ExhaustionReportsFailure(t *testing.T) {
	runner := &scriptRunner{
		failFor: func(Task, int) error { return errors.New("always down") },
	}
	failed := make(chan Task, 1)
	var failedErr error
	q, err := NewQueue(Config{
		Workers: 1,
		Runner:  runner,
		Apply:   newApplyRecorder(1).apply,
		Policy:  quickPolicy(),
		OnTaskFailed: func(task Task, err error) {
			failedErr = err
			failed <- task
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	defer q.Close()

	if err := q.Enqueue(Task{ThoughtID: uuid.New(), Kind: KindExtractEntities, Text: "x"}); err != nil {
		t.Fatal(err)
	}

	var task Task
	select {
	case task = <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnTaskFailed")
	}
	if task.Attempt != 3 {
		t.Errorf("failed task Attempt = %d, want 3", task.Attempt)
	}
	if failedErr == nil {
		t.Fatal("OnTaskFailed err is nil")
	}
	if len(runner.ran()) != 3 {
		t.Errorf("runner ran %d times, want 3", len(runner.ran()))
	}
}

func TestQueue_TaskCarriesDeadline(t *testing.T) {
	deadlines := make(chan bool, 3)
	runner := runnerFunc(func(ctx context.Context, _ Task) (thought.Enrichment, error) {
		_, ok := ctx.Deadline()
		deadlines <- ok
		return thought.Enrichment{}, nil
	})
	rec := newApplyRecorder(1)
	q, err := NewQueue(Config{Workers: 1, Runner: runner, Apply: rec.apply, Policy: quickPolicy()})
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	defer q.Close()

	if err := q.Enqueue(Task{ThoughtID: uuid.New(), Kind: KindCategorize, Text: "x"}); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	if ok := <-deadlines; !ok {
		t.Error("runner context has no deadline")
	}
}

func TestQueue_StalledTaskTimesOutAndRetries(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, _ Task) (thought.Enrichment, error) {
		// Simulates a provider that never answers.
		<-ctx.Done()
		return thought.Enrichment{}, ctx.Err()
	})
	failed := make(chan error, 1)
	q, err := NewQueue(Config{
		Workers:      1,
		Runner:       runner,
		Apply:        newApplyRecorder(1).apply,
		Policy:       quickPolicy(),
		TaskTimeout:  10 * time.Millisecond,
		OnTaskFailed: func(_ Task, err error) { failed <- err },
	})
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	defer q.Close()

	if err := q.Enqueue(Task{ThoughtID: uuid.New(), Kind: KindCategorize, Text: "x"}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-failed:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("failure = %v, want deadline exceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stalled task never exhausted its attempts")
	}
}

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(ctx context.Context, task Task) (thought.Enrichment, error)

func (f runnerFunc) Run(ctx context.Context, task Task) (thought.Enrichment, error) {
	return f(ctx, task)
}

func TestQueue_RequeueResetsAttemptBudget(t *testing.T) {
	runner := &scriptRunner{}
	rec := newApplyRecorder(1)
	q, err := NewQueue(Config{Workers: 1, Runner: runner, Apply: rec.apply, Policy: quickPolicy()})
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	defer q.Close()

	id := uuid.New()
	if err := q.Requeue(id, KindCategorize, "second chance"); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	ran := runner.ran()
	if ran[0].Attempt != 0 {
		t.Errorf("requeued task Attempt = %d, want 0", ran[0].Attempt)
	}
	if ran[0].Text != "second chance" {
		t.Errorf("requeued task Text = %q", ran[0].Text)
	}
}

func TestQueue_EnqueueThoughtSchedulesAllKinds(t *testing.T) {
	runner := &scriptRunner{}
	q, err := NewQueue(Config{Runner: runner, Apply: newApplyRecorder(3).apply})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.EnqueueThought(uuid.New(), "call mom tomorrow"); err != nil {
		t.Fatal(err)
	}
	if got := q.Depth(); got != 3 {
		t.Errorf("Depth = %d, want 3", got)
	}
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q, err := NewQueue(Config{Runner: &scriptRunner{}, Apply: newApplyRecorder(1).apply})
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	q.Close()

	if err := q.Enqueue(Task{ThoughtID: uuid.New(), Kind: KindCategorize}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrQueueClosed", err)
	}
}

func TestQueue_CloseWaitsForWorkers(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	runner := &scriptRunner{
		failFor: func(Task, int) error {
			close(started)
			<-release
			return nil
		},
	}
	rec := newApplyRecorder(1)
	q, err := NewQueue(Config{Workers: 1, Runner: runner, Apply: rec.apply, Policy: quickPolicy()})
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	if err := q.Enqueue(Task{ThoughtID: uuid.New(), Kind: KindCategorize}); err != nil {
		t.Fatal(err)
	}
	<-started

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a task was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after workers finished")
	}
}
