// Package app wires all murmur subsystems into a running capture pipeline.
//
// The App struct owns the full lifecycle: New creates and connects the
// capture controller, enrichment queue, and sync reconciler from config, Run
// starts the background workers, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithDevice, WithStore, WithLLM, etc.). When an option is not provided,
// New creates real implementations from the config and provider registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonlabs/murmur/internal/backoff"
	"github.com/halcyonlabs/murmur/internal/capture"
	"github.com/halcyonlabs/murmur/internal/config"
	"github.com/halcyonlabs/murmur/internal/enrich"
	"github.com/halcyonlabs/murmur/internal/observe"
	"github.com/halcyonlabs/murmur/internal/resilience"
	"github.com/halcyonlabs/murmur/internal/syncer"
	syncerpg "github.com/halcyonlabs/murmur/internal/syncer/postgres"
	"github.com/halcyonlabs/murmur/pkg/audio"
	"github.com/halcyonlabs/murmur/pkg/audio/ingest"
	"github.com/halcyonlabs/murmur/pkg/provider/batch"
	"github.com/halcyonlabs/murmur/pkg/provider/llm"
	"github.com/halcyonlabs/murmur/pkg/provider/stt"
	"github.com/halcyonlabs/murmur/pkg/thought"
)

// replayInterval is how often the reconciler retries queued offline actions.
const replayInterval = time.Second

// lowConfidenceThreshold triggers the low-confidence warning on accepted
// transcripts.
const lowConfidenceThreshold = 0.5

// Events are the observer callbacks the pipeline exposes to the UI layer and
// test harnesses. All callbacks fire on pipeline goroutines and must not
// block; nil callbacks are skipped.
type Events struct {
	// OnCaptureStateChange fires on every capture lifecycle transition.
	OnCaptureStateChange func(old, new capture.State)

	// OnThoughtUpdate fires on every optimistic creation, sync completion,
	// and enrichment patch.
	OnThoughtUpdate func(t thought.Thought)

	// OnWarning fires for non-fatal issues from any subsystem (low
	// confidence, enrichment exhausted retries, stale offline action
	// dropped). kind classifies the warning for routing; msg is
	// human-readable.
	OnWarning func(kind observe.WarningKind, msg string)

	// OnLevel fires with the live input level while recording.
	OnLevel func(level float64)

	// OnFramesDropped fires with the cumulative drop count when capture
	// back-pressure discards audio.
	OnFramesDropped func(total uint64)
}

func (e Events) warn(kind observe.WarningKind, msg string) {
	if e.OnWarning != nil {
		e.OnWarning(kind, msg)
	}
}

// App owns all subsystem lifetimes for the capture-to-thought pipeline.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics
	events  Events

	device      audio.Device
	ingest      *ingest.Device
	permissions audio.PermissionSource
	recognizer  stt.Recognizer
	chain       *resilience.Chain[batch.Transcriber]
	llmClient   llm.Client
	store       syncer.Store

	controller *capture.Controller
	queue      *enrich.Queue
	reconciler *syncer.Reconciler

	// storePing probes the persistence backend for readiness checks. Nil
	// when the backend has no meaningful connectivity (in-memory store).
	storePing func(ctx context.Context) error

	// optimistic controls whether enrichment is scheduled at optimistic
	// creation or deferred until the thought syncs. Hot-reloadable.
	mu            sync.Mutex
	optimistic    bool
	awaitingSync  map[string]string // thought id -> content pending enrichment
	replayCancel  context.CancelFunc

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects a capture device instead of the default push-fed ingest
// device.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithPermissions injects a permission source; the default always grants.
func WithPermissions(p audio.PermissionSource) Option {
	return func(a *App) { a.permissions = p }
}

// WithRecognizer injects a streaming recognizer instead of creating one from
// config.
func WithRecognizer(r stt.Recognizer) Option {
	return func(a *App) { a.recognizer = r }
}

// WithBatchChain injects a batch transcriber chain instead of building one
// from config.
func WithBatchChain(c *resilience.Chain[batch.Transcriber]) Option {
	return func(a *App) { a.chain = c }
}

// WithLLM injects an enrichment LLM client instead of creating one from
// config.
func WithLLM(c llm.Client) Option {
	return func(a *App) { a.llmClient = c }
}

// WithStore injects a persistence store instead of creating one from config.
func WithStore(s syncer.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics instance; the default is the process-global
// one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithEvents sets the observer callbacks.
func WithEvents(e Events) Option {
	return func(a *App) { a.events = e }
}

// New creates an App by wiring all subsystems together. Providers named in
// cfg are instantiated through reg; Option functions take precedence over
// config for any slot they fill.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:          cfg,
		optimistic:   cfg.Enrich.Optimistic == nil || *cfg.Enrich.Optimistic,
		awaitingSync: make(map[string]string),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.permissions == nil {
		a.permissions = audio.AlwaysGranted{}
	}
	if a.device == nil {
		dev := ingest.New(audio.Format{
			SampleRate: cfg.Capture.SampleRate,
			Channels:   cfg.Capture.Channels,
		})
		dev.BufferFrames = cfg.Capture.BufferFrames
		a.device = dev
		a.ingest = dev
	}

	if err := a.initProviders(reg); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initReconciler(); err != nil {
		return nil, fmt.Errorf("app: init reconciler: %w", err)
	}
	if err := a.initQueue(); err != nil {
		return nil, fmt.Errorf("app: init enrichment: %w", err)
	}
	if err := a.initController(); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}
	return a, nil
}

// initProviders fills the recognizer, batch chain, and LLM slots from config
// unless they were injected.
func (a *App) initProviders(reg *config.Registry) error {
	if a.recognizer == nil && a.cfg.Providers.Streaming.Name != "" {
		r, err := reg.CreateStreaming(a.cfg.Providers.Streaming)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("streaming provider not registered, running batch-only",
				"name", a.cfg.Providers.Streaming.Name)
		} else if err != nil {
			return fmt.Errorf("create streaming provider %q: %w", a.cfg.Providers.Streaming.Name, err)
		} else {
			a.recognizer = r
			slog.Info("provider created", "kind", "streaming", "name", a.cfg.Providers.Streaming.Name)
		}
	}

	if a.chain == nil {
		a.chain = capture.NewBatchChain(resilience.BreakerConfig{Name: "batch"})
		for _, entry := range a.cfg.Providers.Batch {
			t, err := reg.CreateBatch(entry)
			if errors.Is(err, config.ErrProviderNotRegistered) {
				slog.Warn("batch provider not registered, skipping", "name", entry.Name)
				continue
			}
			if err != nil {
				return fmt.Errorf("create batch provider %q: %w", entry.Name, err)
			}
			a.chain.Add(entry.Name, t)
			slog.Info("provider created", "kind", "batch", "name", entry.Name)
		}
	}

	if a.llmClient == nil && a.cfg.Providers.LLM.Name != "" {
		c, err := reg.CreateLLM(a.cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("llm provider not registered, enrichment disabled",
				"name", a.cfg.Providers.LLM.Name)
		} else if err != nil {
			return fmt.Errorf("create llm provider %q: %w", a.cfg.Providers.LLM.Name, err)
		} else {
			a.llmClient = c
			slog.Info("provider created", "kind", "llm", "name", a.cfg.Providers.LLM.Name)
		}
	}
	return nil
}

// initStore selects the persistence backend: injected, PostgreSQL when a DSN
// is configured, in-memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Sync.PostgresDSN
	if dsn == "" {
		slog.Warn("no postgres_dsn configured, thoughts are lost on restart")
		a.store = syncer.NewMemStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	store := syncerpg.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}
	a.store = store
	a.storePing = store.Ping
	a.closers = append(a.closers, func() error {
		store.Close()
		pool.Close()
		return nil
	})
	slog.Info("postgres thought store ready")
	return nil
}

func (a *App) initReconciler() error {
	r, err := syncer.NewReconciler(syncer.Config{
		Store:        a.store,
		Policy:       a.retryPolicy(),
		MaxActionAge: a.cfg.Sync.MaxActionAge,
		Metrics:      a.metrics,
		Events: syncer.Events{
			OnThoughtUpdate: a.onThoughtUpdate,
			OnWarning:       a.events.warn,
		},
	})
	if err != nil {
		return err
	}
	a.reconciler = r
	a.closers = append(a.closers, func() error {
		r.Close()
		return nil
	})
	return nil
}

func (a *App) initQueue() error {
	if a.llmClient == nil {
		slog.Warn("no llm provider configured, thoughts will not be enriched")
		return nil
	}
	q, err := enrich.NewQueue(enrich.Config{
		Workers: a.cfg.Enrich.Workers,
		Policy:  a.retryPolicy(),
		Runner:  enrich.NewLLMRunner(a.llmClient),
		Apply:   a.reconciler.ApplyPatch,
		OnTaskFailed: func(task enrich.Task, err error) {
			a.events.warn(observe.WarnEnrichmentExhausted,
				fmt.Sprintf("enrichment %s gave up for thought %s: %v",
					task.Kind, task.ThoughtID, err))
		},
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}
	a.queue = q
	a.closers = append(a.closers, func() error {
		q.Close()
		return nil
	})
	return nil
}

func (a *App) initController() error {
	c, err := capture.New(capture.Config{
		Device:      a.device,
		Permissions: a.permissions,
		Recognizer:  a.recognizer,
		Batch:       a.chain,
		Language:    optString(a.cfg.Providers.Streaming.Options, "language"),
		Tuning:      tuningFromConfig(a.cfg.Capture),
		Metrics:     a.metrics,
		Events: capture.Events{
			OnStateChange:   a.events.OnCaptureStateChange,
			OnLevel:         a.events.OnLevel,
			OnFramesDropped: a.events.OnFramesDropped,
			OnWarning:       a.events.warn,
			OnResult:        a.onCaptureResult,
		},
	})
	if err != nil {
		return err
	}
	a.controller = c
	return nil
}

// retryPolicy is shared by enrichment retries and offline replay.
func (a *App) retryPolicy() backoff.Policy {
	return backoff.Policy{
		Initial:  a.cfg.Enrich.InitialBackoff,
		Max:      a.cfg.Enrich.MaxBackoff,
		Attempts: a.cfg.Enrich.MaxAttempts,
	}
}

// Run starts the background workers and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	replayCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.replayCancel = cancel
	a.mu.Unlock()

	if a.queue != nil {
		a.queue.Start(ctx)
	}
	go a.reconciler.Run(replayCtx, replayInterval)

	slog.Info("pipeline running",
		"streaming", a.recognizer != nil,
		"batch_backends", a.chain.Len(),
		"enrichment", a.queue != nil)
	<-ctx.Done()
	return ctx.Err()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		cancel := a.replayCancel
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Capture surface ─────────────────────────────────────────────────────────

// StartCapture begins a capture session.
func (a *App) StartCapture(ctx context.Context) error {
	return a.controller.Start(ctx)
}

// StopCapture ends the live session and waits for its result.
func (a *App) StopCapture(ctx context.Context) (capture.Result, error) {
	return a.controller.Stop(ctx)
}

// CancelCapture discards the live session without creating a thought.
func (a *App) CancelCapture() error {
	return a.controller.Cancel()
}

// CaptureState returns the capture lifecycle state.
func (a *App) CaptureState() capture.State {
	return a.controller.State()
}

// Level returns the live input level, or 0 when idle.
func (a *App) Level() float64 {
	return a.controller.Level()
}

// PushAudio feeds one frame payload to the default ingest device. Returns
// [ingest.ErrNotOpen] when nothing is recording, or an error when a custom
// device was injected.
func (a *App) PushAudio(data []byte) error {
	if a.ingest == nil {
		return errors.New("app: audio push requires the ingest device")
	}
	return a.ingest.Push(data)
}

// EndAudio signals end of pushed audio, finalizing the live session.
func (a *App) EndAudio() {
	if a.ingest != nil {
		a.ingest.EndStream()
	}
}

// ─── Thought surface ─────────────────────────────────────────────────────────

// Thought returns a thought by id.
func (a *App) Thought(id string) (thought.Thought, bool) {
	return a.reconciler.Get(id)
}

// Thoughts lists all known thoughts.
func (a *App) Thoughts() []thought.Thought {
	return a.reconciler.List()
}

// PendingActions returns the offline action backlog size.
func (a *App) PendingActions() int {
	return a.reconciler.Pending()
}

// RequeueEnrichment manually re-runs one enrichment kind for a thought after
// its automatic attempts were exhausted.
func (a *App) RequeueEnrichment(id string, kind enrich.Kind) error {
	if a.queue == nil {
		return errors.New("app: enrichment is not configured")
	}
	t, ok := a.reconciler.Get(id)
	if !ok {
		return syncer.ErrNotFound
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("app: requeue enrichment: %w", err)
	}
	return a.queue.Requeue(parsed, kind, t.Content)
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies a hot-reloadable config change produced by the config
// watcher.
func (a *App) ApplyConfig(diff config.ConfigDiff) {
	if diff.CaptureChanged {
		a.controller.ApplyTuning(tuningFromConfig(diff.NewCapture))
		slog.Info("capture tuning reloaded")
	}
	if diff.OptimisticChanged {
		a.mu.Lock()
		a.optimistic = diff.NewOptimistic
		a.mu.Unlock()
		slog.Info("enrichment scheduling reloaded", "optimistic", diff.NewOptimistic)
	}
}

// ─── Pipeline plumbing ───────────────────────────────────────────────────────

// onCaptureResult bridges a finished capture session into the sync and
// enrichment layers.
func (a *App) onCaptureResult(res capture.Result, err error) {
	if err != nil {
		// Failed captures create no thought; the capture layer already
		// warned and counted it.
		return
	}

	conf := res.Confidence
	if conf > 0 && conf < lowConfidenceThreshold {
		a.events.warn(observe.WarnLowConfidence,
			fmt.Sprintf("transcript confidence %.2f, worth reviewing", conf))
	}
	t := a.reconciler.CreateThought(res.Text, syncer.Meta{
		Source:     res.Source,
		Confidence: &conf,
	})

	a.mu.Lock()
	optimistic := a.optimistic
	if !optimistic && a.queue != nil {
		a.awaitingSync[t.ID] = t.Content
	}
	a.mu.Unlock()

	if optimistic {
		a.scheduleEnrichment(t.ID, t.Content)
	}
}

// onThoughtUpdate fans reconciler updates out to the observer and schedules
// deferred enrichment once a thought reaches Synced.
func (a *App) onThoughtUpdate(t thought.Thought) {
	if t.Status == thought.StatusSynced {
		a.mu.Lock()
		content, waiting := a.awaitingSync[t.ID]
		if waiting {
			delete(a.awaitingSync, t.ID)
		}
		a.mu.Unlock()
		if waiting {
			a.scheduleEnrichment(t.ID, content)
		}
	}
	if a.events.OnThoughtUpdate != nil {
		a.events.OnThoughtUpdate(t)
	}
}

func (a *App) scheduleEnrichment(id, content string) {
	if a.queue == nil {
		return
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		slog.Error("unenrichable thought id", "thought_id", id, "error", err)
		return
	}
	if err := a.queue.EnqueueThought(parsed, content); err != nil {
		slog.Warn("enrichment enqueue failed", "thought_id", id, "error", err)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func tuningFromConfig(c config.CaptureConfig) capture.Tuning {
	return capture.Tuning{
		SilenceMs:        c.SilenceMs,
		SessionTimeout:   c.SessionTimeout,
		MinStreamChars:   c.MinStreamChars,
		CorroborateBelow: c.CorroborateBelow,
	}
}

// optString extracts a string value from a provider Options map. Returns ""
// if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
