// Package postgres provides a PostgreSQL-backed syncer.Store. Remote changes
// are pushed to subscribers through LISTEN/NOTIFY, so edits made by another
// device (or process) reach the reconciler without polling.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonlabs/murmur/internal/syncer"
	"github.com/halcyonlabs/murmur/pkg/thought"
)

// notifyChannel is the NOTIFY channel the schema trigger publishes to.
const notifyChannel = "murmur_thought_changes"

// Schema is the SQL DDL for the thoughts table and its change-notification
// trigger. Execute it via [Store.Migrate] or apply it manually during
// deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS thoughts (
    id          TEXT PRIMARY KEY,
    content     TEXT NOT NULL,
    source      TEXT NOT NULL DEFAULT '',
    confidence  DOUBLE PRECISION,
    status      TEXT NOT NULL DEFAULT 'synced',
    enrichment  JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION murmur_notify_thought_change() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('murmur_thought_changes', row_to_json(NEW)::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS thoughts_notify ON thoughts;
CREATE TRIGGER thoughts_notify
    AFTER INSERT OR UPDATE ON thoughts
    FOR EACH ROW EXECUTE FUNCTION murmur_notify_thought_change();
`

// Compile-time interface check.
var _ syncer.Store = (*Store)(nil)

// Store is a [syncer.Store] backed by a PostgreSQL pool. Enrichment is
// serialised as JSONB.
type Store struct {
	pool *pgxpool.Pool

	mu        sync.Mutex
	subs      map[int]func(thought.Thought)
	nextSub   int
	listening bool
	stop      context.CancelFunc
	done      chan struct{}
}

// NewStore creates a store on the given pool. The caller is responsible for
// calling [Store.Migrate] before issuing writes.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		subs: make(map[int]func(thought.Thought)),
	}
}

// Ping verifies database connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("syncer/postgres: ping: %w", err)
	}
	return nil
}

// Migrate executes the [Schema] DDL, creating the thoughts table and the
// notification trigger if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("syncer/postgres: migrate: %w", err)
	}
	return nil
}

// Close stops the notification listener. The pool itself is owned by the
// caller and is not closed.
func (s *Store) Close() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.listening = false
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

// Write implements [syncer.Store] as an upsert keyed on the client-generated
// id. updated_at is always stamped server-side so last-write-wins comparisons
// use one clock.
func (s *Store) Write(ctx context.Context, t thought.Thought) (thought.Thought, error) {
	enrichmentJSON, err := json.Marshal(t.Enrichment)
	if err != nil {
		return thought.Thought{}, fmt.Errorf("syncer/postgres: marshal enrichment: %w", err)
	}

	const query = `
		INSERT INTO thoughts (id, content, source, confidence, status, enrichment)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			source = EXCLUDED.source,
			confidence = EXCLUDED.confidence,
			status = EXCLUDED.status,
			enrichment = EXCLUDED.enrichment,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.pool.QueryRow(ctx, query,
		t.ID, t.Content, string(t.Source), t.Confidence,
		string(thought.StatusSynced), enrichmentJSON,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return thought.Thought{}, fmt.Errorf("syncer/postgres: write %q: %w (%w)",
			t.ID, err, syncer.ErrStoreUnavailable)
	}
	return t, nil
}

// Get retrieves a thought by id. Returns [syncer.ErrNotFound] when no row
// exists.
func (s *Store) Get(ctx context.Context, id string) (thought.Thought, error) {
	const query = `
		SELECT id, content, source, confidence, status, enrichment, created_at, updated_at
		FROM thoughts
		WHERE id = $1`

	var (
		t              thought.Thought
		source, status string
		enrichmentJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.Content, &source, &t.Confidence, &status,
		&enrichmentJSON, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return thought.Thought{}, syncer.ErrNotFound
		}
		return thought.Thought{}, fmt.Errorf("syncer/postgres: get %q: %w", id, err)
	}
	t.Source = thought.TranscriptSource(source)
	t.Status = thought.Status(status)
	if err := json.Unmarshal(enrichmentJSON, &t.Enrichment); err != nil {
		return thought.Thought{}, fmt.Errorf("syncer/postgres: unmarshal enrichment: %w", err)
	}
	return t, nil
}

// Subscribe implements [syncer.Store]. The first subscriber starts a
// background LISTEN connection; it reconnects with a short delay on failure.
func (s *Store) Subscribe(fn func(thought.Thought)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	if !s.listening {
		s.listening = true
		ctx, stop := context.WithCancel(context.Background())
		s.stop = stop
		s.done = make(chan struct{})
		go s.listen(ctx, s.done)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) listen(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		if err := s.listenOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("thought change listener disconnected, retrying", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("syncer/postgres: acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("syncer/postgres: listen: %w", err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("syncer/postgres: wait for notification: %w", err)
		}
		t, err := decodeNotification([]byte(notification.Payload))
		if err != nil {
			slog.Warn("undecodable thought notification dropped", "error", err)
			continue
		}
		s.mu.Lock()
		fns := make([]func(thought.Thought), 0, len(s.subs))
		for _, fn := range s.subs {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn(t.Clone())
		}
	}
}

// decodeNotification maps the trigger's row_to_json payload onto a Thought.
// Timestamps arrive as strings because Postgres renders timestamptz with an
// abbreviated zone offset ("+00") that encoding/json's RFC 3339 parser
// rejects.
func decodeNotification(payload []byte) (thought.Thought, error) {
	var row struct {
		ID         string             `json:"id"`
		Content    string             `json:"content"`
		Source     string             `json:"source"`
		Confidence *float64           `json:"confidence"`
		Status     string             `json:"status"`
		Enrichment thought.Enrichment `json:"enrichment"`
		CreatedAt  string             `json:"created_at"`
		UpdatedAt  string             `json:"updated_at"`
	}
	if err := json.Unmarshal(payload, &row); err != nil {
		return thought.Thought{}, fmt.Errorf("syncer/postgres: decode notification: %w", err)
	}
	if row.ID == "" {
		return thought.Thought{}, errors.New("syncer/postgres: notification without id")
	}
	createdAt, err := parseTimestamp(row.CreatedAt)
	if err != nil {
		return thought.Thought{}, fmt.Errorf("syncer/postgres: decode created_at: %w", err)
	}
	updatedAt, err := parseTimestamp(row.UpdatedAt)
	if err != nil {
		return thought.Thought{}, fmt.Errorf("syncer/postgres: decode updated_at: %w", err)
	}
	return thought.Thought{
		ID:         row.ID,
		Content:    row.Content,
		Source:     thought.TranscriptSource(row.Source),
		Confidence: row.Confidence,
		Status:     thought.Status(row.Status),
		Enrichment: row.Enrichment,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}

// timestampLayouts covers the timestamptz renderings Postgres emits in JSON
// payloads: abbreviated offsets ("+00"), hour:minute offsets, and plain
// RFC 3339 from servers configured with timezone = 'UTC'.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999-07",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	time.RFC3339Nano,
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
