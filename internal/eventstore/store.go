// Package eventstore persists task lifecycle events and latest snapshots to
// a per-world-seed Postgres database. Every write is fire-and-forget: the
// executor and SSE paths are never blocked by persistence, and failures are
// swallowed with a warning.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"steve/internal/async"
	"steve/internal/logging"
	"steve/internal/task"
)

const writeQueueDepth = 512

// Store is the append-only event store. A nil *Store (disabled mode) no-ops
// on every method.
type Store struct {
	pool      *pgxpool.Pool
	worldSeed string
	logger    logging.Logger

	queue    chan writeOp
	stopOnce sync.Once
	done     chan struct{}
	drained  sync.WaitGroup
}

type writeOp struct {
	event    bool
	evType   string
	taskID   string
	data     []byte
	status   string
	snapshot []byte
	at       time.Time
}

// Open connects to the per-seed database, creating it and the schema when
// missing. The world seed is required and must be non-empty.
func Open(ctx context.Context, databaseURL, worldSeed string, logger logging.Logger) (*Store, error) {
	logger = logging.OrNop(logger)
	if strings.TrimSpace(worldSeed) == "" {
		return nil, fmt.Errorf("world seed required for event store")
	}
	dbName := SeedDatabaseName(worldSeed)

	if err := ensureDatabase(ctx, databaseURL, dbName); err != nil {
		return nil, fmt.Errorf("ensure database %s: %w", dbName, err)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.Database = dbName
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", dbName, err)
	}

	s := &Store{
		pool:      pool,
		worldSeed: worldSeed,
		logger:    logger,
		queue:     make(chan writeOp, writeQueueDepth),
		done:      make(chan struct{}),
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.drained.Add(1)
	async.Go(logger, "event-store-writer", func() {
		defer s.drained.Done()
		s.writer()
	})
	return s, nil
}

// SeedDatabaseName sanitizes the seed into a database name: alphanumerics
// and underscores survive, '-' maps to 'n', everything else is dropped.
func SeedDatabaseName(seed string) string {
	var sb strings.Builder
	sb.WriteString("base_seed_")
	for _, r := range seed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		case r == '-':
			sb.WriteByte('n')
		}
	}
	return sb.String()
}

func ensureDatabase(ctx context.Context, databaseURL, dbName string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	var exists bool
	err = conn.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, dbName).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	// Database names cannot be parameterized; dbName is sanitized above.
	_, err = conn.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s`, dbName))
	return err
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_events (
    event_id BIGSERIAL PRIMARY KEY,
    event_type TEXT NOT NULL,
    event_ts TIMESTAMPTZ NOT NULL,
    task_id TEXT NOT NULL DEFAULT '',
    event_data JSONB,
    world_seed TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events (task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_ts ON task_events (event_ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_type_ts ON task_events (event_type, event_ts DESC);`,
		`CREATE TABLE IF NOT EXISTS task_snapshots (
    task_id TEXT PRIMARY KEY,
    snapshot_ts TIMESTAMPTZ NOT NULL,
    task_data JSONB NOT NULL,
    world_seed TEXT NOT NULL,
    status TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_task_snapshots_status ON task_snapshots (status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_snapshots_ts ON task_snapshots (snapshot_ts DESC);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("event store schema: %w", err)
		}
	}
	return nil
}

// RecordEvent implements task.Persister. Never blocks; drops with a warning
// when the write queue is saturated.
func (s *Store) RecordEvent(eventType string, taskID string, data any) {
	if s == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("event %s for %s not serializable: %v", eventType, taskID, err)
		raw = []byte("{}")
	}
	s.enqueue(writeOp{event: true, evType: eventType, taskID: taskID, data: raw, at: time.Now()})
}

// RecordSnapshot implements task.Persister.
func (s *Store) RecordSnapshot(t *task.Task) {
	if s == nil || t == nil {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		s.logger.Warn("snapshot for %s not serializable: %v", t.ID, err)
		return
	}
	s.enqueue(writeOp{taskID: t.ID, status: string(t.Status), snapshot: raw, at: time.Now()})
}

func (s *Store) enqueue(op writeOp) {
	select {
	case s.queue <- op:
	case <-s.done:
	default:
		s.logger.Warn("event store queue full; dropping %s write for %s", opKind(op), op.taskID)
	}
}

func opKind(op writeOp) string {
	if op.event {
		return "event"
	}
	return "snapshot"
}

func (s *Store) writer() {
	for {
		select {
		case op := <-s.queue:
			s.apply(op)
		case <-s.done:
			for {
				select {
				case op := <-s.queue:
					s.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if op.event {
		_, err = s.pool.Exec(ctx, `
INSERT INTO task_events (event_type, event_ts, task_id, event_data, world_seed)
VALUES ($1, $2, $3, $4::jsonb, $5)`,
			op.evType, op.at, op.taskID, op.data, s.worldSeed)
	} else {
		_, err = s.pool.Exec(ctx, `
INSERT INTO task_snapshots (task_id, snapshot_ts, task_data, world_seed, status)
VALUES ($1, $2, $3::jsonb, $4, $5)
ON CONFLICT (task_id) DO UPDATE SET
    snapshot_ts = EXCLUDED.snapshot_ts,
    task_data = EXCLUDED.task_data,
    status = EXCLUDED.status`,
			op.taskID, op.at, op.snapshot, s.worldSeed, op.status)
	}
	if err != nil {
		s.logger.Warn("event store %s write failed: %v", opKind(op), err)
	}
}

// Close flushes queued writes and releases the pool.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.done) })
	s.drained.Wait()
	s.pool.Close()
}
