// Package postgres mirrors segment lifecycle events into a PostgreSQL table
// so that the history of what was buffered, evicted, and cleared survives
// restarts of the (always empty on start) in-memory registry.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	feed := catalog.NewFeed(catalog.WithSink("postgres", store))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/mictrail/internal/buffering"
	"github.com/MrWong99/mictrail/internal/catalog"
	"github.com/MrWong99/mictrail/internal/observe"
)

var _ catalog.Recorder = (*Store)(nil)

const ddlSegmentEvents = `
CREATE TABLE IF NOT EXISTS segment_events (
    id               BIGSERIAL    PRIMARY KEY,
    event_type       TEXT         NOT NULL,
    segment_id       TEXT         NOT NULL,
    file_location    TEXT         NOT NULL,
    sample_rate      INTEGER      NOT NULL,
    start_timestamp  BIGINT       NOT NULL,
    duration_ms      BIGINT       NOT NULL,
    size_bytes       BIGINT       NOT NULL,
    recorded_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_segment_events_segment_id
    ON segment_events (segment_id);

CREATE INDEX IF NOT EXISTS idx_segment_events_recorded_at
    ON segment_events (recorded_at);
`

// Migrate creates the segment_events table if it does not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSegmentEvents); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store is a [catalog.Recorder] backed by a [pgxpool.Pool]. All methods are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Record implements [catalog.Sink].
func (s *Store) Record(ctx context.Context, ev catalog.Event) (err error) {
	ctx, span := observe.StartSpan(ctx, "catalog.record",
		trace.WithAttributes(
			attribute.String("event.type", string(ev.Type)),
			attribute.String("segment.id", ev.Segment.ID),
		),
	)
	defer func() { observe.EndSpan(span, err) }()

	const q = `
		INSERT INTO segment_events
		    (event_type, segment_id, file_location, sample_rate, start_timestamp, duration_ms, size_bytes, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := s.pool.Exec(ctx, q,
		string(ev.Type),
		ev.Segment.ID,
		ev.Segment.Location,
		ev.Segment.SampleRate,
		ev.Segment.StartTimestamp,
		ev.Segment.DurationMs,
		ev.Segment.SizeBytes,
		ev.At,
	); err != nil {
		return fmt.Errorf("postgres store: record event: %w", err)
	}
	return nil
}

// Recent implements [catalog.Recorder].
func (s *Store) Recent(ctx context.Context, limit int) ([]catalog.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT event_type, segment_id, file_location, sample_rate, start_timestamp, duration_ms, size_bytes, recorded_at
		FROM   segment_events
		ORDER  BY id DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Event, error) {
		var (
			ev  catalog.Event
			typ string
			seg buffering.SegmentInfo
		)
		if err := row.Scan(&typ, &seg.ID, &seg.Location, &seg.SampleRate,
			&seg.StartTimestamp, &seg.DurationMs, &seg.SizeBytes, &ev.At); err != nil {
			return catalog.Event{}, err
		}
		ev.Type = catalog.EventType(typ)
		ev.Segment = seg
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan recent: %w", err)
	}
	return events, nil
}

// Ping checks database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
