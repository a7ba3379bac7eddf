package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
)

// PgKV is a Postgres-backed KV implementation. Records live in a single
// table and the per-key exclusive primitive maps to session-scoped
// advisory locks, so two engine processes sharing a database serialize on
// the same auction keys.
type PgKV struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS engine_records (
	record_key   TEXT PRIMARY KEY,
	record_value BYTEA NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// OpenPg connects to Postgres and ensures the record table exists.
func OpenPg(ctx context.Context, dsn string) (*PgKV, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure record table: %w", err)
	}
	return &PgKV{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// Close releases the database pool.
func (p *PgKV) Close() error { return p.db.Close() }

// Get returns the value for key.
func (p *PgKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query, args, err := p.builder.
		Select("record_value").
		From("engine_records").
		Where(sq.Eq{"record_key": key}).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("failed to build get query: %w", err)
	}

	var value []byte
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

// Put upserts the value for key.
func (p *PgKV) Put(ctx context.Context, key string, value []byte) error {
	query, args, err := p.builder.
		Insert("engine_records").
		Columns("record_key", "record_value").
		Values(key, value).
		Suffix("ON CONFLICT (record_key) DO UPDATE SET record_value = EXCLUDED.record_value, updated_at = now()").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build put query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Scan returns all pairs under prefix ordered by key.
func (p *PgKV) Scan(ctx context.Context, prefix string) ([]Pair, error) {
	query, args, err := p.builder.
		Select("record_key", "record_value").
		From("engine_records").
		Where(sq.Like{"record_key": likeEscape(prefix) + "%"}).
		OrderBy("record_key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build scan query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var pairs []Pair
	for rows.Next() {
		var pair Pair
		if err := rows.Scan(&pair.Key, &pair.Value); err != nil {
			return nil, fmt.Errorf("failed to read scan row: %w", err)
		}
		pairs = append(pairs, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scan rows: %w", err)
	}
	return pairs, nil
}

// Acquire takes a session-scoped advisory lock derived from the key. The
// lock is held on a dedicated connection until release is called.
func (p *PgKV) Acquire(ctx context.Context, key string) (func(), error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for lock %s: %w", key, err)
	}
	lockID := advisoryLockID(key)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to take advisory lock for %s: %w", key, err)
	}
	release := func() {
		// Unlock on a background context: release must work even when
		// the acquiring context is already cancelled.
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
		conn.Close()
	}
	return release, nil
}

// advisoryLockID maps a record key onto the signed 64-bit advisory lock
// namespace.
func advisoryLockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// likeEscape escapes LIKE metacharacters so prefixes match literally.
func likeEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
