package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/adamsuskin/grocery-sub002/internal/conflict"
	"github.com/adamsuskin/grocery-sub002/internal/item"
	"github.com/adamsuskin/grocery-sub002/internal/mutation"
)

// SQLite is the default Store backend: an embedded SQLite database in WAL
// mode. One writer (the queue manager) plus concurrent readers (CLI
// diagnostics) is exactly the access pattern WAL is built for.
type SQLite struct {
	conn *sql.DB
	path string
	opts Options
}

// OpenSQLite opens (or creates) the queue database at path and applies any
// pending schema migrations before returning.
//
// The caller MUST call Close() when done.
func OpenSQLite(path string, opts Options) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	// Single writer; a small pool covers concurrent readers.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{conn: conn, path: path, opts: opts.withDefaults()}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// migrate brings the schema up to SchemaVersion using PRAGMA user_version.
// Migrations run before any load, so the queue never processes an old
// layout.
func (s *SQLite) migrate(ctx context.Context) error {
	var version int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("queue database version %d is newer than supported %d", version, SchemaVersion)
	}

	for version < SchemaVersion {
		next := version + 1
		step, ok := sqliteMigrations[next]
		if !ok {
			return fmt.Errorf("missing migration step to version %d", next)
		}
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration to v%d: %w", next, err)
		}
		if _, err := tx.ExecContext(ctx, step); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to migrate to v%d: %w", next, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", next)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to stamp schema version %d: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration to v%d: %w", next, err)
		}
		version = next
	}
	return nil
}

var sqliteMigrations = map[int]string{
	1: `
	CREATE TABLE IF NOT EXISTS mutations (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		target_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		seq INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 2,
		last_error TEXT,
		base TEXT,
		remote TEXT,
		resolves TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);
	CREATE INDEX IF NOT EXISTS idx_mutations_target ON mutations(target_id);
	CREATE INDEX IF NOT EXISTS idx_mutations_dispatch
	    ON mutations(status, priority, seq);
	`,
	2: `
	ALTER TABLE mutations ADD COLUMN next_attempt_at TEXT;

	CREATE TABLE IF NOT EXISTS resolutions (
		conflict_id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		resolved_at TEXT NOT NULL,
		field_winners TEXT
	);

	CREATE TABLE IF NOT EXISTS tombstones (
		entity_id TEXT PRIMARY KEY,
		deleted_at TEXT NOT NULL
	);
	`,
}

// Load implements Store.
func (s *SQLite) Load(ctx context.Context) ([]*mutation.Mutation, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, type, payload, target_id, timestamp, seq, retry_count,
	       status, priority, last_error, base, remote, resolves, next_attempt_at
	FROM mutations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to load mutations: %w", err)
	}
	defer rows.Close()

	var muts []*mutation.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		muts = append(muts, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mutations: %w", err)
	}
	return muts, nil
}

func scanMutation(rows *sql.Rows) (*mutation.Mutation, error) {
	var (
		m                           mutation.Mutation
		payload                     string
		ts                          string
		lastErr, base, remote       sql.NullString
		resolves, nextAttempt       sql.NullString
	)
	if err := rows.Scan(&m.ID, &m.Type, &payload, &m.TargetID, &ts, &m.Seq,
		&m.RetryCount, &m.Status, &m.Priority, &lastErr, &base, &remote,
		&resolves, &nextAttempt); err != nil {
		return nil, fmt.Errorf("failed to scan mutation: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload for %s: %w", m.ID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp for %s: %w", m.ID, err)
	}
	m.Timestamp = t
	m.LastError = lastErr.String
	m.Resolves = resolves.String

	if base.Valid && base.String != "" {
		var it item.Item
		if err := json.Unmarshal([]byte(base.String), &it); err != nil {
			return nil, fmt.Errorf("failed to parse base snapshot for %s: %w", m.ID, err)
		}
		m.Base = &it
	}
	if remote.Valid && remote.String != "" {
		var it item.Item
		if err := json.Unmarshal([]byte(remote.String), &it); err != nil {
			return nil, fmt.Errorf("failed to parse remote snapshot for %s: %w", m.ID, err)
		}
		m.Remote = &it
	}
	if nextAttempt.Valid && nextAttempt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, nextAttempt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse next_attempt_at for %s: %w", m.ID, err)
		}
		m.NextAttemptAt = t
	}
	return &m, nil
}

// Save implements Store. The replace and the reclamation ladder run in one
// transaction so a crash never leaves a partial queue.
func (s *SQLite) Save(ctx context.Context, muts []*mutation.Mutation) (*SaveResult, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM mutations"); err != nil {
		return nil, fmt.Errorf("failed to clear mutations: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO mutations (
		id, type, payload, target_id, timestamp, seq, retry_count,
		status, priority, last_error, base, remote, resolves, next_attempt_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range muts {
		payload, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload for %s: %w", m.ID, err)
		}
		var base, remote string
		if m.Base != nil {
			b, err := json.Marshal(m.Base)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal base snapshot for %s: %w", m.ID, err)
			}
			base = string(b)
		}
		if m.Remote != nil {
			b, err := json.Marshal(m.Remote)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal remote snapshot for %s: %w", m.ID, err)
			}
			remote = string(b)
		}
		var nextAttempt string
		if !m.NextAttemptAt.IsZero() {
			nextAttempt = m.NextAttemptAt.Format(time.RFC3339Nano)
		}

		if _, err := stmt.ExecContext(ctx,
			m.ID, string(m.Type), string(payload), m.TargetID,
			m.Timestamp.Format(time.RFC3339Nano), m.Seq, m.RetryCount,
			string(m.Status), m.Priority, m.LastError, base, remote,
			m.Resolves, nextAttempt,
		); err != nil {
			return nil, fmt.Errorf("failed to insert mutation %s: %w", m.ID, err)
		}
	}

	res, err := s.reclaimTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit save: %w", err)
	}
	return res, nil
}

// reclaimTx runs the reclamation ladder inside the save transaction.
func (s *SQLite) reclaimTx(ctx context.Context, tx *sql.Tx) (*SaveResult, error) {
	var res SaveResult
	cutoff := time.Now().Add(-s.opts.Retention).Format(time.RFC3339Nano)

	r, err := tx.ExecContext(ctx,
		"DELETE FROM mutations WHERE status = ? AND timestamp < ?",
		string(mutation.StatusSuccess), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to prune successes: %w", err)
	}
	if n, err := r.RowsAffected(); err == nil {
		res.PrunedSuccesses = int(n)
	}

	r, err = tx.ExecContext(ctx, "DELETE FROM resolutions WHERE resolved_at < ?", cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to prune resolutions: %w", err)
	}
	if n, err := r.RowsAffected(); err == nil {
		res.PrunedResolutions = int(n)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM tombstones WHERE deleted_at < ?", cutoff); err != nil {
		return nil, fmt.Errorf("failed to prune tombstones: %w", err)
	}

	r, err = tx.ExecContext(ctx, `
	DELETE FROM mutations WHERE status = ? AND id IN (
		SELECT id FROM mutations WHERE status = ?
		ORDER BY seq DESC LIMIT -1 OFFSET ?
	)`, string(mutation.StatusPending), string(mutation.StatusPending), s.opts.PendingCap)
	if err != nil {
		return nil, fmt.Errorf("failed to enforce pending cap: %w", err)
	}
	if n, err := r.RowsAffected(); err == nil {
		res.DroppedPending = int(n)
	}

	return &res, nil
}

// AppendResolution implements Store.
func (s *SQLite) AppendResolution(ctx context.Context, rec *conflict.Record) error {
	winners, err := json.Marshal(rec.FieldWinners)
	if err != nil {
		return fmt.Errorf("failed to marshal field winners: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO resolutions (conflict_id, entity_id, strategy, resolved_at, field_winners)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(conflict_id) DO UPDATE SET
		strategy = excluded.strategy,
		resolved_at = excluded.resolved_at,
		field_winners = excluded.field_winners`,
		rec.ConflictID, rec.EntityID, string(rec.Strategy),
		rec.ResolvedAt.Format(time.RFC3339Nano), string(winners))
	if err != nil {
		return fmt.Errorf("failed to append resolution %s: %w", rec.ConflictID, err)
	}
	return nil
}

// Resolutions implements Store.
func (s *SQLite) Resolutions(ctx context.Context) ([]*conflict.Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT conflict_id, entity_id, strategy, resolved_at, field_winners
	FROM resolutions ORDER BY resolved_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load resolutions: %w", err)
	}
	defer rows.Close()

	var recs []*conflict.Record
	for rows.Next() {
		var (
			rec      conflict.Record
			at       string
			strategy string
			winners  sql.NullString
		)
		if err := rows.Scan(&rec.ConflictID, &rec.EntityID, &strategy, &at, &winners); err != nil {
			return nil, fmt.Errorf("failed to scan resolution: %w", err)
		}
		rec.Strategy = conflict.Strategy(strategy)
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse resolved_at: %w", err)
		}
		rec.ResolvedAt = t
		if winners.Valid && winners.String != "" {
			if err := json.Unmarshal([]byte(winners.String), &rec.FieldWinners); err != nil {
				return nil, fmt.Errorf("failed to parse field winners: %w", err)
			}
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// RecordTombstone implements Store.
func (s *SQLite) RecordTombstone(ctx context.Context, entityID string, at time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO tombstones (entity_id, deleted_at) VALUES (?, ?)
	ON CONFLICT(entity_id) DO UPDATE SET deleted_at = excluded.deleted_at`,
		entityID, at.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record tombstone for %s: %w", entityID, err)
	}
	return nil
}

// HasTombstone implements Store.
func (s *SQLite) HasTombstone(ctx context.Context, entityID string) (bool, error) {
	cutoff := time.Now().Add(-s.opts.Retention).Format(time.RFC3339Nano)
	var n int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tombstones WHERE entity_id = ? AND deleted_at >= ?",
		entityID, cutoff).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone for %s: %w", entityID, err)
	}
	return n > 0, nil
}

// Close implements Store. A WAL checkpoint runs first so all changes land
// in the main database file.
func (s *SQLite) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}
	s.conn = nil
	return nil
}
