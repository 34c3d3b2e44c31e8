package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS records (
	key        TEXT PRIMARY KEY,
	type       INTEGER NOT NULL,
	count      INTEGER NOT NULL,
	clock      INTEGER NOT NULL,
	quality    INTEGER NOT NULL,
	value      BLOB
);
CREATE TABLE IF NOT EXISTS meta (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// Checkpoint persists a knowledge base snapshot in SQLite so an agent can
// resume with its last known values and clock after a restart.
type Checkpoint struct {
	db *sql.DB
}

// OpenCheckpoint creates or opens the checkpoint database at path.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect checkpoint: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("checkpoint pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint schema: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

func (c *Checkpoint) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Save replaces the stored snapshot with the current contents of b.
func (c *Checkpoint) Save(ctx context.Context, b *Base) (int, error) {
	snap := b.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("checkpoint save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return 0, fmt.Errorf("checkpoint save: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (key, type, count, clock, quality, value)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("checkpoint save: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		rec := snap[k]
		if _, err := stmt.ExecContext(ctx, k, int64(rec.Type), rec.Size(), int64(rec.Clock), int64(rec.Quality), rec.MarshalValue()); err != nil {
			return 0, fmt.Errorf("checkpoint save key=%q: %w", k, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (name, value) VALUES ('clock', ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, int64(b.CurrentClock())); err != nil {
		return 0, fmt.Errorf("checkpoint save clock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("checkpoint save commit: %w", err)
	}
	return len(keys), nil
}

// Load reads every stored record. The map is empty for a fresh checkpoint.
func (c *Checkpoint) Load(ctx context.Context) (map[string]Record, uint64, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT key, type, count, clock, quality, value FROM records ORDER BY key ASC
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("checkpoint load: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var (
			key            string
			typ, count     int64
			clock, quality int64
			value          []byte
		)
		if err := rows.Scan(&key, &typ, &count, &clock, &quality, &value); err != nil {
			return nil, 0, fmt.Errorf("checkpoint load: %w", err)
		}
		rec, _, err := UnmarshalValue(ValueType(typ), uint32(count), value)
		if err != nil {
			return nil, 0, fmt.Errorf("checkpoint load key=%q: %w", key, err)
		}
		rec.Clock = uint64(clock)
		rec.Quality = uint32(quality)
		out[key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("checkpoint load: %w", err)
	}

	var clock int64
	err = c.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = 'clock'`).Scan(&clock)
	if err != nil && err != sql.ErrNoRows {
		return nil, 0, fmt.Errorf("checkpoint load clock: %w", err)
	}
	return out, uint64(clock), nil
}

// Restore loads the checkpoint into b through normal arbitration, so values
// already newer in b are kept.
func (c *Checkpoint) Restore(ctx context.Context, b *Base) (int, error) {
	records, clock, err := c.Load(ctx)
	if err != nil {
		return 0, err
	}
	applied := 0
	for key, rec := range records {
		if b.TryApply(key, rec, rec.Clock, rec.Quality) {
			applied++
		}
	}
	b.observe(clock)
	return applied, nil
}
