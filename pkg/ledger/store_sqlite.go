package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded single-node Store, used by the CLI and by
// air-gapped deployments. Same CAS semantics as PostgresStore via the
// (entity_id, sequence) primary key.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the
// schema. Use ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS ledger_entries (
		entity_id     TEXT NOT NULL,
		sequence      INTEGER NOT NULL,
		entity_model  TEXT NOT NULL,
		event_type    TEXT NOT NULL,
		payload       TEXT NOT NULL,
		performed_by  TEXT NOT NULL DEFAULT '',
		ts            TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		current_hash  TEXT NOT NULL,
		signature     TEXT NOT NULL,
		context       TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (entity_id, sequence)
	);
	CREATE TABLE IF NOT EXISTS ledger_chains (
		entity_id      TEXT PRIMARY KEY,
		state          TEXT NOT NULL DEFAULT 'OPEN',
		hold_reason    TEXT NOT NULL DEFAULT '',
		hold_set_by    TEXT NOT NULL DEFAULT '',
		last_append_at TEXT NOT NULL
	);`)
	return err
}

func (s *SQLiteStore) Head(ctx context.Context, entityID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, sequence, entity_model, event_type, payload,
		       performed_by, ts, previous_hash, current_hash, signature, context
		FROM ledger_entries WHERE entity_id = ? ORDER BY sequence DESC LIMIT 1`, entityID)
	e, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal payload: %w", err)
	}
	ectx, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("ledger: marshal context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			entity_id, sequence, entity_model, event_type, payload,
			performed_by, ts, previous_hash, current_hash, signature, context
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntityID, e.Sequence, e.EntityModel, string(e.EventType), string(payload),
		e.PerformedBy, e.Timestamp, e.PreviousHash, e.CurrentHash, e.Signature, string(ectx),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "constraint failed") {
			return ErrSequenceConflict
		}
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_chains (entity_id, last_append_at) VALUES (?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET last_append_at = excluded.last_append_at`,
		e.EntityID, now)
	return err
}

func (s *SQLiteStore) Entries(ctx context.Context, entityID string, maxSeq int64) ([]*Entry, error) {
	query := `SELECT entity_id, sequence, entity_model, event_type, payload,
		performed_by, ts, previous_hash, current_hash, signature, context
		FROM ledger_entries WHERE entity_id = ?`
	args := []interface{}{entityID}
	if maxSeq >= 0 {
		query += ` AND sequence <= ?`
		args = append(args, maxSeq)
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Query scans all entries and filters in process. The embedded store is not
// the forensic backend; Postgres carries the indexed query path.
func (s *SQLiteStore) Query(ctx context.Context, f QueryFilter) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, sequence, entity_model, event_type, payload,
		       performed_by, ts, previous_hash, current_hash, signature, context
		FROM ledger_entries ORDER BY ts ASC, sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		if matches(e, f) {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *SQLiteStore) Meta(ctx context.Context, entityID string) (*ChainMeta, error) {
	m := &ChainMeta{EntityID: entityID, State: ChainOpen}
	var lastAppend string
	err := s.db.QueryRowContext(ctx, `
		SELECT state, hold_reason, hold_set_by, last_append_at
		FROM ledger_chains WHERE entity_id = ?`, entityID).
		Scan(&m.State, &m.HoldReason, &m.HoldSetBy, &lastAppend)
	if err == sql.ErrNoRows {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, lastAppend); perr == nil {
		m.LastAppendAt = t
	}
	return m, nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, meta *ChainMeta) error {
	last := meta.LastAppendAt
	if last.IsZero() {
		last = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_chains (entity_id, state, hold_reason, hold_set_by, last_append_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (entity_id) DO UPDATE
		SET state = excluded.state, hold_reason = excluded.hold_reason,
		    hold_set_by = excluded.hold_set_by`,
		meta.EntityID, string(meta.State), meta.HoldReason, meta.HoldSetBy,
		last.Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) scan(row rowScanner) (*Entry, error) {
	var e Entry
	var payload, ectx string
	err := row.Scan(
		&e.EntityID, &e.Sequence, &e.EntityModel, (*string)(&e.EventType), &payload,
		&e.PerformedBy, &e.Timestamp, &e.PreviousHash, &e.CurrentHash, &e.Signature, &ectx,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal payload: %w", err)
	}
	if err := json.Unmarshal([]byte(ectx), &e.Context); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal context: %w", err)
	}
	return &e, nil
}
