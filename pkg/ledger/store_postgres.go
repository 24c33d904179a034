package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists chains in PostgreSQL. The UNIQUE(entity_id,
// sequence) constraint provides the compare-and-set that keeps concurrent
// appenders from writing the same slot.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle and ensures the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS ledger_entries (
		entity_id     TEXT NOT NULL,
		sequence      BIGINT NOT NULL,
		entity_model  TEXT NOT NULL,
		event_type    TEXT NOT NULL,
		payload       JSONB NOT NULL,
		performed_by  TEXT,
		ts            TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		current_hash  TEXT NOT NULL,
		signature     TEXT NOT NULL,
		workspace_id  TEXT,
		session_id    TEXT,
		ip_address    TEXT,
		request_id    TEXT,
		risk_level    TEXT,
		compliance_flags TEXT[],
		PRIMARY KEY (entity_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_workspace ON ledger_entries (workspace_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_actor ON ledger_entries (performed_by);
	CREATE TABLE IF NOT EXISTS ledger_chains (
		entity_id      TEXT PRIMARY KEY,
		state          TEXT NOT NULL DEFAULT 'OPEN',
		hold_reason    TEXT,
		hold_set_by    TEXT,
		last_append_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`)
	return err
}

func (s *PostgresStore) Head(ctx context.Context, entityID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE entity_id = $1 ORDER BY sequence DESC LIMIT 1`, entityID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			entity_id, sequence, entity_model, event_type, payload,
			performed_by, ts, previous_hash, current_hash, signature,
			workspace_id, session_id, ip_address, request_id, risk_level, compliance_flags
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		e.EntityID, e.Sequence, e.EntityModel, string(e.EventType), payload,
		nullable(e.PerformedBy), e.Timestamp, e.PreviousHash, e.CurrentHash, e.Signature,
		nullable(e.Context.WorkspaceID), nullable(e.Context.SessionID),
		nullable(e.Context.IPAddress), nullable(e.Context.RequestID),
		nullable(e.Context.RiskLevel), pq.Array(e.Context.ComplianceFlags),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSequenceConflict
		}
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_chains (entity_id, last_append_at) VALUES ($1, NOW())
		ON CONFLICT (entity_id) DO UPDATE SET last_append_at = NOW()`, e.EntityID)
	return err
}

func (s *PostgresStore) Entries(ctx context.Context, entityID string, maxSeq int64) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE entity_id = $1`
	args := []interface{}{entityID}
	if maxSeq >= 0 {
		query += ` AND sequence <= $2`
		args = append(args, maxSeq)
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) Query(ctx context.Context, f QueryFilter) ([]*Entry, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.EntityModel != "" {
		add("entity_model = $%d", f.EntityModel)
	}
	if f.WorkspaceID != "" {
		add("workspace_id = $%d", f.WorkspaceID)
	}
	if f.Actor != "" {
		add("performed_by = $%d", f.Actor)
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.IPAddress != "" {
		add("ip_address = $%d", f.IPAddress)
	}
	if f.RequestID != "" {
		add("request_id = $%d", f.RequestID)
	}
	if f.RiskLevel != "" {
		add("risk_level = $%d", f.RiskLevel)
	}
	if f.ComplianceFlag != "" {
		add("$%d = ANY(compliance_flags)", f.ComplianceFlag)
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		add("ts <= $%d", f.To.UTC().Format(time.RFC3339Nano))
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY ts ASC, sequence ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) Meta(ctx context.Context, entityID string) (*ChainMeta, error) {
	m := &ChainMeta{EntityID: entityID, State: ChainOpen}
	var holdReason, holdSetBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT state, hold_reason, hold_set_by, last_append_at
		FROM ledger_chains WHERE entity_id = $1`, entityID).
		Scan(&m.State, &holdReason, &holdSetBy, &m.LastAppendAt)
	if err == sql.ErrNoRows {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	m.HoldReason = holdReason.String
	m.HoldSetBy = holdSetBy.String
	return m, nil
}

func (s *PostgresStore) SetMeta(ctx context.Context, meta *ChainMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_chains (entity_id, state, hold_reason, hold_set_by, last_append_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (entity_id) DO UPDATE
		SET state = $2, hold_reason = $3, hold_set_by = $4`,
		meta.EntityID, string(meta.State), nullable(meta.HoldReason), nullable(meta.HoldSetBy))
	return err
}

const entryColumns = `entity_id, sequence, entity_model, event_type, payload,
	performed_by, ts, previous_hash, current_hash, signature,
	workspace_id, session_id, ip_address, request_id, risk_level, compliance_flags`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var payload []byte
	var performedBy, workspaceID, sessionID, ipAddress, requestID, riskLevel sql.NullString
	var flags pq.StringArray

	err := row.Scan(
		&e.EntityID, &e.Sequence, &e.EntityModel, (*string)(&e.EventType), &payload,
		&performedBy, &e.Timestamp, &e.PreviousHash, &e.CurrentHash, &e.Signature,
		&workspaceID, &sessionID, &ipAddress, &requestID, &riskLevel, &flags,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal payload: %w", err)
	}
	e.PerformedBy = performedBy.String
	e.Context = EntryContext{
		WorkspaceID:     workspaceID.String,
		SessionID:       sessionID.String,
		IPAddress:       ipAddress.String,
		RequestID:       requestID.String,
		RiskLevel:       riskLevel.String,
		ComplianceFlags: flags,
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
