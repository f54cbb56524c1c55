package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/knowledge-search/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS query_audits (
	id          TEXT PRIMARY KEY,
	trace_id    TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	state       TEXT NOT NULL,
	provider    TEXT,
	degraded    INTEGER NOT NULL DEFAULT 0,
	confidence  REAL NOT NULL DEFAULT 0,
	cost_usd    REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	record      TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_query_audits_trace_id ON query_audits(trace_id);
CREATE INDEX IF NOT EXISTS idx_query_audits_state ON query_audits(state);
CREATE INDEX IF NOT EXISTS idx_query_audits_created_at ON query_audits(created_at);
`

// Migrate creates the audit schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveAudit inserts rec, assigning an id and timestamp when unset.
func (s *SQLiteStore) SaveAudit(ctx context.Context, rec *model.AuditRecord) error {
	prepareRecord(rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO query_audits (id, trace_id, fingerprint, state, provider, degraded, confidence, cost_usd, duration_ms, record, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TraceID, rec.Fingerprint, string(rec.State), rec.Provider, rec.Degraded,
		rec.Confidence, rec.CostUSD, rec.DurationMs, string(data), rec.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert audit %s", rec.ID)
}

// GetAudit returns one record by id.
func (s *SQLiteStore) GetAudit(ctx context.Context, id string) (*model.AuditRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM query_audits WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: audit %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get audit %s", id)
	}
	var rec model.AuditRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal audit")
	}
	return &rec, nil
}

// ListAudits returns records newest first.
func (s *SQLiteStore) ListAudits(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error) {
	var where []string
	var args []any
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, filter.TraceID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT record FROM query_audits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limitOf(filter), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audits")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		var rec model.AuditRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal audit")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audits iterate")
}

// SummarizeAudits groups records created at or after since by state.
func (s *SQLiteStore) SummarizeAudits(ctx context.Context, since time.Time) ([]StateSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*), AVG(duration_ms), AVG(confidence), SUM(cost_usd)
		 FROM query_audits WHERE created_at >= ? GROUP BY state ORDER BY state`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summarize audits")
	}
	defer rows.Close() //nolint:errcheck

	var out []StateSummary
	for rows.Next() {
		var ss StateSummary
		var state string
		if err := rows.Scan(&state, &ss.Count, &ss.AvgDurationMs, &ss.AvgConfidence, &ss.TotalCostUSD); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary")
		}
		ss.State = model.State(state)
		out = append(out, ss)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: summarize iterate")
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = eris.New("store: not found")

func prepareRecord(rec *model.AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
}
