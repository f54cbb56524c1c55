package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/knowledge-search/internal/db"
	"github.com/sells-group/knowledge-search/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with its own connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close does not close it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS query_audits (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	trace_id    TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	state       TEXT NOT NULL,
	provider    TEXT,
	degraded    BOOLEAN NOT NULL DEFAULT false,
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	record      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_query_audits_trace_id ON query_audits(trace_id);
CREATE INDEX IF NOT EXISTS idx_query_audits_state ON query_audits(state);
CREATE INDEX IF NOT EXISTS idx_query_audits_created_at ON query_audits(created_at DESC);
`

// Migrate creates the audit schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the pool if this store owns it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// SaveAudit inserts rec, assigning an id and timestamp when unset.
func (s *PostgresStore) SaveAudit(ctx context.Context, rec *model.AuditRecord) error {
	prepareRecord(rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO query_audits (id, trace_id, fingerprint, state, provider, degraded, confidence, cost_usd, duration_ms, record, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.TraceID, rec.Fingerprint, string(rec.State), rec.Provider, rec.Degraded,
		rec.Confidence, rec.CostUSD, rec.DurationMs, data, rec.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert audit %s", rec.ID)
}

// GetAudit returns one record by id.
func (s *PostgresStore) GetAudit(ctx context.Context, id string) (*model.AuditRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM query_audits WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: audit %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get audit %s", id)
	}
	var rec model.AuditRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal audit")
	}
	return &rec, nil
}

// ListAudits returns records newest first.
func (s *PostgresStore) ListAudits(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error) {
	var where []string
	var args []any
	if filter.State != "" {
		args = append(args, string(filter.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.TraceID != "" {
		args = append(args, filter.TraceID)
		where = append(where, fmt.Sprintf("trace_id = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := `SELECT record FROM query_audits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOf(filter), filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audits")
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		var rec model.AuditRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal audit")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audits iterate")
}

// SummarizeAudits groups records created at or after since by state.
func (s *PostgresStore) SummarizeAudits(ctx context.Context, since time.Time) ([]StateSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*), AVG(duration_ms)::float8, AVG(confidence)::float8, SUM(cost_usd)::float8
		 FROM query_audits WHERE created_at >= $1 GROUP BY state ORDER BY state`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summarize audits")
	}
	defer rows.Close()

	var out []StateSummary
	for rows.Next() {
		var ss StateSummary
		var state string
		if err := rows.Scan(&state, &ss.Count, &ss.AvgDurationMs, &ss.AvgConfidence, &ss.TotalCostUSD); err != nil {
			return nil, eris.Wrap(err, "postgres: scan summary")
		}
		ss.State = model.State(state)
		out = append(out, ss)
	}
	return out, eris.Wrap(rows.Err(), "postgres: summarize iterate")
}
