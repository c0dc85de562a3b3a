// Package archive keeps decision and execution history in SQLite once the
// engine no longer holds it in memory.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id          TEXT NOT NULL,
	tick               INTEGER NOT NULL,
	phase              TEXT NOT NULL,
	recommended_action TEXT NOT NULL,
	effective_action   TEXT NOT NULL,
	override           TEXT,
	readiness_score    REAL NOT NULL,
	confidence         REAL NOT NULL,
	decision_json      TEXT NOT NULL,
	decided_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS decisions_entity ON decisions (entity_id, tick);

CREATE TABLE IF NOT EXISTS executions (
	execution_id   TEXT PRIMARY KEY,
	entity_id      TEXT NOT NULL,
	pkg_id         TEXT NOT NULL,
	status         TEXT NOT NULL,
	reason         TEXT,
	escalated      INTEGER NOT NULL,
	execution_json TEXT NOT NULL,
	proposed_at    TEXT NOT NULL,
	finished_at    TEXT,
	archived_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS executions_entity ON executions (entity_id, proposed_at);
`

// DefaultLimit caps history queries without an explicit limit.
const DefaultLimit = 100

// ErrNotConfigured is returned by a nil or closed store.
var ErrNotConfigured = errors.New("archive is not configured")

// Store archives decisions and terminal executions.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("archive path is required")
	}
	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer; the engine archives from many entity goroutines.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	return s.db.PingContext(ctx)
}

// ArchiveDecision appends one decision.
func (s *Store) ArchiveDecision(ctx context.Context, d decision.GateDecision) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (entity_id, tick, phase, recommended_action, effective_action, override,
		                        readiness_score, confidence, decision_json, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.EntityID, int64(d.Tick), d.Phase, string(d.RecommendedAction), string(d.EffectiveAction), string(d.Override),
		d.ReadinessScore, d.Confidence, string(data), formatTime(d.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ArchiveExecutions stores terminal executions in one transaction.
// Re-archiving an execution replaces the earlier row.
func (s *Store) ArchiveExecutions(ctx context.Context, execs []execution.Execution) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	if len(execs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO executions (execution_id, entity_id, pkg_id, status, reason, escalated,
		                         execution_json, proposed_at, finished_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   status = excluded.status,
		   reason = excluded.reason,
		   escalated = excluded.escalated,
		   execution_json = excluded.execution_json,
		   finished_at = excluded.finished_at,
		   archived_at = excluded.archived_at`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	archivedAt := formatTime(s.now())
	for _, e := range execs {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal execution %s: %w", e.ID, err)
		}
		var finished any
		if !e.FinishedAt.IsZero() {
			finished = formatTime(e.FinishedAt)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.EntityID, e.PKGID, string(e.Status), e.Reason, e.Escalated,
			string(data), formatTime(e.ProposedAt), finished, archivedAt,
		); err != nil {
			return fmt.Errorf("insert execution %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Decisions returns the entity's archived decisions, newest first.
func (s *Store) Decisions(ctx context.Context, entityID string, limit int) ([]decision.GateDecision, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT decision_json FROM decisions WHERE entity_id = ? ORDER BY tick DESC, id DESC LIMIT ?`,
		entityID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []decision.GateDecision
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var d decision.GateDecision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Executions returns the entity's archived executions, most recently
// proposed first. A non-empty status filters by final status.
func (s *Store) Executions(ctx context.Context, entityID string, status execution.Status, limit int) ([]execution.Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	query := `SELECT execution_json FROM executions WHERE entity_id = ?`
	args := []any{entityID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY proposed_at DESC, execution_id DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []execution.Execution
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		var e execution.Execution
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshal execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes rows archived or decided before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotConfigured
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	c := formatTime(cutoff)
	var total int64
	for _, q := range []string{
		`DELETE FROM decisions WHERE decided_at < ?`,
		`DELETE FROM executions WHERE archived_at < ?`,
	} {
		res, err := tx.ExecContext(ctx, q, c)
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 10*DefaultLimit {
		return DefaultLimit
	}
	return limit
}

// formatTime stores UTC with fixed-width fractional seconds so text order is
// time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
