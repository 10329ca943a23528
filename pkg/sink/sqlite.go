package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/delegate-collector/pkg/record"
)

// SQLite persists records in a local database file.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLite opens or creates the database at dbPath and applies the schema.
func NewSQLite(dbPath string, log *zap.Logger) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between concurrent jobs
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	s := &SQLite{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS metric_records (
    id                     INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id             TEXT NOT NULL,
    application_id         TEXT NOT NULL,
    state_execution_id     TEXT NOT NULL,
    task_id                TEXT NOT NULL,
    name                   TEXT NOT NULL,
    host                   TEXT NOT NULL,
    origin_host            TEXT NOT NULL DEFAULT '',
    group_name             TEXT NOT NULL,
    ts                     INTEGER NOT NULL,
    data_collection_minute INTEGER NOT NULL,
    level                  TEXT NOT NULL,
    state_type             TEXT NOT NULL,
    message                TEXT NOT NULL,
    cluster_label          TEXT NOT NULL,
    metric_values          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_exec_minute ON metric_records(state_execution_id, data_collection_minute);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create metric_records table: %w", err)
	}
	s.log.Info("SQLite migration applied")
	return nil
}

// Save inserts all records in a single transaction.
func (s *SQLite) Save(ctx context.Context, accountID, applicationID, stateExecutionID, taskID string, records []*record.MetricRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metric_records (
    account_id, application_id, state_execution_id, task_id, name, host, origin_host, group_name, ts,
    data_collection_minute, level, state_type, message, cluster_label, metric_values
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		values, err := json.Marshal(r.Values)
		if err != nil {
			_ = tx.Rollback()
			return false, fmt.Errorf("encode values for %s: %w", r.Name, err)
		}
		if _, err := stmt.ExecContext(ctx, accountID, applicationID, stateExecutionID, taskID,
			r.Name, r.Host, r.OriginHost, r.GroupName, r.Timestamp, r.DataCollectionMinute, string(r.Level),
			r.StateType, r.Message, r.ClusterLabel, string(values)); err != nil {
			_ = tx.Rollback()
			return false, fmt.Errorf("exec insert for %s: %w", r.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	s.log.Debug("records persisted", zap.String("state_execution_id", stateExecutionID), zap.Int("records", len(records)))
	return true, nil
}

// Count returns how many records are stored for a state execution.
func (s *SQLite) Count(ctx context.Context, stateExecutionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metric_records WHERE state_execution_id = ?`, stateExecutionID).Scan(&n)
	return n, err
}

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
