// Package results keeps the history of finished runs in sqlite.
package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prologueii14/pqctls/internal/stats"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Record is a persisted run.
type Record struct {
	stats.RunStatistics
	Source string `json:"source"`
}

type Store struct {
	db        *sql.DB
	maxRuns   int
	logger    zerolog.Logger
	closeOnce sync.Once
}

// Open creates or opens the run database at path. maxRuns > 0 keeps only
// the newest maxRuns records.
func Open(path string, maxRuns int, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create results directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// modernc.org/sqlite takes pragmas as statements, not DSN parameters.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, maxRuns: maxRuns, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		total_connections INTEGER NOT NULL,
		successful_connections INTEGER NOT NULL,
		failed_connections INTEGER NOT NULL,
		total_bytes_sent INTEGER NOT NULL,
		payload_bytes_sent INTEGER NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_start_time ON runs(start_time)`)
	return err
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

// Save inserts or replaces the record for r.RunID.
func (s *Store) Save(ctx context.Context, r Record) error {
	if r.RunID == "" {
		return errors.New("run has no id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, mode, source, total_connections,
			successful_connections, failed_connections, total_bytes_sent,
			payload_bytes_sent, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Mode, r.Source, r.TotalConnections,
		r.SuccessfulConnections, r.FailedConnections, r.TotalBytesSent,
		r.PayloadBytesSent, unixNano(r.StartTime), unixNano(r.EndTime),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	s.trim(ctx)
	return nil
}

func (s *Store) trim(ctx context.Context) {
	if s.maxRuns <= 0 {
		return
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE run_id NOT IN (
			SELECT run_id FROM runs ORDER BY start_time DESC LIMIT ?
		)`, s.maxRuns)
	if err != nil {
		s.logger.Warn().Err(err).Msg("results trim failed")
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug().Int64("removed", n).Int("max", s.maxRuns).Msg("results trimmed")
	}
}

const selectRuns = `SELECT run_id, mode, source, total_connections, successful_connections,
	failed_connections, total_bytes_sent, payload_bytes_sent, start_time, end_time FROM runs`

// Get returns the run with the given id, or nil when there is none.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectRuns+` WHERE run_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return r, nil
}

// List returns up to limit runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var start, end int64
	err := row.Scan(&r.RunID, &r.Mode, &r.Source, &r.TotalConnections, &r.SuccessfulConnections,
		&r.FailedConnections, &r.TotalBytesSent, &r.PayloadBytesSent, &start, &end)
	if err != nil {
		return nil, err
	}
	r.StartTime = fromUnixNano(start)
	r.EndTime = fromUnixNano(end)
	return &r, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
