package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "asyncinterval/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	max int

	appends    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, max: cfg.maxRecords(), pruneEvery: 200}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal(run_id, job, seq, started, duration_ms, outcome, err)
		 VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.Job, int64(r.Seq), r.Started.UTC().Format(time.RFC3339Nano), r.DurationMS, r.Outcome, nullStr(r.Error),
	)
	if err != nil {
		return err
	}
	if s.appends.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if err := s.prune(pctx); err != nil {
			s.log.Debug("journal prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) Recent(ctx context.Context, job string, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.max
	}

	q := `SELECT run_id, job, seq, started, duration_ms, outcome, err FROM journal`
	args := []any{}
	if job != "" {
		q += ` WHERE job = ?`
		args = append(args, job)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			seq     int64
			started string
			errStr  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Job, &seq, &started, &r.DurationMS, &r.Outcome, &errStr); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		r.Error = errStr.String
		if r.Started, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("journal row %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune keeps the newest max rows of every job.
func (s *sqliteStore) prune(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT job FROM journal`)
	if err != nil {
		return err
	}
	var jobs []string
	for rows.Next() {
		var j string
		if err := rows.Scan(&j); err != nil {
			_ = rows.Close()
			return err
		}
		jobs = append(jobs, j)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, j := range jobs {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM journal WHERE job = ? AND id <= (
			   SELECT id FROM journal WHERE job = ? ORDER BY id DESC LIMIT 1 OFFSET ?
			 )`,
			j, j, s.max,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
