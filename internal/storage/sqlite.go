package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	max int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, path string, busy time.Duration, max int, log logx.Logger) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, max: max, pruneEvery: 100}

	if busy > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	ddl, err := migration("sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, ddl)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, ev supervisable.EndEvent) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO end_events(id, spool, job, state, ended_at, body) VALUES(?,?,?,?,?,?)`,
		ev.ID, ev.SpoolName, ev.JobName, string(ev.State), ev.EndDate.UTC().Format(time.RFC3339Nano), string(body),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) RecentEvents(ctx context.Context, limit int) ([]supervisable.EndEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM end_events ORDER BY seq DESC LIMIT ?`, clampLimit(limit, s.max))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []supervisable.EndEvent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev supervisable.EndEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("decode end event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendReport(ctx context.Context, e ReportEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	body, err := json.Marshal(e.Report)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO watchdog_reports(at, kind, report_id, spool, body) VALUES(?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Kind, e.Report.ID, e.Report.SpoolName, string(body),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) RecentReports(ctx context.Context, limit int) ([]ReportEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, body FROM watchdog_reports ORDER BY seq DESC LIMIT ?`, clampLimit(limit, s.max))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReportEntry
	for rows.Next() {
		var at, kind, body string
		if err := rows.Scan(&at, &kind, &body); err != nil {
			return nil, err
		}
		e := ReportEntry{Kind: kind}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		if err := json.Unmarshal([]byte(body), &e.Report); err != nil {
			return nil, fmt.Errorf("decode watchdog report: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// maybePrune trims both tables to the newest max rows every pruneEvery writes.
func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	for _, table := range []string{"end_events", "watchdog_reports"} {
		q := fmt.Sprintf(`DELETE FROM %s WHERE seq <= (SELECT MAX(seq) FROM %s) - ?`, table, table)
		if _, err := s.db.ExecContext(ctx, q, s.max); err != nil {
			s.log.Debug("storage prune failed", logx.String("table", table), logx.Err(err))
		}
	}
}
