package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

// pgStore keeps records in two tables and trims them to the newest max
// rows every pruneEvery writes.
type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	max  int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openPostgres(ctx context.Context, dsn string, max int, log logx.Logger) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	st := &pgStore{pool: pool, log: log, max: max, pruneEvery: 100}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	ddl, err := migration("postgres.sql")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *pgStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *pgStore) AppendEvent(ctx context.Context, ev supervisable.EndEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobkit_end_events (id, spool, job, state, ended_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.SpoolName, ev.JobName, string(ev.State), ev.EndDate.UTC(), body)
	if err != nil {
		return fmt.Errorf("insert end event: %w", err)
	}
	s.maybePrune(ctx)
	return nil
}

func (s *pgStore) RecentEvents(ctx context.Context, limit int) ([]supervisable.EndEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM jobkit_end_events ORDER BY seq DESC LIMIT $1`, clampLimit(limit, s.max))
	if err != nil {
		return nil, fmt.Errorf("query end events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (supervisable.EndEvent, error) {
		var body []byte
		var ev supervisable.EndEvent
		if err := row.Scan(&body); err != nil {
			return ev, err
		}
		return ev, json.Unmarshal(body, &ev)
	})
}

func (s *pgStore) AppendReport(ctx context.Context, e ReportEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	body, err := json.Marshal(e.Report)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobkit_watchdog_reports (at, kind, report_id, spool, body)
		VALUES ($1, $2, $3, $4, $5)
	`, e.At.UTC(), e.Kind, e.Report.ID, e.Report.SpoolName, body)
	if err != nil {
		return fmt.Errorf("insert watchdog report: %w", err)
	}
	s.maybePrune(ctx)
	return nil
}

func (s *pgStore) RecentReports(ctx context.Context, limit int) ([]ReportEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT at, kind, body FROM jobkit_watchdog_reports ORDER BY seq DESC LIMIT $1`, clampLimit(limit, s.max))
	if err != nil {
		return nil, fmt.Errorf("query watchdog reports: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ReportEntry, error) {
		var e ReportEntry
		var body []byte
		if err := row.Scan(&e.At, &e.Kind, &body); err != nil {
			return e, err
		}
		return e, json.Unmarshal(body, &e.Report)
	})
}

func (s *pgStore) maybePrune(ctx context.Context) {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	batch := &pgx.Batch{}
	for _, table := range []string{"jobkit_end_events", "jobkit_watchdog_reports"} {
		batch.Queue(fmt.Sprintf(`DELETE FROM %s WHERE seq <= (SELECT MAX(seq) FROM %s) - $1`, table, table), s.max)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		s.log.Debug("storage prune failed", logx.Err(err))
	}
}
