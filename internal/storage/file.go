package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.events.jsonl  (append-only JSON Lines)
//   - <prefix>.reports.jsonl (append-only JSON Lines)
//
// The newest max records of each file are kept in memory. A file holding
// more than twice that is compacted down to the in-memory tail.
type fileStore struct {
	log logx.Logger
	max int

	mu      sync.Mutex
	events  *jsonlLog[supervisable.EndEvent]
	reports *jsonlLog[ReportEntry]
}

type jsonlLog[T any] struct {
	path  string
	f     *os.File
	tail  []T
	lines int
}

func openFile(path string, max int, log logx.Logger) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	events, err := openJSONL[supervisable.EndEvent](prefix+".events.jsonl", max)
	if err != nil {
		return nil, err
	}
	reports, err := openJSONL[ReportEntry](prefix+".reports.jsonl", max)
	if err != nil {
		_ = events.close()
		return nil, err
	}
	return &fileStore{log: log, max: max, events: events, reports: reports}, nil
}

func openJSONL[T any](path string, max int) (*jsonlLog[T], error) {
	l := &jsonlLog[T]{path: path}
	_ = l.replay(max)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	l.f = f
	return l, nil
}

// replay loads the newest max records. Corrupt lines are skipped.
func (l *jsonlLog[T]) replay(max int) error {
	f, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for s.Scan() {
		l.lines++
		var v T
		if err := json.Unmarshal(s.Bytes(), &v); err != nil {
			continue
		}
		l.push(v, max)
	}
	return s.Err()
}

func (l *jsonlLog[T]) push(v T, max int) {
	l.tail = append(l.tail, v)
	if len(l.tail) > max {
		l.tail = append(l.tail[:0], l.tail[len(l.tail)-max:]...)
	}
}

func (l *jsonlLog[T]) append(v T, max int) error {
	if l.f == nil {
		return errors.New("storage file closed")
	}
	if err := json.NewEncoder(l.f).Encode(v); err != nil {
		return err
	}
	l.lines++
	l.push(v, max)
	return nil
}

// recent returns up to limit records, newest first.
func (l *jsonlLog[T]) recent(limit int) []T {
	n := len(l.tail)
	if limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(l.tail) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.tail[i])
	}
	return out
}

// compact rewrites the file with the in-memory tail.
func (l *jsonlLog[T]) compact() error {
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, v := range l.tail {
		if err := enc.Encode(v); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := l.f.Close(); err != nil {
		return err
	}
	l.f = nil
	if err := os.Rename(tmp, l.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	l.f = nf
	l.lines = len(l.tail)
	return nil
}

func (l *jsonlLog[T]) close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.events.close(), s.reports.close())
}

func (s *fileStore) AppendEvent(_ context.Context, ev supervisable.EndEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.events.append(ev, s.max); err != nil {
		return err
	}
	s.maybeCompactLocked("events", s.events.lines, s.events.compact)
	return nil
}

func (s *fileStore) RecentEvents(_ context.Context, limit int) ([]supervisable.EndEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.recent(clampLimit(limit, s.max)), nil
}

func (s *fileStore) AppendReport(_ context.Context, e ReportEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reports.append(e, s.max); err != nil {
		return err
	}
	s.maybeCompactLocked("reports", s.reports.lines, s.reports.compact)
	return nil
}

func (s *fileStore) RecentReports(_ context.Context, limit int) ([]ReportEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports.recent(clampLimit(limit, s.max)), nil
}

func (s *fileStore) maybeCompactLocked(name string, lines int, compact func() error) {
	if lines <= 2*s.max {
		return
	}
	// Best-effort compact.
	if err := compact(); err != nil {
		s.log.Debug("storage compact failed", logx.String("file", name), logx.Err(err))
	}
}
