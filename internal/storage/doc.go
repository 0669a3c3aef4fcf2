// Package storage persists supervisable end-events and watchdog reports.
//
// Drivers:
//   - file: append-only JSON Lines with periodic compaction
//   - sqlite: embedded modernc.org/sqlite database file
//   - postgres: pgx connection pool
//   - redis: capped lists per record kind
//
// Writes from engine hooks go through a Writer so a slow store never
// blocks a spool.
package storage
