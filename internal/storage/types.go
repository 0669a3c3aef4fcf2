package storage

import (
	"context"
	"errors"
	"time"

	"jobkit/pkg/jobkit"
	"jobkit/pkg/supervisable"
)

var ErrDisabled = errors.New("storage disabled")

// Report kinds.
const (
	KindReport  = "report"
	KindRelease = "release"
)

// ReportEntry is one stored watchdog notification.
type ReportEntry struct {
	At     time.Time          `json:"at"`
	Kind   string             `json:"kind"`
	Report jobkit.SpoolReport `json:"report"`
}

// Store is the persistence API used by the daemon and the admin API.
// Recent* return newest first.
type Store interface {
	AppendEvent(ctx context.Context, ev supervisable.EndEvent) error
	RecentEvents(ctx context.Context, limit int) ([]supervisable.EndEvent, error)
	AppendReport(ctx context.Context, e ReportEntry) error
	RecentReports(ctx context.Context, limit int) ([]ReportEntry, error)
	Close() error
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
