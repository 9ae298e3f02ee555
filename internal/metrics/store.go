// Package metrics records external-call samples and rolls them up into
// time-bucketed reports.
package metrics

import (
	"context"
	"errors"
	"time"

	"grievline/internal/domain"
)

// ErrWriteFailed wraps store errors seen by the recorder. It is logged, never returned
// to the code being measured.
var ErrWriteFailed = errors.New("metrics write failed")

// Query selects samples with Since <= Timestamp <= Until. An empty Operation
// matches every operation.
type Query struct {
	Operation string
	Since     time.Time
	Until     time.Time
}

func (q Query) matches(s domain.MetricSample) bool {
	if q.Operation != "" && s.Operation != q.Operation {
		return false
	}
	if !q.Since.IsZero() && s.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && s.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// Store is an append-only sample log.
type Store interface {
	Append(ctx context.Context, s domain.MetricSample) error
	// Range returns matching samples ordered by timestamp ascending.
	Range(ctx context.Context, q Query) ([]domain.MetricSample, error)
	// RecentErrors returns up to n failed samples, newest first.
	RecentErrors(ctx context.Context, q Query, n int) ([]domain.MetricSample, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
