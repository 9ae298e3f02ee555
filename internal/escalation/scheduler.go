// Package escalation periodically raises the escalation level of grievances that
// stayed in an open status longer than their SLA.
package escalation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"grievline/internal/domain"
	"grievline/internal/events"
	"grievline/internal/logging"
	"grievline/internal/notify"
	"grievline/internal/telemetry"
)

const DefaultInterval = time.Minute

// ErrRunInProgress is returned by RunOnce while another run is active.
var ErrRunInProgress = errors.New("escalation run already in progress")

// Lifecycle is the part of the grievance engine the scheduler drives.
type Lifecycle interface {
	Overdue(ctx context.Context, now time.Time) ([]domain.Grievance, error)
	Escalate(ctx context.Context, id string) (domain.Grievance, error)
}

// Result summarizes one run.
type Result struct {
	Overdue   int `json:"overdue"`
	Escalated int `json:"escalated"`
	Failed    int `json:"failed"`
}

type Scheduler struct {
	Lifecycle Lifecycle
	Interval  time.Duration
	// Notifier is optional; publish failures never fail a run.
	Notifier notify.Sink
	Logger   *zap.SugaredLogger
	Now      func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup
}

func New(lc Lifecycle, interval time.Duration, sink notify.Sink, log *zap.SugaredLogger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{Lifecycle: lc, Interval: interval, Notifier: sink, Logger: logging.OrNop(log).Named("escalation")}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Scheduler) log() *zap.SugaredLogger {
	return logging.OrNop(s.Logger)
}

// Run ticks until ctx is cancelled and waits for an in-flight run before returning.
// A tick that finds the previous run still active is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.log().Infow("escalation scheduler started", "interval", interval.String())

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log().Infow("escalation scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		telemetry.EscalationRuns.WithLabelValues("skipped").Inc()
		s.log().Warnw("previous escalation run still active, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		_, _ = s.run(ctx)
	}()
}

// RunOnce performs a single run and returns its summary.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		telemetry.EscalationRuns.WithLabelValues("skipped").Inc()
		return Result{}, ErrRunInProgress
	}
	defer s.running.Store(false)
	return s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { telemetry.EscalationRunDuration.Observe(time.Since(start).Seconds()) }()

	now := s.now()
	overdue, err := s.Lifecycle.Overdue(ctx, now)
	if err != nil {
		telemetry.EscalationRuns.WithLabelValues("error").Inc()
		s.log().Errorw("escalation run skipped", "error", err)
		return Result{}, err
	}
	res := Result{Overdue: len(overdue)}
	for _, g := range overdue {
		if ctx.Err() != nil {
			break
		}
		updated, err := s.Lifecycle.Escalate(ctx, g.ID)
		if err != nil {
			res.Failed++
			s.log().Warnw("escalate failed", "grievance", g.ID, "status", g.Status, "error", err)
			continue
		}
		res.Escalated++
		telemetry.Escalations.WithLabelValues(updated.Department).Inc()
		s.publish(ctx, updated, now)
	}
	telemetry.EscalationRuns.WithLabelValues("ok").Inc()
	s.log().Infow("escalation run finished", "overdue", res.Overdue, "escalated", res.Escalated, "failed", res.Failed)
	return res, nil
}

func (s *Scheduler) publish(ctx context.Context, g domain.Grievance, at time.Time) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Publish(ctx, notify.FromGrievance(events.GrievanceEscalated, g, at)); err != nil {
		s.log().Debugw("escalation notification incomplete", "grievance", g.ID, "error", err)
	}
}
