// Package notify publishes grievance notifications to configured sinks.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"grievline/internal/config"
	"grievline/internal/domain"
	"grievline/internal/logging"
	"grievline/internal/telemetry"
)

// Event is the notification body shared by all sinks.
type Event struct {
	Type            string          `json:"type"`
	GrievanceID     string          `json:"grievance_id"`
	PetitionID      string          `json:"petition_id"`
	Department      string          `json:"department"`
	Status          domain.Status   `json:"status"`
	Priority        domain.Priority `json:"priority,omitempty"`
	EscalationLevel int             `json:"escalation_level"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

// FromGrievance builds an event describing g.
func FromGrievance(evtType string, g domain.Grievance, at time.Time) Event {
	return Event{
		Type:            evtType,
		GrievanceID:     g.ID,
		PetitionID:      g.PetitionID,
		Department:      g.Department,
		Status:          g.Status,
		Priority:        g.Priority,
		EscalationLevel: g.EscalationLevel,
		OccurredAt:      at.UTC(),
	}
}

type Sink interface {
	Name() string
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Multi delivers to every sink. A failing sink does not stop the others.
type Multi struct {
	Sinks  []Sink
	Logger *zap.SugaredLogger
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range m.Sinks {
		if err := s.Publish(ctx, evt); err != nil {
			telemetry.NotifyFailures.WithLabelValues(s.Name()).Inc()
			logging.OrNop(m.Logger).Warnw("notification failed", "sink", s.Name(), "type", evt.Type, "grievance", evt.GrievanceID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.Sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// FromConfig builds the sinks enabled in cfg.
func FromConfig(cfg config.Notify, log *zap.SugaredLogger) (*Multi, error) {
	log = logging.OrNop(log)
	m := &Multi{Logger: log}
	if cfg.Log {
		m.Sinks = append(m.Sinks, NewLogSink(log))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return nil, err
		}
		m.Sinks = append(m.Sinks, k)
	}
	for _, wh := range cfg.Webhooks {
		m.Sinks = append(m.Sinks, NewWebhookSink(wh, nil))
	}
	return m, nil
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	log *zap.SugaredLogger
}

func NewLogSink(log *zap.SugaredLogger) *LogSink {
	return &LogSink{log: logging.OrNop(log).Named("notify")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(_ context.Context, evt Event) error {
	s.log.Infow(evt.Type,
		"grievance", evt.GrievanceID,
		"petition_id", evt.PetitionID,
		"department", evt.Department,
		"status", evt.Status,
		"escalation_level", evt.EscalationLevel,
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
