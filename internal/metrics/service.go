package metrics

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"

	"grievline/internal/config"
	"grievline/internal/domain"
)

var ErrUnknownRange = errors.New("unknown time range")

// Policy maps a named time range to its window and bucket width.
type Policy struct {
	Ranges  map[string]config.TimeRange
	Default string
}

func PolicyFromConfig(cfg config.Metrics) Policy {
	return Policy{Ranges: cfg.Ranges, Default: cfg.DefaultRange}
}

// Resolve returns the range for name; an empty name selects the default.
func (p Policy) Resolve(name string) (string, config.TimeRange, error) {
	if name == "" {
		name = p.Default
	}
	r, ok := p.Ranges[name]
	if !ok {
		return name, config.TimeRange{}, fmt.Errorf("%w %q (valid: %v)", ErrUnknownRange, name, p.names())
	}
	return name, r, nil
}

func (p Policy) names() []string {
	out := make([]string, 0, len(p.Ranges))
	for k := range p.Ranges {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type ErrorSample struct {
	Operation    string    `json:"operation"`
	ErrorMessage string    `json:"errorMessage"`
	Timestamp    time.Time `json:"timestamp" format:"date-time"`
}

type Response struct {
	TimeRange      string        `json:"timeRange"`
	Operation      string        `json:"operation,omitempty"`
	Since          time.Time     `json:"since" format:"date-time"`
	Until          time.Time     `json:"until" format:"date-time"`
	Interval       string        `json:"interval"`
	TimeSeriesData []Bucket      `json:"timeSeriesData"`
	Stats          Stats         `json:"stats"`
	RecentErrors   []ErrorSample `json:"recentErrors"`
}

// Service answers dashboard queries from a Store.
type Service struct {
	Store        Store
	Policy       Policy
	RecentErrors int
	Now          func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) Query(ctx context.Context, operation, timeRange string) (Response, error) {
	name, r, err := s.Policy.Resolve(timeRange)
	if err != nil {
		return Response{}, err
	}
	now := s.now().UTC()
	since := now.Add(-r.Window)
	q := Query{Operation: operation, Since: since, Until: now}
	samples, err := s.Store.Range(ctx, q)
	if err != nil {
		return Response{}, fmt.Errorf("load samples: %w", err)
	}
	rep := Aggregate(samples, since, now, r.Interval)

	n := s.RecentErrors
	if n <= 0 {
		n = 10
	}
	failed, err := s.Store.RecentErrors(ctx, q, n)
	if err != nil {
		return Response{}, fmt.Errorf("load recent errors: %w", err)
	}
	errs := make([]ErrorSample, 0, len(failed))
	for _, f := range failed {
		errs = append(errs, ErrorSample{Operation: f.Operation, ErrorMessage: f.ErrorMessage, Timestamp: f.Timestamp})
	}
	return Response{
		TimeRange:      name,
		Operation:      operation,
		Since:          since,
		Until:          now,
		Interval:       r.Interval.String(),
		TimeSeriesData: rep.TimeSeries,
		Stats:          rep.Stats,
		RecentErrors:   errs,
	}, nil
}

var seedLatencyPattern = []int{
	1000, 1100, 1050, 1150, 1200, 1100, 1150, 1200, 1100, 1050, 1100, 1150,
	1200, 1300, 1400, 1350, 1300, 1400, 1450, 1400, 1350, 1300, 1250, 1300,
	1400, 1500, 1600, 1550, 1500, 1600, 1650, 1600, 1550, 1500, 1450, 1500,
	900, 950, 1000, 950, 900, 950, 1000, 950, 900, 850, 900, 950,
}

// Seed appends synthetic samples covering the 24h before now at 15 minute steps,
// one per operation per step, with a 95% success rate. It returns the number written.
func Seed(ctx context.Context, store Store, now time.Time, operations []string, seed uint64) (int, error) {
	if len(operations) == 0 {
		return 0, errors.New("at least one operation required")
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	const step = 15 * time.Minute
	points := int(24 * time.Hour / step)
	written := 0
	for i := 0; i < points; i++ {
		ts := now.Add(-time.Duration(i) * step).UTC()
		base := seedLatencyPattern[(i/4)%len(seedLatencyPattern)]
		for _, op := range operations {
			latency := base + rng.IntN(201) - 100
			s := domain.MetricSample{
				ID:        uuid.NewString(),
				Timestamp: ts,
				Operation: op,
				Latency:   time.Duration(latency) * time.Millisecond,
				Success:   rng.IntN(100) < 95,
				Metadata: map[string]any{
					"inputLength":  1000 + rng.IntN(1000),
					"outputLength": 2000 + rng.IntN(2000),
				},
			}
			if !s.Success {
				s.ErrorMessage = "synthetic failure"
			}
			if err := store.Append(ctx, s); err != nil {
				return written, err
			}
			written++
		}
	}
	return written, nil
}
