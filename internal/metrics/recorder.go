package metrics

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grievline/internal/domain"
	"grievline/internal/logging"
	"grievline/internal/telemetry"
)

const defaultBuffer = 1024

// Recorder appends samples to a Store from a single background writer. Record never
// blocks and never fails; a full buffer drops the sample.
type Recorder struct {
	store        Store
	log          *zap.SugaredLogger
	now          func() time.Time
	writeTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	samples chan domain.MetricSample
	done    chan struct{}
}

type RecorderOption func(*Recorder)

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

func WithLogger(l *zap.SugaredLogger) RecorderOption {
	return func(r *Recorder) { r.log = logging.OrNop(l) }
}

// NewRecorder starts the writer goroutine. Callers must Close the recorder at shutdown.
func NewRecorder(store Store, buffer int, opts ...RecorderOption) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	r := &Recorder{
		store:        store,
		log:          logging.OrNop(nil),
		now:          time.Now,
		writeTimeout: 5 * time.Second,
		samples:      make(chan domain.MetricSample, buffer),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Record computes latency from start and queues one sample.
func (r *Recorder) Record(operation string, start time.Time, success bool, err error, metadata map[string]any) {
	now := r.now()
	latency := now.Sub(start)
	if latency < 0 {
		latency = 0
	}
	s := domain.MetricSample{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		Operation: operation,
		Latency:   latency,
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		s.ErrorMessage = err.Error()
	}
	telemetry.CallLatency.WithLabelValues(operation, strconv.FormatBool(success)).Observe(latency.Seconds())

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.log.Warnw("metric sample recorded after close", "operation", operation)
		return
	}
	select {
	case r.samples <- s:
	default:
		telemetry.MetricSamplesDropped.Inc()
		r.log.Warnw("metrics buffer full, dropping sample", "operation", operation)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for s := range r.samples {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		if err := r.store.Append(ctx, s); err != nil {
			telemetry.MetricWriteFailures.Inc()
			r.log.Warnw("metric sample not persisted", "operation", s.Operation, "error", fmt.Errorf("%w: %v", ErrWriteFailed, err))
		}
		cancel()
	}
}

// Close stops accepting samples and waits until queued samples are written or ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.samples)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
