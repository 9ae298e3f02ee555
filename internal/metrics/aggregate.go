package metrics

import (
	"sort"
	"time"

	"grievline/internal/domain"
)

// Bucket summarises the samples of one interval. Latencies are in milliseconds.
type Bucket struct {
	Start          time.Time `json:"timestamp" format:"date-time"`
	End            time.Time `json:"end" format:"date-time"`
	TotalCalls     int       `json:"totalCalls"`
	SuccessRate    float64   `json:"successRate"`
	AverageLatency float64   `json:"averageLatency"`
	P95Latency     float64   `json:"p95Latency"`
	P99Latency     float64   `json:"p99Latency"`
}

type OperationStats struct {
	Total          int     `json:"total"`
	Successful     int     `json:"successful"`
	AverageLatency float64 `json:"averageLatency"`
}

// Stats summarises the whole window with the same method as Bucket.
type Stats struct {
	TotalCalls     int                       `json:"totalCalls"`
	SuccessRate    float64                   `json:"successRate"`
	AverageLatency float64                   `json:"averageLatency"`
	P95Latency     float64                   `json:"p95Latency"`
	P99Latency     float64                   `json:"p99Latency"`
	Operations     map[string]OperationStats `json:"operationBreakdown"`
}

type Report struct {
	TimeSeries []Bucket `json:"timeSeriesData"`
	Stats      Stats    `json:"stats"`
}

// Aggregate buckets samples with since <= ts <= now into consecutive intervals
// starting at since. Empty intervals are omitted. A non-positive interval yields
// only the overall stats.
func Aggregate(samples []domain.MetricSample, since, now time.Time, interval time.Duration) Report {
	var window []domain.MetricSample
	for _, s := range samples {
		if s.Timestamp.Before(since) || s.Timestamp.After(now) {
			continue
		}
		window = append(window, s)
	}
	rep := Report{TimeSeries: []Bucket{}, Stats: summarize(window)}
	if interval <= 0 || len(window) == 0 {
		return rep
	}

	groups := map[int64][]domain.MetricSample{}
	for _, s := range window {
		idx := int64(s.Timestamp.Sub(since) / interval)
		groups[idx] = append(groups[idx], s)
	}
	keys := make([]int64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		start := since.Add(time.Duration(k) * interval)
		b := bucketOf(groups[k])
		b.Start = start
		b.End = start.Add(interval)
		rep.TimeSeries = append(rep.TimeSeries, b)
	}
	return rep
}

func bucketOf(samples []domain.MetricSample) Bucket {
	if len(samples) == 0 {
		return Bucket{}
	}
	latencies := make([]float64, len(samples))
	var ok int
	var sum float64
	for i, s := range samples {
		latencies[i] = millis(s.Latency)
		sum += latencies[i]
		if s.Success {
			ok++
		}
	}
	sort.Float64s(latencies)
	n := len(samples)
	return Bucket{
		TotalCalls:     n,
		SuccessRate:    float64(ok) / float64(n) * 100,
		AverageLatency: sum / float64(n),
		P95Latency:     percentile(latencies, 95),
		P99Latency:     percentile(latencies, 99),
	}
}

func summarize(samples []domain.MetricSample) Stats {
	b := bucketOf(samples)
	st := Stats{
		TotalCalls:     b.TotalCalls,
		SuccessRate:    b.SuccessRate,
		AverageLatency: b.AverageLatency,
		P95Latency:     b.P95Latency,
		P99Latency:     b.P99Latency,
		Operations:     map[string]OperationStats{},
	}
	sums := map[string]float64{}
	for _, s := range samples {
		op := st.Operations[s.Operation]
		op.Total++
		if s.Success {
			op.Successful++
		}
		sums[s.Operation] += millis(s.Latency)
		st.Operations[s.Operation] = op
	}
	for name, op := range st.Operations {
		op.AverageLatency = sums[name] / float64(op.Total)
		st.Operations[name] = op
	}
	return st
}

// percentile returns the nearest-rank p-th percentile of sorted: the value at
// index ceil(n*p/100)-1.
func percentile(sorted []float64, p int) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := (n*p+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
