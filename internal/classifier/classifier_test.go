package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grievline/internal/config"
	"grievline/internal/domain"
)

func TestLocalKeywordTiers(t *testing.T) {
	rules := DefaultRuleTable()
	cases := []struct {
		desc string
		want domain.Priority
	}{
		{"no water supply and contaminated drinking water", domain.PriorityHigh},
		{"need water meter billing issue resolved", domain.PriorityMedium},
		{"general inquiry about service hours", domain.PriorityLow},
		{"Pipe Burst near the market", domain.PriorityHigh},
		{"LOW PRESSURE in the evenings", domain.PriorityMedium},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			res := Local(rules, Input{Title: "Complaint", Description: tc.desc, Department: "water"})
			assert.Equal(t, tc.want, res.Priority)
			assert.Equal(t, SourceLocal, res.Source)
		})
	}
}

func TestLocalTierTexts(t *testing.T) {
	res := Local(DefaultRuleTable(), Input{Description: "sewage overflow on main road", Department: "Water"})
	assert.Equal(t, domain.PriorityHigh, res.Priority)
	assert.Equal(t, "This grievance requires immediate attention due to potential health hazards or critical water supply issues.", res.Explanation)
	assert.Equal(t, "24-48 hours", res.RecommendedResponseTime)

	low := Local(DefaultRuleTable(), Input{Description: "question", Department: "water"})
	assert.Equal(t, "7-10 working days", low.RecommendedResponseTime)
}

func TestLocalTierTextsAreDepartmentScoped(t *testing.T) {
	rules := DefaultRuleTable()
	roads := Local(rules, Input{Description: "urgent: bridge cracked", Department: "roads"})
	assert.Equal(t, domain.PriorityHigh, roads.Priority)
	assert.NotContains(t, roads.Explanation, "water")
	assert.NotContains(t, roads.ImpactAssessment, "water")
	assert.Equal(t, "24-48 hours", roads.RecommendedResponseTime)

	water := Local(rules, Input{Description: "urgent: pipe burst", Department: "water"})
	assert.Contains(t, water.ImpactAssessment, "water services")

	cfg := config.Default().Classifier
	cfg.Tiers["roads"] = map[string]config.TierText{
		"high": {Explanation: "Road hazard.", ImpactAssessment: "Traffic blocked.", RecommendedResponseTime: "12 hours"},
	}
	custom := NewRuleTable(cfg)
	high := Local(custom, Input{Description: "urgent pothole", Department: "Roads"})
	assert.Equal(t, "12 hours", high.RecommendedResponseTime)
	low := Local(custom, Input{Description: "faded paint", Department: "roads"})
	assert.Equal(t, "Limited impact on public services. Can be addressed through regular maintenance.", low.ImpactAssessment)
}

func TestLocalIsDeterministic(t *testing.T) {
	rules := DefaultRuleTable()
	in := Input{Title: "Leakage", Description: "tank cleaning overdue", Department: "water"}
	first := Local(rules, in)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Local(rules, in))
	}
}

func TestLocalUnknownDepartmentUsesDefault(t *testing.T) {
	rules := DefaultRuleTable()
	// "sewage overflow" is only a water keyword
	res := Local(rules, Input{Description: "sewage overflow", Department: "roads"})
	assert.Equal(t, domain.PriorityLow, res.Priority)
	res = Local(rules, Input{Description: "urgent: bridge cracked", Department: "roads"})
	assert.Equal(t, domain.PriorityHigh, res.Priority)
}

func TestLocalCustomRuleTable(t *testing.T) {
	cfg := config.Default().Classifier
	cfg.Rules["electricity"] = config.KeywordRules{High: []string{"Live Wire"}, Medium: []string{"flicker"}}
	rules := NewRuleTable(cfg)
	assert.Equal(t, domain.PriorityHigh, Local(rules, Input{Description: "a live wire on the street", Department: "electricity"}).Priority)
	assert.Equal(t, domain.PriorityMedium, Local(rules, Input{Description: "lights flicker", Department: "ELECTRICITY"}).Priority)
}

type recorded struct {
	op      string
	success bool
	err     error
	meta    map[string]any
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []recorded
}

func (f *fakeRecorder) Record(op string, _ time.Time, success bool, err error, meta map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, recorded{op: op, success: success, err: err, meta: meta})
}

func remoteConfig(url string) config.RemoteClassifier {
	cfg := config.Default().Classifier.Remote
	cfg.URL = url
	cfg.Timeout = 200 * time.Millisecond
	cfg.RatePerSecond = 0
	return cfg
}

func TestClassifierUsesRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req remoteRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "water", req.Department)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(remoteResponse{
			Priority:                "medium",
			PriorityExplanation:     "model says medium",
			ImpactAssessment:        "some impact",
			RecommendedResponseTime: "3 days",
		})
	}))
	defer srv.Close()

	cfg := remoteConfig(srv.URL)
	cfg.APIKey = "secret"
	rec := &fakeRecorder{}
	c := New(NewRemoteClient(cfg, srv.Client(), nil), DefaultRuleTable(), rec, nil)

	res := c.Classify(context.Background(), Input{Title: "t", Description: "contaminated", Department: "water"})
	assert.Equal(t, domain.PriorityMedium, res.Priority)
	assert.Equal(t, SourceRemote, res.Source)
	assert.Equal(t, "model says medium", res.Explanation)
	require.Len(t, rec.recs, 1)
	assert.Equal(t, OpRemote, rec.recs[0].op)
	assert.True(t, rec.recs[0].success)
	assert.Equal(t, len("t")+len("contaminated"), rec.recs[0].meta["inputLength"])
}

func TestClassifierFallsBack(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		},
		"malformed body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		},
		"unknown priority": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"priority":"Critical"}`))
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			defer srv.CloseClientConnections()
			rec := &fakeRecorder{}
			c := New(NewRemoteClient(remoteConfig(srv.URL), srv.Client(), nil), DefaultRuleTable(), rec, nil)

			res := c.Classify(context.Background(), Input{Description: "no water supply and contaminated drinking water", Department: "water"})
			assert.Equal(t, domain.PriorityHigh, res.Priority)
			assert.Equal(t, SourceLocal, res.Source)
			require.Len(t, rec.recs, 2)
			assert.Equal(t, OpRemote, rec.recs[0].op)
			assert.False(t, rec.recs[0].success)
			assert.ErrorIs(t, rec.recs[0].err, ErrClassifierUnavailable)
			assert.Equal(t, OpLocal, rec.recs[1].op)
			assert.True(t, rec.recs[1].success)
		})
	}
}

func TestRemoteTimeoutIsBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer srv.CloseClientConnections()
	defer close(release)
	client := NewRemoteClient(remoteConfig(srv.URL), srv.Client(), nil)

	start := time.Now()
	_, err := client.Classify(context.Background(), Input{Description: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClassifierUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRemoteBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	cfg := remoteConfig(srv.URL)
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.OpenTimeout = time.Minute
	client := NewRemoteClient(cfg, srv.Client(), nil)

	for i := 0; i < 5; i++ {
		_, err := client.Classify(context.Background(), Input{})
		require.ErrorIs(t, err, ErrClassifierUnavailable)
	}
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "circuit_open", fallbackReason(func() error {
		_, err := client.Classify(context.Background(), Input{})
		return err
	}()))
}

func TestRemoteCancellationDoesNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-release:
			}
			return
		}
		_, _ = w.Write([]byte(`{"priority":"Low"}`))
	}))
	defer srv.Close()
	defer srv.CloseClientConnections()
	defer close(release)
	cfg := remoteConfig(srv.URL)
	cfg.Timeout = 5 * time.Second
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.OpenTimeout = time.Minute
	client := NewRemoteClient(cfg, srv.Client(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := client.Classify(ctx, Input{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, client.breaker.State())

	res, err := client.Classify(context.Background(), Input{})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityLow, res.Priority)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRemoteRateLimited(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"priority":"Low"}`))
	}))
	defer srv.Close()
	cfg := remoteConfig(srv.URL)
	cfg.RatePerSecond = 0.001
	cfg.Burst = 1
	client := NewRemoteClient(cfg, srv.Client(), nil)

	_, err := client.Classify(context.Background(), Input{})
	require.NoError(t, err)
	_, err = client.Classify(context.Background(), Input{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errRateLimited))
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewRemoteClientWithoutURL(t *testing.T) {
	assert.Nil(t, NewRemoteClient(config.RemoteClassifier{}, nil, nil))
	c := New(nil, DefaultRuleTable(), nil, nil)
	assert.Nil(t, c.Remote)
	res := c.Classify(context.Background(), Input{Description: "billing issue", Department: "water"})
	assert.Equal(t, domain.PriorityMedium, res.Priority)
}
