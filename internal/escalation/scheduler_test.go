package escalation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grievline/internal/config"
	"grievline/internal/db"
	"grievline/internal/domain"
	"grievline/internal/engine"
	"grievline/internal/engine/auth"
	"grievline/internal/migrate"
	"grievline/internal/notify"
	"grievline/internal/telemetry"
)

type fakeLifecycle struct {
	mu         sync.Mutex
	overdue    []domain.Grievance
	overdueErr error
	failIDs    map[string]bool
	escalated  []string
	block      chan struct{}
}

func (f *fakeLifecycle) Overdue(ctx context.Context, now time.Time) ([]domain.Grievance, error) {
	if f.block != nil {
		<-f.block
	}
	return f.overdue, f.overdueErr
}

func (f *fakeLifecycle) Escalate(ctx context.Context, id string) (domain.Grievance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return domain.Grievance{}, errors.New("boom")
	}
	f.escalated = append(f.escalated, id)
	return domain.Grievance{ID: id, Department: "water", Status: domain.StatusPending, EscalationLevel: 1}, nil
}

type captureSink struct {
	mu   sync.Mutex
	evts []notify.Event
	err  error
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Publish(_ context.Context, evt notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evts = append(c.evts, evt)
	return c.err
}
func (c *captureSink) Close() error { return nil }

func TestRunOnceContinuesAfterFailures(t *testing.T) {
	lc := &fakeLifecycle{
		overdue: []domain.Grievance{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		failIDs: map[string]bool{"b": true},
	}
	sink := &captureSink{err: errors.New("sink down")}
	s := New(lc, time.Minute, sink, nil)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Overdue: 3, Escalated: 2, Failed: 1}, res)
	assert.Equal(t, []string{"a", "c"}, lc.escalated)
	require.Len(t, sink.evts, 2)
	assert.Equal(t, "grievance.escalated", sink.evts[0].Type)
}

func TestRunOnceStoreError(t *testing.T) {
	lc := &fakeLifecycle{overdueErr: errors.New("database is locked")}
	s := New(lc, time.Minute, nil, nil)
	before := testutil.ToFloat64(telemetry.EscalationRuns.WithLabelValues("error"))

	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Empty(t, lc.escalated)
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.EscalationRuns.WithLabelValues("error")))
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	lc := &fakeLifecycle{overdue: []domain.Grievance{{ID: "a"}}, block: make(chan struct{})}
	s := New(lc, time.Minute, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunOnce(context.Background())
	}()
	require.Eventually(t, func() bool { return s.running.Load() }, time.Second, time.Millisecond)

	before := testutil.ToFloat64(telemetry.EscalationRuns.WithLabelValues("skipped"))
	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	s.tick(context.Background())
	assert.Equal(t, before+2, testutil.ToFloat64(telemetry.EscalationRuns.WithLabelValues("skipped")))

	close(lc.block)
	<-done
	assert.Equal(t, []string{"a"}, lc.escalated)
}

func TestRunStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	lc := &countingLifecycle{calls: &calls}
	s := New(lc, 5*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type countingLifecycle struct {
	calls *atomic.Int32
}

func (c *countingLifecycle) Overdue(context.Context, time.Time) ([]domain.Grievance, error) {
	c.calls.Add(1)
	return nil, nil
}

func (c *countingLifecycle) Escalate(context.Context, string) (domain.Grievance, error) {
	return domain.Grievance{}, nil
}

func TestRepeatedRunsIncrementByOne(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()

	stale, err := eng.Submit(ctx, engine.SubmitOptions{Title: "Leak", Description: "pipe burst", Department: "roads"})
	require.NoError(t, err)
	resolved, err := eng.Submit(ctx, engine.SubmitOptions{Title: "Leak", Description: "pipe burst", Department: "roads"})
	require.NoError(t, err)
	_, err = eng.Decline(ctx, resolved.ID, "duplicate", auth.System)
	require.NoError(t, err)

	// default pending SLA is 48h
	clock = clock.Add(49 * time.Hour)
	s := New(eng, time.Minute, nil, nil)
	s.Now = func() time.Time { return clock }

	for want := 1; want <= 3; want++ {
		res, err := s.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Escalated)

		g, err := eng.Get(ctx, stale.ID, auth.System)
		require.NoError(t, err)
		assert.Equal(t, want, g.EscalationLevel)
		assert.Equal(t, domain.StatusPending, g.Status)
	}

	g, err := eng.Get(ctx, resolved.ID, auth.System)
	require.NoError(t, err)
	assert.Zero(t, g.EscalationLevel)
}
