package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grievline/internal/db"
	"grievline/internal/domain"
	"grievline/internal/migrate"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return NewSQLStore(conn)
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), "test:metrics")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLStore(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisStore(t)) })
}

func seedSamples(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	rows := []domain.MetricSample{
		{ID: "a", Timestamp: t0, Operation: "classify.remote", Latency: 120 * time.Millisecond, Success: true,
			Metadata: map[string]any{"inputLength": 12}},
		{ID: "b", Timestamp: t0.Add(time.Minute), Operation: "classify.remote", Latency: 900 * time.Millisecond, ErrorMessage: "timeout"},
		{ID: "c", Timestamp: t0.Add(2 * time.Minute), Operation: "classify.local", Latency: time.Millisecond, Success: true},
		{ID: "d", Timestamp: t0.Add(3 * time.Minute), Operation: "classify.remote", Latency: 50 * time.Millisecond, ErrorMessage: "status 503"},
		{ID: "e", Timestamp: t0.Add(2 * time.Hour), Operation: "classify.remote", Latency: 10 * time.Millisecond, ErrorMessage: "late"},
	}
	for _, r := range rows {
		require.NoError(t, store.Append(ctx, r))
	}
}

func TestStoreRange(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		seedSamples(t, store)
		got, err := store.Range(context.Background(), Query{Since: t0, Until: t0.Add(time.Hour)})
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, []string{"a", "b", "c", "d"}, ids(got))
		assert.Equal(t, 120*time.Millisecond, got[0].Latency)
		assert.True(t, got[0].Success)
		assert.EqualValues(t, 12, got[0].Metadata["inputLength"])
		assert.Equal(t, "timeout", got[1].ErrorMessage)
		assert.True(t, got[0].Timestamp.Equal(t0))

		remote, err := store.Range(context.Background(), Query{Operation: "classify.remote", Since: t0, Until: t0.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "d"}, ids(remote))
	})
}

func TestStoreRecentErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		seedSamples(t, store)
		q := Query{Operation: "classify.remote", Since: t0, Until: t0.Add(time.Hour)}
		got, err := store.RecentErrors(context.Background(), q, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "b"}, ids(got))

		one, err := store.RecentErrors(context.Background(), q, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, ids(one))

		none, err := store.RecentErrors(context.Background(), q, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestRedisStoreBadURL(t *testing.T) {
	_, err := NewRedisStore("://nope", "")
	require.Error(t, err)
}

func TestRedisStoreUnreachable(t *testing.T) {
	_, err := NewRedisStore("redis://127.0.0.1:1", "")
	require.Error(t, err)
}

type failingStore struct {
	Store
}

func (failingStore) Append(context.Context, domain.MetricSample) error {
	return errors.New("disk full")
}

func ids(samples []domain.MetricSample) []string {
	out := make([]string, len(samples))
	for i, s := range samples {
		out[i] = s.ID
	}
	return out
}
