package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"grievline/internal/classifier"
	"grievline/internal/config"
	"grievline/internal/engine"
	"grievline/internal/engine/auth"
	"grievline/internal/metrics"
)

func TestOpenWiresComponents(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, t.TempDir(), config.Default(), zap.NewNop().Sugar())
	require.NoError(t, err)

	g, err := a.Engine.Submit(ctx, engine.SubmitOptions{
		Title: "Tap", Description: "contaminated drinking water", Department: "water", Classify: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "High", string(g.Priority))

	res, err := a.Scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Escalated)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(closeCtx))
}

func TestClassificationIsRecorded(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	a, err := Open(ctx, workspace, config.Default(), zap.NewNop().Sugar())
	require.NoError(t, err)

	a.Classifier.Classify(ctx, classifier.Input{Description: "billing issue", Department: "water"})
	// Close drains queued samples before the database is closed
	require.NoError(t, a.Close(ctx))

	b, err := Open(ctx, workspace, config.Default(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer b.Close(ctx)
	samples, err := b.Store.Range(ctx, metrics.Query{Operation: classifier.OpLocal})
	require.NoError(t, err)
	assert.Len(t, samples, 1)

	grievances, err := b.Engine.List(ctx, engine.ListOptions{}, auth.System)
	require.NoError(t, err)
	assert.Empty(t, grievances)
}

func TestNewStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewStore(config.Metrics{Backend: "redis", RedisURL: "redis://" + mr.Addr(), RedisKey: "gl:test"}, nil)
	require.NoError(t, err)
	defer store.Close()
	_, ok := store.(*metrics.RedisStore)
	assert.True(t, ok)

	_, err = NewStore(config.Metrics{Backend: "cassandra"}, nil)
	assert.Error(t, err)
}

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := ResolveConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Metrics.Backend)

	require.NoError(t, os.WriteFile(config.Path(dir), []byte("scheduler:\n  interval: 30s\n"), 0o644))
	cfg, err = ResolveConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)

	require.NoError(t, os.WriteFile(config.Path(dir), []byte("metrics:\n  backend: mongo\n"), 0o644))
	_, err = ResolveConfig(dir)
	assert.Error(t, err)
}
