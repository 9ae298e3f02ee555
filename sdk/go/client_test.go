package grievlinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grievline/internal/classifier"
	"grievline/internal/config"
	"grievline/internal/db"
	"grievline/internal/engine"
	"grievline/internal/engine/auth"
	"grievline/internal/escalation"
	"grievline/internal/metrics"
	"grievline/internal/migrate"
	"grievline/internal/server"
)

const secret = "sdk-secret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	e := engine.New(conn, cfg)
	e.Classifier = classifier.New(nil, classifier.DefaultRuleTable(), nil, nil)
	handler, err := server.New(server.Config{
		Engine:     e,
		Metrics:    metrics.Service{Store: metrics.NewSQLStore(conn), Policy: metrics.PolicyFromConfig(cfg.Metrics)},
		Escalation: escalation.New(e, time.Minute, nil, nil),
		BasePath:   "/v0",
		Auth:       server.AuthConfig{JWTSecret: secret},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func clientFor(t *testing.T, srv *httptest.Server, p auth.Principal) *Client {
	t.Helper()
	tok, err := auth.IssueToken(secret, p, time.Hour, time.Now())
	require.NoError(t, err)
	return New(srv.URL, tok)
}

func TestClientLifecycle(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	c := clientFor(t, srv, auth.Principal{ActorID: "officer-1", Department: "water", Roles: []string{auth.RoleOfficial}})

	g, err := c.Submit(ctx, "Leak", "pipe burst flooding the street", "water", true)
	require.NoError(t, err)
	assert.Equal(t, "pending", g.Status)
	assert.Equal(t, "High", g.Priority)
	assert.NotEmpty(t, g.PetitionID)

	g, err = c.Accept(ctx, g.ID)
	require.NoError(t, err)
	require.NotNil(t, g.AssignedTo)
	assert.Equal(t, "officer-1", *g.AssignedTo)

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	g, err = c.SubmitResourcePlan(ctx, g.ID, ResourcePlan{
		StartDate: start, EndDate: start.Add(72 * time.Hour),
		RequirementsNeeded: "pipes", FundsRequired: 1200, ResourcesRequired: "truck", ManpowerNeeded: 3,
	})
	require.NoError(t, err)
	require.NotNil(t, g.ResourcePlan)

	_, err = c.StartProgress(ctx, g.ID)
	require.NoError(t, err)
	g, err = c.AppendTimelineStage(ctx, g.ID, TimelineStage{StageName: "excavation", Date: start})
	require.NoError(t, err)
	assert.Len(t, g.Timeline, 1)

	g, err = c.Resolve(ctx, g.ID, "docs/closure-1.pdf")
	require.NoError(t, err)
	assert.Equal(t, "resolved", g.Status)
	assert.NotNil(t, g.ResolvedAt)

	evts, err := c.History(ctx, g.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, evts)

	list, err := c.List(ctx, ListOptions{Statuses: []string{"resolved"}})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	counts, err := c.Status(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total)
}

func TestClientErrors(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	water := clientFor(t, srv, auth.Principal{ActorID: "officer-1", Department: "water", Roles: []string{auth.RoleOfficial}})

	g, err := water.Submit(ctx, "Leak", "pipe burst", "water", false)
	require.NoError(t, err)

	_, err = water.Resolve(ctx, g.ID, "ref")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)

	roads := clientFor(t, srv, auth.Principal{ActorID: "officer-2", Department: "roads", Roles: []string{auth.RoleOfficial}})
	_, err = roads.Accept(ctx, g.ID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	_, err = New(srv.URL, "").Get(ctx, g.ID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClientAdminOperations(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	admin := clientFor(t, srv, auth.Principal{ActorID: "root", Roles: []string{auth.RoleAdmin}})

	res, err := admin.Classify(ctx, "Meter", "water meter billing issue", "water")
	require.NoError(t, err)
	assert.Equal(t, "Medium", res.Priority)
	assert.Equal(t, "local", res.Source)

	run, err := admin.RunEscalations(ctx)
	require.NoError(t, err)
	assert.Zero(t, run.Escalated)

	m, err := admin.CallMetrics(ctx, "", "24h")
	require.NoError(t, err)
	assert.Equal(t, "24h", m.TimeRange)
	assert.Zero(t, m.Stats.TotalCalls)
}
