package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grievline/internal/classifier"
	"grievline/internal/config"
	"grievline/internal/db"
	"grievline/internal/domain"
	"grievline/internal/engine"
	"grievline/internal/engine/auth"
	"grievline/internal/escalation"
	"grievline/internal/metrics"
	"grievline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	engine engine.Engine
	clock  *time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Now().UTC().Truncate(time.Second)
	cfg := config.Default()
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return clock }
	e.Classifier = classifier.New(nil, classifier.DefaultRuleTable(), nil, nil)

	store := metrics.NewSQLStore(conn)
	svc := metrics.Service{Store: store, Policy: metrics.PolicyFromConfig(cfg.Metrics), RecentErrors: 10}
	sched := escalation.New(e, time.Minute, nil, nil)
	sched.Now = func() time.Time { return clock }

	handler, err := New(Config{
		Engine:     e,
		Metrics:    svc,
		Escalation: sched,
		BasePath:   "/v0",
		Auth:       AuthConfig{JWTSecret: testSecret},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, engine: e, clock: &clock}
}

func token(t *testing.T, p auth.Principal) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, p, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

var (
	waterOfficial = auth.Principal{ActorID: "officer-1", Department: "water", Roles: []string{auth.RoleOfficial}}
	roadsOfficial = auth.Principal{ActorID: "officer-2", Department: "roads", Roles: []string{auth.RoleOfficial}}
	adminUser     = auth.Principal{ActorID: "root", Roles: []string{auth.RoleAdmin}}
)

func (s *testServer) do(t *testing.T, p *auth.Principal, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if p != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, *p))
	}
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	return decode[apiError](t, data).Body.Code
}

func (s *testServer) submit(t *testing.T) GrievanceResponse {
	t.Helper()
	res, data := s.do(t, &waterOfficial, http.MethodPost, "/v0/grievances", SubmitGrievanceRequest{
		Title: "No water", Description: "no water supply since monday", Department: "Water", Classify: true,
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[GrievanceResponse](t, data)
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	res, _ := s.do(t, nil, http.MethodGet, "/v0/health", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestHealthPingsMetricsStore(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	mr := miniredis.RunT(t)
	store, err := metrics.NewRedisStore("redis://"+mr.Addr(), "test:health")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	handler, err := New(Config{
		Engine:       engine.New(conn, config.Default()),
		MetricsStore: store,
		BasePath:     "/v0",
		Auth:         AuthConfig{JWTSecret: testSecret},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := &testServer{Server: srv}

	res, data := s.do(t, nil, http.MethodGet, "/v0/health", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	body := decode[map[string]string](t, data)
	assert.Equal(t, "ok", body["metrics"])
	assert.Equal(t, "ok", body["database"])

	mr.Close()
	res, data = s.do(t, nil, http.MethodGet, "/v0/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "unavailable", errorCode(t, data))
	assert.Contains(t, string(data), `"metrics":"unavailable"`)
	assert.Contains(t, string(data), `"database":"ok"`)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, nil, http.MethodGet, "/v0/grievances", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	req, err := http.NewRequest(http.MethodGet, s.URL+"/v0/grievances", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGrievanceLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	g := s.submit(t)
	assert.Equal(t, domain.StatusPending, g.Status)
	assert.Equal(t, domain.PriorityHigh, g.Priority)
	assert.False(t, g.Overdue)

	base := "/v0/grievances/" + g.ID
	res, data := s.do(t, &waterOfficial, http.MethodPost, base+"/start-progress", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", errorCode(t, data))

	res, data = s.do(t, &waterOfficial, http.MethodPost, base+"/accept", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = s.do(t, &waterOfficial, http.MethodPost, base+"/start-progress", nil)
	assert.Equal(t, http.StatusPreconditionFailed, res.StatusCode)
	assert.Equal(t, "precondition_failed", errorCode(t, data))

	start := s.clock.Add(24 * time.Hour)
	res, data = s.do(t, &waterOfficial, http.MethodPost, base+"/resource-plan", ResourcePlanRequest{
		StartDate: start, EndDate: start.Add(48 * time.Hour), RequirementsNeeded: "pipe",
		FundsRequired: 500, ResourcesRequired: "truck", ManpowerNeeded: 0,
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "validation_error", errorCode(t, data))

	res, data = s.do(t, &waterOfficial, http.MethodPost, base+"/resource-plan", ResourcePlanRequest{
		StartDate: start, EndDate: start.Add(48 * time.Hour), RequirementsNeeded: "pipe",
		FundsRequired: 500, ResourcesRequired: "truck", ManpowerNeeded: 3,
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = s.do(t, &waterOfficial, http.MethodPost, base+"/start-progress", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = s.do(t, &waterOfficial, http.MethodPost, base+"/timeline", TimelineStageRequest{StageName: "Dig", Date: start})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[GrievanceResponse](t, data).Timeline, 1)

	res, data = s.do(t, &waterOfficial, http.MethodPost, base+"/resolve", ResolveRequest{ResolutionRef: "doc://done.pdf"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	resolved := decode[GrievanceResponse](t, data)
	assert.Equal(t, domain.StatusResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)

	res, data = s.do(t, &waterOfficial, http.MethodGet, base+"/events", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]domain.Event](t, data), 6)
}

func TestDepartmentForbidden(t *testing.T) {
	s := newTestServer(t)
	g := s.submit(t)

	res, data := s.do(t, &roadsOfficial, http.MethodPost, "/v0/grievances/"+g.ID+"/accept", nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, _ = s.do(t, &roadsOfficial, http.MethodGet, "/v0/grievances/missing", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestListAndStatus(t *testing.T) {
	s := newTestServer(t)
	s.submit(t)
	s.submit(t)

	res, data := s.do(t, &waterOfficial, http.MethodGet, "/v0/grievances?status=pending", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]GrievanceResponse](t, data), 2)
	assert.Contains(t, string(data), `"timeline":[]`)
	assert.NotContains(t, string(data), `"timeline":null`)

	res, data = s.do(t, &roadsOfficial, http.MethodGet, "/v0/grievances", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, decode[[]GrievanceResponse](t, data))

	res, data = s.do(t, &waterOfficial, http.MethodGet, "/v0/status", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	status := decode[StatusResponse](t, data)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.Counts["pending"])
	assert.Equal(t, "water", status.Department)
}

func TestAnalyzePriority(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, &waterOfficial, http.MethodPost, "/v0/classify", ClassifyRequest{
		Title: "Meter", Description: "water meter billing issue", Department: "water",
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[classifier.Result](t, data)
	assert.Equal(t, domain.PriorityMedium, out.Priority)
	assert.Equal(t, classifier.SourceLocal, out.Source)
}

func TestCallMetrics(t *testing.T) {
	s := newTestServer(t)
	store := metrics.NewSQLStore(s.engine.DB)
	_, err := metrics.Seed(context.Background(), store, *s.clock, []string{classifier.OpRemote}, 7)
	require.NoError(t, err)

	res, _ := s.do(t, &waterOfficial, http.MethodGet, "/v0/metrics/calls", nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data := s.do(t, &adminUser, http.MethodGet, "/v0/metrics/calls?timeRange=24h&operation="+classifier.OpRemote, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[metrics.Response](t, data)
	assert.Equal(t, "24h", out.TimeRange)
	assert.NotEmpty(t, out.TimeSeriesData)
	assert.Positive(t, out.Stats.TotalCalls)

	res, data = s.do(t, &adminUser, http.MethodGet, "/v0/metrics/calls?timeRange=2y", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "validation_error", errorCode(t, data))
}

func TestRunEscalations(t *testing.T) {
	s := newTestServer(t)
	g := s.submit(t)

	res, _ := s.do(t, &waterOfficial, http.MethodPost, "/v0/escalations/run", nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	*s.clock = s.clock.Add(25 * time.Hour)
	res, data := s.do(t, &adminUser, http.MethodPost, "/v0/escalations/run", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[EscalationRunResponse](t, data)
	assert.Equal(t, 1, out.Escalated)

	res, data = s.do(t, &waterOfficial, http.MethodGet, "/v0/grievances/"+g.ID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	got := decode[GrievanceResponse](t, data)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.True(t, got.Overdue)
}

func TestPrometheusEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.submit(t)
	res, data := s.do(t, nil, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "grievline_grievance_transitions_total")
}
