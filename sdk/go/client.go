package grievlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Grievline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type ResourcePlan struct {
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
	RequirementsNeeded string    `json:"requirements_needed"`
	FundsRequired      float64   `json:"funds_required"`
	ResourcesRequired  string    `json:"resources_required"`
	ManpowerNeeded     int       `json:"manpower_needed"`
}

type TimelineStage struct {
	StageName   string    `json:"stage_name"`
	Date        time.Time `json:"date"`
	Description string    `json:"description,omitempty"`
}

// Grievance represents the API grievance model.
type Grievance struct {
	ID                      string          `json:"id"`
	PetitionID              string          `json:"petition_id"`
	Title                   string          `json:"title"`
	Description             string          `json:"description"`
	Department              string          `json:"department"`
	Status                  string          `json:"status"`
	Priority                string          `json:"priority,omitempty"`
	PriorityExplanation     string          `json:"priority_explanation,omitempty"`
	ImpactAssessment        string          `json:"impact_assessment,omitempty"`
	RecommendedResponseTime string          `json:"recommended_response_time,omitempty"`
	PrioritySource          string          `json:"priority_source,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
	StatusChangedAt         time.Time       `json:"status_changed_at"`
	ResolvedAt              *time.Time      `json:"resolved_at,omitempty"`
	AssignedTo              *string         `json:"assigned_to,omitempty"`
	ResourcePlan            *ResourcePlan   `json:"resource_plan,omitempty"`
	Timeline                []TimelineStage `json:"timeline"`
	EscalationLevel         int             `json:"escalation_level"`
	LastEscalatedAt         *time.Time      `json:"last_escalated_at,omitempty"`
	DeclineReason           string          `json:"decline_reason,omitempty"`
	ResolutionRef           string          `json:"resolution_ref,omitempty"`
	Overdue                 bool            `json:"overdue"`
}

// Event represents an audit log entry.
type Event struct {
	ID          int64     `json:"id"`
	TS          time.Time `json:"ts"`
	Type        string    `json:"type"`
	GrievanceID string    `json:"grievance_id"`
	ActorID     string    `json:"actor_id"`
	Payload     string    `json:"payload_json"`
}

// Classification is the priority analysis of grievance text.
type Classification struct {
	Priority                string `json:"priority"`
	Explanation             string `json:"priorityExplanation"`
	ImpactAssessment        string `json:"impactAssessment"`
	RecommendedResponseTime string `json:"recommendedResponseTime"`
	Source                  string `json:"source"`
}

type StatusCounts struct {
	Department string         `json:"department,omitempty"`
	Total      int            `json:"total"`
	Counts     map[string]int `json:"counts"`
}

type EscalationRun struct {
	Overdue   int `json:"overdue"`
	Escalated int `json:"escalated"`
	Failed    int `json:"failed"`
}

// CallMetrics is the aggregated view of recorded classifier calls. Latencies are in
// milliseconds and rates in percent.
type CallMetrics struct {
	TimeRange      string `json:"timeRange"`
	Operation      string `json:"operation,omitempty"`
	Interval       string `json:"interval"`
	TimeSeriesData []struct {
		Timestamp      time.Time `json:"timestamp"`
		TotalCalls     int       `json:"totalCalls"`
		SuccessRate    float64   `json:"successRate"`
		AverageLatency float64   `json:"averageLatency"`
		P95Latency     float64   `json:"p95Latency"`
		P99Latency     float64   `json:"p99Latency"`
	} `json:"timeSeriesData"`
	Stats struct {
		TotalCalls     int     `json:"totalCalls"`
		SuccessRate    float64 `json:"successRate"`
		AverageLatency float64 `json:"averageLatency"`
		P95Latency     float64 `json:"p95Latency"`
		P99Latency     float64 `json:"p99Latency"`
	} `json:"stats"`
	RecentErrors []struct {
		Operation    string    `json:"operation"`
		ErrorMessage string    `json:"errorMessage"`
		Timestamp    time.Time `json:"timestamp"`
	} `json:"recentErrors"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit files a new grievance.
func (c *Client) Submit(ctx context.Context, title, description, department string, classify bool) (Grievance, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"department":  department,
		"classify":    classify,
	}
	var resp Grievance
	err := c.do(ctx, http.MethodPost, "grievances", body, &resp)
	return resp, err
}

// ListOptions filters List. Zero values are omitted.
type ListOptions struct {
	Statuses   []string
	Department string
	Limit      int
}

func (c *Client) List(ctx context.Context, opts ListOptions) ([]Grievance, error) {
	q := url.Values{}
	for _, s := range opts.Statuses {
		q.Add("status", s)
	}
	if opts.Department != "" {
		q.Set("department", opts.Department)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	var resp []Grievance
	err := c.do(ctx, http.MethodGet, withQuery("grievances", q), nil, &resp)
	return resp, err
}

func (c *Client) Get(ctx context.Context, id string) (Grievance, error) {
	var resp Grievance
	err := c.do(ctx, http.MethodGet, grievancePath(id, ""), nil, &resp)
	return resp, err
}

// History returns the audit events of a grievance, oldest first.
func (c *Client) History(ctx context.Context, id string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, grievancePath(id, "events"), nil, &resp)
	return resp, err
}

func (c *Client) Accept(ctx context.Context, id string) (Grievance, error) {
	return c.transition(ctx, id, "accept", nil)
}

func (c *Client) Decline(ctx context.Context, id, reason string) (Grievance, error) {
	return c.transition(ctx, id, "decline", map[string]any{"reason": reason})
}

func (c *Client) SubmitResourcePlan(ctx context.Context, id string, plan ResourcePlan) (Grievance, error) {
	return c.transition(ctx, id, "resource-plan", plan)
}

func (c *Client) StartProgress(ctx context.Context, id string) (Grievance, error) {
	return c.transition(ctx, id, "start-progress", nil)
}

func (c *Client) AppendTimelineStage(ctx context.Context, id string, stage TimelineStage) (Grievance, error) {
	return c.transition(ctx, id, "timeline", stage)
}

func (c *Client) Resolve(ctx context.Context, id, resolutionRef string) (Grievance, error) {
	return c.transition(ctx, id, "resolve", map[string]any{"resolution_ref": resolutionRef})
}

// Reclassify re-runs priority classification on a stored grievance.
func (c *Client) Reclassify(ctx context.Context, id string) (Grievance, error) {
	return c.transition(ctx, id, "classify", nil)
}

// Classify analyses text without storing a grievance.
func (c *Client) Classify(ctx context.Context, title, description, department string) (Classification, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"department":  department,
	}
	var resp Classification
	err := c.do(ctx, http.MethodPost, "classify", body, &resp)
	return resp, err
}

// Status returns grievance counts per status. An empty department means the
// caller's whole scope.
func (c *Client) Status(ctx context.Context, department string) (StatusCounts, error) {
	q := url.Values{}
	if department != "" {
		q.Set("department", department)
	}
	var resp StatusCounts
	err := c.do(ctx, http.MethodGet, withQuery("status", q), nil, &resp)
	return resp, err
}

// CallMetrics requires an admin token.
func (c *Client) CallMetrics(ctx context.Context, operation, timeRange string) (CallMetrics, error) {
	q := url.Values{}
	if operation != "" {
		q.Set("operation", operation)
	}
	if timeRange != "" {
		q.Set("timeRange", timeRange)
	}
	var resp CallMetrics
	err := c.do(ctx, http.MethodGet, withQuery("metrics/calls", q), nil, &resp)
	return resp, err
}

// RunEscalations requires an admin token.
func (c *Client) RunEscalations(ctx context.Context) (EscalationRun, error) {
	var resp EscalationRun
	err := c.do(ctx, http.MethodPost, "escalations/run", nil, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, id, action string, body any) (Grievance, error) {
	var resp Grievance
	err := c.do(ctx, http.MethodPost, grievancePath(id, action), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func grievancePath(id, action string) string {
	p := "grievances/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
