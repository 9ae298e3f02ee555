package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"grievline/internal/config"
	"grievline/internal/domain"
	"grievline/internal/logging"
)

var errRateLimited = errors.New("remote classifier rate limited")

// RemoteClient calls the remote classification endpoint. Every call is bounded by
// Timeout, passes a circuit breaker and takes a limiter token without waiting.
type RemoteClient struct {
	url     string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

type remoteRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Department  string `json:"department"`
}

type remoteResponse struct {
	Priority                string `json:"priority"`
	PriorityExplanation     string `json:"priorityExplanation"`
	ImpactAssessment        string `json:"impactAssessment"`
	RecommendedResponseTime string `json:"recommendedResponseTime"`
}

// NewRemoteClient returns nil when no URL is configured.
func NewRemoteClient(cfg config.RemoteClassifier, httpClient *http.Client, log *zap.SugaredLogger) *RemoteClient {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	log = logging.OrNop(log)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RemoteClient{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "remote-classifier",
			MaxRequests: cfg.Breaker.MaxRequests,
			Interval:    cfg.Breaker.Interval,
			Timeout:     cfg.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// A caller giving up says nothing about the remote's health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Infow("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Classify returns an error wrapping ErrClassifierUnavailable on any failure.
func (c *RemoteClient) Classify(ctx context.Context, in Input) (Result, error) {
	if !c.limiter.Allow() {
		return Result{}, fmt.Errorf("%w: %w", ErrClassifierUnavailable, errRateLimited)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, in)
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrClassifierUnavailable, err)
	}
	return out.(Result), nil
}

func (c *RemoteClient) call(ctx context.Context, in Input) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(remoteRequest{Title: in.Title, Description: in.Description, Department: in.Department})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("remote classifier status %d", resp.StatusCode)
	}
	var rr remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rr); err != nil {
		return Result{}, fmt.Errorf("decode remote response: %w", err)
	}
	p, ok := domain.ParsePriority(rr.Priority)
	if !ok {
		return Result{}, fmt.Errorf("remote classifier returned unknown priority %q", rr.Priority)
	}
	return Result{
		Priority:                p,
		Explanation:             rr.PriorityExplanation,
		ImpactAssessment:        rr.ImpactAssessment,
		RecommendedResponseTime: rr.RecommendedResponseTime,
		Source:                  SourceRemote,
	}, nil
}
