// Package classifier assigns a priority tier to grievance text, preferring a remote
// classifier and falling back to deterministic keyword rules.
package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"grievline/internal/domain"
	"grievline/internal/logging"
	"grievline/internal/telemetry"
)

const (
	SourceRemote = "remote"
	SourceLocal  = "local"

	OpRemote = "classify.remote"
	OpLocal  = "classify.local"
)

// ErrClassifierUnavailable marks a failed remote attempt. Classifier recovers from it
// and never returns it.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

type Input struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Department  string `json:"department"`
}

type Result struct {
	Priority                domain.Priority `json:"priority" enum:"High,Medium,Low"`
	Explanation             string          `json:"priorityExplanation"`
	ImpactAssessment        string          `json:"impactAssessment"`
	RecommendedResponseTime string          `json:"recommendedResponseTime"`
	Source                  string          `json:"source" enum:"remote,local"`
}

// Remote is the remote classification call.
type Remote interface {
	Classify(ctx context.Context, in Input) (Result, error)
}

// Recorder receives one sample per classification attempt.
type Recorder interface {
	Record(operation string, start time.Time, success bool, err error, metadata map[string]any)
}

type Classifier struct {
	Remote   Remote
	Rules    RuleTable
	Recorder Recorder
	Logger   *zap.SugaredLogger
	Now      func() time.Time
}

// New wires a classifier. remote may be nil, in which case only local rules apply.
func New(remote *RemoteClient, rules RuleTable, rec Recorder, log *zap.SugaredLogger) *Classifier {
	c := &Classifier{Rules: rules, Recorder: rec, Logger: log}
	if remote != nil {
		c.Remote = remote
	}
	return c
}

func (c *Classifier) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Classify always returns a result.
func (c *Classifier) Classify(ctx context.Context, in Input) Result {
	log := logging.OrNop(c.Logger)
	inputLen := len(in.Title) + len(in.Description)

	if c.Remote != nil {
		start := c.now()
		res, err := c.Remote.Classify(ctx, in)
		if err == nil {
			c.record(OpRemote, start, true, nil, map[string]any{
				"department":   in.Department,
				"inputLength":  inputLen,
				"outputLength": len(res.Explanation) + len(res.ImpactAssessment) + len(res.RecommendedResponseTime),
			})
			telemetry.ClassifierDecisions.WithLabelValues(SourceRemote, string(res.Priority)).Inc()
			return res
		}
		if !errors.Is(err, ErrClassifierUnavailable) {
			err = errors.Join(ErrClassifierUnavailable, err)
		}
		c.record(OpRemote, start, false, err, map[string]any{"department": in.Department, "inputLength": inputLen})
		telemetry.ClassifierFallbacks.WithLabelValues(fallbackReason(err)).Inc()
		log.Warnw("remote classifier failed, using local rules", "department", in.Department, "error", err)
	}

	start := c.now()
	res := Local(c.Rules, in)
	c.record(OpLocal, start, true, nil, map[string]any{"department": in.Department, "inputLength": inputLen})
	telemetry.ClassifierDecisions.WithLabelValues(SourceLocal, string(res.Priority)).Inc()
	return res
}

func (c *Classifier) record(op string, start time.Time, ok bool, err error, meta map[string]any) {
	if c.Recorder == nil {
		return
	}
	c.Recorder.Record(op, start, ok, err, meta)
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	default:
		return "error"
	}
}
