package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"grievline/internal/classifier"
	"grievline/internal/domain"
	"grievline/internal/engine"
	"grievline/internal/metrics"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusPreconditionFailed,
}

type grievancePath struct {
	ID string `path:"id"`
}

type grievanceOutput struct {
	Body GrievanceResponse `json:"body"`
}

func (h handlers) grievanceOutput(g domain.Grievance) *grievanceOutput {
	return &grievanceOutput{Body: GrievanceResponse{Grievance: g, Overdue: h.engine.IsOverdue(g, h.now())}}
}

func (h handlers) now() time.Time {
	if h.engine.Now != nil {
		return h.engine.Now().UTC()
	}
	return time.Now().UTC()
}

func (h handlers) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Grievance counts per status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Department string `query:"department"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := h.engine.StatusCounts(ctx, input.Department, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		dept := strings.ToLower(strings.TrimSpace(input.Department))
		if dept == "" && !actor.IsAdmin() {
			dept = actor.Department
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(dept, counts)}, nil
	})
}

func (h handlers) registerGrievances(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-grievance",
		Method:        http.MethodPost,
		Path:          "/grievances",
		Summary:       "Submit grievance",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SubmitGrievanceRequest `json:"body"`
	}) (*grievanceOutput, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := h.engine.Submit(ctx, engine.SubmitOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Department:  input.Body.Department,
			ActorID:     actor.ActorID,
			Classify:    input.Body.Classify,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.grievanceOutput(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-grievances",
		Method:      http.MethodGet,
		Path:        "/grievances",
		Summary:     "List grievances",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status     []string `query:"status"`
		Department string   `query:"department"`
		Limit      int      `query:"limit" minimum:"0"`
	}) (*struct {
		Body []GrievanceResponse `json:"body"`
	}, error) {
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var statuses []domain.Status
		for _, s := range input.Status {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, domain.Status(s))
			}
		}
		items, err := h.engine.List(ctx, engine.ListOptions{Statuses: statuses, Department: input.Department, Limit: input.Limit}, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		now := h.now()
		out := make([]GrievanceResponse, 0, len(items))
		for _, g := range items {
			out = append(out, GrievanceResponse{Grievance: g, Overdue: h.engine.IsOverdue(g, now)})
		}
		return &struct {
			Body []GrievanceResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-grievance",
		Method:      http.MethodGet,
		Path:        "/grievances/{id}",
		Summary:     "Get grievance",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *grievancePath) (*grievanceOutput, error) {
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := h.engine.Get(ctx, input.ID, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.grievanceOutput(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grievance-events",
		Method:      http.MethodGet,
		Path:        "/grievances/{id}/events",
		Summary:     "Grievance audit history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *grievancePath) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evts, err := h.engine.History(ctx, input.ID, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func (h handlers) registerTransitions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "accept-grievance",
		Method:      http.MethodPost,
		Path:        "/grievances/{id}/accept",
		Summary:     "Accept a pending grievance",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *grievancePath) (*grievanceOutput, error) {
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := h.engine.Accept(ctx, input.ID, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.grievanceOutput(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decline-grievance",
		Method:      http.MethodPost,
		Path:        "/grievances/{id}/decline",
		Summary:     "Decline a pending grievance",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body DeclineRequest `json:"body"`
	}) (*grievanceOutput, error) {
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := h.engine.Decline(ctx, input.ID, input.Body.Reason, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.grievanceOutput(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-resource-plan",
		Method:      http.MethodPost,
		Path:        "/grievances/{id}/resource-plan",
		Summary:     "Submit the resource plan of an assigned grievance",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ResourcePlanRequest `json:"body"`
	}) (*grievanceOutput, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := h.engine.SubmitResourcePlan(ctx, input.ID, input.Body.plan(), actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.grievanceOutput(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-progress",
		Method:      http.MethodPost,
		Path:        "/grievances/{id}/start-progress",
		Summary:     "Start work on an assigned grievance",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *grievancePath) (*grievanceOutput, error) {
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := h.engine.StartProgress(ctx, input.ID, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.grievanceOutput(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "append-timeline-stage",
		Method:      http.MethodPost,
		Path:        "/grievances/{id}/timeline",
		Summary:     "Append a timeline stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body TimelineStageRequest `json:"body"`
	}) (*grievanceOutput, error) {
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stage := domain.TimelineStage{StageName: input.Body.StageName, Date: input.Body.Date, Description: input.Body.Description}
		g, err := h.engine.AppendTimelineStage(ctx, input.ID, stage, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.grievanceOutput(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-grievance",
		Method:      http.MethodPost,
		Path:        "/grievances/{id}/resolve",
		Summary:     "Resolve an in-progress grievance",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ResolveRequest `json:"body"`
	}) (*grievanceOutput, error) {
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := h.engine.Resolve(ctx, input.ID, input.Body.ResolutionRef, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.grievanceOutput(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "classify-grievance",
		Method:      http.MethodPost,
		Path:        "/grievances/{id}/classify",
		Summary:     "Classify the priority of a stored grievance",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *grievancePath) (*grievanceOutput, error) {
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := h.engine.Classify(ctx, input.ID, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.grievanceOutput(g), nil
	})
}

func (h handlers) registerClassify(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "analyze-priority",
		Method:      http.MethodPost,
		Path:        "/classify",
		Summary:     "Classify grievance text without storing it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ClassifyRequest `json:"body"`
	}) (*struct {
		Body classifier.Result `json:"body"`
	}, error) {
		if _, authErr := principalFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Title) == "" && strings.TrimSpace(input.Body.Description) == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "title or description is required", nil)
		}
		if h.classifier == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "classifier not configured", nil)
		}
		res := h.classifier.Classify(ctx, classifier.Input{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Department:  strings.ToLower(strings.TrimSpace(input.Body.Department)),
		})
		return &struct {
			Body classifier.Result `json:"body"`
		}{Body: res}, nil
	})
}

func (h handlers) registerCallMetrics(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "call-metrics",
		Method:      http.MethodGet,
		Path:        "/metrics/calls",
		Summary:     "Aggregated external call metrics",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Operation string `query:"operation"`
		TimeRange string `query:"timeRange"`
	}) (*struct {
		Body metrics.Response `json:"body"`
	}, error) {
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := actor.RequireAdmin("metrics.read"); err != nil {
			return nil, h.handleError(err)
		}
		if h.metrics == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "metrics not configured", nil)
		}
		res, err := h.metrics.Query(ctx, strings.TrimSpace(input.Operation), strings.TrimSpace(input.TimeRange))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body metrics.Response `json:"body"`
		}{Body: res}, nil
	})
}

func (h handlers) registerEscalations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "run-escalations",
		Method:      http.MethodPost,
		Path:        "/escalations/run",
		Summary:     "Run the escalation check now",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EscalationRunResponse `json:"body"`
	}, error) {
		actor, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := actor.RequireAdmin("escalation.run"); err != nil {
			return nil, h.handleError(err)
		}
		if h.escalation == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "escalation scheduler not configured", nil)
		}
		res, err := h.escalation.RunOnce(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body EscalationRunResponse `json:"body"`
		}{Body: EscalationRunResponse{Result: res}}, nil
	})
}
