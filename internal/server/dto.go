package server

import (
	"time"

	"grievline/internal/domain"
	"grievline/internal/escalation"
)

// Request payloads

type SubmitGrievanceRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Department  string `json:"department"`
	Classify    bool   `json:"classify,omitempty"`
}

type DeclineRequest struct {
	Reason string `json:"reason"`
}

type ResourcePlanRequest struct {
	StartDate          time.Time `json:"start_date" format:"date-time"`
	EndDate            time.Time `json:"end_date" format:"date-time"`
	RequirementsNeeded string    `json:"requirements_needed"`
	FundsRequired      float64   `json:"funds_required"`
	ResourcesRequired  string    `json:"resources_required"`
	ManpowerNeeded     int       `json:"manpower_needed"`
}

func (r ResourcePlanRequest) plan() domain.ResourcePlan {
	return domain.ResourcePlan{
		StartDate:          r.StartDate,
		EndDate:            r.EndDate,
		RequirementsNeeded: r.RequirementsNeeded,
		FundsRequired:      r.FundsRequired,
		ResourcesRequired:  r.ResourcesRequired,
		ManpowerNeeded:     r.ManpowerNeeded,
	}
}

type TimelineStageRequest struct {
	StageName   string    `json:"stage_name"`
	Date        time.Time `json:"date" format:"date-time"`
	Description string    `json:"description,omitempty"`
}

type ResolveRequest struct {
	ResolutionRef string `json:"resolution_ref"`
}

type ClassifyRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Department  string `json:"department"`
}

// Response payloads

type GrievanceResponse struct {
	domain.Grievance
	Overdue bool `json:"overdue"`
}

type StatusResponse struct {
	Department string         `json:"department,omitempty"`
	Total      int            `json:"total"`
	Counts     map[string]int `json:"counts"`
}

func statusResponse(dept string, counts map[domain.Status]int) StatusResponse {
	out := StatusResponse{Department: dept, Counts: make(map[string]int, len(counts))}
	for s, n := range counts {
		out.Counts[string(s)] = n
		out.Total += n
	}
	return out
}

type EscalationRunResponse struct {
	escalation.Result
}
