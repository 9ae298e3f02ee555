package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	// StatusEscalated is accepted when reading legacy rows. Escalation is tracked by
	// Grievance.EscalationLevel and never written as a status.
	StatusEscalated Status = "escalated"
	StatusDeclined  Status = "declined"
)

// OpenStatuses are the statuses still subject to SLA evaluation.
var OpenStatuses = []Status{StatusPending, StatusAssigned, StatusInProgress}

// Statuses lists the written statuses in lifecycle order.
var Statuses = []Status{StatusPending, StatusAssigned, StatusInProgress, StatusResolved, StatusDeclined}

func (s Status) Open() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusDeclined
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusResolved, StatusEscalated, StatusDeclined:
		return true
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

// ParsePriority accepts any casing of High, Medium or Low.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, true
	case "medium":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	}
	return "", false
}

type ResourcePlan struct {
	StartDate          time.Time `json:"start_date" format:"date-time"`
	EndDate            time.Time `json:"end_date" format:"date-time"`
	RequirementsNeeded string    `json:"requirements_needed"`
	FundsRequired      float64   `json:"funds_required"`
	ResourcesRequired  string    `json:"resources_required"`
	ManpowerNeeded     int       `json:"manpower_needed"`
}

type TimelineStage struct {
	StageName   string    `json:"stage_name"`
	Date        time.Time `json:"date" format:"date-time"`
	Description string    `json:"description,omitempty"`
}

type Grievance struct {
	ID                      string          `json:"id"`
	PetitionID              string          `json:"petition_id"`
	Title                   string          `json:"title"`
	Description             string          `json:"description"`
	Department              string          `json:"department"`
	Status                  Status          `json:"status" enum:"pending,assigned,in_progress,resolved,escalated,declined"`
	Priority                Priority        `json:"priority,omitempty" enum:"High,Medium,Low"`
	PriorityExplanation     string          `json:"priority_explanation,omitempty"`
	ImpactAssessment        string          `json:"impact_assessment,omitempty"`
	RecommendedResponseTime string          `json:"recommended_response_time,omitempty"`
	PrioritySource          string          `json:"priority_source,omitempty"`
	CreatedAt               time.Time       `json:"created_at" format:"date-time"`
	StatusChangedAt         time.Time       `json:"status_changed_at" format:"date-time"`
	ResolvedAt              *time.Time      `json:"resolved_at,omitempty" format:"date-time"`
	AssignedTo              *string         `json:"assigned_to,omitempty"`
	ResourcePlan            *ResourcePlan   `json:"resource_plan,omitempty"`
	Timeline                []TimelineStage `json:"timeline"`
	EscalationLevel         int             `json:"escalation_level"`
	LastEscalatedAt         *time.Time      `json:"last_escalated_at,omitempty" format:"date-time"`
	DeclineReason           string          `json:"decline_reason,omitempty"`
	ResolutionRef           string          `json:"resolution_ref,omitempty"`
}

// Event is one row of the grievance audit log.
type Event struct {
	ID          int64     `json:"id"`
	TS          time.Time `json:"ts" format:"date-time"`
	Type        string    `json:"type"`
	GrievanceID string    `json:"grievance_id,omitempty"`
	ActorID     string    `json:"actor_id"`
	Payload     string    `json:"payload_json"`
}

// MetricSample is one recorded external-call attempt. Samples are never updated.
type MetricSample struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp" format:"date-time"`
	Operation    string         `json:"operation"`
	Latency      time.Duration  `json:"latency"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
