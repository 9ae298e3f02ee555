package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"grievline/internal/repo"
)

// Event types appended to the audit log.
const (
	GrievanceSubmitted  = "grievance.submitted"
	GrievanceAccepted   = "grievance.accepted"
	GrievanceDeclined   = "grievance.declined"
	ResourcePlanSet     = "grievance.resource_plan.submitted"
	GrievanceStarted    = "grievance.started"
	TimelineAppended    = "grievance.timeline.appended"
	GrievanceResolved   = "grievance.resolved"
	GrievanceEscalated  = "grievance.escalated"
	GrievanceClassified = "grievance.classified"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, q repo.Querier, evtType, grievanceID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,grievance_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		repo.FormatTime(w.Now()), evtType, nullable(grievanceID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
