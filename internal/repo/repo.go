package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"grievline/internal/domain"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write matched no row.
	ErrConflict = errors.New("conditional update matched no row")
)

// TimeLayout is fixed width so stored timestamps sort lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func (r Repo) q(q Querier) Querier {
	if q == nil {
		return r.DB
	}
	return q
}

const grievanceColumns = `id,petition_id,title,description,department,status,priority,priority_explanation,impact_assessment,recommended_response_time,priority_source,created_at,status_changed_at,resolved_at,assigned_to,resource_plan_json,escalation_level,last_escalated_at,decline_reason,resolution_ref`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrievance(row rowScanner) (domain.Grievance, error) {
	var g domain.Grievance
	var status, createdAt, changedAt string
	var priority, explanation, impact, response, source, resolvedAt, assignedTo, planJSON, escalatedAt, declineReason, resolutionRef sql.NullString
	err := row.Scan(&g.ID, &g.PetitionID, &g.Title, &g.Description, &g.Department, &status, &priority, &explanation, &impact, &response, &source,
		&createdAt, &changedAt, &resolvedAt, &assignedTo, &planJSON, &g.EscalationLevel, &escalatedAt, &declineReason, &resolutionRef)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Status = domain.Status(status)
	g.Priority = domain.Priority(priority.String)
	g.PriorityExplanation = explanation.String
	g.ImpactAssessment = impact.String
	g.RecommendedResponseTime = response.String
	g.PrioritySource = source.String
	g.DeclineReason = declineReason.String
	g.ResolutionRef = resolutionRef.String
	if g.CreatedAt, err = ParseTime(createdAt); err != nil {
		return g, fmt.Errorf("grievance %s created_at: %w", g.ID, err)
	}
	if g.StatusChangedAt, err = ParseTime(changedAt); err != nil {
		return g, fmt.Errorf("grievance %s status_changed_at: %w", g.ID, err)
	}
	if g.ResolvedAt, err = optionalTime(resolvedAt); err != nil {
		return g, err
	}
	if g.LastEscalatedAt, err = optionalTime(escalatedAt); err != nil {
		return g, err
	}
	if assignedTo.Valid {
		g.AssignedTo = &assignedTo.String
	}
	if planJSON.Valid && planJSON.String != "" {
		var plan domain.ResourcePlan
		if err := json.Unmarshal([]byte(planJSON.String), &plan); err != nil {
			return g, fmt.Errorf("grievance %s resource plan: %w", g.ID, err)
		}
		g.ResourcePlan = &plan
	}
	return g, nil
}

func (r Repo) InsertGrievance(ctx context.Context, q Querier, g domain.Grievance) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO grievances(`+grievanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.PetitionID, g.Title, g.Description, g.Department, string(g.Status),
		nullable(string(g.Priority)), nullable(g.PriorityExplanation), nullable(g.ImpactAssessment), nullable(g.RecommendedResponseTime), nullable(g.PrioritySource),
		FormatTime(g.CreatedAt), FormatTime(g.StatusChangedAt), nullableTime(g.ResolvedAt), nullableStringPtr(g.AssignedTo), nil,
		g.EscalationLevel, nullableTime(g.LastEscalatedAt), nullable(g.DeclineReason), nullable(g.ResolutionRef))
	return err
}

// GetGrievance loads a grievance together with its timeline.
func (r Repo) GetGrievance(ctx context.Context, q Querier, id string) (domain.Grievance, error) {
	g, err := scanGrievance(r.q(q).QueryRowContext(ctx, `SELECT `+grievanceColumns+` FROM grievances WHERE id=?`, id))
	if err != nil {
		return g, err
	}
	g.Timeline, err = r.ListTimeline(ctx, q, id)
	return g, err
}

type GrievanceFilter struct {
	Statuses   []domain.Status
	Department string
	// ExcludeDepartments drops grievances of the listed departments.
	ExcludeDepartments []string
	// ChangedBefore keeps grievances whose status_changed_at is strictly earlier.
	ChangedBefore time.Time
	Limit         int
}

// ListGrievances returns grievances with empty timelines, oldest status change first.
func (r Repo) ListGrievances(ctx context.Context, q Querier, f GrievanceFilter) ([]domain.Grievance, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.Department != "" {
		clauses = append(clauses, "department=?")
		args = append(args, f.Department)
	}
	if len(f.ExcludeDepartments) > 0 {
		marks := make([]string, len(f.ExcludeDepartments))
		for i, d := range f.ExcludeDepartments {
			marks[i] = "?"
			args = append(args, d)
		}
		clauses = append(clauses, "department NOT IN ("+strings.Join(marks, ",")+")")
	}
	if !f.ChangedBefore.IsZero() {
		clauses = append(clauses, "status_changed_at < ?")
		args = append(args, FormatTime(f.ChangedBefore))
	}
	query := `SELECT ` + grievanceColumns + ` FROM grievances`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY status_changed_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Grievance
	for rows.Next() {
		g, err := scanGrievance(rows)
		if err != nil {
			return nil, err
		}
		g.Timeline = []domain.TimelineStage{}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) CountByStatus(ctx context.Context, q Querier, department string) (map[domain.Status]int, error) {
	query := `SELECT status, COUNT(*) FROM grievances`
	var args []any
	if department != "" {
		query += ` WHERE department=?`
		args = append(args, department)
	}
	query += ` GROUP BY status`
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[domain.Status(s)] = n
	}
	return res, rows.Err()
}

// StatusChange describes a conditional status transition. Optional fields are only
// written when non-nil/non-empty.
type StatusChange struct {
	ID            string
	From          domain.Status
	To            domain.Status
	At            time.Time
	AssignedTo    *string
	ResolvedAt    *time.Time
	DeclineReason string
	ResolutionRef string
	// RequirePlan adds "resource plan present" to the update predicate.
	RequirePlan bool
}

// UpdateStatus applies the change only if the row is still in c.From. Status and
// status_changed_at are written by the same statement.
func (r Repo) UpdateStatus(ctx context.Context, q Querier, c StatusChange) error {
	query := `UPDATE grievances SET status=?, status_changed_at=?,
assigned_to=COALESCE(?, assigned_to),
resolved_at=COALESCE(?, resolved_at),
decline_reason=COALESCE(?, decline_reason),
resolution_ref=COALESCE(?, resolution_ref)
WHERE id=? AND status=?`
	if c.RequirePlan {
		query += ` AND resource_plan_json IS NOT NULL`
	}
	res, err := r.q(q).ExecContext(ctx, query,
		string(c.To), FormatTime(c.At), nullableStringPtr(c.AssignedTo), nullableTime(c.ResolvedAt),
		nullable(c.DeclineReason), nullable(c.ResolutionRef), c.ID, string(c.From))
	if err != nil {
		return err
	}
	return expectOne(res)
}

// SetResourcePlan stores the plan once, only while the grievance is assigned.
func (r Repo) SetResourcePlan(ctx context.Context, q Querier, id string, plan domain.ResourcePlan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal resource plan: %w", err)
	}
	res, err := r.q(q).ExecContext(ctx, `UPDATE grievances SET resource_plan_json=? WHERE id=? AND status=? AND resource_plan_json IS NULL`,
		string(payload), id, string(domain.StatusAssigned))
	if err != nil {
		return err
	}
	return expectOne(res)
}

// AppendTimeline inserts the next stage only while the grievance is in progress.
func (r Repo) AppendTimeline(ctx context.Context, q Querier, id string, stage domain.TimelineStage, now time.Time) error {
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO grievance_timeline(grievance_id,seq,stage_name,stage_date,description,created_at)
SELECT ?, COALESCE((SELECT MAX(seq) FROM grievance_timeline WHERE grievance_id=?), 0) + 1, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM grievances WHERE id=? AND status=?)`,
		id, id, stage.StageName, FormatTime(stage.Date), nullable(stage.Description), FormatTime(now), id, string(domain.StatusInProgress))
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) ListTimeline(ctx context.Context, q Querier, id string) ([]domain.TimelineStage, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT stage_name, stage_date, COALESCE(description,'') FROM grievance_timeline WHERE grievance_id=? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TimelineStage{}
	for rows.Next() {
		var st domain.TimelineStage
		var date string
		if err := rows.Scan(&st.StageName, &date, &st.Description); err != nil {
			return nil, err
		}
		if st.Date, err = ParseTime(date); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// IncrementEscalation bumps escalation_level for an open grievance and returns the
// new level. Status and status_changed_at are left untouched.
func (r Repo) IncrementEscalation(ctx context.Context, q Querier, id string, at time.Time) (int, error) {
	var level int
	err := r.q(q).QueryRowContext(ctx, `UPDATE grievances SET escalation_level = escalation_level + 1, last_escalated_at=?
WHERE id=? AND status IN (?,?,?) RETURNING escalation_level`,
		FormatTime(at), id, string(domain.StatusPending), string(domain.StatusAssigned), string(domain.StatusInProgress)).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConflict
	}
	return level, err
}

type PriorityUpdate struct {
	Priority                domain.Priority
	Explanation             string
	ImpactAssessment        string
	RecommendedResponseTime string
	Source                  string
}

// SetPriority records a classification unless the grievance is resolved or declined.
func (r Repo) SetPriority(ctx context.Context, q Querier, id string, p PriorityUpdate) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE grievances SET priority=?, priority_explanation=?, impact_assessment=?, recommended_response_time=?, priority_source=?
WHERE id=? AND status NOT IN (?,?)`,
		string(p.Priority), nullable(p.Explanation), nullable(p.ImpactAssessment), nullable(p.RecommendedResponseTime), nullable(p.Source),
		id, string(domain.StatusResolved), string(domain.StatusDeclined))
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) ListEvents(ctx context.Context, q Querier, grievanceID string, limit int) ([]domain.Event, error) {
	query := `SELECT id, ts, type, COALESCE(grievance_id,''), actor_id, payload_json FROM events`
	var args []any
	if grievanceID != "" {
		query += ` WHERE grievance_id=?`
		args = append(args, grievanceID)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.GrievanceID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if e.TS, err = ParseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return FormatTime(*t)
}

func optionalTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
