package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grievline/internal/classifier"
	"grievline/internal/config"
	"grievline/internal/domain"
	"grievline/internal/engine/auth"
	"grievline/internal/events"
	"grievline/internal/logging"
	"grievline/internal/repo"
	"grievline/internal/telemetry"
)

// PriorityClassifier never fails; it falls back to local rules internally.
type PriorityClassifier interface {
	Classify(ctx context.Context, in classifier.Input) classifier.Result
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Classifier PriorityClassifier
	Logger     *zap.SugaredLogger
	Now        func() time.Time

	// afterLoad runs between the optimistic read and the conditional write.
	afterLoad func()
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Logger: logging.OrNop(nil),
		Now:    time.Now,
	}
}

// eventWriter stamps audit rows with the engine clock unless Events has its own.
func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.SugaredLogger {
	return logging.OrNop(e.Logger)
}

// ensureTransition encodes the allowed status edges.
func ensureTransition(id string, from, to domain.Status) error {
	switch from {
	case domain.StatusPending:
		if to == domain.StatusAssigned || to == domain.StatusDeclined {
			return nil
		}
	case domain.StatusAssigned:
		if to == domain.StatusInProgress {
			return nil
		}
	case domain.StatusInProgress:
		if to == domain.StatusResolved {
			return nil
		}
	}
	return &TransitionError{ID: id, From: from, To: to}
}

// SubmitOptions are parameters for creating a grievance.
type SubmitOptions struct {
	Title       string
	Description string
	Department  string
	ActorID     string
	// Classify runs the priority classifier before the grievance is stored.
	Classify bool
}

func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Grievance, error) {
	title := strings.TrimSpace(opts.Title)
	desc := strings.TrimSpace(opts.Description)
	dept := strings.ToLower(strings.TrimSpace(opts.Department))
	switch {
	case title == "":
		return domain.Grievance{}, invalid("title", "is required")
	case desc == "":
		return domain.Grievance{}, invalid("description", "is required")
	case dept == "":
		return domain.Grievance{}, invalid("department", "is required")
	}
	actor := opts.ActorID
	if actor == "" {
		actor = "anonymous"
	}
	now := e.now()
	id := uuid.NewString()
	g := domain.Grievance{
		ID:              id,
		PetitionID:      petitionID(now, id),
		Title:           title,
		Description:     desc,
		Department:      dept,
		Status:          domain.StatusPending,
		CreatedAt:       now,
		StatusChangedAt: now,
		Timeline:        []domain.TimelineStage{},
	}
	if opts.Classify && e.Classifier != nil {
		res := e.Classifier.Classify(ctx, classifier.Input{Title: title, Description: desc, Department: dept})
		applyPriority(&g, res)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Grievance{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGrievance(ctx, tx, g); err != nil {
		return domain.Grievance{}, fmt.Errorf("insert grievance: %w", err)
	}
	if err := e.eventWriter().Append(ctx, tx, events.GrievanceSubmitted, id, actor, events.EventPayload{
		"petition_id": g.PetitionID, "department": dept, "priority": string(g.Priority),
	}); err != nil {
		return domain.Grievance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Grievance{}, err
	}
	telemetry.GrievanceTransitions.WithLabelValues("submit", "ok").Inc()
	return g, nil
}

func petitionID(now time.Time, id string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return fmt.Sprintf("GRV-%s-%s", now.Format("20060102"), suffix)
}

// mutation is one conditional write against a grievance loaded outside the
// transaction. write must return repo.ErrConflict when its predicate matches no row.
type mutation struct {
	op      string
	perm    string
	check   func(g domain.Grievance) error
	write   func(ctx context.Context, tx *sql.Tx, g domain.Grievance, now time.Time) error
	event   string
	payload func(g domain.Grievance) events.EventPayload
}

func (e Engine) mutate(ctx context.Context, id string, actor auth.Principal, m mutation) (domain.Grievance, error) {
	g, err := e.apply(ctx, id, actor, m)
	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
	}
	telemetry.GrievanceTransitions.WithLabelValues(m.op, outcome).Inc()
	return g, err
}

func (e Engine) apply(ctx context.Context, id string, actor auth.Principal, m mutation) (domain.Grievance, error) {
	g, err := e.Repo.GetGrievance(ctx, nil, id)
	if err != nil {
		return domain.Grievance{}, err
	}
	if err := actor.CanAct(g.Department, m.perm); err != nil {
		return domain.Grievance{}, err
	}
	if m.check != nil {
		if err := m.check(g); err != nil {
			return domain.Grievance{}, err
		}
	}
	if e.afterLoad != nil {
		e.afterLoad()
	}

	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Grievance{}, err
	}
	defer tx.Rollback()
	if err := m.write(ctx, tx, g, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Grievance{}, e.conflict(ctx, tx, id)
		}
		return domain.Grievance{}, err
	}
	var payload events.EventPayload
	if m.payload != nil {
		payload = m.payload(g)
	}
	if err := e.eventWriter().Append(ctx, tx, m.event, id, actor.ActorID, payload); err != nil {
		return domain.Grievance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Grievance{}, err
	}
	return e.Repo.GetGrievance(ctx, nil, id)
}

// conflict explains a conditional write that matched no row.
func (e Engine) conflict(ctx context.Context, q repo.Querier, id string) error {
	if _, err := e.Repo.GetGrievance(ctx, q, id); err != nil {
		return err
	}
	return fmt.Errorf("grievance %s changed since it was read: %w", id, ErrConcurrentModification)
}

func outcomeOf(err error) string {
	var fe auth.ForbiddenError
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.As(err, &fe):
		return "forbidden"
	default:
		return "error"
	}
}

// Accept moves a pending grievance to assigned and assigns it to the actor.
func (e Engine) Accept(ctx context.Context, id string, actor auth.Principal) (domain.Grievance, error) {
	if actor.ActorID == "" {
		return domain.Grievance{}, invalid("actor_id", "is required")
	}
	return e.mutate(ctx, id, actor, mutation{
		op:   "accept",
		perm: "grievance.accept",
		check: func(g domain.Grievance) error {
			return ensureTransition(id, g.Status, domain.StatusAssigned)
		},
		write: func(ctx context.Context, tx *sql.Tx, g domain.Grievance, now time.Time) error {
			assignee := actor.ActorID
			return e.Repo.UpdateStatus(ctx, tx, repo.StatusChange{
				ID: id, From: g.Status, To: domain.StatusAssigned, At: now, AssignedTo: &assignee,
			})
		},
		event:   events.GrievanceAccepted,
		payload: func(domain.Grievance) events.EventPayload { return events.EventPayload{"assigned_to": actor.ActorID} },
	})
}

// Decline moves a pending grievance to declined. The reason is required.
func (e Engine) Decline(ctx context.Context, id, reason string, actor auth.Principal) (domain.Grievance, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Grievance{}, invalid("reason", "is required to decline a grievance")
	}
	return e.mutate(ctx, id, actor, mutation{
		op:   "decline",
		perm: "grievance.decline",
		check: func(g domain.Grievance) error {
			return ensureTransition(id, g.Status, domain.StatusDeclined)
		},
		write: func(ctx context.Context, tx *sql.Tx, g domain.Grievance, now time.Time) error {
			return e.Repo.UpdateStatus(ctx, tx, repo.StatusChange{
				ID: id, From: g.Status, To: domain.StatusDeclined, At: now, DeclineReason: reason,
			})
		},
		event:   events.GrievanceDeclined,
		payload: func(domain.Grievance) events.EventPayload { return events.EventPayload{"reason": reason} },
	})
}

// ValidateResourcePlan checks that every field is present and consistent.
func ValidateResourcePlan(p domain.ResourcePlan) error {
	switch {
	case p.StartDate.IsZero():
		return invalid("start_date", "is required")
	case p.EndDate.IsZero():
		return invalid("end_date", "is required")
	case p.EndDate.Before(p.StartDate):
		return invalid("end_date", "must not be before start_date")
	case strings.TrimSpace(p.RequirementsNeeded) == "":
		return invalid("requirements_needed", "is required")
	case p.FundsRequired < 0:
		return invalid("funds_required", "must not be negative")
	case strings.TrimSpace(p.ResourcesRequired) == "":
		return invalid("resources_required", "is required")
	case p.ManpowerNeeded <= 0:
		return invalid("manpower_needed", "must be positive")
	}
	return nil
}

// SubmitResourcePlan stores the plan of an assigned grievance. The plan is set once.
func (e Engine) SubmitResourcePlan(ctx context.Context, id string, plan domain.ResourcePlan, actor auth.Principal) (domain.Grievance, error) {
	if err := ValidateResourcePlan(plan); err != nil {
		return domain.Grievance{}, err
	}
	plan.StartDate = plan.StartDate.UTC()
	plan.EndDate = plan.EndDate.UTC()
	return e.mutate(ctx, id, actor, mutation{
		op:   "resource_plan",
		perm: "grievance.plan",
		check: func(g domain.Grievance) error {
			if g.Status != domain.StatusAssigned {
				return &TransitionError{ID: id, From: g.Status, To: g.Status, Reason: "resource plan requires status assigned"}
			}
			if g.ResourcePlan != nil {
				return &TransitionError{ID: id, From: g.Status, To: g.Status, Reason: "resource plan already submitted"}
			}
			return nil
		},
		write: func(ctx context.Context, tx *sql.Tx, _ domain.Grievance, _ time.Time) error {
			return e.Repo.SetResourcePlan(ctx, tx, id, plan)
		},
		event: events.ResourcePlanSet,
		payload: func(domain.Grievance) events.EventPayload {
			return events.EventPayload{"funds_required": plan.FundsRequired, "manpower_needed": plan.ManpowerNeeded}
		},
	})
}

// StartProgress moves an assigned grievance with a resource plan to in_progress.
func (e Engine) StartProgress(ctx context.Context, id string, actor auth.Principal) (domain.Grievance, error) {
	return e.mutate(ctx, id, actor, mutation{
		op:   "start_progress",
		perm: "grievance.start",
		check: func(g domain.Grievance) error {
			if err := ensureTransition(id, g.Status, domain.StatusInProgress); err != nil {
				return err
			}
			if g.ResourcePlan == nil {
				return fmt.Errorf("grievance %s has no resource plan: %w", id, ErrPreconditionFailed)
			}
			return nil
		},
		write: func(ctx context.Context, tx *sql.Tx, g domain.Grievance, now time.Time) error {
			return e.Repo.UpdateStatus(ctx, tx, repo.StatusChange{
				ID: id, From: g.Status, To: domain.StatusInProgress, At: now, RequirePlan: true,
			})
		},
		event: events.GrievanceStarted,
	})
}

// AppendTimelineStage adds a stage to an in-progress grievance.
func (e Engine) AppendTimelineStage(ctx context.Context, id string, stage domain.TimelineStage, actor auth.Principal) (domain.Grievance, error) {
	stage.StageName = strings.TrimSpace(stage.StageName)
	stage.Description = strings.TrimSpace(stage.Description)
	if stage.StageName == "" {
		return domain.Grievance{}, invalid("stage_name", "is required")
	}
	if stage.Date.IsZero() {
		return domain.Grievance{}, invalid("date", "is required")
	}
	stage.Date = stage.Date.UTC()
	return e.mutate(ctx, id, actor, mutation{
		op:   "timeline",
		perm: "grievance.timeline",
		check: func(g domain.Grievance) error {
			if g.Status != domain.StatusInProgress {
				return &TransitionError{ID: id, From: g.Status, To: g.Status, Reason: "timeline stages require status in_progress"}
			}
			return nil
		},
		write: func(ctx context.Context, tx *sql.Tx, _ domain.Grievance, now time.Time) error {
			return e.Repo.AppendTimeline(ctx, tx, id, stage, now)
		},
		event: events.TimelineAppended,
		payload: func(domain.Grievance) events.EventPayload {
			return events.EventPayload{"stage_name": stage.StageName, "date": repo.FormatTime(stage.Date)}
		},
	})
}

// Resolve closes an in-progress grievance with a reference to the resolution artifact.
func (e Engine) Resolve(ctx context.Context, id, resolutionRef string, actor auth.Principal) (domain.Grievance, error) {
	resolutionRef = strings.TrimSpace(resolutionRef)
	if resolutionRef == "" {
		return domain.Grievance{}, invalid("resolution_ref", "is required to resolve a grievance")
	}
	return e.mutate(ctx, id, actor, mutation{
		op:   "resolve",
		perm: "grievance.resolve",
		check: func(g domain.Grievance) error {
			return ensureTransition(id, g.Status, domain.StatusResolved)
		},
		write: func(ctx context.Context, tx *sql.Tx, g domain.Grievance, now time.Time) error {
			return e.Repo.UpdateStatus(ctx, tx, repo.StatusChange{
				ID: id, From: g.Status, To: domain.StatusResolved, At: now, ResolvedAt: &now, ResolutionRef: resolutionRef,
			})
		},
		event:   events.GrievanceResolved,
		payload: func(domain.Grievance) events.EventPayload { return events.EventPayload{"resolution_ref": resolutionRef} },
	})
}

// Escalate raises the escalation level of an open grievance by one. Status and
// status_changed_at are not touched.
func (e Engine) Escalate(ctx context.Context, id string) (domain.Grievance, error) {
	g, err := e.escalate(ctx, id)
	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
	}
	telemetry.GrievanceTransitions.WithLabelValues("escalate", outcome).Inc()
	return g, err
}

func (e Engine) escalate(ctx context.Context, id string) (domain.Grievance, error) {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Grievance{}, err
	}
	defer tx.Rollback()
	level, err := e.Repo.IncrementEscalation(ctx, tx, id, now)
	if errors.Is(err, repo.ErrConflict) {
		g, gerr := e.Repo.GetGrievance(ctx, tx, id)
		if gerr != nil {
			return domain.Grievance{}, gerr
		}
		return domain.Grievance{}, &TransitionError{ID: id, From: g.Status, To: g.Status, Reason: "only open grievances can be escalated"}
	}
	if err != nil {
		return domain.Grievance{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.GrievanceEscalated, id, auth.System.ActorID, events.EventPayload{"escalation_level": level}); err != nil {
		return domain.Grievance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Grievance{}, err
	}
	return e.Repo.GetGrievance(ctx, nil, id)
}

// Classify runs the classifier for a stored grievance and records the result while
// the grievance is neither resolved nor declined.
func (e Engine) Classify(ctx context.Context, id string, actor auth.Principal) (domain.Grievance, error) {
	if e.Classifier == nil {
		return domain.Grievance{}, errors.New("classifier not configured")
	}
	var res classifier.Result
	return e.mutate(ctx, id, actor, mutation{
		op:   "classify",
		perm: "grievance.classify",
		check: func(g domain.Grievance) error {
			if g.Status.Terminal() {
				return &TransitionError{ID: id, From: g.Status, To: g.Status, Reason: "priority is fixed once resolved or declined"}
			}
			res = e.Classifier.Classify(ctx, classifier.Input{Title: g.Title, Description: g.Description, Department: g.Department})
			return nil
		},
		write: func(ctx context.Context, tx *sql.Tx, g domain.Grievance, _ time.Time) error {
			applyPriority(&g, res)
			return e.Repo.SetPriority(ctx, tx, id, priorityUpdate(g))
		},
		event: events.GrievanceClassified,
		payload: func(domain.Grievance) events.EventPayload {
			return events.EventPayload{"priority": string(res.Priority), "source": res.Source}
		},
	})
}

func applyPriority(g *domain.Grievance, res classifier.Result) {
	g.Priority = res.Priority
	g.PriorityExplanation = res.Explanation
	g.ImpactAssessment = res.ImpactAssessment
	g.RecommendedResponseTime = res.RecommendedResponseTime
	g.PrioritySource = res.Source
}

func priorityUpdate(g domain.Grievance) repo.PriorityUpdate {
	return repo.PriorityUpdate{
		Priority:                g.Priority,
		Explanation:             g.PriorityExplanation,
		ImpactAssessment:        g.ImpactAssessment,
		RecommendedResponseTime: g.RecommendedResponseTime,
		Source:                  g.PrioritySource,
	}
}

// Get returns a grievance visible to actor.
func (e Engine) Get(ctx context.Context, id string, actor auth.Principal) (domain.Grievance, error) {
	g, err := e.Repo.GetGrievance(ctx, nil, id)
	if err != nil {
		return domain.Grievance{}, err
	}
	if err := actor.CanAct(g.Department, "grievance.read"); err != nil {
		return domain.Grievance{}, err
	}
	return g, nil
}

type ListOptions struct {
	Statuses   []domain.Status
	Department string
	Limit      int
}

// List returns grievances; officials only see their own department.
func (e Engine) List(ctx context.Context, opts ListOptions, actor auth.Principal) ([]domain.Grievance, error) {
	for _, s := range opts.Statuses {
		if !s.Valid() {
			return nil, invalid("status", fmt.Sprintf("unknown status %q", s))
		}
	}
	dept := strings.ToLower(strings.TrimSpace(opts.Department))
	if !actor.IsAdmin() {
		if dept == "" {
			dept = actor.Department
		}
		if err := actor.CanAct(dept, "grievance.read"); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListGrievances(ctx, nil, repo.GrievanceFilter{Statuses: opts.Statuses, Department: dept, Limit: opts.Limit})
}

// History returns the audit events of a grievance.
func (e Engine) History(ctx context.Context, id string, actor auth.Principal) ([]domain.Event, error) {
	if _, err := e.Get(ctx, id, actor); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, nil, id, 0)
}

// StatusCounts returns grievance counts per status for the actor's scope.
func (e Engine) StatusCounts(ctx context.Context, department string, actor auth.Principal) (map[domain.Status]int, error) {
	dept := strings.ToLower(strings.TrimSpace(department))
	if !actor.IsAdmin() {
		if dept == "" {
			dept = actor.Department
		}
		if err := actor.CanAct(dept, "grievance.read"); err != nil {
			return nil, err
		}
	}
	return e.Repo.CountByStatus(ctx, nil, dept)
}

// Overdue lists open grievances whose time in the current status strictly exceeds
// the configured SLA threshold at now. Each status is queried once per department
// override and once for the remaining departments under the default threshold.
func (e Engine) Overdue(ctx context.Context, now time.Time) ([]domain.Grievance, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	sla := e.Config.SLA
	var res []domain.Grievance
	for _, status := range domain.OpenStatuses {
		var overridden []string
		for dept, overrides := range sla.Departments {
			threshold, ok := overrides[string(status)]
			if !ok {
				continue
			}
			overridden = append(overridden, dept)
			items, err := e.Repo.ListGrievances(ctx, nil, repo.GrievanceFilter{
				Statuses:      []domain.Status{status},
				Department:    dept,
				ChangedBefore: now.Add(-threshold),
			})
			if err != nil {
				return nil, err
			}
			res = append(res, items...)
		}
		threshold, ok := sla.Defaults[string(status)]
		if !ok {
			continue
		}
		items, err := e.Repo.ListGrievances(ctx, nil, repo.GrievanceFilter{
			Statuses:           []domain.Status{status},
			ExcludeDepartments: overridden,
			ChangedBefore:      now.Add(-threshold),
		})
		if err != nil {
			return nil, err
		}
		res = append(res, items...)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].StatusChangedAt.Equal(res[j].StatusChangedAt) {
			return res[i].StatusChangedAt.Before(res[j].StatusChangedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// IsOverdue reports whether g is open and has spent strictly longer than its SLA
// threshold in the current status.
func (e Engine) IsOverdue(g domain.Grievance, now time.Time) bool {
	if e.Config == nil || !g.Status.Open() {
		return false
	}
	threshold, ok := e.Config.SLA.Threshold(g.Department, string(g.Status))
	if !ok {
		e.log().Debugw("no sla for status", "grievance", g.ID, "status", g.Status, "department", g.Department)
		return false
	}
	return now.Sub(g.StatusChangedAt) > threshold
}
