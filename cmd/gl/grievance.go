package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"grievline/internal/app"
	"grievline/internal/domain"
	"grievline/internal/engine"
)

func grievanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "grievance", Aliases: []string{"g"}, Short: "Manage grievances"}
	cmd.AddCommand(grievanceSubmitCmd())
	cmd.AddCommand(grievanceListCmd())
	cmd.AddCommand(grievanceGetCmd())
	cmd.AddCommand(grievanceAcceptCmd())
	cmd.AddCommand(grievanceDeclineCmd())
	cmd.AddCommand(grievancePlanCmd())
	cmd.AddCommand(grievanceStartCmd())
	cmd.AddCommand(grievanceTimelineCmd())
	cmd.AddCommand(grievanceResolveCmd())
	cmd.AddCommand(grievanceClassifyCmd())
	cmd.AddCommand(grievanceHistoryCmd())
	return cmd
}

func printGrievance(g domain.Grievance) error {
	if viper.GetBool("json") {
		return printJSON(g)
	}
	tw := newTable()
	assignee := ""
	if g.AssignedTo != nil {
		assignee = *g.AssignedTo
	}
	tw.AppendRows([]table.Row{
		{"ID", g.ID},
		{"Petition", g.PetitionID},
		{"Title", g.Title},
		{"Department", g.Department},
		{"Status", g.Status},
		{"Priority", priorityText(g.Priority)},
		{"Escalation", escalationText(g.EscalationLevel)},
		{"Assigned to", assignee},
		{"Status changed", formatTime(&g.StatusChangedAt)},
		{"Resolved", formatTime(g.ResolvedAt)},
	})
	if g.ResourcePlan != nil {
		p := g.ResourcePlan
		tw.AppendRow(table.Row{"Plan", fmt.Sprintf("%s to %s, %d people, funds %.2f",
			p.StartDate.Format("2006-01-02"), p.EndDate.Format("2006-01-02"), p.ManpowerNeeded, p.FundsRequired)})
	}
	for i, st := range g.Timeline {
		tw.AppendRow(table.Row{fmt.Sprintf("Stage %d", i+1), fmt.Sprintf("%s %s", st.Date.Format("2006-01-02"), st.StageName)})
	}
	if g.DeclineReason != "" {
		tw.AppendRow(table.Row{"Decline reason", g.DeclineReason})
	}
	tw.Render()
	return nil
}

// mutate runs one lifecycle operation against the workspace and prints the result.
func mutate(cmd *cobra.Command, fn func(ctx context.Context, e engine.Engine) (domain.Grievance, error)) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		g, err := fn(ctx, a.Engine)
		if err != nil {
			return err
		}
		return printGrievance(g)
	})
}

func grievanceSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new grievance",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return mutate(cmd, func(ctx context.Context, e engine.Engine) (domain.Grievance, error) {
				return e.Submit(ctx, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "grievance title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "grievance description")
	cmd.Flags().StringVar(&opts.Department, "dept", "", "responsible department")
	cmd.Flags().BoolVar(&opts.Classify, "classify", true, "classify priority on submit")
	return cmd
}

func grievanceListCmd() *cobra.Command {
	var statuses []string
	var dept string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List grievances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts := engine.ListOptions{Department: dept, Limit: limit}
				for _, s := range statuses {
					opts.Statuses = append(opts.Statuses, domain.Status(strings.TrimSpace(s)))
				}
				items, err := a.Engine.List(ctx, opts, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := time.Now().UTC()
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Petition", "Title", "Dept", "Status", "Priority", "Esc", "Overdue"})
				for _, g := range items {
					overdue := ""
					if a.Engine.IsOverdue(g, now) {
						overdue = "yes"
					}
					tw.AppendRow(table.Row{g.ID, g.PetitionID, g.Title, g.Department, g.Status, priorityText(g.Priority), escalationText(g.EscalationLevel), overdue})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&dept, "dept", "", "department filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func grievanceGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a grievance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, func(ctx context.Context, e engine.Engine) (domain.Grievance, error) {
				return e.Get(ctx, args[0], actor())
			})
		},
	}
}

func grievanceAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a pending grievance and assign it to the actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, func(ctx context.Context, e engine.Engine) (domain.Grievance, error) {
				return e.Accept(ctx, args[0], actor())
			})
		},
	}
}

func grievanceDeclineCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "decline <id>",
		Short: "Decline a pending grievance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, func(ctx context.Context, e engine.Engine) (domain.Grievance, error) {
				return e.Decline(ctx, args[0], reason, actor())
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "decline reason (required)")
	return cmd
}

func grievancePlanCmd() *cobra.Command {
	var plan domain.ResourcePlan
	var start, end string
	cmd := &cobra.Command{
		Use:   "plan <id>",
		Short: "Submit the resource plan of an assigned grievance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if plan.StartDate, err = parseDate(start); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if plan.EndDate, err = parseDate(end); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			return mutate(cmd, func(ctx context.Context, e engine.Engine) (domain.Grievance, error) {
				return e.SubmitResourcePlan(ctx, args[0], plan, actor())
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&plan.RequirementsNeeded, "requirements", "", "requirements needed")
	cmd.Flags().Float64Var(&plan.FundsRequired, "funds", 0, "funds required")
	cmd.Flags().StringVar(&plan.ResourcesRequired, "resources", "", "resources required")
	cmd.Flags().IntVar(&plan.ManpowerNeeded, "manpower", 0, "manpower needed")
	return cmd
}

func grievanceStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start work on an assigned grievance with a resource plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, func(ctx context.Context, e engine.Engine) (domain.Grievance, error) {
				return e.StartProgress(ctx, args[0], actor())
			})
		},
	}
}

func grievanceTimelineCmd() *cobra.Command {
	var stage domain.TimelineStage
	var date string
	cmd := &cobra.Command{
		Use:   "timeline <id>",
		Short: "Append a timeline stage to an in-progress grievance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				stage.Date = time.Now().UTC()
			} else {
				d, err := parseDate(date)
				if err != nil {
					return fmt.Errorf("--date: %w", err)
				}
				stage.Date = d
			}
			return mutate(cmd, func(ctx context.Context, e engine.Engine) (domain.Grievance, error) {
				return e.AppendTimelineStage(ctx, args[0], stage, actor())
			})
		},
	}
	cmd.Flags().StringVar(&stage.StageName, "stage", "", "stage name")
	cmd.Flags().StringVar(&stage.Description, "description", "", "stage description")
	cmd.Flags().StringVar(&date, "date", "", "stage date (defaults to now)")
	return cmd
}

func grievanceResolveCmd() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an in-progress grievance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, func(ctx context.Context, e engine.Engine) (domain.Grievance, error) {
				return e.Resolve(ctx, args[0], ref, actor())
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "reference to the resolution document (required)")
	return cmd
}

func grievanceClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <id>",
		Short: "Re-run priority classification for a grievance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, func(ctx context.Context, e engine.Engine) (domain.Grievance, error) {
				return e.Classify(ctx, args[0], actor())
			})
		},
	}
}

func grievanceHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit events of a grievance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.History(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Time", "Type", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, formatTime(&e.TS), e.Type, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
