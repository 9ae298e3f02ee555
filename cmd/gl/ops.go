package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"grievline/internal/app"
	"grievline/internal/classifier"
	"grievline/internal/config"
	"grievline/internal/db"
	"grievline/internal/domain"
	"grievline/internal/engine/auth"
	"grievline/internal/metrics"
	"grievline/internal/migrate"
	"grievline/internal/server"
)

func classifyCmd() *cobra.Command {
	var in classifier.Input
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify grievance text without storing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res := a.Classifier.Classify(ctx, in)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Priority", priorityText(res.Priority)},
					{"Source", res.Source},
					{"Explanation", res.Explanation},
					{"Impact", res.ImpactAssessment},
					{"Response time", res.RecommendedResponseTime},
				})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "grievance title")
	cmd.Flags().StringVar(&in.Description, "description", "", "grievance description")
	cmd.Flags().StringVar(&in.Department, "dept", "", "department")
	return cmd
}

func statusCmd() *cobra.Command {
	var dept string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show grievance counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.StatusCounts(ctx, dept, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Status", "Count"})
				total := 0
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{s, counts[s]})
					total += counts[s]
				}
				tw.AppendFooter(table.Row{"Total", total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dept, "dept", "", "department filter")
	return cmd
}

func escalateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "escalate", Short: "SLA escalation"}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one escalation pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Scheduler.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("overdue=%d escalated=%d failed=%d\n", res.Overdue, res.Escalated, res.Failed)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "overdue",
		Short: "List open grievances past their SLA",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Overdue(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Dept", "Status", "Since", "Esc"})
				for _, g := range items {
					tw.AppendRow(table.Row{g.ID, g.Department, g.Status, formatTime(&g.StatusChangedAt), escalationText(g.EscalationLevel)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "metrics", Short: "Classifier call metrics"}
	cmd.AddCommand(metricsQueryCmd())
	cmd.AddCommand(metricsSeedCmd())
	return cmd
}

func metricsQueryCmd() *cobra.Command {
	var operation, timeRange string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Aggregate recorded calls over a time range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				resp, err := a.Metrics.Query(ctx, operation, timeRange)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(resp)
				}
				renderMetrics(resp)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "", "operation filter")
	cmd.Flags().StringVar(&timeRange, "range", "", "time range name (defaults to metrics.default_range)")
	return cmd
}

func renderMetrics(resp metrics.Response) {
	s := resp.Stats
	fmt.Printf("%s to %s every %s\n", resp.Since.Local().Format(time.DateTime), resp.Until.Local().Format(time.DateTime), resp.Interval)
	fmt.Printf("calls=%d success=%.1f%% avg=%.1fms p95=%.1fms p99=%.1fms\n",
		s.TotalCalls, s.SuccessRate, s.AverageLatency, s.P95Latency, s.P99Latency)

	ops := make([]string, 0, len(s.Operations))
	for op := range s.Operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	if len(ops) > 0 {
		tw := newTable()
		tw.AppendHeader(table.Row{"Operation", "Total", "OK", "Avg ms"})
		for _, op := range ops {
			o := s.Operations[op]
			tw.AppendRow(table.Row{op, o.Total, o.Successful, fmt.Sprintf("%.1f", o.AverageLatency)})
		}
		tw.Render()
	}

	tw := newTable()
	tw.AppendHeader(table.Row{"Bucket", "Calls", "Success %", "Avg ms", "P95 ms", "P99 ms"})
	for _, b := range resp.TimeSeriesData {
		tw.AppendRow(table.Row{b.Start.Local().Format("01-02 15:04"), b.TotalCalls,
			fmt.Sprintf("%.1f", b.SuccessRate), fmt.Sprintf("%.1f", b.AverageLatency),
			fmt.Sprintf("%.1f", b.P95Latency), fmt.Sprintf("%.1f", b.P99Latency)})
	}
	tw.Render()

	if len(resp.RecentErrors) > 0 {
		tw := newTable()
		tw.AppendHeader(table.Row{"Time", "Operation", "Error"})
		for _, e := range resp.RecentErrors {
			tw.AppendRow(table.Row{formatTime(&e.Timestamp), e.Operation, e.ErrorMessage})
		}
		tw.Render()
	}
}

func metricsSeedCmd() *cobra.Command {
	var operations []string
	var seed uint64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write a day of synthetic samples for dashboards and demos",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := metrics.Seed(ctx, a.Store, time.Now().UTC(), operations, seed)
				if err != nil {
					return err
				}
				fmt.Printf("Seeded %d samples\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&operations, "operation", []string{classifier.OpRemote, classifier.OpLocal}, "operations to seed")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default grievline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	var file string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate grievline.yml or another config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
				if _, err := config.Load(viper.GetString("workspace")); err != nil {
					return err
				}
			} else if _, err := config.FromFile(path); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("Config OK: %s\n", path)
			return nil
		},
	}
	validateCmd.Flags().StringVar(&file, "file", "", "validate this file instead of the workspace config")
	cmd.AddCommand(validateCmd)
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Database migrations"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: ws})
			if err != nil {
				return err
			}
			defer conn.Close()
			st, err := migrate.CurrentStatus(cmd.Context(), conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(struct {
				Database string `json:"database"`
				migrate.Status
			}{Database: db.Path(ws), Status: st})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Println("Database up to date")
			return nil
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for the actor flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			if secret == "" {
				return errors.New("jwt secret required (server.jwt_secret or GRIEVLINE_JWT_SECRET)")
			}
			p := actor()
			if !p.IsAdmin() && p.Department == "" {
				return errors.New("--department is required for officials")
			}
			tok, err := auth.IssueToken(secret, p, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt_secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the escalation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			secret := jwtSecret(cfg)
			if secret == "" {
				return errors.New("jwt secret required (server.jwt_secret or GRIEVLINE_JWT_SECRET)")
			}
			log, err := newLogger(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			a, err := app.Open(ctx, workspace, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					log.Warnw("shutdown", "error", err)
				}
			}()

			handler, err := server.New(server.Config{
				Engine:       a.Engine,
				Classifier:   a.Classifier,
				Metrics:      a.Metrics,
				Escalation:   a.Scheduler,
				MetricsStore: a.Store,
				BasePath:     basePath,
				Auth:         server.AuthConfig{JWTSecret: secret},
				Logger:       log.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Infow("listening", "addr", addr, "base_path", basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if cfg.Scheduler.Enabled && !noScheduler {
				g.Go(func() error {
					return a.Scheduler.Run(gctx)
				})
			}
			fmt.Printf("Serving Grievline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the escalation scheduler")
	return cmd
}
