package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"grievline/internal/app"
	"grievline/internal/db"
	"grievline/internal/domain"
	"grievline/internal/engine/auth"
	"grievline/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Grievline CLI",
	Long: `Grievline tracks citizen grievances through their lifecycle.
- Grievance: a complaint for one department; it moves pending -> assigned -> in_progress -> resolved, or pending -> declined.
- Resource plan: dates, funds, resources and manpower; required before work starts and set once.
- Timeline: append-only stages recorded while work is in progress.
- Escalation: a counter raised by the scheduler each run while a grievance overstays its SLA.
- Priority: High, Medium or Low from the remote classifier, or local keyword rules when it is unavailable.
- Metrics: every classifier call is recorded and rolled up with 'gl metrics query'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GRIEVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("department", "", "department of the acting official")
	rootCmd.PersistentFlags().String("role", auth.RoleAdmin, "role of the actor (admin or official)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "department", "role", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(grievanceCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() auth.Principal {
	return auth.Principal{
		ActorID:    viper.GetString("actor-id"),
		Department: strings.ToLower(strings.TrimSpace(viper.GetString("department"))),
		Roles:      []string{viper.GetString("role")},
	}
}

func newLogger(level, format string) (*zap.SugaredLogger, error) {
	if override := viper.GetString("log-level"); override != "" {
		level = override
	}
	return logging.New(level, format)
}

// withApp opens the workspace, runs fn and drains background writers afterwards.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log.Level, "console")
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, workspace, cfg, log)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func priorityText(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh:
		return color.New(color.FgRed, color.Bold).Sprint(p)
	case domain.PriorityMedium:
		return color.YellowString(string(p))
	case domain.PriorityLow:
		return color.GreenString(string(p))
	default:
		return "-"
	}
}

func escalationText(level int) string {
	if level == 0 {
		return "0"
	}
	return color.MagentaString("%d", level)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}
