// Package app assembles the grievance engine and its collaborators from a workspace
// and its config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"grievline/internal/classifier"
	"grievline/internal/config"
	"grievline/internal/db"
	"grievline/internal/engine"
	"grievline/internal/escalation"
	"grievline/internal/logging"
	"grievline/internal/metrics"
	"grievline/internal/migrate"
	"grievline/internal/notify"
)

// App holds every long-lived component. Close releases them in reverse order.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Logger     *zap.SugaredLogger
	Store      metrics.Store
	Recorder   *metrics.Recorder
	Metrics    metrics.Service
	Classifier *classifier.Classifier
	Engine     engine.Engine
	Notifier   *notify.Multi
	Scheduler  *escalation.Scheduler
}

// ResolveConfig loads grievline.yml from the workspace, or the defaults when the file
// is absent.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open migrates the workspace database and wires all components. log may be nil, in
// which case one is built from cfg.Log.
func Open(ctx context.Context, workspace string, cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if log == nil {
		l, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
		log = l
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &App{Config: cfg, DB: conn, Logger: log}

	store, err := NewStore(cfg.Metrics, conn)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Store = store
	a.Recorder = metrics.NewRecorder(store, cfg.Metrics.Buffer, metrics.WithLogger(log.Named("metrics")))
	a.Metrics = metrics.Service{
		Store:        store,
		Policy:       metrics.PolicyFromConfig(cfg.Metrics),
		RecentErrors: cfg.Metrics.RecentErrors,
	}

	remote := classifier.NewRemoteClient(cfg.Classifier.Remote, &http.Client{}, log.Named("classifier"))
	a.Classifier = classifier.New(remote, classifier.NewRuleTable(cfg.Classifier), a.Recorder, log.Named("classifier"))

	a.Engine = engine.New(conn, cfg)
	a.Engine.Classifier = a.Classifier
	a.Engine.Logger = log.Named("engine")

	sinks, err := notify.FromConfig(cfg.Notify, log)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Notifier = sinks
	a.Scheduler = escalation.New(a.Engine, cfg.Scheduler.Interval, sinks, log)
	return a, nil
}

// NewStore opens the configured metrics backend.
func NewStore(cfg config.Metrics, conn *sql.DB) (metrics.Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return metrics.NewSQLStore(conn), nil
	case "redis":
		return metrics.NewRedisStore(cfg.RedisURL, cfg.RedisKey)
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", cfg.Backend)
	}
}

// Close drains the recorder within ctx and closes sinks, store and database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Recorder != nil {
		errs = append(errs, a.Recorder.Close(ctx))
	}
	if a.Notifier != nil {
		errs = append(errs, a.Notifier.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}
