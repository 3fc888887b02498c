package cmd

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/audit"
	auditPostgres "github.com/frahmantamala/access-control/internal/audit/postgres"
	"github.com/frahmantamala/access-control/internal/authz"
	auditDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/audit"
	rbacDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/rbac"
	"github.com/frahmantamala/access-control/internal/core/events"
	"github.com/frahmantamala/access-control/internal/metrics"
	"github.com/frahmantamala/access-control/internal/rbac"
	rbacPostgres "github.com/frahmantamala/access-control/internal/rbac/postgres"
	"github.com/frahmantamala/access-control/internal/seeder"
	"github.com/frahmantamala/access-control/pkg/logger"
)

// application holds the explicitly wired service instances shared by the
// server and the CLI commands.
type application struct {
	Config   *internal.Config
	Logger   *slog.Logger
	DB       *gorm.DB
	SQL      *sql.DB
	Metrics  *metrics.Metrics
	Events   *events.EventBus
	Audit    *audit.Logger
	AuditLog *audit.Service
	Authz    *authz.Service
	RBAC     *rbac.Service
	Seeder   *seeder.Seeder

	fallback io.Closer
}

func newApplication(cfg *internal.Config) (*application, error) {
	lg := logger.Configure(os.Stdout, cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	db, err := initDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}

	if cfg.Database.Driver == "sqlite" {
		if err := autoMigrate(db); err != nil {
			return nil, err
		}
	}

	var repoOpts []rbacPostgres.Option
	if cfg.Database.Driver == "postgres" {
		repoOpts = append(repoOpts, rbacPostgres.WithIsolation(sql.LevelRepeatableRead))
	}
	rbacRepo := rbacPostgres.NewRBACRepository(db, repoOpts...)

	auditRepo, err := auditPostgres.NewAuditRepository(db)
	if err != nil {
		return nil, err
	}

	app := &application{
		Config:  cfg,
		Logger:  lg,
		DB:      db,
		SQL:     sqlDB,
		Metrics: metrics.New(),
		Events:  events.NewEventBus(lg),
	}

	fallback, err := openFallback(cfg.Audit.FallbackPath)
	if err != nil {
		return nil, err
	}
	app.fallback = fallback

	app.Audit = audit.NewLogger(auditRepo, audit.Config{
		Workers:   cfg.Audit.Workers,
		QueueSize: cfg.Audit.QueueSize,
		Fallback:  fallback,
		Observer:  app.Metrics,
	}, lg)
	app.AuditLog = audit.NewService(auditRepo, lg)

	app.Authz, err = authz.NewService(rbacRepo, authz.Config{
		CacheTTL:       cfg.Authz.CacheTTL,
		CacheSize:      cfg.Authz.CacheSize,
		AuditDecisions: cfg.Authz.AuditDecisions,
		FillTimeout:    cfg.Authz.FillTimeout,
	}, lg,
		authz.WithRecorder(app.Audit),
		authz.WithObserver(app.Metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize authorization service: %w", err)
	}
	app.Authz.RegisterInvalidation(app.Events)

	app.RBAC = rbac.NewService(rbacRepo, app.Audit, app.Events, lg)
	app.Seeder = seeder.New(rbacRepo, app.Audit, app.Events, lg, seeder.WithObserver(app.Metrics))

	return app, nil
}

// Close flushes pending audit entries before the database goes away.
func (a *application) Close() {
	a.Audit.Close()
	if err := a.SQL.Close(); err != nil {
		a.Logger.Error("database close error", "error", err)
	}
	if a.fallback != nil {
		_ = a.fallback.Close()
	}
}

func initDB(cfg internal.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	default:
		dialector = postgres.Open(cfg.GetDSN())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "sqlite" {
		// one writer; also keeps :memory: databases on a single connection
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func autoMigrate(db *gorm.DB) error {
	models := append(rbacDatamodel.Models(), &auditDatamodel.AuditLogEntry{})
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func openFallback(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{os.Stderr}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit fallback file: %w", err)
	}
	return f, nil
}
