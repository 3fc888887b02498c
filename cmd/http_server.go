package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/access-control/api"
	"github.com/frahmantamala/access-control/internal/audit"
	"github.com/frahmantamala/access-control/internal/authz"
	"github.com/frahmantamala/access-control/internal/identity"
	"github.com/frahmantamala/access-control/internal/rbac"
	"github.com/frahmantamala/access-control/internal/seeder"
	"github.com/frahmantamala/access-control/internal/transport"
	"github.com/frahmantamala/access-control/internal/transport/rest"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to answer access checks and administer roles and permissions`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func startHTTPServer() {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	app, err := newApplication(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	if _, err := api.Load(context.Background()); err != nil {
		app.Logger.Error("invalid API document", "error", err)
		os.Exit(1)
	}

	router := chi.NewRouter()
	if err := setupRoutes(router, app); err != nil {
		app.Logger.Error("failed to set up routes", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	slog.Info("Starting HTTP server", "address", addr, "db_driver", cfg.Database.Driver)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			app.Close()
			os.Exit(1)
		}
	}

	app.Close()
	slog.Info("Server stopped")
}

func setupRoutes(router *chi.Mux, app *application) error {
	base := transport.NewBaseHandler(app.Logger)
	cfg := app.Config

	trustedProxies, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	rest.RegisterAllRoutes(router, rest.Handlers{
		Health:   rest.NewHealthHandler(base, app.SQL, cfg.Database.Driver),
		Identity: identity.NewMiddleware(base, identity.NewVerifier(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)),
		Guard:    authz.NewMiddleware(base, app.Authz),
		Authz:    authz.NewHandler(base, app.Authz),
		RBAC:     rbac.NewHandler(base, app.RBAC),
		Audit:    audit.NewHandler(base, app.AuditLog),
		Seeder:   seeder.NewHandler(base, app.Seeder),
		Metrics:  app.Metrics,
	}, rest.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TrustedProxies: trustedProxies,
		Production:     cfg.IsProduction(),
		MetricsEnabled: cfg.Observability.Metrics.Enabled,
		MetricsPath:    cfg.Observability.Metrics.Path,
		SeedRateLimit:  cfg.Server.SeedRateLimit,
	}, app.Logger)
	return nil
}
