package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"github.com/photobatch/licenserver/internal/config"
	"github.com/photobatch/licenserver/internal/infrastructure"
	"github.com/photobatch/licenserver/internal/license"
	custommw "github.com/photobatch/licenserver/internal/middleware"
	"github.com/photobatch/licenserver/internal/oracle"
	"github.com/photobatch/licenserver/internal/repository"
	"github.com/photobatch/licenserver/internal/services"
	handlers "github.com/photobatch/licenserver/internal/transport/http"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Application is the composed license server: configuration, store, the
// license service, and the HTTP surface.
type Application struct {
	Config         *config.Config
	Router         *chi.Mux
	Server         *http.Server
	Store          license.Store
	LicenseService services.LicenseService
	HealthService  *services.HealthService
	Logger         *slog.Logger
	OTelProviders  *infrastructure.OTelProviders

	closeStore func()
}

// NewApplication loads configuration and wires every component
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("version", Version),
		slog.Int("port", cfg.Server.Port),
		slog.Int("device_cap", cfg.License.DeviceCap),
	)

	otelProviders, err := infrastructure.InitializeOTel(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initStore(ctx); err != nil {
		return nil, err
	}
	if err := app.initServices(); err != nil {
		return nil, err
	}
	app.setupRouter()
	app.setupServer()

	return app, nil
}

// initStore selects the backing store. DSN "memory" runs the in-process
// store for development; anything else is a Postgres connection string.
func (a *Application) initStore(ctx context.Context) error {
	if a.Config.Database.DSN == "memory" {
		a.Logger.Warn("using in-memory store, activations will not survive restarts")
		a.Store = license.NewMemoryStore()
		a.closeStore = func() {}
		return nil
	}

	pg, err := repository.NewPostgresStore(ctx, a.Config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	a.Store = pg
	a.closeStore = pg.Close
	return nil
}

func (a *Application) initServices() error {
	metrics, err := license.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ledger := license.NewLedger(a.Store, a.Config.License.DeviceCap, a.Config.License.GracePeriod(), a.Logger)
	authority := license.NewAuthority(a.Store, a.Logger)
	resolver := license.NewResolver(nil, a.Config.License.StrictTierSuffix)
	codec := license.NewTokenCodec([]byte(a.Config.License.SigningSecret))
	verifier := oracle.New(a.Config.Oracle.URL, a.Config.Oracle.Timeout, a.Logger)

	a.LicenseService = services.NewLicenseService(services.EngineConfig{
		Ledger:         ledger,
		Authority:      authority,
		Resolver:       resolver,
		Codec:          codec,
		Oracle:         verifier,
		Metrics:        metrics,
		TokenTTL:       a.Config.License.TokenTTL(),
		DefaultProduct: a.Config.License.DefaultProduct,
		Logger:         a.Logger,
	})
	a.HealthService = services.NewHealthService(a.Store, a.Logger)

	return nil
}

func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))

	licenseHandler := handlers.NewLicenseHandler(a.LicenseService, a.Logger)
	healthHandler := handlers.NewHealthHandler(a.HealthService, a.Logger)
	metricsHandler := handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP)

	r.Get("/healthz", healthHandler.Check)
	r.Get("/metrics", metricsHandler.Metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(custommw.RateLimiter(a.Config.Security.RateLimit, a.Logger))

		adminAuth := custommw.AdminAuth(a.Config.Security.AdminSecretHash, a.Logger)
		r.Mount("/license", licenseHandler.Routes(adminAuth))
	})

	a.Router = r
}

func (a *Application) setupServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run starts the HTTP server and blocks until the context is canceled, a
// termination signal arrives, or the server fails.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// shutdown drains in-flight requests and releases resources
func (a *Application) shutdown() error {
	a.Logger.Info("shutting down",
		slog.Duration("timeout", a.Config.Server.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("http server shutdown failed", slog.String("error", err.Error()))
		firstErr = err
	}

	if a.closeStore != nil {
		a.closeStore()
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	infrastructure.CloseLogFile()
	a.Logger.Info("shutdown complete")
	return firstErr
}
