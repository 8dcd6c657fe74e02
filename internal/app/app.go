package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/kdyw/my-tv/internal/config"
	"github.com/kdyw/my-tv/internal/infrastructure"
	"github.com/kdyw/my-tv/internal/license"
	"github.com/kdyw/my-tv/internal/licenseserver"
	"github.com/kdyw/my-tv/internal/security"
	"github.com/kdyw/my-tv/internal/timesync"
)

// Application holds the long-lived components of one process.
type Application struct {
	Config   *config.Config
	Logger   *slog.Logger
	OTel     *infrastructure.OTelProviders
	Clock    *timesync.TrustedClock
	Identity *security.DeviceIdentity
	Cipher   *security.ConfigCipher // nil when no config key is set
	Metrics  *license.Metrics

	// Set by Bootstrap.
	DeviceID string
	Store    license.CredentialStore
	Client   *license.Client

	ownsLogger bool
}

// New loads configuration from path (empty searches the default locations)
// and initializes the global logger and telemetry.
func New(path string) (*Application, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFromTelemetry(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a, err := NewWithConfig(cfg, logger, providers)
	if err != nil {
		return nil, err
	}
	a.ownsLogger = true
	return a, nil
}

// NewWithConfig builds an application from already-initialized parts. A nil
// providers value uses no-op telemetry.
func NewWithConfig(cfg *config.Config, logger *slog.Logger, providers *infrastructure.OTelProviders) (*Application, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	if providers == nil {
		providers = infrastructure.NoopProviders(logger)
	}

	logger.Info("Application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("identity_source", cfg.Identity.Source))

	metrics, err := license.NewMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create license metrics: %w", err)
	}

	clock, err := timesync.New(cfg.Clock, logger, timesync.WithMeter(providers.Meter))
	if err != nil {
		return nil, fmt.Errorf("failed to create trusted clock: %w", err)
	}

	identity, err := security.NewDeviceIdentity(cfg.Identity, cfg.Store.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create device identity: %w", err)
	}

	var cipher *security.ConfigCipher
	if cfg.Crypto.ConfigKey != "" {
		cipher, err = security.NewConfigCipher(cfg.Crypto.ConfigKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load config key: %w", err)
		}
	}

	return &Application{
		Config:   cfg,
		Logger:   logger,
		OTel:     providers,
		Clock:    clock,
		Identity: identity,
		Cipher:   cipher,
		Metrics:  metrics,
	}, nil
}

// Bootstrap samples the trusted clock and resolves the device ID in
// parallel, then opens the credential store and builds the license client.
// Clock failures are logged by the clock and never fail Bootstrap.
func (a *Application) Bootstrap(ctx context.Context) error {
	ctx = infrastructure.EnsureTraceID(ctx)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Clock.Init(gctx)
		return nil
	})
	g.Go(func() error {
		a.DeviceID = a.Identity.DeviceID()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	store, err := license.NewStore(a.Config.Store, a.DeviceID, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}

	client, err := license.NewClient(a.Config.License, a.Identity, a.Logger,
		license.WithClientMetrics(a.Metrics))
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create license client: %w", err)
	}

	a.Store = store
	a.Client = client

	a.Logger.InfoContext(ctx, "Bootstrap complete",
		slog.Bool("clock_synced", a.Clock.Synced()),
		slog.Duration("clock_offset", a.Clock.Offset()),
		slog.Bool("config_key", a.Cipher != nil),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// NewController returns a controller for one session. Bootstrap must have
// succeeded.
func (a *Application) NewController(ui license.Collaborator) (*license.Controller, error) {
	if a.Client == nil || a.Store == nil {
		return nil, errors.New("application not bootstrapped")
	}
	deps := license.Dependencies{
		Verifier:     a.Client,
		Store:        a.Store,
		Clock:        a.Clock,
		Collaborator: ui,
		Metrics:      a.Metrics,
	}
	if a.Cipher != nil {
		deps.Decrypter = a.Cipher
	}
	return license.NewController(deps, a.Config.Controller, a.Logger)
}

// NewLicenseServer builds the development server from the server section.
func (a *Application) NewLicenseServer() (*licenseserver.Server, error) {
	opts := []licenseserver.Option{
		licenseserver.WithTelemetry(a.OTel.Tracer, a.OTel.Meter),
		licenseserver.WithRateLimit(50, 100),
	}
	if a.OTel.PrometheusHTTP != nil {
		opts = append(opts, licenseserver.WithMetricsHandler(a.OTel.PrometheusHTTP))
	}
	return licenseserver.New(a.Config.Server, a.Cipher, a.Logger, opts...)
}

// ServeMetrics exposes /metrics on the telemetry address until ctx ends. It
// returns immediately when metrics are disabled.
func (a *Application) ServeMetrics(ctx context.Context) error {
	if a.OTel.PrometheusHTTP == nil || a.Config.Telemetry.MetricsAddr == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Handle("/metrics", a.OTel.PrometheusHTTP)
	srv := &http.Server{
		Addr:              a.Config.Telemetry.MetricsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.Logger.InfoContext(ctx, "Serving metrics", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Close releases the store and flushes telemetry.
func (a *Application) Close(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.OTel != nil {
		if err := a.OTel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.ownsLogger {
		if err := infrastructure.CloseLogFile(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}
	return errors.Join(errs...)
}
