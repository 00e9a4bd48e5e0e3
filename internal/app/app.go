package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"meshlicense/internal/catalog"
	"meshlicense/internal/config"
	licenseErrors "meshlicense/internal/errors"
	"meshlicense/internal/infrastructure"
	"meshlicense/internal/ledger"
	"meshlicense/internal/matcher"
	apimw "meshlicense/internal/middleware"
	"meshlicense/internal/security"
	"meshlicense/internal/signature"
	"meshlicense/internal/store"
	handlers "meshlicense/internal/transport/http"
	ws "meshlicense/internal/websocket"
)

// Build information, set with -ldflags at link time
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

const (
	// AppName is the service name reported in logs and telemetry
	AppName = "meshlicense"

	// apiRate bounds the HTTP API as a whole; activation attempts have their
	// own limiter in the ledger.
	apiRate  = 50
	apiBurst = 100
)

// Application wires the license node together
type Application struct {
	Config   *config.Config
	Logger   *slog.Logger
	OTel     *infrastructure.OTelProviders
	Identity security.Identity
	Store    store.Store
	Catalog  *catalog.Catalog
	Source   *catalog.DirSource
	Ledger   *ledger.Ledger
	Hub      *ws.Hub
	Router   chi.Router
	Server   *http.Server

	systemMetrics *infrastructure.SystemMetrics
	hardware      security.HardwareSource

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	serveErr chan error
	stopOnce sync.Once
}

// Option customizes NewApplication
type Option func(*Application)

// WithHardwareSource replaces the machine fingerprint used to derive the
// node identity.
func WithHardwareSource(src security.HardwareSource) Option {
	return func(a *Application) { a.hardware = src }
}

// NewApplication builds every component from cfg. Nothing runs until Start.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Application, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	a := &Application{
		Config:   cfg,
		Logger:   logger,
		serveErr: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.hardware == nil {
		a.hardware = security.NewFingerprintManager(logger)
	}

	ok := false
	defer func() {
		if !ok {
			a.closeResources(context.Background())
		}
	}()

	if err := cfg.Directories().EnsureDirectories(); err != nil {
		return nil, err
	}

	otelProviders, err := infrastructure.InitializeOTel(&infrastructure.OTelConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Environment:    infrastructure.DefaultOTelConfig().Environment,
		EnableMetrics:  cfg.Telemetry.MetricsEnabled,
		EnableTracing:  cfg.Telemetry.TracingEnabled,
		SampleRatio:    1.0,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.OTel = otelProviders

	secret, err := loadSecret(cfg.License)
	if err != nil {
		return nil, err
	}
	verifier, err := loadVerifier(cfg.License.TrustedKeys)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "trusted authorities loaded", slog.Any("authorities", verifier.TrustedIDs()))

	deviceID, installationID, engineID, err := cfg.License.UUIDs()
	if err != nil {
		return nil, fmt.Errorf("invalid identity configuration: %w", err)
	}
	identity, err := security.ResolveIdentity(ctx, a.hardware, installationID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve node identity: %w", err)
	}
	a.Identity = identity
	logger.InfoContext(ctx, "node identity resolved",
		slog.String("device_id", identity.DeviceID.String()),
		slog.String("pinned_identity", identity.Pinned.String()),
		slog.Bool("configured", deviceID != uuid.Nil))

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = st

	a.Catalog = catalog.New(verifier,
		catalog.WithLogger(logger),
		catalog.WithWorkers(cfg.License.LoadWorkers))
	a.Source = &catalog.DirSource{Dir: cfg.License.Dir, Pattern: cfg.License.Pattern}

	m := matcher.New(secret,
		matcher.WithLogger(logger),
		matcher.WithNegativeCacheTTL(cfg.License.NegativeCacheTTL))

	a.Ledger, err = ledger.New(ledger.Options{
		DeviceID:          identity.DeviceID,
		EngineID:          engineID,
		EngineVersion:     cfg.License.EngineVersion,
		EnforceActivation: cfg.License.EnforceActivation,
		PinnedIdentity:    identity.Pinned,
		Secret:            secret,
		Matcher:           m,
		Catalog:           a.Catalog,
		Store:             st,
		Logger:            logger,
		Meter:             otelProviders.Meter,
		Tracer:            otelProviders.Tracer,
		SweepInterval:     cfg.License.SweepInterval,
		FlushInterval:     cfg.License.FlushInterval,
		WarningWindow:     cfg.License.WarningWindow,
		ActivationRate:    rate.Limit(cfg.License.ActivationRate),
		ActivationBurst:   cfg.License.ActivationBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}

	wsMetrics, err := ws.NewOTelMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket metrics: %w", err)
	}
	a.Hub = ws.NewHub(a.Ledger, ws.Config{
		Buffer:          cfg.WebSocket.EventBuffer,
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		PingPeriod:      cfg.WebSocket.PingPeriod,
		PongWait:        cfg.WebSocket.PongWait,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, wsMetrics, logger)

	if a.systemMetrics, err = infrastructure.NewSystemMetrics(otelProviders.Meter, logger); err != nil {
		return nil, fmt.Errorf("failed to register system metrics: %w", err)
	}

	if err := a.setupRouter(); err != nil {
		return nil, err
	}
	a.Server = &http.Server{
		Addr:           cfg.Server.Addr(),
		Handler:        a.Router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	ok = true
	return a, nil
}

func loadSecret(cfg config.LicenseConfig) ([]byte, error) {
	raw, err := cfg.AuthoritySecretValue()
	if err != nil {
		return nil, err
	}
	secret, err := signature.ParseSecret(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid authority secret: %w", err)
	}
	return secret, nil
}

func loadVerifier(files map[string]string) (*catalog.Verifier, error) {
	pems := make(map[string]string, len(files))
	for id, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read trusted key %q: %w", id, err)
		}
		pems[id] = string(data)
	}
	keys, err := catalog.ParseTrustedKeys(pems)
	if err != nil {
		return nil, err
	}
	return catalog.NewVerifier(keys...)
}

func (a *Application) setupRouter() error {
	errHandler := licenseErrors.NewErrorHandler(a.Logger, a.Config.Logging.Level == "debug")
	httpMetrics, err := infrastructure.NewHTTPMetrics(a.OTel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create http metrics: %w", err)
	}

	health := handlers.NewHealthHandler(handlers.VersionInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}, map[string]handlers.HealthCheck{
		"store": func(ctx context.Context) error {
			_, err := a.Store.CountActivations(ctx)
			return err
		},
		"licenses": func(ctx context.Context) error {
			if !config.FileExists(a.Source.Dir) {
				return fmt.Errorf("license directory %s missing", a.Source.Dir)
			}
			return nil
		},
	}, a.Logger)

	a.Router = handlers.NewRouter(handlers.RouterConfig{
		License:        handlers.NewLicenseHandler(a.Ledger, errHandler, a.Logger),
		Health:         health,
		Events:         a.Hub,
		Metrics:        a.OTel.MetricsHandler,
		HTTPMetrics:    httpMetrics,
		RateLimiter:    apimw.NewRateLimiter(apiRate, apiBurst, a.Logger),
		Errors:         errHandler,
		RequestTimeout: a.Config.Server.WriteTimeout,
		Logger:         a.Logger,
	})
	return nil
}

// Start restores the ledger, loads the installed licenses and starts the
// background workers and the HTTP server.
func (a *Application) Start(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "starting license node",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.String("addr", a.Server.Addr),
		slog.String("license_dir", a.Source.Dir),
		slog.String("store", a.Config.Store.Driver))

	if err := a.Ledger.Restore(ctx); err != nil {
		return err
	}
	if _, err := a.Ledger.LoadLicenses(ctx, a.Source); err != nil {
		a.Logger.WarnContext(ctx, "initial license load incomplete", slog.String("error", err.Error()))
	}
	a.Logger.InfoContext(ctx, "licenses loaded", slog.Int("installed", a.Catalog.Len()))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.Ledger.Start(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Hub.Run(runCtx)
	}()

	if a.Config.License.Watch {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			err := catalog.Watch(runCtx, a.Source, a.Config.License.WatchDebounce, a.Logger, func(ctx context.Context) {
				a.Ledger.LoadLicenses(ctx, a.Source)
			})
			if err != nil {
				a.Logger.ErrorContext(runCtx, "license directory watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(runCtx, "server error", slog.String("error", err.Error()))
			a.serveErr <- err
		}
	}()

	stats := a.systemMetrics.Collect(ctx)
	a.Logger.InfoContext(ctx, "license node started",
		slog.String("device_id", a.Ledger.DeviceID().String()),
		slog.Int("goroutines", stats.Goroutines))
	return nil
}

// Run starts the application and blocks until ctx is done or the server
// fails, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Stop(context.Background())
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.Logger.InfoContext(ctx, "shutdown requested")
	case serveErr = <-a.serveErr:
	}

	stopErr := a.Stop(context.Background())
	if serveErr != nil {
		return serveErr
	}
	return stopErr
}

// Stop drains the server, stops background work and flushes the ledger.
func (a *Application) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.Logger.InfoContext(ctx, "shutting down license node")
		shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
		defer cancel()

		if a.Server != nil {
			if serr := a.Server.Shutdown(shutdownCtx); serr != nil {
				err = fmt.Errorf("server shutdown error: %w", serr)
			}
		}
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		if cerr := a.closeResources(shutdownCtx); cerr != nil && err == nil {
			err = cerr
		}
		a.Logger.InfoContext(ctx, "shutdown complete")
	})
	return err
}

// closeResources releases what NewApplication acquired, in reverse order.
func (a *Application) closeResources(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if a.Ledger != nil {
		keep(a.Ledger.Close(ctx))
	}
	if a.Store != nil {
		keep(a.Store.Close())
	}
	if a.OTel != nil {
		if err := a.OTel.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
	return first
}
