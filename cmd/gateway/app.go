package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/awgw/internal/admission"
	"github.com/vyrodovalexey/awgw/internal/admission/store"
	"github.com/vyrodovalexey/awgw/internal/backend"
	"github.com/vyrodovalexey/awgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/awgw/internal/config"
	"github.com/vyrodovalexey/awgw/internal/fairness"
	"github.com/vyrodovalexey/awgw/internal/gateway"
	"github.com/vyrodovalexey/awgw/internal/health"
	"github.com/vyrodovalexey/awgw/internal/observability"
	"github.com/vyrodovalexey/awgw/internal/pool"
	"github.com/vyrodovalexey/awgw/internal/retry"
	"github.com/vyrodovalexey/awgw/internal/session"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions.
var ginModeOnce sync.Once

// application holds all application components.
type application struct {
	flags      cliFlags
	config     *config.Config
	gateway    *gateway.Gateway
	checker    *health.Checker
	tracer     *observability.TraceProvider
	quotaStore store.Store
	admin      *http.Server
	logger     observability.Logger
}

// newApplication loads the configuration and builds every component.
func newApplication(flags cliFlags, logger observability.Logger) (*application, error) {
	logger.Info("starting awgw",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	tracer, err := observability.NewTraceProvider(context.Background(), traceConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	dialer, err := buildDialer(flags, logger)
	if err != nil {
		return nil, err
	}

	quotaStore, err := buildQuotaStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build admission store: %w", err)
	}

	gwCfg, err := gatewayConfig(cfg, quotaStore)
	if err != nil {
		return nil, err
	}

	gw, err := gateway.New(gwCfg, dialer, gateway.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	checker := health.NewChecker(version)
	checker.RegisterCheck("pool", health.PoolCheck(gw.Pool()))
	checker.RegisterCheck("breaker", health.BreakerCheck(gw.Breaker()))

	return &application{
		flags:      flags,
		config:     cfg,
		gateway:    gw,
		checker:    checker,
		tracer:     tracer,
		quotaStore: quotaStore,
		logger:     logger,
	}, nil
}

// run starts the gateway and blocks until a shutdown signal arrives.
func (a *application) run() error {
	if err := a.gateway.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if a.config.Admin.Enabled {
		a.startAdminServer()
	}

	watcher := a.startConfigWatcher()

	a.waitForShutdown(watcher)
	return nil
}

// buildDialer selects the backend dialer. The real warehouse dialer is
// supplied by the embedding program; the binary itself only carries the
// in-memory stub for local runs.
func buildDialer(flags cliFlags, logger observability.Logger) (backend.Dialer, error) {
	if !flags.stubBackend {
		return nil, errors.New("no backend dialer configured, run with -stub-backend or embed the gateway package")
	}

	logger.Warn("using in-memory stub warehouse backend")
	return backend.NewFakeDialer(), nil
}

// buildQuotaStore builds the windowed quota store. Redis when configured,
// process-local memory otherwise. Nil when quotas are disabled.
func buildQuotaStore(cfg *config.Config, logger observability.Logger) (store.Store, error) {
	if !cfg.Admission.Enabled || cfg.Admission.Quota <= 0 {
		return nil, nil
	}

	if cfg.Admission.Redis.Enabled {
		return store.NewRedisStore(&store.RedisConfig{
			Address:  cfg.Admission.Redis.Address,
			Password: cfg.Admission.Redis.Password,
			DB:       cfg.Admission.Redis.DB,
			Prefix:   cfg.Admission.Redis.Prefix,
			Logger:   logger,
		})
	}

	return store.NewMemoryStore(), nil
}

// gatewayConfig maps the file configuration onto component configs.
func gatewayConfig(cfg *config.Config, quotaStore store.Store) (*gateway.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	execRetry := retryPolicy(cfg.Retry)
	execRetry.RetryOn = backend.IsTransient

	dialRetry := retryPolicy(cfg.Retry)

	return &gateway.Config{
		Pool: &pool.Config{
			MinSize:             cfg.Pool.MinSize,
			MaxSize:             cfg.Pool.MaxSize,
			AcquireTimeout:      cfg.Pool.AcquireTimeout.Duration(),
			WaitQueue:           cfg.Pool.WaitQueue,
			IdleRetireAge:       cfg.Pool.IdleRetireAge.Duration(),
			HealthCheckInterval: cfg.Pool.HealthCheckInterval.Duration(),
			HealthCheckTimeout:  cfg.Pool.HealthCheckTimeout.Duration(),
			DialTimeout:         cfg.Pool.DialTimeout.Duration(),
			DialRetry:           dialRetry,
		},
		Session: &session.ManagerConfig{
			IdleTimeout:    cfg.Session.IdleTimeout.Duration(),
			MaxAge:         cfg.Session.MaxAge.Duration(),
			SweepInterval:  cfg.Session.SweepInterval.Duration(),
			DefaultClass:   cfg.Session.DefaultClass,
			ClassForClient: classMapper(cfg.Session.Classes),
		},
		Fairness: &fairness.Config{
			Strategy:      fairness.Strategy(cfg.Fairness.Strategy),
			MaxConcurrent: cfg.Fairness.MaxConcurrent,
			MaxWait:       cfg.Fairness.MaxWait.Duration(),
			Weights:       cfg.Fairness.Weights,
			DefaultWeight: cfg.Fairness.DefaultWeight,
		},
		Admission: &admission.Config{
			Enabled:        cfg.Admission.Enabled,
			GlobalRate:     cfg.Admission.GlobalRate,
			GlobalBurst:    cfg.Admission.GlobalBurst,
			PerClientRate:  cfg.Admission.PerClientRate,
			PerClientBurst: cfg.Admission.PerClientBurst,
			ClientTTL:      cfg.Admission.ClientTTL.Duration(),
			Quota:          cfg.Admission.Quota,
			QuotaWindow:    cfg.Admission.QuotaWindow.Duration(),
			Store:          quotaStore,
		},
		Breaker: &circuitbreaker.Config{
			MaxFailures:      cfg.Breaker.MaxFailures,
			CoolDown:         cfg.Breaker.CoolDown.Duration(),
			MaxCoolDown:      cfg.Breaker.MaxCoolDown.Duration(),
			CoolDownFactor:   cfg.Breaker.CoolDownFactor,
			FailureRatio:     cfg.Breaker.FailureRatio,
			MinRequests:      cfg.Breaker.MinRequests,
			SamplingDuration: cfg.Breaker.SamplingDuration.Duration(),
			HalfOpenMax:      cfg.Breaker.HalfOpenMax,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		},
		ExecRetry:    execRetry,
		ExecTimeout:  cfg.Gateway.ExecTimeout.Duration(),
		DrainTimeout: cfg.Gateway.DrainTimeout.Duration(),
	}, nil
}

// retryPolicy maps the retry section onto a policy.
func retryPolicy(rc config.RetryConfig) *retry.Policy {
	return &retry.Policy{
		MaxAttempts:    rc.MaxAttempts,
		Strategy:       retry.Strategy(rc.Strategy),
		InitialBackoff: rc.InitialBackoff.Duration(),
		MaxBackoff:     rc.MaxBackoff.Duration(),
		BackoffFactor:  rc.BackoffFactor,
		Jitter:         rc.Jitter,
	}
}

// classMapper builds a longest-prefix matcher from client id prefixes to
// fairness classes. Nil when no classes are configured.
func classMapper(classes map[string]string) func(string) string {
	if len(classes) == 0 {
		return nil
	}

	cloned := make(map[string]string, len(classes))
	for prefix, class := range classes {
		cloned[prefix] = class
	}

	return func(clientID string) string {
		bestLen := -1
		best := ""
		for prefix, class := range cloned {
			if strings.HasPrefix(clientID, prefix) && len(prefix) > bestLen {
				bestLen = len(prefix)
				best = class
			}
		}
		return best
	}
}

// traceConfig maps the observability section onto the trace provider config.
func traceConfig(cfg *config.Config) *observability.TraceConfig {
	tc := observability.DefaultTraceConfig()
	tc.Enabled = cfg.Observability.Tracing.Enabled
	tc.SampleRate = cfg.Observability.Tracing.SampleRate
	if cfg.Observability.Tracing.ServiceName != "" {
		tc.ServiceName = cfg.Observability.Tracing.ServiceName
	}
	if cfg.Observability.Tracing.Endpoint != "" {
		tc.Endpoint = cfg.Observability.Tracing.Endpoint
	}
	tc.ServiceVersion = version
	return tc
}

// startAdminServer serves health, readiness, stats and metrics over the
// admin listener.
func (a *application) startAdminServer() {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", gin.WrapF(a.checker.HealthHandler()))
	engine.GET("/readyz", gin.WrapF(a.checker.ReadinessHandler()))
	engine.GET("/livez", gin.WrapF(a.checker.LivenessHandler()))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.gateway.Stats())
	})

	a.admin = &http.Server{
		Addr:              a.config.Admin.Address,
		Handler:           engine,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	a.logger.Info("starting admin server",
		observability.String("address", a.config.Admin.Address))

	go func() {
		if err := a.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin server error", observability.Error(err))
		}
	}()
}

// startConfigWatcher watches the configuration file and applies the
// hot-reloadable sections: fairness weights and admission limits.
func (a *application) startConfigWatcher() *config.Watcher {
	watcher, err := config.NewWatcher(a.flags.configPath, func(newCfg *config.Config) {
		a.logger.Info("configuration changed, applying reloadable sections")
		a.gateway.SetFairnessWeights(newCfg.Fairness.Weights, newCfg.Fairness.DefaultWeight)
		a.gateway.UpdateAdmissionLimits(admission.Limits{
			GlobalRate:     newCfg.Admission.GlobalRate,
			GlobalBurst:    newCfg.Admission.GlobalBurst,
			PerClientRate:  newCfg.Admission.PerClientRate,
			PerClientBurst: newCfg.Admission.PerClientBurst,
			Quota:          newCfg.Admission.Quota,
			QuotaWindow:    newCfg.Admission.QuotaWindow.Duration(),
		})
	}, config.WithLogger(a.logger))
	if err != nil {
		a.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		a.logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}

	return watcher
}

// waitForShutdown blocks on SIGINT/SIGTERM, then drains.
func (a *application) waitForShutdown(watcher *config.Watcher) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	a.logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	a.checker.SetDraining(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		a.config.Gateway.DrainTimeout.Duration()+5*time.Second)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if a.admin != nil {
		if err := a.admin.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("failed to stop admin server", observability.Error(err))
		}
	}

	if err := a.gateway.Stop(shutdownCtx); err != nil {
		a.logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}

	if a.quotaStore != nil {
		if err := a.quotaStore.Close(); err != nil {
			a.logger.Error("failed to close admission store", observability.Error(err))
		}
	}

	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("failed to shutdown tracing", observability.Error(err))
	}

	a.logger.Info("gateway stopped")
}
