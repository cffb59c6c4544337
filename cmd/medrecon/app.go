package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/config"
	"github.com/drfirst/medrecon/internal/domain/medication"
	"github.com/drfirst/medrecon/internal/infrastructure/postgres"
	"github.com/drfirst/medrecon/internal/logging"
	"github.com/drfirst/medrecon/internal/observability/metrics"
	"github.com/drfirst/medrecon/internal/observability/tracing"
	"github.com/drfirst/medrecon/internal/safety"
	"github.com/drfirst/medrecon/internal/service"
	"github.com/drfirst/medrecon/pkg/circuitbreaker"
	"github.com/drfirst/medrecon/pkg/idempotency"
)

// app holds what every long-running command shares
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	breakers *circuitbreaker.Manager
	tracer   *tracing.Provider
	name     string
}

func loadConfig(cmd *cobra.Command, requireDB bool) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(requireDB); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, cmd *cobra.Command, component string, requireDB bool) (*app, error) {
	cfg, err := loadConfig(cmd, requireDB)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.LogConfig{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutput,
	})
	if err != nil {
		return nil, err
	}
	name := cfg.ServiceName + "-" + component
	logger = logger.With(zap.String("service", name))

	tcfg := tracing.DefaultConfig(name)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TracingSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	breakers := circuitbreaker.NewManager(logger, func(name string, _, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Value())
	})

	return &app{cfg: cfg, logger: logger, metrics: m, breakers: breakers, tracer: tp, name: name}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := postgres.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	a.logger.Info("connected to database")
	return pool, nil
}

func (a *app) breaker(name string) (*circuitbreaker.CircuitBreaker, error) {
	cfg := circuitbreaker.DefaultConfig(name)
	return a.breakers.GetOrCreate(name, cfg)
}

// newService builds the reconciliation service. inbox may be nil.
func (a *app) newService(repo medication.Repository, inbox *idempotency.Inbox) (*service.Service, error) {
	norm := medication.DefaultNormalizer()
	reconciler := medication.NewReconciler(norm, medication.WithLogger(a.logger))
	analyzer := safety.NewAnalyzer(safety.DefaultKnowledgeBase(),
		safety.WithNormalizer(norm),
		safety.WithLogger(a.logger))

	cb, err := a.breaker("safety-analysis")
	if err != nil {
		return nil, err
	}

	opts := []service.Option{
		service.WithBreaker(cb),
		service.WithMetrics(a.metrics),
		service.WithLogger(a.logger),
	}
	if inbox != nil {
		opts = append(opts, service.WithInbox(inbox))
	}
	return service.New(repo, reconciler, analyzer, opts...), nil
}

func newInbox(pool *pgxpool.Pool, cfg *config.Config, logger *zap.Logger) *idempotency.Inbox {
	icfg := idempotency.DefaultConfig()
	icfg.TTL = cfg.InboxTTL
	icfg.IsTerminal = service.IsTerminal
	return idempotency.New(pool, icfg, logger)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
