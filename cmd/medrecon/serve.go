package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/api"
	"github.com/drfirst/medrecon/internal/api/handlers"
	"github.com/drfirst/medrecon/internal/config"
	"github.com/drfirst/medrecon/internal/domain/medication"
	"github.com/drfirst/medrecon/internal/infrastructure/memory"
	"github.com/drfirst/medrecon/internal/infrastructure/postgres"
	"github.com/drfirst/medrecon/pkg/idempotency"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reconciliation API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cmd, "api", false)
			if err != nil {
				return err
			}
			defer a.close()
			return runServer(ctx, a)
		},
	}
}

func runServer(ctx context.Context, a *app) error {
	checks := map[string]handlers.Check{
		"breakers": func(context.Context) error {
			for _, s := range a.breakers.GetHealthStatus() {
				if !s.Healthy {
					return fmt.Errorf("circuit breaker %s is %s", s.Name, s.State)
				}
			}
			return nil
		},
	}

	var repo medication.Repository
	var inbox *idempotency.Inbox
	switch a.cfg.Storage {
	case config.StorageMemory:
		a.logger.Warn("using in-memory storage; state is lost on exit")
		repo = memory.NewRepository(a.logger)
	default:
		pool, err := a.openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		pg := postgres.NewRepository(pool, a.logger)
		checks["postgres"] = pg.Ping
		repo = pg

		inbox = newInbox(pool, a.cfg, a.logger)
		if err := inbox.Start(); err != nil {
			return err
		}
		defer inbox.Stop()
	}

	svc, err := a.newService(repo, inbox)
	if err != nil {
		return err
	}

	keys, err := a.cfg.Keys()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		a.logger.Warn("API_KEYS is empty; every /api/v1 request will be rejected")
	}

	router := api.NewRouter(svc, api.Config{
		ServiceName:    a.name,
		APIKeys:        keys,
		RateLimitRPS:   a.cfg.RateLimitRPS,
		RateLimitBurst: a.cfg.RateLimitBurst,
		ReadyChecks:    checks,
		Metrics:        a.metrics,
	}, a.logger)

	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting reconciliation API",
			zap.String("port", a.cfg.Port),
			zap.String("storage", a.cfg.Storage))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}
