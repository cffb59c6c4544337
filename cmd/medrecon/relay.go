package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/infrastructure/postgres"
	"github.com/drfirst/medrecon/internal/infrastructure/redpanda"
)

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish committed outbox entries to Redpanda",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cmd, "relay", true)
			if err != nil {
				return err
			}
			defer a.close()

			pool, err := a.openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			producer, err := a.newProducer()
			if err != nil {
				return err
			}
			defer producer.Close()

			ocfg := postgres.DefaultOutboxConfig()
			ocfg.PollInterval = a.cfg.OutboxPollInterval
			ocfg.Retention = a.cfg.OutboxRetention
			ocfg.MaxRetries = a.cfg.OutboxMaxRetries

			relay := postgres.NewRelay(pool, producer, ocfg, a.metrics, a.logger)
			if err := relay.Start(); err != nil {
				return err
			}
			a.logger.Info("outbox relay started")

			<-ctx.Done()
			a.logger.Info("shutting down")
			relay.Stop()
			a.logger.Info("outbox relay stopped")
			return nil
		},
	}
}

func (a *app) newProducer() (*redpanda.Producer, error) {
	cb, err := a.breaker("redpanda-producer")
	if err != nil {
		return nil, err
	}
	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = a.cfg.Brokers()
	producer, err := redpanda.NewProducer(pcfg, cb, a.logger)
	if err != nil {
		return nil, err
	}
	a.logger.Info("connected to Redpanda", zap.Strings("brokers", pcfg.Brokers))
	return producer, nil
}
