package main

import (
	"github.com/spf13/cobra"

	"github.com/drfirst/medrecon/internal/infrastructure/postgres"
	"github.com/drfirst/medrecon/internal/infrastructure/redpanda"
	"github.com/drfirst/medrecon/internal/service"
)

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Reconcile prescriptions from the extraction topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cmd, "consumer", true)
			if err != nil {
				return err
			}
			defer a.close()

			pool, err := a.openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			inbox := newInbox(pool, a.cfg, a.logger)
			if err := inbox.Start(); err != nil {
				return err
			}
			defer inbox.Stop()

			svc, err := a.newService(postgres.NewRepository(pool, a.logger), inbox)
			if err != nil {
				return err
			}

			producer, err := a.newProducer()
			if err != nil {
				return err
			}
			defer producer.Close()

			ccfg := redpanda.DefaultConsumerConfig()
			ccfg.Brokers = a.cfg.Brokers()
			ccfg.GroupID = a.cfg.KafkaGroupID
			ccfg.Pool.Workers = a.cfg.Workers
			ccfg.Pool.Retryable = service.IsRetryable

			consumer, err := redpanda.NewConsumer(ccfg,
				redpanda.PrescriptionHandler(svc, a.logger),
				redpanda.DeadLetterHandler(producer, redpanda.TopicExtractedDeadLetter),
				a.metrics, a.logger)
			if err != nil {
				return err
			}
			consumer.Start()

			<-ctx.Done()
			a.logger.Info("shutting down")
			return consumer.Stop()
		},
	}
}
