package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/config"
	"github.com/drfirst/medrecon/internal/infrastructure/redpanda"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create missing topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin, replication int16) error {
				if err := admin.EnsureTopics(ctx, replication); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Topics ensured.")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics and consumer lag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin, _ int16) error {
				names, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, name := range names {
					fmt.Fprintln(out, name)
				}

				groupID, _ := cmd.Flags().GetString("group")
				lag, err := admin.GetConsumerGroupLag(ctx, groupID)
				if err != nil {
					return err
				}
				for topic, partitions := range lag {
					for partition, n := range partitions {
						fmt.Fprintf(out, "lag %s/%d: %d\n", topic, partition, n)
					}
				}
				return nil
			})
		},
	})
	cmd.PersistentFlags().String("group", "medrecon-reconciler", "Consumer group for lag reporting")

	return cmd
}

func withAdmin(cmd *cobra.Command, fn func(context.Context, *redpanda.Admin, int16) error) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if len(cfg.Brokers()) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	admin, err := redpanda.NewAdmin(cfg.Brokers(), logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	return fn(ctx, admin, cfg.KafkaReplication)
}
