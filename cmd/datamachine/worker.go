package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chubes4/data-machine/internal/queue/streams"
	"github.com/chubes4/data-machine/internal/worker"
	"github.com/spf13/cobra"
)

func workerCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume flow run requests from Redis Streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, *cfgPath, "datamachine-worker")
			if err != nil {
				return err
			}
			defer a.close(ctx)
			if a.redis == nil {
				return fmt.Errorf("worker requires storage.redis")
			}

			q := a.cfg.Queue
			if err := streams.EnsureGroup(ctx, a.redis, q.RunStream, q.ConsumerGroup); err != nil {
				return fmt.Errorf("worker ensure group: %w", err)
			}
			consumer := streams.NewConsumer(a.redis, a.streams, q.ConsumerGroup, q.ConsumerName, a.logger)
			processor := worker.NewProcessor(a.logger, a.store, a.executor, consumer, a.publisher, worker.Config{
				RunStream:    q.RunStream,
				ResultStream: q.ResultStream,
				Block:        q.Block,
				BatchSize:    q.BatchSize,
				ReclaimIdle:  q.ReclaimIdle,
			}, a.telemetry.Meter(), a.telemetry.Tracer())
			return processor.Start(ctx)
		},
	}
}
