package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chubes4/data-machine/internal/server"
	"github.com/spf13/cobra"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, *cfgPath, "datamachine-api")
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if addr == "" {
				addr = a.cfg.Server.Address
			}
			srv := server.New(server.Deps{
				Store:     a.store,
				Runner:    a.runner,
				Scheduler: a.scheduler,
				Tracker:   a.tracker,
				Metrics:   a.telemetry.Handler(),
				Ping:      a.store.Ping,
				QueueLag:  a.queueLag(),
			}, server.WithLogger(a.logger), server.WithCORSOrigins(a.cfg.Server.CORSOrigins))

			errc := make(chan error, 2)
			if a.cfg.Scheduler.Enabled {
				n, err := a.scheduler.Restore(ctx)
				if err != nil {
					return err
				}
				a.logger.Info("schedules restored", slog.Int("registrations", n))
				go func() { errc <- a.scheduler.Run(ctx) }()
			}
			go func() { errc <- srv.Start(addr) }()

			select {
			case <-ctx.Done():
			case err := <-errc:
				if err != nil && !errors.Is(err, context.Canceled) {
					cancel()
					return err
				}
			}

			shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("http shutdown", slog.Any("error", err))
			}
			a.scheduler.Wait()
			return nil
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	return serve
}
