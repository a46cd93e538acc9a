package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	telemetry "github.com/loomworks/controlplane/internal/adapter/otel"
	jobs "github.com/loomworks/controlplane/internal/adapter/river"

	handler "github.com/loomworks/controlplane/internal/adapter/http"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(p *program) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API and tenant router",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, p)
		},
	}
}

func serve(ctx context.Context, p *program) (err error) {
	cfg, logger := p.cfg, p.logger

	providers, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.OTelEnvironment,
		Exporter:       cfg.OTelExporter,
		Insecure:       cfg.OTelInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flushing telemetry", zap.Error(err))
		}
	}()

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("closing resources", zap.Error(err))
		}
	}()

	client, err := jobs.Setup(ctx, s.db, jobs.Config{
		Operations:       s.svc,
		Logger:           logger.Named("jobs"),
		MaxWorkers:       cfg.WorkerCount,
		ScheduleRollover: cfg.ScheduleRollover,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newHandler(s, jobs.NewDispatcher(client), cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := client.Start(gctx); err != nil {
			return err
		}
		logger.Info("job queue started", zap.Int("workers", cfg.WorkerCount))
		return nil
	})

	g.Go(func() error {
		logger.Info("control plane listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("base_domain", cfg.BaseDomain),
			zap.String("engine", cfg.Engine),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		srvErr := srv.Shutdown(shutdownCtx)
		if err := client.Stop(shutdownCtx); err != nil {
			logger.Warn("stopping job queue", zap.Error(err))
		}
		return srvErr
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

// The river dispatcher satisfies the HTTP layer's queue port.
var _ handler.Dispatcher = (*jobs.Dispatcher)(nil)
