package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/leadline/sms-backend/internal/http"
	"github.com/leadline/sms-backend/internal/http/handlers"
	"github.com/leadline/sms-backend/internal/worker"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook receiver",
		Long:  "Serves /healthz, carrier webhooks and the /v1 API. Queue workers run in the same process unless --no-worker is set or WORKER_ENABLED=false.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not start queue workers in this process")
	return cmd
}

func runServe(parent context.Context, noWorker bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.close()

	api := handlers.NewAPI(handlers.APIConfig{
		Gateway:        a.gateway,
		Logger:         logger,
		WebhookBaseURL: a.cfg.WebhookBaseURL,
		Checks:         a.checks,
	})
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      a.cfg.AuthToken,
		CORSOrigins:    a.cfg.CORSAllowedOrigins,
		RateLimitRPS:   a.cfg.RateLimitRPS,
		RateLimitBurst: a.cfg.RateLimitBurst,
		TrustProxy:     a.cfg.TrustProxy,
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var (
		scheduler *worker.Scheduler
		monitor   *worker.Monitor
	)
	if a.cfg.WorkerEnabled && !noWorker {
		scheduler, monitor, err = a.startWorkers(workerCtx)
		if err != nil {
			return err
		}
		logger.Printf("workers enabled and started")
	} else {
		logger.Printf("workers disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", a.cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}

	stopWorkers()
	if monitor != nil {
		monitor.Stop()
	}
	if scheduler != nil {
		scheduler.Wait()
		logger.Printf("workers drained")
	}
	return serveErr
}

func (a *app) startWorkers(ctx context.Context) (*worker.Scheduler, *worker.Monitor, error) {
	scheduler, err := a.newScheduler()
	if err != nil {
		return nil, nil, err
	}
	monitor, err := worker.NewMonitor(a.inspect, scheduler, a.cfg.MonitorSpec, a.logger)
	if err != nil {
		return nil, nil, err
	}
	if err := scheduler.Start(ctx); err != nil {
		return nil, nil, err
	}
	monitor.Start()
	return scheduler, monitor, nil
}
