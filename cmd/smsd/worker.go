package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the sms, ai and notification queue workers",
		Long:  "Consumes sms_queue, ai_queue and notification_queue until SIGINT or SIGTERM. Requires REDIS_ADDR to share work with an API process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(parent context.Context) error {
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
	if a.redis == nil {
		logger.Printf("worker running on the local queue; only jobs enqueued by this process will be seen")
	}

	scheduler, monitor, err := a.startWorkers(ctx)
	if err != nil {
		return err
	}
	logger.Printf("worker started queues=%v", scheduler.Queues())

	<-ctx.Done()
	logger.Printf("shutdown signal received, draining in-flight jobs")
	monitor.Stop()
	scheduler.Wait()
	logger.Printf("workers drained")
	return nil
}
