package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/omniforge/orch/pkg/jobs"
	"github.com/spf13/cobra"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute queued runbook jobs",
	Long: `Consumes job identifiers from the queue and executes them. On SIGINT or
SIGTERM no new jobs are taken; jobs already running are finished first.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 0, "Number of workers (default WORKER_CONCURRENCY)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := setupBackend(ctx, cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	size := b.cfg.WorkerConcurrency
	if workerConcurrency > 0 {
		size = workerConcurrency
	}
	pool := &jobs.Pool{
		Size:      size,
		Queue:     b.svcs.Queue,
		Processor: b.svcs.Executor,
		Logger:    b.logger.Logger,
	}
	b.logger.Info("worker pool starting", "size", size, "queue", b.cfg.QueueName)
	return pool.Run(ctx)
}
