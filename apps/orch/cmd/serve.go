package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omniforge/orch/pkg/jobs"
	"github.com/omniforge/orch/pkg/oapi"
	"github.com/omniforge/orch/pkg/oapi/routes"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveWorkers   int
	serveScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Runs the HTTP API. The policy scheduler runs in-process unless
--scheduler=false or SCHEDULER_INTERVAL=0. Use --workers to also execute jobs
in this process; otherwise run "orch worker" separately.`,
	RunE: serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Number of in-process job workers")
	serveCmd.Flags().BoolVar(&serveScheduler, "scheduler", true, "Run the service policy scheduler")
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := setupBackend(ctx, cmd)
	if err != nil {
		return err
	}
	defer b.Close()
	logger := b.logger.Logger

	api := oapi.NewApi(oapi.Options{
		Verifier:    b.svcs.Tokens,
		CORSOrigins: b.cfg.CORSOrigins,
		Logger:      logger,
	})
	routes.RegisterAPI(api.Api, b.svcs, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", b.cfg.Port),
		Handler:           api.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("🚀 API starting", "addr", srv.Addr)
		logger.Info("📚 OpenAPI docs", "url", b.cfg.BaseURL+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
		defer cancel()
		logger.Info("shutting down API")
		return srv.Shutdown(shutdownCtx)
	})

	if serveScheduler && b.cfg.SchedulerInterval > 0 {
		g.Go(func() error { return b.svcs.Scheduler.Run(gctx) })
	}
	if serveWorkers > 0 {
		pool := &jobs.Pool{
			Size:      serveWorkers,
			Queue:     b.svcs.Queue,
			Processor: b.svcs.Executor,
			Logger:    logger,
		}
		g.Go(func() error { return pool.Run(gctx) })
	}

	return g.Wait()
}
